package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voxguard/voxguard/internal/ports"
)

const (
	// listenerRetryWait paces reconnect attempts after a dropped listener
	// connection.
	listenerRetryWait = time.Second

	// subscriberBuffer bounds each subscriber channel; a subscriber that
	// falls this far behind loses events rather than stalling the listener.
	subscriberBuffer = 16
)

// Bus is the cross-instance event bus over LISTEN/NOTIFY. One listener
// connection is held per channel while it has subscribers. Event payloads
// carry identifiers only; NOTIFY caps a payload at 8000 bytes.
type Bus struct {
	pool *pgxpool.Pool

	mu       sync.Mutex
	channels map[string]*busChannel
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type busChannel struct {
	name   string
	subs   map[int]chan ports.Event
	next   int
	cancel context.CancelFunc
}

func NewBus(pool *pgxpool.Pool) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		pool:     pool,
		channels: make(map[string]*busChannel),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Publish notifies every instance listening on channel. Inside a transaction
// the notification rides on the transaction and is delivered on commit.
func (b *Bus) Publish(ctx context.Context, channel string, event ports.Event) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if event.At == 0 {
		event.At = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := GetConn(ctx, b.pool).Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(payload)); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}

// Subscribe starts delivering channel events until the returned cancel
// function runs. The first subscriber on a channel starts its listener; the
// last one leaving stops it.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan ports.Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, fmt.Errorf("bus is closed")
	}

	ch, ok := b.channels[channel]
	if !ok {
		listenCtx, cancel := context.WithCancel(b.ctx)
		ch = &busChannel{
			name:   channel,
			subs:   make(map[int]chan ports.Event),
			cancel: cancel,
		}
		b.channels[channel] = ch
		b.wg.Add(1)
		go b.listen(listenCtx, ch)
	}

	id := ch.next
	ch.next++
	events := make(chan ports.Event, subscriberBuffer)
	ch.subs[id] = events

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				// Close already tore the subscription down.
				return
			}
			delete(ch.subs, id)
			close(events)
			if len(ch.subs) == 0 {
				ch.cancel()
				delete(b.channels, channel)
			}
		})
	}
	return events, unsubscribe, nil
}

// Close stops every listener and waits for them to exit. Subscriber channels
// are closed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for name, ch := range b.channels {
		ch.cancel()
		for id, events := range ch.subs {
			delete(ch.subs, id)
			close(events)
		}
		delete(b.channels, name)
	}
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

// listen holds the channel's listener connection, reconnecting until the
// channel loses its last subscriber or the bus closes.
func (b *Bus) listen(ctx context.Context, ch *busChannel) {
	defer b.wg.Done()
	for ctx.Err() == nil {
		if err := b.consume(ctx, ch); err != nil && ctx.Err() == nil {
			log.Printf("WARNING: bus: listener for %s: %v", ch.name, err)
			select {
			case <-ctx.Done():
			case <-time.After(listenerRetryWait):
			}
		}
	}
}

// consume takes one connection out of the pool, LISTENs and fans out
// notifications until the connection or the context dies. The connection is
// hijacked so its LISTEN state can never leak back into the pool.
func (b *Bus) consume(ctx context.Context, ch *busChannel) error {
	poolConn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	conn := poolConn.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch.name}.Sanitize()); err != nil {
		return fmt.Errorf("listen on %s: %w", ch.name, err)
	}

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var event ports.Event
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			log.Printf("WARNING: bus: undecodable payload on %s: %v", ch.name, err)
			continue
		}
		b.fanOut(ch, event)
	}
}

// fanOut delivers one event to every subscriber, dropping it for any
// subscriber whose buffer is full.
func (b *Bus) fanOut(ch *busChannel, event ports.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, events := range ch.subs {
		select {
		case events <- event:
		default:
			log.Printf("WARNING: bus: subscriber %d on %s is full, dropping %s", id, ch.name, event.Kind)
		}
	}
}
