// Package ws is the reliable transport gateway. It admits authenticated
// WebSocket connections into the pool, pumps envelope frames between peers
// and the reliability layer, and carries the signaling channel peers use to
// negotiate a media upgrade.
package ws

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/voxguard/voxguard/internal/domain"
)

// wsConn is one upgraded socket with its buffered outbound queue. The write
// pump is the only goroutine writing data frames; control frames may be
// written concurrently via WriteControl.
type wsConn struct {
	id      string
	sock    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	once sync.Once
	done chan struct{}
}

func newConn(id string, sock *websocket.Conn, queue int, limiter *rate.Limiter) *wsConn {
	return &wsConn{
		id:      id,
		sock:    sock,
		send:    make(chan []byte, queue),
		limiter: limiter,
		done:    make(chan struct{}),
	}
}

// close wakes the pumps and closes the socket. Safe to call more than once.
func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.sock.Close()
	})
}

// Conns tracks live envelope connections by id and hands sealed frames to
// their write pumps. It is the Sender the reliability layer writes through.
type Conns struct {
	mu sync.RWMutex
	m  map[string]*wsConn
}

func NewConns() *Conns {
	return &Conns{m: make(map[string]*wsConn)}
}

func (cs *Conns) add(c *wsConn) {
	cs.mu.Lock()
	cs.m[c.id] = c
	cs.mu.Unlock()
}

func (cs *Conns) remove(id string) {
	cs.mu.Lock()
	delete(cs.m, id)
	cs.mu.Unlock()
}

func (cs *Conns) get(id string) *wsConn {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.m[id]
}

// Count reports the number of live envelope connections.
func (cs *Conns) Count() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.m)
}

// SendFrame queues one frame for a connection's write pump. It never blocks:
// a full queue fails the send and leaves retransmission to the reliability
// layer.
func (cs *Conns) SendFrame(connectionID string, frame []byte) error {
	c := cs.get(connectionID)
	if c == nil {
		return fmt.Errorf("connection %s: %w", connectionID, domain.ErrConnectionClosed)
	}
	select {
	case <-c.done:
		return fmt.Errorf("connection %s: %w", connectionID, domain.ErrConnectionClosed)
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("connection %s: %w", connectionID, domain.ErrQueueFull)
	}
}
