// Package pool bounds the inventory of peer transport connections: fixed
// capacity, per-user caps, priority eviction, an idle reuse cache and a
// priority-ordered waiting queue.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/voxguard/voxguard/internal/adapters/metrics"
	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/domain/models"
	"github.com/voxguard/voxguard/internal/ports"
)

// ReleaseReason classifies why a connection returns to the pool. Non-fatal
// reasons make the connection eligible for reuse.
type ReleaseReason string

const (
	ReleaseIdle      ReleaseReason = "idle"
	ReleaseCallEnded ReleaseReason = "call_ended"
	ReleaseError     ReleaseReason = "error"
	ReleaseEvicted   ReleaseReason = "evicted"
	ReleaseShutdown  ReleaseReason = "shutdown"
)

// Fatal reports whether the reason disqualifies the connection from reuse.
func (r ReleaseReason) Fatal() bool {
	switch r {
	case ReleaseError, ReleaseEvicted, ReleaseShutdown:
		return true
	}
	return false
}

// Connection is one pooled transport slot. The pool owns the struct;
// callers receive copies.
type Connection struct {
	ID        string
	UserID    string
	CallID    string
	Kind      models.TransportKind
	Priority  int
	CreatedAt time.Time
	LastUsed  time.Time
	Active    bool

	elem *list.Element // reuse cache position, nil while active
}

// Request asks the pool for a connection slot.
type Request struct {
	UserID   string
	CallID   string
	Kind     models.TransportKind
	Priority int
	// Timeout bounds the wait when the request parks; zero means the pool
	// default.
	Timeout time.Duration
}

// Config tunes capacity, caps and queue behavior.
type Config struct {
	MaxConnections int
	MaxPerUser     int
	// Priorities is P: request priorities are clamped into 0..P-1.
	Priorities int
	// IdleTimeout is both the reuse-cache TTL and the idle sweep horizon.
	IdleTimeout time.Duration
	// CriticalWindow protects connections younger than this from eviction.
	CriticalWindow         time.Duration
	CleanupInterval        time.Duration
	AcquireTimeout         time.Duration
	WaitQueueSize          int
	MaxEvictionsPerAcquire int
	ReuseEnabled           bool
}

func DefaultConfig() Config {
	return Config{
		MaxConnections:         1000,
		MaxPerUser:             3,
		Priorities:             4,
		IdleTimeout:            2 * time.Minute,
		CriticalWindow:         30 * time.Second,
		CleanupInterval:        30 * time.Second,
		AcquireTimeout:         5 * time.Second,
		WaitQueueSize:          128,
		MaxEvictionsPerAcquire: 2,
		ReuseEnabled:           true,
	}
}

type waitResult struct {
	conn *Connection
	err  error
}

type waiter struct {
	req      Request
	result   chan waitResult
	enqueued time.Time
	deadline time.Time
}

// Pool is the bounded connection inventory. Capacity covers active and
// reuse-cached connections; only active ones count against per-user caps.
type Pool struct {
	cfg Config
	ids ports.IDGenerator

	mu       sync.Mutex
	conns    map[string]*Connection
	byUser   map[string]int // active connections per user
	active   int
	reuse    *list.List                 // MRU at front
	reuseIdx map[string][]*list.Element // userID|kind -> elements
	waiting  [][]*waiter                // index = priority, FIFO within
	closed   bool
	onEvict  func(Connection)
}

func New(cfg Config, ids ports.IDGenerator) *Pool {
	def := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = def.MaxPerUser
	}
	if cfg.Priorities <= 0 {
		cfg.Priorities = def.Priorities
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.CriticalWindow <= 0 {
		cfg.CriticalWindow = def.CriticalWindow
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.WaitQueueSize <= 0 {
		cfg.WaitQueueSize = def.WaitQueueSize
	}
	if cfg.MaxEvictionsPerAcquire <= 0 {
		cfg.MaxEvictionsPerAcquire = def.MaxEvictionsPerAcquire
	}
	return &Pool{
		cfg:      cfg,
		ids:      ids,
		conns:    make(map[string]*Connection),
		byUser:   make(map[string]int),
		reuse:    list.New(),
		reuseIdx: make(map[string][]*list.Element),
		waiting:  make([][]*waiter, cfg.Priorities),
	}
}

// SetEvictionHandler installs the callback invoked (outside the pool lock)
// for every active connection evicted to admit a higher-priority request.
func (p *Pool) SetEvictionHandler(fn func(Connection)) {
	p.mu.Lock()
	p.onEvict = fn
	p.mu.Unlock()
}

// Acquire returns a connection slot for the request, reusing an idle one of
// the same user and kind when possible, evicting lower-priority holders
// past the critical window when at capacity, and otherwise parking in the
// waiting queue until a slot frees or the request times out.
func (p *Pool) Acquire(ctx context.Context, req Request) (*Connection, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: userId is required", domain.ErrInvalidInput)
	}
	if req.Kind == "" {
		req.Kind = models.TransportReliable
	}
	if req.Priority < 0 {
		req.Priority = 0
	}
	if req.Priority >= p.cfg.Priorities {
		req.Priority = p.cfg.Priorities - 1
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	now := time.Now()

	var evicted []Connection
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, domain.ErrPoolShutdown
	}
	conn, err, ok := p.satisfyLocked(req, now, &evicted)
	if ok {
		active := p.active
		p.mu.Unlock()
		metrics.PoolConnectionsActive.Set(float64(active))
		p.fireEvictions(evicted)
		if err != nil {
			return nil, err
		}
		out := *conn
		return &out, nil
	}
	if p.waiterCountLocked() >= p.cfg.WaitQueueSize {
		p.mu.Unlock()
		return nil, domain.ErrPoolExhausted
	}
	w := &waiter{
		req:      req,
		result:   make(chan waitResult, 1),
		enqueued: now,
		deadline: now.Add(timeout),
	}
	p.waiting[req.Priority] = append(p.waiting[req.Priority], w)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-w.result:
		return res.conn, res.err
	case <-ctx.Done():
		p.abandonWaiter(w)
		return nil, ctx.Err()
	case <-timer.C:
		p.abandonWaiter(w)
		return nil, domain.ErrAcquireTimeout
	}
}

// Release returns a connection slot. Non-fatal reasons park it in the reuse
// cache with the idle TTL; fatal ones remove it. Either way the waiting
// queue is drained up to capacity.
func (p *Pool) Release(id string, reason ReleaseReason) error {
	now := time.Now()
	var evicted []Connection
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.ErrPoolShutdown
	}
	conn, ok := p.conns[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("connection %s: %w", id, domain.ErrNotFound)
	}
	if conn.Active {
		conn.Active = false
		p.active--
		p.dropUserLocked(conn.UserID)
	}
	conn.LastUsed = now
	if !reason.Fatal() && p.cfg.ReuseEnabled {
		if conn.elem == nil {
			conn.elem = p.reuse.PushFront(conn)
			key := reuseKey(conn.UserID, conn.Kind)
			p.reuseIdx[key] = append(p.reuseIdx[key], conn.elem)
		}
	} else {
		p.removeLocked(conn)
	}
	p.drainLocked(now, &evicted)
	active := p.active
	p.mu.Unlock()

	metrics.PoolConnectionsActive.Set(float64(active))
	p.fireEvictions(evicted)
	return nil
}

// Run drives the cleanup sweeper until the context ends.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(time.Now())
		}
	}
}

// Close fails all waiters with pool_shutdown and drops every connection.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for pr := range p.waiting {
		for _, w := range p.waiting[pr] {
			w.result <- waitResult{err: domain.ErrPoolShutdown}
		}
		p.waiting[pr] = nil
	}
	dropped := len(p.conns)
	p.conns = make(map[string]*Connection)
	p.byUser = make(map[string]int)
	p.reuse.Init()
	p.reuseIdx = make(map[string][]*list.Element)
	p.active = 0
	p.mu.Unlock()

	metrics.PoolConnectionsActive.Set(0)
	if dropped > 0 {
		log.Printf("pool closed, dropped %d connections", dropped)
	}
}

// Stats is a point-in-time snapshot for the ops surface.
type Stats struct {
	Active   int `json:"active"`
	Idle     int `json:"idle"`
	Waiting  int `json:"waiting"`
	Capacity int `json:"capacity"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:   p.active,
		Idle:     p.reuse.Len(),
		Waiting:  p.waiterCountLocked(),
		Capacity: p.cfg.MaxConnections,
	}
}

// sweep expires idle reuse entries, fails overdue waiters and re-drains the
// queue.
func (p *Pool) sweep(now time.Time) {
	var evicted []Connection
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	// Reuse list is ordered by release time, oldest at the back.
	for elem := p.reuse.Back(); elem != nil; {
		conn := elem.Value.(*Connection)
		if now.Sub(conn.LastUsed) <= p.cfg.IdleTimeout {
			break
		}
		prev := elem.Prev()
		p.removeLocked(conn)
		log.Printf("pool dropped idle connection %s (user %s)", conn.ID, conn.UserID)
		elem = prev
	}
	p.drainLocked(now, &evicted)
	active := p.active
	p.mu.Unlock()

	metrics.PoolConnectionsActive.Set(float64(active))
	p.fireEvictions(evicted)
}

// satisfyLocked runs the acquire ladder: user cap, reuse, capacity,
// eviction. ok=false means the request must park.
func (p *Pool) satisfyLocked(req Request, now time.Time, evicted *[]Connection) (*Connection, error, bool) {
	if p.byUser[req.UserID] >= p.cfg.MaxPerUser {
		return nil, domain.ErrUserLimitExceeded, true
	}
	if p.cfg.ReuseEnabled {
		if conn := p.reuseTakeLocked(req, now); conn != nil {
			metrics.PoolReuseHitsTotal.Inc()
			return conn, nil, true
		}
	}
	if len(p.conns) < p.cfg.MaxConnections {
		return p.newConnLocked(req, now), nil, true
	}
	if p.evictForLocked(req, now, evicted) {
		return p.newConnLocked(req, now), nil, true
	}
	return nil, nil, false
}

// reuseTakeLocked reactivates a cached idle connection of the same user and
// kind, discarding expired entries it trips over.
func (p *Pool) reuseTakeLocked(req Request, now time.Time) *Connection {
	key := reuseKey(req.UserID, req.Kind)
	for {
		elems := p.reuseIdx[key]
		if len(elems) == 0 {
			return nil
		}
		conn := elems[0].Value.(*Connection)
		p.detachReuseLocked(conn)
		if now.Sub(conn.LastUsed) > p.cfg.IdleTimeout {
			delete(p.conns, conn.ID)
			continue
		}
		conn.Active = true
		conn.CallID = req.CallID
		conn.Priority = req.Priority
		conn.LastUsed = now
		p.active++
		p.byUser[req.UserID]++
		return conn
	}
}

// evictForLocked frees capacity for the request by removing lower-priority
// connections past the critical window, ordered (priority asc, lastUsed
// asc), bounded per acquire.
func (p *Pool) evictForLocked(req Request, now time.Time, evicted *[]Connection) bool {
	var candidates []*Connection
	for _, c := range p.conns {
		if c.Priority >= req.Priority {
			continue
		}
		if now.Sub(c.CreatedAt) < p.cfg.CriticalWindow {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].LastUsed.Before(candidates[j].LastUsed)
	})
	evictions := 0
	for _, c := range candidates {
		if len(p.conns) < p.cfg.MaxConnections || evictions >= p.cfg.MaxEvictionsPerAcquire {
			break
		}
		snap := *c
		snap.elem = nil
		p.removeLocked(c)
		evictions++
		metrics.PoolEvictionsTotal.Inc()
		*evicted = append(*evicted, snap)
		log.Printf("pool evicted connection %s (priority %d) for priority %d request",
			c.ID, c.Priority, req.Priority)
	}
	return len(p.conns) < p.cfg.MaxConnections
}

// drainLocked serves waiters highest priority first, FIFO within priority,
// failing the overdue ones.
func (p *Pool) drainLocked(now time.Time, evicted *[]Connection) {
	for pr := len(p.waiting) - 1; pr >= 0; pr-- {
		var kept []*waiter
		for _, w := range p.waiting[pr] {
			if now.After(w.deadline) {
				w.result <- waitResult{err: domain.ErrAcquireTimeout}
				continue
			}
			conn, err, ok := p.satisfyLocked(w.req, now, evicted)
			if !ok {
				kept = append(kept, w)
				continue
			}
			if err != nil {
				w.result <- waitResult{err: err}
				continue
			}
			metrics.PoolWaitingQueueAdmits.Inc()
			out := *conn
			w.result <- waitResult{conn: &out}
		}
		p.waiting[pr] = kept
	}
}

// abandonWaiter removes a timed-out or cancelled waiter, reclaiming a slot
// the drain may have raced to it.
func (p *Pool) abandonWaiter(w *waiter) {
	p.mu.Lock()
	removed := false
	queue := p.waiting[w.req.Priority]
	for i, cand := range queue {
		if cand == w {
			p.waiting[w.req.Priority] = append(queue[:i], queue[i+1:]...)
			removed = true
			break
		}
	}
	p.mu.Unlock()
	if removed {
		return
	}
	select {
	case res := <-w.result:
		if res.conn != nil {
			if err := p.Release(res.conn.ID, ReleaseIdle); err != nil {
				log.Printf("WARNING: reclaim abandoned connection %s: %v", res.conn.ID, err)
			}
		}
	default:
	}
}

func (p *Pool) newConnLocked(req Request, now time.Time) *Connection {
	conn := &Connection{
		ID:        p.ids.GenerateConnectionID(),
		UserID:    req.UserID,
		CallID:    req.CallID,
		Kind:      req.Kind,
		Priority:  req.Priority,
		CreatedAt: now,
		LastUsed:  now,
		Active:    true,
	}
	p.conns[conn.ID] = conn
	p.active++
	p.byUser[req.UserID]++
	return conn
}

// removeLocked drops a connection from every structure it sits in.
func (p *Pool) removeLocked(conn *Connection) {
	if conn.elem != nil {
		p.detachReuseLocked(conn)
	}
	if conn.Active {
		conn.Active = false
		p.active--
		p.dropUserLocked(conn.UserID)
	}
	delete(p.conns, conn.ID)
}

func (p *Pool) detachReuseLocked(conn *Connection) {
	key := reuseKey(conn.UserID, conn.Kind)
	elems := p.reuseIdx[key]
	for i, elem := range elems {
		if elem == conn.elem {
			elems = append(elems[:i], elems[i+1:]...)
			break
		}
	}
	if len(elems) == 0 {
		delete(p.reuseIdx, key)
	} else {
		p.reuseIdx[key] = elems
	}
	p.reuse.Remove(conn.elem)
	conn.elem = nil
}

func (p *Pool) dropUserLocked(userID string) {
	if n := p.byUser[userID] - 1; n > 0 {
		p.byUser[userID] = n
	} else {
		delete(p.byUser, userID)
	}
}

func (p *Pool) waiterCountLocked() int {
	n := 0
	for _, q := range p.waiting {
		n += len(q)
	}
	return n
}

func (p *Pool) fireEvictions(evicted []Connection) {
	if len(evicted) == 0 {
		return
	}
	p.mu.Lock()
	fn := p.onEvict
	p.mu.Unlock()
	if fn == nil {
		return
	}
	for _, c := range evicted {
		if c.Active {
			fn(c)
		}
	}
}

func reuseKey(userID string, kind models.TransportKind) string {
	return userID + "|" + string(kind)
}
