// Package circuitbreaker gates calls to external dependencies. One breaker
// wraps each of the recognizer, synthesizer and response services.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "halfOpen"
	default:
		return "unknown"
	}
}

// Config tunes one breaker instance.
type Config struct {
	// Name labels the wrapped dependency in metrics and logs.
	Name string
	// WindowSize bounds the recent-calls window the error rate is computed
	// over.
	WindowSize int
	// VolumeThreshold is the minimum recent calls before the breaker may
	// open; below it, error rates are noise.
	VolumeThreshold int
	// ErrorThresholdPercent opens the breaker when the window error rate
	// reaches it, given volume.
	ErrorThresholdPercent float64
	// ResetTimeout is how long an open breaker waits before probing.
	ResetTimeout time.Duration
	// HalfOpenMaxCalls bounds concurrent probes while half-open.
	HalfOpenMaxCalls int
	// CallTimeout deadlines each wrapped call; a timeout counts as failure.
	CallTimeout time.Duration
}

func DefaultConfig(name string) Config {
	return Config{
		Name:                  name,
		WindowSize:            20,
		VolumeThreshold:       10,
		ErrorThresholdPercent: 50,
		ResetTimeout:          30 * time.Second,
		HalfOpenMaxCalls:      3,
		CallTimeout:           10 * time.Second,
	}
}

type callRecord struct {
	at      time.Time
	failed  bool
	latency time.Duration
}

// Stats is a point-in-time snapshot of breaker state.
type Stats struct {
	Name          string
	State         State
	Failures      int64
	Successes     int64
	TotalCalls    int64
	WindowCalls   int
	WindowErrors  int
	LastFailureAt time.Time
	NextAttemptAt time.Time
}

// CircuitBreaker is a three-state gate with a sliding window. Transitions
// are serialized under the mutex; the wrapped call itself runs outside it.
type CircuitBreaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	window          []callRecord
	failures        int64
	successes       int64
	totalCalls      int64
	lastFailure     time.Time
	nextAttempt     time.Time
	halfOpenUsed    int
	halfOpenSuccess int
	onStateChange   func(name string, from, to State)
}

func New(cfg Config) *CircuitBreaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		cfg:   cfg,
		state: StateClosed,
	}
}

// OnStateChange registers a callback fired outside the lock after each
// transition. Used to keep the state gauge current.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn under the breaker and the configured call timeout.
// While open it fails fast with ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if cb.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, cb.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(callCtx)
	latency := time.Since(start)

	// Deadline hits count as failures even when fn swallows the context.
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	cb.record(err, latency)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Now().Before(cb.nextAttempt) {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.halfOpenUsed = 0
		cb.halfOpenSuccess = 0
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenUsed >= cb.cfg.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		cb.halfOpenUsed++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error, latency time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	failed := err != nil && !errors.Is(err, ErrCircuitOpen)
	cb.window = append(cb.window, callRecord{at: time.Now(), failed: failed, latency: latency})
	if len(cb.window) > cb.cfg.WindowSize {
		cb.window = cb.window[len(cb.window)-cb.cfg.WindowSize:]
	}

	if failed {
		cb.failures++
		cb.lastFailure = time.Now()
	} else {
		cb.successes++
	}

	switch cb.state {
	case StateClosed:
		if failed && cb.shouldOpen() {
			cb.open()
		}
	case StateHalfOpen:
		if failed {
			cb.open()
			return
		}
		cb.halfOpenSuccess++
		// The state decision waits for every admitted probe to succeed.
		if cb.halfOpenSuccess >= cb.cfg.HalfOpenMaxCalls {
			cb.transition(StateClosed)
			cb.window = cb.window[:0]
		}
	}
}

// shouldOpen applies the volume and error-rate rules over the window.
func (cb *CircuitBreaker) shouldOpen() bool {
	if len(cb.window) < cb.cfg.VolumeThreshold {
		return false
	}
	errs := 0
	for _, r := range cb.window {
		if r.failed {
			errs++
		}
	}
	rate := float64(errs) / float64(len(cb.window)) * 100
	return rate >= cb.cfg.ErrorThresholdPercent
}

func (cb *CircuitBreaker) open() {
	cb.transition(StateOpen)
	cb.nextAttempt = time.Now().Add(cb.cfg.ResetTimeout)
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.cfg.Name, from, to)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	errs := 0
	for _, r := range cb.window {
		if r.failed {
			errs++
		}
	}
	return Stats{
		Name:          cb.cfg.Name,
		State:         cb.state,
		Failures:      cb.failures,
		Successes:     cb.successes,
		TotalCalls:    cb.totalCalls,
		WindowCalls:   len(cb.window),
		WindowErrors:  errs,
		LastFailureAt: cb.lastFailure,
		NextAttemptAt: cb.nextAttempt,
	}
}
