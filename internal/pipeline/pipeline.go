// Package pipeline runs the per-call audio transform: preprocess, speech
// gate, recognition, intent classification, response generation, synthesis.
// One chunk executes at a time per call; many calls run concurrently.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/voxguard/voxguard/internal/adapters/metrics"
	"github.com/voxguard/voxguard/internal/audio"
	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/domain/models"
	"github.com/voxguard/voxguard/internal/perf"
	"github.com/voxguard/voxguard/internal/ports"
)

// Emitter receives pipeline outcomes. The session layer frames them for the
// peer.
type Emitter interface {
	EmitResult(ctx context.Context, callID string, result *models.PipelineResult)
	EmitError(ctx context.Context, callID, chunkID string, err error)
}

// Config tunes admission and per-call processing.
type Config struct {
	// MaxQueueSize bounds chunks queued per call; overflow is rejected.
	MaxQueueSize int
	// MaxChunkBytes rejects oversized payloads before decoding.
	MaxChunkBytes int
	// WorkerIdle is how long an empty worker lingers before parking.
	WorkerIdle time.Duration
	// SampleRate and Channels describe the canonical PCM form.
	SampleRate int
	Channels   int
	// ContextTail bounds the transcript and intent history handed to the
	// classifier and kept in snapshots.
	ContextTail int

	Detector  audio.DetectorConfig
	Processor audio.ProcessorConfig
}

func DefaultConfig() Config {
	return Config{
		MaxQueueSize:  64,
		MaxChunkBytes: 1 << 20,
		WorkerIdle:    2 * time.Minute,
		SampleRate:    16000,
		Channels:      1,
		ContextTail:   5,
		Detector:      audio.DefaultDetectorConfig(),
		Processor:     audio.DefaultProcessorConfig(),
	}
}

// Deps are the stage dependencies. Recognizer, Classifier, Generator and
// Synthesizer wrap their external services (and breakers) behind ports.
type Deps struct {
	Recognizer  ports.Recognizer
	Classifier  ports.IntentClassifier
	Generator   ports.ResponseGenerator
	Synthesizer ports.Synthesizer
	Controller  *perf.Controller
	Monitor     *perf.Monitor
	Emitter     Emitter
	// GateFactory overrides the per-call speech gate, e.g. with the neural
	// detector. Nil uses the feature detector from Config.Detector.
	GateFactory func() audio.Gate
	// Bus, when set, receives resultEmitted and callTerminate events.
	Bus ports.EventBus
}

// Manager owns the per-call workers and their admission queues.
type Manager struct {
	cfg  Config
	deps Deps

	mu    sync.RWMutex
	calls map[string]*call

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg Config, deps Deps) *Manager {
	def := DefaultConfig()
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = def.MaxChunkBytes
	}
	if cfg.WorkerIdle <= 0 {
		cfg.WorkerIdle = def.WorkerIdle
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	if cfg.ContextTail <= 0 {
		cfg.ContextTail = def.ContextTail
	}
	if cfg.Detector.SampleRate <= 0 {
		cfg.Detector = def.Detector
	}
	if deps.Controller == nil {
		deps.Controller = perf.NewController(nil)
	}
	if deps.Monitor == nil {
		deps.Monitor = perf.NewMonitor(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		deps:   deps,
		calls:  make(map[string]*call),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetEmitter installs the result sink. The session layer consumes results
// but also feeds the pipeline, so it is constructed after it; call before
// audio flows.
func (m *Manager) SetEmitter(e Emitter) {
	m.deps.Emitter = e
}

// EnsureCall registers call state ahead of the first chunk. Idempotent.
func (m *Manager) EnsureCall(callID string, profile *models.PersonalityProfile) error {
	if callID == "" {
		return fmt.Errorf("%w: callId is required", domain.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[callID]; ok {
		return nil
	}
	st, err := m.newCall(callID, profile)
	if err != nil {
		return err
	}
	m.calls[callID] = st
	m.deps.Controller.RegisterCall(callID)
	// The converter is built at a seed bitrate; retarget to the initial tier.
	if err := st.conv.SetBitrate(m.deps.Controller.Tier(callID).BitrateKbps); err != nil {
		log.Printf("WARNING: set initial bitrate for call %s: %v", callID, err)
	}
	return nil
}

// Submit admits one chunk into the call's work queue. Unknown calls are
// registered on the fly with the default personality.
func (m *Manager) Submit(chunk *models.AudioChunk) error {
	if chunk == nil || chunk.CallID == "" {
		return fmt.Errorf("%w: chunk needs a callId", domain.ErrInvalidInput)
	}
	m.mu.RLock()
	st, ok := m.calls[chunk.CallID]
	m.mu.RUnlock()
	if !ok {
		if err := m.EnsureCall(chunk.CallID, nil); err != nil {
			return err
		}
		m.mu.RLock()
		st = m.calls[chunk.CallID]
		m.mu.RUnlock()
	}

	ring := m.deps.Controller.Buffer(chunk.CallID)
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return fmt.Errorf("call %s: %w", chunk.CallID, domain.ErrCallClosed)
	}
	if ring.Len()+st.queue.Len() >= m.cfg.MaxQueueSize {
		st.mu.Unlock()
		metrics.BackpressureRejectsTotal.Inc()
		return fmt.Errorf("call %s: %w", chunk.CallID, domain.ErrQueueFull)
	}
	if !ring.Push(chunk) {
		log.Printf("WARNING: buffer overrun on call %s, oldest chunk displaced", chunk.CallID)
	}
	if !st.running {
		st.running = true
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runWorker(m.ctx, st)
		}()
	}
	st.mu.Unlock()

	select {
	case st.notify <- struct{}{}:
	default:
	}
	return nil
}

// EndCall stops the call's worker, discards queued chunks and unregisters
// the call from the controller.
func (m *Manager) EndCall(callID string) {
	m.mu.Lock()
	st, ok := m.calls[callID]
	if ok {
		delete(m.calls, callID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	st.closed = true
	dropped := st.queue.Len()
	st.queue = st.queue[:0]
	st.mu.Unlock()

	ring := m.deps.Controller.Buffer(callID)
	for {
		if _, ok := ring.Pop(); !ok {
			break
		}
		dropped++
	}
	select {
	case st.notify <- struct{}{}:
	default:
	}
	m.deps.Controller.UnregisterCall(callID)
	closeGate(st)
	if dropped > 0 {
		log.Printf("call %s ended with %d queued chunks discarded", callID, dropped)
	}
}

// closeGate releases gates holding native resources, e.g. the silero
// detector. A straggling chunk racing the close gets a gate error, which the
// worker reports like any other stage failure.
func closeGate(st *call) {
	if c, ok := st.gate.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Printf("WARNING: close speech gate for call %s: %v", st.id, err)
		}
	}
}

// Snapshot captures the durable fragment of a call's state for recovery.
func (m *Manager) Snapshot(callID string) (*models.CallStateSnapshot, error) {
	m.mu.RLock()
	st, ok := m.calls[callID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("call %s: %w", callID, domain.ErrNotFound)
	}
	return st.snapshot(), nil
}

// Restore registers a call seeded from a recovered snapshot. The quality
// tier re-adapts from fresh windows.
func (m *Manager) Restore(snap *models.CallStateSnapshot, profile *models.PersonalityProfile) error {
	if snap == nil || snap.CallID == "" {
		return fmt.Errorf("%w: snapshot needs a callId", domain.ErrInvalidInput)
	}
	if err := m.EnsureCall(snap.CallID, profile); err != nil {
		return err
	}
	m.mu.RLock()
	st := m.calls[snap.CallID]
	m.mu.RUnlock()
	st.restore(snap, m.cfg.ContextTail)
	log.Printf("call %s restored at sequence %d (%d messages)",
		snap.CallID, snap.LastSequence, snap.MessageCount)
	return nil
}

// LastSequence reports the highest processed sequence number for a call.
func (m *Manager) LastSequence(callID string) (int64, bool) {
	m.mu.RLock()
	st, ok := m.calls[callID]
	m.mu.RUnlock()
	if !ok {
		return 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastSeq, true
}

// ManagerStats is a point-in-time view for the ops surface.
type ManagerStats struct {
	ActiveCalls  int `json:"active_calls"`
	QueuedChunks int `json:"queued_chunks"`
}

func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := ManagerStats{ActiveCalls: len(m.calls)}
	for id, st := range m.calls {
		st.mu.Lock()
		stats.QueuedChunks += st.queue.Len()
		st.mu.Unlock()
		stats.QueuedChunks += m.deps.Controller.Buffer(id).Len()
	}
	return stats
}

// Shutdown stops all workers and waits for in-flight chunks to finish.
func (m *Manager) Shutdown() {
	m.cancel()
	m.mu.Lock()
	for id, st := range m.calls {
		st.mu.Lock()
		st.closed = true
		st.mu.Unlock()
		select {
		case st.notify <- struct{}{}:
		default:
		}
		m.deps.Controller.UnregisterCall(id)
		closeGate(st)
	}
	m.calls = make(map[string]*call)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) newCall(callID string, profile *models.PersonalityProfile) (*call, error) {
	conv, err := audio.NewConverter(m.cfg.SampleRate, m.cfg.Channels, defaultBitrateKbps)
	if err != nil {
		return nil, fmt.Errorf("build converter for call %s: %w", callID, err)
	}
	var gate audio.Gate
	if m.deps.GateFactory != nil {
		gate = m.deps.GateFactory()
	} else {
		gate = audio.NewDetector(m.cfg.Detector)
	}
	return &call{
		id:        callID,
		profile:   orDefaultProfile(profile),
		gate:      gate,
		proc:      audio.NewProcessor(m.cfg.Processor),
		conv:      conv,
		notify:    make(chan struct{}, 1),
		startedAt: time.Now(),
	}, nil
}

func orDefaultProfile(p *models.PersonalityProfile) *models.PersonalityProfile {
	if p == nil {
		return models.DefaultPersonality()
	}
	return p
}
