package pipeline

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/voxguard/voxguard/internal/audio"
	"github.com/voxguard/voxguard/internal/domain/models"
	"github.com/voxguard/voxguard/internal/perf"
	"github.com/voxguard/voxguard/internal/ports"
)

const defaultBitrateKbps = 24

// chunkHeap orders queued chunks by sequence number, lowest first.
type chunkHeap []*models.AudioChunk

func (h chunkHeap) Len() int            { return len(h) }
func (h chunkHeap) Less(i, j int) bool  { return h[i].SequenceNumber < h[j].SequenceNumber }
func (h chunkHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *chunkHeap) Push(x any)         { *h = append(*h, x.(*models.AudioChunk)) }
func (h *chunkHeap) Pop() any {
	old := *h
	n := len(old)
	chunk := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return chunk
}

// call is the mutable per-call state. The worker goroutine is its only
// writer while running; Submit touches only the queue under the mutex.
type call struct {
	id      string
	profile *models.PersonalityProfile

	gate audio.Gate
	proc *audio.Processor
	conv *audio.Converter

	mu      sync.Mutex
	queue   chunkHeap
	running bool
	closed  bool
	notify  chan struct{}

	lastSeq     int64
	transcripts []string
	intents     []models.Intent
	messages    int
	startedAt   time.Time
}

// runWorker drains the call's ring and queue, processing chunks in sequence
// order. An empty worker lingers for the idle window, then parks.
func (m *Manager) runWorker(ctx context.Context, st *call) {
	idle := time.NewTimer(m.cfg.WorkerIdle)
	defer idle.Stop()
	for {
		for {
			chunk := st.next(m.deps.Controller.Buffer(st.id))
			if chunk == nil {
				break
			}
			if delay := m.deps.Controller.AdmissionDelay(st.id); delay > 0 {
				select {
				case <-ctx.Done():
					st.park()
					return
				case <-time.After(delay):
				}
			}
			m.process(ctx, st, chunk)
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(m.cfg.WorkerIdle)
		select {
		case <-ctx.Done():
			st.park()
			return
		case <-st.notify:
			if st.isClosed() {
				st.park()
				return
			}
		case <-idle.C:
			if st.tryPark(m.deps.Controller.Buffer(st.id)) {
				return
			}
		}
	}
}

// next moves ring contents into the ordering heap and pops the lowest
// sequence number, nil when the call has nothing pending or is closed.
func (st *call) next(ring *perf.ChunkRing) *models.AudioChunk {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	for {
		chunk, ok := ring.Pop()
		if !ok {
			break
		}
		heap.Push(&st.queue, chunk)
	}
	if st.queue.Len() == 0 {
		return nil
	}
	return heap.Pop(&st.queue).(*models.AudioChunk)
}

func (st *call) park() {
	st.mu.Lock()
	st.running = false
	st.mu.Unlock()
}

// tryPark stops the worker only when nothing is pending, closing the race
// with a concurrent Submit.
func (st *call) tryPark(ring *perf.ChunkRing) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.closed && (st.queue.Len() > 0 || ring.Len() > 0) {
		return false
	}
	st.running = false
	return true
}

func (st *call) isClosed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}

// admitSeq accepts strictly advancing sequence numbers, dropping stale
// retransmits that slipped past the dedup layer.
func (st *call) admitSeq(seq int64) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if seq <= st.lastSeq {
		return false
	}
	st.lastSeq = seq
	return true
}

// noteTranscript records the caller's utterance and returns the context the
// classifier and generator see: prior utterances as hints, the message
// count including the current one.
func (st *call) noteTranscript(text string, tail int) *models.CallContext {
	st.mu.Lock()
	defer st.mu.Unlock()
	callCtx := &models.CallContext{
		CallID:            st.id,
		RecentTranscripts: append([]string(nil), st.transcripts...),
		RecentIntents:     append([]models.Intent(nil), st.intents...),
		Duration:          time.Since(st.startedAt),
		MessageCount:      st.messages + 1,
	}
	st.transcripts = appendTail(st.transcripts, text, tail)
	st.messages++
	return callCtx
}

func (st *call) noteIntent(intent models.Intent, tail int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.intents = append(st.intents, intent)
	if len(st.intents) > tail {
		st.intents = st.intents[len(st.intents)-tail:]
	}
}

func (st *call) snapshot() *models.CallStateSnapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return &models.CallStateSnapshot{
		CallID:         st.id,
		LastSequence:   st.lastSeq,
		TranscriptTail: append([]string(nil), st.transcripts...),
		IntentTail:     append([]models.Intent(nil), st.intents...),
		MessageCount:   st.messages,
		StartedAt:      st.startedAt,
		SavedAt:        time.Now(),
	}
}

func (st *call) restore(snap *models.CallStateSnapshot, tail int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastSeq = snap.LastSequence
	st.transcripts = append([]string(nil), snap.TranscriptTail...)
	if len(st.transcripts) > tail {
		st.transcripts = st.transcripts[len(st.transcripts)-tail:]
	}
	st.intents = append([]models.Intent(nil), snap.IntentTail...)
	if len(st.intents) > tail {
		st.intents = st.intents[len(st.intents)-tail:]
	}
	st.messages = snap.MessageCount
	if !snap.StartedAt.IsZero() {
		st.startedAt = snap.StartedAt
	}
}

// synthesisOptions derives the TTS request from the voice profile and the
// tier in force. Tiers that map to opus ask the service for PCM at the
// pipeline rate; the opus frames are produced locally by the call's
// converter. aac and mp3 tiers request the codec from the service directly.
func (st *call) synthesisOptions(cfg Config, tier models.QualityTier) *ports.SynthesisOptions {
	format := models.CodecForBitrate(tier.BitrateKbps)
	rate := tier.SampleRate
	if format == models.EncodingOpus {
		format = models.EncodingPCM
		rate = cfg.SampleRate
	}
	return &ports.SynthesisOptions{
		Voice:        st.profile.Voice,
		Speed:        st.profile.Speed,
		Pitch:        st.profile.Pitch,
		OutputFormat: format,
		SampleRate:   rate,
	}
}

func appendTail(tail []string, text string, max int) []string {
	tail = append(tail, text)
	if len(tail) > max {
		tail = tail[len(tail)-max:]
	}
	return tail
}
