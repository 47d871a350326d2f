package perf

import (
	"sync"

	"github.com/voxguard/voxguard/internal/adapters/metrics"
	"github.com/voxguard/voxguard/internal/domain/models"
)

// ChunkRing is the bounded per-call audio buffer. An overrun displaces the
// oldest chunk rather than blocking the producer.
type ChunkRing struct {
	mu       sync.Mutex
	items    []*models.AudioChunk
	mask     int
	head     int // next write position
	size     int
	overruns uint64
}

// NewChunkRing creates a ring with the capacity rounded up to a power of
// two.
func NewChunkRing(capacity int) *ChunkRing {
	if capacity < 1 {
		capacity = 1
	}
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &ChunkRing{
		items: make([]*models.AudioChunk, n),
		mask:  n - 1,
	}
}

// Push appends a chunk. It reports false when the ring was full and the
// oldest chunk was displaced to make room.
func (r *ChunkRing) Push(chunk *models.AudioChunk) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	displaced := r.size == len(r.items)
	r.items[r.head&r.mask] = chunk
	r.head++
	if displaced {
		r.overruns++
		metrics.BufferOverrunsTotal.Inc()
	} else {
		r.size++
	}
	return !displaced
}

// Pop removes and returns the oldest chunk.
func (r *ChunkRing) Pop() (*models.AudioChunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil, false
	}
	idx := (r.head - r.size) & r.mask
	chunk := r.items[idx]
	r.items[idx] = nil
	r.size--
	return chunk, true
}

// Compact drops everything currently buffered, keeping only the newest
// chunk so the call resumes from fresh audio.
func (r *ChunkRing) Compact() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size <= 1 {
		return 0
	}
	dropped := r.size - 1
	newest := r.items[(r.head-1)&r.mask]
	for i := range r.items {
		r.items[i] = nil
	}
	r.items[(r.head-1)&r.mask] = newest
	r.size = 1
	return dropped
}

// Len returns the number of buffered chunks.
func (r *ChunkRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the rounded capacity.
func (r *ChunkRing) Cap() int {
	return len(r.items)
}

// Utilization returns the fill ratio in [0, 1].
func (r *ChunkRing) Utilization() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return float64(r.size) / float64(len(r.items))
}

// Overruns returns how many chunks have been displaced since creation.
func (r *ChunkRing) Overruns() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overruns
}
