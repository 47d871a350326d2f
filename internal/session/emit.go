package session

import (
	"context"
	"errors"
	"log"

	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/domain/models"
	"github.com/voxguard/voxguard/pkg/protocol"
)

// latencyEWMAWeight smooths the per-session average latency.
const latencyEWMAWeight = 0.1

// delivery is one send target collected under the lock.
type delivery struct {
	sessionID string
	connID    string
	media     MediaChannel
}

// EmitResult frames one pipeline result toward every session observing the
// call: transcript, ai_response, audio_response, then a response_sent status.
// Silence results only update counters. A terminating response closes each
// session after its frames went out.
func (m *Manager) EmitResult(ctx context.Context, callID string, result *models.PipelineResult) {
	dels := m.collectDeliveries(callID, result)
	if result.IsSilence() || len(dels) == 0 {
		return
	}

	for _, d := range dels {
		if result.Transcript != nil {
			p := &protocol.TranscriptPayload{
				CallID:     callID,
				ChunkID:    result.ChunkID,
				Text:       result.Transcript.Text,
				Confidence: result.Transcript.Confidence,
				Language:   result.Transcript.Language,
				Final:      true,
			}
			m.sendResultFrame(d.connID, protocol.TypeTranscript, p, protocol.PriorityNormal)
		}
		if result.Response != nil {
			p := &protocol.AIResponsePayload{
				CallID:          callID,
				ChunkID:         result.ChunkID,
				Text:            result.Response.Text,
				Strategy:        string(result.Response.Strategy),
				ShouldTerminate: result.Response.ShouldTerminate,
				Confidence:      result.Response.Confidence,
			}
			if result.Intent != nil {
				p.IntentCategory = string(result.Intent.Category)
				p.EmotionalTone = string(result.Intent.EmotionalTone)
			}
			m.sendResultFrame(d.connID, protocol.TypeAIResponse, p, protocol.PriorityHigh)
		}
		if len(result.ResponseAudio) > 0 {
			m.sendAudio(d, callID, result)
		}
		status := &protocol.ProcessingStatusPayload{
			CallID:  callID,
			ChunkID: result.ChunkID,
			Stage:   protocol.StageResponseSent,
		}
		m.sendResultFrame(d.connID, protocol.TypeProcessingStatus, status, protocol.PriorityLow)
	}

	if result.Response != nil && result.Response.ShouldTerminate {
		for _, d := range dels {
			m.sendStatus(d.connID, string(models.SessionTerminated), protocol.CloseNormal, string(result.Response.Strategy), protocol.PriorityUrgent)
			if err := m.Terminate(d.sessionID, ReasonCallEnded); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
				log.Printf("ERROR: terminate session %s after terminating response: %v", d.sessionID, err)
			}
		}
	}
}

// EmitError frames a typed error toward every session observing the call.
// The wire message is the taxonomy message only, never the wrapped cause.
func (m *Manager) EmitError(ctx context.Context, callID, chunkID string, err error) {
	dels := m.collectErrorTargets(callID)
	kind := domain.KindOf(err)
	p := &protocol.ErrorPayload{
		Kind:      string(kind),
		Message:   wireMessage(err),
		Retryable: kind.Retryable(),
		ChunkID:   chunkID,
		CallID:    callID,
	}
	for _, d := range dels {
		if sendErr := m.sendPayload(d.connID, protocol.TypeError, p, protocol.PriorityHigh); sendErr != nil {
			log.Printf("WARNING: error frame send to %s: %v", d.connID, sendErr)
		}
	}
}

// collectDeliveries snapshots the send targets for a call and folds the
// result into each session's counters.
func (m *Manager) collectDeliveries(callID string, result *models.PipelineResult) []delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byCall[callID]
	dels := make([]delivery, 0, len(ids))
	for sid := range ids {
		st := m.sessions[sid]
		st.rec.Stats.ChunksProcessed++
		if result.IsSilence() {
			st.rec.Stats.SilenceChunks++
		}
		if st.rec.Stats.AvgLatencyMs == 0 {
			st.rec.Stats.AvgLatencyMs = result.ProcessingLatencyMs
		} else {
			st.rec.Stats.AvgLatencyMs = (1-latencyEWMAWeight)*st.rec.Stats.AvgLatencyMs +
				latencyEWMAWeight*result.ProcessingLatencyMs
		}
		if result.QualityMetrics != nil {
			st.rec.QualityMetrics = *result.QualityMetrics
		}
		dels = append(dels, delivery{sessionID: sid, connID: st.connID, media: st.media})
	}
	return dels
}

func (m *Manager) collectErrorTargets(callID string) []delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byCall[callID]
	dels := make([]delivery, 0, len(ids))
	for sid := range ids {
		st := m.sessions[sid]
		st.rec.Stats.Errors++
		dels = append(dels, delivery{sessionID: sid, connID: st.connID, media: st.media})
	}
	return dels
}

// sendAudio routes synthesized audio over the media channel on hybrid
// sessions and over the reliable transport otherwise. A media send failure
// runs the fallback policy and retries this frame reliably.
func (m *Manager) sendAudio(d delivery, callID string, result *models.PipelineResult) {
	p := &protocol.AudioResponsePayload{
		CallID:     callID,
		ChunkID:    result.ChunkID,
		Encoding:   protocol.AudioEncoding(result.ResponseEncoding),
		SampleRate: result.ResponseSampleRate,
		DurationMs: result.ResponseDurationMs,
		AudioData:  result.ResponseAudio,
	}
	if p.SampleRate <= 0 {
		p.SampleRate = m.cfg.SampleRate
	}
	if d.media != nil {
		err := d.media.SendAudio(p)
		if err == nil {
			return
		}
		log.Printf("WARNING: media audio send for call %s: %v", callID, err)
		m.MediaFailed(d.sessionID)
	}
	m.sendResultFrame(d.connID, protocol.TypeAudioResponse, p, protocol.PriorityHigh)
}

func (m *Manager) sendResultFrame(connID string, t protocol.MessageType, payload interface{}, prio protocol.Priority) {
	if err := m.sendPayload(connID, t, payload, prio); err != nil {
		log.Printf("WARNING: %s send to %s: %v", t, connID, err)
	}
}

// wireMessage extracts the peer-safe message from an error chain. Unwrapped
// causes often carry endpoints or internals and stay out of the frame.
func wireMessage(err error) string {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "processing failed"
}
