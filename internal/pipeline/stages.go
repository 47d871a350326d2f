package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/voxguard/voxguard/internal/adapters/metrics"
	"github.com/voxguard/voxguard/internal/audio"
	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/domain/models"
	"github.com/voxguard/voxguard/internal/perf"
	"github.com/voxguard/voxguard/internal/ports"
)

// maxResponseRunes caps generated reply length after post-processing.
const maxResponseRunes = 50

// process runs one chunk through the stages. A stage failure is fatal to
// this chunk only: recognizer and synthesizer failures degrade softly,
// intent and response failures fall back, everything else emits a typed
// error to the peer.
func (m *Manager) process(ctx context.Context, st *call, chunk *models.AudioChunk) {
	started := time.Now()

	if !st.admitSeq(chunk.SequenceNumber) {
		log.Printf("dropping stale chunk %s (call %s, seq %d)", chunk.ID, chunk.CallID, chunk.SequenceNumber)
		return
	}

	cache := m.deps.Controller.Cache()
	key := perf.ChunkKey(chunk.CallID, chunk.Payload, chunk.SampleRate, chunk.ChannelCount)
	if hit, ok := cache.Response.Get(key); ok {
		if res, ok := hit.(*models.PipelineResult); ok {
			out := *res
			out.ChunkID = chunk.ID
			out.Timestamp = time.Now()
			out.ProcessingLatencyMs = msSince(started)
			metrics.ChunksProcessedTotal.WithLabelValues("cached").Inc()
			m.finish(ctx, st, &out, started, 0)
			return
		}
	}

	// 1. Preprocess: decode to canonical PCM, validate, run the DSP chain.
	var pcm []byte
	err := m.stage("preprocess", func() error {
		var perr error
		pcm, perr = m.preprocess(st, chunk)
		return perr
	})
	if err != nil {
		m.fail(ctx, st, chunk, started, domain.WrapError(domain.KindAudioProcessing, "preprocess chunk", err))
		return
	}

	// 2. Speech gate.
	var dec audio.Decision
	err = m.stage("vad", func() error {
		var verr error
		dec, verr = st.gate.Voiced(pcm)
		return verr
	})
	if err != nil {
		m.fail(ctx, st, chunk, started, domain.WrapError(domain.KindAudioProcessing, "speech gate", err))
		return
	}
	if !dec.Speech {
		metrics.NonSpeechTotal.Inc()
		m.emitSilence(ctx, st, chunk, started, dec)
		return
	}

	// 3. Recognize. Failures degrade to a silence-like result; empty
	// transcripts short-circuit the same way.
	var transcript *models.Transcript
	if hit, ok := cache.Transcript.Get(key); ok {
		transcript, _ = hit.(*models.Transcript)
	}
	if transcript == nil {
		err = m.stage("recognizer", func() error {
			wav := audio.PCMToWAV(pcm, m.cfg.SampleRate, m.cfg.Channels)
			var rerr error
			transcript, rerr = m.deps.Recognizer.Transcribe(ctx, wav, "wav")
			return rerr
		})
		if err != nil {
			log.Printf("WARNING: recognizer failed for chunk %s: %v", chunk.ID, err)
			m.emitSilence(ctx, st, chunk, started, dec)
			return
		}
	}
	if transcript == nil || strings.TrimSpace(transcript.Text) == "" {
		m.emitSilence(ctx, st, chunk, started, dec)
		return
	}

	callCtx := st.noteTranscript(transcript.Text, m.cfg.ContextTail)

	// 4. Classify. Never propagates upstream errors past this stage.
	var intent *models.Intent
	intentKey := textKey(chunk.CallID, transcript.Text)
	if hit, ok := cache.Intent.Get(intentKey); ok {
		intent, _ = hit.(*models.Intent)
	}
	if intent == nil {
		err = m.stage("intent", func() error {
			var cerr error
			intent, cerr = m.deps.Classifier.Classify(ctx, transcript.Text, callCtx)
			return cerr
		})
		if err != nil || intent == nil {
			log.Printf("WARNING: intent classification failed for chunk %s: %v", chunk.ID, err)
			intent = fallbackIntent()
		}
	}
	st.noteIntent(*intent, m.cfg.ContextTail)

	// 5. Generate. The persistence ladder is a floor over whatever the
	// generator picked.
	ladder := escalationStrategy(callCtx, intent.EmotionalTone)
	var resp *models.Response
	err = m.stage("response", func() error {
		var gerr error
		resp, gerr = m.deps.Generator.Generate(ctx, intent, callCtx, st.profile)
		return gerr
	})
	if err != nil || resp == nil {
		log.Printf("WARNING: response generation failed for chunk %s: %v", chunk.ID, err)
		resp = fallbackResponse(ladder)
	}
	finalizeResponse(resp, ladder)

	// 6. Synthesize. Failure returns the response without audio. The tier
	// in force picks the outbound codec by bitrate.
	tier := m.deps.Controller.Tier(st.id)
	wireCodec := models.CodecForBitrate(tier.BitrateKbps)
	var responseAudio []byte
	responseEncoding := models.AudioEncoding("")
	var responseRate int
	var responseDurationMs int64
	err = m.stage("synth", func() error {
		res, serr := m.deps.Synthesizer.Synthesize(ctx, resp.Text, st.synthesisOptions(m.cfg, tier))
		if serr != nil {
			return serr
		}
		responseAudio = res.AudioData
		responseEncoding = res.Encoding
		responseRate = res.SampleRate
		responseDurationMs = res.DurationMs
		if wireCodec == models.EncodingOpus && res.Encoding == models.EncodingPCM {
			framed, ferr := st.conv.EncodeFramedOpus(res.AudioData)
			if ferr != nil {
				log.Printf("WARNING: opus encode for chunk %s, sending pcm: %v", chunk.ID, ferr)
				return nil
			}
			responseAudio = framed
			responseEncoding = models.EncodingOpus
		}
		return nil
	})
	if err != nil {
		log.Printf("WARNING: synthesis failed for chunk %s, returning text only: %v", chunk.ID, err)
	}

	result := &models.PipelineResult{
		ChunkID:             chunk.ID,
		CallID:              chunk.CallID,
		Timestamp:           time.Now(),
		ProcessingLatencyMs: msSince(started),
		Transcript:          transcript,
		Intent:              intent,
		Response:            resp,
		ResponseAudio:       responseAudio,
		ResponseEncoding:    responseEncoding,
		ResponseSampleRate:  responseRate,
		ResponseDurationMs:  responseDurationMs,
		QualityMetrics:      m.qualityMetrics(st, dec),
	}

	// Cache inserts happen only when the chunk met the quality gate.
	if time.Since(started) <= m.deps.Controller.MaxLatency() {
		cached := *result
		cache.Response.Put(key, &cached)
		cache.Transcript.Put(key, transcript)
		cache.Intent.Put(intentKey, intent)
	}
	metrics.ChunksProcessedTotal.WithLabelValues("speech").Inc()
	m.finish(ctx, st, result, started, qualityScore(dec))
}

// stage wraps fn with the stage timer and histogram.
func (m *Manager) stage(name string, fn func() error) error {
	started := time.Now()
	err := fn()
	d := time.Since(started)
	m.deps.Monitor.RecordStage(name, d)
	metrics.StageDuration.WithLabelValues(name).Observe(d.Seconds())
	return err
}

// preprocess decodes the declared encoding into canonical PCM, validates
// size and runs the per-call DSP chain.
func (m *Manager) preprocess(st *call, chunk *models.AudioChunk) ([]byte, error) {
	if len(chunk.Payload) == 0 {
		return nil, domain.ErrEmptyChunk
	}
	if len(chunk.Payload) > m.cfg.MaxChunkBytes {
		return nil, fmt.Errorf("%w: %d bytes", domain.ErrChunkTooLarge, len(chunk.Payload))
	}
	pcm, err := st.conv.Normalize(chunk)
	if err != nil {
		return nil, err
	}
	return st.proc.Process(pcm), nil
}

// emitSilence produces the canonical no-speech result: latency only.
func (m *Manager) emitSilence(ctx context.Context, st *call, chunk *models.AudioChunk, started time.Time, dec audio.Decision) {
	result := &models.PipelineResult{
		ChunkID:             chunk.ID,
		CallID:              chunk.CallID,
		Timestamp:           time.Now(),
		ProcessingLatencyMs: msSince(started),
	}
	metrics.ChunksProcessedTotal.WithLabelValues("silence").Inc()
	m.finish(ctx, st, result, started, qualityScore(dec))
}

// fail emits a typed per-chunk error; the pipeline proceeds with the next
// chunk.
func (m *Manager) fail(ctx context.Context, st *call, chunk *models.AudioChunk, started time.Time, err error) {
	metrics.ChunksProcessedTotal.WithLabelValues("error").Inc()
	log.Printf("ERROR: chunk %s on call %s failed: %v", chunk.ID, chunk.CallID, err)
	if m.deps.Emitter != nil {
		m.deps.Emitter.EmitError(ctx, st.id, chunk.ID, err)
	}
	m.deps.Controller.RecordChunk(st.id, time.Since(started), 0)
}

// finish records latency, re-evaluates the quality tier, emits the result
// and publishes call events.
func (m *Manager) finish(ctx context.Context, st *call, result *models.PipelineResult, started time.Time, quality float64) {
	latency := time.Since(started)
	metrics.ChunkLatency.Observe(latency.Seconds())
	m.deps.Controller.RecordChunk(st.id, latency, quality)
	if len(result.ResponseAudio) > 0 {
		// Our reply is about to play at the caller side; damp the return
		// path for its duration.
		st.proc.NoteFarEnd(time.Duration(result.ResponseDurationMs) * time.Millisecond)
	}
	if tier, changed := m.deps.Controller.AdaptTier(st.id); changed {
		m.applyTier(st, tier)
	}
	if m.deps.Emitter != nil {
		m.deps.Emitter.EmitResult(ctx, st.id, result)
	}
	m.publish(ctx, st.id, result)
}

// lowQualityScore is the rolling speech-band ratio below which the DSP
// chain spends more on enhancement.
const lowQualityScore = 0.4

// applyTier retunes the call's converter and DSP chain after a tier move.
// A call running over its latency target cheapens the chain; one with
// headroom but poor audio spends it on enhancement.
func (m *Manager) applyTier(st *call, tier models.QualityTier) {
	if err := st.conv.SetBitrate(tier.BitrateKbps); err != nil {
		log.Printf("WARNING: retarget bitrate for call %s: %v", st.id, err)
	}
	stats := m.deps.Controller.Tracker(st.id).Stats()
	overLatency := stats.AvgLatencyMs > tier.LatencyTargetMs
	underQuality := !overLatency && stats.AvgQuality > 0 && stats.AvgQuality < lowQualityScore
	st.proc.Optimize(overLatency, underQuality)
	if !tier.HasFeature("noise_reduction") {
		st.proc.SetNoiseReduction(0)
	}
}

// publish mirrors the outcome onto the cross-instance channel, best effort.
func (m *Manager) publish(ctx context.Context, callID string, result *models.PipelineResult) {
	if m.deps.Bus == nil {
		return
	}
	terminate := result.Response != nil && result.Response.ShouldTerminate
	event := ports.Event{
		Kind:   ports.EventResultEmitted,
		CallID: callID,
		At:     time.Now().UnixMilli(),
		Payload: map[string]string{
			"chunk_id":  result.ChunkID,
			"silence":   strconv.FormatBool(result.IsSilence()),
			"terminate": strconv.FormatBool(terminate),
		},
	}
	if err := m.deps.Bus.Publish(ctx, ports.CallEventsChannel, event); err != nil {
		log.Printf("WARNING: publish result event for call %s: %v", callID, err)
	}
	if terminate {
		end := ports.Event{
			Kind:    ports.EventCallTerminate,
			CallID:  callID,
			At:      time.Now().UnixMilli(),
			Payload: map[string]string{"reason": string(result.Response.Strategy)},
		}
		if err := m.deps.Bus.Publish(ctx, ports.CallEventsChannel, end); err != nil {
			log.Printf("WARNING: publish terminate event for call %s: %v", callID, err)
		}
	}
}

// escalationStrategy picks the rung for the exchange the context counts.
// Persistence past three messages hardens the rejection; the fifth message,
// two minutes of talk, or an aggressive tone ends the call.
func escalationStrategy(callCtx *models.CallContext, tone models.EmotionalTone) models.ResponseStrategy {
	if callCtx.MessageCount >= 5 || callCtx.Duration >= 2*time.Minute || tone == models.ToneAggressive {
		return models.StrategyCallTermination
	}
	if callCtx.MessageCount > 3 {
		return models.StrategyFirmRejection
	}
	return models.StrategyPoliteDecline
}

// strategyRank orders rungs so the ladder acts as a floor; the lateral
// strategies sit on the bottom rung.
var strategyRank = map[models.ResponseStrategy]int{
	models.StrategyPoliteDecline:        0,
	models.StrategyHumorDeflection:      0,
	models.StrategyInformationGathering: 0,
	models.StrategyFirmRejection:        1,
	models.StrategyCallTermination:      2,
}

// finalizeResponse post-processes the text and settles strategy and
// termination: terminate iff the strategy is callTermination or the text
// carries a termination keyword.
func finalizeResponse(resp *models.Response, ladder models.ResponseStrategy) {
	resp.Text = postProcessText(resp.Text)
	if resp.Strategy == "" || strategyRank[resp.Strategy] < strategyRank[ladder] {
		resp.Strategy = ladder
	}
	resp.ShouldTerminate = resp.Strategy == models.StrategyCallTermination ||
		models.ContainsTerminationKeyword(resp.Text)
}

// rolePrefixes are leading markers some generators prepend; both ASCII and
// fullwidth colons appear in the wild.
var rolePrefixes = []string{
	"assistant:", "assistant：",
	"ai:", "ai：",
	"response:", "response：",
	"回复:", "回复：",
	"助手:", "助手：",
	"回答:", "回答：",
}

// postProcessText strips role prefixes, collapses whitespace and truncates
// to the response length cap.
func postProcessText(text string) string {
	text = strings.TrimSpace(text)
	lowered := strings.ToLower(text)
	for _, prefix := range rolePrefixes {
		if strings.HasPrefix(lowered, prefix) {
			text = strings.TrimSpace(text[len(prefix):])
			break
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	if runes := []rune(text); len(runes) > maxResponseRunes {
		text = string(runes[:maxResponseRunes])
	}
	return text
}

func fallbackIntent() *models.Intent {
	return &models.Intent{
		Label:         "unclassified",
		Confidence:    0.2,
		Category:      models.IntentUnknown,
		EmotionalTone: models.ToneNeutral,
	}
}

var fallbackTexts = map[models.ResponseStrategy]string{
	models.StrategyPoliteDecline:   "不好意思,我现在不方便,不需要这项服务。",
	models.StrategyFirmRejection:   "我说过不需要,请不要再打来了。",
	models.StrategyCallTermination: "我要挂断了,请勿再来电。",
}

func fallbackResponse(strategy models.ResponseStrategy) *models.Response {
	return &models.Response{
		Text:       fallbackTexts[strategy],
		Confidence: 0.1,
		Strategy:   strategy,
	}
}

// qualityScore is the SNR proxy fed to the rolling quality window.
func qualityScore(dec audio.Decision) float64 {
	return dec.BandRatio
}

func (m *Manager) qualityMetrics(st *call, dec audio.Decision) *models.QualityMetrics {
	qm := &models.QualityMetrics{
		AudioLevel: dec.Energy,
	}
	if dec.Background > 0 {
		qm.SignalToNoise = dec.Energy / dec.Background
	}
	if tracker := m.deps.Controller.Tracker(st.id); tracker != nil {
		qm.Jitter = tracker.Stats().JitterMs
	}
	return qm
}

func textKey(callID, text string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(callID))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return h.Sum64()
}

func msSince(started time.Time) float64 {
	return float64(time.Since(started).Microseconds()) / 1000
}
