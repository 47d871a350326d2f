package otel

import "go.opentelemetry.io/otel/attribute"

// Standard attribute keys for gateway spans.
const (
	AttrSessionID    = "session.id"
	AttrUserID       = "user.id"
	AttrCallID       = "call.id"
	AttrChunkID      = "chunk.id"
	AttrConnectionID = "connection.id"
	AttrRoomID       = "room.id"
	AttrPeerID       = "peer.id"

	AttrAudioBytes      = "audio.bytes"
	AttrAudioDurationMs = "audio.duration_ms"

	AttrASRModel     = "asr.model"
	AttrASRLatencyMs = "asr.latency_ms"

	AttrTTSModel     = "tts.model"
	AttrTTSVoice     = "tts.voice"
	AttrTTSLatencyMs = "tts.latency_ms"
	AttrTTSTextChars = "tts.text_chars"

	AttrLLMModel     = "llm.model"
	AttrLLMOperation = "llm.operation"

	AttrIntentCategory   = "intent.category"
	AttrIntentConfidence = "intent.confidence"
)

func SessionID(id string) attribute.KeyValue    { return attribute.String(AttrSessionID, id) }
func UserID(id string) attribute.KeyValue       { return attribute.String(AttrUserID, id) }
func CallID(id string) attribute.KeyValue       { return attribute.String(AttrCallID, id) }
func ChunkID(id string) attribute.KeyValue      { return attribute.String(AttrChunkID, id) }
func ConnectionID(id string) attribute.KeyValue { return attribute.String(AttrConnectionID, id) }
func RoomID(id string) attribute.KeyValue       { return attribute.String(AttrRoomID, id) }
func PeerID(id string) attribute.KeyValue       { return attribute.String(AttrPeerID, id) }

func AudioBytes(n int) attribute.KeyValue        { return attribute.Int(AttrAudioBytes, n) }
func AudioDurationMs(ms int64) attribute.KeyValue { return attribute.Int64(AttrAudioDurationMs, ms) }

func ASRModel(model string) attribute.KeyValue  { return attribute.String(AttrASRModel, model) }
func ASRLatencyMs(ms int64) attribute.KeyValue  { return attribute.Int64(AttrASRLatencyMs, ms) }

func TTSModel(model string) attribute.KeyValue { return attribute.String(AttrTTSModel, model) }
func TTSVoice(voice string) attribute.KeyValue { return attribute.String(AttrTTSVoice, voice) }
func TTSLatencyMs(ms int64) attribute.KeyValue { return attribute.Int64(AttrTTSLatencyMs, ms) }
func TTSTextChars(n int) attribute.KeyValue    { return attribute.Int(AttrTTSTextChars, n) }

func LLMModel(model string) attribute.KeyValue   { return attribute.String(AttrLLMModel, model) }
func LLMOperation(op string) attribute.KeyValue  { return attribute.String(AttrLLMOperation, op) }

func IntentCategory(c string) attribute.KeyValue   { return attribute.String(AttrIntentCategory, c) }
func IntentConfidence(v float64) attribute.KeyValue { return attribute.Float64(AttrIntentConfidence, v) }
