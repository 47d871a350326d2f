package models

import (
	"time"
)

// CallStateSnapshot is the durable fragment of per-call state used by
// session recovery. Serialized with msgpack into the call_snapshots table.
type CallStateSnapshot struct {
	CallID         string    `msgpack:"call_id" json:"call_id"`
	SessionID      string    `msgpack:"session_id" json:"session_id"`
	LastSequence   int64     `msgpack:"last_sequence" json:"last_sequence"`
	TierIndex      int       `msgpack:"tier_index" json:"tier_index"`
	TranscriptTail []string  `msgpack:"transcript_tail" json:"transcript_tail"`
	IntentTail     []Intent  `msgpack:"intent_tail" json:"intent_tail"`
	MessageCount   int       `msgpack:"message_count" json:"message_count"`
	StartedAt      time.Time `msgpack:"started_at" json:"started_at"`
	SavedAt        time.Time `msgpack:"saved_at" json:"saved_at"`
}
