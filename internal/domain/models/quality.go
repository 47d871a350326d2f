package models

// QualityTier is one preset in the ordered adaptation list. Index 0 is the
// richest tier; adaptation moves one step at a time and never skips levels.
type QualityTier struct {
	Name            string   `json:"name"`
	SampleRate      int      `json:"sample_rate"`
	BitrateKbps     int      `json:"bitrate_kbps"`
	LatencyTargetMs float64  `json:"latency_target_ms"`
	EnabledFeatures []string `json:"enabled_features"`
}

// DefaultQualityTiers is the ordered ultra→low list used when configuration
// does not override it.
func DefaultQualityTiers() []QualityTier {
	return []QualityTier{
		{
			Name:            "ultra",
			SampleRate:      48000,
			BitrateKbps:     64,
			LatencyTargetMs: 150,
			EnabledFeatures: []string{"noise_reduction", "echo_cancellation", "agc", "vad"},
		},
		{
			Name:            "high",
			SampleRate:      24000,
			BitrateKbps:     32,
			LatencyTargetMs: 250,
			EnabledFeatures: []string{"noise_reduction", "echo_cancellation", "vad"},
		},
		{
			Name:            "medium",
			SampleRate:      16000,
			BitrateKbps:     16,
			LatencyTargetMs: 400,
			EnabledFeatures: []string{"noise_reduction", "vad"},
		},
		{
			Name:            "low",
			SampleRate:      8000,
			BitrateKbps:     8,
			LatencyTargetMs: 600,
			EnabledFeatures: []string{"vad"},
		},
	}
}

// CodecForBitrate selects the outbound codec for a tier: opus at 32 kbps and
// above, aac at 16, mp3 below.
func CodecForBitrate(bitrateKbps int) AudioEncoding {
	switch {
	case bitrateKbps >= 32:
		return EncodingOpus
	case bitrateKbps >= 16:
		return EncodingAAC
	default:
		return EncodingMP3
	}
}

// HasFeature reports whether the tier enables a named DSP feature.
func (t QualityTier) HasFeature(name string) bool {
	for _, f := range t.EnabledFeatures {
		if f == name {
			return true
		}
	}
	return false
}
