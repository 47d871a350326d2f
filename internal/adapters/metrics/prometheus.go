package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline
	ChunksProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxguard_chunks_processed_total",
		Help: "Audio chunks processed, by outcome",
	}, []string{"outcome"}) // speech, silence, error, cached

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voxguard_stage_duration_seconds",
		Help:    "Per-stage pipeline duration",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"stage"})

	ChunkLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voxguard_chunk_latency_seconds",
		Help:    "End-to-end chunk processing latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	NonSpeechTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxguard_vad_non_speech_total",
		Help: "Chunks short-circuited by the speech gate",
	})

	BackpressureRejectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxguard_backpressure_rejects_total",
		Help: "Chunks rejected because a call queue was full",
	})

	// Protocol / reliability
	ProtocolErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxguard_protocol_errors_total",
		Help: "Envelope rejections, by kind",
	}, []string{"kind"}) // invalid, integrity, expired

	DuplicatesDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxguard_protocol_duplicates_total",
		Help: "Envelopes dropped by the per-connection dedup set",
	})

	RetransmitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxguard_protocol_retransmits_total",
		Help: "Envelope retransmissions after ack timeout",
	})

	DeliveryFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxguard_protocol_delivery_failed_total",
		Help: "Envelopes failed after max retransmissions",
	})

	AckLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voxguard_protocol_ack_latency_seconds",
		Help:    "Round-trip time from send to acknowledgement",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	// Sessions / pool
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxguard_sessions_active",
		Help: "Active transport sessions",
	})

	PoolConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxguard_pool_connections_active",
		Help: "Connections currently held by the pool",
	})

	PoolEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxguard_pool_evictions_total",
		Help: "Connections evicted to admit higher-priority requests",
	})

	PoolWaitingQueueAdmits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxguard_pool_waiting_queue_admits_total",
		Help: "Requests served from the waiting queue",
	})

	PoolReuseHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxguard_pool_reuse_hits_total",
		Help: "Acquisitions satisfied from the reuse cache",
	})

	// Breakers
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voxguard_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"name"})

	// External dependencies
	RecognizerRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voxguard_recognizer_request_duration_seconds",
		Help:    "Speech recognition request duration",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	SynthesizerRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voxguard_synthesizer_request_duration_seconds",
		Help:    "Speech synthesis request duration",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5},
	})

	ResponderRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voxguard_responder_request_duration_seconds",
		Help:    "Intent/response service request duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"operation"}) // classify, generate

	// Performance controller
	BufferOverrunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxguard_buffer_overruns_total",
		Help: "Ring buffer overruns displacing oldest chunks",
	})

	CacheHitRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voxguard_cache_hit_rate",
		Help: "Hit rate per response cache tier",
	}, []string{"cache"}) // response, transcript, intent

	QualityTierGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voxguard_quality_tier",
		Help: "Current quality tier index per call (0 = ultra)",
	}, []string{"call_id"})

	OptimizationsTriggeredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxguard_optimizations_triggered_total",
		Help: "Per-chunk latency breaches that triggered optimization",
	})

	// Monitor
	BottlenecksDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxguard_bottlenecks_detected_total",
		Help: "Bottleneck detections per stage",
	}, []string{"stage"})

	ResourceAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxguard_resource_alerts_total",
		Help: "Resource threshold breaches",
	}, []string{"resource"}) // cpu, memory

	CPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxguard_cpu_percent",
		Help: "Process CPU utilization sampled by the monitor",
	})

	MemoryPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxguard_memory_percent",
		Help: "Heap in use relative to the configured budget",
	})

	// Transport gateway
	GatewayConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxguard_gateway_connections_active",
		Help: "Envelope connections currently held by the gateway",
	})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxguard_rate_limited_total",
		Help: "Inbound frames rejected by the per-connection rate limiter",
	})

	// Media transport
	MediaChannelsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxguard_media_channels_active",
		Help: "Negotiated WebRTC media channels currently open",
	})

	MediaFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxguard_media_frames_total",
		Help: "Audio frames moved over media channels, by direction",
	}, []string{"direction"})

	// Signaling
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxguard_rooms_active",
		Help: "Rooms currently held by the signaling hub",
	})

	SignalingMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxguard_signaling_messages_total",
		Help: "Signaling messages handled, by type",
	}, []string{"type"})

	// Ops HTTP surface
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxguard_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voxguard_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)
