package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/voxguard/voxguard/internal/adapters/auth"
	"github.com/voxguard/voxguard/internal/adapters/http"
	"github.com/voxguard/voxguard/internal/adapters/http/handlers"
	"github.com/voxguard/voxguard/internal/adapters/id"
	"github.com/voxguard/voxguard/internal/adapters/intent"
	"github.com/voxguard/voxguard/internal/adapters/postgres"
	"github.com/voxguard/voxguard/internal/adapters/speech"
	"github.com/voxguard/voxguard/internal/adapters/tracing"
	"github.com/voxguard/voxguard/internal/adapters/webrtc"
	"github.com/voxguard/voxguard/internal/adapters/ws"
	"github.com/voxguard/voxguard/internal/audio"
	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/domain/models"
	"github.com/voxguard/voxguard/internal/perf"
	"github.com/voxguard/voxguard/internal/pipeline"
	"github.com/voxguard/voxguard/internal/pool"
	"github.com/voxguard/voxguard/internal/reliability"
	"github.com/voxguard/voxguard/internal/session"
	"github.com/voxguard/voxguard/internal/signaling"
	"github.com/voxguard/voxguard/pkg/protocol"
)

// serveCmd starts the call screening gateway
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the call screening gateway",
		Long: `Start the VoxGuard gateway for real-time call screening.

The gateway terminates the reliable audio transport on /ws, carries peer
signaling on /signaling, and serves health, metrics and stats on the ops
port.

Required configuration:
  - PostgreSQL database (VOXGUARD_POSTGRES_URL)
  - Admission token secret (VOXGUARD_JWT_SECRET)
  - ASR endpoint (VOXGUARD_ASR_URL)
  - TTS endpoint (VOXGUARD_TTS_URL)

Optional:
  - LLM responses (VOXGUARD_LLM_URL), template responder otherwise
  - Silero voice detection (VOXGUARD_SILERO_MODEL_PATH)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// runServer initializes and starts the gateway
func runServer(ctx context.Context) error {
	log.Println("Starting VoxGuard gateway...")
	log.Printf("  Gateway:  ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port)
	log.Printf("  Ops:      http://%s:%d", cfg.Server.Host, cfg.Server.OpsPort)
	log.Printf("  ASR:      %s", cfg.ASR.URL)
	log.Printf("  TTS:      %s", cfg.TTS.URL)
	if cfg.IsLLMConfigured() {
		log.Printf("  LLM:      %s", cfg.LLM.URL)
	}
	log.Println()

	// Validate required configuration
	if !cfg.IsAuthConfigured() {
		return fmt.Errorf("serve requires an admission token secret. Set VOXGUARD_JWT_SECRET")
	}
	if cfg.Database.PostgresURL == "" {
		return fmt.Errorf("serve requires PostgreSQL. Set VOXGUARD_POSTGRES_URL")
	}

	// metadata.source names this node in envelopes it originates
	source, err := os.Hostname()
	if err != nil || source == "" {
		source = "voxguard-core"
	}

	// Initialize OpenTelemetry tracing
	traceShutdown, err := tracing.InitTracer("voxguard-core", version)
	if err != nil {
		log.Printf("WARNING: failed to initialize tracing: %v", err)
	} else {
		defer func() {
			if err := traceShutdown(context.Background()); err != nil {
				log.Printf("Error shutting down tracer: %v", err)
			}
		}()
		log.Println("OpenTelemetry tracing initialized")
	}

	// Initialize database connection pool
	log.Println("Connecting to PostgreSQL...")
	db, err := postgres.Connect(ctx, cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Println("Database connection established")

	// Initialize repositories and the cross-instance event bus
	userSessions := postgres.NewUserSessionRepository(db)
	devices := postgres.NewDeviceRepository(db)
	rooms := postgres.NewRoomRepository(db)
	snapshots := postgres.NewSnapshotRepository(db)
	bus := postgres.NewBus(db)
	log.Println("Repositories and event bus initialized")

	// Initialize ID generator
	ids := id.New()

	// Initialize user session lifecycle. Idle and sweep cadence keep their
	// package defaults.
	lifecycle := session.NewLifecycle(session.LifecycleConfig{
		MaxPerUser: cfg.Session.MaxPerUser,
		TTL:        time.Duration(cfg.Session.TTLHours) * time.Hour,
	}, userSessions, devices, ids)
	log.Println("User session lifecycle initialized")

	// Initialize speech services
	recognizer := speech.NewRecognizer(speech.RecognizerConfig{
		URL:      cfg.ASR.URL,
		APIKey:   cfg.ASR.APIKey,
		Model:    cfg.ASR.Model,
		Language: cfg.ASR.Language,
		Timeout:  millis(cfg.ASR.TimeoutMs),
	})
	synthesizer := speech.NewSynthesizer(speech.SynthesizerConfig{
		URL:        cfg.TTS.URL,
		APIKey:     cfg.TTS.APIKey,
		Model:      cfg.TTS.Model,
		Voice:      cfg.TTS.Voice,
		Speed:      cfg.TTS.Speed,
		Format:     ttsEncoding(cfg.TTS.OutputFormat),
		SampleRate: cfg.Audio.SampleRate,
		Timeout:    millis(cfg.TTS.TimeoutMs),
	})
	log.Println("Speech services initialized")

	// Initialize the response engine; it classifies intents and generates
	// replies, falling back to keywords and templates without an LLM
	engine := intent.New(intent.Config{
		URL:         cfg.LLM.URL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     millis(cfg.LLM.TimeoutMs),
	})
	if cfg.IsLLMConfigured() {
		log.Println("Response engine initialized (LLM)")
	} else {
		log.Println("Response engine initialized (keyword classifier, template responses)")
	}

	// Initialize the adaptive performance controller and stage monitor
	perfCfg := perf.DefaultControllerConfig()
	perfCfg.BufferSize = cfg.Performance.BufferSize
	perfCfg.LatencyWindow = cfg.Performance.LatencyWindow
	perfCfg.MaxLatency = millis(cfg.Performance.MaxLatencyMs)
	perfCfg.BackpressureHighWater = cfg.Performance.BackpressureHighWater
	perfCfg.InitialTier = cfg.Performance.InitialTier
	perfCfg.OptimizeCooldown = seconds(cfg.Performance.OptimizeCooldownSec)
	perfCfg.ControlInterval = seconds(cfg.Performance.ControlIntervalSec)
	perfCfg.CacheTTL = seconds(cfg.Performance.CacheTTLSec)
	perfCfg.ResponseCacheSize = cfg.Performance.ResponseCacheSize
	perfCfg.TranscriptCacheSize = cfg.Performance.TranscriptCacheSize
	perfCfg.IntentCacheSize = cfg.Performance.IntentCacheSize
	perfCfg.CompressionThreshold = cfg.Transport.CompressionThresholdBytes
	controller := perf.NewController(perfCfg)
	monitor := perf.NewMonitor(nil)
	log.Println("Performance controller initialized")

	// Voice detection: silero when a model is configured, energy heuristic
	// otherwise. The factory builds one gate per call.
	detectorCfg := audio.DetectorConfig{
		SampleRate:    cfg.Audio.SampleRate,
		FrameMs:       cfg.Audio.FrameMs,
		BaseThreshold: cfg.Audio.VADThreshold,
		HangoverMs:    cfg.Audio.VADHangoverMs,
	}
	var gateFactory func() audio.Gate
	if cfg.IsSileroConfigured() {
		modelPath := cfg.Audio.SileroModelPath
		probe, perr := audio.NewSileroGate(modelPath)
		if perr != nil {
			log.Printf("WARNING: silero model unusable, using energy heuristic: %v", perr)
		} else {
			if cerr := probe.Close(); cerr != nil {
				log.Printf("WARNING: close silero probe: %v", cerr)
			}
			gateFactory = func() audio.Gate {
				g, gerr := audio.NewSileroGate(modelPath)
				if gerr != nil {
					log.Printf("WARNING: silero gate: %v", gerr)
					return audio.NewDetector(detectorCfg)
				}
				return g
			}
			log.Println("Silero voice detection initialized")
		}
	}

	// Initialize the call pipeline
	pipe := pipeline.NewManager(pipeline.Config{
		MaxQueueSize:  cfg.Pipeline.MaxQueueSize,
		MaxChunkBytes: cfg.Pipeline.MaxChunkBytes,
		WorkerIdle:    seconds(cfg.Pipeline.WorkerIdleTimeoutSec),
		SampleRate:    cfg.Audio.SampleRate,
		Detector:      detectorCfg,
		Processor: audio.ProcessorConfig{
			SampleRate:     cfg.Audio.SampleRate,
			NoiseReduction: cfg.Audio.NoiseReduction,
			EchoTailMs:     cfg.Audio.EchoCancelTailMs,
			AGCTargetRMS:   cfg.Audio.AGCTargetRMS,
		},
	}, pipeline.Deps{
		Recognizer:  recognizer,
		Classifier:  engine,
		Generator:   engine,
		Synthesizer: synthesizer,
		Controller:  controller,
		Monitor:     monitor,
		GateFactory: gateFactory,
		Bus:         bus,
	})
	log.Println("Call pipeline initialized")

	// Initialize the connection pool
	poolCfg := pool.DefaultConfig()
	poolCfg.MaxConnections = cfg.Pool.MaxConnections
	poolCfg.MaxPerUser = cfg.Pool.MaxPerUser
	poolCfg.IdleTimeout = seconds(cfg.Pool.IdleTimeoutSec)
	poolCfg.CriticalWindow = seconds(cfg.Pool.CriticalWindowSec)
	poolCfg.CleanupInterval = seconds(cfg.Pool.CleanupIntervalSec)
	poolCfg.AcquireTimeout = millis(cfg.Pool.AcquireTimeoutMs)
	poolCfg.WaitQueueSize = cfg.Pool.WaitQueueSize
	connPool := pool.New(poolCfg, ids)
	log.Println("Connection pool initialized")

	// Initialize the reliable transport: envelope codec, delivery manager,
	// media negotiator and the session manager that ties them together
	conns := ws.NewConns()
	registry := reliability.NewRegistry()
	codec := protocol.NewCodecWithThreshold(cfg.Transport.CompressionThresholdBytes)
	controller.SetCompressionSink(codec)
	relay := reliability.NewManager(reliability.ManagerConfig{
		Source:      source,
		AckTimeout:  millis(cfg.Transport.AckTimeoutMs),
		MaxRetries:  cfg.Transport.MaxRetries,
		DedupWindow: cfg.Transport.DedupWindow,
	}, codec, conns, registry)

	negotiator := webrtc.NewNegotiator(webrtc.Config{
		ICEServers:      cfg.WebRTC.ICEServers,
		OpusBitrateKbps: cfg.WebRTC.OpusBitrateKbps,
	}, pipe, ids)

	sessions := session.NewManager(session.Config{
		IdleTimeout:    seconds(cfg.Session.IdleTimeoutSec),
		RecoveryWindow: seconds(cfg.Session.RecoveryWindowSec),
		SweepInterval:  seconds(cfg.Session.SweepIntervalSec),
		PreferMedia:    cfg.Transport.PreferMedia,
		MediaFallback:  cfg.Transport.MediaFallback,
		SampleRate:     cfg.Audio.SampleRate,
		Source:         source,
	}, session.Deps{
		Relay:     relay,
		Pipeline:  pipe,
		Pool:      connPool,
		IDs:       ids,
		Bus:       bus,
		Snapshots: snapshots,
		Media:     negotiator,
	})
	pipe.SetEmitter(sessions)
	negotiator.SetReporter(sessions)
	sessions.RegisterHandlers(registry)
	connPool.SetEvictionHandler(func(c pool.Connection) {
		if err := sessions.TerminateByConnection(c.ID, session.ReasonEvicted); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			log.Printf("ERROR: terminate evicted connection %s: %v", c.ID, err)
		}
	})
	log.Println("Session manager initialized")

	// Initialize the websocket gateway and the signaling hub
	verifier := auth.NewVerifier(auth.Config{
		Secret: cfg.Auth.JWTSecret,
		Issuer: cfg.Auth.Issuer,
	})
	gw := ws.NewGateway(ws.Config{
		AllowedOrigins:    cfg.Server.CORSOrigins,
		HeartbeatInterval: seconds(cfg.Transport.HeartbeatIntervalSec),
		SendQueue:         cfg.Transport.SendQueueSize,
		RatePerSec:        cfg.Transport.RateLimitPerSec,
		RateBurst:         cfg.Transport.RateBurst,
		Source:            source,
	}, ws.Deps{
		Conns:    conns,
		Relay:    relay,
		Sessions: sessions,
		Users:    lifecycle,
		Pool:     connPool,
		Verifier: verifier,
		IDs:      ids,
	})
	sessions.SetCloseHandler(gw.CloseConnection)

	hub := signaling.NewHub(signaling.HubConfig{
		MaxPeersPerRoom: cfg.Signaling.MaxPeersPerRoom,
		MaxRoomsPerUser: cfg.Signaling.MaxRoomsPerUser,
		MaxRooms:        cfg.Signaling.MaxRooms,
		PeerTimeout:     seconds(cfg.Signaling.PeerTimeoutSec),
		RoomIdleMax:     seconds(cfg.Signaling.RoomIdleTimeoutSec),
		SweepInterval:   seconds(cfg.Signaling.PeerPingIntervalSec),
	}, gw, ids, rooms)
	gw.SetHub(hub)
	log.Println("Gateway and signaling hub initialized")

	// Start the background loops
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go connPool.Run(runCtx)
	go relay.Run(runCtx)
	go controller.Run(runCtx)
	go monitor.Run(runCtx)
	go hub.Run(runCtx)
	go sessions.Run(runCtx)
	go lifecycle.Run(runCtx)

	// Envelopes the reliability layer gave up on mean the connection is not
	// acking; end its session so the peer can recover on a fresh one.
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case msg := <-relay.Failed():
				log.Printf("WARNING: delivery to %s failed after %d retries: %s", msg.ConnectionID, msg.Retries, msg.Reason)
				if err := sessions.TerminateByConnection(msg.ConnectionID, session.ReasonTransportFailed); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
					log.Printf("ERROR: terminate connection %s after delivery failure: %v", msg.ConnectionID, err)
				}
			}
		}
	}()

	// Create HTTP servers
	gateway := http.NewGatewayServer(http.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, gw)
	ops := http.NewOpsServer(http.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.OpsPort,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, http.OpsDeps{
		Version:  version,
		Verifier: verifier,
		DB:       db,
		Sessions: sessions,
		Rooms:    hub,
		Pool:     connPool,
		Pipeline: pipe,
		Perf:     controller,
		Conns:    conns,
		Media:    negotiator,
		Breakers: map[string]handlers.BreakerStats{
			"recognizer":  recognizer,
			"synthesizer": synthesizer,
			"responder":   engine,
		},
	})

	// Run both listeners; either one failing brings the process down.
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(gateway.Start)
	g.Go(ops.Start)

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Wait for interrupt signal or listener failure
	select {
	case <-gctx.Done():
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := gateway.Stop(stopCtx); err != nil {
			log.Printf("WARNING: gateway shutdown: %v", err)
		}
		if err := ops.Stop(stopCtx); err != nil {
			log.Printf("WARNING: ops shutdown: %v", err)
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		log.Println("Shutting down gracefully...")

		grace := seconds(cfg.Server.ShutdownGraceSec)
		if grace <= 0 {
			grace = 15 * time.Second
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
		defer shutdownCancel()

		// Stop accepting, then drain: sessions snapshot and say goodbye
		// while their sockets still work, the gateway closes stragglers.
		if err := gateway.Stop(shutdownCtx); err != nil {
			log.Printf("WARNING: gateway shutdown: %v", err)
		}
		if err := ops.Stop(shutdownCtx); err != nil {
			log.Printf("WARNING: ops shutdown: %v", err)
		}
		sessions.Shutdown(shutdownCtx)
		gw.Shutdown()
		negotiator.Close()
		pipe.Shutdown()
		runCancel()
		bus.Close()
		connPool.Close()
		if err := g.Wait(); err != nil {
			log.Printf("WARNING: listener exit: %v", err)
		}

		log.Println("Server stopped")
		return nil
	}
}

// ttsEncoding maps the configured synthesis output format onto a chunk
// encoding. wav bodies carry PCM.
func ttsEncoding(format string) models.AudioEncoding {
	switch format {
	case "opus":
		return models.EncodingOpus
	case "mp3":
		return models.EncodingMP3
	default:
		return models.EncodingPCM
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
