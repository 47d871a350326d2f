package http

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxguard/voxguard/internal/adapters/http/handlers"
	"github.com/voxguard/voxguard/internal/adapters/http/middleware"
	"github.com/voxguard/voxguard/internal/ports"
)

type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
}

// GatewaySocket is the websocket edge mounted on the public listener.
type GatewaySocket interface {
	HandleEnvelope(w http.ResponseWriter, r *http.Request)
	HandleSignaling(w http.ResponseWriter, r *http.Request)
}

// OpsDeps wires the introspection sources into the ops listener. Nil
// entries disable their checks or endpoints.
type OpsDeps struct {
	Version  string
	Verifier ports.TokenVerifier // guards /api/v1 when set
	DB       handlers.Pinger
	Sessions handlers.SessionSource
	Rooms    handlers.RoomSource
	Pool     handlers.PoolStats
	Pipeline handlers.PipelineStats
	Perf     handlers.PerfStats
	Conns    handlers.ConnCounter
	Media    handlers.MediaCounter
	Breakers map[string]handlers.BreakerStats
}

type Server struct {
	name       string
	cfg        Config
	router     *chi.Mux
	httpServer *http.Server
}

// NewGatewayServer serves the websocket endpoints: /ws for envelope
// connections and /signaling for room signaling.
func NewGatewayServer(cfg Config, gw GatewaySocket) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recovery)
	r.Use(middleware.Metrics)

	r.Get("/ws", gw.HandleEnvelope)
	r.Get("/signaling", gw.HandleSignaling)

	return &Server{name: "gateway", cfg: cfg, router: r}
}

// NewOpsServer serves health, readiness, Prometheus metrics and the
// introspection API.
func NewOpsServer(cfg Config, deps OpsDeps) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Metrics)

	healthHandler := handlers.NewHealthHandler(deps.Version, deps.DB, deps.Breakers)
	r.Get("/healthz", healthHandler.Healthz)
	r.Get("/readyz", healthHandler.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	statsHandler := handlers.NewStatsHandler(handlers.StatsDeps{
		Sessions: deps.Sessions,
		Rooms:    deps.Rooms,
		Pool:     deps.Pool,
		Pipeline: deps.Pipeline,
		Perf:     deps.Perf,
		Conns:    deps.Conns,
		Media:    deps.Media,
		Breakers: deps.Breakers,
	})
	r.Route("/api/v1", func(r chi.Router) {
		if deps.Verifier != nil {
			r.Use(middleware.Auth(deps.Verifier))
		}
		r.Get("/stats", statsHandler.Overview)
		r.Get("/sessions", statsHandler.Sessions)
		r.Get("/rooms", statsHandler.Rooms)
	})

	return &Server{name: "ops", cfg: cfg, router: r}
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	writeTimeout := 10 * time.Second
	if s.name == "gateway" {
		writeTimeout = 0 // hijacked websocket connections manage their own deadlines
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("Starting %s server on %s", s.name, addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	log.Printf("Shutting down %s server...", s.name)
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Router() *chi.Mux {
	return s.router
}
