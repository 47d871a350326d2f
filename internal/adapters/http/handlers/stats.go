package handlers

import (
	"net/http"
	"time"

	"github.com/voxguard/voxguard/internal/adapters/circuitbreaker"
	"github.com/voxguard/voxguard/internal/domain/models"
	"github.com/voxguard/voxguard/internal/perf"
	"github.com/voxguard/voxguard/internal/pipeline"
	"github.com/voxguard/voxguard/internal/pool"
	"github.com/voxguard/voxguard/internal/session"
	"github.com/voxguard/voxguard/internal/signaling"
)

// SessionSource is the transport session manager's introspection surface.
type SessionSource interface {
	Snapshot() []models.Session
	Stats() session.Stats
}

// RoomSource is the signaling hub's introspection surface.
type RoomSource interface {
	Snapshot() []signaling.RoomInfo
	Stats() signaling.HubStats
}

type PoolStats interface {
	Stats() pool.Stats
}

type PipelineStats interface {
	Stats() pipeline.ManagerStats
}

type PerfStats interface {
	Stats() perf.ControllerStats
}

// ConnCounter counts live gateway sockets.
type ConnCounter interface {
	Count() int
}

// MediaCounter counts negotiated media channels.
type MediaCounter interface {
	Active() int
}

// StatsDeps collects the introspection sources. Any nil source is simply
// left out of the overview.
type StatsDeps struct {
	Sessions SessionSource
	Rooms    RoomSource
	Pool     PoolStats
	Pipeline PipelineStats
	Perf     PerfStats
	Conns    ConnCounter
	Media    MediaCounter
	Breakers map[string]BreakerStats
}

type StatsHandler struct {
	deps      StatsDeps
	startedAt time.Time
}

func NewStatsHandler(deps StatsDeps) *StatsHandler {
	return &StatsHandler{
		deps:      deps,
		startedAt: time.Now(),
	}
}

type ConnectionCounts struct {
	WebSocket int `json:"websocket"`
	Media     int `json:"media"`
}

type BreakerStatus struct {
	State         string     `json:"state"`
	TotalCalls    int64      `json:"total_calls"`
	Failures      int64      `json:"failures"`
	WindowCalls   int        `json:"window_calls"`
	WindowErrors  int        `json:"window_errors"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

type StatsResponse struct {
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Connections   ConnectionCounts         `json:"connections"`
	Sessions      *session.Stats           `json:"sessions,omitempty"`
	Pool          *pool.Stats              `json:"pool,omitempty"`
	Pipeline      *pipeline.ManagerStats   `json:"pipeline,omitempty"`
	Performance   *perf.ControllerStats    `json:"performance,omitempty"`
	Rooms         *signaling.HubStats      `json:"rooms,omitempty"`
	Breakers      map[string]BreakerStatus `json:"breakers,omitempty"`
}

// Overview snapshots every subsystem in one response.
func (h *StatsHandler) Overview(w http.ResponseWriter, r *http.Request) {
	response := StatsResponse{
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}

	if h.deps.Conns != nil {
		response.Connections.WebSocket = h.deps.Conns.Count()
	}
	if h.deps.Media != nil {
		response.Connections.Media = h.deps.Media.Active()
	}
	if h.deps.Sessions != nil {
		s := h.deps.Sessions.Stats()
		response.Sessions = &s
	}
	if h.deps.Pool != nil {
		s := h.deps.Pool.Stats()
		response.Pool = &s
	}
	if h.deps.Pipeline != nil {
		s := h.deps.Pipeline.Stats()
		response.Pipeline = &s
	}
	if h.deps.Perf != nil {
		s := h.deps.Perf.Stats()
		response.Performance = &s
	}
	if h.deps.Rooms != nil {
		s := h.deps.Rooms.Stats()
		response.Rooms = &s
	}
	if len(h.deps.Breakers) > 0 {
		response.Breakers = make(map[string]BreakerStatus, len(h.deps.Breakers))
		for name, src := range h.deps.Breakers {
			response.Breakers[name] = breakerStatus(src.Stats())
		}
	}

	respondJSON(w, response, http.StatusOK)
}

type SessionListResponse struct {
	Count    int              `json:"count"`
	Sessions []models.Session `json:"sessions"`
}

// Sessions lists the live transport sessions.
func (h *StatsHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sessions == nil {
		respondError(w, "unavailable", "session manager not running", http.StatusServiceUnavailable)
		return
	}
	sessions := h.deps.Sessions.Snapshot()
	respondJSON(w, SessionListResponse{Count: len(sessions), Sessions: sessions}, http.StatusOK)
}

type RoomListResponse struct {
	Count int                  `json:"count"`
	Rooms []signaling.RoomInfo `json:"rooms"`
}

// Rooms lists the live signaling rooms with their peers.
func (h *StatsHandler) Rooms(w http.ResponseWriter, r *http.Request) {
	if h.deps.Rooms == nil {
		respondError(w, "unavailable", "signaling hub not running", http.StatusServiceUnavailable)
		return
	}
	rooms := h.deps.Rooms.Snapshot()
	respondJSON(w, RoomListResponse{Count: len(rooms), Rooms: rooms}, http.StatusOK)
}

func breakerStatus(st circuitbreaker.Stats) BreakerStatus {
	status := BreakerStatus{
		State:        st.State.String(),
		TotalCalls:   st.TotalCalls,
		Failures:     st.Failures,
		WindowCalls:  st.WindowCalls,
		WindowErrors: st.WindowErrors,
	}
	if !st.LastFailureAt.IsZero() {
		t := st.LastFailureAt
		status.LastFailureAt = &t
	}
	if !st.NextAttemptAt.IsZero() {
		t := st.NextAttemptAt
		status.NextAttemptAt = &t
	}
	return status
}
