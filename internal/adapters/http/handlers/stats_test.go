package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voxguard/voxguard/internal/adapters/circuitbreaker"
	"github.com/voxguard/voxguard/internal/domain/models"
	"github.com/voxguard/voxguard/internal/perf"
	"github.com/voxguard/voxguard/internal/pipeline"
	"github.com/voxguard/voxguard/internal/pool"
	"github.com/voxguard/voxguard/internal/session"
	"github.com/voxguard/voxguard/internal/signaling"
)

type fakeSessionSource struct {
	sessions []models.Session
	stats    session.Stats
}

func (f *fakeSessionSource) Snapshot() []models.Session { return f.sessions }
func (f *fakeSessionSource) Stats() session.Stats       { return f.stats }

type fakeRoomSource struct {
	rooms []signaling.RoomInfo
	stats signaling.HubStats
}

func (f *fakeRoomSource) Snapshot() []signaling.RoomInfo { return f.rooms }
func (f *fakeRoomSource) Stats() signaling.HubStats      { return f.stats }

type fakePoolStats struct{ stats pool.Stats }

func (f *fakePoolStats) Stats() pool.Stats { return f.stats }

type fakePipelineStats struct{ stats pipeline.ManagerStats }

func (f *fakePipelineStats) Stats() pipeline.ManagerStats { return f.stats }

type fakePerfStats struct{ stats perf.ControllerStats }

func (f *fakePerfStats) Stats() perf.ControllerStats { return f.stats }

type fakeCounter struct{ n int }

func (f *fakeCounter) Count() int  { return f.n }
func (f *fakeCounter) Active() int { return f.n }

func fullStatsHandler() *StatsHandler {
	return NewStatsHandler(StatsDeps{
		Sessions: &fakeSessionSource{
			sessions: []models.Session{*models.NewSession("sess_1", "user-1", "call_1")},
			stats:    session.Stats{Active: 3, Hybrid: 1},
		},
		Rooms: &fakeRoomSource{
			rooms: []signaling.RoomInfo{{RoomID: "room_1", CallID: "call_1", PeerCount: 2}},
			stats: signaling.HubStats{Rooms: 1, Peers: 2},
		},
		Pool:     &fakePoolStats{stats: pool.Stats{Active: 4, Idle: 2, Capacity: 100}},
		Pipeline: &fakePipelineStats{stats: pipeline.ManagerStats{ActiveCalls: 3, QueuedChunks: 7}},
		Perf:     &fakePerfStats{stats: perf.ControllerStats{ActiveCalls: 3, GlobalAvgMs: 420}},
		Conns:    &fakeCounter{n: 5},
		Media:    &fakeCounter{n: 2},
		Breakers: map[string]BreakerStats{
			"recognizer": &fakeBreaker{stats: circuitbreaker.Stats{
				Name:          "recognizer",
				State:         circuitbreaker.StateOpen,
				TotalCalls:    120,
				Failures:      15,
				WindowCalls:   20,
				WindowErrors:  12,
				LastFailureAt: time.Now(),
			}},
		},
	})
}

func TestStatsHandler_Overview(t *testing.T) {
	handler := fullStatsHandler()

	req := httptest.NewRequest("GET", "/api/v1/stats", nil)
	rr := httptest.NewRecorder()

	handler.Overview(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var response StatsResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.Connections.WebSocket != 5 || response.Connections.Media != 2 {
		t.Errorf("connections = %+v, want websocket 5 / media 2", response.Connections)
	}
	if response.Sessions == nil || response.Sessions.Active != 3 || response.Sessions.Hybrid != 1 {
		t.Errorf("sessions = %+v, want active 3 / hybrid 1", response.Sessions)
	}
	if response.Pool == nil || response.Pool.Capacity != 100 {
		t.Errorf("pool = %+v, want capacity 100", response.Pool)
	}
	if response.Pipeline == nil || response.Pipeline.QueuedChunks != 7 {
		t.Errorf("pipeline = %+v, want 7 queued chunks", response.Pipeline)
	}
	if response.Performance == nil || response.Performance.GlobalAvgMs != 420 {
		t.Errorf("performance = %+v, want global avg 420", response.Performance)
	}
	if response.Rooms == nil || response.Rooms.Peers != 2 {
		t.Errorf("rooms = %+v, want 2 peers", response.Rooms)
	}

	recognizer, ok := response.Breakers["recognizer"]
	if !ok {
		t.Fatal("expected a recognizer breaker entry")
	}
	if recognizer.State != "open" || recognizer.TotalCalls != 120 || recognizer.WindowErrors != 12 {
		t.Errorf("recognizer breaker = %+v, want open with 120 calls and 12 window errors", recognizer)
	}
	if recognizer.LastFailureAt == nil {
		t.Error("expected last_failure_at to be set")
	}
	if recognizer.NextAttemptAt != nil {
		t.Error("expected next_attempt_at to be omitted when zero")
	}
}

func TestStatsHandler_Overview_NilSources(t *testing.T) {
	handler := NewStatsHandler(StatsDeps{})

	req := httptest.NewRequest("GET", "/api/v1/stats", nil)
	rr := httptest.NewRecorder()

	handler.Overview(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var response StatsResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Sessions != nil || response.Pool != nil || response.Rooms != nil {
		t.Errorf("expected absent subsystems to be omitted, got %+v", response)
	}
	if response.Connections.WebSocket != 0 || response.Connections.Media != 0 {
		t.Errorf("connections = %+v, want zeros", response.Connections)
	}
}

func TestStatsHandler_Sessions(t *testing.T) {
	handler := fullStatsHandler()

	req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
	rr := httptest.NewRecorder()

	handler.Sessions(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var response SessionListResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Count != 1 || len(response.Sessions) != 1 {
		t.Fatalf("expected one session, got count %d / %d entries", response.Count, len(response.Sessions))
	}
	if response.Sessions[0].ID != "sess_1" || response.Sessions[0].CallID != "call_1" {
		t.Errorf("session = %+v, want sess_1 on call_1", response.Sessions[0])
	}
}

func TestStatsHandler_Sessions_Unavailable(t *testing.T) {
	handler := NewStatsHandler(StatsDeps{})

	req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
	rr := httptest.NewRecorder()

	handler.Sessions(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
}

func TestStatsHandler_Rooms(t *testing.T) {
	handler := fullStatsHandler()

	req := httptest.NewRequest("GET", "/api/v1/rooms", nil)
	rr := httptest.NewRecorder()

	handler.Rooms(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var response RoomListResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Count != 1 || response.Rooms[0].RoomID != "room_1" {
		t.Errorf("rooms = %+v, want one entry room_1", response)
	}
}
