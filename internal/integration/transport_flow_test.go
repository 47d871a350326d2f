//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"

	"github.com/voxguard/voxguard/internal/adapters/auth"
	"github.com/voxguard/voxguard/internal/adapters/id"
	"github.com/voxguard/voxguard/internal/adapters/postgres"
	"github.com/voxguard/voxguard/internal/adapters/ws"
	"github.com/voxguard/voxguard/internal/domain/models"
	"github.com/voxguard/voxguard/internal/pool"
	"github.com/voxguard/voxguard/internal/reliability"
	"github.com/voxguard/voxguard/internal/session"
	"github.com/voxguard/voxguard/internal/signaling"
	"github.com/voxguard/voxguard/pkg/protocol"
)

const (
	transportSecret = "integration-test-secret"
	transportIssuer = "voxguard-test"
)

// stubPipeline absorbs pipeline traffic so the transport path can be
// exercised without speech services.
type stubPipeline struct {
	mu     sync.Mutex
	calls  map[string]int
	ended  []string
	chunks []*models.AudioChunk
}

func newStubPipeline() *stubPipeline {
	return &stubPipeline{calls: make(map[string]int)}
}

func (p *stubPipeline) EnsureCall(callID string, profile *models.PersonalityProfile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[callID]++
	return nil
}

func (p *stubPipeline) Submit(chunk *models.AudioChunk) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = append(p.chunks, chunk)
	return nil
}

func (p *stubPipeline) EndCall(callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = append(p.ended, callID)
}

func (p *stubPipeline) Snapshot(callID string) (*models.CallStateSnapshot, error) {
	return nil, nil
}

func (p *stubPipeline) Restore(snap *models.CallStateSnapshot, profile *models.PersonalityProfile) error {
	return nil
}

func (p *stubPipeline) ensured(callID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[callID]
}

// transportEnv is the full admission stack on a real database: token
// verifier, user session lifecycle, pool, reliability relay and gateway.
type transportEnv struct {
	db       *TestDB
	gw       *ws.Gateway
	manager  *session.Manager
	slots    *pool.Pool
	pipeline *stubPipeline
	codec    *protocol.Codec
	server   *httptest.Server
}

func newTransportEnv(t *testing.T) *transportEnv {
	t.Helper()

	db := SetupTestDB(t)
	ids := id.New()

	lifecycle := session.NewLifecycle(session.LifecycleConfig{},
		postgres.NewUserSessionRepository(db.Pool),
		postgres.NewDeviceRepository(db.Pool),
		ids)

	verifier := auth.NewVerifier(auth.Config{Secret: transportSecret, Issuer: transportIssuer})

	conns := ws.NewConns()
	registry := reliability.NewRegistry()
	codec := protocol.NewCodec()
	relay := reliability.NewManager(reliability.ManagerConfig{}, codec, conns, registry)

	slots := pool.New(pool.Config{}, ids)
	pipeline := newStubPipeline()
	manager := session.NewManager(session.Config{}, session.Deps{
		Relay:    relay,
		Pipeline: pipeline,
		Pool:     slots,
		IDs:      ids,
	})
	manager.RegisterHandlers(registry)

	gw := ws.NewGateway(ws.Config{}, ws.Deps{
		Conns:    conns,
		Relay:    relay,
		Sessions: manager,
		Users:    lifecycle,
		Pool:     slots,
		Verifier: verifier,
		IDs:      ids,
	})
	manager.SetCloseHandler(gw.CloseConnection)
	gw.SetHub(signaling.NewHub(signaling.HubConfig{}, gw, ids, postgres.NewRoomRepository(db.Pool)))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleEnvelope)
	mux.HandleFunc("/signaling", gw.HandleSignaling)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	t.Cleanup(gw.Shutdown)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})

	return &transportEnv{db: db, gw: gw, manager: manager, slots: slots, pipeline: pipeline, codec: codec, server: server}
}

func mintToken(t *testing.T, subject, callID string, ttl time.Duration) string {
	t.Helper()

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iss": transportIssuer,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if callID != "" {
		claims["call_id"] = callID
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(transportSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func (e *transportEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + path
}

func (e *transportEnv) dial(t *testing.T, path, token, fingerprint string) *websocket.Conn {
	t.Helper()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if fingerprint != "" {
		h.Set("X-Device-Fingerprint", fingerprint)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(path), h)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *transportEnv) dialExpectStatus(t *testing.T, path, token, fingerprint string, want int) {
	t.Helper()

	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	if fingerprint != "" {
		h.Set("X-Device-Fingerprint", fingerprint)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(path), h)
	if err == nil {
		conn.Close()
		t.Fatalf("expected handshake rejection for %s, got a connection", path)
	}
	if resp == nil {
		t.Fatalf("no handshake response: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		t.Errorf("expected status %d, got %d", want, resp.StatusCode)
	}
}

func (e *transportEnv) readEnvelope(t *testing.T, conn *websocket.Conn) (*protocol.Envelope, interface{}) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	env, payload, err := e.codec.Decode(frame)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return env, payload
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTransportFlow_AdmissionPersistsSessionAndDevice(t *testing.T) {
	env := newTransportEnv(t)
	ctx := context.Background()
	fixtures := NewFixtures(env.db)

	token := mintToken(t, "user-1", "call_int", time.Hour)
	conn := env.dial(t, "/ws", token, "fp-int-1")

	// Admission wrote the user session and bound the device
	sessions := postgres.NewUserSessionRepository(env.db.Pool)
	stored, err := sessions.ListByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to list user sessions: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 user session, got %d", len(stored))
	}
	if stored[0].Fingerprint != "fp-int-1" {
		t.Errorf("expected fingerprint fp-int-1, got %s", stored[0].Fingerprint)
	}
	if got := fixtures.CountRows(ctx, t, "trusted_devices"); got != 1 {
		t.Errorf("expected 1 trusted device, got %d", got)
	}

	// The transport session opens just after the upgrade completes
	waitFor(t, 5*time.Second, "transport session open", func() bool {
		return env.manager.Stats().Active == 1 && env.pipeline.ensured("call_int") > 0
	})

	// Heartbeat with an ack request: ack first, then the echo reply
	raw, err := protocol.MarshalPayload(&protocol.HeartbeatPayload{SentAt: 1724500000000})
	if err != nil {
		t.Fatalf("marshal heartbeat: %v", err)
	}
	sent := protocol.NewEnvelope(protocol.TypeHeartbeat, raw, "client").WithAck()
	frame, err := env.codec.Encode(sent)
	if err != nil {
		t.Fatalf("encode heartbeat: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	ackEnv, ackPayload := env.readEnvelope(t, conn)
	if ackEnv.Type != protocol.TypeAck {
		t.Fatalf("expected ack, got %s", ackEnv.Type)
	}
	if ack := ackPayload.(*protocol.AckPayload); ack.AckedID != sent.ID {
		t.Errorf("expected ack for %s, got %s", sent.ID, ack.AckedID)
	}

	replyEnv, replyPayload := env.readEnvelope(t, conn)
	if replyEnv.Type != protocol.TypeHeartbeat {
		t.Fatalf("expected heartbeat reply, got %s", replyEnv.Type)
	}
	hb := replyPayload.(*protocol.HeartbeatPayload)
	if hb.SentAt != 1724500000000 {
		t.Errorf("expected echoed send time, got %d", hb.SentAt)
	}
	if hb.ServerTime == 0 {
		t.Error("expected server time in heartbeat reply")
	}

	// Disconnect tears down the transport but keeps the user session row
	conn.Close()
	waitFor(t, 5*time.Second, "transport teardown", func() bool {
		return env.manager.Stats().Active == 0 && env.slots.Stats().Active == 0
	})
	if got := fixtures.CountRows(ctx, t, "user_sessions"); got != 1 {
		t.Errorf("expected user session row to survive disconnect, got %d rows", got)
	}
}

func TestTransportFlow_DeviceReuseAcrossConnections(t *testing.T) {
	env := newTransportEnv(t)
	ctx := context.Background()
	fixtures := NewFixtures(env.db)

	first := env.dial(t, "/ws", mintToken(t, "user-1", "call_a", time.Hour), "fp-phone")
	second := env.dial(t, "/ws", mintToken(t, "user-1", "call_b", time.Hour), "fp-phone")

	waitFor(t, 5*time.Second, "both sessions live", func() bool {
		return env.manager.Stats().Active == 2
	})

	// One device, one user, two sessions
	if got := fixtures.CountRows(ctx, t, "trusted_devices"); got != 1 {
		t.Errorf("expected the fingerprint to map to 1 device, got %d", got)
	}
	if got := fixtures.CountRows(ctx, t, "user_sessions"); got != 2 {
		t.Errorf("expected 2 user sessions, got %d", got)
	}

	devices := postgres.NewDeviceRepository(env.db.Pool)
	bound, err := devices.GetByFingerprint(ctx, "user-1", "fp-phone")
	if err != nil {
		t.Fatalf("failed to load device: %v", err)
	}
	if bound == nil {
		t.Fatal("expected the device binding to exist")
	}

	sessions := postgres.NewUserSessionRepository(env.db.Pool)
	stored, err := sessions.ListByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to list user sessions: %v", err)
	}
	for _, s := range stored {
		if s.DeviceID != bound.ID {
			t.Errorf("expected session %s bound to device %s, got %s", s.ID, bound.ID, s.DeviceID)
		}
	}

	first.Close()
	second.Close()
	waitFor(t, 5*time.Second, "teardown", func() bool {
		return env.manager.Stats().Active == 0
	})
}

func TestTransportFlow_RejectsBadAdmission(t *testing.T) {
	env := newTransportEnv(t)
	ctx := context.Background()
	fixtures := NewFixtures(env.db)

	// Garbage token
	env.dialExpectStatus(t, "/ws", "not-a-token", "fp-a", http.StatusUnauthorized)

	// Expired token
	env.dialExpectStatus(t, "/ws", mintToken(t, "user-1", "", -time.Minute), "fp-a", http.StatusUnauthorized)

	// Wrong signing secret
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"iss": transportIssuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("some-other-secret"))
	if err != nil {
		t.Fatalf("failed to sign forged token: %v", err)
	}
	env.dialExpectStatus(t, "/ws", forged, "fp-a", http.StatusUnauthorized)

	// Valid token but no fingerprint
	env.dialExpectStatus(t, "/ws", mintToken(t, "user-1", "", time.Hour), "", http.StatusBadRequest)

	// Nothing was admitted, nothing was persisted
	if got := fixtures.CountRows(ctx, t, "user_sessions"); got != 0 {
		t.Errorf("expected no user sessions, got %d", got)
	}
	if got := env.manager.Stats().Active; got != 0 {
		t.Errorf("expected no transport sessions, got %d", got)
	}
}

func TestTransportFlow_SignalingMembershipIsMirrored(t *testing.T) {
	env := newTransportEnv(t)
	ctx := context.Background()
	fixtures := NewFixtures(env.db)

	token := mintToken(t, "user-1", "call_sig", time.Hour)
	conn := env.dial(t, "/signaling", token, "")

	join, err := json.Marshal(&signaling.Message{Type: signaling.KindJoinRoom, RoomID: "room_int"})
	if err != nil {
		t.Fatalf("marshal join: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		t.Fatalf("write join: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read join reply: %v", err)
	}
	var reply signaling.Message
	if err := json.Unmarshal(frame, &reply); err != nil {
		t.Fatalf("decode join reply: %v", err)
	}
	if reply.Type != signaling.KindJoinRoom {
		t.Fatalf("expected join reply, got %s", reply.Type)
	}
	var joined signaling.JoinReply
	if err := json.Unmarshal(reply.Data, &joined); err != nil {
		t.Fatalf("decode join payload: %v", err)
	}
	if !joined.IsInitiator {
		t.Error("expected the first joiner to be initiator")
	}
	if joined.RoomID != "room_int" {
		t.Errorf("expected room room_int, got %s", joined.RoomID)
	}

	// Membership reached the durable mirror
	rooms := postgres.NewRoomRepository(env.db.Pool)
	peers, err := rooms.ListPeers(ctx, "room_int")
	if err != nil {
		t.Fatalf("failed to list mirrored peers: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("expected 1 mirrored peer, got %d", len(peers))
	}
	if peers[0].PeerID != joined.PeerID || peers[0].UserID != "user-1" || peers[0].CallID != "call_sig" {
		t.Errorf("unexpected mirrored peer: %+v", peers[0])
	}
	if !peers[0].IsInitiator {
		t.Error("expected the mirror to record the initiator")
	}

	// Dropping the socket runs the leave flow and clears the mirror
	conn.Close()
	waitFor(t, 5*time.Second, "mirror cleanup", func() bool {
		return fixtures.CountRows(ctx, t, "room_peers") == 0
	})
}
