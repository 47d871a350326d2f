package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxguard/voxguard/internal/ports"
)

type fakeSocket struct {
	envelope  int
	signaling int
}

func (f *fakeSocket) HandleEnvelope(w http.ResponseWriter, r *http.Request) {
	f.envelope++
	w.WriteHeader(http.StatusOK)
}

func (f *fakeSocket) HandleSignaling(w http.ResponseWriter, r *http.Request) {
	f.signaling++
	w.WriteHeader(http.StatusOK)
}

type rejectAllVerifier struct{}

func (rejectAllVerifier) Verify(token string) (*ports.AuthClaims, error) {
	return nil, errors.New("rejected")
}

func TestGatewayServer_Routes(t *testing.T) {
	socket := &fakeSocket{}
	server := NewGatewayServer(Config{Host: "127.0.0.1", Port: 8080}, socket)

	for _, path := range []string{"/ws", "/signaling"} {
		req := httptest.NewRequest("GET", path, nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rr.Code)
		}
	}
	if socket.envelope != 1 || socket.signaling != 1 {
		t.Errorf("socket calls = %d envelope / %d signaling, want 1 each", socket.envelope, socket.signaling)
	}
}

func TestOpsServer_OpenEndpoints(t *testing.T) {
	server := NewOpsServer(Config{Host: "127.0.0.1", Port: 9090}, OpsDeps{Version: "test"})

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/api/v1/stats"} {
		req := httptest.NewRequest("GET", path, nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rr.Code)
		}
	}
}

func TestOpsServer_VerifierGuardsStatsAPI(t *testing.T) {
	server := NewOpsServer(Config{Host: "127.0.0.1", Port: 9090}, OpsDeps{
		Version:  "test",
		Verifier: rejectAllVerifier{},
	})

	req := httptest.NewRequest("GET", "/api/v1/stats", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("GET /api/v1/stats without token = %d, want 401", rr.Code)
	}

	// Probes stay open regardless.
	req = httptest.NewRequest("GET", "/healthz", nil)
	rr = httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", rr.Code)
	}
}

func TestServer_StopWithoutStart(t *testing.T) {
	server := NewOpsServer(Config{Host: "127.0.0.1", Port: 9090}, OpsDeps{})
	if err := server.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start = %v, want nil", err)
	}
}
