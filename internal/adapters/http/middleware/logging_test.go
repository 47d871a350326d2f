package middleware

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hijackRecorder is a ResponseRecorder that also satisfies http.Hijacker,
// standing in for the real TCP response writer under an upgrade request.
type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestRecovery_ConvertsPanicTo500(t *testing.T) {
	handler := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler blew up")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/readyz", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "internal server error")
}

func TestRecovery_PassesCleanRequestsThrough(t *testing.T) {
	handler := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestLogger_PreservesStatusAndBody(t *testing.T) {
	handler := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"no such room"}`))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/api/v1/rooms", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.JSONEq(t, `{"error":"no such room"}`, rr.Body.String())
}

func TestMetrics_PreservesStatusAndBody(t *testing.T) {
	handler := Metrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "not ready", rr.Body.String())
}

// Both wrappers sit between the websocket upgrader and the listener; a
// wrapper that loses http.Hijacker breaks every upgrade behind it.
func TestWrappers_ForwardHijack(t *testing.T) {
	wrappers := map[string]func(http.Handler) http.Handler{
		"Logger":  Logger,
		"Metrics": Metrics,
	}
	for name, mw := range wrappers {
		t.Run(name, func(t *testing.T) {
			rec := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
			handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hj, ok := w.(http.Hijacker)
				require.True(t, ok, "wrapper must implement http.Hijacker")
				_, _, err := hj.Hijack()
				require.NoError(t, err)
			}))

			handler.ServeHTTP(rec, httptest.NewRequest("GET", "/ws", nil))
			assert.True(t, rec.hijacked, "Hijack must reach the underlying writer")
		})
	}
}

func TestWrappers_HijackWithoutSupportFails(t *testing.T) {
	handler := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, err := w.(http.Hijacker).Hijack()
		assert.Equal(t, http.ErrNotSupported, err)
	}))

	// plain recorder: no Hijacker underneath
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/ws", nil))
}
