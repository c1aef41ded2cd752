package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func limitedRouter(perSecond float64, burst int) *mux.Router {
	rl := NewDeviceRateLimiter(perSecond, burst, zerolog.Nop())
	r := mux.NewRouter()
	r.Use(rl.Middleware())
	r.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func ping(r *mux.Router, deviceID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if deviceID != "" {
		req.Header.Set("X-Device-ID", deviceID)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestDeviceRateLimiter(t *testing.T) {
	t.Run("BurstThenReject", func(t *testing.T) {
		// Near-zero refill keeps the bucket empty once the burst is spent.
		r := limitedRouter(0.0001, 3)
		for i := 0; i < 3; i++ {
			assert.Equal(t, http.StatusOK, ping(r, "dev-a").Code, "request %d", i)
		}
		rec := ping(r, "dev-a")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "rate_limited", decodeError(t, rec).Code)
	})

	t.Run("DevicesIsolated", func(t *testing.T) {
		r := limitedRouter(0.0001, 1)
		assert.Equal(t, http.StatusOK, ping(r, "dev-a").Code)
		assert.Equal(t, http.StatusTooManyRequests, ping(r, "dev-a").Code)
		assert.Equal(t, http.StatusOK, ping(r, "dev-b").Code)
	})

	t.Run("FallsBackToRemoteAddr", func(t *testing.T) {
		r := limitedRouter(0.0001, 1)
		assert.Equal(t, http.StatusOK, ping(r, "").Code)
		assert.Equal(t, http.StatusTooManyRequests, ping(r, "").Code)
	})
}
