package infrastructure

import (
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/krobus00/market-bridge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJitterBackoffStaysWithinBounds(t *testing.T) {
	b := newJitterBackoff(2, 10*time.Millisecond, 80*time.Millisecond, time.Millisecond, time.Second)
	rng := rand.New(rand.NewSource(1))

	for attempt := 0; attempt < 20; attempt++ {
		d := b.delay(attempt, rng)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 80*time.Millisecond)
	}
}

func TestJitterBackoffDefaults(t *testing.T) {
	b := newJitterBackoff(0, 0, 0, 100*time.Millisecond, 2*time.Second)
	assert.Equal(t, 2.0, b.factor)
	assert.Equal(t, 100*time.Millisecond, b.min)
	assert.Equal(t, 2*time.Second, b.max)
}

func TestMiddlewareChainAssignsRequestID(t *testing.T) {
	var seen string
	handler := WrapHTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestMiddlewareChainRecoversPanics(t *testing.T) {
	handler := WrapHTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-Id", "fixed")
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "fixed", rec.Header().Get("X-Request-Id"))
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://***@db:5432/bridge", maskDSN("postgres://user:pass@db:5432/bridge"))
	assert.Equal(t, "host=db", maskDSN("host=db"))
}

func TestPoolSettingsDefaultsAndClamp(t *testing.T) {
	p := newPoolSettings(config.DatabaseConfig{})
	assert.Equal(t, defaultMaxIdleConns, p.maxIdle)
	assert.Equal(t, defaultMaxOpenConns, p.maxOpen)
	assert.Equal(t, defaultConnLifetime, p.maxLifetime)

	p = newPoolSettings(config.DatabaseConfig{MaxIdleConns: 20, MaxActiveConns: 4})
	assert.Equal(t, 4, p.maxIdle)
	assert.Equal(t, 4, p.maxOpen)
}
