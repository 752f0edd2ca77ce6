package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(perSecond float64, burst int) (*KeyedLimiter, *manualClock) {
	clock := &manualClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	l := NewKeyedLimiter(perSecond, burst)
	l.now = clock.Now
	return l, clock
}

func TestKeyedLimiterBurstAndRefill(t *testing.T) {
	l, clock := newTestLimiter(10, 10)

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "request %d within burst", i+1)
	}
	assert.False(t, l.Allow("10.0.0.1"))

	clock.Advance(100 * time.Millisecond)
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
}

func TestKeyedLimiterIsolatesKeys(t *testing.T) {
	l, _ := newTestLimiter(1, 2)

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	assert.True(t, l.Allow("b"))
	assert.True(t, l.Allow(""))
	assert.Equal(t, 2, l.Len())
}

func TestKeyedLimiterEvictIdle(t *testing.T) {
	l, clock := newTestLimiter(1, 1)

	l.Allow("old")
	clock.Advance(10 * time.Minute)
	l.Allow("fresh")

	assert.Equal(t, 1, l.EvictIdle(5*time.Minute))
	assert.Equal(t, 1, l.Len())
}

func TestNewKeyedLimiterPanics(t *testing.T) {
	assert.Panics(t, func() { NewKeyedLimiter(0, 1) })
	assert.Panics(t, func() { NewKeyedLimiter(1, 0) })
}

func TestRateLimitMiddleware(t *testing.T) {
	l, _ := newTestLimiter(1, 2)
	handler := RateLimit(l, KeyByIP)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/views/mv_brief_pipeline/refresh", nil)
		req.RemoteAddr = "192.0.2.7:51000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
}

func TestRateLimitRetryAfterMatchesRefill(t *testing.T) {
	tests := []struct {
		perSecond float64
		want      string
	}{
		{perSecond: 0.2, want: "5"},
		{perSecond: 0.3, want: "4"},
		{perSecond: 1, want: "1"},
		{perSecond: 50, want: "1"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			l, clock := newTestLimiter(tt.perSecond, 1)
			handler := RateLimit(l, KeyByIP)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			}))
			serve := func() *httptest.ResponseRecorder {
				req := httptest.NewRequest(http.MethodPost, "/views/mv_brief_pipeline/refresh", nil)
				req.RemoteAddr = "192.0.2.7:51000"
				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, req)
				return rec
			}

			require.Equal(t, http.StatusNoContent, serve().Code)
			rec := serve()
			require.Equal(t, http.StatusTooManyRequests, rec.Code)
			assert.Equal(t, tt.want, rec.Header().Get("Retry-After"))

			// A client waiting exactly Retry-After is admitted.
			secs, err := strconv.Atoi(rec.Header().Get("Retry-After"))
			require.NoError(t, err)
			clock.Advance(time.Duration(secs) * time.Second)
			assert.Equal(t, http.StatusNoContent, serve().Code)
		})
	}
}

func TestKeyFuncs(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:51000"
	assert.Equal(t, "192.0.2.7", KeyByIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", KeyByIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", KeyByIP(req))
}
