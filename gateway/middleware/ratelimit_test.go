package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"submit": {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("submit")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/transfer", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesRoutesAndCallers(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"submit": {RequestsPerMinute: 1, Burst: 1},
		"read":   {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	submit := limiter.Middleware("submit")(okHandler())
	read := limiter.Middleware("read")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/mint", nil)
	req = req.WithContext(WithCaller(req.Context(), testAccount(1)))
	for name, h := range map[string]http.Handler{"submit": submit, "read": read} {
		res := httptest.NewRecorder()
		h.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("%s: expected first request to succeed, got %d", name, res.Code)
		}
	}

	other := httptest.NewRequest(http.MethodPost, "/v1/mint", nil)
	other = other.WithContext(WithCaller(other.Context(), testAccount(2)))
	res := httptest.NewRecorder()
	submit.ServeHTTP(res, other)
	if res.Code != http.StatusOK {
		t.Fatalf("a different caller must have its own budget, got %d", res.Code)
	}
}

func TestRateLimiterUnknownRoutePassesThrough(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	handler := limiter.Middleware("missing")(okHandler())
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
		if res.Code != http.StatusOK {
			t.Fatalf("unexpected status %d", res.Code)
		}
	}
}

func TestRateLimiterSweepsIdleVisitors(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter(map[string]RateLimit{"read": {RequestsPerMinute: 60, Burst: 5}}, nil)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("read")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Real-IP", "10.0.0.1")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if limiter.size() != 1 {
		t.Fatalf("expected one visitor")
	}

	now = now.Add(10 * time.Minute)
	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.Header.Set("X-Real-IP", "10.0.0.2")
	handler.ServeHTTP(httptest.NewRecorder(), req2)
	if limiter.size() != 1 {
		t.Fatalf("idle visitor was not swept, have %d", limiter.size())
	}
}
