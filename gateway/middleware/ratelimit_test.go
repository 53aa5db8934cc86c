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
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1}, nil)
	rejected := 0
	limiter.OnReject(func(string) { rejected++ })
	handler := limiter.Middleware()(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/balance", nil)
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
	if rejected != 1 {
		t.Fatalf("expected one rejection callback, got %d", rejected)
	}
}

func TestRateLimiterSeparatesCallers(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1}, nil)
	handler := limiter.Middleware()(okHandler())

	serve := func(caller string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/balance", nil)
		req = req.WithContext(WithCaller(req.Context(), caller))
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		return res.Code
	}
	if code := serve("alice"); code != http.StatusOK {
		t.Fatalf("alice first request: %d", code)
	}
	if code := serve("bob"); code != http.StatusOK {
		t.Fatalf("bob first request: %d", code)
	}
	if code := serve("alice"); code != http.StatusTooManyRequests {
		t.Fatalf("alice second request should be limited, got %d", code)
	}
}

func TestRateLimiterRefillsAndForgetsIdleCallers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1}, nil)
	limiter.clockNow = func() time.Time { return now }

	if !limiter.allow("alice") {
		t.Fatalf("first request should pass")
	}
	if limiter.allow("alice") {
		t.Fatalf("second request should be limited")
	}
	now = now.Add(time.Second)
	if !limiter.allow("alice") {
		t.Fatalf("token should refill after one second")
	}
	now = now.Add(10 * time.Minute)
	limiter.allow("bob")
	if _, ok := limiter.visitors["alice"]; ok {
		t.Fatalf("idle caller should be swept")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	handler := NewRateLimiter(RateLimit{}, nil).Middleware()(okHandler())
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
		if res.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, res.Code)
		}
	}
}
