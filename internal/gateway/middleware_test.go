package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MikePfunk28/agent-builder-application-sub000/internal/config"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterEnforcesBurst(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         2,
	})
	h := rl.Wrap(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/tests/x", nil)
		req.Header.Set("Authorization", "Bearer key-a")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/tests/x", nil)
	req.Header.Set("Authorization", "Bearer key-a")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over burst: status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}

	// A different key has its own bucket.
	req = httptest.NewRequest(http.MethodGet, "/v1/tests/x", nil)
	req.Header.Set("Authorization", "Bearer key-b")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("other key: status = %d", rec.Code)
	}
}

func TestRateLimiterSkipsHealthz(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         1,
	})
	h := rl.Wrap(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("healthz request %d: status = %d", i, rec.Code)
		}
	}
}

func TestRateLimiterDisabledPassesThrough(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{Enabled: false})
	h := rl.Wrap(okHandler())

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tests/x", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
}

func TestRateLimiterEvictsStaleBuckets(t *testing.T) {
	rl := gateway.NewRateLimiter(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         2,
	})
	h := rl.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/tests/x", nil)
	req.Header.Set("Authorization", "Bearer key-a")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if rl.BucketCount() != 1 {
		t.Fatalf("buckets = %d", rl.BucketCount())
	}

	// Eviction with a generous max age keeps the fresh bucket.
	rl.StartEviction(t.Context(), 5*time.Millisecond, time.Hour)
	time.Sleep(20 * time.Millisecond)
	if rl.BucketCount() != 1 {
		t.Fatalf("fresh bucket evicted, buckets = %d", rl.BucketCount())
	}
}

func TestServerStartEvictionPrunesIdleBuckets(t *testing.T) {
	srv, err := gateway.New(gateway.Config{
		AuthToken: testToken,
		RateLimit: config.RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 1,
			BurstSize:         1,
		},
	})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	h := srv.Handler()

	do := func() int {
		req := httptest.NewRequest(http.MethodGet, "/v1/tests", nil)
		req.Header.Set("Authorization", "Bearer "+testToken)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do(); code != http.StatusMethodNotAllowed {
		t.Fatalf("first request: code = %d", code)
	}
	if code := do(); code != http.StatusTooManyRequests {
		t.Fatalf("burst not enforced, code = %d", code)
	}

	// Eviction discards the exhausted bucket; the next request gets a
	// fresh burst.
	srv.StartEviction(t.Context(), 5*time.Millisecond, time.Nanosecond)
	deadline := time.Now().Add(2 * time.Second)
	for do() != http.StatusMethodNotAllowed {
		if time.Now().After(deadline) {
			t.Fatalf("idle bucket never evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCORSMiddlewareAllowsConfiguredOrigin(t *testing.T) {
	mw := gateway.NewCORSMiddleware(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://builder.example.com"},
	})
	h := mw(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/tests/x", nil)
	req.Header.Set("Origin", "https://builder.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://builder.example.com" {
		t.Fatalf("allow-origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/tests/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow-origin: %q", got)
	}
}

func TestCORSMiddlewarePreflight(t *testing.T) {
	mw := gateway.NewCORSMiddleware(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"*"},
	})
	h := mw(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/v1/tests", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatal("missing allow-methods header")
	}
}
