package gateway_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/decisiontrace/internal/config"
	"github.com/basket/decisiontrace/internal/gateway"
	"github.com/basket/decisiontrace/pkg/xray"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth_KeySources(t *testing.T) {
	am := gateway.NewAuthMiddleware(config.AuthConfig{
		Enabled: true,
		Keys:    []config.APIKeyEntry{{Name: "viewer", Key: "k-123"}},
	})
	var seen string
	h := am.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = gateway.KeyNameFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name   string
		path   string
		header map[string]string
	}{
		{"bearer", "/traces", map[string]string{"Authorization": "Bearer k-123"}},
		{"x-api-key", "/traces", map[string]string{"X-API-Key": "k-123"}},
		{"query", "/traces?api_key=k-123", nil},
	}
	for _, tc := range cases {
		seen = ""
		rec := serve(h, http.MethodGet, tc.path, tc.header)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tc.name, rec.Code)
		}
		if seen != "viewer" {
			t.Fatalf("%s: expected key name in context, got %q", tc.name, seen)
		}
	}
}

func TestAuth_Rejections(t *testing.T) {
	am := gateway.NewAuthMiddleware(config.AuthConfig{
		Enabled: true,
		Keys:    []config.APIKeyEntry{{Key: "k-123"}},
	})
	h := am.Wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := serve(h, http.MethodGet, "/traces", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: expected 401, got %d", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
		t.Fatalf("expected bearer challenge, got %q", got)
	}
	rec = serve(h, http.MethodGet, "/traces/abc", map[string]string{"X-API-Key": "nope"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong key: expected 403, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] != "invalid API key" {
		t.Fatalf("expected JSON error body, got %s", rec.Body.String())
	}
	if rec := serve(h, http.MethodGet, "/traces", map[string]string{"X-API-Key": "k-1234"}); rec.Code != http.StatusForbidden {
		t.Fatalf("key with matching prefix: expected 403, got %d", rec.Code)
	}
}

func TestAuth_HealthAndPreflightExempt(t *testing.T) {
	h := gateway.NewAuthMiddleware(config.AuthConfig{Enabled: true, Keys: []config.APIKeyEntry{{Key: "k"}}}).Wrap(okHandler)
	if rec := serve(h, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("/health: expected 200, got %d", rec.Code)
	}
	if rec := serve(h, http.MethodOptions, "/traces", nil); rec.Code != http.StatusOK {
		t.Fatalf("preflight: expected pass-through, got %d", rec.Code)
	}
}

func TestAuth_Disabled(t *testing.T) {
	h := gateway.NewAuthMiddleware(config.AuthConfig{}).Wrap(okHandler)
	if rec := serve(h, http.MethodGet, "/traces", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCORS_DevServerOrigin(t *testing.T) {
	wrap := gateway.NewCORSMiddleware(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"http://localhost:5173"},
	})
	h := wrap(okHandler)

	rec := serve(h, http.MethodOptions, "/traces", map[string]string{"Origin": "http://localhost:5173"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow-origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, HEAD, OPTIONS" {
		t.Fatalf("allow-methods = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Expose-Headers"); got != gateway.RequestIDHeader {
		t.Fatalf("expose-headers = %q", got)
	}
	if got := rec.Header().Get("Vary"); got != "Origin" {
		t.Fatalf("vary = %q", got)
	}

	rec = serve(h, http.MethodGet, "/traces", map[string]string{"Origin": "http://evil.example"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected request to proceed, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin should get no CORS headers, got %q", got)
	}
}

func TestCORS_OnlyReadMethods(t *testing.T) {
	h := gateway.NewCORSMiddleware(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"http://localhost:5173/"},
		AllowedMethods: []string{"get", "POST", "DELETE", "OPTIONS"},
	})(okHandler)

	rec := serve(h, http.MethodOptions, "/traces", map[string]string{
		"Origin":                        "http://LOCALHOST:5173",
		"Access-Control-Request-Method": "GET",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight for GET: expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, OPTIONS" {
		t.Fatalf("write methods should be dropped, allow-methods = %q", got)
	}

	rec = serve(h, http.MethodOptions, "/traces", map[string]string{
		"Origin":                        "http://localhost:5173",
		"Access-Control-Request-Method": "POST",
	})
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("preflight for POST: expected 405, got %d", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != "GET, HEAD, OPTIONS" {
		t.Fatalf("allow = %q", got)
	}
}

func TestCORS_WildcardAndDisabled(t *testing.T) {
	h := gateway.NewCORSMiddleware(config.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}})(okHandler)
	rec := serve(h, http.MethodGet, "/traces", map[string]string{"Origin": "http://anywhere.test"})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://anywhere.test" {
		t.Fatalf("wildcard: allow-origin = %q", got)
	}

	h = gateway.NewCORSMiddleware(config.CORSConfig{})(okHandler)
	rec = serve(h, http.MethodGet, "/traces", map[string]string{"Origin": "http://localhost:5173"})
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("disabled CORS should not set headers")
	}
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 3})
	rejected := 0
	rl.OnReject(func(*http.Request) { rejected++ })
	h := rl.Wrap(okHandler)

	key := map[string]string{"X-API-Key": "burst"}
	for i := 0; i < 3; i++ {
		if rec := serve(h, http.MethodGet, "/traces", key); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := serve(h, http.MethodGet, "/traces", key)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After header")
	}
	if rejected != 1 {
		t.Fatalf("expected OnReject once, got %d", rejected)
	}

	if rec := serve(h, http.MethodGet, "/traces", map[string]string{"X-API-Key": "other"}); rec.Code != http.StatusOK {
		t.Fatalf("separate key should have its own bucket, got %d", rec.Code)
	}
	if rec := serve(h, http.MethodGet, "/health", key); rec.Code != http.StatusOK {
		t.Fatalf("/health is exempt, got %d", rec.Code)
	}
}

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time          { return c.now }
func (c *stepClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestRateLimit_Refill(t *testing.T) {
	// 600/min refills one token every 100ms.
	clock := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 600, BurstSize: 1})
	rl.SetClock(clock.Now)
	h := rl.Wrap(okHandler)
	key := map[string]string{"X-API-Key": "refill"}

	serve(h, http.MethodGet, "/traces", key)
	rec := serve(h, http.MethodGet, "/traces", key)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("Retry-After = %q, want 1", got)
	}
	clock.Advance(150 * time.Millisecond)
	if rec := serve(h, http.MethodGet, "/traces", key); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after refill, got %d", rec.Code)
	}
}

func TestRateLimit_RetryAfterMatchesRate(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 6, BurstSize: 1})
	rl.SetClock(clock.Now)
	h := rl.Wrap(okHandler)

	serve(h, http.MethodGet, "/traces", nil)
	rec := serve(h, http.MethodGet, "/traces", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "10" {
		t.Fatalf("Retry-After = %q, want 10", got)
	}
}

func TestRateLimit_SameHostSharesBucket(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, BurstSize: 1})
	h := rl.Wrap(okHandler)

	for i, addr := range []string{"10.0.0.7:50001", "10.0.0.7:50002"} {
		req := httptest.NewRequest(http.MethodGet, "/traces", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		want := http.StatusOK
		if i == 1 {
			want = http.StatusTooManyRequests
		}
		if rec.Code != want {
			t.Fatalf("request from %s: expected %d, got %d", addr, want, rec.Code)
		}
	}
	if rl.BucketCount() != 1 {
		t.Fatalf("expected one bucket per host, got %d", rl.BucketCount())
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true})
	rl.SetClock(clock.Now)
	h := rl.Wrap(okHandler)
	for _, k := range []string{"a", "b", "c"} {
		serve(h, http.MethodGet, "/traces", map[string]string{"X-API-Key": k})
	}
	if rl.BucketCount() != 3 {
		t.Fatalf("expected 3 buckets, got %d", rl.BucketCount())
	}
	clock.Advance(20 * time.Millisecond)
	serve(h, http.MethodGet, "/traces", map[string]string{"X-API-Key": "a"})
	rl.EvictStale(10 * time.Millisecond)
	if rl.BucketCount() != 1 {
		t.Fatalf("expected only the active bucket to remain, got %d", rl.BucketCount())
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	h := gateway.NewRateLimitMiddleware(config.RateLimitConfig{BurstSize: 1}).Wrap(okHandler)
	for i := 0; i < 10; i++ {
		if rec := serve(h, http.MethodGet, "/traces", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRequestLog_AccessLine(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	srv := gateway.New(gateway.Config{Storage: xray.NewMemoryStorage(), Logger: logger})
	h := srv.Handler()

	rec := serve(h, http.MethodGet, "/traces/missing", map[string]string{gateway.RequestIDHeader: "req-7"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("access log is not one JSON line: %v (%s)", err, buf.String())
	}
	if line["msg"] != "http request" || line["request_id"] != "req-7" || line["status"] != float64(404) {
		t.Fatalf("unexpected access log: %v", line)
	}
	if !strings.HasPrefix(line["path"].(string), "/traces/") {
		t.Fatalf("unexpected path: %v", line["path"])
	}
}
