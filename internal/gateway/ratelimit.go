package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/basket/decisiontrace/internal/config"
)

// bucket is a token bucket. Callers hold RateLimitMiddleware.mu.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// take refills for the time since the last call and consumes one token. When
// empty it reports how long until the next token.
func (b *bucket) take(now time.Time, perSecond, max float64) (bool, time.Duration) {
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = math.Min(max, b.tokens+elapsed*perSecond)
	}
	b.lastRefill = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
	return false, wait
}

// RateLimitMiddleware gives every client its own token bucket. A client is
// its API key when one is sent, otherwise its remote host.
type RateLimitMiddleware struct {
	enabled   bool
	perSecond float64
	burst     float64
	now       func() time.Time
	onReject  func(*http.Request)

	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewRateLimitMiddleware(cfg config.RateLimitConfig) *RateLimitMiddleware {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 600
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 50
	}
	return &RateLimitMiddleware{
		enabled:   cfg.Enabled,
		perSecond: float64(rpm) / 60,
		burst:     float64(burst),
		now:       time.Now,
		buckets:   make(map[string]*bucket),
	}
}

// SetClock replaces time.Now. Call it before serving requests.
func (rl *RateLimitMiddleware) SetClock(now func() time.Time) {
	rl.now = now
}

// OnReject registers fn to run for every rejected request.
func (rl *RateLimitMiddleware) OnReject(fn func(*http.Request)) {
	rl.onReject = fn
}

// StartEviction drops buckets idle for maxAge every interval until ctx ends.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets with no request in the last maxAge.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := rl.now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, b := range rl.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
}

// BucketCount returns the number of tracked clients.
func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimitMiddleware) allow(client string) (bool, time.Duration) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[client]
	if !ok {
		b = &bucket{tokens: rl.burst, lastRefill: now}
		rl.buckets[client] = b
	}
	return b.take(now, rl.perSecond, rl.burst)
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		ok, wait := rl.allow(clientKey(r))
		if !ok {
			if rl.onReject != nil {
				rl.onReject(r)
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller without keeping raw API keys in memory.
// Connections from one host share a bucket whatever their source port.
func clientKey(r *http.Request) string {
	if key := ExtractAPIKey(r); key != "" {
		sum := sha256.Sum256([]byte(key))
		return "key:" + hex.EncodeToString(sum[:8])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "host:" + host
}
