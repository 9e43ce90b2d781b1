package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/decisiontrace/internal/config"
)

// readMethods are the only methods the query service answers. Configured
// CORS methods outside this set are ignored.
var readMethods = []string{http.MethodGet, http.MethodHead, http.MethodOptions}

type corsPolicy struct {
	allowAll bool
	origins  map[string]bool
	methods  string
	headers  string
	maxAge   string
}

func newCORSPolicy(cfg config.CORSConfig) corsPolicy {
	p := corsPolicy{origins: make(map[string]bool)}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			p.allowAll = true
			continue
		}
		p.origins[normalizeOrigin(o)] = true
	}

	var methods []string
	for _, m := range cfg.AllowedMethods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if isReadMethod(m) {
			methods = append(methods, m)
		}
	}
	if len(methods) == 0 {
		methods = readMethods
	}
	p.methods = strings.Join(methods, ", ")

	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Content-Type", "Authorization", "X-API-Key", RequestIDHeader}
	}
	p.headers = strings.Join(headers, ", ")

	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 3600
	}
	p.maxAge = strconv.Itoa(maxAge)
	return p
}

func (p corsPolicy) allows(origin string) bool {
	return origin != "" && (p.allowAll || p.origins[normalizeOrigin(origin)])
}

func isReadMethod(m string) bool {
	for _, rm := range readMethods {
		if m == rm {
			return true
		}
	}
	return false
}

// normalizeOrigin lowercases an origin and drops a trailing slash, so
// "http://LocalHost:5173/" matches "http://localhost:5173".
func normalizeOrigin(o string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(o)), "/")
}

// NewCORSMiddleware lets browser frontends read traces from allowed origins.
// Preflights are answered here. A preflight asking for a write method is
// refused with 405 since no route accepts one.
func NewCORSMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	p := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			h.Add("Vary", "Origin")
			if p.allows(origin) {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", p.methods)
				h.Set("Access-Control-Allow-Headers", p.headers)
				h.Set("Access-Control-Expose-Headers", RequestIDHeader)
				h.Set("Access-Control-Max-Age", p.maxAge)
			}

			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if want := r.Header.Get("Access-Control-Request-Method"); want != "" && !isReadMethod(strings.ToUpper(want)) {
				h.Set("Allow", strings.Join(readMethods, ", "))
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
