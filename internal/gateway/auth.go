package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/decisiontrace/internal/config"
)

type authContextKey struct{}

// publicPaths answer without a key so liveness and uptime checks keep working.
var publicPaths = map[string]bool{"/health": true}

type apiKey struct {
	digest [sha256.Size]byte
	entry  config.APIKeyEntry
}

// AuthMiddleware requires one of the configured API keys on every trace
// read. /health and CORS preflights are always let through.
type AuthMiddleware struct {
	enabled bool
	keys    []apiKey
}

func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	am := &AuthMiddleware{enabled: cfg.Enabled}
	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		am.keys = append(am.keys, apiKey{digest: sha256.Sum256([]byte(k.Key)), entry: k})
	}
	return am
}

func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="decisiontrace"`)
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		entry, ok := am.match(key)
		if !ok {
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, entry)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractAPIKey reads the key from "Authorization: Bearer", then X-API-Key,
// then the api_key query parameter used by dashboard links opened in a
// browser.
func ExtractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// match compares fixed-size digests in constant time and checks every key,
// so neither the key length nor its position is observable.
func (am *AuthMiddleware) match(candidate string) (config.APIKeyEntry, bool) {
	d := sha256.Sum256([]byte(candidate))
	var found config.APIKeyEntry
	ok := 0
	for _, k := range am.keys {
		if subtle.ConstantTimeCompare(d[:], k.digest[:]) == 1 {
			found = k.entry
			ok = 1
		}
	}
	return found, ok == 1
}

// KeyNameFromContext returns the name of the API key that authenticated the
// request, or "" when auth is off.
func KeyNameFromContext(ctx context.Context) string {
	if entry, ok := ctx.Value(authContextKey{}).(config.APIKeyEntry); ok {
		return entry.Name
	}
	return ""
}
