package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// keyNameContextKey is the context key for the authenticated key name.
type keyNameContextKey struct{}

// AuthMiddleware validates API keys from the request. Keys map client
// names to key values; the name is injected into the request context
// for attribution.
type AuthMiddleware struct {
	keys map[string]string
}

func NewAuthMiddleware(keys map[string]string) *AuthMiddleware {
	return &AuthMiddleware{keys: keys}
}

// Wrap enforces authentication on every route except /healthz. With no
// keys configured everything but /healthz is refused; the gateway never
// runs open by accident.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		candidate := ExtractAPIKey(r)
		if candidate == "" {
			http.Error(w, `{"error":"missing API key"}`, http.StatusUnauthorized)
			return
		}
		name, ok := am.lookup(candidate)
		if !ok {
			http.Error(w, `{"error":"invalid API key"}`, http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), keyNameContextKey{}, name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractAPIKey extracts an API key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header,
// api_key query param (needed for WebSocket clients that cannot set
// headers).
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// lookup uses constant-time comparison to prevent timing attacks.
func (am *AuthMiddleware) lookup(candidate string) (string, bool) {
	for name, key := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return name, true
		}
	}
	return "", false
}

// KeyNameFromContext returns the authenticated key's client name, or
// empty when the request was not authenticated.
func KeyNameFromContext(ctx context.Context) string {
	if name, ok := ctx.Value(keyNameContextKey{}).(string); ok {
		return name
	}
	return ""
}
