package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/docgate/docgate/internal/logging"
)

type apiKeyKey struct{}

// APIKeyFromContext returns the bearer key the middleware extracted from the
// request.
func APIKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(apiKeyKey{}).(string)
	return key, ok
}

// ContextWithAPIKey attaches a bearer key to the context. Exposed for tests.
func ContextWithAPIKey(ctx context.Context, apiKey string) context.Context {
	return context.WithValue(ctx, apiKeyKey{}, apiKey)
}

// RequireAPIKey extracts and validates the Bearer credential. Header name
// and scheme are matched case-insensitively. A missing credential yields
// 401; a key the store has never seen yields 403. Per-repository
// authorization happens later, on each tool call.
func (s *Server) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		header := r.Header.Get("Authorization")
		if header == "" {
			logger.DebugContext(ctx, "Request without credential", "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "missing Bearer credential in Authorization header")
			return
		}

		scheme, key, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			writeError(w, http.StatusUnauthorized, "Authorization header must use the Bearer scheme")
			return
		}
		key = strings.TrimSpace(key)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing Bearer credential in Authorization header")
			return
		}

		if !s.binding.KnownKey(ctx, key) {
			logger.WarnContext(ctx, "Rejected unknown API key", "path", r.URL.Path)
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithAPIKey(ctx, key)))
	})
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail}) //nolint:errcheck
}
