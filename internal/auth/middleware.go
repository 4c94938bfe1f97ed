package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/mitsuri-ai/dispatcher/internal/httputil"
)

const bearerScheme = "Bearer "

// Middleware resolves the Bearer key on each request and stores the
// client's AuthInfo in the request context.
func Middleware(store KeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get("X-Request-ID")

			raw, msg := bearerToken(r)
			if msg != "" {
				httputil.WriteAuthError(w, reqID, msg)
				return
			}
			if _, err := ParseKey(raw); err != nil {
				logger.Warn("auth rejected malformed key", "request_id", reqID)
				httputil.WriteAuthError(w, reqID, "Invalid API key")
				return
			}

			meta, err := store.Lookup(r.Context(), HashKey(raw))
			if err != nil {
				logger.Error("key lookup failed", "request_id", reqID, "key_prefix", KeyPrefix(raw), "error", err)
				httputil.WriteInternalError(w, reqID, "Internal error during authentication")
				return
			}
			if meta == nil {
				logger.Warn("auth rejected unknown key", "request_id", reqID, "key_prefix", KeyPrefix(raw))
				httputil.WriteAuthError(w, reqID, "Invalid API key")
				return
			}

			info := &AuthInfo{KeyID: meta.ID, ClientID: meta.ClientID, Quota: meta.Quota}
			next.ServeHTTP(w, r.WithContext(ContextWithAuth(r.Context(), info)))
		})
	}
}

// bearerToken returns the presented key, or a client-facing message
// explaining why there is none.
func bearerToken(r *http.Request) (string, string) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", "Missing Authorization header. Use: Authorization: Bearer <api-key>"
	}
	token, ok := strings.CutPrefix(header, bearerScheme)
	if !ok {
		return "", "Invalid Authorization format. Use: Authorization: Bearer <api-key>"
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", "Empty API key"
	}
	return token, ""
}
