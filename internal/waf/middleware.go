package waf

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"security-engine/internal/models"
)

// BlockHandler is told about every blocked request that produced a threat.
type BlockHandler func(ctx context.Context, t *models.Threat, req *Request)

var blockedBody, _ = json.Marshal(map[string]string{"error": "request blocked"})

// writeBlocked sends the generic rejection. Rule details never leave the
// process.
func writeBlocked(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(blockedBody)
}

// Middleware inspects every request before next runs.
func (e *Engine) Middleware(maxBody int64, onBlock BlockHandler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, err := RequestFromHTTP(r, maxBody)
			if err != nil {
				if errors.Is(err, ErrBodyTooLarge) {
					writeBlocked(w, http.StatusRequestEntityTooLarge)
					return
				}
				e.logger.Warn("Failed to read request for inspection", zap.Error(err))
				writeBlocked(w, http.StatusBadRequest)
				return
			}

			d, err := e.Inspect(r.Context(), req)
			if err != nil {
				e.logger.Error("WAF inspection failed", zap.Error(err))
				writeBlocked(w, http.StatusForbidden)
				return
			}
			if d.Blocked {
				if d.Threat != nil && onBlock != nil {
					onBlock(r.Context(), d.Threat, req)
				}
				writeBlocked(w, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
