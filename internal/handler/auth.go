package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"security-engine/internal/audit"
	"security-engine/internal/hashing"
	"security-engine/internal/service"
	"security-engine/internal/util"
)

type actorKey struct{}

// ActorHeader names the operator on whose behalf an admin call is made.
const ActorHeader = "X-Actor"

const anonymousActor = "anonymous"

// AdminAuth requires "Authorization: Bearer <token>". With an empty token
// every caller is let through as an anonymous operator, which the config
// only allows outside production.
func AdminAuth(token string, logger *zap.Logger) func(http.Handler) http.Handler {
	if token == "" {
		logger.Warn("Admin API token not configured, admin routes are unauthenticated")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actorID := strings.TrimSpace(r.Header.Get(ActorHeader))
			if token != "" {
				presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
				if !ok || !hashing.SecureCompare([]byte(presented), []byte(token)) {
					logger.Warn("Rejected admin request",
						util.String("path", r.URL.Path),
						util.String("remote_addr", r.RemoteAddr))
					respondWithJSON(w, logger, http.StatusUnauthorized, Response{
						Success: false,
						Error:   "unauthorized",
						Code:    "unauthorized",
					})
					return
				}
				if actorID == "" {
					actorID = "admin"
				}
			}
			if actorID == "" {
				actorID = anonymousActor
			}

			actor := service.Actor{
				ID: actorID,
				Request: audit.RequestMetadata{
					RequestID: middleware.GetReqID(r.Context()),
					IPAddress: r.RemoteAddr,
					UserAgent: r.UserAgent(),
				},
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
		})
	}
}

func actorFrom(ctx context.Context) service.Actor {
	if a, ok := ctx.Value(actorKey{}).(service.Actor); ok {
		return a
	}
	return service.Actor{ID: anonymousActor}
}
