/*
middleware.go - Bearer-token authentication and request logging

PURPOSE:
  requireAuth resolves "Authorization: Bearer <token>" to an owner id via
  the auth service and stores it on the request context. Handlers below the
  middleware read the id with ownerID(r) and never see the token. requestLog
  emits one structured line per request.
*/
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/wattwise/meter-engine/meter"
)

type contextKey string

const ownerKey contextKey = "owner"

// requireAuth rejects unauthenticated requests with 401.
func (h *Handlers) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeFailure(w, http.StatusUnauthorized, "Unauthenticated.")
			return
		}

		userID, err := h.auth.VerifyToken(r.Context(), token)
		if err != nil {
			writeFailure(w, http.StatusUnauthorized, "Unauthenticated.")
			return
		}

		ctx := context.WithValue(r.Context(), ownerKey, meter.UserID(userID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ownerID returns the authenticated owner set by requireAuth.
func ownerID(r *http.Request) meter.UserID {
	id, _ := r.Context().Value(ownerKey).(meter.UserID)
	return id
}

// bearerToken extracts the raw token, for logout's revocation call.
func bearerToken(r *http.Request) string {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return token
}

// requestLog logs method, path, status and latency for every request.
func requestLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", chimw.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
