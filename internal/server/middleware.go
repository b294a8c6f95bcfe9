package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Tyrowin/teamchat/internal/auth"
	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Authenticator turns a bearer credential into an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (chat.Identity, error)
}

type identityKey struct{}

// IdentityFrom returns the identity stored by RequireBearer.
func IdentityFrom(ctx context.Context) (chat.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(chat.Identity)
	return id, ok
}

// RequireBearer rejects requests without a valid bearer credential with 401.
func RequireBearer(authn Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := authn.Authenticate(r.Context(), auth.BearerToken(r))
			if err != nil {
				logger.Debug("rejected request credential", zap.String("path", r.URL.Path), zap.Error(err))
				writeError(w, http.StatusUnauthorized, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
		})
	}
}

// requestLogger logs each request once it has been served.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Code: string(chat.KindOf(err)), Error: chat.ErrorText(err)})
}
