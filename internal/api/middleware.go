package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/gateway"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyPrincipal is the context key under which the authenticated
	// *gateway.Principal is stored after successful API-key validation.
	contextKeyPrincipal contextKey = iota
)

// Authenticate validates the API key on every request using the same
// authenticator the WebSocket gateway uses. On success the resolved principal
// is stored in the request context; on failure it writes a 401 with the
// stable error code in both the body and the X-Error-Code header.
func Authenticate(auth *gateway.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := auth.Authenticate(r.Context(), r)
			if err != nil {
				var authErr *gateway.AuthError
				if errors.As(err, &authErr) {
					w.Header().Set("X-Error-Code", authErr.Code)
					errJSON(w, http.StatusUnauthorized, authErr.Message, authErr.Code)
					return
				}
				ErrUnauthorized(w, "authentication required")
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyPrincipal, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireWriter rejects viewers. Must run after Authenticate.
func RequireWriter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFromCtx(r.Context())
		if p == nil {
			ErrUnauthorized(w, "authentication required")
			return
		}
		if p.Role == gateway.RoleViewer {
			ErrForbidden(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireElevated allows only admins and operators. Gates the secrets vault
// reveal and rotate operations.
func RequireElevated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFromCtx(r.Context())
		if p == nil {
			ErrUnauthorized(w, "authentication required")
			return
		}
		if p.Role != gateway.RoleAdmin && p.Role != gateway.RoleOperator {
			ErrForbidden(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and latency.
// Chi's middleware.RequestID is expected to run before this middleware so
// that the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// principalFromCtx retrieves the principal stored by the Authenticate
// middleware. Returns nil if the request is unauthenticated.
func principalFromCtx(ctx context.Context) *gateway.Principal {
	p, _ := ctx.Value(contextKeyPrincipal).(*gateway.Principal)
	return p
}
