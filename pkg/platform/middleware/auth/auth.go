package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	request "tenancy/pkg/platform/middleware/request"
	"tenancy/pkg/requestcontext"
)

// JWTValidator defines the interface for validating JWT tokens
type JWTValidator interface {
	ValidateToken(tokenString string) (*JWTClaims, error)
}

// JWTClaims represents the claims we expect from the JWT validator
type JWTClaims struct {
	Subject  string
	TenantID string
	Email    string
}

// writeJSONError writes a JSON error response with the given status code and error details.
func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":"%s","error_description":"%s"}`, errCode, errDesc))
}

// RequireAuth validates the bearer token and stores its claims in the request
// context. It never touches the tenant context; that is bound downstream only
// after this middleware accepted the credential.
func RequireAuth(validator JWTValidator, logger *slog.Logger, onReject func()) func(http.Handler) http.Handler {
	reject := func(w http.ResponseWriter, r *http.Request, msg, desc string, err error) {
		ctx := r.Context()
		attrs := []any{"request_id", request.GetRequestID(ctx)}
		if err != nil {
			attrs = append(attrs, "error", err)
		}
		logger.WarnContext(ctx, msg, attrs...)
		if onReject != nil {
			onReject()
		}
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", desc)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			const bearerPrefix = "Bearer "
			token, ok := strings.CutPrefix(authHeader, bearerPrefix)
			if !ok || token == "" {
				reject(w, r, "unauthorized access - missing token", "Missing or invalid Authorization header", nil)
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				reject(w, r, "unauthorized access - invalid token", "Invalid or expired token", err)
				return
			}
			if claims.TenantID == "" {
				reject(w, r, "unauthorized access - token has no tenant claim", "Token is not bound to a tenant", nil)
				return
			}

			ctx := requestcontext.WithPrincipal(r.Context(), requestcontext.Principal{
				Subject:     claims.Subject,
				TenantClaim: claims.TenantID,
				Email:       claims.Email,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
