// Package tenant binds the tenant from a validated credential to the request's
// tenant context for exactly the lifetime of the request.
package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	id "tenancy/pkg/domain"
	request "tenancy/pkg/platform/middleware/request"
	"tenancy/pkg/requestcontext"
	"tenancy/pkg/tenantctx"
)

func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":"%s","error_description":"%s"}`, errCode, errDesc))
}

// Context must run after auth.RequireAuth. It gives the request its own
// holder, binds the token's tenant claim, serves the request and clears the
// holder on every exit path, panics included. A holder still bound at the end
// is logged as a leak and counted by the tracker's leak hook.
func Context(tracker *tenantctx.Tracker, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tenantID, err := id.ParseTenantID(requestcontext.TenantClaim(ctx))
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - malformed tenant claim",
					"request_id", request.GetRequestID(ctx),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Token is not bound to a valid tenant")
				return
			}

			h := tracker.Begin()
			defer func() {
				if tracker.End(h) {
					logger.ErrorContext(ctx, "tenant context leaked past request",
						"tenant_id", tenantID,
						"request_id", request.GetRequestID(ctx),
					)
				}
			}()

			served := false
			err = tenantctx.Run(ctx, h, tenantID, func(ctx context.Context) error {
				served = true
				next.ServeHTTP(w, r.WithContext(ctx))
				return nil
			})
			if err != nil && !served {
				logger.ErrorContext(ctx, "failed to establish tenant context",
					"error", err,
					"tenant_id", tenantID,
					"request_id", request.GetRequestID(ctx),
				)
				writeJSONError(w, http.StatusInternalServerError, "internal_error", "Tenant context could not be established")
			}
		})
	}
}
