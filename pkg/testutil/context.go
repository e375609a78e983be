package testutil

import (
	"net/http"

	"tenancy/pkg/requestcontext"
)

// WithPrincipal adds validated token claims to the request context, the way
// auth.RequireAuth does for authenticated requests.
func WithPrincipal(req *http.Request, subject, tenantClaim string) *http.Request {
	ctx := requestcontext.WithPrincipal(req.Context(), requestcontext.Principal{
		Subject:     subject,
		TenantClaim: tenantClaim,
	})
	return req.WithContext(ctx)
}

// WithAdminToken sets the operator token header.
func WithAdminToken(req *http.Request, token string) *http.Request {
	if token != "" {
		req.Header.Set("X-Admin-Token", token)
	}
	return req
}
