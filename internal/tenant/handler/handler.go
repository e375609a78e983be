package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"tenancy/internal/tenant/models"
	id "tenancy/pkg/domain"
	dErrors "tenancy/pkg/domain-errors"
	"tenancy/pkg/platform/httputil"
	request "tenancy/pkg/platform/middleware/request"
	"tenancy/pkg/requestcontext"
	"tenancy/pkg/tenantctx"
)

// SignupService runs the public onboarding flow.
type SignupService interface {
	Signup(ctx context.Context, req *models.SignupRequest) (*models.SignupResult, error)
	CheckEmailAvailability(ctx context.Context, email string) (bool, error)
	ResendVerification(ctx context.Context, email string) error
}

// TenantService manages existing tenants.
type TenantService interface {
	GetTenant(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error)
	GetCurrentTenant(ctx context.Context) (*models.Tenant, error)
	ActivateTenant(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error)
	SuspendTenant(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error)
	DeactivateTenant(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error)
}

// SessionInspector exposes the database session binding for diagnostics.
type SessionInspector interface {
	RunInTenantTx(ctx context.Context, fn func(ctx context.Context) error) error
	ReadBoundTenant(ctx context.Context) (id.TenantID, bool, error)
}

type Handler struct {
	signup  SignupService
	tenants TenantService
	session SessionInspector
	logger  *slog.Logger
}

type Option func(*Handler)

// WithSessionInspector enables the session column of /tenant/context.
func WithSessionInspector(s SessionInspector) Option {
	return func(h *Handler) {
		h.session = s
	}
}

func New(signup SignupService, tenants TenantService, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{signup: signup, tenants: tenants, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterPublic mounts the unauthenticated onboarding routes.
func (h *Handler) RegisterPublic(r chi.Router) {
	r.Post("/api/v1/auth/signup", h.handleSignup)
	r.Post("/api/v1/auth/resend-verification", h.handleResendVerification)
	r.Get("/api/v1/auth/check-email", h.handleCheckEmail)
}

// RegisterTenant mounts routes that need an established tenant context. The
// caller must install auth.RequireAuth and tenant.Context on r.
func (h *Handler) RegisterTenant(r chi.Router) {
	r.Get("/api/v1/tenant/me", h.handleGetCurrentTenant)
	r.Get("/api/v1/tenant/context", h.handleTenantContext)
}

// RegisterAdmin mounts operator routes. The caller must guard r with the
// admin token middleware.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Get("/admin/tenants/{id}", h.handleGetTenant)
	r.Post("/admin/tenants/{id}/activate", h.transitionHandler(h.tenants.ActivateTenant))
	r.Post("/admin/tenants/{id}/suspend", h.transitionHandler(h.tenants.SuspendTenant))
	r.Post("/admin/tenants/{id}/deactivate", h.transitionHandler(h.tenants.DeactivateTenant))
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	var req models.SignupRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.logger.WarnContext(ctx, "invalid signup request body",
			"request_id", requestID,
			"error", err.Error(),
		)
		writeAuthError(w, err)
		return
	}

	result, err := h.signup.Signup(ctx, &req)
	if err != nil {
		h.logFailure(ctx, "signup failed", err)
		writeAuthError(w, err)
		return
	}

	switch result.Outcome {
	case models.SignupCompleted:
		h.logger.InfoContext(ctx, "signup completed",
			"request_id", requestID,
			"tenant_id", result.TenantID,
		)
		httputil.WriteJSON(w, http.StatusCreated, newSignupResponse(result))
	case models.SignupPartialFailure:
		h.logger.WarnContext(ctx, "signup left tenant pending identity provider setup",
			"request_id", requestID,
			"tenant_id", result.TenantID,
			"cause", result.Cause,
		)
		httputil.WriteJSON(w, http.StatusServiceUnavailable, authErrorResponse{
			Error:    string(models.RejectionIdentityProviderFailure),
			Message:  "Account creation pending. Please try again later.",
			TenantID: result.TenantID.String(),
			Status:   string(result.Status),
		})
	default:
		rejection := result.Rejection
		if rejection == nil {
			h.logger.ErrorContext(ctx, "signup returned a rejection without a reason", "request_id", requestID)
			writeAuthError(w, dErrors.New(dErrors.CodeInternal, "signup failed"))
			return
		}
		httputil.WriteJSON(w, httputil.StatusFromCode(rejection.Kind.Code()), authErrorResponse{
			Error:       string(rejection.Kind),
			Message:     rejection.Message,
			CompanyName: rejection.CompanyName,
			AdminEmail:  rejection.ExistingContact,
		})
	}
}

func (h *Handler) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req emailRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		writeAuthError(w, err)
		return
	}
	if err := h.signup.ResendVerification(ctx, req.Email); err != nil {
		h.logFailure(ctx, "resend verification failed", err)
		writeAuthError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, messageResponse{
		Success: true,
		Message: "Verification email sent successfully",
	})
}

func (h *Handler) handleCheckEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := r.URL.Query().Get("email")
	if strings.TrimSpace(address) == "" {
		writeAuthError(w, dErrors.New(dErrors.CodeValidation, "email query parameter is required"))
		return
	}
	available, err := h.signup.CheckEmailAvailability(ctx, address)
	if err != nil {
		h.logFailure(ctx, "email availability check failed", err)
		writeAuthError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, availabilityResponse{Available: available})
}

func (h *Handler) handleGetCurrentTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, err := h.tenants.GetCurrentTenant(ctx)
	if err != nil {
		h.logFailure(ctx, "failed to load current tenant", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tenant)
}

// handleTenantContext reports the tenant as seen by the credential, the
// request's tenant context and the database session.
func (h *Handler) handleTenantContext(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contextTenant, _ := tenantctx.Current(ctx)
	resp := tenantContextResponse{
		TokenTenantID:   requestcontext.TenantClaim(ctx),
		ContextTenantID: contextTenant.String(),
		SessionBinding:  "disabled",
	}

	if h.session != nil {
		resp.SessionBinding = "enabled"
		err := h.session.RunInTenantTx(ctx, func(txCtx context.Context) error {
			bound, ok, err := h.session.ReadBoundTenant(txCtx)
			if err != nil {
				return err
			}
			if ok {
				resp.SessionTenantID = bound.String()
			}
			return nil
		})
		if err != nil {
			h.logFailure(ctx, "failed to read session tenant", err)
			httputil.WriteError(w, err)
			return
		}
	}

	resp.Consistent = resp.TokenTenantID == resp.ContextTenantID &&
		(h.session == nil || resp.SessionTenantID == resp.ContextTenantID)
	if !resp.Consistent {
		h.logger.ErrorContext(ctx, "tenant views disagree",
			"request_id", request.GetRequestID(ctx),
			"token_tenant_id", resp.TokenTenantID,
			"context_tenant_id", resp.ContextTenantID,
			"session_tenant_id", resp.SessionTenantID,
		)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant, err := h.tenants.GetTenant(ctx, id.TenantID(chi.URLParam(r, "id")))
	if err != nil {
		h.logFailure(ctx, "failed to load tenant", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tenant)
}

func (h *Handler) transitionHandler(fn func(context.Context, id.TenantID) (*models.Tenant, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tenant, err := fn(ctx, id.TenantID(chi.URLParam(r, "id")))
		if err != nil {
			h.logFailure(ctx, "tenant status change failed", err)
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, tenant)
	}
}

// logFailure logs expected client errors at Warn and everything that maps to
// a 5xx at Error. A missing tenant context is always a defect.
func (h *Handler) logFailure(ctx context.Context, msg string, err error) {
	attrs := []any{
		"request_id", request.GetRequestID(ctx),
		"error", err.Error(),
		"code", string(dErrors.CodeOf(err)),
	}
	status := httputil.StatusFromCode(dErrors.CodeOf(err))
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.ErrorContext(ctx, msg, attrs...)
		return
	}
	h.logger.WarnContext(ctx, msg, attrs...)
}

// writeAuthError renders errors from the onboarding routes in the
// {success, error, message} shape the signup client expects.
func writeAuthError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	status := httputil.StatusFromCode(code)
	resp := authErrorResponse{Error: errorKind(code), Message: dErrors.Message(err)}

	switch {
	case status == http.StatusBadRequest:
		resp.Message = "Invalid request data"
		var fields models.FieldErrors
		if errors.As(err, &fields) {
			resp.Fields = fields
		} else if msg := dErrors.Message(err); msg != "" {
			resp.Message = msg
		}
	case status == http.StatusServiceUnavailable:
		resp.Message = "Authentication service temporarily unavailable. Please try again later."
	case status >= http.StatusInternalServerError:
		resp.Error = "INTERNAL_ERROR"
		resp.Message = "An unexpected error occurred. Please try again later."
	}
	httputil.WriteJSON(w, status, resp)
}

func errorKind(code dErrors.Code) string {
	switch code {
	case dErrors.CodeBadRequest, dErrors.CodeInvalidInput, dErrors.CodeValidation:
		return "VALIDATION_ERROR"
	default:
		return strings.ToUpper(string(code))
	}
}
