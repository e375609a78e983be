package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"tenancy/internal/identity/memory"
	"tenancy/internal/tenant/models"
	"tenancy/internal/tenant/service"
	"tenancy/internal/tenant/store/cooldown"
	domainstore "tenancy/internal/tenant/store/domain"
	tenantstore "tenancy/internal/tenant/store/tenant"
	id "tenancy/pkg/domain"
	"tenancy/pkg/platform/middleware/admin"
	"tenancy/pkg/platform/middleware/auth"
	tenantmw "tenancy/pkg/platform/middleware/tenant"
	"tenancy/pkg/tenantctx"
)

const adminToken = "secret-token"

type tokenValidator map[string]*auth.JWTClaims

func (v tokenValidator) ValidateToken(token string) (*auth.JWTClaims, error) {
	claims, ok := v[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return claims, nil
}

type HandlerSuite struct {
	suite.Suite
	idp     *memory.IdentityProvider
	tenants *tenantstore.InMemory
	tokens  tokenValidator
	router  http.Handler
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.idp = memory.New()
	s.tenants = tenantstore.NewInMemory()
	s.tokens = tokenValidator{}
	s.router = s.newRouter()
}

func (s *HandlerSuite) newRouter(opts ...Option) http.Handler {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := service.NewDomainRegistry(domainstore.NewInMemory(), service.WithLogger(logger))
	s.Require().NoError(registry.SeedPublicDomains(ctx, "gmail.com", "yahoo.com"))

	signup := service.NewSignupOrchestrator(s.tenants, registry, s.idp,
		service.WithLogger(logger),
		service.WithResendCooldown(cooldown.NewInMemory(), time.Minute),
	)
	tenants := service.NewTenantService(s.tenants, registry, service.WithLogger(logger))
	h := New(signup, tenants, logger, opts...)

	r := chi.NewRouter()
	h.RegisterPublic(r)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(s.tokens, logger, nil))
		r.Use(tenantmw.Context(tenantctx.NewTracker(), logger))
		h.RegisterTenant(r)
	})
	r.Group(func(r chi.Router) {
		r.Use(admin.RequireAdminToken(adminToken, logger))
		h.RegisterAdmin(r)
	})
	return r
}

func (s *HandlerSuite) do(method, target string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &decoded), rec.Body.String())
	}
	return rec, decoded
}

func signupBody(address, company string) map[string]string {
	return map[string]string{
		"email":       address,
		"password":    "Str0ng!Pass",
		"companyName": company,
		"firstName":   "Ada",
		"lastName":    "Lovelace",
	}
}

func (s *HandlerSuite) signup(address, company string) id.TenantID {
	rec, body := s.do(http.MethodPost, "/api/v1/auth/signup", signupBody(address, company), nil)
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	return id.TenantID(body["tenantId"].(string))
}

func (s *HandlerSuite) TestSignupCreated() {
	rec, body := s.do(http.MethodPost, "/api/v1/auth/signup", signupBody("Admin@Acme.com", "Acme"), nil)

	s.Equal(http.StatusCreated, rec.Code)
	s.Equal(true, body["success"])
	s.Equal(true, body["requiresEmailVerification"])
	s.Equal(false, body["verificationResendRequired"])
	s.NotEmpty(body["userId"])
	s.True(id.IsWellFormedTenantID(body["tenantId"].(string)))

	tenant, err := s.tenants.FindByEmail(context.Background(), "admin@acme.com")
	s.Require().NoError(err)
	s.Equal(models.TenantStatusPendingEmailVerification, tenant.Status)
}

func (s *HandlerSuite) TestSignupRejections() {
	s.signup("admin@acme.com", "Acme")

	s.Run("email exists", func() {
		rec, body := s.do(http.MethodPost, "/api/v1/auth/signup", signupBody("admin@acme.com", "Other Co"), nil)
		s.Equal(http.StatusConflict, rec.Code)
		s.Equal("EMAIL_EXISTS", body["error"])
		s.Equal(false, body["success"])
	})

	s.Run("company exists carries the admin contact", func() {
		rec, body := s.do(http.MethodPost, "/api/v1/auth/signup", signupBody("founder@gmail.com", "ACME"), nil)
		s.Equal(http.StatusConflict, rec.Code)
		s.Equal("COMPANY_EXISTS", body["error"])
		s.Equal("Acme", body["companyName"])
		s.Equal("admin@acme.com", body["adminEmail"])
	})

	s.Run("domain locked", func() {
		rec, body := s.do(http.MethodPost, "/api/v1/auth/signup", signupBody("hr@acme.com", "Acme Two"), nil)
		s.Equal(http.StatusConflict, rec.Code)
		s.Equal("DOMAIN_LOCKED", body["error"])
	})

	s.Run("public domain is never locked", func() {
		s.signup("first@gmail.com", "First Co")
		s.signup("second@gmail.com", "Second Co")
	})
}

func (s *HandlerSuite) TestSignupValidation() {
	s.Run("field errors", func() {
		payload := signupBody("not-an-email", "A")
		payload["password"] = "weak"
		rec, body := s.do(http.MethodPost, "/api/v1/auth/signup", payload, nil)
		s.Equal(http.StatusBadRequest, rec.Code)
		s.Equal("VALIDATION_ERROR", body["error"])
		fields, ok := body["fields"].(map[string]any)
		s.Require().True(ok)
		s.Contains(fields, "email")
		s.Contains(fields, "password")
		s.Contains(fields, "companyName")
	})

	s.Run("unknown fields", func() {
		payload := signupBody("admin@acme.com", "Acme")
		payload["plan"] = "ENTERPRISE"
		rec, body := s.do(http.MethodPost, "/api/v1/auth/signup", payload, nil)
		s.Equal(http.StatusBadRequest, rec.Code)
		s.Equal("VALIDATION_ERROR", body["error"])
	})
}

func (s *HandlerSuite) TestSignupPartialFailure() {
	s.idp.FailOn(memory.OpCreatePrincipal, errors.New("connection refused"))

	rec, body := s.do(http.MethodPost, "/api/v1/auth/signup", signupBody("admin@acme.com", "Acme"), nil)
	s.Equal(http.StatusServiceUnavailable, rec.Code)
	s.Equal("IDENTITY_PROVIDER_FAILURE", body["error"])
	s.Equal(string(models.TenantStatusPendingIdentityProviderSetup), body["status"])
	s.NotEmpty(body["tenantId"])
}

func (s *HandlerSuite) TestSignupIdentityProviderCheckFailure() {
	s.idp.FailOn(memory.OpExistsByEmail, errors.New("timeout"))

	rec, body := s.do(http.MethodPost, "/api/v1/auth/signup", signupBody("admin@acme.com", "Acme"), nil)
	s.Equal(http.StatusServiceUnavailable, rec.Code)
	s.Equal("IDENTITY_PROVIDER_FAILURE", body["error"])
	s.Nil(body["tenantId"])
}

func (s *HandlerSuite) TestCheckEmail() {
	s.signup("admin@acme.com", "Acme")

	rec, body := s.do(http.MethodGet, "/api/v1/auth/check-email?email=admin@acme.com", nil, nil)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(false, body["available"])

	rec, body = s.do(http.MethodGet, "/api/v1/auth/check-email?email=new@acme.com", nil, nil)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(true, body["available"])

	rec, _ = s.do(http.MethodGet, "/api/v1/auth/check-email", nil, nil)
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *HandlerSuite) TestResendVerification() {
	s.signup("admin@acme.com", "Acme")

	rec, body := s.do(http.MethodPost, "/api/v1/auth/resend-verification", map[string]string{"email": "admin@acme.com"}, nil)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(true, body["success"])

	rec, body = s.do(http.MethodPost, "/api/v1/auth/resend-verification", map[string]string{"email": "admin@acme.com"}, nil)
	s.Equal(http.StatusTooManyRequests, rec.Code)
	s.Equal("RATE_LIMITED", body["error"])

	rec, body = s.do(http.MethodPost, "/api/v1/auth/resend-verification", map[string]string{"email": "nobody@acme.com"}, nil)
	s.Equal(http.StatusNotFound, rec.Code)
	s.Equal("NOT_FOUND", body["error"])
}

func (s *HandlerSuite) TestCurrentTenant() {
	tenantID := s.signup("admin@acme.com", "Acme")
	s.tokens["acme"] = &auth.JWTClaims{Subject: "kc-1", TenantID: tenantID.String(), Email: "admin@acme.com"}
	bearer := map[string]string{"Authorization": "Bearer acme"}

	rec, body := s.do(http.MethodGet, "/api/v1/tenant/me", nil, bearer)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(tenantID.String(), body["tenant_id"])
	s.Equal("Acme", body["name"])

	rec, body = s.do(http.MethodGet, "/api/v1/tenant/context", nil, bearer)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(tenantID.String(), body["jwtTenantId"])
	s.Equal(tenantID.String(), body["contextTenantId"])
	s.Equal("disabled", body["sessionBinding"])
	s.Equal(true, body["consistent"])

	rec, _ = s.do(http.MethodGet, "/api/v1/tenant/me", nil, nil)
	s.Equal(http.StatusUnauthorized, rec.Code)
}

type stubSession struct {
	bound id.TenantID
}

func (s stubSession) RunInTenantTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s stubSession) ReadBoundTenant(context.Context) (id.TenantID, bool, error) {
	return s.bound, s.bound != "", nil
}

func (s *HandlerSuite) TestTenantContextReportsSessionMismatch() {
	s.router = s.newRouter(WithSessionInspector(stubSession{bound: "zzzzzzzzzzzz"}))
	tenantID := s.signup("admin@acme.com", "Acme")
	s.tokens["acme"] = &auth.JWTClaims{Subject: "kc-1", TenantID: tenantID.String()}

	rec, body := s.do(http.MethodGet, "/api/v1/tenant/context", nil, map[string]string{"Authorization": "Bearer acme"})
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("enabled", body["sessionBinding"])
	s.Equal("zzzzzzzzzzzz", body["sessionTenantId"])
	s.Equal(false, body["consistent"])
}

func (s *HandlerSuite) TestAdminTokenRequired() {
	tenantID := s.signup("admin@acme.com", "Acme")
	rec, _ := s.do(http.MethodGet, "/admin/tenants/"+tenantID.String(), nil, nil)
	s.Equal(http.StatusUnauthorized, rec.Code)
}

func (s *HandlerSuite) TestAdminLifecycle() {
	tenantID := s.signup("admin@acme.com", "Acme")
	headers := map[string]string{"X-Admin-Token": adminToken}
	base := "/admin/tenants/" + tenantID.String()

	rec, body := s.do(http.MethodGet, base, nil, headers)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(string(models.TenantStatusPendingEmailVerification), body["status"])

	rec, body = s.do(http.MethodPost, base+"/activate", nil, headers)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(string(models.TenantStatusActive), body["status"])

	rec, body = s.do(http.MethodPost, base+"/suspend", nil, headers)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(string(models.TenantStatusSuspended), body["status"])

	rec, body = s.do(http.MethodPost, base+"/suspend", nil, headers)
	s.Equal(http.StatusConflict, rec.Code)
	s.Equal("conflict", body["error"])

	rec, body = s.do(http.MethodPost, base+"/deactivate", nil, headers)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(string(models.TenantStatusInactive), body["status"])

	s.Run("deactivation frees the domain", func() {
		s.signup("hr@acme.com", "Acme Reborn")
	})
}

func (s *HandlerSuite) TestAdminErrors() {
	headers := map[string]string{"X-Admin-Token": adminToken}

	rec, _ := s.do(http.MethodGet, "/admin/tenants/NOT-VALID", nil, headers)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec, body := s.do(http.MethodGet, "/admin/tenants/zzzzzzzzzzzz", nil, headers)
	s.Equal(http.StatusNotFound, rec.Code)
	s.Equal("not_found", body["error"])
}

func TestWriteAuthErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	writeAuthError(rec, errors.New("pq: connection reset by peer"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "pq:") {
		t.Fatalf("internal detail leaked: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"INTERNAL_ERROR"`) {
		t.Fatalf("expected INTERNAL_ERROR kind, got %s", rec.Body.String())
	}
}
