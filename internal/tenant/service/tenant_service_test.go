package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	tenantmetrics "tenancy/internal/tenant/metrics"
	"tenancy/internal/tenant/models"
	"tenancy/internal/tenant/service/mocks"
	domainstore "tenancy/internal/tenant/store/domain"
	tenantstore "tenancy/internal/tenant/store/tenant"
	id "tenancy/pkg/domain"
	dErrors "tenancy/pkg/domain-errors"
	"tenancy/pkg/platform/audit"
	"tenancy/pkg/requestcontext"
	"tenancy/pkg/tenantctx"
)

type TenantServiceSuite struct {
	suite.Suite
	ctx     context.Context
	tenants *tenantstore.InMemory
	domains *domainstore.InMemory
	metrics *tenantmetrics.Metrics
	svc     *TenantService
}

func TestTenantServiceSuite(t *testing.T) {
	suite.Run(t, new(TenantServiceSuite))
}

func (s *TenantServiceSuite) SetupTest() {
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	s.tenants = tenantstore.NewInMemory()
	s.domains = domainstore.NewInMemory()
	s.metrics = tenantmetrics.NewWithRegisterer(prometheus.NewRegistry())
	s.svc = NewTenantService(s.tenants, NewDomainRegistry(s.domains), WithMetrics(s.metrics))
}

func (s *TenantServiceSuite) seed(tenantID id.TenantID, status models.TenantStatus) {
	t, err := models.NewTenant(tenantID, "Tenant "+tenantID.String(), tenantID.String()+"@acme.io", "", "seed", time.Now())
	s.Require().NoError(err)
	t.Status = status
	s.Require().NoError(s.tenants.Create(s.ctx, t))
}

func (s *TenantServiceSuite) TestGetTenant() {
	s.seed("aaaaaaaaaaaa", models.TenantStatusActive)

	t, err := s.svc.GetTenant(s.ctx, "aaaaaaaaaaaa")
	s.Require().NoError(err)
	s.Equal(models.TenantStatusActive, t.Status)

	_, err = s.svc.GetTenant(s.ctx, "zzzzzzzzzzzz")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	_, err = s.svc.GetTenant(s.ctx, "../etc")
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
}

func (s *TenantServiceSuite) TestLifecycleTransitions() {
	s.seed("aaaaaaaaaaaa", models.TenantStatusPendingEmailVerification)

	t, err := s.svc.ActivateTenant(s.ctx, "aaaaaaaaaaaa")
	s.Require().NoError(err)
	s.Equal(models.TenantStatusActive, t.Status)
	s.Equal(requestcontext.Now(s.ctx), t.UpdatedAt)

	t, err = s.svc.SuspendTenant(s.ctx, "aaaaaaaaaaaa")
	s.Require().NoError(err)
	s.Equal(models.TenantStatusSuspended, t.Status)

	t, err = s.svc.ActivateTenant(s.ctx, "aaaaaaaaaaaa")
	s.Require().NoError(err)
	s.Equal(models.TenantStatusActive, t.Status)

	s.Equal(2.0, testutil.ToFloat64(s.metrics.StatusTransitions.WithLabelValues(string(models.TenantStatusActive))))
}

func (s *TenantServiceSuite) TestInvalidTransitionsConflict() {
	s.seed("aaaaaaaaaaaa", models.TenantStatusActive)
	s.seed("bbbbbbbbbbbb", models.TenantStatusPendingIdentityProviderSetup)

	_, err := s.svc.ActivateTenant(s.ctx, "aaaaaaaaaaaa")
	s.Require().ErrorIs(err, dErrors.New(dErrors.CodeConflict, "tenant is already active"))

	_, err = s.svc.SuspendTenant(s.ctx, "bbbbbbbbbbbb")
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))

	_, err = s.svc.ActivateTenant(s.ctx, "bbbbbbbbbbbb")
	s.True(dErrors.HasCode(err, dErrors.CodeConflict), "unverified tenants cannot be activated")

	_, err = s.svc.SuspendTenant(s.ctx, "cccccccccccc")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *TenantServiceSuite) TestDeactivateReleasesOwnedDomains() {
	s.seed("aaaaaaaaaaaa", models.TenantStatusActive)
	_, err := s.domains.Reserve(s.ctx, "acme.io", "aaaaaaaaaaaa", time.Now())
	s.Require().NoError(err)
	_, err = s.domains.Reserve(s.ctx, "acme.dev", "aaaaaaaaaaaa", time.Now())
	s.Require().NoError(err)
	_, err = s.domains.Reserve(s.ctx, "other.io", "bbbbbbbbbbbb", time.Now())
	s.Require().NoError(err)

	t, err := s.svc.DeactivateTenant(s.ctx, "aaaaaaaaaaaa")
	s.Require().NoError(err)
	s.Equal(models.TenantStatusInactive, t.Status)

	owned, err := s.domains.ListByOwner(s.ctx, "aaaaaaaaaaaa")
	s.Require().NoError(err)
	s.Empty(owned)

	other, err := s.domains.Find(s.ctx, "other.io")
	s.Require().NoError(err)
	s.True(other.LockedTo("bbbbbbbbbbbb"))

	_, err = s.svc.DeactivateTenant(s.ctx, "aaaaaaaaaaaa")
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *TenantServiceSuite) TestReactivationReclaimsDomain() {
	s.seed("aaaaaaaaaaaa", models.TenantStatusActive)
	registry := NewDomainRegistry(s.domains)
	s.Require().NoError(registry.Reserve(s.ctx, "acme.io", "aaaaaaaaaaaa"))

	_, err := s.svc.DeactivateTenant(s.ctx, "aaaaaaaaaaaa")
	s.Require().NoError(err)
	accepted, err := registry.IsEmailAcceptedByTenant(s.ctx, "new.hire@acme.io", "aaaaaaaaaaaa")
	s.Require().NoError(err)
	s.False(accepted)

	t, err := s.svc.ActivateTenant(s.ctx, "aaaaaaaaaaaa")
	s.Require().NoError(err)
	s.Equal(models.TenantStatusActive, t.Status)

	accepted, err = registry.IsEmailAcceptedByTenant(s.ctx, "new.hire@acme.io", "aaaaaaaaaaaa")
	s.Require().NoError(err)
	s.True(accepted, "reactivated tenant owns its domain again")
	d, err := s.domains.Find(s.ctx, "acme.io")
	s.Require().NoError(err)
	s.True(d.LockedTo("aaaaaaaaaaaa"))
}

func (s *TenantServiceSuite) TestReactivationBlockedByNewDomainOwner() {
	s.seed("aaaaaaaaaaaa", models.TenantStatusInactive)
	_, err := s.domains.Reserve(s.ctx, "acme.io", "bbbbbbbbbbbb", time.Now())
	s.Require().NoError(err)

	_, err = s.svc.ActivateTenant(s.ctx, "aaaaaaaaaaaa")
	s.True(dErrors.HasCode(err, dErrors.CodeDomainLocked))

	t, err := s.svc.GetTenant(s.ctx, "aaaaaaaaaaaa")
	s.Require().NoError(err)
	s.Equal(models.TenantStatusInactive, t.Status)
	d, err := s.domains.Find(s.ctx, "acme.io")
	s.Require().NoError(err)
	s.True(d.LockedTo("bbbbbbbbbbbb"))
	s.Zero(testutil.ToFloat64(s.metrics.StatusTransitions.WithLabelValues(string(models.TenantStatusActive))))
}

func (s *TenantServiceSuite) TestReactivationSkipsPublicDomain() {
	registry := NewDomainRegistry(s.domains)
	s.Require().NoError(registry.SeedPublicDomains(s.ctx, "gmail.com"))
	t, err := models.NewTenant("aaaaaaaaaaaa", "Solo Consulting", "solo@gmail.com", "", "seed", time.Now())
	s.Require().NoError(err)
	t.Status = models.TenantStatusInactive
	s.Require().NoError(s.tenants.Create(s.ctx, t))

	t, err = s.svc.ActivateTenant(s.ctx, "aaaaaaaaaaaa")
	s.Require().NoError(err)
	s.Equal(models.TenantStatusActive, t.Status)

	d, err := s.domains.Find(s.ctx, "gmail.com")
	s.Require().NoError(err)
	s.True(d.IsPublic)
	s.False(d.IsLocked)
}

func (s *TenantServiceSuite) TestDeactivateIsAllOrNothing() {
	failing := &failingReleaseStore{InMemory: s.domains, failOn: "acme.io"}
	s.svc = NewTenantService(s.tenants, NewDomainRegistry(failing), WithMetrics(s.metrics))
	s.seed("aaaaaaaaaaaa", models.TenantStatusActive)
	_, err := s.domains.Reserve(s.ctx, "acme.dev", "aaaaaaaaaaaa", time.Now())
	s.Require().NoError(err)
	_, err = s.domains.Reserve(s.ctx, "acme.io", "aaaaaaaaaaaa", time.Now())
	s.Require().NoError(err)

	_, err = s.svc.DeactivateTenant(s.ctx, "aaaaaaaaaaaa")
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))

	t, err := s.svc.GetTenant(s.ctx, "aaaaaaaaaaaa")
	s.Require().NoError(err)
	s.Equal(models.TenantStatusActive, t.Status, "status unchanged when a release fails")
	owned, err := s.domains.ListByOwner(s.ctx, "aaaaaaaaaaaa")
	s.Require().NoError(err)
	s.Len(owned, 2, "domains released before the failure are locked again")
	s.Zero(testutil.ToFloat64(s.metrics.StatusTransitions.WithLabelValues(string(models.TenantStatusInactive))))
}

func (s *TenantServiceSuite) TestTransitionsAreAudited() {
	ctrl := gomock.NewController(s.T())
	publisher := mocks.NewMockAuditPublisher(ctrl)
	s.svc = NewTenantService(s.tenants, nil, WithAuditPublisher(publisher))
	s.seed("aaaaaaaaaaaa", models.TenantStatusActive)

	ctx := requestcontext.WithPrincipal(s.ctx, requestcontext.Principal{Subject: "operator-1"})
	publisher.EXPECT().Emit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, ev audit.Event) error {
			s.Equal(string(audit.EventTenantSuspended), ev.Action)
			s.Equal(id.TenantID("aaaaaaaaaaaa"), ev.TenantID)
			s.Equal("operator-1", ev.ActorID)
			return nil
		})

	_, err := s.svc.SuspendTenant(ctx, "aaaaaaaaaaaa")
	s.Require().NoError(err)
}

func (s *TenantServiceSuite) TestGetCurrentTenant() {
	s.seed("aaaaaaaaaaaa", models.TenantStatusActive)

	s.Run("requires an established tenant", func() {
		_, err := s.svc.GetCurrentTenant(s.ctx)
		s.True(dErrors.HasCode(err, dErrors.CodeTenantNotEstablished))
	})

	s.Run("reads through the tenant transaction runner", func() {
		runner := &recordingRunner{}
		svc := NewTenantService(s.tenants, nil, WithTenantTx(runner))

		h := &tenantctx.Holder{}
		ctx := tenantctx.Attach(s.ctx, h)
		err := tenantctx.Run(ctx, h, "aaaaaaaaaaaa", func(ctx context.Context) error {
			t, err := svc.GetCurrentTenant(ctx)
			s.Require().NoError(err)
			s.Equal(id.TenantID("aaaaaaaaaaaa"), t.ID)
			return nil
		})
		s.Require().NoError(err)
		s.Equal(1, runner.calls)
	})
}

type recordingRunner struct {
	calls int
}

func (r *recordingRunner) RunInTenantTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.calls++
	return fn(ctx)
}

// failingReleaseStore fails Release for one domain name.
type failingReleaseStore struct {
	*domainstore.InMemory
	failOn string
}

func (f *failingReleaseStore) Release(ctx context.Context, name string, owner id.TenantID, now time.Time) (bool, error) {
	if name == f.failOn {
		return false, errors.New("connection reset by peer")
	}
	return f.InMemory.Release(ctx, name, owner, now)
}
