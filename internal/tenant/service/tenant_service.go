package service

import (
	"context"
	"errors"
	"log/slog"

	tenantmetrics "tenancy/internal/tenant/metrics"
	"tenancy/internal/tenant/models"
	id "tenancy/pkg/domain"
	dErrors "tenancy/pkg/domain-errors"
	"tenancy/pkg/email"
	"tenancy/pkg/platform/sentinel"
	"tenancy/pkg/requestcontext"
	"tenancy/pkg/tenantctx"
)

// TenantService orchestrates tenant lifecycle management.
type TenantService struct {
	tenants      TenantStore
	registry     *DomainRegistry
	tx           StoreTx
	tenantTx     TenantTxRunner
	logger       *slog.Logger
	auditEmitter *auditEmitter
	metrics      *tenantmetrics.Metrics
}

func NewTenantService(tenants TenantStore, registry *DomainRegistry, opts ...Option) *TenantService {
	cfg := newServiceConfig(opts)
	return &TenantService{
		tenants:      tenants,
		registry:     registry,
		tx:           cfg.tx,
		tenantTx:     cfg.tenantTx,
		logger:       cfg.logger,
		auditEmitter: newAuditEmitter(cfg.logger, cfg.auditPublisher),
		metrics:      cfg.metrics,
	}
}

func (s *TenantService) GetTenant(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error) {
	if err := requireTenantID(tenantID); err != nil {
		return nil, err
	}
	tenant, err := s.tenants.FindByTenantID(ctx, tenantID)
	if err != nil {
		return nil, wrapTenantErr(err)
	}
	return tenant, nil
}

// GetCurrentTenant loads the tenant established for this request. With a
// TenantTxRunner the read happens inside a session-bound transaction, so
// row-level policies filter it.
func (s *TenantService) GetCurrentTenant(ctx context.Context) (*models.Tenant, error) {
	tenantID, ok := tenantctx.Current(ctx)
	if !ok {
		return nil, dErrors.New(dErrors.CodeTenantNotEstablished, "tenant context not established")
	}
	if s.tenantTx == nil {
		return s.GetTenant(ctx, tenantID)
	}

	var tenant *models.Tenant
	err := s.tenantTx.RunInTenantTx(ctx, func(txCtx context.Context) error {
		t, err := s.tenants.FindByTenantID(txCtx, tenantID)
		if err != nil {
			return wrapTenantErr(err)
		}
		tenant = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tenant, nil
}

// ActivateTenant moves a verified, suspended or inactive tenant to active.
// Reactivating an inactive tenant locks its contact email domain again in the
// same transaction; if another company claimed the domain meanwhile the call
// fails with CodeDomainLocked and the tenant stays inactive.
func (s *TenantService) ActivateTenant(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error) {
	if err := requireTenantID(tenantID); err != nil {
		return nil, err
	}

	var tenant *models.Tenant
	var change models.TenantStatusChanged
	var reclaimed string
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		current, err := s.tenants.FindByTenantID(txCtx, tenantID)
		if err != nil {
			return wrapTenantErr(err)
		}
		if current.Status == models.TenantStatusInactive {
			if reclaimed, err = s.reclaimDomain(txCtx, current); err != nil {
				return err
			}
		}
		tenant, change, err = s.applyTransition(txCtx, tenantID, models.TenantStatusActive)
		return err
	})
	if err != nil {
		if reclaimed != "" {
			s.undoReclaim(ctx, reclaimed, tenantID)
		}
		return nil, err
	}

	if reclaimed != "" {
		s.auditEmitter.emitDomainReserved(ctx, models.DomainReserved{Domain: reclaimed, TenantID: tenantID})
	}
	s.recordTransition(ctx, change)
	return tenant, nil
}

// SuspendTenant moves an active tenant to suspended.
func (s *TenantService) SuspendTenant(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error) {
	if err := requireTenantID(tenantID); err != nil {
		return nil, err
	}
	tenant, change, err := s.applyTransition(ctx, tenantID, models.TenantStatusSuspended)
	if err != nil {
		return nil, err
	}
	s.recordTransition(ctx, change)
	return tenant, nil
}

// DeactivateTenant moves a tenant to inactive and releases its corporate
// domains so another company may claim them. The status change and the
// releases share one transaction: either both happen or neither does.
func (s *TenantService) DeactivateTenant(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error) {
	if err := requireTenantID(tenantID); err != nil {
		return nil, err
	}

	var tenant *models.Tenant
	var change models.TenantStatusChanged
	var released []string
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		current, err := s.tenants.FindByTenantID(txCtx, tenantID)
		if err != nil {
			return wrapTenantErr(err)
		}
		if err := transitionConflict(current.CanTransition(models.TenantStatusInactive)); err != nil {
			return err
		}
		if s.registry != nil {
			released, err = s.registry.unlockAllOwnedBy(txCtx, tenantID)
			if err != nil {
				return err
			}
		}
		tenant, change, err = s.applyTransition(txCtx, tenantID, models.TenantStatusInactive)
		return err
	})
	if err != nil {
		s.restoreDomains(ctx, released, tenantID)
		return nil, err
	}

	for _, domain := range released {
		s.auditEmitter.emitDomainReleased(ctx, models.DomainReleased{Domain: domain, TenantID: tenantID})
	}
	s.recordTransition(ctx, change)
	return tenant, nil
}

// reclaimDomain locks an inactive tenant's contact domain again. Public
// domains and domains it still owns need nothing. It returns the domain only
// when this call locked it.
func (s *TenantService) reclaimDomain(ctx context.Context, t *models.Tenant) (string, error) {
	if s.registry == nil {
		return "", nil
	}
	domain, err := email.Domain(t.Email)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "tenant contact email is malformed")
	}
	domain = models.NormalizeDomain(domain)
	c, err := s.registry.Classify(ctx, domain)
	if err != nil {
		return "", err
	}
	switch c.Kind {
	case models.DomainPublic:
		return "", nil
	case models.DomainLockedTo:
		if c.Owner == t.ID {
			return "", nil
		}
		return "", dErrors.New(dErrors.CodeDomainLocked, "email domain was registered to another company while the tenant was inactive")
	}
	if err := s.registry.reserve(ctx, domain, t.ID); err != nil {
		return "", err
	}
	return domain, nil
}

// undoReclaim releases a domain locked by a reactivation that did not
// commit. Guarded by owner, so after a rolled-back transaction it is a no-op.
func (s *TenantService) undoReclaim(ctx context.Context, domain string, tenantID id.TenantID) {
	if _, err := s.registry.unlock(ctx, domain, tenantID); err != nil {
		s.logger.ErrorContext(ctx, "failed to release domain after failed reactivation",
			"domain", domain,
			"tenant_id", tenantID.String(),
			"error", err,
		)
	}
}

// restoreDomains locks domains released by a deactivation that did not
// commit. After a rolled-back transaction the tenant still owns them and
// reserving again is a no-op.
func (s *TenantService) restoreDomains(ctx context.Context, domains []string, tenantID id.TenantID) {
	for _, domain := range domains {
		if err := s.registry.reserve(ctx, domain, tenantID); err != nil {
			s.logger.ErrorContext(ctx, "failed to restore domain after failed deactivation",
				"domain", domain,
				"tenant_id", tenantID.String(),
				"error", err,
			)
		}
	}
}

// applyTransition uses the Execute callback pattern for atomic
// validate-then-mutate. The store's Execute method holds the lock (mutex or
// FOR UPDATE) during both validation and mutation.
func (s *TenantService) applyTransition(ctx context.Context, tenantID id.TenantID, to models.TenantStatus) (*models.Tenant, models.TenantStatusChanged, error) {
	now := requestcontext.Now(ctx)
	var from models.TenantStatus
	tenant, err := s.tenants.Execute(ctx, tenantID,
		func(t *models.Tenant) error {
			if err := transitionConflict(t.CanTransition(to)); err != nil {
				return err
			}
			from = t.Status
			return nil
		},
		func(t *models.Tenant) {
			t.ApplyTransition(to, now)
		},
	)
	if err != nil {
		return nil, models.TenantStatusChanged{}, wrapTenantErr(err)
	}
	return tenant, models.TenantStatusChanged{TenantID: tenant.ID, From: from, To: to}, nil
}

func (s *TenantService) recordTransition(ctx context.Context, change models.TenantStatusChanged) {
	s.auditEmitter.emitStatusChanged(ctx, change)
	if s.metrics != nil {
		s.metrics.IncrementStatusTransition(string(change.To))
	}
}

// transitionConflict reports a lifecycle rule violation as CodeConflict.
func transitionConflict(err error) error {
	if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
		return dErrors.New(dErrors.CodeConflict, dErrors.Message(err))
	}
	return err
}

func requireTenantID(tenantID id.TenantID) error {
	if _, err := id.ParseTenantID(tenantID.String()); err != nil {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid tenant ID")
	}
	return nil
}

// wrapTenantErr passes coded errors through and translates store sentinels.
func wrapTenantErr(err error) error {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "tenant not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load tenant")
}
