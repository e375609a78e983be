package service

import (
	"context"
	"errors"
	"log/slog"

	"tenancy/internal/tenant/models"
	id "tenancy/pkg/domain"
	dErrors "tenancy/pkg/domain-errors"
	"tenancy/pkg/email"
	"tenancy/pkg/platform/sentinel"
	"tenancy/pkg/requestcontext"
)

// DomainRegistry answers which tenant, if any, owns an email domain and
// enforces single-owner locking of corporate domains.
type DomainRegistry struct {
	domains      DomainStore
	logger       *slog.Logger
	auditEmitter *auditEmitter
}

func NewDomainRegistry(domains DomainStore, opts ...Option) *DomainRegistry {
	cfg := newServiceConfig(opts)
	return &DomainRegistry{
		domains:      domains,
		logger:       cfg.logger,
		auditEmitter: newAuditEmitter(cfg.logger, cfg.auditPublisher),
	}
}

// Classify reports whether domain is public, free to claim, or locked.
// Unknown domains are available.
func (r *DomainRegistry) Classify(ctx context.Context, domain string) (models.Classification, error) {
	d, err := r.domains.Find(ctx, models.NormalizeDomain(domain))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return models.Classify(nil), nil
		}
		return models.Classification{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to classify domain")
	}
	return models.Classify(d), nil
}

// Reserve locks domain to tenantID. Reserving again for the same tenant
// succeeds; a lock held by another tenant is CodeDomainLocked.
func (r *DomainRegistry) Reserve(ctx context.Context, domain string, tenantID id.TenantID) error {
	domain = models.NormalizeDomain(domain)
	if domain == "" {
		return dErrors.New(dErrors.CodeValidation, "domain is required")
	}
	if tenantID.IsNil() {
		return dErrors.New(dErrors.CodeInvariantViolation, "domain owner is required")
	}
	if err := r.reserve(ctx, domain, tenantID); err != nil {
		return err
	}
	r.auditEmitter.emitDomainReserved(ctx, models.DomainReserved{Domain: domain, TenantID: tenantID})
	return nil
}

// reserve locks the domain without emitting an audit event, for callers that
// emit after their transaction commits.
func (r *DomainRegistry) reserve(ctx context.Context, domain string, tenantID id.TenantID) error {
	d, err := r.domains.Reserve(ctx, domain, tenantID, requestcontext.Now(ctx))
	if err != nil {
		switch {
		case errors.Is(err, sentinel.ErrConflict):
			return dErrors.New(dErrors.CodeDomainLocked, "email domain is already registered to another company")
		case errors.Is(err, sentinel.ErrInvalidState):
			return dErrors.New(dErrors.CodeInvariantViolation, "public domain cannot be locked")
		default:
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to reserve domain")
		}
	}
	return d.Validate()
}

// Release unlocks domain. Public and unknown domains are left alone.
func (r *DomainRegistry) Release(ctx context.Context, domain string) error {
	_, err := r.releaseOwned(ctx, domain, "")
	return err
}

// releaseOwned unlocks domain only while it is still locked to owner, or
// unconditionally for an empty owner, and audits the release.
func (r *DomainRegistry) releaseOwned(ctx context.Context, domain string, owner id.TenantID) (bool, error) {
	domain = models.NormalizeDomain(domain)
	released, err := r.unlock(ctx, domain, owner)
	if err != nil {
		return false, err
	}
	if released {
		r.auditEmitter.emitDomainReleased(ctx, models.DomainReleased{Domain: domain, TenantID: owner})
	}
	return released, nil
}

// unlock releases the lock without emitting an audit event, for callers that
// emit after their transaction commits.
func (r *DomainRegistry) unlock(ctx context.Context, domain string, owner id.TenantID) (bool, error) {
	released, err := r.domains.Release(ctx, models.NormalizeDomain(domain), owner, requestcontext.Now(ctx))
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to release domain")
	}
	return released, nil
}

// unlockAllOwnedBy returns the domains it released, including those released
// before a failure, so callers can restore them.
func (r *DomainRegistry) unlockAllOwnedBy(ctx context.Context, tenantID id.TenantID) ([]string, error) {
	owned, err := r.domains.ListByOwner(ctx, tenantID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list owned domains")
	}
	var released []string
	for _, d := range owned {
		ok, err := r.unlock(ctx, d.Name, tenantID)
		if err != nil {
			return released, err
		}
		if ok {
			released = append(released, d.Name)
		}
	}
	return released, nil
}

// IsEmailAcceptedByTenant reports whether a user with address may belong to
// tenantID: the domain is public or locked to that tenant.
func (r *DomainRegistry) IsEmailAcceptedByTenant(ctx context.Context, address string, tenantID id.TenantID) (bool, error) {
	domain, err := email.Domain(address)
	if err != nil {
		return false, err
	}
	c, err := r.Classify(ctx, domain)
	if err != nil {
		return false, err
	}
	switch c.Kind {
	case models.DomainPublic:
		return true, nil
	case models.DomainLockedTo:
		return c.Owner == tenantID, nil
	default:
		return false, nil
	}
}

// SeedPublicDomains marks the given webmail domains as public. A domain that
// is already locked to a tenant is logged and skipped.
func (r *DomainRegistry) SeedPublicDomains(ctx context.Context, domains ...string) error {
	now := requestcontext.Now(ctx)
	for _, name := range domains {
		name = models.NormalizeDomain(name)
		if name == "" {
			continue
		}
		if err := r.domains.UpsertPublic(ctx, name, now); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				r.logger.WarnContext(ctx, "public domain seed skipped: domain is locked", "domain", name)
				continue
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to seed public domain")
		}
	}
	return nil
}
