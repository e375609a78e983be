package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tenancy/internal/tenant/models"
	id "tenancy/pkg/domain"
	dErrors "tenancy/pkg/domain-errors"
	"tenancy/pkg/email"
	"tenancy/pkg/platform/sentinel"
	"tenancy/pkg/requestcontext"
)

// RetryPendingProvisioning re-attempts principal creation for one batch of
// tenants left in PendingIdentityProviderSetup. The signup secret is not
// kept, so recreated principals must reset their password. Returns the number
// of tenants moved to PendingEmailVerification.
func (o *SignupOrchestrator) RetryPendingProvisioning(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "signup.RetryPendingProvisioning")
	defer span.End()

	pending, err := o.tenants.ListByStatus(ctx, models.TenantStatusPendingIdentityProviderSetup, o.batch)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list pending tenants")
	}

	provisioned := 0
	for _, tenant := range pending {
		if err := ctx.Err(); err != nil {
			return provisioned, err
		}
		if err := o.provision(ctx, tenant); err != nil {
			o.incrementProvisioningRetry("failed")
			o.logger.WarnContext(ctx, "provisioning retry failed",
				"tenant_id", tenant.ID.String(),
				"error", err,
			)
			continue
		}
		o.incrementProvisioningRetry("succeeded")
		provisioned++
	}
	return provisioned, nil
}

func (o *SignupOrchestrator) provision(ctx context.Context, tenant *models.Tenant) error {
	idpCtx, cancel := context.WithTimeout(ctx, o.idpTimeout)
	defer cancel()

	principalID, err := o.findOrCreatePrincipal(idpCtx, tenant)
	if err != nil {
		return err
	}

	if _, err := o.tenants.Execute(ctx, tenant.ID,
		func(t *models.Tenant) error { return t.CanTransition(models.TenantStatusPendingEmailVerification) },
		func(t *models.Tenant) { t.ApplyTransition(models.TenantStatusPendingEmailVerification, requestcontext.Now(ctx)) },
	); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record tenant status")
	}
	o.auditEmitter.emitProvisioned(ctx, models.TenantProvisioned{TenantID: tenant.ID, PrincipalID: principalID, Email: tenant.Email})

	began := time.Now()
	verifyErr := o.idp.SendVerification(idpCtx, principalID)
	o.observeIdentityProvider("send_verification", verifyErr, began)
	o.auditEmitter.emitVerification(ctx, models.VerificationDispatched{TenantID: tenant.ID, Email: tenant.Email, Err: verifyErr})
	return nil
}

// findOrCreatePrincipal reuses a principal whose creation succeeded after the
// signup timed out waiting for it.
func (o *SignupOrchestrator) findOrCreatePrincipal(ctx context.Context, tenant *models.Tenant) (id.PrincipalID, error) {
	began := time.Now()
	principalID, err := o.idp.FindByEmail(ctx, tenant.Email)
	o.observeIdentityProvider("find_by_email", err, began)
	if err == nil {
		return principalID, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return "", err
	}

	first, last := email.DeriveNameFromEmail(tenant.Email)
	began = time.Now()
	principalID, err = o.idp.CreatePrincipal(ctx, models.PrincipalRequest{
		Email:           tenant.Email,
		FirstName:       first,
		LastName:        last,
		TenantID:        tenant.ID,
		CompanyName:     tenant.Name,
		UserType:        models.UserTypeCompanyAdmin,
		RequiredActions: []string{models.RequiredActionUpdatePassword, models.RequiredActionVerifyEmail},
	})
	o.observeIdentityProvider("create_principal", err, began)
	return principalID, err
}

func (o *SignupOrchestrator) incrementProvisioningRetry(result string) {
	if o.metrics != nil {
		o.metrics.IncrementProvisioningRetry(result)
	}
}

// ProvisioningWorker periodically retries identity provider setup.
type ProvisioningWorker struct {
	orchestrator *SignupOrchestrator
	interval     time.Duration
	logger       *slog.Logger
}

func NewProvisioningWorker(orchestrator *SignupOrchestrator, interval time.Duration, logger *slog.Logger) *ProvisioningWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProvisioningWorker{orchestrator: orchestrator, interval: interval, logger: logger}
}

// Run retries a batch every interval until ctx is cancelled.
func (w *ProvisioningWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := w.orchestrator.RetryPendingProvisioning(ctx)
			if err != nil {
				w.logger.WarnContext(ctx, "provisioning retry pass failed", "error", err, "provisioned", n)
				continue
			}
			if n > 0 {
				w.logger.InfoContext(ctx, "provisioning retry pass", "provisioned", n)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
