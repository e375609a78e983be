package service

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"tenancy/internal/tenant/models"
	dErrors "tenancy/pkg/domain-errors"
	"tenancy/pkg/email"
	"tenancy/pkg/platform/sentinel"
)

const resendCooldownKeyPrefix = "resend-verification:"

// CheckEmailAvailability reports whether address is unused in both the
// tenant store and the identity provider.
func (o *SignupOrchestrator) CheckEmailAvailability(ctx context.Context, address string) (bool, error) {
	address = email.Normalize(address)
	if !email.IsValid(address) {
		return false, dErrors.New(dErrors.CodeValidation, "invalid email format")
	}

	var inStore, inIdP bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		inStore, err = o.tenants.ExistsByEmail(gctx, address)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to check email")
		}
		return nil
	})
	g.Go(func() error {
		var err error
		began := time.Now()
		inIdP, err = o.idp.ExistsByEmail(gctx, address)
		o.observeIdentityProvider("exists_by_email", err, began)
		if err != nil {
			return identityProviderErr(err, "unable to verify email availability")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return false, err
	}
	return !inStore && !inIdP, nil
}

// ResendVerification sends the verification email again for a tenant whose
// admin has not verified yet. Repeated requests inside the cooldown window
// are rejected with CodeRateLimited.
func (o *SignupOrchestrator) ResendVerification(ctx context.Context, address string) error {
	address = email.Normalize(address)
	if !email.IsValid(address) {
		return dErrors.New(dErrors.CodeValidation, "invalid email format")
	}

	if err := o.acquireResendSlot(ctx, address); err != nil {
		return err
	}

	tenant, err := o.tenants.FindByEmail(ctx, address)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "no account found for this email")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load tenant")
	}
	switch tenant.Status {
	case models.TenantStatusPendingEmailVerification:
	case models.TenantStatusPendingActivation, models.TenantStatusPendingIdentityProviderSetup:
		return dErrors.New(dErrors.CodeConflict, "account setup is still in progress")
	default:
		return dErrors.New(dErrors.CodeConflict, "email is already verified")
	}

	idpCtx, cancel := context.WithTimeout(ctx, o.idpTimeout)
	defer cancel()

	began := time.Now()
	principalID, err := o.idp.FindByEmail(idpCtx, address)
	o.observeIdentityProvider("find_by_email", err, began)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "no account found for this email")
		}
		return identityProviderErr(err, "unable to look up account")
	}

	began = time.Now()
	err = o.idp.SendVerification(idpCtx, principalID)
	o.observeIdentityProvider("send_verification", err, began)
	o.auditEmitter.emitVerification(ctx, models.VerificationDispatched{TenantID: tenant.ID, Email: address, Err: err})
	if err != nil {
		return identityProviderErr(err, "failed to send verification email")
	}
	return nil
}

// acquireResendSlot lets the resend proceed when the cooldown backend errors.
func (o *SignupOrchestrator) acquireResendSlot(ctx context.Context, address string) error {
	if o.cooldown == nil {
		return nil
	}
	ok, err := o.cooldown.Acquire(ctx, resendCooldownKeyPrefix+address, o.cooldownTTL)
	if err != nil {
		o.logger.WarnContext(ctx, "resend cooldown unavailable", "error", err)
		return nil
	}
	if !ok {
		if o.metrics != nil {
			o.metrics.IncrementVerificationThrottled()
		}
		return dErrors.New(dErrors.CodeRateLimited, "verification email was sent recently; try again later")
	}
	return nil
}

// identityProviderErr keeps an existing identity provider code and message,
// and wraps anything else.
func identityProviderErr(err error, msg string) error {
	if dErrors.HasCode(err, dErrors.CodeIdentityProvider) {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeIdentityProvider, msg)
}
