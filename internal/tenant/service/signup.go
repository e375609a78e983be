package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"tenancy/internal/tenant/idgen"
	tenantmetrics "tenancy/internal/tenant/metrics"
	"tenancy/internal/tenant/models"
	"tenancy/internal/tenant/store"
	id "tenancy/pkg/domain"
	dErrors "tenancy/pkg/domain-errors"
	"tenancy/pkg/email"
	"tenancy/pkg/platform/sentinel"
	"tenancy/pkg/requestcontext"
)

var tracer = otel.Tracer("tenancy/internal/tenant/service")

// SignupOrchestrator creates a tenant across the tenant store, the domain
// registry and the identity provider.
//
// Steps run in order and stop at the first rejection:
//
//	email unique (store and identity provider, concurrently)
//	company name unique (case-insensitive)
//	tenant ID assigned (bounded collision retries)
//	domain reserved + tenant row created (one store transaction)
//	principal created (bounded by the identity provider timeout)
//	verification sent (failure is reported, not fatal)
type SignupOrchestrator struct {
	tenants      TenantStore
	registry     *DomainRegistry
	idp          IdentityProvider
	tx           StoreTx
	generator    idgen.Generator
	idpTimeout   time.Duration
	logger       *slog.Logger
	auditEmitter *auditEmitter
	metrics      *tenantmetrics.Metrics
	cooldown     Cooldown
	cooldownTTL  time.Duration
	batch        int
}

func NewSignupOrchestrator(tenants TenantStore, registry *DomainRegistry, idp IdentityProvider, opts ...Option) *SignupOrchestrator {
	cfg := newServiceConfig(opts)
	return &SignupOrchestrator{
		tenants:      tenants,
		registry:     registry,
		idp:          idp,
		tx:           cfg.tx,
		generator:    cfg.generator,
		idpTimeout:   cfg.idpTimeout,
		logger:       cfg.logger,
		auditEmitter: newAuditEmitter(cfg.logger, cfg.auditPublisher),
		metrics:      cfg.metrics,
		cooldown:     cfg.cooldown,
		cooldownTTL:  cfg.resendCooldown,
		batch:        cfg.provisioningBatch,
	}
}

// Signup runs the signup saga. Business rejections and partial failures are
// returned as a result; the error is reserved for invalid input and
// infrastructure faults.
func (o *SignupOrchestrator) Signup(ctx context.Context, req *models.SignupRequest) (result *models.SignupResult, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "signup.Signup")
	defer func() {
		o.recordOutcome(result, err, start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if req == nil {
		return nil, dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	domain, err := email.Domain(req.Email)
	if err != nil {
		return nil, err
	}

	// Start -> EmailUniquenessChecked
	if rejection, err := o.checkEmailUnique(ctx, req.Email); err != nil || rejection != nil {
		return o.rejected(ctx, models.SignupStateStart, rejection, req.Email), err
	}

	// EmailUniquenessChecked -> CompanyNameUniquenessChecked
	if rejection, err := o.checkCompanyUnique(ctx, req.CompanyName); err != nil || rejection != nil {
		return o.rejected(ctx, models.SignupStateEmailUniquenessChecked, rejection, req.Email), err
	}

	// CompanyNameUniquenessChecked -> TenantIDAssigned
	tenantID, err := o.assignTenantID(ctx)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("tenant.id", tenantID.String()))

	// TenantIDAssigned -> DomainReserved -> TenantRecordCreated
	tenant, reservedDomain, rejection, err := o.createTenantRecord(ctx, req, tenantID, domain)
	if err != nil || rejection != nil {
		return o.rejected(ctx, models.SignupStateTenantIDAssigned, rejection, req.Email), err
	}
	o.auditEmitter.emitTenantCreated(ctx, models.TenantCreated{TenantID: tenant.ID, Email: tenant.Email, Name: tenant.Name})
	if reservedDomain {
		o.auditEmitter.emitDomainReserved(ctx, models.DomainReserved{Domain: domain, TenantID: tenant.ID})
	}
	o.incrementTenantCreated()

	// TenantRecordCreated -> IdentityPrincipalCreated
	principalID, err := o.createPrincipal(ctx, req, tenant.ID)
	if err != nil {
		return o.markPendingIdentityProviderSetup(ctx, tenant, err), nil
	}

	// IdentityPrincipalCreated -> Completed
	verifyErr := o.sendVerification(ctx, tenant, principalID)
	if _, err := o.tenants.Execute(ctx, tenant.ID,
		func(t *models.Tenant) error { return t.CanTransition(models.TenantStatusPendingEmailVerification) },
		func(t *models.Tenant) { t.ApplyTransition(models.TenantStatusPendingEmailVerification, requestcontext.Now(ctx)) },
	); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record tenant status")
	}

	o.logger.InfoContext(ctx, "signup completed",
		"tenant_id", tenant.ID.String(),
		"principal_id", principalID.String(),
		"verification_resend_required", verifyErr != nil,
	)
	return &models.SignupResult{
		Outcome:                    models.SignupCompleted,
		State:                      models.SignupStateCompleted,
		TenantID:                   tenant.ID,
		PrincipalID:                principalID,
		Status:                     models.TenantStatusPendingEmailVerification,
		RequiresEmailVerification:  true,
		VerificationResendRequired: verifyErr != nil,
	}, nil
}

// checkEmailUnique queries the tenant store and the identity provider
// concurrently. An identity provider error rejects the signup.
func (o *SignupOrchestrator) checkEmailUnique(ctx context.Context, address string) (*models.Rejection, error) {
	ctx, span := tracer.Start(ctx, "signup.checkEmailUnique")
	defer span.End()

	var inStore, inIdP bool
	var storeErr, idpErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		inStore, storeErr = o.tenants.ExistsByEmail(gctx, address)
		return storeErr
	})
	g.Go(func() error {
		began := time.Now()
		inIdP, idpErr = o.idp.ExistsByEmail(gctx, address)
		o.observeIdentityProvider("exists_by_email", idpErr, began)
		return idpErr
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "signup cancelled")
	}
	if idpErr != nil && !errors.Is(idpErr, context.Canceled) {
		o.logger.WarnContext(ctx, "identity provider email check failed", "error", idpErr)
		return &models.Rejection{
			Kind:    models.RejectionIdentityProviderFailure,
			Message: "Unable to verify email availability. Please try again later.",
		}, nil
	}
	if storeErr != nil {
		return nil, dErrors.Wrap(storeErr, dErrors.CodeInternal, "failed to check email")
	}
	if inStore || inIdP {
		return &models.Rejection{
			Kind:    models.RejectionEmailExists,
			Message: "An account with this email already exists",
		}, nil
	}
	return nil, nil
}

func (o *SignupOrchestrator) checkCompanyUnique(ctx context.Context, name string) (*models.Rejection, error) {
	existing, err := o.tenants.FindByNameCaseInsensitive(ctx, name)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check company name")
	}
	return companyExists(existing), nil
}

func companyExists(existing *models.Tenant) *models.Rejection {
	return &models.Rejection{
		Kind:            models.RejectionCompanyExists,
		Message:         "A company with this name is already registered. Contact its administrator to be added.",
		ExistingContact: existing.Email,
		CompanyName:     existing.Name,
	}
}

// assignTenantID draws identifiers until one is unused. Running out of
// attempts means the generator or the store is broken.
func (o *SignupOrchestrator) assignTenantID(ctx context.Context) (id.TenantID, error) {
	for attempt := 1; attempt <= maxTenantIDAttempts; attempt++ {
		candidate := o.generator.Generate()
		exists, err := o.tenants.ExistsByTenantID(ctx, candidate)
		if err != nil {
			return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to check tenant ID")
		}
		if !exists {
			return candidate, nil
		}
		o.logger.WarnContext(ctx, "tenant ID collision", "attempt", attempt)
		if o.metrics != nil {
			o.metrics.IncrementIDCollision()
		}
	}
	o.logger.ErrorContext(ctx, "tenant ID assignment exhausted",
		"attempts", maxTenantIDAttempts,
	)
	if o.metrics != nil {
		o.metrics.IncrementIdentifierExhaustion()
	}
	return "", dErrors.New(dErrors.CodeIdentifierExhaustion, "unable to assign a unique tenant identifier")
}

// createTenantRecord reserves the corporate domain and writes the tenant row
// in one transaction. Public domains are never reserved.
func (o *SignupOrchestrator) createTenantRecord(ctx context.Context, req *models.SignupRequest, tenantID id.TenantID, domain string) (*models.Tenant, bool, *models.Rejection, error) {
	ctx, span := tracer.Start(ctx, "signup.createTenantRecord")
	defer span.End()

	classification, err := o.registry.Classify(ctx, domain)
	if err != nil {
		return nil, false, nil, err
	}
	reserve := classification.Kind != models.DomainPublic
	if classification.Kind == models.DomainLockedTo && classification.Owner != tenantID {
		return nil, false, domainLocked(), nil
	}

	var tenant *models.Tenant
	reserved := false
	err = o.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if reserve {
			if err := o.registry.reserve(txCtx, domain, tenantID); err != nil {
				return err
			}
			reserved = true
		}
		t, err := models.NewTenant(tenantID, req.CompanyName, req.Email, req.Phone, req.Email, requestcontext.Now(txCtx))
		if err != nil {
			return err
		}
		if err := o.tenants.Create(txCtx, t); err != nil {
			return err
		}
		tenant = t
		return nil
	})
	if err == nil {
		return tenant, reserved, nil, nil
	}

	if reserved {
		o.releaseReservedDomain(ctx, domain, tenantID)
	}
	if dErrors.HasCode(err, dErrors.CodeDomainLocked) {
		return nil, false, domainLocked(), nil
	}
	var violation *store.UniqueViolation
	if errors.As(err, &violation) {
		switch violation.Field {
		case store.FieldEmail:
			return nil, false, &models.Rejection{
				Kind:    models.RejectionEmailExists,
				Message: "An account with this email already exists",
			}, nil
		case store.FieldName:
			existing, findErr := o.tenants.FindByNameCaseInsensitive(ctx, req.CompanyName)
			if findErr != nil {
				existing = &models.Tenant{Name: req.CompanyName}
			}
			return nil, false, companyExists(existing), nil
		default:
			return nil, false, nil, dErrors.Wrap(err, dErrors.CodeConflict, "tenant identifier taken concurrently; retry signup")
		}
	}
	if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
		return nil, false, nil, dErrors.Wrap(err, dErrors.CodeValidation, dErrors.Message(err))
	}
	return nil, false, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create tenant")
}

func domainLocked() *models.Rejection {
	return &models.Rejection{
		Kind:    models.RejectionDomainLocked,
		Message: "This email domain is already registered to another company. Ask its administrator for an invitation.",
	}
}

// releaseReservedDomain undoes a reservation whose tenant row was not
// written. Guarded by owner, so after a rolled-back transaction it is a no-op.
func (o *SignupOrchestrator) releaseReservedDomain(ctx context.Context, domain string, tenantID id.TenantID) {
	released, err := o.registry.releaseOwned(ctx, domain, tenantID)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to release reserved domain",
			"domain", domain,
			"tenant_id", tenantID.String(),
			"error", err,
		)
		return
	}
	if released {
		o.logger.InfoContext(ctx, "released domain after failed tenant creation",
			"domain", domain,
			"tenant_id", tenantID.String(),
		)
	}
}

func (o *SignupOrchestrator) createPrincipal(ctx context.Context, req *models.SignupRequest, tenantID id.TenantID) (id.PrincipalID, error) {
	ctx, span := tracer.Start(ctx, "signup.createPrincipal",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("tenant.id", tenantID.String())),
	)
	defer span.End()

	idpCtx, cancel := context.WithTimeout(ctx, o.idpTimeout)
	defer cancel()

	began := time.Now()
	principalID, err := o.idp.CreatePrincipal(idpCtx, models.PrincipalRequest{
		Email:       req.Email,
		Secret:      req.Password,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		TenantID:    tenantID,
		CompanyName: req.CompanyName,
		UserType:    models.UserTypeCompanyAdmin,
	})
	o.observeIdentityProvider("create_principal", err, began)
	if err != nil {
		span.RecordError(err)
		if idpCtx.Err() != nil {
			return "", dErrors.Wrap(err, dErrors.CodeIdentityProvider, "identity provider timed out")
		}
		return "", err
	}
	return principalID, nil
}

// markPendingIdentityProviderSetup records that the tenant exists without a
// principal. The domain stays reserved; the provisioning worker retries.
func (o *SignupOrchestrator) markPendingIdentityProviderSetup(ctx context.Context, tenant *models.Tenant, cause error) *models.SignupResult {
	_, err := o.tenants.Execute(ctx, tenant.ID,
		func(t *models.Tenant) error {
			return t.CanTransition(models.TenantStatusPendingIdentityProviderSetup)
		},
		func(t *models.Tenant) {
			t.ApplyTransition(models.TenantStatusPendingIdentityProviderSetup, requestcontext.Now(ctx))
		},
	)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to mark tenant pending identity provider setup",
			"tenant_id", tenant.ID.String(),
			"error", err,
		)
	}

	reason := dErrors.Message(cause)
	o.logger.WarnContext(ctx, "principal creation failed; tenant left pending identity provider setup",
		"tenant_id", tenant.ID.String(),
		"error", cause,
	)
	o.auditEmitter.emitProvisioningPending(ctx, models.TenantProvisioningPending{
		TenantID: tenant.ID,
		Email:    tenant.Email,
		Reason:   reason,
	})
	return &models.SignupResult{
		Outcome:  models.SignupPartialFailure,
		State:    models.SignupStateTenantRecordCreated,
		TenantID: tenant.ID,
		Status:   models.TenantStatusPendingIdentityProviderSetup,
		Cause:    reason,
	}
}

func (o *SignupOrchestrator) sendVerification(ctx context.Context, tenant *models.Tenant, principalID id.PrincipalID) error {
	idpCtx, cancel := context.WithTimeout(ctx, o.idpTimeout)
	defer cancel()

	began := time.Now()
	err := o.idp.SendVerification(idpCtx, principalID)
	o.observeIdentityProvider("send_verification", err, began)
	if err != nil {
		o.logger.WarnContext(ctx, "verification email not sent",
			"tenant_id", tenant.ID.String(),
			"error", err,
		)
	}
	o.auditEmitter.emitVerification(ctx, models.VerificationDispatched{TenantID: tenant.ID, Email: tenant.Email, Err: err})
	return err
}

// rejected logs and audits a rejection. With a nil rejection it passes
// through so callers can return it alongside an error.
func (o *SignupOrchestrator) rejected(ctx context.Context, state models.SignupState, rejection *models.Rejection, address string) *models.SignupResult {
	if rejection == nil {
		return nil
	}
	o.logger.InfoContext(ctx, "signup rejected",
		"kind", string(rejection.Kind),
		"state", string(state),
	)
	o.auditEmitter.emitSignupRejected(ctx, models.SignupRejectedEvent{Kind: rejection.Kind, Email: address})
	return models.Rejected(state, *rejection)
}

func (o *SignupOrchestrator) recordOutcome(result *models.SignupResult, err error, start time.Time) {
	if o.metrics == nil {
		return
	}
	switch {
	case err != nil:
		o.metrics.RecordSignup("error", string(dErrors.CodeOf(err)), start)
	case result == nil:
		return
	case result.Rejection != nil:
		o.metrics.RecordSignup(string(result.Outcome), string(result.Rejection.Kind), start)
	default:
		o.metrics.RecordSignup(string(result.Outcome), "", start)
	}
}

func (o *SignupOrchestrator) observeIdentityProvider(op string, err error, start time.Time) {
	if o.metrics != nil {
		o.metrics.ObserveIdentityProvider(op, err, start)
	}
}

func (o *SignupOrchestrator) incrementTenantCreated() {
	if o.metrics != nil {
		o.metrics.IncrementTenantCreated()
	}
}
