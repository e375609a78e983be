package service

import (
	"context"
	"log/slog"

	"tenancy/internal/tenant/models"
	"tenancy/pkg/attrs"
	id "tenancy/pkg/domain"
	"tenancy/pkg/platform/audit"
	"tenancy/pkg/requestcontext"
)

// auditEmitter writes an audit log line and forwards the event to the
// publisher. Publish failures are logged and never fail the operation.
type auditEmitter struct {
	logger    *slog.Logger
	publisher AuditPublisher
}

func newAuditEmitter(logger *slog.Logger, publisher AuditPublisher) *auditEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &auditEmitter{logger: logger, publisher: publisher}
}

func (e *auditEmitter) emit(ctx context.Context, event audit.AuditEvent, attributes ...any) {
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "event", string(event), "log_type", "audit")
	e.logger.InfoContext(ctx, string(event), args...)

	if e.publisher == nil {
		return
	}
	ev := audit.Event{
		TenantID:  tenantAttr(attributes),
		Subject:   attrs.String(attributes, "principal_id"),
		Action:    string(event),
		Reason:    attrs.String(attributes, "reason"),
		Email:     attrs.String(attributes, "email"),
		ActorID:   attrs.String(attributes, "actor_id"),
		RequestID: requestcontext.RequestID(ctx),
		ClientIP:  requestcontext.ClientIP(ctx),
		UserAgent: requestcontext.UserAgent(ctx),
		Timestamp: requestcontext.Now(ctx),
	}
	if err := e.publisher.Emit(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "failed to publish audit event",
			"event", string(event),
			"error", err,
		)
	}
}

func tenantAttr(attributes []any) id.TenantID {
	return id.TenantID(attrs.String(attributes, "tenant_id"))
}

func (e *auditEmitter) emitTenantCreated(ctx context.Context, ev models.TenantCreated) {
	e.emit(ctx, audit.EventTenantCreated,
		"tenant_id", ev.TenantID.String(),
		"email", ev.Email,
		"company_name", ev.Name,
	)
}

func (e *auditEmitter) emitProvisioningPending(ctx context.Context, ev models.TenantProvisioningPending) {
	e.emit(ctx, audit.EventTenantProvisioningPending,
		"tenant_id", ev.TenantID.String(),
		"email", ev.Email,
		"reason", ev.Reason,
	)
}

func (e *auditEmitter) emitProvisioned(ctx context.Context, ev models.TenantProvisioned) {
	e.emit(ctx, audit.EventTenantProvisioned,
		"tenant_id", ev.TenantID.String(),
		"principal_id", ev.PrincipalID.String(),
		"email", ev.Email,
	)
}

func (e *auditEmitter) emitStatusChanged(ctx context.Context, ev models.TenantStatusChanged) {
	var event audit.AuditEvent
	switch ev.To {
	case models.TenantStatusActive:
		event = audit.EventTenantActivated
	case models.TenantStatusSuspended:
		event = audit.EventTenantSuspended
	case models.TenantStatusInactive:
		event = audit.EventTenantDeactivated
	default:
		return
	}
	e.emit(ctx, event,
		"tenant_id", ev.TenantID.String(),
		"from", string(ev.From),
		"to", string(ev.To),
		"actor_id", requestcontext.Subject(ctx),
	)
}

func (e *auditEmitter) emitDomainReserved(ctx context.Context, ev models.DomainReserved) {
	e.emit(ctx, audit.EventDomainReserved,
		"tenant_id", ev.TenantID.String(),
		"domain", ev.Domain,
	)
}

func (e *auditEmitter) emitDomainReleased(ctx context.Context, ev models.DomainReleased) {
	e.emit(ctx, audit.EventDomainReleased,
		"tenant_id", ev.TenantID.String(),
		"domain", ev.Domain,
	)
}

func (e *auditEmitter) emitVerification(ctx context.Context, ev models.VerificationDispatched) {
	if ev.Err != nil {
		e.emit(ctx, audit.EventVerificationFailed,
			"tenant_id", ev.TenantID.String(),
			"email", ev.Email,
			"reason", ev.Err.Error(),
		)
		return
	}
	e.emit(ctx, audit.EventVerificationSent,
		"tenant_id", ev.TenantID.String(),
		"email", ev.Email,
	)
}

func (e *auditEmitter) emitSignupRejected(ctx context.Context, ev models.SignupRejectedEvent) {
	e.emit(ctx, audit.EventSignupRejected,
		"email", ev.Email,
		"reason", string(ev.Kind),
	)
}
