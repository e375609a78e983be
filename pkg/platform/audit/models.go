package audit

import (
	"context"
	"time"

	id "tenancy/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies and routing.
type EventCategory string

const (
	// CategoryCompliance covers tenant creation and deprovisioning, which have
	// contractual significance and long retention.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers isolation defects and ownership changes that
	// feed alerting.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine lifecycle activity.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	ID        id.EventID
	Category  EventCategory
	Timestamp time.Time
	TenantID  id.TenantID
	Subject   string
	Action    string
	Reason    string
	Email     string
	RequestID string
	// ActorID tracks who performed the action when it was not the tenant's
	// own admin, e.g. an operator calling the admin API.
	ActorID   string
	ClientIP  string
	UserAgent string
}

type AuditEvent string

const (
	EventTenantCreated             AuditEvent = "tenant_created"
	EventTenantProvisioningPending AuditEvent = "tenant_provisioning_pending"
	EventTenantProvisioned         AuditEvent = "tenant_provisioned"
	EventTenantActivated           AuditEvent = "tenant_activated"
	EventTenantSuspended           AuditEvent = "tenant_suspended"
	EventTenantDeactivated         AuditEvent = "tenant_deactivated"
	EventDomainReserved            AuditEvent = "domain_reserved"
	EventDomainReleased            AuditEvent = "domain_released"
	EventVerificationSent          AuditEvent = "verification_sent"
	EventVerificationFailed        AuditEvent = "verification_failed"
	EventSignupRejected            AuditEvent = "signup_rejected"
	EventTenantContextMismatch     AuditEvent = "tenant_context_mismatch"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventTenantCreated:     CategoryCompliance,
	EventTenantDeactivated: CategoryCompliance,

	EventDomainReserved:        CategorySecurity,
	EventDomainReleased:        CategorySecurity,
	EventTenantSuspended:       CategorySecurity,
	EventTenantContextMismatch: CategorySecurity,

	EventTenantProvisioningPending: CategoryOperations,
	EventTenantProvisioned:         CategoryOperations,
	EventTenantActivated:           CategoryOperations,
	EventVerificationSent:          CategoryOperations,
	EventVerificationFailed:        CategoryOperations,
	EventSignupRejected:            CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByTenant(ctx context.Context, tenantID id.TenantID) ([]Event, error)
}
