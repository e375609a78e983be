package models

import (
	"strings"
	"time"
	"unicode/utf8"

	id "tenancy/pkg/domain"
	dErrors "tenancy/pkg/domain-errors"
)

const (
	MinTenantNameLength = 2
	MaxTenantNameLength = 255
)

// SubscriptionPlan is the commercial tier of a tenant.
type SubscriptionPlan string

const SubscriptionPlanFree SubscriptionPlan = "FREE"

// Tenant is the aggregate root for a customer organization.
//
// Invariants:
//   - ID is a well-formed tenant identifier and never changes
//   - Name is 2-255 characters and unique case-insensitively (enforced by the store)
//   - Email is the primary contact and unique across tenants (enforced by the store)
//   - Status only changes through CanTransition/ApplyTransition
//   - Tenants are never deleted; deprovisioning is a move to Inactive
type Tenant struct {
	ID               id.TenantID      `json:"tenant_id"`
	Name             string           `json:"name"`
	Email            string           `json:"email"`
	Phone            string           `json:"phone,omitempty"`
	Status           TenantStatus     `json:"status"`
	SubscriptionPlan SubscriptionPlan `json:"subscription_plan"`
	CreatedBy        string           `json:"created_by"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// NewTenant builds a tenant in PendingActivation on the FREE plan.
func NewTenant(tenantID id.TenantID, name, email, phone, createdBy string, now time.Time) (*Tenant, error) {
	if !id.IsWellFormedTenantID(tenantID.String()) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tenant ID is malformed")
	}
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n < MinTenantNameLength || n > MaxTenantNameLength {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tenant name must be between 2 and 255 characters")
	}
	if strings.TrimSpace(email) == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tenant contact email cannot be empty")
	}
	return &Tenant{
		ID:               tenantID,
		Name:             name,
		Email:            email,
		Phone:            phone,
		Status:           TenantStatusPendingActivation,
		SubscriptionPlan: SubscriptionPlanFree,
		CreatedBy:        createdBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func (t *Tenant) IsActive() bool {
	return t.Status == TenantStatusActive
}

// CanTransition checks whether the tenant may move to status.
// Use with ApplyTransition in Execute callbacks.
func (t *Tenant) CanTransition(to TenantStatus) error {
	if t.Status == to {
		return dErrors.New(dErrors.CodeInvariantViolation, "tenant is already "+to.Label())
	}
	if !t.Status.CanTransitionTo(to) {
		return dErrors.New(dErrors.CodeInvariantViolation,
			"tenant cannot move from "+t.Status.Label()+" to "+to.Label())
	}
	return nil
}

// ApplyTransition sets the status and bumps UpdatedAt.
// Call CanTransition first to validate the transition.
func (t *Tenant) ApplyTransition(to TenantStatus, now time.Time) {
	t.Status = to
	t.UpdatedAt = now
}

// Transition validates and applies a status change in one call.
func (t *Tenant) Transition(to TenantStatus, now time.Time) error {
	if err := t.CanTransition(to); err != nil {
		return err
	}
	t.ApplyTransition(to, now)
	return nil
}
