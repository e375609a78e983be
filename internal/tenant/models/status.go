package models

import "strings"

// TenantStatus is the provisioning/lifecycle state of a tenant.
type TenantStatus string

const (
	TenantStatusPendingActivation            TenantStatus = "PENDING_ACTIVATION"
	TenantStatusPendingEmailVerification     TenantStatus = "PENDING_EMAIL_VERIFICATION"
	TenantStatusActive                       TenantStatus = "ACTIVE"
	TenantStatusSuspended                    TenantStatus = "SUSPENDED"
	TenantStatusInactive                     TenantStatus = "INACTIVE"
	TenantStatusPendingIdentityProviderSetup TenantStatus = "PENDING_IDENTITY_PROVIDER_SETUP"
)

var tenantTransitions = map[TenantStatus][]TenantStatus{
	TenantStatusPendingActivation: {
		TenantStatusPendingEmailVerification,
		TenantStatusPendingIdentityProviderSetup,
		TenantStatusInactive,
	},
	TenantStatusPendingIdentityProviderSetup: {
		TenantStatusPendingEmailVerification,
		TenantStatusInactive,
	},
	TenantStatusPendingEmailVerification: {
		TenantStatusActive,
		TenantStatusInactive,
	},
	TenantStatusActive: {
		TenantStatusSuspended,
		TenantStatusInactive,
	},
	TenantStatusSuspended: {
		TenantStatusActive,
		TenantStatusInactive,
	},
	TenantStatusInactive: {
		TenantStatusActive,
	},
}

func (s TenantStatus) IsValid() bool {
	_, ok := tenantTransitions[s]
	return ok
}

// CanTransitionTo reports whether the lifecycle allows s -> to.
func (s TenantStatus) CanTransitionTo(to TenantStatus) bool {
	for _, next := range tenantTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsProvisioned reports whether the identity provider principal exists.
func (s TenantStatus) IsProvisioned() bool {
	switch s {
	case TenantStatusPendingActivation, TenantStatusPendingIdentityProviderSetup:
		return false
	default:
		return s.IsValid()
	}
}

// Label renders the status for messages, e.g. "pending email verification".
func (s TenantStatus) Label() string {
	return strings.ReplaceAll(strings.ToLower(string(s)), "_", " ")
}

func (s TenantStatus) String() string {
	return string(s)
}
