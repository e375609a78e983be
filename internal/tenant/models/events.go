package models

import id "tenancy/pkg/domain"

// Lifecycle facts emitted by the tenant services.

type TenantCreated struct {
	TenantID id.TenantID
	Email    string
	Name     string
}

type TenantProvisioningPending struct {
	TenantID id.TenantID
	Email    string
	Reason   string
}

type TenantProvisioned struct {
	TenantID    id.TenantID
	PrincipalID id.PrincipalID
	Email       string
}

type TenantStatusChanged struct {
	TenantID id.TenantID
	From     TenantStatus
	To       TenantStatus
}

type DomainReserved struct {
	Domain   string
	TenantID id.TenantID
}

type DomainReleased struct {
	Domain   string
	TenantID id.TenantID
}

type VerificationDispatched struct {
	TenantID id.TenantID
	Email    string
	Err      error
}

type SignupRejectedEvent struct {
	Kind  RejectionKind
	Email string
}
