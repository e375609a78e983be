package models

import (
	"strings"
	"time"

	id "tenancy/pkg/domain"
	dErrors "tenancy/pkg/domain-errors"
)

// Domain is an email domain known to the registry.
//
// Invariants:
//   - Name is lower-case
//   - IsPublic implies no owner and never locked
//   - IsLocked implies an owner
type Domain struct {
	Name      string      `json:"domain"`
	IsPublic  bool        `json:"is_public"`
	IsLocked  bool        `json:"is_locked"`
	Owner     id.TenantID `json:"owner_tenant_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// NormalizeDomain lower-cases and trims a domain name.
func NormalizeDomain(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Validate checks the public/locked/owner invariants.
func (d *Domain) Validate() error {
	if d.Name == "" || d.Name != NormalizeDomain(d.Name) {
		return dErrors.New(dErrors.CodeInvariantViolation, "domain must be non-empty and lower-case")
	}
	if d.IsPublic && (d.IsLocked || !d.Owner.IsNil()) {
		return dErrors.New(dErrors.CodeInvariantViolation, "public domain cannot be locked")
	}
	if d.IsLocked != !d.Owner.IsNil() {
		return dErrors.New(dErrors.CodeInvariantViolation, "domain owner must be set exactly when locked")
	}
	return nil
}

// LockedTo reports whether the domain is reserved for tenantID.
func (d *Domain) LockedTo(tenantID id.TenantID) bool {
	return d.IsLocked && d.Owner == tenantID
}

// ClassificationKind is the registry's view of a domain.
type ClassificationKind int

const (
	DomainAvailableForTenant ClassificationKind = iota
	DomainPublic
	DomainLockedTo
)

func (k ClassificationKind) String() string {
	switch k {
	case DomainPublic:
		return "public"
	case DomainLockedTo:
		return "locked"
	default:
		return "available"
	}
}

// Classification is the result of classifying a domain. Owner is set only for
// DomainLockedTo.
type Classification struct {
	Kind  ClassificationKind
	Owner id.TenantID
}

// Classify derives the classification of a stored domain. A nil domain has
// never been seen and is available.
func Classify(d *Domain) Classification {
	switch {
	case d == nil:
		return Classification{Kind: DomainAvailableForTenant}
	case d.IsPublic:
		return Classification{Kind: DomainPublic}
	case d.IsLocked:
		return Classification{Kind: DomainLockedTo, Owner: d.Owner}
	default:
		return Classification{Kind: DomainAvailableForTenant}
	}
}
