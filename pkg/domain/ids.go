// Package domain holds typed identifiers shared across modules.
//
// Typed IDs keep a tenant identifier from being passed where a principal or
// event identifier is expected. Parse functions are the only sanctioned way to
// turn untrusted strings (JWT claims, URL params, header values) into IDs.
package domain

import (
	"strings"

	"github.com/google/uuid"

	dErrors "tenancy/pkg/domain-errors"
)

const (
	// TenantIDAlphabet is the fixed symbol set tenant identifiers are drawn from.
	TenantIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	// TenantIDLength is the exact length of every tenant identifier.
	TenantIDLength = 12
)

// TenantID identifies a tenant. Immutable once assigned.
type TenantID string

// PrincipalID identifies a user principal inside the identity provider.
// The provider owns the format, so only emptiness is checked.
type PrincipalID string

// EventID identifies an emitted lifecycle or audit event.
type EventID uuid.UUID

func (t TenantID) String() string { return string(t) }

// IsNil reports whether the ID is unset.
func (t TenantID) IsNil() bool { return t == "" }

func (p PrincipalID) String() string { return string(p) }

func (p PrincipalID) IsNil() bool { return p == "" }

func (e EventID) String() string { return uuid.UUID(e).String() }

// NewEventID returns a random event identifier.
func NewEventID() EventID { return EventID(uuid.New()) }

// IsWellFormedTenantID checks length and alphabet membership only.
// It does not check whether the tenant exists.
func IsWellFormedTenantID(s string) bool {
	if len(s) != TenantIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(TenantIDAlphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}

// ParseTenantID validates s at a trust boundary. Input is not trimmed or
// case-folded: "ABC..." is rejected rather than silently lowered.
func ParseTenantID(s string) (TenantID, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "tenant ID required")
	}
	if !IsWellFormedTenantID(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid tenant ID")
	}
	return TenantID(s), nil
}

// ParsePrincipalID rejects blank identity provider IDs.
func ParsePrincipalID(s string) (PrincipalID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "principal ID required")
	}
	return PrincipalID(s), nil
}
