// Package sentinel holds storage-level error facts. Stores return them,
// optionally wrapped, and services translate them into domain-errors codes.
//
//   - ErrNotFound: no tenant, domain or principal matches
//   - ErrConflict: a competing writer holds the row (domain reserved by another tenant)
//   - ErrAlreadyUsed: a unique value (tenant ID, company name, admin email) is taken
//   - ErrInvalidState: the tenant's status does not allow the transition
//   - ErrUnavailable: a backing service (database, Redis, identity provider) is down
package sentinel

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
