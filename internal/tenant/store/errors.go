// Package store holds error types shared by the tenant module's stores.
package store

import "tenancy/pkg/platform/sentinel"

// Unique fields a tenant write can collide on.
const (
	FieldTenantID = "tenant_id"
	FieldEmail    = "email"
	FieldName     = "name"
)

// UniqueViolation reports which unique field a write collided on.
// It unwraps to sentinel.ErrAlreadyUsed.
type UniqueViolation struct {
	Field string
}

func (e *UniqueViolation) Error() string {
	return "tenant " + e.Field + " already used"
}

func (e *UniqueViolation) Unwrap() error {
	return sentinel.ErrAlreadyUsed
}
