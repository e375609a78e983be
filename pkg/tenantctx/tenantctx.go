// Package tenantctx carries the active tenant for one unit of work.
//
// A Holder is a mutable slot owned by exactly one request. It travels inside
// context.Context so every layer below the auth middleware can read it without
// any package-level state. Concurrent requests never share a Holder.
//
// Lifecycle:
//
//	h := tracker.Begin()             // always a new holder
//	err := tenantctx.Run(ctx, h, tenantID, func(ctx context.Context) error {
//	    ... storage access bound to tenantID ...
//	})
//	tracker.End(h)                   // reports a leak if the slot was not cleared
//
// Holders are never reused, so a context captured by a goroutine that outlives
// the request reads an empty holder afterwards, never a later request's tenant.
//
// Set must only be called with a tenant taken from a validated credential.
package tenantctx

import (
	"context"
	"sync"

	id "tenancy/pkg/domain"
	dErrors "tenancy/pkg/domain-errors"
)

// Holder stores at most one tenant at a time.
type Holder struct {
	mu     sync.RWMutex
	tenant id.TenantID
}

// Set binds tenantID to the holder. Re-setting the same tenant is a no-op;
// replacing a different tenant without Clear is rejected.
func (h *Holder) Set(tenantID id.TenantID) error {
	if !id.IsWellFormedTenantID(tenantID.String()) {
		return dErrors.New(dErrors.CodeInvalidInput, "invalid tenant ID")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tenant != "" && h.tenant != tenantID {
		return dErrors.New(dErrors.CodeInvariantViolation, "tenant context already bound to a different tenant")
	}
	h.tenant = tenantID
	return nil
}

// Get never fails; absence is reported through ok.
func (h *Holder) Get() (id.TenantID, bool) {
	if h == nil {
		return "", false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tenant, h.tenant != ""
}

func (h *Holder) Clear() {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.tenant = ""
	h.mu.Unlock()
}

func (h *Holder) IsSet() bool {
	_, ok := h.Get()
	return ok
}

type holderKey struct{}

// Attach returns a context carrying h.
func Attach(ctx context.Context, h *Holder) context.Context {
	return context.WithValue(ctx, holderKey{}, h)
}

// From returns the holder attached to ctx, or nil.
func From(ctx context.Context) *Holder {
	h, _ := ctx.Value(holderKey{}).(*Holder)
	return h
}

// Current returns the tenant bound for the request carried by ctx.
func Current(ctx context.Context) (id.TenantID, bool) {
	return From(ctx).Get()
}

// IsSet reports whether ctx carries a bound tenant.
func IsSet(ctx context.Context) bool {
	_, ok := Current(ctx)
	return ok
}

// Run binds tenantID to h, calls fn with h attached to ctx, and clears h on
// every exit path including panics. The panic is re-raised after clearing.
func Run(ctx context.Context, h *Holder, tenantID id.TenantID, fn func(ctx context.Context) error) error {
	if err := h.Set(tenantID); err != nil {
		return err
	}
	defer h.Clear()
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "request cancelled before tenant scope started")
	}
	return fn(Attach(ctx, h))
}
