package domain

import (
	"context"
	"sort"
	"sync"
	"time"

	"tenancy/internal/tenant/models"
	id "tenancy/pkg/domain"
	"tenancy/pkg/platform/sentinel"
)

// InMemory keeps domains in a map guarded by one mutex. Reservation is
// atomic within a single process only; multi-instance deployments need the
// Postgres store.
type InMemory struct {
	mu      sync.Mutex
	domains map[string]*models.Domain
}

func NewInMemory() *InMemory {
	return &InMemory{domains: make(map[string]*models.Domain)}
}

func (s *InMemory) Find(_ context.Context, name string) (*models.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.domains[models.NormalizeDomain(name)]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, sentinel.ErrNotFound
}

// Reserve locks name to tenantID. Returns sentinel.ErrInvalidState for public
// domains and sentinel.ErrConflict when another tenant holds the lock.
func (s *InMemory) Reserve(_ context.Context, name string, tenantID id.TenantID, now time.Time) (*models.Domain, error) {
	name = models.NormalizeDomain(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.domains[name]
	if !ok {
		d = &models.Domain{Name: name, CreatedAt: now}
		s.domains[name] = d
	}
	switch {
	case d.IsPublic:
		return nil, sentinel.ErrInvalidState
	case d.IsLocked && d.Owner != tenantID:
		return nil, sentinel.ErrConflict
	}
	d.IsLocked = true
	d.Owner = tenantID
	d.UpdatedAt = now
	cp := *d
	return &cp, nil
}

// Release unlocks name. A non-empty owner restricts the release to domains
// locked to that tenant. Reports whether a lock was cleared.
func (s *InMemory) Release(_ context.Context, name string, owner id.TenantID, now time.Time) (bool, error) {
	name = models.NormalizeDomain(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.domains[name]
	if !ok || d.IsPublic || !d.IsLocked {
		return false, nil
	}
	if !owner.IsNil() && d.Owner != owner {
		return false, nil
	}
	d.IsLocked = false
	d.Owner = ""
	d.UpdatedAt = now
	return true, nil
}

// UpsertPublic marks name as public. A domain currently locked to a tenant is
// left alone and reported as sentinel.ErrConflict.
func (s *InMemory) UpsertPublic(_ context.Context, name string, now time.Time) error {
	name = models.NormalizeDomain(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.domains[name]
	if !ok {
		s.domains[name] = &models.Domain{Name: name, IsPublic: true, CreatedAt: now, UpdatedAt: now}
		return nil
	}
	if d.IsLocked {
		return sentinel.ErrConflict
	}
	d.IsPublic = true
	d.UpdatedAt = now
	return nil
}

func (s *InMemory) ListByOwner(_ context.Context, owner id.TenantID) ([]*models.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Domain
	for _, d := range s.domains {
		if d.IsLocked && d.Owner == owner {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
