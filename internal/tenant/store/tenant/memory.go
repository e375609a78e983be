package tenant

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"tenancy/internal/tenant/models"
	"tenancy/internal/tenant/store"
	id "tenancy/pkg/domain"
	"tenancy/pkg/platform/sentinel"
)

// InMemory is a process-local tenant store. Uniqueness on id, email and
// lower(name) is enforced under one mutex, so it is only correct within a
// single process.
type InMemory struct {
	mu      sync.RWMutex
	tenants map[id.TenantID]*models.Tenant
	byEmail map[string]id.TenantID
	byName  map[string]id.TenantID
}

func NewInMemory() *InMemory {
	return &InMemory{
		tenants: make(map[id.TenantID]*models.Tenant),
		byEmail: make(map[string]id.TenantID),
		byName:  make(map[string]id.TenantID),
	}
}

func emailKey(email string) string { return strings.ToLower(strings.TrimSpace(email)) }
func nameKey(name string) string   { return strings.ToLower(strings.TrimSpace(name)) }

func (s *InMemory) Create(_ context.Context, t *models.Tenant) error {
	if t == nil {
		return fmt.Errorf("tenant is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; ok {
		return &store.UniqueViolation{Field: store.FieldTenantID}
	}
	if _, ok := s.byEmail[emailKey(t.Email)]; ok {
		return &store.UniqueViolation{Field: store.FieldEmail}
	}
	if _, ok := s.byName[nameKey(t.Name)]; ok {
		return &store.UniqueViolation{Field: store.FieldName}
	}
	stored := *t
	s.tenants[t.ID] = &stored
	s.byEmail[emailKey(t.Email)] = t.ID
	s.byName[nameKey(t.Name)] = t.ID
	return nil
}

// Update replaces mutable fields. Email and name stay unique.
func (s *InMemory) Update(_ context.Context, t *models.Tenant) error {
	if t == nil {
		return fmt.Errorf("tenant is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(t)
}

func (s *InMemory) updateLocked(t *models.Tenant) error {
	existing, ok := s.tenants[t.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if owner, taken := s.byEmail[emailKey(t.Email)]; taken && owner != t.ID {
		return &store.UniqueViolation{Field: store.FieldEmail}
	}
	if owner, taken := s.byName[nameKey(t.Name)]; taken && owner != t.ID {
		return &store.UniqueViolation{Field: store.FieldName}
	}
	delete(s.byEmail, emailKey(existing.Email))
	delete(s.byName, nameKey(existing.Name))
	stored := *t
	stored.CreatedAt = existing.CreatedAt
	s.tenants[t.ID] = &stored
	s.byEmail[emailKey(t.Email)] = t.ID
	s.byName[nameKey(t.Name)] = t.ID
	return nil
}

func (s *InMemory) FindByTenantID(_ context.Context, tenantID id.TenantID) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tenants[tenantID]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) FindByEmail(ctx context.Context, email string) (*models.Tenant, error) {
	s.mu.RLock()
	tenantID, ok := s.byEmail[emailKey(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.FindByTenantID(ctx, tenantID)
}

func (s *InMemory) FindByNameCaseInsensitive(ctx context.Context, name string) (*models.Tenant, error) {
	s.mu.RLock()
	tenantID, ok := s.byName[nameKey(name)]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.FindByTenantID(ctx, tenantID)
}

func (s *InMemory) ExistsByTenantID(_ context.Context, tenantID id.TenantID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tenants[tenantID]
	return ok, nil
}

func (s *InMemory) ExistsByEmail(_ context.Context, email string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byEmail[emailKey(email)]
	return ok, nil
}

func (s *InMemory) ExistsByNameCaseInsensitive(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byName[nameKey(name)]
	return ok, nil
}

// ListByStatus returns up to limit tenants in status, oldest first.
func (s *InMemory) ListByStatus(_ context.Context, status models.TenantStatus, limit int) ([]*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Tenant, 0)
	for _, t := range s.tenants {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants), nil
}

// Execute runs validate and apply under the store lock so the
// validate-then-mutate sequence is atomic.
func (s *InMemory) Execute(_ context.Context, tenantID id.TenantID, validate func(*models.Tenant) error, apply func(*models.Tenant)) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tenants[tenantID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	working := *existing
	if err := validate(&working); err != nil {
		return nil, err
	}
	apply(&working)
	if err := s.updateLocked(&working); err != nil {
		return nil, err
	}
	result := working
	return &result, nil
}
