package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"tenancy/internal/tenant/models"
	"tenancy/internal/tenant/store"
	id "tenancy/pkg/domain"
	dErrors "tenancy/pkg/domain-errors"
	"tenancy/pkg/platform/sentinel"
)

type TenantStoreSuite struct {
	suite.Suite
	store *InMemory
	ctx   context.Context
	seq   atomic.Int64
}

func (s *TenantStoreSuite) SetupTest() {
	s.store = NewInMemory()
	s.ctx = context.Background()
}

func TestTenantStoreSuite(t *testing.T) {
	suite.Run(t, new(TenantStoreSuite))
}

func (s *TenantStoreSuite) newTenant(name, email string) *models.Tenant {
	tenantID := id.TenantID(fmt.Sprintf("t%011d", s.seq.Add(1)))
	t, err := models.NewTenant(tenantID, name, email, "", email, time.Now())
	s.Require().NoError(err)
	return t
}

// TestCreationAndLookups verifies the store correctly creates and retrieves tenants.
func (s *TenantStoreSuite) TestCreationAndLookups() {
	s.Run("creates and finds tenant by ID", func() {
		tenant := s.newTenant("Test Tenant", "admin@test.com")
		s.Require().NoError(s.store.Create(s.ctx, tenant))

		found, err := s.store.FindByTenantID(s.ctx, tenant.ID)
		s.Require().NoError(err)
		s.Equal(tenant.Name, found.Name)

		exists, err := s.store.ExistsByTenantID(s.ctx, tenant.ID)
		s.Require().NoError(err)
		s.True(exists)
	})

	s.Run("finds by email ignoring case", func() {
		tenant := s.newTenant("Email Lookup", "owner@lookup.com")
		s.Require().NoError(s.store.Create(s.ctx, tenant))

		found, err := s.store.FindByEmail(s.ctx, "Owner@Lookup.com")
		s.Require().NoError(err)
		s.Equal(tenant.ID, found.ID)

		exists, err := s.store.ExistsByEmail(s.ctx, "owner@lookup.com")
		s.Require().NoError(err)
		s.True(exists)
	})

	s.Run("returns ErrNotFound for unknown ID", func() {
		_, err := s.store.FindByTenantID(s.ctx, "zzzzzzzzzzzz")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)

		exists, err := s.store.ExistsByTenantID(s.ctx, "zzzzzzzzzzzz")
		s.Require().NoError(err)
		s.False(exists)
	})

	s.Run("returned tenants are copies", func() {
		tenant := s.newTenant("Copy Check", "copy@check.com")
		s.Require().NoError(s.store.Create(s.ctx, tenant))

		found, err := s.store.FindByTenantID(s.ctx, tenant.ID)
		s.Require().NoError(err)
		found.Status = models.TenantStatusActive

		again, err := s.store.FindByTenantID(s.ctx, tenant.ID)
		s.Require().NoError(err)
		s.Equal(models.TenantStatusPendingActivation, again.Status)
	})
}

// TestUniqueness verifies id, email and case-insensitive name uniqueness.
func (s *TenantStoreSuite) TestUniqueness() {
	s.Run("rejects duplicate name case-insensitively", func() {
		s.Require().NoError(s.store.Create(s.ctx, s.newTenant("MyTenant", "one@my.com")))

		err := s.store.Create(s.ctx, s.newTenant("MYTENANT", "two@my.com"))
		s.Require().ErrorIs(err, sentinel.ErrAlreadyUsed)
		var violation *store.UniqueViolation
		s.Require().True(errors.As(err, &violation))
		s.Equal(store.FieldName, violation.Field)
	})

	s.Run("rejects duplicate email", func() {
		s.Require().NoError(s.store.Create(s.ctx, s.newTenant("First Co", "dup@co.com")))

		err := s.store.Create(s.ctx, s.newTenant("Second Co", "DUP@co.com"))
		var violation *store.UniqueViolation
		s.Require().True(errors.As(err, &violation))
		s.Equal(store.FieldEmail, violation.Field)
	})

	s.Run("rejects duplicate tenant id", func() {
		first := s.newTenant("Id One", "id1@co.com")
		s.Require().NoError(s.store.Create(s.ctx, first))
		second := s.newTenant("Id Two", "id2@co.com")
		second.ID = first.ID

		err := s.store.Create(s.ctx, second)
		var violation *store.UniqueViolation
		s.Require().True(errors.As(err, &violation))
		s.Equal(store.FieldTenantID, violation.Field)
	})

	s.Run("finds by name case-insensitively", func() {
		tenant := s.newTenant("CaseSensitive", "case@co.com")
		s.Require().NoError(s.store.Create(s.ctx, tenant))

		found, err := s.store.FindByNameCaseInsensitive(s.ctx, "casesensitive")
		s.Require().NoError(err)
		s.Equal(tenant.ID, found.ID)

		exists, err := s.store.ExistsByNameCaseInsensitive(s.ctx, "CASESENSITIVE")
		s.Require().NoError(err)
		s.True(exists)
	})
}

// TestUpdates verifies the store correctly persists and validates updates.
func (s *TenantStoreSuite) TestUpdates() {
	s.Run("persists status changes", func() {
		tenant := s.newTenant("Update Test", "update@co.com")
		s.Require().NoError(s.store.Create(s.ctx, tenant))

		tenant.Status = models.TenantStatusPendingIdentityProviderSetup
		s.Require().NoError(s.store.Update(s.ctx, tenant))

		found, err := s.store.FindByTenantID(s.ctx, tenant.ID)
		s.Require().NoError(err)
		s.Equal(models.TenantStatusPendingIdentityProviderSetup, found.Status)
	})

	s.Run("returns ErrNotFound for non-existent tenant", func() {
		err := s.store.Update(s.ctx, s.newTenant("Nonexistent", "ghost@co.com"))
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("rename keeps name index consistent", func() {
		tenant := s.newTenant("Old Name", "rename@co.com")
		s.Require().NoError(s.store.Create(s.ctx, tenant))
		tenant.Name = "New Name"
		s.Require().NoError(s.store.Update(s.ctx, tenant))

		exists, err := s.store.ExistsByNameCaseInsensitive(s.ctx, "old name")
		s.Require().NoError(err)
		s.False(exists)
		s.Require().NoError(s.store.Create(s.ctx, s.newTenant("Old Name", "other@co.com")))
	})
}

func (s *TenantStoreSuite) TestListByStatus() {
	base := time.Now()
	for i := 0; i < 5; i++ {
		t := s.newTenant(fmt.Sprintf("Pending %d", i), fmt.Sprintf("p%d@co.com", i))
		t.CreatedAt = base.Add(time.Duration(5-i) * time.Second)
		if i%2 == 0 {
			t.Status = models.TenantStatusPendingIdentityProviderSetup
		}
		s.Require().NoError(s.store.Create(s.ctx, t))
	}

	pending, err := s.store.ListByStatus(s.ctx, models.TenantStatusPendingIdentityProviderSetup, 10)
	s.Require().NoError(err)
	s.Require().Len(pending, 3)
	s.Equal("Pending 4", pending[0].Name, "oldest first")

	limited, err := s.store.ListByStatus(s.ctx, models.TenantStatusPendingIdentityProviderSetup, 2)
	s.Require().NoError(err)
	s.Len(limited, 2)
}

func (s *TenantStoreSuite) TestExecute() {
	tenant := s.newTenant("Execute Co", "exec@co.com")
	s.Require().NoError(s.store.Create(s.ctx, tenant))

	s.Run("validation failure leaves tenant untouched", func() {
		_, err := s.store.Execute(s.ctx, tenant.ID,
			func(t *models.Tenant) error { return t.CanTransition(models.TenantStatusActive) },
			func(t *models.Tenant) { t.ApplyTransition(models.TenantStatusActive, time.Now()) },
		)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))

		found, err := s.store.FindByTenantID(s.ctx, tenant.ID)
		s.Require().NoError(err)
		s.Equal(models.TenantStatusPendingActivation, found.Status)
	})

	s.Run("applies valid transition", func() {
		updated, err := s.store.Execute(s.ctx, tenant.ID,
			func(t *models.Tenant) error {
				return t.CanTransition(models.TenantStatusPendingEmailVerification)
			},
			func(t *models.Tenant) {
				t.ApplyTransition(models.TenantStatusPendingEmailVerification, time.Now())
			},
		)
		s.Require().NoError(err)
		s.Equal(models.TenantStatusPendingEmailVerification, updated.Status)
	})

	s.Run("unknown tenant", func() {
		_, err := s.store.Execute(s.ctx, "zzzzzzzzzzzz",
			func(*models.Tenant) error { return nil }, func(*models.Tenant) {})
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

// TestConcurrentCreateSameName verifies exactly one of many racing creates wins.
func (s *TenantStoreSuite) TestConcurrentCreateSameName() {
	const goroutines = 50
	var wg sync.WaitGroup
	var successes, conflicts atomic.Int32

	tenants := make([]*models.Tenant, goroutines)
	for i := range tenants {
		tenants[i] = s.newTenant("Racing Co", fmt.Sprintf("racer%d@co.com", i))
	}
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(t *models.Tenant) {
			defer wg.Done()
			err := s.store.Create(s.ctx, t)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, sentinel.ErrAlreadyUsed):
				conflicts.Add(1)
			}
		}(tenants[i])
	}
	wg.Wait()

	s.Equal(int32(1), successes.Load())
	s.Equal(int32(goroutines-1), conflicts.Load())
	count, err := s.store.Count(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, count)
}
