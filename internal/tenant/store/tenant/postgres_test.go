package tenant

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenancy/internal/tenant/models"
	"tenancy/internal/tenant/store"
	id "tenancy/pkg/domain"
	"tenancy/pkg/platform/sentinel"
	txcontext "tenancy/pkg/platform/tx"
)

var columns = []string{"tenant_id", "name", "email", "phone", "status", "subscription_plan", "created_by", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(db), mock
}

func sampleTenant(t *testing.T) *models.Tenant {
	t.Helper()
	tenant, err := models.NewTenant("a1b2c3d4e5f6", "NewCo", "a@newco.com", "", "a@newco.com", time.Now())
	require.NoError(t, err)
	return tenant
}

func TestPostgresCreate(t *testing.T) {
	t.Run("inserts tenant with null phone", func(t *testing.T) {
		s, mock := newMockStore(t)
		tenant := sampleTenant(t)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tenants")).
			WithArgs("a1b2c3d4e5f6", "NewCo", "a@newco.com", sql.NullString{}, "PENDING_ACTIVATION", "FREE",
				"a@newco.com", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.Create(context.Background(), tenant))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("maps unique violations to the colliding field", func(t *testing.T) {
		for constraint, field := range map[string]string{
			"tenants_email_key":      store.FieldEmail,
			"tenants_name_lower_key": store.FieldName,
			"tenants_pkey":           store.FieldTenantID,
		} {
			s, mock := newMockStore(t)
			mock.ExpectExec("INSERT INTO tenants").
				WillReturnError(&pq.Error{Code: "23505", Constraint: constraint})

			err := s.Create(context.Background(), sampleTenant(t))
			require.ErrorIs(t, err, sentinel.ErrAlreadyUsed)
			var violation *store.UniqueViolation
			require.True(t, errors.As(err, &violation))
			assert.Equal(t, field, violation.Field)
		}
	})

	t.Run("joins transaction from context", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO tenants").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectRollback()

		tx, err := s.db.Begin()
		require.NoError(t, err)
		ctx := txcontext.WithTx(context.Background(), tx)
		require.NoError(t, s.Create(ctx, sampleTenant(t)))
		require.NoError(t, tx.Rollback())
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresFind(t *testing.T) {
	now := time.Now()

	t.Run("scans row", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM tenants WHERE lower(name) = lower($1)")).
			WithArgs("newco").
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow("a1b2c3d4e5f6", "NewCo", "a@newco.com", "+14155550100", "ACTIVE", "FREE", "a@newco.com", now, now))

		found, err := s.FindByNameCaseInsensitive(context.Background(), "newco")
		require.NoError(t, err)
		assert.Equal(t, id.TenantID("a1b2c3d4e5f6"), found.ID)
		assert.Equal(t, "+14155550100", found.Phone)
		assert.Equal(t, models.TenantStatusActive, found.Status)
	})

	t.Run("no rows is ErrNotFound", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("FROM tenants WHERE email").WillReturnError(sql.ErrNoRows)
		_, err := s.FindByEmail(context.Background(), "x@y.com")
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("exists", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM tenants WHERE tenant_id = $1)")).
			WithArgs("a1b2c3d4e5f6").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		exists, err := s.ExistsByTenantID(context.Background(), "a1b2c3d4e5f6")
		require.NoError(t, err)
		assert.True(t, exists)
	})
}

func TestPostgresUpdateNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE tenants").WillReturnResult(sqlmock.NewResult(0, 0))
	err := s.Update(context.Background(), sampleTenant(t))
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestPostgresExecute(t *testing.T) {
	now := time.Now()

	t.Run("locks, applies and commits", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("WHERE tenant_id = $1 FOR UPDATE")).
			WithArgs("a1b2c3d4e5f6").
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow("a1b2c3d4e5f6", "NewCo", "a@newco.com", nil, "ACTIVE", "FREE", "a@newco.com", now, now))
		mock.ExpectExec("UPDATE tenants").
			WithArgs("a1b2c3d4e5f6", "NewCo", "a@newco.com", sql.NullString{}, "SUSPENDED", "FREE", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		updated, err := s.Execute(context.Background(), "a1b2c3d4e5f6",
			func(t *models.Tenant) error { return t.CanTransition(models.TenantStatusSuspended) },
			func(t *models.Tenant) { t.ApplyTransition(models.TenantStatusSuspended, now) },
		)
		require.NoError(t, err)
		assert.Equal(t, models.TenantStatusSuspended, updated.Status)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("validation error rolls back", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow("a1b2c3d4e5f6", "NewCo", "a@newco.com", nil, "INACTIVE", "FREE", "a@newco.com", now, now))
		mock.ExpectRollback()

		_, err := s.Execute(context.Background(), "a1b2c3d4e5f6",
			func(t *models.Tenant) error { return t.CanTransition(models.TenantStatusSuspended) },
			func(t *models.Tenant) { t.ApplyTransition(models.TenantStatusSuspended, now) },
		)
		require.Error(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresListByStatus(t *testing.T) {
	now := time.Now()
	s, mock := newMockStore(t)
	mock.ExpectQuery("WHERE status = \\$1").
		WithArgs("PENDING_IDENTITY_PROVIDER_SETUP", 25).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("a1b2c3d4e5f6", "One", "one@co.com", nil, "PENDING_IDENTITY_PROVIDER_SETUP", "FREE", "one@co.com", now, now).
			AddRow("b1b2c3d4e5f6", "Two", "two@co.com", nil, "PENDING_IDENTITY_PROVIDER_SETUP", "FREE", "two@co.com", now, now))

	out, err := s.ListByStatus(context.Background(), models.TenantStatusPendingIdentityProviderSetup, 25)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, "Two", out[1].Name)
}
