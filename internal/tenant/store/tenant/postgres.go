package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"tenancy/internal/tenant/models"
	"tenancy/internal/tenant/store"
	id "tenancy/pkg/domain"
	"tenancy/pkg/platform/sentinel"
	txcontext "tenancy/pkg/platform/tx"
)

const uniqueViolation = "23505"

// Constraint names from migrations/0001_tenancy.sql.
var constraintFields = map[string]string{
	"tenants_pkey":           store.FieldTenantID,
	"tenants_email_key":      store.FieldEmail,
	"tenants_name_lower_key": store.FieldName,
}

const tenantColumns = `tenant_id, name, email, phone, status, subscription_plan, created_by, created_at, updated_at`

// PostgresStore persists tenants in PostgreSQL. Every method joins the
// transaction carried by ctx when there is one, so tenant writes can share a
// transaction with domain reservation and the audit outbox.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, t *models.Tenant) error {
	if t == nil {
		return fmt.Errorf("tenant is required")
	}
	query := `
		INSERT INTO tenants (` + tenantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := txcontext.ExecutorFrom(ctx, s.db).ExecContext(ctx, query,
		t.ID.String(),
		t.Name,
		t.Email,
		nullString(t.Phone),
		string(t.Status),
		string(t.SubscriptionPlan),
		t.CreatedBy,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return translateWriteErr("create tenant", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, t *models.Tenant) error {
	if t == nil {
		return fmt.Errorf("tenant is required")
	}
	return s.update(ctx, txcontext.ExecutorFrom(ctx, s.db), t)
}

func (s *PostgresStore) update(ctx context.Context, exec txcontext.Executor, t *models.Tenant) error {
	query := `
		UPDATE tenants
		SET name = $2, email = $3, phone = $4, status = $5, subscription_plan = $6, updated_at = $7
		WHERE tenant_id = $1
	`
	res, err := exec.ExecContext(ctx, query,
		t.ID.String(),
		t.Name,
		t.Email,
		nullString(t.Phone),
		string(t.Status),
		string(t.SubscriptionPlan),
		t.UpdatedAt,
	)
	if err != nil {
		return translateWriteErr("update tenant", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update tenant rows affected: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FindByTenantID(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE tenant_id = $1`
	return s.findOne(ctx, "find tenant by id", query, tenantID.String())
}

func (s *PostgresStore) FindByEmail(ctx context.Context, email string) (*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE email = lower($1)`
	return s.findOne(ctx, "find tenant by email", query, email)
}

func (s *PostgresStore) FindByNameCaseInsensitive(ctx context.Context, name string) (*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE lower(name) = lower($1)`
	return s.findOne(ctx, "find tenant by name", query, name)
}

func (s *PostgresStore) ExistsByTenantID(ctx context.Context, tenantID id.TenantID) (bool, error) {
	return s.exists(ctx, "tenant id", `SELECT EXISTS(SELECT 1 FROM tenants WHERE tenant_id = $1)`, tenantID.String())
}

func (s *PostgresStore) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return s.exists(ctx, "tenant email", `SELECT EXISTS(SELECT 1 FROM tenants WHERE email = lower($1))`, email)
}

func (s *PostgresStore) ExistsByNameCaseInsensitive(ctx context.Context, name string) (bool, error) {
	return s.exists(ctx, "tenant name", `SELECT EXISTS(SELECT 1 FROM tenants WHERE lower(name) = lower($1))`, name)
}

// ListByStatus returns up to limit tenants in status, oldest first.
func (s *PostgresStore) ListByStatus(ctx context.Context, status models.TenantStatus, limit int) ([]*models.Tenant, error) {
	query := `
		SELECT ` + tenantColumns + `
		FROM tenants
		WHERE status = $1
		ORDER BY created_at, tenant_id
		LIMIT $2
	`
	if limit <= 0 {
		limit = 100
	}
	rows, err := txcontext.ExecutorFrom(ctx, s.db).QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tenants by status: %w", err)
	}
	defer rows.Close()

	var out []*models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenants: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := txcontext.ExecutorFrom(ctx, s.db).QueryRowContext(ctx, `SELECT COUNT(*) FROM tenants`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tenants: %w", err)
	}
	return count, nil
}

// Execute locks the tenant row (FOR UPDATE), validates, applies and writes
// it back. It joins the transaction in ctx or opens its own.
func (s *PostgresStore) Execute(ctx context.Context, tenantID id.TenantID, validate func(*models.Tenant) error, apply func(*models.Tenant)) (*models.Tenant, error) {
	if tx, ok := txcontext.From(ctx); ok {
		return s.execute(ctx, tx, tenantID, validate, apply)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin execute tenant: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	t, err := s.execute(ctx, tx, tenantID, validate, apply)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit execute tenant: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) execute(ctx context.Context, tx *sql.Tx, tenantID id.TenantID, validate func(*models.Tenant) error, apply func(*models.Tenant)) (*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE tenant_id = $1 FOR UPDATE`
	t, err := scanTenant(tx.QueryRowContext(ctx, query, tenantID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("lock tenant: %w", err)
	}
	if err := validate(t); err != nil {
		return nil, err
	}
	apply(t)
	if err := s.update(ctx, tx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) findOne(ctx context.Context, op, query string, arg any) (*models.Tenant, error) {
	t, err := scanTenant(txcontext.ExecutorFrom(ctx, s.db).QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return t, nil
}

func (s *PostgresStore) exists(ctx context.Context, what, query string, arg any) (bool, error) {
	var exists bool
	if err := txcontext.ExecutorFrom(ctx, s.db).QueryRowContext(ctx, query, arg).Scan(&exists); err != nil {
		return false, fmt.Errorf("check %s exists: %w", what, err)
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*models.Tenant, error) {
	var (
		t        models.Tenant
		tenantID string
		phone    sql.NullString
		status   string
		plan     string
	)
	if err := row.Scan(&tenantID, &t.Name, &t.Email, &phone, &status, &plan, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.ID = id.TenantID(tenantID)
	t.Phone = phone.String
	t.Status = models.TenantStatus(status)
	t.SubscriptionPlan = models.SubscriptionPlan(plan)
	return &t, nil
}

// translateWriteErr maps unique violations to store.UniqueViolation.
func translateWriteErr(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		if field, ok := constraintFields[pqErr.Constraint]; ok {
			return &store.UniqueViolation{Field: field}
		}
		return fmt.Errorf("%s: %w", op, sentinel.ErrAlreadyUsed)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
