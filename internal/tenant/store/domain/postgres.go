package domain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tenancy/internal/tenant/models"
	id "tenancy/pkg/domain"
	"tenancy/pkg/platform/sentinel"
	txcontext "tenancy/pkg/platform/tx"
)

const domainColumns = `domain, is_public, is_locked, owner_tenant_id, created_at, updated_at`

// PostgresStore persists the domain registry. Reservation relies on the
// primary key on domain plus a conditional ON CONFLICT update, so two
// instances racing on the same unseen domain cannot both lock it.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Find(ctx context.Context, name string) (*models.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE domain = $1`
	d, err := scanDomain(txcontext.ExecutorFrom(ctx, s.db).QueryRowContext(ctx, query, models.NormalizeDomain(name)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find domain: %w", err)
	}
	return d, nil
}

// Reserve inserts the domain locked to tenantID, or takes the lock on an
// existing row that is neither public nor locked to someone else. When no row
// comes back the existing row decides the error.
func (s *PostgresStore) Reserve(ctx context.Context, name string, tenantID id.TenantID, now time.Time) (*models.Domain, error) {
	name = models.NormalizeDomain(name)
	query := `
		INSERT INTO domains (domain, is_public, is_locked, owner_tenant_id, created_at, updated_at)
		VALUES ($1, FALSE, TRUE, $2, $3, $3)
		ON CONFLICT (domain) DO UPDATE SET
			is_locked = TRUE,
			owner_tenant_id = EXCLUDED.owner_tenant_id,
			updated_at = EXCLUDED.updated_at
		WHERE domains.is_public = FALSE
		  AND (domains.is_locked = FALSE OR domains.owner_tenant_id = EXCLUDED.owner_tenant_id)
		RETURNING ` + domainColumns
	exec := txcontext.ExecutorFrom(ctx, s.db)
	d, err := scanDomain(exec.QueryRowContext(ctx, query, name, tenantID.String(), now))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reserve domain: %w", err)
	}

	existing, err := s.Find(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("reserve domain: %w", err)
	}
	if existing.IsPublic {
		return nil, sentinel.ErrInvalidState
	}
	return nil, sentinel.ErrConflict
}

// Release unlocks name. A non-empty owner restricts the release to domains
// locked to that tenant. Reports whether a lock was cleared.
func (s *PostgresStore) Release(ctx context.Context, name string, owner id.TenantID, now time.Time) (bool, error) {
	name = models.NormalizeDomain(name)
	query := `
		UPDATE domains
		SET is_locked = FALSE, owner_tenant_id = NULL, updated_at = $2
		WHERE domain = $1 AND is_public = FALSE AND is_locked = TRUE
	`
	args := []any{name, now}
	if !owner.IsNil() {
		query += ` AND owner_tenant_id = $3`
		args = append(args, owner.String())
	}
	res, err := txcontext.ExecutorFrom(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("release domain: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release domain rows affected: %w", err)
	}
	return rows > 0, nil
}

// UpsertPublic marks name as public unless it is locked to a tenant, which is
// reported as sentinel.ErrConflict.
func (s *PostgresStore) UpsertPublic(ctx context.Context, name string, now time.Time) error {
	query := `
		INSERT INTO domains (domain, is_public, is_locked, owner_tenant_id, created_at, updated_at)
		VALUES ($1, TRUE, FALSE, NULL, $2, $2)
		ON CONFLICT (domain) DO UPDATE SET
			is_public = TRUE,
			updated_at = EXCLUDED.updated_at
		WHERE domains.is_locked = FALSE
	`
	res, err := txcontext.ExecutorFrom(ctx, s.db).ExecContext(ctx, query, models.NormalizeDomain(name), now)
	if err != nil {
		return fmt.Errorf("upsert public domain: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert public domain rows affected: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner id.TenantID) ([]*models.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE owner_tenant_id = $1 AND is_locked = TRUE ORDER BY domain`
	rows, err := txcontext.ExecutorFrom(ctx, s.db).QueryContext(ctx, query, owner.String())
	if err != nil {
		return nil, fmt.Errorf("list domains by owner: %w", err)
	}
	defer rows.Close()

	var out []*models.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domains: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDomain(row rowScanner) (*models.Domain, error) {
	var (
		d     models.Domain
		owner sql.NullString
	)
	if err := row.Scan(&d.Name, &d.IsPublic, &d.IsLocked, &owner, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Owner = id.TenantID(owner.String)
	return &d, nil
}
