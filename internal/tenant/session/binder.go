// Package session projects the request's tenant onto the database session
// consulted by row level security policies.
//
// The binding is always transaction-local (set_config(..., true)): it ends at
// COMMIT or ROLLBACK, so a pooled connection never carries one tenant's
// binding into the next checkout. With WithRole the transaction also switches
// to a restricted role (SET LOCAL ROLE) that only the tenant policies admit.
package session

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	id "tenancy/pkg/domain"
	dErrors "tenancy/pkg/domain-errors"
	"tenancy/pkg/platform/audit"
	request "tenancy/pkg/platform/middleware/request"
	txcontext "tenancy/pkg/platform/tx"
	"tenancy/pkg/tenantctx"
)

const (
	DefaultSetting   = "app.current_tenant_id"
	defaultTxTimeout = 5 * time.Second
)

var tracer = otel.Tracer("tenancy/internal/tenant/session")

// AuditPublisher receives consistency violations.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Metrics counts binding failures and mismatches.
type Metrics struct {
	BindFailures prometheus.Counter
	Mismatches   prometheus.Counter
}

// NewMetrics registers the binder metrics with reg (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		BindFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "tenancy_session_bind_failures_total",
			Help: "Tenant-scoped transactions refused because no tenant was established",
		}),
		Mismatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "tenancy_session_tenant_mismatch_total",
			Help: "Consistency checks where the session binding differed from the tenant context",
		}),
	}
}

// Binder binds the tenant context to the transaction in ctx.
type Binder struct {
	db        *sql.DB
	setting   string
	role      string
	txTimeout time.Duration
	logger    *slog.Logger
	metrics   *Metrics
	audit     AuditPublisher
}

type Option func(*Binder)

func WithSetting(name string) Option {
	return func(b *Binder) {
		if name != "" {
			b.setting = name
		}
	}
}

// WithRole makes tenant transactions run as role. The login role must be a
// member of it. Empty keeps the login role.
func WithRole(role string) Option {
	return func(b *Binder) {
		b.role = role
	}
}

func WithTxTimeout(d time.Duration) Option {
	return func(b *Binder) {
		if d > 0 {
			b.txTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Binder) {
		b.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(b *Binder) {
		b.metrics = m
	}
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(b *Binder) {
		b.audit = p
	}
}

func New(db *sql.DB, opts ...Option) *Binder {
	b := &Binder{
		db:        db,
		setting:   DefaultSetting,
		txTimeout: defaultTxTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Setting is the name of the session variable the policies read.
func (b *Binder) Setting() string {
	return b.setting
}

// BindCurrentTenant sets the session variable for the transaction in ctx to
// the tenant in the tenant context. A missing tenant is fatal to the
// operation: CodeTenantNotEstablished.
func (b *Binder) BindCurrentTenant(ctx context.Context) error {
	tenantID, err := b.requireTenant(ctx)
	if err != nil {
		return err
	}
	tx, ok := txcontext.From(ctx)
	if !ok {
		return dErrors.New(dErrors.CodeInternal, "tenant binding requires an open transaction")
	}
	if _, err := tx.ExecContext(ctx, `SELECT set_config($1, $2, true)`, b.setting, tenantID.String()); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to bind tenant to session")
	}
	if b.role != "" {
		if _, err := tx.ExecContext(ctx, `SET LOCAL ROLE `+pq.QuoteIdentifier(b.role)); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to switch to tenant role")
		}
	}
	return nil
}

// unreadSettingQuery lists row-security tables in the current schema where no
// policy expression mentions the setting.
const unreadSettingQuery = `
	SELECT c.relname
	FROM pg_class c
	JOIN pg_namespace n ON n.oid = c.relnamespace
	WHERE n.nspname = current_schema()
	  AND c.relkind = 'r'
	  AND c.relrowsecurity
	  AND NOT EXISTS (
	      SELECT 1 FROM pg_policies p
	      WHERE p.schemaname = n.nspname
	        AND p.tablename = c.relname
	        AND position($1 in coalesce(p.qual, '')) > 0
	  )
	ORDER BY c.relname`

const roleMembershipQuery = `
	SELECT EXISTS (
	    SELECT 1 FROM pg_roles
	    WHERE rolname = $1 AND pg_has_role(current_user, oid, 'MEMBER')
	)`

// Verify checks the database agrees with the binder: every table under row
// level security has a policy reading the configured setting, and the login
// role may switch to the configured role. A mismatch would make every bound
// transaction see nothing, or everything, so callers should refuse to start.
func (b *Binder) Verify(ctx context.Context) error {
	rows, err := b.db.QueryContext(ctx, unreadSettingQuery, b.setting)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to inspect row level security policies")
	}
	defer rows.Close()
	var unread []string
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to inspect row level security policies")
		}
		unread = append(unread, table)
	}
	if err := rows.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to inspect row level security policies")
	}
	if len(unread) > 0 {
		return dErrors.New(dErrors.CodeInternal,
			"row level security policies on "+strings.Join(unread, ", ")+" do not read session setting "+b.setting)
	}

	if b.role == "" {
		return nil
	}
	var member bool
	if err := b.db.QueryRowContext(ctx, roleMembershipQuery, b.role).Scan(&member); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to inspect tenant role")
	}
	if !member {
		return dErrors.New(dErrors.CodeInternal, "login role cannot switch to tenant role "+b.role)
	}
	return nil
}

// ReadBoundTenant reads the session variable back. ok is false when unset.
func (b *Binder) ReadBoundTenant(ctx context.Context) (id.TenantID, bool, error) {
	var value sql.NullString
	row := txcontext.ExecutorFrom(ctx, b.db).QueryRowContext(ctx, `SELECT current_setting($1, true)`, b.setting)
	if err := row.Scan(&value); err != nil {
		return "", false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read session tenant")
	}
	if !value.Valid || value.String == "" {
		return "", false, nil
	}
	return id.TenantID(value.String), true, nil
}

// ValidateConsistency compares the tenant context with the session binding.
// Meant for diagnostics and tests, not the request hot path.
func (b *Binder) ValidateConsistency(ctx context.Context) (bool, error) {
	contextTenant, inContext := tenantctx.Current(ctx)
	sessionTenant, inSession, err := b.ReadBoundTenant(ctx)
	if err != nil {
		return false, err
	}
	if inContext == inSession && contextTenant == sessionTenant {
		return true, nil
	}

	b.logger.ErrorContext(ctx, "tenant context and session binding disagree",
		"context_tenant_id", contextTenant.String(),
		"session_tenant_id", sessionTenant.String(),
		"request_id", request.GetRequestID(ctx),
	)
	if b.metrics != nil {
		b.metrics.Mismatches.Inc()
	}
	if b.audit != nil {
		_ = b.audit.Emit(ctx, audit.Event{
			TenantID:  contextTenant,
			Action:    string(audit.EventTenantContextMismatch),
			Reason:    "session bound to " + sessionTenant.String(),
			RequestID: request.GetRequestID(ctx),
		})
	}
	return false, nil
}

// RunInTenantTx checks the tenant precondition before checking out a
// connection, then opens a transaction, binds the tenant and runs fn with the
// transaction in its context. Rollback is deferred on every path.
func (b *Binder) RunInTenantTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tenantID, err := b.requireTenant(ctx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	ctx, span := tracer.Start(ctx, "session.RunInTenantTx")
	span.SetAttributes(attribute.String("tenant.id", tenantID.String()))
	defer span.End()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.txTimeout)
		defer cancel()
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to begin tenant transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	txCtx := txcontext.WithTx(ctx, tx)
	if err := b.BindCurrentTenant(txCtx); err != nil {
		return err
	}
	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to commit tenant transaction")
	}
	return nil
}

func (b *Binder) requireTenant(ctx context.Context) (id.TenantID, error) {
	tenantID, ok := tenantctx.Current(ctx)
	if ok {
		return tenantID, nil
	}
	b.logger.ErrorContext(ctx, "tenant-scoped storage access without an established tenant",
		"request_id", request.GetRequestID(ctx),
	)
	if b.metrics != nil {
		b.metrics.BindFailures.Inc()
	}
	return "", dErrors.New(dErrors.CodeTenantNotEstablished, "no tenant established for this request")
}
