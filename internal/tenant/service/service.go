package service

import (
	"context"
	"log/slog"
	"time"

	"tenancy/internal/tenant/idgen"
	tenantmetrics "tenancy/internal/tenant/metrics"
	"tenancy/internal/tenant/models"
	id "tenancy/pkg/domain"
	"tenancy/pkg/platform/audit"
)

const (
	// DefaultIdentityProviderTimeout bounds principal creation during signup.
	DefaultIdentityProviderTimeout = 10 * time.Second
	// DefaultResendCooldown is the minimum gap between verification resends per email.
	DefaultResendCooldown = 60 * time.Second
	// maxTenantIDAttempts bounds the collision loop when assigning a tenant ID.
	maxTenantIDAttempts      = 5
	defaultProvisioningBatch = 50
)

// TenantStore persists tenant records. Create must enforce unique tenant ID,
// unique email and unique case-insensitive name, reporting violations as
// store.UniqueViolation.
type TenantStore interface {
	Create(ctx context.Context, tenant *models.Tenant) error
	Update(ctx context.Context, tenant *models.Tenant) error
	FindByTenantID(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error)
	FindByEmail(ctx context.Context, email string) (*models.Tenant, error)
	FindByNameCaseInsensitive(ctx context.Context, name string) (*models.Tenant, error)
	ExistsByTenantID(ctx context.Context, tenantID id.TenantID) (bool, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	ExistsByNameCaseInsensitive(ctx context.Context, name string) (bool, error)
	ListByStatus(ctx context.Context, status models.TenantStatus, limit int) ([]*models.Tenant, error)
	Execute(ctx context.Context, tenantID id.TenantID, validate func(*models.Tenant) error, apply func(*models.Tenant)) (*models.Tenant, error)
}

// DomainStore persists the email domain registry.
type DomainStore interface {
	Find(ctx context.Context, name string) (*models.Domain, error)
	Reserve(ctx context.Context, name string, tenantID id.TenantID, now time.Time) (*models.Domain, error)
	Release(ctx context.Context, name string, owner id.TenantID, now time.Time) (bool, error)
	UpsertPublic(ctx context.Context, name string, now time.Time) error
	ListByOwner(ctx context.Context, owner id.TenantID) ([]*models.Domain, error)
}

// IdentityProvider manages user principals in the external identity provider.
// Failures are reported with dErrors.CodeIdentityProvider; FindByEmail
// returns sentinel.ErrNotFound when no principal has the address.
type IdentityProvider interface {
	CreatePrincipal(ctx context.Context, req models.PrincipalRequest) (id.PrincipalID, error)
	SendVerification(ctx context.Context, principalID id.PrincipalID) error
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	FindByEmail(ctx context.Context, email string) (id.PrincipalID, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, base audit.Event) error
}

// TenantTxRunner runs fn in a transaction whose session is bound to the
// tenant in ctx.
type TenantTxRunner interface {
	RunInTenantTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Cooldown grants at most one acquisition of key per ttl window.
type Cooldown interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type serviceConfig struct {
	logger            *slog.Logger
	auditPublisher    AuditPublisher
	metrics           *tenantmetrics.Metrics
	tx                StoreTx
	tenantTx          TenantTxRunner
	generator         idgen.Generator
	idpTimeout        time.Duration
	cooldown          Cooldown
	resendCooldown    time.Duration
	provisioningBatch int
}

type Option func(*serviceConfig)

func WithLogger(logger *slog.Logger) Option {
	return func(c *serviceConfig) {
		c.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(c *serviceConfig) {
		c.auditPublisher = publisher
	}
}

func WithMetrics(m *tenantmetrics.Metrics) Option {
	return func(c *serviceConfig) {
		c.metrics = m
	}
}

// WithTx sets the transaction boundary shared by domain reservation and
// tenant creation. Defaults to an in-memory boundary.
func WithTx(tx StoreTx) Option {
	return func(c *serviceConfig) {
		c.tx = tx
	}
}

// WithTenantTx routes tenant-scoped reads through a session-bound transaction.
func WithTenantTx(runner TenantTxRunner) Option {
	return func(c *serviceConfig) {
		c.tenantTx = runner
	}
}

func WithIDGenerator(g idgen.Generator) Option {
	return func(c *serviceConfig) {
		c.generator = g
	}
}

func WithIdentityProviderTimeout(d time.Duration) Option {
	return func(c *serviceConfig) {
		if d > 0 {
			c.idpTimeout = d
		}
	}
}

// WithResendCooldown throttles verification resends through cooldown.
func WithResendCooldown(cooldown Cooldown, ttl time.Duration) Option {
	return func(c *serviceConfig) {
		c.cooldown = cooldown
		if ttl > 0 {
			c.resendCooldown = ttl
		}
	}
}

func WithProvisioningBatch(n int) Option {
	return func(c *serviceConfig) {
		if n > 0 {
			c.provisioningBatch = n
		}
	}
}

func newServiceConfig(opts []Option) *serviceConfig {
	cfg := &serviceConfig{
		idpTimeout:        DefaultIdentityProviderTimeout,
		resendCooldown:    DefaultResendCooldown,
		provisioningBatch: defaultProvisioningBatch,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.tx == nil {
		cfg.tx = newInMemoryStoreTx()
	}
	if cfg.generator == nil {
		cfg.generator = idgen.New()
	}
	return cfg
}
