// Package tenant wires tenant onboarding, lifecycle and isolation into one
// module for cmd/server.
package tenant

import (
	"log/slog"
	"time"

	"tenancy/internal/tenant/handler"
	"tenancy/internal/tenant/service"
)

type (
	SignupOrchestrator = service.SignupOrchestrator
	TenantService      = service.TenantService
	DomainRegistry     = service.DomainRegistry
	Handler            = handler.Handler
)

// Module is the assembled tenant feature.
type Module struct {
	Registry *DomainRegistry
	Signup   *SignupOrchestrator
	Tenants  *TenantService
	Handler  *Handler
	Worker   *service.ProvisioningWorker
}

// Stores are the persistence and identity collaborators of the module.
type Stores struct {
	Tenants          service.TenantStore
	Domains          service.DomainStore
	IdentityProvider service.IdentityProvider
}

// NewModule builds the services and handler over stores. opts apply to every
// service; handlerOpts only to the HTTP handler.
func NewModule(stores Stores, logger *slog.Logger, retryEvery time.Duration, opts []service.Option, handlerOpts ...handler.Option) *Module {
	opts = append([]service.Option{service.WithLogger(logger)}, opts...)
	registry := service.NewDomainRegistry(stores.Domains, opts...)
	signup := service.NewSignupOrchestrator(stores.Tenants, registry, stores.IdentityProvider, opts...)
	tenants := service.NewTenantService(stores.Tenants, registry, opts...)
	return &Module{
		Registry: registry,
		Signup:   signup,
		Tenants:  tenants,
		Handler:  handler.New(signup, tenants, logger, handlerOpts...),
		Worker:   service.NewProvisioningWorker(signup, retryEvery, logger),
	}
}
