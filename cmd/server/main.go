package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"tenancy/internal/identity/keycloak"
	idpmemory "tenancy/internal/identity/memory"
	jwttoken "tenancy/internal/jwt_token"
	"tenancy/internal/platform/config"
	"tenancy/internal/platform/httpserver"
	"tenancy/internal/platform/kafka"
	"tenancy/internal/platform/logger"
	"tenancy/internal/platform/metrics"
	platformmw "tenancy/internal/platform/middleware"
	platformredis "tenancy/internal/platform/redis"
	"tenancy/internal/tenant"
	"tenancy/internal/tenant/handler"
	tenantmetrics "tenancy/internal/tenant/metrics"
	"tenancy/internal/tenant/service"
	"tenancy/internal/tenant/session"
	"tenancy/internal/tenant/store/cooldown"
	domainstore "tenancy/internal/tenant/store/domain"
	tenantstore "tenancy/internal/tenant/store/tenant"
	"tenancy/pkg/platform/audit/outbox"
	"tenancy/pkg/platform/audit/publisher"
	auditmemory "tenancy/pkg/platform/audit/store/memory"
	auditpostgres "tenancy/pkg/platform/audit/store/postgres"
	"tenancy/pkg/platform/httputil"
	"tenancy/pkg/platform/middleware/admin"
	"tenancy/pkg/platform/middleware/auth"
	"tenancy/pkg/platform/middleware/metadata"
	"tenancy/pkg/platform/middleware/request"
	"tenancy/pkg/platform/middleware/requesttime"
	tenantmw "tenancy/pkg/platform/middleware/tenant"
	"tenancy/pkg/tenantctx"
)

const shutdownGrace = 10 * time.Second

// main loads configuration, wires the tenant module over either Postgres or
// in-memory stores and serves until SIGINT/SIGTERM.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// infra holds the optional backing services; nil fields are not configured.
type infra struct {
	db       *sql.DB
	redis    *platformredis.Client
	producer *kafka.Producer
}

func (i *infra) close() {
	if i.db != nil {
		_ = i.db.Close()
	}
	if i.redis != nil {
		_ = i.redis.Close()
	}
	i.producer.Close()
}

func connect(ctx context.Context, cfg config.Server, log *slog.Logger) (*infra, error) {
	in := &infra{}
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		in.db = db
	} else {
		log.Warn("DATABASE_URL not set; using in-memory stores")
	}

	rc, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		in.close()
		return nil, err
	}
	in.redis = rc
	if rc == nil {
		log.Info("REDIS_URL not set; resend cooldown is process-local")
	}

	producer, err := kafka.NewProducer(ctx, cfg.Kafka.Brokers, "tenancy")
	if err != nil {
		in.close()
		return nil, err
	}
	in.producer = producer
	return in, nil
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	in, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer in.close()

	platformMetrics := metrics.New()
	serviceOpts := []service.Option{
		service.WithMetrics(tenantmetrics.New()),
		service.WithIdentityProviderTimeout(cfg.Tenancy.IdentityProviderTimeout),
	}

	var stores tenant.Stores
	var handlerOpts []handler.Option
	var relay *outbox.Relay
	var auditPublisher *publisher.Publisher
	if in.db != nil {
		auditStore := auditpostgres.New(in.db)
		auditPublisher = publisher.NewPublisher(auditStore, publisher.WithLogger(log))
		binder := session.New(in.db,
			session.WithSetting(cfg.Tenancy.SessionSetting),
			session.WithRole(cfg.Tenancy.TenantRole),
			session.WithLogger(log),
			session.WithMetrics(session.NewMetrics(prometheus.DefaultRegisterer)),
			session.WithAuditPublisher(auditPublisher),
		)
		if err := binder.Verify(ctx); err != nil {
			return fmt.Errorf("tenant session binding does not match the database: %w", err)
		}
		stores.Tenants = tenantstore.NewPostgres(in.db)
		stores.Domains = domainstore.NewPostgres(in.db)
		serviceOpts = append(serviceOpts, service.WithTx(newPostgresStoreTx(in.db)), service.WithTenantTx(binder))
		handlerOpts = append(handlerOpts, handler.WithSessionInspector(binder))

		if in.producer != nil {
			if err := in.producer.EnsureTopic(ctx, cfg.Kafka.EventsTopic, -1, -1); err != nil {
				log.Warn("could not ensure tenant events topic", "topic", cfg.Kafka.EventsTopic, "error", err)
			}
			relay = outbox.NewRelay(in.db, auditStore, in.producer, cfg.Kafka.EventsTopic, outbox.WithLogger(log))
		}
	} else {
		auditPublisher = publisher.NewPublisher(auditmemory.NewInMemoryStore(),
			publisher.WithAsyncBuffer(256),
			publisher.WithLogger(log),
		)
		stores.Tenants = tenantstore.NewInMemory()
		stores.Domains = domainstore.NewInMemory()
		if in.producer != nil {
			log.Warn("KAFKA_BROKERS set without DATABASE_URL; tenant events stay in memory")
		}
	}
	defer auditPublisher.Close()
	serviceOpts = append(serviceOpts, service.WithAuditPublisher(auditPublisher))

	if in.redis != nil {
		serviceOpts = append(serviceOpts, service.WithResendCooldown(cooldown.NewRedis(in.redis.Client), cfg.Tenancy.ResendCooldown))
	} else {
		serviceOpts = append(serviceOpts, service.WithResendCooldown(cooldown.NewInMemory(), cfg.Tenancy.ResendCooldown))
	}

	if cfg.Keycloak.URL != "" {
		kc, err := keycloak.New(keycloak.Config{
			BaseURL:      cfg.Keycloak.URL,
			Realm:        cfg.Keycloak.Realm,
			ClientID:     cfg.Keycloak.ClientID,
			ClientSecret: cfg.Keycloak.ClientSecret,
			Timeout:      cfg.Tenancy.IdentityProviderTimeout,
			RetryCount:   2,
		}, keycloak.WithLogger(log))
		if err != nil {
			return err
		}
		stores.IdentityProvider = kc
	} else {
		log.Warn("KEYCLOAK_URL not set; using in-memory identity provider")
		stores.IdentityProvider = idpmemory.New()
	}

	module := tenant.NewModule(stores, log, cfg.Tenancy.ProvisioningRetryInterval, serviceOpts, handlerOpts...)
	if err := module.Registry.SeedPublicDomains(ctx, cfg.Tenancy.PublicEmailDomains...); err != nil {
		return fmt.Errorf("seed public email domains: %w", err)
	}

	validator := jwttoken.NewJWTServiceAdapter(jwttoken.NewJWTService(cfg.JWT.SigningKey, cfg.JWT.Issuer, cfg.JWT.Audience))
	tracker := tenantctx.NewTracker(tenantctx.WithLeakHook(platformMetrics.IncrementTenantContextLeak))

	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Recovery(log))
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(request.Logger(log))
	r.Use(platformmw.Metrics(platformMetrics))
	r.Use(chimw.Timeout(30 * time.Second))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", healthHandler(in))
	module.Handler.RegisterPublic(r)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(validator, log, platformMetrics.IncrementUnauthorized))
		r.Use(tenantmw.Context(tracker, log))
		module.Handler.RegisterTenant(r)
	})
	r.Group(func(r chi.Router) {
		r.Use(admin.RequireAdminToken(cfg.AdminAPIToken, log))
		module.Handler.RegisterAdmin(r)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, httpserver.New(cfg.Addr, r), shutdownGrace, log)
	})
	g.Go(func() error {
		return module.Worker.Run(gctx)
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx, cfg.Kafka.RelayEvery)
		})
	}
	return g.Wait()
}

func healthHandler(in *infra) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{}
		healthy := true
		record := func(name string, err error) {
			if err != nil {
				checks[name] = err.Error()
				healthy = false
				return
			}
			checks[name] = "ok"
		}
		if in.db != nil {
			record("postgres", in.db.PingContext(ctx))
		}
		if in.redis != nil {
			record("redis", in.redis.Health(ctx))
		}
		if in.producer != nil {
			record("kafka", in.producer.Health(ctx))
		}

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, status, map[string]any{"healthy": healthy, "checks": checks})
	}
}
