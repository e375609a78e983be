package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultPublicEmailDomains are free webmail providers seeded as public domains.
var DefaultPublicEmailDomains = []string{
	"gmail.com", "yahoo.com", "outlook.com", "hotmail.com", "icloud.com",
	"aol.com", "proton.me", "protonmail.com", "live.com", "gmx.com",
	"mail.com", "yandex.com", "zoho.com",
}

// Server captures process-level configuration.
type Server struct {
	Addr          string
	DatabaseURL   string
	AdminAPIToken string
	LogLevel      string

	JWT      JWTConfig
	Redis    RedisConfig
	Keycloak KeycloakConfig
	Kafka    KafkaConfig
	Tenancy  TenancyConfig
}

type JWTConfig struct {
	SigningKey string
	Issuer     string
	Audience   string
}

// RedisConfig is empty-URL safe: an empty URL means Redis is not configured.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KeycloakConfig selects the identity provider. An empty URL selects the
// in-memory provider.
type KeycloakConfig struct {
	URL          string
	Realm        string
	ClientID     string
	ClientSecret string
}

type KafkaConfig struct {
	Brokers     []string
	EventsTopic string
	RelayEvery  time.Duration
}

// TenancyConfig.SessionSetting and TenantRole must match the names used by the
// row level security policies in migrations/; the server checks them against
// the database at startup.
type TenancyConfig struct {
	IdentityProviderTimeout   time.Duration
	SessionSetting            string
	TenantRole                string
	PublicEmailDomains        []string
	ResendCooldown            time.Duration
	ProvisioningRetryInterval time.Duration
}

var (
	// Custom settings need a prefix: "app.current_tenant_id".
	settingPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*\.[a-z_][a-z0-9_]*$`)
	rolePattern    = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

// FromEnv builds a Server config from environment variables so main stays lean.
// A .env file in the working directory is loaded first when present; real
// environment variables win over it.
func FromEnv() (Server, error) {
	_ = godotenv.Load()

	idpTimeout, err := durationEnv("IDP_TIMEOUT", 10*time.Second)
	if err != nil {
		return Server{}, err
	}
	cooldown, err := durationEnv("RESEND_COOLDOWN", 60*time.Second)
	if err != nil {
		return Server{}, err
	}
	retryEvery, err := durationEnv("PROVISIONING_RETRY_INTERVAL", time.Minute)
	if err != nil {
		return Server{}, err
	}
	relayEvery, err := durationEnv("OUTBOX_RELAY_INTERVAL", 2*time.Second)
	if err != nil {
		return Server{}, err
	}
	poolSize, err := intEnv("REDIS_POOL_SIZE", 10)
	if err != nil {
		return Server{}, err
	}

	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Use a default for development - should be overridden in production
		jwtSigningKey = "dev-secret-key-change-in-production"
	}

	sessionSetting := stringEnv("TENANT_SESSION_SETTING", "app.current_tenant_id")
	if !settingPattern.MatchString(sessionSetting) {
		return Server{}, fmt.Errorf("TENANT_SESSION_SETTING %q must look like prefix.name", sessionSetting)
	}
	tenantRole := stringEnv("TENANT_DB_ROLE", "tenancy_app")
	if tenantRole == "-" {
		tenantRole = ""
	} else if !rolePattern.MatchString(tenantRole) {
		return Server{}, fmt.Errorf("TENANT_DB_ROLE %q is not a valid role name", tenantRole)
	}

	publicDomains := listEnv("PUBLIC_EMAIL_DOMAINS")
	if len(publicDomains) == 0 {
		publicDomains = DefaultPublicEmailDomains
	}

	return Server{
		Addr:          stringEnv("TENANCY_ADDR", ":8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		AdminAPIToken: os.Getenv("ADMIN_API_TOKEN"),
		LogLevel:      stringEnv("LOG_LEVEL", "info"),
		JWT: JWTConfig{
			SigningKey: jwtSigningKey,
			Issuer:     stringEnv("JWT_ISSUER", "tenancy"),
			Audience:   stringEnv("JWT_AUDIENCE", "tenancy-api"),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     poolSize,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Keycloak: KeycloakConfig{
			URL:          strings.TrimRight(os.Getenv("KEYCLOAK_URL"), "/"),
			Realm:        stringEnv("KEYCLOAK_REALM", "tenancy"),
			ClientID:     os.Getenv("KEYCLOAK_CLIENT_ID"),
			ClientSecret: os.Getenv("KEYCLOAK_CLIENT_SECRET"),
		},
		Kafka: KafkaConfig{
			Brokers:     listEnv("KAFKA_BROKERS"),
			EventsTopic: stringEnv("TENANT_EVENTS_TOPIC", "tenant-events"),
			RelayEvery:  relayEvery,
		},
		Tenancy: TenancyConfig{
			IdentityProviderTimeout:   idpTimeout,
			SessionSetting:            sessionSetting,
			TenantRole:                tenantRole,
			PublicEmailDomains:        publicDomains,
			ResendCooldown:            cooldown,
			ProvisioningRetryInterval: retryEvery,
		},
	}, nil
}

func stringEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func listEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}
