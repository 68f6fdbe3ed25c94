package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. ROLESYNC_REDIS_URL.
const EnvPrefix = "ROLESYNC"

// Config holds the application configuration
type Config struct {
	// Database connection string (DSN) for the system-of-record database
	DatabaseURL string

	// Maximum database connection pool size
	MaxDBConnections int

	// Redis connection URL for the shared role cache
	RedisURL string

	// Admin API bind address (host:port)
	ServerAddr string

	// Enable debug logging
	Debug bool

	// Log output format: "text" or "json"
	LogFormat string

	IdP           IdPConfig
	Breaker       BreakerConfig
	Reconcile     ReconcileConfig
	AdminAuth     AdminAuthConfig
	Observability ObservabilityConfig
}

// IdPConfig configures access to the external identity provider's admin API.
//
// Mode "rest" talks to a Keycloak-compatible admin REST API using the OAuth2
// client credentials grant. Mode "memory" keeps users in process and is only
// meant for local development.
type IdPConfig struct {
	Mode          string
	BaseURL       string // e.g. "https://idp.example.com"
	Realm         string
	TokenURL      string // defaults to the realm's OIDC token endpoint
	ClientID      string
	ClientSecret  string
	RoleAttribute string // user attribute holding the role, default "role"
	PageSize      int
	Timeout       time.Duration
}

// BreakerConfig configures the persistent circuit breakers.
type BreakerConfig struct {
	// Backend selects where breaker state is persisted: "redis", "bolt" or "memory"
	Backend            string
	BoltPath           string
	FailureThreshold   int
	RecoveryTimeout    time.Duration
	BackoffMultiplier  float64
	MaxRecoveryTimeout time.Duration
	Jitter             float64
	StateTTL           time.Duration
	MetricsTTL         time.Duration
	HealthInterval     time.Duration
}

// ReconcileConfig configures the reconciliation engine.
type ReconcileConfig struct {
	BatchSize   int
	BatchPause  time.Duration
	Concurrency int
	// Interval between scheduled full syncs; zero disables the scheduler
	Interval        time.Duration
	DefaultStrategy string
	// Priority is the source order used by the "priority" strategy
	Priority      []string
	CriticalRoles []string
	QueueSize     int
	LockTTL       time.Duration
	SnapshotTTL   time.Duration
	WriteRetries  int
}

// AdminAuthConfig guards the /v1 admin API with HS256 bearer tokens. An empty
// JWTSecret disables authentication.
type AdminAuthConfig struct {
	JWTSecret    string
	Issuer       string
	Audience     string
	RequiredRole string
	TokenTTL     time.Duration
	Leeway       time.Duration
}

// ObservabilityConfig configures OpenTelemetry export.
type ObservabilityConfig struct {
	OTLPEndpoint   string
	OTLPProtocol   string
	OTLPInsecure   bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	// SampleRatio is the fraction of new root traces sampled, 1 samples all
	SampleRatio float64
}

var (
	validSources    = []string{"cache", "idp", "database"}
	validStrategies = []string{"idp_wins", "cache_wins", "database_wins", "priority", "manual"}
	validBackends   = []string{"redis", "bolt", "memory"}
	validRoles      = []string{"viewer", "merchant", "admin"}
)

func setDefaults() {
	viper.SetDefault("max_db_connections", 25)
	viper.SetDefault("redis_url", "redis://localhost:6379/0")
	viper.SetDefault("server_addr", "localhost:8090")
	viper.SetDefault("debug", false)
	viper.SetDefault("log_format", "text")

	viper.SetDefault("idp.mode", "rest")
	viper.SetDefault("idp.realm", "payments")
	viper.SetDefault("idp.role_attribute", "role")
	viper.SetDefault("idp.page_size", 100)
	viper.SetDefault("idp.timeout", 5*time.Second)

	viper.SetDefault("breaker.backend", "redis")
	viper.SetDefault("breaker.bolt_path", "rolesync-breakers.db")
	viper.SetDefault("breaker.failure_threshold", 5)
	viper.SetDefault("breaker.recovery_timeout", 30*time.Second)
	viper.SetDefault("breaker.backoff_multiplier", 2.0)
	viper.SetDefault("breaker.max_recovery_timeout", 5*time.Minute)
	viper.SetDefault("breaker.jitter", 0.1)
	viper.SetDefault("breaker.state_ttl", 24*time.Hour)
	viper.SetDefault("breaker.metrics_ttl", 7*24*time.Hour)
	viper.SetDefault("breaker.health_interval", 30*time.Second)

	viper.SetDefault("reconcile.batch_size", 50)
	viper.SetDefault("reconcile.batch_pause", 100*time.Millisecond)
	viper.SetDefault("reconcile.concurrency", 8)
	viper.SetDefault("reconcile.interval", time.Duration(0))
	viper.SetDefault("reconcile.default_strategy", "priority")
	viper.SetDefault("reconcile.priority", []string{"idp", "database", "cache"})
	viper.SetDefault("reconcile.critical_roles", []string{"admin"})
	viper.SetDefault("reconcile.queue_size", 64)
	viper.SetDefault("reconcile.lock_ttl", 5*time.Second)
	viper.SetDefault("reconcile.snapshot_ttl", 24*time.Hour)
	viper.SetDefault("reconcile.write_retries", 3)

	viper.SetDefault("admin_auth.issuer", "rolesync")
	viper.SetDefault("admin_auth.audience", "rolesync-admin")
	viper.SetDefault("admin_auth.required_role", "admin")
	viper.SetDefault("admin_auth.token_ttl", 12*time.Hour)
	viper.SetDefault("admin_auth.leeway", 30*time.Second)

	viper.SetDefault("observability.otlp_protocol", "http/protobuf")
	viper.SetDefault("observability.service_name", "rolesync")
	viper.SetDefault("observability.service_version", "dev")
	viper.SetDefault("observability.environment", "development")
	viper.SetDefault("observability.sample_ratio", 1.0)
}

// Load reads configuration from ROLESYNC_ environment variables and any config
// file previously registered with viper (see the root command's --config flag).
// Environment variables take precedence over the file, which takes precedence
// over the defaults.
func Load() (*Config, error) {
	setDefaults()
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Nested keys are read with explicit Get calls: AutomaticEnv alone does not
	// populate nested struct fields through Unmarshal.
	cfg := &Config{
		DatabaseURL:      viper.GetString("database_url"),
		MaxDBConnections: viper.GetInt("max_db_connections"),
		RedisURL:         viper.GetString("redis_url"),
		ServerAddr:       viper.GetString("server_addr"),
		Debug:            viper.GetBool("debug"),
		LogFormat:        viper.GetString("log_format"),
		IdP: IdPConfig{
			Mode:          viper.GetString("idp.mode"),
			BaseURL:       viper.GetString("idp.base_url"),
			Realm:         viper.GetString("idp.realm"),
			TokenURL:      viper.GetString("idp.token_url"),
			ClientID:      viper.GetString("idp.client_id"),
			ClientSecret:  viper.GetString("idp.client_secret"),
			RoleAttribute: viper.GetString("idp.role_attribute"),
			PageSize:      viper.GetInt("idp.page_size"),
			Timeout:       viper.GetDuration("idp.timeout"),
		},
		Breaker: BreakerConfig{
			Backend:            viper.GetString("breaker.backend"),
			BoltPath:           viper.GetString("breaker.bolt_path"),
			FailureThreshold:   viper.GetInt("breaker.failure_threshold"),
			RecoveryTimeout:    viper.GetDuration("breaker.recovery_timeout"),
			BackoffMultiplier:  viper.GetFloat64("breaker.backoff_multiplier"),
			MaxRecoveryTimeout: viper.GetDuration("breaker.max_recovery_timeout"),
			Jitter:             viper.GetFloat64("breaker.jitter"),
			StateTTL:           viper.GetDuration("breaker.state_ttl"),
			MetricsTTL:         viper.GetDuration("breaker.metrics_ttl"),
			HealthInterval:     viper.GetDuration("breaker.health_interval"),
		},
		Reconcile: ReconcileConfig{
			BatchSize:       viper.GetInt("reconcile.batch_size"),
			BatchPause:      viper.GetDuration("reconcile.batch_pause"),
			Concurrency:     viper.GetInt("reconcile.concurrency"),
			Interval:        viper.GetDuration("reconcile.interval"),
			DefaultStrategy: viper.GetString("reconcile.default_strategy"),
			Priority:        getList("reconcile.priority"),
			CriticalRoles:   getList("reconcile.critical_roles"),
			QueueSize:       viper.GetInt("reconcile.queue_size"),
			LockTTL:         viper.GetDuration("reconcile.lock_ttl"),
			SnapshotTTL:     viper.GetDuration("reconcile.snapshot_ttl"),
			WriteRetries:    viper.GetInt("reconcile.write_retries"),
		},
		AdminAuth: AdminAuthConfig{
			JWTSecret:    viper.GetString("admin_auth.jwt_secret"),
			Issuer:       viper.GetString("admin_auth.issuer"),
			Audience:     viper.GetString("admin_auth.audience"),
			RequiredRole: viper.GetString("admin_auth.required_role"),
			TokenTTL:     viper.GetDuration("admin_auth.token_ttl"),
			Leeway:       viper.GetDuration("admin_auth.leeway"),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint:   viper.GetString("observability.otlp_endpoint"),
			OTLPProtocol:   viper.GetString("observability.otlp_protocol"),
			OTLPInsecure:   viper.GetBool("observability.otlp_insecure"),
			ServiceName:    viper.GetString("observability.service_name"),
			ServiceVersion: viper.GetString("observability.service_version"),
			Environment:    viper.GetString("observability.environment"),
			SampleRatio:    viper.GetFloat64("observability.sample_ratio"),
		},
	}

	if cfg.IdP.TokenURL == "" && cfg.IdP.BaseURL != "" {
		cfg.IdP.TokenURL = fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token",
			strings.TrimRight(cfg.IdP.BaseURL, "/"), cfg.IdP.Realm)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (env: %s_DATABASE_URL)", EnvPrefix)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("redis_url is required (env: %s_REDIS_URL)", EnvPrefix)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}

	switch c.IdP.Mode {
	case "memory":
	case "rest":
		if c.IdP.BaseURL == "" {
			return fmt.Errorf("%s_IDP_BASE_URL is required for idp mode rest", EnvPrefix)
		}
		if c.IdP.ClientID == "" {
			return fmt.Errorf("%s_IDP_CLIENT_ID is required for idp mode rest", EnvPrefix)
		}
		if c.IdP.ClientSecret == "" {
			return fmt.Errorf("%s_IDP_CLIENT_SECRET is required for idp mode rest", EnvPrefix)
		}
	default:
		return fmt.Errorf("idp.mode must be rest or memory, got %q", c.IdP.Mode)
	}
	if c.IdP.RoleAttribute == "" {
		return fmt.Errorf("idp.role_attribute must not be empty")
	}
	if c.IdP.PageSize < 1 {
		return fmt.Errorf("idp.page_size must be at least 1")
	}

	b := c.Breaker
	if !contains(validBackends, b.Backend) {
		return fmt.Errorf("breaker.backend must be one of %v, got %q", validBackends, b.Backend)
	}
	if b.Backend == "bolt" && b.BoltPath == "" {
		return fmt.Errorf("breaker.bolt_path is required for the bolt backend")
	}
	if b.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if b.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker.recovery_timeout must be positive")
	}
	if b.BackoffMultiplier < 1 {
		return fmt.Errorf("breaker.backoff_multiplier must be >= 1")
	}
	if b.MaxRecoveryTimeout < b.RecoveryTimeout {
		return fmt.Errorf("breaker.max_recovery_timeout must be >= breaker.recovery_timeout")
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		return fmt.Errorf("breaker.jitter must be in [0, 1)")
	}
	if b.MetricsTTL < b.StateTTL {
		return fmt.Errorf("breaker.metrics_ttl must be >= breaker.state_ttl")
	}

	r := c.Reconcile
	if r.BatchSize < 1 {
		return fmt.Errorf("reconcile.batch_size must be at least 1")
	}
	if r.Concurrency < 1 {
		return fmt.Errorf("reconcile.concurrency must be at least 1")
	}
	if r.QueueSize < 1 {
		return fmt.Errorf("reconcile.queue_size must be at least 1")
	}
	if !contains(validStrategies, r.DefaultStrategy) {
		return fmt.Errorf("reconcile.default_strategy must be one of %v, got %q", validStrategies, r.DefaultStrategy)
	}
	if len(r.Priority) == 0 {
		return fmt.Errorf("reconcile.priority must list at least one source")
	}
	seen := make(map[string]bool, len(r.Priority))
	for _, s := range r.Priority {
		if !contains(validSources, s) {
			return fmt.Errorf("reconcile.priority: unknown source %q", s)
		}
		if seen[s] {
			return fmt.Errorf("reconcile.priority: duplicate source %q", s)
		}
		seen[s] = true
	}
	if r.WriteRetries < 0 {
		return fmt.Errorf("reconcile.write_retries must not be negative")
	}

	if c.Observability.SampleRatio < 0 || c.Observability.SampleRatio > 1 {
		return fmt.Errorf("observability.sample_ratio must be in [0, 1]")
	}

	a := c.AdminAuth
	if a.JWTSecret != "" && len(a.JWTSecret) < 32 {
		return fmt.Errorf("%s_ADMIN_AUTH_JWT_SECRET must be at least 32 bytes", EnvPrefix)
	}
	if !contains(validRoles, a.RequiredRole) {
		return fmt.Errorf("admin_auth.required_role must be one of %v, got %q", validRoles, a.RequiredRole)
	}
	if a.TokenTTL <= 0 {
		return fmt.Errorf("admin_auth.token_ttl must be positive")
	}

	return nil
}

// getList reads a string list, accepting comma separated values from the
// environment (cast splits on whitespace only).
func getList(key string) []string {
	raw := viper.GetStringSlice(key)
	var out []string
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
