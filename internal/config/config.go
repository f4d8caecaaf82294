package config

import "time"

// Store backend types.
const (
	StoreTypeRedis  = "redis"
	StoreTypeMemory = "memory"
)

// Audit sink types.
const (
	AuditSinkRedis  = "redis"
	AuditSinkStdout = "stdout"
	AuditSinkStderr = "stderr"
	AuditSinkFile   = "file"
	AuditSinkNone   = "none"
)

// DefaultShutdownTimeout bounds graceful shutdown when none is configured.
const DefaultShutdownTimeout = 15 * time.Second

// Config is the root configuration of the throttle service.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Store         StoreConfig         `yaml:"store" json:"store"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit" json:"rateLimit"`
	Policy        PolicyConfig        `yaml:"policy" json:"policy"`
	Identity      IdentityConfig      `yaml:"identity" json:"identity"`
	Audit         AuditConfig         `yaml:"audit" json:"audit"`
	Admin         AdminConfig         `yaml:"admin" json:"admin"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string   `yaml:"address" json:"address"`
	ReadTimeout     Duration `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`
	WriteTimeout    Duration `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`
	IdleTimeout     Duration `yaml:"idleTimeout,omitempty" json:"idleTimeout,omitempty"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout,omitempty" json:"shutdownTimeout,omitempty"`
}

// StoreConfig selects the shared state backend.
type StoreConfig struct {
	// Type is "redis" (shared across instances) or "memory" (single instance).
	Type  string      `yaml:"type" json:"type"`
	Redis RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig configures the Redis client. A single address gives a
// standalone client, several give a cluster client, and a non-empty
// MasterName gives a sentinel-backed failover client.
type RedisConfig struct {
	Addrs               []string `yaml:"addrs" json:"addrs"`
	MasterName          string   `yaml:"masterName,omitempty" json:"masterName,omitempty"`
	Username            string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password            string   `yaml:"password,omitempty" json:"-"`
	DB                  int      `yaml:"db,omitempty" json:"db,omitempty"`
	PoolSize            int      `yaml:"poolSize,omitempty" json:"poolSize,omitempty"`
	DialTimeout         Duration `yaml:"dialTimeout,omitempty" json:"dialTimeout,omitempty"`
	ConnectRetries      int      `yaml:"connectRetries,omitempty" json:"connectRetries,omitempty"`
	RetryInitialBackoff Duration `yaml:"retryInitialBackoff,omitempty" json:"retryInitialBackoff,omitempty"`
	RetryMaxBackoff     Duration `yaml:"retryMaxBackoff,omitempty" json:"retryMaxBackoff,omitempty"`
}

// RateLimitConfig configures the token bucket limiter.
type RateLimitConfig struct {
	Namespace string `yaml:"namespace" json:"namespace"`
	// Timeout bounds a single check-and-consume round trip.
	Timeout Duration `yaml:"timeout" json:"timeout"`
	// Routes lists the protected routes served by the demo handlers.
	Routes     []string `yaml:"routes" json:"routes"`
	QuotaRoute string   `yaml:"quotaRoute" json:"quotaRoute"`
	// WarnInterval is the minimum gap between fail-open warnings.
	WarnInterval   Duration             `yaml:"warnInterval" json:"warnInterval"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
}

// CircuitBreakerConfig configures the breaker around the store.
type CircuitBreakerConfig struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	MaxFailures      uint32   `yaml:"maxFailures" json:"maxFailures"`
	OpenTimeout      Duration `yaml:"openTimeout" json:"openTimeout"`
	HalfOpenRequests uint32   `yaml:"halfOpenRequests" json:"halfOpenRequests"`
}

// PolicyConfig configures policy persistence and propagation.
type PolicyConfig struct {
	Key            string   `yaml:"key" json:"key"`
	Field          string   `yaml:"field" json:"field"`
	Channel        string   `yaml:"channel" json:"channel"`
	ResyncInterval Duration `yaml:"resyncInterval" json:"resyncInterval"`
	// File optionally seeds the policy set from a YAML or JSON document.
	// It is watched and re-applied on change.
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// IdentityConfig configures caller identification.
type IdentityConfig struct {
	TierClaim      string   `yaml:"tierClaim" json:"tierClaim"`
	DefaultTier    string   `yaml:"defaultTier" json:"defaultTier"`
	APIKeyHeader   string   `yaml:"apiKeyHeader" json:"apiKeyHeader"`
	TrustedProxies []string `yaml:"trustedProxies,omitempty" json:"trustedProxies,omitempty"`
}

// AuditConfig configures denial sampling.
type AuditConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	SampleRate   float64  `yaml:"sampleRate" json:"sampleRate"`
	QueueSize    int      `yaml:"queueSize" json:"queueSize"`
	Workers      int      `yaml:"workers" json:"workers"`
	WriteTimeout Duration `yaml:"writeTimeout" json:"writeTimeout"`
	Sink         string   `yaml:"sink" json:"sink"`
	Stream       string   `yaml:"stream,omitempty" json:"stream,omitempty"`
	MaxLen       int64    `yaml:"maxLen,omitempty" json:"maxLen,omitempty"`
	Path         string   `yaml:"path,omitempty" json:"path,omitempty"`
}

// AdminConfig configures the policy administration endpoints.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Token   string `yaml:"token,omitempty" json:"-"`
}

// ObservabilityConfig groups logging, metrics and tracing.
type ObservabilityConfig struct {
	Log     LogConfig     `yaml:"log" json:"log"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	// Address serves metrics on a separate listener when set.
	Address string `yaml:"address,omitempty" json:"address,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"serviceName,omitempty" json:"serviceName,omitempty"`
	OTLPEndpoint string  `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
}

// DefaultConfig returns the configuration used when no file is given.
// Loaded files are decoded on top of it, so omitted keys keep these values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			IdleTimeout:     Duration(60 * time.Second),
			ShutdownTimeout: Duration(DefaultShutdownTimeout),
		},
		Store: StoreConfig{
			Type: StoreTypeRedis,
			Redis: RedisConfig{
				Addrs:               []string{"localhost:6379"},
				PoolSize:            20,
				DialTimeout:         Duration(2 * time.Second),
				ConnectRetries:      3,
				RetryInitialBackoff: Duration(100 * time.Millisecond),
				RetryMaxBackoff:     Duration(2 * time.Second),
			},
		},
		RateLimit: RateLimitConfig{
			Namespace:    "rate",
			Timeout:      Duration(100 * time.Millisecond),
			Routes:       []string{"/api/resource", "/api/heavy"},
			QuotaRoute:   "/api/resource",
			WarnInterval: Duration(10 * time.Second),
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				MaxFailures:      5,
				OpenTimeout:      Duration(5 * time.Second),
				HalfOpenRequests: 1,
			},
		},
		Policy: PolicyConfig{
			Key:            "rate:policies",
			Field:          "current",
			Channel:        "rate_policies_broadcast",
			ResyncInterval: Duration(30 * time.Second),
		},
		Identity: IdentityConfig{
			TierClaim:    "tier",
			DefaultTier:  "standard",
			APIKeyHeader: "X-API-Key",
		},
		Audit: AuditConfig{
			Enabled:      true,
			SampleRate:   0.25,
			QueueSize:    1024,
			Workers:      2,
			WriteTimeout: Duration(time.Second),
			Sink:         AuditSinkRedis,
			Stream:       "throttle_events",
			MaxLen:       100000,
		},
		Admin: AdminConfig{
			Enabled: true,
		},
		Observability: ObservabilityConfig{
			Log: LogConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
			Tracing: TracingConfig{
				ServiceName:  "avathrottle",
				SamplingRate: 1.0,
			},
		},
	}
}
