package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates service configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateConfig validates a configuration.
func ValidateConfig(config *Config) error {
	return NewValidator().Validate(config)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(config *Config) error {
	v.errors = make(ValidationErrors, 0)

	if config == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateServer(&config.Server)
	v.validateStore(&config.Store)
	v.validateRateLimit(&config.RateLimit)
	v.validatePolicy(&config.Policy)
	v.validateIdentity(&config.Identity)
	v.validateAudit(&config.Audit, config.Store.Type)
	v.validateObservability(&config.Observability)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateServer(server *ServerConfig) {
	if server.Address == "" {
		v.addError("server.address", "address is required")
	}
	if server.ShutdownTimeout < 0 {
		v.addError("server.shutdownTimeout", "must not be negative")
	}
}

func (v *Validator) validateStore(store *StoreConfig) {
	switch store.Type {
	case StoreTypeRedis:
		if len(store.Redis.Addrs) == 0 {
			v.addError("store.redis.addrs", "at least one address is required")
		}
		for i, addr := range store.Redis.Addrs {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				v.addError(fmt.Sprintf("store.redis.addrs[%d]", i), fmt.Sprintf("invalid address %q", addr))
			}
		}
		if store.Redis.ConnectRetries < 0 {
			v.addError("store.redis.connectRetries", "must not be negative")
		}
	case StoreTypeMemory:
	default:
		v.addError("store.type", fmt.Sprintf("unknown store type %q (want redis or memory)", store.Type))
	}
}

// reservedRoutes are mounted by the server and cannot be rate-limited
// resource routes.
var reservedRoutes = map[string]bool{
	"/api/me/quota":   true,
	"/health":         true,
	"/healthz":        true,
	"/ready":          true,
	"/readyz":         true,
	"/admin/policies": true,
}

func (v *Validator) validateRateLimit(rl *RateLimitConfig) {
	if rl.Namespace == "" {
		v.addError("rateLimit.namespace", "namespace is required")
	}
	if rl.Timeout <= 0 {
		v.addError("rateLimit.timeout", "must be positive")
	}
	seen := make(map[string]bool, len(rl.Routes))
	for i, route := range rl.Routes {
		path := fmt.Sprintf("rateLimit.routes[%d]", i)
		if !strings.HasPrefix(route, "/") {
			v.addError(path, fmt.Sprintf("route %q must start with /", route))
		}
		if seen[route] {
			v.addError(path, fmt.Sprintf("duplicate route %q", route))
		}
		if reservedRoutes[route] {
			v.addError(path, fmt.Sprintf("route %q is served by the throttle itself", route))
		}
		seen[route] = true
	}
	if rl.QuotaRoute == "" {
		v.addError("rateLimit.quotaRoute", "quota route is required")
	}
	if rl.CircuitBreaker.Enabled && rl.CircuitBreaker.MaxFailures == 0 {
		v.addError("rateLimit.circuitBreaker.maxFailures", "must be positive when enabled")
	}
}

func (v *Validator) validatePolicy(p *PolicyConfig) {
	if p.Key == "" {
		v.addError("policy.key", "key is required")
	}
	if p.Field == "" {
		v.addError("policy.field", "field is required")
	}
	if p.Channel == "" {
		v.addError("policy.channel", "channel is required")
	}
	if p.ResyncInterval < 0 {
		v.addError("policy.resyncInterval", "must not be negative")
	}
}

func (v *Validator) validateIdentity(id *IdentityConfig) {
	if id.DefaultTier == "" {
		v.addError("identity.defaultTier", "default tier is required")
	}
	if id.APIKeyHeader == "" {
		v.addError("identity.apiKeyHeader", "header name is required")
	}
	for i, cidr := range id.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil && net.ParseIP(cidr) == nil {
			v.addError(fmt.Sprintf("identity.trustedProxies[%d]", i), fmt.Sprintf("invalid CIDR or IP %q", cidr))
		}
	}
}

func (v *Validator) validateAudit(a *AuditConfig, storeType string) {
	if !a.Enabled {
		return
	}
	if a.SampleRate < 0 || a.SampleRate > 1 {
		v.addError("audit.sampleRate", "must be between 0 and 1")
	}
	if a.QueueSize <= 0 {
		v.addError("audit.queueSize", "must be positive")
	}
	if a.Workers <= 0 {
		v.addError("audit.workers", "must be positive")
	}
	switch a.Sink {
	case AuditSinkRedis:
		if storeType != StoreTypeRedis {
			v.addError("audit.sink", "redis sink requires store.type redis")
		}
		if a.Stream == "" {
			v.addError("audit.stream", "stream is required for the redis sink")
		}
	case AuditSinkFile:
		if a.Path == "" {
			v.addError("audit.path", "path is required for the file sink")
		}
	case AuditSinkStdout, AuditSinkStderr, AuditSinkNone:
	default:
		v.addError("audit.sink", fmt.Sprintf("unknown sink %q", a.Sink))
	}
}

func (v *Validator) validateObservability(o *ObservabilityConfig) {
	switch o.Log.Format {
	case "json", "console":
	default:
		v.addError("observability.log.format", fmt.Sprintf("unknown format %q", o.Log.Format))
	}
	if o.Metrics.Enabled && !strings.HasPrefix(o.Metrics.Path, "/") {
		v.addError("observability.metrics.path", "must start with /")
	}
	if o.Tracing.SamplingRate < 0 || o.Tracing.SamplingRate > 1 {
		v.addError("observability.tracing.samplingRate", "must be between 0 and 1")
	}
}

// addError adds a validation error.
func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{
		Path:    path,
		Message: message,
	})
}
