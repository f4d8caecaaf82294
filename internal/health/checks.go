// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// HealthCheck defines the interface for health checks.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// DependencyCheck checks one dependency. A failing critical dependency
// makes the instance not ready; a failing non-critical one only marks it
// degraded.
type DependencyCheck struct {
	name     string
	checkFn  func(ctx context.Context) error
	critical bool
}

// DependencyCheckOption configures a DependencyCheck.
type DependencyCheckOption func(*DependencyCheck)

// WithCritical marks the dependency as critical.
func WithCritical(critical bool) DependencyCheckOption {
	return func(d *DependencyCheck) {
		d.critical = critical
	}
}

// NewDependencyCheck creates a critical dependency check.
func NewDependencyCheck(name string, checkFn func(ctx context.Context) error, opts ...DependencyCheckOption) *DependencyCheck {
	d := &DependencyCheck{
		name:     name,
		checkFn:  checkFn,
		critical: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the name of the dependency check.
func (d *DependencyCheck) Name() string {
	return d.name
}

// Check performs the dependency health check.
func (d *DependencyCheck) Check(ctx context.Context) error {
	return d.checkFn(ctx)
}

// IsCritical returns true if the dependency is critical.
func (d *DependencyCheck) IsCritical() bool {
	return d.critical
}

// RedisHealthCheck pings a Redis client.
func RedisHealthCheck(name string, client redis.UniversalClient, opts ...DependencyCheckOption) *DependencyCheck {
	return NewDependencyCheck(name, func(ctx context.Context) error {
		if client == nil {
			return errors.New("redis client is nil")
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	}, opts...)
}

func isCritical(check HealthCheck) bool {
	if d, ok := check.(interface{ IsCritical() bool }); ok {
		return d.IsCritical()
	}
	return true
}
