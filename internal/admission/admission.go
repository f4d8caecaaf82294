// Package admission decides whether a request may proceed and what the
// caller is told about its quota.
//
// Admit walks a fixed sequence of states:
//
//	INIT -> IDENTIFY -> RESOLVE_POLICY -> CONSUME -> ALLOW | DENY
//
// Exempt identities skip CONSUME and are allowed with a full bucket
// reported. Only DENY produces an audit record.
package admission

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/vyrodovalexey/avathrottle/internal/audit"
	"github.com/vyrodovalexey/avathrottle/internal/identity"
	"github.com/vyrodovalexey/avathrottle/internal/observability"
	"github.com/vyrodovalexey/avathrottle/internal/policy"
	"github.com/vyrodovalexey/avathrottle/internal/ratelimit"
)

// State is a step of the admission state machine.
type State string

// States.
const (
	StateInit          State = "INIT"
	StateIdentify      State = "IDENTIFY"
	StateResolvePolicy State = "RESOLVE_POLICY"
	StateConsume       State = "CONSUME"
	StateAllow         State = "ALLOW"
	StateDeny          State = "DENY"
)

// Response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// DenyMessage is the error text of the 429 body.
const DenyMessage = "Too Many Requests"

// IdentityResolver derives the caller identity.
type IdentityResolver interface {
	Derive(r *http.Request) identity.Identity
}

// PolicySource resolves policies and exemptions.
type PolicySource interface {
	Resolve(route, tier string) policy.Policy
	IsExempt(id string) bool
}

// Consumer takes tokens from a bucket.
type Consumer interface {
	CheckAndConsume(ctx context.Context, route string, id identity.Identity, p policy.Policy, cost int) (ratelimit.Result, error)
}

// Recorder samples denials.
type Recorder interface {
	MaybeRecord(ctx context.Context, route string, id identity.Identity, snapshot audit.LimitSnapshot) bool
}

// Decision is the outcome of Admit.
type Decision struct {
	State    State
	Route    string
	Identity identity.Identity
	Policy   policy.Policy
	Result   ratelimit.Result
	Exempt   bool
	// StoreErr is set when the limiter failed open.
	StoreErr error
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool {
	return d.State == StateAllow
}

// RetryAfter is the Retry-After value of a denial, never below one.
func (d Decision) RetryAfter() int {
	return max(1, d.Result.ResetSeconds)
}

// StatusCode is the status a denied request is answered with, or 200.
func (d Decision) StatusCode() int {
	if d.Allowed() {
		return http.StatusOK
	}
	return http.StatusTooManyRequests
}

// SetHeaders writes the rate limit headers for d.
func (d Decision) SetHeaders(h http.Header) {
	h.Set(HeaderLimit, strconv.FormatFloat(d.Result.Limit, 'f', -1, 64))
	h.Set(HeaderRemaining, strconv.Itoa(d.Result.Remaining))
	h.Set(HeaderReset, strconv.Itoa(d.Result.ResetSeconds))
	if !d.Allowed() {
		h.Set(HeaderRetryAfter, strconv.Itoa(d.RetryAfter()))
	}
}

// Controller runs the admission state machine.
type Controller struct {
	identities IdentityResolver
	policies   PolicySource
	limiter    Consumer
	recorder   Recorder
	cost       int
	logger     observability.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithRecorder sets where denials are sampled to.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) {
		c.recorder = r
	}
}

// WithCost sets the tokens each request consumes.
func WithCost(cost int) Option {
	return func(c *Controller) {
		c.cost = cost
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController creates a controller.
func NewController(identities IdentityResolver, policies PolicySource, limiter Consumer, opts ...Option) *Controller {
	c := &Controller{
		identities: identities,
		policies:   policies,
		limiter:    limiter,
		cost:       1,
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Admit decides whether r may proceed on route.
func (c *Controller) Admit(ctx context.Context, r *http.Request, route string) Decision {
	d := Decision{State: StateInit, Route: route}

	d.State = StateIdentify
	d.Identity = c.identities.Derive(r)

	d.State = StateResolvePolicy
	d.Policy = c.policies.Resolve(route, d.Identity.Tier)

	if c.policies.IsExempt(d.Identity.ID) {
		d.Exempt = true
		d.Result = ratelimit.Result{
			Allowed:   true,
			Limit:     d.Policy.LimitPerMinute,
			Remaining: int(math.Floor(d.Policy.BurstCapacity)),
		}
		d.State = StateAllow
		return d
	}

	d.State = StateConsume
	d.Result, d.StoreErr = c.limiter.CheckAndConsume(ctx, route, d.Identity, d.Policy, c.cost)

	if d.Result.Allowed {
		d.State = StateAllow
		return d
	}

	d.State = StateDeny
	c.logger.WithContext(ctx).Debug("request throttled",
		observability.String("route", route),
		observability.String("identity", d.Identity.ID),
		observability.Int("reset_seconds", d.Result.ResetSeconds),
	)
	if c.recorder != nil {
		c.recorder.MaybeRecord(ctx, route, d.Identity, audit.LimitSnapshot{
			Limit:        d.Result.Limit,
			Remaining:    d.Result.Remaining,
			ResetSeconds: d.Result.ResetSeconds,
		})
	}
	return d
}
