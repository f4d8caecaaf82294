// Package identity derives the stable, namespaced caller identity that
// keys a rate-limit bucket, together with the caller's tier.
//
// Bearer token claims are read without verifying the signature. Callers
// that need trusted tiers must verify upstream and pass the result in
// with WithVerifiedSubject, which always takes precedence.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Identity prefixes.
const (
	PrefixUser = "user:"
	PrefixKey  = "key:"
	PrefixIP   = "ip:"
)

// Source tells which request attribute produced an identity.
type Source string

// Identity sources, in precedence order.
const (
	SourceVerified Source = "verified"
	SourceToken    Source = "token"
	SourceAPIKey   Source = "api_key"
	SourceAddress  Source = "address"
)

// Defaults used when Config leaves a field empty.
const (
	DefaultTier         = "standard"
	DefaultTierClaim    = "tier"
	DefaultAPIKeyHeader = "X-API-Key"

	unknownAddress = "unknown"
	keyDigestChars = 16
	bearerPrefix   = "Bearer "
)

// Identity is a caller as seen by the limiter.
type Identity struct {
	ID     string
	Tier   string
	Source Source
}

// Config configures a Resolver.
type Config struct {
	TierClaim      string
	DefaultTier    string
	APIKeyHeader   string
	TrustedProxies []string
}

// Resolver derives identities from requests. It is safe for concurrent
// use.
type Resolver struct {
	tierClaim    string
	defaultTier  string
	apiKeyHeader string
	clientIP     *ClientIPExtractor
}

// NewResolver creates a resolver.
func NewResolver(cfg Config) *Resolver {
	r := &Resolver{
		tierClaim:    cfg.TierClaim,
		defaultTier:  cfg.DefaultTier,
		apiKeyHeader: cfg.APIKeyHeader,
		clientIP:     NewClientIPExtractor(cfg.TrustedProxies),
	}
	if r.tierClaim == "" {
		r.tierClaim = DefaultTierClaim
	}
	if r.defaultTier == "" {
		r.defaultTier = DefaultTier
	}
	if r.apiKeyHeader == "" {
		r.apiKeyHeader = DefaultAPIKeyHeader
	}
	return r
}

// Derive returns the identity for req. It never fails: a request with
// nothing usable maps to "ip:unknown".
func (r *Resolver) Derive(req *http.Request) Identity {
	if subject, tier, ok := verifiedSubject(req.Context()); ok {
		return Identity{ID: PrefixUser + subject, Tier: r.tierOrDefault(tier), Source: SourceVerified}
	}

	if subject, tier, ok := r.bearerClaims(req); ok {
		return Identity{ID: PrefixUser + subject, Tier: r.tierOrDefault(tier), Source: SourceToken}
	}

	if key := req.Header.Get(r.apiKeyHeader); key != "" {
		return Identity{ID: PrefixKey + digest(key), Tier: r.defaultTier, Source: SourceAPIKey}
	}

	addr := sanitizeIP(r.clientIP.Extract(req))
	if addr == "" {
		addr = unknownAddress
	}
	return Identity{ID: PrefixIP + addr, Tier: r.defaultTier, Source: SourceAddress}
}

func (r *Resolver) tierOrDefault(tier string) string {
	if tier == "" {
		return r.defaultTier
	}
	return tier
}

// bearerClaims decodes the bearer token without verification and returns
// its subject and tier claim. Undecodable tokens and tokens without a
// subject are ignored.
func (r *Resolver) bearerClaims(req *http.Request) (subject, tier string, ok bool) {
	header := req.Header.Get("Authorization")
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", "", false
	}
	raw := strings.TrimSpace(header[len(bearerPrefix):])
	if raw == "" {
		return "", "", false
	}

	token, err := jwt.ParseInsecure([]byte(raw))
	if err != nil || token.Subject() == "" {
		return "", "", false
	}

	if v, found := token.Get(r.tierClaim); found {
		if s, isString := v.(string); isString {
			tier = s
		}
	}
	return token.Subject(), tier, true
}

// digest hides the raw key while keeping one bucket per key.
func digest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:keyDigestChars]
}

type verifiedKey struct{}

type verified struct {
	subject string
	tier    string
}

// WithVerifiedSubject records a subject (and optional tier) established
// by an upstream authenticator. It overrides every other source.
func WithVerifiedSubject(ctx context.Context, subject, tier string) context.Context {
	return context.WithValue(ctx, verifiedKey{}, verified{subject: subject, tier: tier})
}

func verifiedSubject(ctx context.Context) (subject, tier string, ok bool) {
	v, found := ctx.Value(verifiedKey{}).(verified)
	if !found || v.subject == "" {
		return "", "", false
	}
	return v.subject, v.tier, true
}
