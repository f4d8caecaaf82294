// Package policy holds the hierarchical rate-limit policy set shared by
// every instance, and keeps each instance's snapshot in step with the
// authoritative copy in the store.
package policy

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
	"time"
)

// Tier names known to the built-in defaults.
const (
	TierStandard = "standard"
	TierAdmin    = "admin"
)

// MaxRefillTime bounds how long an empty bucket may take to refill. A
// bucket lives that long after its last use, so the bound also caps the
// TTL kept in the store.
const MaxRefillTime = 365 * 24 * time.Hour

// Policy is a token bucket configuration. Both values may be fractional:
// a limit of 0.5 allows one request every two minutes.
type Policy struct {
	LimitPerMinute float64 `json:"limitPerMinute" yaml:"limitPerMinute"`
	BurstCapacity  float64 `json:"burstCapacity" yaml:"burstCapacity"`
}

// Capacity is the maximum number of tokens in the bucket.
func (p Policy) Capacity() float64 {
	return p.BurstCapacity
}

// RefillPerSecond is the sustained token refill rate.
func (p Policy) RefillPerSecond() float64 {
	return p.LimitPerMinute / 60
}

// BucketTTLSeconds is how long an idle bucket lives: the time an empty
// bucket takes to refill completely, rounded up to whole seconds and held
// within [1, MaxRefillTime].
func (p Policy) BucketTTLSeconds() int64 {
	maxSeconds := MaxRefillTime.Seconds()
	secs := math.Ceil(p.Capacity() / p.RefillPerSecond())
	switch {
	case math.IsNaN(secs) || secs > maxSeconds:
		return int64(maxSeconds)
	case secs < 1:
		return 1
	}
	return int64(secs)
}

func (p Policy) validate(field string) error {
	if !isPositiveFinite(p.LimitPerMinute) {
		return &ValidationError{Field: field + ".limitPerMinute", Reason: "must be a positive number"}
	}
	if !isPositiveFinite(p.BurstCapacity) {
		return &ValidationError{Field: field + ".burstCapacity", Reason: "must be a positive number"}
	}
	if p.Capacity()/p.RefillPerSecond() > MaxRefillTime.Seconds() {
		return &ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("refilling burstCapacity takes longer than %s", MaxRefillTime),
		}
	}
	return nil
}

func isPositiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}

// PolicySet is the complete policy document. A set held by a Store is a
// private copy and never mutated.
type PolicySet struct {
	Global     *Policy           `json:"global" yaml:"global"`
	ByRoute    map[string]Policy `json:"byRoute" yaml:"byRoute"`
	ByTier     map[string]Policy `json:"byTier" yaml:"byTier"`
	Exemptions []string          `json:"exemptions" yaml:"exemptions"`
}

// DefaultPolicySet returns the built-in policies used until a document is
// stored.
func DefaultPolicySet() *PolicySet {
	global := Policy{LimitPerMinute: 100, BurstCapacity: 120}
	return &PolicySet{
		Global: &global,
		ByRoute: map[string]Policy{
			"/api/heavy": {LimitPerMinute: 20, BurstCapacity: 30},
		},
		ByTier: map[string]Policy{
			TierAdmin:    {LimitPerMinute: 1000, BurstCapacity: 1200},
			TierStandard: global,
		},
		Exemptions: []string{},
	}
}

// Validate reports the first problem found as a *ValidationError. Maps
// are walked in key order so the same document always yields the same
// error.
func (s *PolicySet) Validate() error {
	if s == nil {
		return &ValidationError{Field: "document", Reason: "is missing"}
	}
	if s.Global == nil {
		return &ValidationError{Field: "global", Reason: "is required"}
	}
	if s.ByRoute == nil {
		return &ValidationError{Field: "byRoute", Reason: "is required"}
	}
	if s.ByTier == nil {
		return &ValidationError{Field: "byTier", Reason: "is required"}
	}

	if err := s.Global.validate("global"); err != nil {
		return err
	}
	if err := validateMap("byRoute", s.ByRoute); err != nil {
		return err
	}
	if err := validateMap("byTier", s.ByTier); err != nil {
		return err
	}

	for i, id := range s.Exemptions {
		if id == "" {
			return &ValidationError{Field: fmt.Sprintf("exemptions[%d]", i), Reason: "must not be empty"}
		}
	}
	return nil
}

func validateMap(field string, policies map[string]Policy) error {
	keys := make([]string, 0, len(policies))
	for k := range policies {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if k == "" {
			return &ValidationError{Field: field, Reason: "keys must not be empty"}
		}
		if err := policies[k].validate(fmt.Sprintf("%s[%q]", field, k)); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy. A nil Exemptions list becomes empty so the
// document always serializes with an array.
func (s *PolicySet) Clone() *PolicySet {
	if s == nil {
		return nil
	}
	out := &PolicySet{
		ByRoute:    maps.Clone(s.ByRoute),
		ByTier:     maps.Clone(s.ByTier),
		Exemptions: slices.Clone(s.Exemptions),
	}
	if s.Global != nil {
		g := *s.Global
		out.Global = &g
	}
	if out.Exemptions == nil {
		out.Exemptions = []string{}
	}
	return out
}

// Resolve picks the policy for a request: the tier policy when one is
// defined, else the route policy, else the global policy.
func (s *PolicySet) Resolve(route, tier string) Policy {
	if tier != "" {
		if p, ok := s.ByTier[tier]; ok {
			return p
		}
	}
	if p, ok := s.ByRoute[route]; ok {
		return p
	}
	return *s.Global
}
