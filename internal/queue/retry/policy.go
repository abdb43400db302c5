// Package retry implements C7: a pure function of attempt count to the next
// backoff delay, plus the dead-letter threshold check.
package retry

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy computes backoff(attempts) = min(base*factor^(attempts-1), cap) +
// jitter, and the dead-letter decision, per spec §4.7.
type Policy struct {
	Base           time.Duration
	Factor         float64
	Cap            time.Duration
	DeadLetterOn   bool
}

// DefaultPolicy matches spec §4.7's defaults.
func DefaultPolicy() Policy {
	return Policy{
		Base:         1 * time.Second,
		Factor:       2,
		Cap:          300 * time.Second,
		DeadLetterOn: false,
	}
}

// Backoff returns the delay before the next attempt, given attempts (the
// 1-indexed attempt count that just failed). The exponential curve itself
// comes from cenkalti/backoff/v4's ExponentialBackOff: RandomizationFactor
// is zeroed so NextBackOff() walks the pure Initial*Multiplier^n curve
// capped at MaxInterval, and jitter (uniform(0, base), per spec) is added
// on top rather than left to the library's own randomization.
func (p Policy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.base()
	eb.Multiplier = p.factor()
	eb.MaxInterval = p.capDuration()
	eb.MaxElapsedTime = 0 // uncapped: only MaxInterval bounds the curve, not wall-clock elapsed time
	eb.RandomizationFactor = 0
	eb.Reset()

	delay := eb.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = eb.NextBackOff()
	}

	jitter := time.Duration(rand.Int63n(int64(p.base()) + 1))
	return delay + jitter
}

func (p Policy) base() time.Duration {
	if p.Base <= 0 {
		return DefaultPolicy().Base
	}
	return p.Base
}

func (p Policy) factor() float64 {
	if p.Factor <= 0 {
		return DefaultPolicy().Factor
	}
	return p.Factor
}

func (p Policy) capDuration() time.Duration {
	if p.Cap <= 0 {
		return DefaultPolicy().Cap
	}
	return p.Cap
}

// ShouldDeadLetter reports whether attempts have exhausted max_attempts and
// dead-lettering is enabled for this policy (spec §4.7).
func (p Policy) ShouldDeadLetter(attempts, maxAttempts int) bool {
	return attempts >= maxAttempts && p.DeadLetterOn
}

// Resolver resolves a Policy by task type, falling back to a default
// (spec §4.7: "Policies are resolvable by task type with fallback to a
// default").
type Resolver struct {
	Default  Policy
	ByType   map[string]Policy
}

// NewResolver builds a Resolver with the given default and no per-type
// overrides.
func NewResolver(def Policy) *Resolver {
	return &Resolver{Default: def, ByType: make(map[string]Policy)}
}

// For returns the Policy for a task type.
func (r *Resolver) For(taskType string) Policy {
	if r == nil {
		return DefaultPolicy()
	}
	if p, ok := r.ByType[taskType]; ok {
		return p
	}
	return r.Default
}

// SetForType installs a per-type override.
func (r *Resolver) SetForType(taskType string, p Policy) {
	if r.ByType == nil {
		r.ByType = make(map[string]Policy)
	}
	r.ByType[taskType] = p
}
