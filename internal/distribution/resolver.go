package distribution

import (
	"context"
	"sync"
	"time"

	"mdbroker/internal/model"
	"mdbroker/internal/normalize"
	"mdbroker/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	defaultTimeout         = 2 * time.Second
	defaultMaxCacheEntries = 1 << 16
)

// IdentifierResolver maps a bundle to its canonical id.
type IdentifierResolver interface {
	Resolve(ctx context.Context, bundle model.ExternalIDBundle) (model.CanonicalID, bool, error)
}

// RuleResolver maps a rule set id to a rule set.
type RuleResolver interface {
	Resolve(id string) (*normalize.RuleSet, bool)
}

// TopicNamer builds the routing key of a canonical id and rule set.
type TopicNamer interface {
	Name(canonical model.CanonicalID, ruleSetID string) (string, error)
}

// Resolver composes identifier resolution, rule set lookup and topic naming
// into a Spec. It is the only constructor of valid specs.
type Resolver struct {
	ids     IdentifierResolver
	rules   RuleResolver
	namer   TopicNamer
	timeout time.Duration

	maxCache int
	mu       sync.RWMutex
	cache    map[string]Spec
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithTimeout bounds each resolution. Non-positive disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		r.timeout = d
	}
}

// WithMaxCacheEntries bounds the spec cache. Zero disables caching.
func WithMaxCacheEntries(n int) Option {
	return func(r *Resolver) {
		r.maxCache = n
	}
}

func NewResolver(ids IdentifierResolver, rules RuleResolver, namer TopicNamer, opts ...Option) (*Resolver, error) {
	if ids == nil || rules == nil || namer == nil {
		return nil, exception.ErrNilInstance
	}
	r := &Resolver{
		ids:      ids,
		rules:    rules,
		namer:    namer,
		timeout:  defaultTimeout,
		maxCache: defaultMaxCacheEntries,
		cache:    make(map[string]Spec),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve turns a raw bundle and rule set id into a Spec. It fails with
// ErrUnresolvableIdentifier when no bundle member resolves and with
// ErrUnknownNormalizationRule when the rule set is not configured. A lookup
// that runs out of time fails with ErrTimeout.
func (r *Resolver) Resolve(ctx context.Context, bundle model.ExternalIDBundle, ruleSetID string) (Spec, error) {
	if bundle.IsEmpty() {
		return Spec{}, errors.Wrap(exception.ErrUnresolvableIdentifier, "empty bundle")
	}

	key := bundle.Key() + "\x00" + ruleSetID
	if spec, ok := r.cached(key); ok {
		return spec, nil
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	canonical, found, err := r.ids.Resolve(ctx, bundle)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			logs.Warnf("identifier resolution of %s timed out", bundle)
			return Spec{}, errors.Wrapf(exception.ErrTimeout, "resolve bundle %s", bundle).With("timeout", r.timeout)
		}
		logs.Warnf("identifier resolution of %s failed, err: %+v", bundle, err)
		return Spec{}, errors.Wrapf(exception.ErrUnresolvableIdentifier, "bundle %s: %v", bundle, err)
	}
	if !found {
		return Spec{}, errors.Wrapf(exception.ErrUnresolvableIdentifier, "bundle %s", bundle)
	}

	ruleSet, ok := r.rules.Resolve(ruleSetID)
	if !ok {
		logs.Errorf("normalization rule set %q is not configured, request for %s rejected", ruleSetID, canonical)
		return Spec{}, errors.Wrapf(exception.ErrUnknownNormalizationRule, "rule set %q", ruleSetID)
	}

	topic, err := r.namer.Name(canonical, ruleSet.ID())
	if err != nil {
		return Spec{}, errors.Wrapf(exception.ErrUnresolvableIdentifier, "topic of %s: %v", canonical, err)
	}

	spec := Spec{canonical: canonical, ruleSet: ruleSet, topic: topic}
	r.store(key, spec)
	return spec, nil
}

// Reset clears the spec cache.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.cache = make(map[string]Spec)
	r.mu.Unlock()
}

func (r *Resolver) cached(key string) (Spec, bool) {
	r.mu.RLock()
	spec, ok := r.cache[key]
	r.mu.RUnlock()
	return spec, ok
}

func (r *Resolver) store(key string, spec Spec) {
	if r.maxCache <= 0 {
		return
	}
	r.mu.Lock()
	if len(r.cache) >= r.maxCache {
		r.cache = make(map[string]Spec, r.maxCache)
	}
	r.cache[key] = spec
	r.mu.Unlock()
}
