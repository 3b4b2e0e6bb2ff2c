package identifier

import (
	"context"
	"strings"
	"sync"

	"mdbroker/internal/model"
	"mdbroker/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/singleflight"
)

const defaultMaxCacheEntries = 1 << 16

// Source looks up the canonical identifier of a single external id.
// A miss is reported with ok=false, never with an error.
type Source interface {
	Lookup(ctx context.Context, id model.ExternalID) (canonical model.CanonicalID, ok bool, err error)
}

// Resolver maps an identifier bundle to one canonical identifier.
//
// A bundle that already carries an id of the canonical scheme resolves to
// that id without touching the source, which makes resolution idempotent.
// Other bundles are looked up member by member in bundle order; the first
// hit wins. Hits are cached per bundle; the cache is advisory.
type Resolver struct {
	scheme   string
	source   Source
	maxCache int

	mu    sync.RWMutex
	cache map[string]model.CanonicalID
	group singleflight.Group
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithMaxCacheEntries bounds the bundle cache. Zero disables caching.
func WithMaxCacheEntries(n int) Option {
	return func(r *Resolver) {
		r.maxCache = n
	}
}

// NewResolver creates a resolver for the given canonical scheme.
// A nil source resolves canonical bundles only.
func NewResolver(canonicalScheme string, source Source, opts ...Option) (*Resolver, error) {
	canonicalScheme = strings.TrimSpace(canonicalScheme)
	if canonicalScheme == "" {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "empty canonical scheme")
	}
	r := &Resolver{
		scheme:   canonicalScheme,
		source:   source,
		maxCache: defaultMaxCacheEntries,
		cache:    make(map[string]model.CanonicalID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// CanonicalScheme returns the scheme every resolved identifier carries.
func (r *Resolver) CanonicalScheme() string {
	return r.scheme
}

// Resolve returns the canonical identifier of bundle. ok=false means no
// member is known, which is an expected outcome and not an error.
func (r *Resolver) Resolve(ctx context.Context, bundle model.ExternalIDBundle) (model.CanonicalID, bool, error) {
	if bundle.IsEmpty() {
		return model.CanonicalID{}, false, nil
	}
	if id, ok := bundle.Get(r.scheme); ok {
		return model.CanonicalID(id), true, nil
	}

	key := bundle.Key()
	if canonical, ok := r.cached(key); ok {
		return canonical, true, nil
	}
	if r.source == nil {
		return model.CanonicalID{}, false, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.lookup(ctx, bundle)
	})
	if err != nil {
		return model.CanonicalID{}, false, err
	}
	canonical := v.(model.CanonicalID)
	if canonical.IsZero() {
		return model.CanonicalID{}, false, nil
	}
	r.store(key, canonical)
	return canonical, true, nil
}

// Forget drops the cached resolution of bundle.
func (r *Resolver) Forget(bundle model.ExternalIDBundle) {
	r.mu.Lock()
	delete(r.cache, bundle.Key())
	r.mu.Unlock()
}

// Reset clears the cache.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.cache = make(map[string]model.CanonicalID)
	r.mu.Unlock()
}

// CacheLen returns the number of cached bundles.
func (r *Resolver) CacheLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *Resolver) lookup(ctx context.Context, bundle model.ExternalIDBundle) (model.CanonicalID, error) {
	var lastErr error
	for _, id := range bundle.IDs() {
		if err := ctx.Err(); err != nil {
			return model.CanonicalID{}, err
		}
		canonical, ok, err := r.source.Lookup(ctx, id)
		if err != nil {
			lastErr = errors.Wrap(err, "lookup").With("id", id.String())
			continue
		}
		if !ok {
			continue
		}
		if canonical.Scheme != r.scheme {
			logs.Warnf("identifier source mapped %s to %s, which is not of canonical scheme %s", id, canonical, r.scheme)
			continue
		}
		return canonical, nil
	}
	if lastErr != nil {
		return model.CanonicalID{}, lastErr
	}
	return model.CanonicalID{}, nil
}

func (r *Resolver) cached(key string) (model.CanonicalID, bool) {
	r.mu.RLock()
	canonical, ok := r.cache[key]
	r.mu.RUnlock()
	return canonical, ok
}

func (r *Resolver) store(key string, canonical model.CanonicalID) {
	if r.maxCache <= 0 {
		return
	}
	r.mu.Lock()
	if len(r.cache) >= r.maxCache {
		r.cache = make(map[string]model.CanonicalID, r.maxCache)
	}
	r.cache[key] = canonical
	r.mu.Unlock()
}
