package entitlement

import (
	"context"
	"sync"
	"time"

	"mdbroker/internal/distribution"
	"mdbroker/internal/model"
	"mdbroker/pkg/exception"

	"github.com/yanun0323/logs"
)

const defaultBackendTimeout = time.Second

// Backend is an external authorization source. It may block.
type Backend interface {
	CheckEntitlement(ctx context.Context, principal model.UserPrincipal, canonical model.CanonicalID) (bool, error)
}

type decision struct {
	allowed bool
	expires time.Time
}

// BackendChecker asks a Backend and caches answers per user for a TTL.
// Backend errors and timeouts deny.
type BackendChecker struct {
	backend Backend
	timeout time.Duration
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]map[model.CanonicalID]decision
}

// BackendOption customizes a BackendChecker.
type BackendOption func(*BackendChecker)

func WithTimeout(d time.Duration) BackendOption {
	return func(c *BackendChecker) {
		c.timeout = d
	}
}

// WithTTL sets how long an answer is reused. Zero disables caching.
func WithTTL(d time.Duration) BackendOption {
	return func(c *BackendChecker) {
		c.ttl = d
	}
}

func withClock(now func() time.Time) BackendOption {
	return func(c *BackendChecker) {
		c.now = now
	}
}

func NewBackendChecker(backend Backend, opts ...BackendOption) (*BackendChecker, error) {
	if backend == nil {
		return nil, exception.ErrNilBackend
	}
	c := &BackendChecker{
		backend: backend,
		timeout: defaultBackendTimeout,
		now:     time.Now,
		cache:   make(map[string]map[model.CanonicalID]decision),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *BackendChecker) IsEntitled(ctx context.Context, principal model.UserPrincipal, spec distribution.Spec) bool {
	if spec.IsZero() {
		return false
	}
	canonical := spec.Canonical()
	if allowed, ok := c.cached(principal.UserName, canonical); ok {
		return allowed
	}

	allowed, err := c.ask(ctx, principal, canonical)
	if err != nil {
		logs.Warnf("entitlement backend failed for %s on %s, denying, err: %+v", principal, canonical, err)
		return false
	}
	c.store(principal.UserName, canonical, allowed)
	return allowed
}

// ask runs the backend call on its own goroutine so a backend that ignores
// ctx still cannot hold the caller past the timeout.
func (c *BackendChecker) ask(ctx context.Context, principal model.UserPrincipal, canonical model.CanonicalID) (bool, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	type answer struct {
		allowed bool
		err     error
	}
	done := make(chan answer, 1)
	go func() {
		allowed, err := c.backend.CheckEntitlement(ctx, principal, canonical)
		done <- answer{allowed: allowed, err: err}
	}()

	select {
	case a := <-done:
		return a.allowed, a.err
	case <-ctx.Done():
		return false, exception.ErrTimeout
	}
}

// Forget drops every cached answer for principal's user name.
func (c *BackendChecker) Forget(principal model.UserPrincipal) {
	c.mu.Lock()
	delete(c.cache, principal.UserName)
	c.mu.Unlock()
}

func (c *BackendChecker) cached(user string, canonical model.CanonicalID) (bool, bool) {
	if c.ttl <= 0 {
		return false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.cache[user][canonical]
	if !ok {
		return false, false
	}
	if !c.now().Before(d.expires) {
		delete(c.cache[user], canonical)
		return false, false
	}
	return d.allowed, true
}

func (c *BackendChecker) store(user string, canonical model.CanonicalID, allowed bool) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.cache[user]
	if !ok {
		m = make(map[model.CanonicalID]decision)
		c.cache[user] = m
	}
	m[canonical] = decision{allowed: allowed, expires: c.now().Add(c.ttl)}
}
