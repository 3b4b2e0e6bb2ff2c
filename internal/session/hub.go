package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"mdbroker/internal/distribution"
	"mdbroker/internal/entitlement"
	"mdbroker/internal/model"
	"mdbroker/internal/model/enum"
	"mdbroker/internal/obs"
	"mdbroker/internal/protocol"
	"mdbroker/internal/subscription"
	"mdbroker/pkg/exception"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/time/rate"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultRequestTimeout   = 10 * time.Second
	defaultOutboxSize       = 1024
)

// SpecResolver turns a client request into a distribution spec.
type SpecResolver interface {
	Resolve(ctx context.Context, bundle model.ExternalIDBundle, ruleSetID string) (distribution.Spec, error)
}

// SubscriptionManager is the part of subscription.Manager sessions use.
type SubscriptionManager interface {
	Attach(ctx context.Context, sink subscription.Sink, spec distribution.Spec) (model.Fields, error)
	Detach(sink subscription.Sink, spec distribution.Spec) bool
	Snapshot(ctx context.Context, spec distribution.Spec) (model.Fields, error)
}

// Config tunes every session of a hub.
type Config struct {
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	OutboxSize       int
	Overflow         OverflowPolicy
	// AllowedUsers restricts who may connect. Empty allows any non-empty name.
	AllowedUsers []string
	// RateLimit is the subscribe and snapshot requests per second of one
	// session. Zero disables limiting.
	RateLimit float64
	RateBurst int
}

type Deps struct {
	Resolver SpecResolver
	Checker  entitlement.Checker
	Manager  SubscriptionManager
	Metrics  *obs.Metrics
}

// Hub owns the live sessions, at most one per user name.
type Hub struct {
	cfg      Config
	allowed  map[string]struct{}
	resolver SpecResolver
	checker  entitlement.Checker
	manager  SubscriptionManager
	metrics  *obs.Metrics

	mu     sync.Mutex
	closed bool
	byUser map[string]*Session
	all    map[*Session]struct{}
	wg     sync.WaitGroup
}

func NewHub(cfg Config, deps Deps) (*Hub, error) {
	if deps.Resolver == nil || deps.Checker == nil || deps.Manager == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "session hub dependencies")
	}
	if cfg.Overflow == 0 {
		cfg.Overflow = OverflowDropOldest
	}
	if !cfg.Overflow.IsAvailable() {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "overflow policy").With("policy", cfg.Overflow)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = defaultOutboxSize
	}
	if cfg.RateLimit > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedUsers))
	for _, user := range cfg.AllowedUsers {
		if user = strings.TrimSpace(user); user != "" {
			allowed[user] = struct{}{}
		}
	}

	return &Hub{
		cfg:      cfg,
		allowed:  allowed,
		resolver: deps.Resolver,
		checker:  deps.Checker,
		manager:  deps.Manager,
		metrics:  deps.Metrics,
		byUser:   make(map[string]*Session),
		all:      make(map[*Session]struct{}),
	}, nil
}

func (h *Hub) authorized(p model.UserPrincipal) bool {
	if p.UserName == "" {
		return false
	}
	if len(h.allowed) == 0 {
		return true
	}
	_, ok := h.allowed[p.UserName]
	return ok
}

func (h *Hub) newSession(ctx context.Context, conn Conn, codec protocol.Codec) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:          uuid.NewString(),
		hub:         h,
		conn:        conn,
		codec:       codec,
		outbox:      newOutbox(h.cfg.OutboxSize, h.cfg.Overflow),
		connectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		writerDone:  make(chan struct{}),
		released:    make(chan struct{}),
		state:       StateAwaitingHandshake,
		byTopic:     make(map[string]*attachment),
		corrs:       make(map[model.CorrelationID]string),
	}
	if h.cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(h.cfg.RateLimit), h.cfg.RateBurst)
	}
	return s
}

func (h *Hub) track(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.all[s] = struct{}{}
	h.wg.Add(1)
	return true
}

// register makes s the session of its user and returns the one it replaces.
func (h *Hub) register(s *Session) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.byUser[s.principal.UserName]
	h.byUser[s.principal.UserName] = s
	return old
}

func (h *Hub) untrack(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.all, s)
	if h.byUser[s.principal.UserName] == s {
		delete(h.byUser, s.principal.UserName)
	}
	h.wg.Done()
}

// Serve runs one connection until it ends: handshake, request handling and
// teardown. It returns the reason the session ended.
func (h *Hub) Serve(ctx context.Context, conn Conn, codec protocol.Codec) error {
	s := h.newSession(ctx, conn, codec)
	defer s.cancel()
	if !h.track(s) {
		_ = conn.Close()
		return exception.ErrSessionClosed
	}
	h.metrics.IncSessionOpened()

	writerStarted := false
	defer func() {
		released := s.teardown(writerStarted)
		h.untrack(s)
		close(s.released)
		h.metrics.IncSessionClosed()
		logs.Infof("session %s (%s) closed, released %d subscriptions", s.id, s.principal, released)
	}()

	principal, err := s.handshake()
	if err != nil {
		return errors.Wrap(err, "handshake")
	}
	s.mu.Lock()
	s.principal = principal
	s.mu.Unlock()

	if !h.authorized(principal) {
		h.metrics.IncSessionRejected()
		logs.Warnf("session %s rejected user %q from %s", s.id, principal.UserName, principal.OriginAddress)
		s.reject()
		return errors.Wrapf(exception.ErrNotAuthorized, "user %q", principal.UserName)
	}

	result := enum.ConnectionNewSuccess
	if old := h.register(s); old != nil {
		logs.Infof("session %s replaces %s for user %s", s.id, old.id, principal.UserName)
		old.kill(exception.ErrSessionClosed)
		select {
		case <-old.released:
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
		h.metrics.IncSessionRestart()
		result = enum.ConnectionExistingRestart
	}
	if f, ok := h.checker.(entitlement.Forgetter); ok {
		f.Forget(principal)
	}

	writerStarted = true
	go s.writeLoop()
	s.setState(StateConnected)
	s.enqueue(protocol.ConnectionResponse{Result: result}, false)
	logs.Infof("session %s (%s) connected, %s", s.id, principal, result)

	return s.readLoop()
}

// Lookup returns the connected session of a user.
func (h *Hub) Lookup(userName string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.byUser[userName]
	return s, ok
}

// Sessions lists every tracked session ordered by user name.
func (h *Hub) Sessions() []Info {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.all))
	for s := range h.all {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].UserName != infos[j].UserName {
			return infos[i].UserName < infos[j].UserName
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Close ends every session and waits for their teardown.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.all))
	for s := range h.all {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.kill(exception.ErrSessionClosed)
	}
	h.wg.Wait()
}
