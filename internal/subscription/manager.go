package subscription

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mdbroker/internal/distribution"
	"mdbroker/internal/model"
	"mdbroker/internal/obs"
	"mdbroker/pkg/exception"
	"mdbroker/pkg/retry"

	"github.com/cespare/xxhash/v2"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	defaultShardCount         = 32
	defaultSubscribeTimeout   = 5 * time.Second
	defaultUnsubscribeTimeout = 5 * time.Second
	defaultSnapshotTimeout    = 3 * time.Second
	defaultSnapshotAttempts   = 3
)

// Config tunes a Manager. Zero values take defaults.
type Config struct {
	Shards             int
	SubscribeTimeout   time.Duration
	UnsubscribeTimeout time.Duration
	SnapshotTimeout    time.Duration
	SnapshotAttempts   int
	Backoff            retry.Backoff
	Metrics            *obs.Metrics
}

// Manager reference-counts upstream subscriptions keyed by distribution
// spec and fans normalized ticks out to attached sinks.
//
// Lock order is shard.mu then Subscription.mu. linesMu and line.mu are
// never taken while holding either of them.
type Manager struct {
	feed    Feed
	cfg     Config
	metrics *obs.Metrics
	shards  []*shard

	linesMu  sync.Mutex
	lines    map[model.CanonicalID]*line
	draining map[model.CanonicalID]*line

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

type shard struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewManager creates a manager on top of feed.
func NewManager(feed Feed, cfg Config) (*Manager, error) {
	if feed == nil {
		return nil, exception.ErrNilFeed
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShardCount
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = defaultSubscribeTimeout
	}
	if cfg.UnsubscribeTimeout <= 0 {
		cfg.UnsubscribeTimeout = defaultUnsubscribeTimeout
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = defaultSnapshotTimeout
	}
	if cfg.SnapshotAttempts <= 0 {
		cfg.SnapshotAttempts = defaultSnapshotAttempts
	}
	if cfg.Backoff.IsZero() {
		cfg.Backoff = retry.DefaultBackoff()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		feed:     feed,
		cfg:      cfg,
		metrics:  cfg.Metrics,
		shards:   make([]*shard, cfg.Shards),
		lines:    make(map[model.CanonicalID]*line),
		draining: make(map[model.CanonicalID]*line),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := range m.shards {
		m.shards[i] = &shard{subs: make(map[string]*Subscription)}
	}
	return m, nil
}

func (m *Manager) shardFor(topic string) *shard {
	return m.shards[xxhash.Sum64String(topic)%uint64(len(m.shards))]
}

// Attach adds sink to the subscription of spec and returns a copy of the
// last-known snapshot, which may be nil. The first attach of a spec creates
// the subscription and starts its upstream line. Attaching a sink that is
// already attached is a no-op apart from returning the snapshot.
//
// Upstream failures do not fail Attach: the line keeps retrying.
func (m *Manager) Attach(ctx context.Context, sink Sink, spec distribution.Spec) (model.Fields, error) {
	if sink == nil {
		return nil, exception.ErrNilSink
	}
	if spec.IsZero() {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "zero distribution spec")
	}
	if m.closed.Load() {
		return nil, exception.ErrManagerClosed
	}

	sh := m.shardFor(spec.Topic())
	sh.mu.Lock()
	sub, created := sh.subs[spec.Topic()], false
	if sub == nil {
		sub = newSubscription(spec)
		sh.subs[spec.Topic()] = sub
		created = true
	}
	sub.mu.Lock()
	_, already := sub.sinks[sink]
	sub.sinks[sink] = struct{}{}
	sub.mu.Unlock()
	sh.mu.Unlock()

	if created {
		m.establish(ctx, sub)
	}

	select {
	case <-sub.ready:
	case <-ctx.Done():
	}
	if err := ctx.Err(); err != nil {
		if !already {
			m.Detach(sink, spec)
		}
		return nil, errors.Wrap(err, "attach").With("topic", spec.Topic())
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if _, ok := sub.sinks[sink]; !ok || sub.closed {
		// Detached by a racing call before it became ready.
		return nil, errors.Wrap(exception.ErrNoSubscription, spec.Topic())
	}
	return sub.snapshot.Clone(), nil
}

// establish wires a new subscription to its upstream line and loads the
// initial snapshot. It runs outside every manager lock and re-checks for a
// concurrent detach before committing.
func (m *Manager) establish(ctx context.Context, sub *Subscription) {
	defer close(sub.ready)

	ln := m.acquireLine(sub)

	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		m.releaseLine(ln, sub)
		return
	}
	sub.line = ln
	sub.mu.Unlock()

	select {
	case <-ln.established:
	case <-ctx.Done():
		return
	}
	if !ln.live.Load() {
		return
	}

	raw, err := m.fetchOnce(ctx, sub.spec.Canonical())
	if err != nil {
		logs.Warnf("initial snapshot of %s unavailable, err: %+v", sub.spec, err)
		return
	}
	fields, ok, err := sub.spec.RuleSet().Apply(raw)
	if err != nil || !ok {
		return
	}

	sub.mu.Lock()
	if !sub.closed {
		sub.snapshot = fields.Merge(sub.snapshot)
	}
	sub.mu.Unlock()
}

// Detach removes sink from the subscription of spec. It reports whether the
// sink was attached; detaching twice is a no-op. When the last sink leaves,
// the subscription is removed and its upstream line released before Detach
// returns. No delivery to sink happens after Detach returns.
func (m *Manager) Detach(sink Sink, spec distribution.Spec) bool {
	if sink == nil || spec.IsZero() {
		return false
	}

	sh := m.shardFor(spec.Topic())
	sh.mu.Lock()
	sub := sh.subs[spec.Topic()]
	if sub == nil {
		sh.mu.Unlock()
		return false
	}
	sub.mu.Lock()
	if _, ok := sub.sinks[sink]; !ok {
		sub.mu.Unlock()
		sh.mu.Unlock()
		return false
	}
	delete(sub.sinks, sink)
	var ln *line
	if len(sub.sinks) == 0 {
		sub.closed = true
		delete(sh.subs, spec.Topic())
		ln, sub.line = sub.line, nil
	}
	sub.mu.Unlock()
	sh.mu.Unlock()

	if ln != nil {
		m.releaseLine(ln, sub)
	}
	return true
}

// OnUpstreamTick applies the rule set of spec to raw, merges the result into
// the snapshot and delivers it to every attached sink.
func (m *Manager) OnUpstreamTick(spec distribution.Spec, raw model.Fields) {
	if sub := m.lookup(spec); sub != nil {
		m.tick(sub, raw)
	}
}

func (m *Manager) tick(sub *Subscription, raw model.Fields) {
	m.metrics.IncTick()
	fields, ok, err := sub.spec.RuleSet().Apply(raw)
	if err != nil {
		m.metrics.IncTickError()
		logs.Warnf("normalize tick for %s, err: %+v", sub.spec, err)
		return
	}
	if !ok {
		m.metrics.IncTickFiltered()
		return
	}
	sub.publish(fields, m.metrics)
}

// Inject writes fields straight into the snapshot of a live subscription and
// delivers them as an update. No rule set is applied.
func (m *Manager) Inject(spec distribution.Spec, fields model.Fields) error {
	if len(fields) == 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "no fields to inject")
	}
	sub := m.lookup(spec)
	if sub == nil {
		return errors.Wrap(exception.ErrNoSubscription, spec.Topic())
	}
	if !sub.publish(fields.Clone(), m.metrics) {
		return errors.Wrap(exception.ErrNoSubscription, spec.Topic())
	}
	m.metrics.IncInjection()
	logs.Infof("injected %d fields into %s", len(fields), spec)
	return nil
}

// Snapshot returns the current normalized image of spec. A live
// subscription with data answers from memory; otherwise the feed is asked
// directly, with retries. No subscription is created.
func (m *Manager) Snapshot(ctx context.Context, spec distribution.Spec) (model.Fields, error) {
	if spec.IsZero() {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "zero distribution spec")
	}
	if sub := m.lookup(spec); sub != nil {
		sub.mu.Lock()
		snapshot := sub.snapshot.Clone()
		sub.mu.Unlock()
		if len(snapshot) > 0 {
			return snapshot, nil
		}
	}

	raw, err := m.fetch(ctx, spec.Canonical())
	if err != nil {
		return nil, err
	}
	fields, ok, err := spec.RuleSet().Apply(raw)
	if err != nil {
		return nil, errors.Wrap(err, "normalize snapshot")
	}
	if !ok {
		return model.Fields{}, nil
	}
	return fields, nil
}

func (m *Manager) fetchOnce(ctx context.Context, canonical model.CanonicalID) (model.Fields, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SnapshotTimeout)
	defer cancel()
	m.metrics.IncUpstreamFetch()
	return m.feed.FetchSnapshot(ctx, canonical)
}

func (m *Manager) fetch(ctx context.Context, canonical model.CanonicalID) (model.Fields, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.SnapshotAttempts; attempt++ {
		raw, err := m.fetchOnce(ctx, canonical)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt == m.cfg.SnapshotAttempts {
			break
		}
		logs.Warnf("fetch snapshot of %s failed, attempt %d, err: %+v", canonical, attempt, err)
		if !m.cfg.Backoff.Sleep(ctx, attempt) {
			break
		}
	}
	return nil, errors.Wrapf(exception.ErrUpstreamUnavailable, "snapshot of %s: %v", canonical, lastErr)
}

func (m *Manager) lookup(spec distribution.Spec) *Subscription {
	if spec.IsZero() {
		return nil
	}
	sh := m.shardFor(spec.Topic())
	sh.mu.Lock()
	sub := sh.subs[spec.Topic()]
	sh.mu.Unlock()
	return sub
}

// RefCount returns the number of sinks attached to spec.
func (m *Manager) RefCount(spec distribution.Spec) int {
	sub := m.lookup(spec)
	if sub == nil {
		return 0
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return len(sub.sinks)
}

// Stat describes one live subscription.
type Stat struct {
	Topic     string `json:"topic"`
	Canonical string `json:"canonical"`
	RuleSet   string `json:"ruleSet"`
	RefCount  int    `json:"refCount"`
	Fields    int    `json:"fields"`
	Upstream  bool   `json:"upstream"`
}

// Stats lists live subscriptions ordered by topic.
func (m *Manager) Stats() []Stat {
	var out []Stat
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, sub := range sh.subs {
			sub.mu.Lock()
			out = append(out, Stat{
				Topic:     sub.spec.Topic(),
				Canonical: sub.spec.Canonical().String(),
				RuleSet:   sub.spec.RuleSetID(),
				RefCount:  len(sub.sinks),
				Fields:    len(sub.snapshot),
				Upstream:  sub.line != nil && sub.line.live.Load(),
			})
			sub.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Lines returns the number of upstream lines, live or draining.
func (m *Manager) Lines() int {
	m.linesMu.Lock()
	defer m.linesMu.Unlock()
	return len(m.lines) + len(m.draining)
}

// Close stops every upstream line and rejects further attaches. Existing
// subscriptions stop receiving ticks.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.cancel()
	m.wg.Wait()
}
