package subscription

import (
	"context"
	"sync"
	"sync/atomic"

	"mdbroker/internal/model"

	"github.com/yanun0323/logs"
)

// line is the upstream subscription of one canonical id. Specs that differ
// only by rule set share a line, so the feed sees at most one subscribe per
// canonical id at any time.
type line struct {
	canonical model.CanonicalID
	prev      *line

	// guarded by Manager.linesMu
	refs int

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	cancel      context.CancelFunc
	established chan struct{}
	done        chan struct{}
	live        atomic.Bool
}

// acquireLine returns the line of sub's canonical id, starting it when
// missing, and registers sub on it.
func (m *Manager) acquireLine(sub *Subscription) *line {
	canonical := sub.spec.Canonical()

	m.linesMu.Lock()
	ln := m.lines[canonical]
	if ln == nil {
		ctx, cancel := context.WithCancel(m.ctx)
		ln = &line{
			canonical:   canonical,
			prev:        m.draining[canonical],
			subs:        make(map[*Subscription]struct{}),
			cancel:      cancel,
			established: make(chan struct{}),
			done:        make(chan struct{}),
		}
		m.lines[canonical] = ln
		m.wg.Add(1)
		go m.runLine(ctx, ln)
	}
	ln.refs++
	ln.mu.Lock()
	ln.subs[sub] = struct{}{}
	ln.mu.Unlock()
	m.linesMu.Unlock()

	return ln
}

// releaseLine unregisters sub. The last release stops the line and waits
// until the upstream unsubscribe finished.
func (m *Manager) releaseLine(ln *line, sub *Subscription) {
	m.linesMu.Lock()
	ln.mu.Lock()
	delete(ln.subs, sub)
	ln.mu.Unlock()
	ln.refs--
	last := ln.refs == 0
	if last {
		if m.lines[ln.canonical] == ln {
			delete(m.lines, ln.canonical)
		}
		m.draining[ln.canonical] = ln
		ln.cancel()
	}
	m.linesMu.Unlock()

	if last {
		<-ln.done
	}
}

func (m *Manager) runLine(ctx context.Context, ln *line) {
	defer m.wg.Done()
	defer close(ln.done)
	defer m.finishLine(ln)

	first := true
	markEstablished := func() {
		if first {
			close(ln.established)
			first = false
		}
	}
	defer markEstablished()

	// done of a line closes only after its predecessors finished, so a
	// later line never subscribes while an older unsubscribe is in flight.
	if ln.prev != nil {
		<-ln.prev.done
		ln.prev = nil
	}
	if ctx.Err() != nil {
		return
	}

	subscribed := false
	attempt := 0
	for ctx.Err() == nil {
		stream, err := m.subscribeUpstream(ctx, ln.canonical)
		if err != nil {
			markEstablished()
			if ctx.Err() != nil {
				break
			}
			attempt++
			m.metrics.IncUpstreamRetry()
			logs.Warnf("upstream subscribe %s failed, attempt %d, err: %+v", ln.canonical, attempt, err)
			if !m.cfg.Backoff.Sleep(ctx, attempt) {
				break
			}
			continue
		}

		subscribed = true
		attempt = 0
		ln.live.Store(true)
		markEstablished()
		if !m.pump(ctx, ln, stream) {
			break
		}
		subscribed = false
		ln.live.Store(false)

		attempt++
		m.metrics.IncUpstreamRetry()
		logs.Warnf("upstream stream of %s ended, resubscribing", ln.canonical)
		if !m.cfg.Backoff.Sleep(ctx, attempt) {
			break
		}
	}
	ln.live.Store(false)

	if subscribed {
		m.unsubscribeUpstream(ln.canonical)
	}
}

func (m *Manager) finishLine(ln *line) {
	m.linesMu.Lock()
	if m.draining[ln.canonical] == ln {
		delete(m.draining, ln.canonical)
	}
	if m.lines[ln.canonical] == ln {
		delete(m.lines, ln.canonical)
	}
	m.linesMu.Unlock()
}

func (m *Manager) subscribeUpstream(ctx context.Context, canonical model.CanonicalID) (<-chan model.Fields, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.SubscribeTimeout)
	defer cancel()
	m.metrics.IncUpstreamSubscribe()
	stream, err := m.feed.Subscribe(callCtx, canonical)
	if err != nil {
		return nil, err
	}
	logs.Infof("upstream subscribed %s", canonical)
	return stream, nil
}

func (m *Manager) unsubscribeUpstream(canonical model.CanonicalID) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.UnsubscribeTimeout)
	defer cancel()
	m.metrics.IncUpstreamUnsubscribe()
	if err := m.feed.Unsubscribe(ctx, canonical); err != nil {
		logs.Warnf("upstream unsubscribe %s, err: %+v", canonical, err)
		return
	}
	logs.Infof("upstream unsubscribed %s", canonical)
}

// pump forwards the stream to every subscription of the line. It returns
// false when ctx ended and true when the feed closed the stream.
func (m *Manager) pump(ctx context.Context, ln *line, stream <-chan model.Fields) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case raw, ok := <-stream:
			if !ok {
				return true
			}
			m.dispatch(ln, raw)
		}
	}
}

func (m *Manager) dispatch(ln *line, raw model.Fields) {
	ln.mu.RLock()
	subs := make([]*Subscription, 0, len(ln.subs))
	for sub := range ln.subs {
		subs = append(subs, sub)
	}
	ln.mu.RUnlock()

	for _, sub := range subs {
		m.tick(sub, raw)
	}
}
