package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mdbroker/internal/distribution"
	"mdbroker/internal/model"
	"mdbroker/internal/model/enum"
	"mdbroker/internal/protocol"
	"mdbroker/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/time/rate"
)

// attachment tracks the correlation ids a session holds on one spec.
// Pending ids wait for their SubscriptionResponse and buffer updates until
// it is queued.
type attachment struct {
	spec    distribution.Spec
	active  map[model.CorrelationID]struct{}
	pending map[model.CorrelationID][]model.Fields
}

func newAttachment(spec distribution.Spec) *attachment {
	return &attachment{
		spec:    spec,
		active:  make(map[model.CorrelationID]struct{}),
		pending: make(map[model.CorrelationID][]model.Fields),
	}
}

func (a *attachment) empty() bool {
	return len(a.active) == 0 && len(a.pending) == 0
}

// Session is one client connection. It is the subscription sink of every
// spec it subscribes to.
type Session struct {
	id          string
	hub         *Hub
	conn        Conn
	codec       protocol.Codec
	outbox      *outbox
	limiter     *rate.Limiter
	connectedAt time.Time

	ctx        context.Context
	cancel     context.CancelFunc
	dead       atomic.Bool
	killOnce   sync.Once
	killErr    error
	writerDone chan struct{}
	released   chan struct{}

	mu        sync.Mutex
	state     State
	principal model.UserPrincipal
	byTopic   map[string]*attachment
	corrs     map[model.CorrelationID]string
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Principal() model.UserPrincipal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// kill ends the session from any goroutine, including under locks of the
// subscription manager. Teardown runs on the serving goroutine.
func (s *Session) kill(reason error) {
	s.killOnce.Do(func() {
		s.killErr = reason
		s.dead.Store(true)
		s.cancel()
		s.outbox.close()
		_ = s.conn.Close()
	})
}

func (s *Session) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

// enqueue queues msg for the writer. Updates are droppable.
func (s *Session) enqueue(msg protocol.Message, droppable bool) {
	switch s.outbox.push(msg, droppable) {
	case pushedDropped:
		s.hub.metrics.IncQueueDrop()
	case pushOverflow:
		s.hub.metrics.IncOverflowDisconnect()
		logs.Warnf("session %s outbound queue overflow, disconnecting", s.id)
		s.kill(exception.ErrOutboundOverflow)
	}
}

// Deliver implements subscription.Sink.
func (s *Session) Deliver(spec distribution.Spec, fields model.Fields) {
	if s.dead.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	att := s.byTopic[spec.Topic()]
	if att == nil {
		return
	}
	for corr := range att.active {
		s.enqueue(protocol.UpdateMessage{CorrelationID: corr, Fields: fields}, true)
	}
	limit := s.hub.cfg.OutboxSize
	for corr, buffered := range att.pending {
		if len(buffered) >= limit {
			buffered = buffered[1:]
		}
		att.pending[corr] = append(buffered, fields)
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		msg, ok := s.outbox.pop()
		if !ok {
			return
		}
		frame, err := s.codec.Encode(msg)
		if err != nil {
			logs.Errorf("session %s encode %s, err: %+v", s.id, msg.Kind(), err)
			continue
		}
		if err := s.conn.WriteFrame(s.ctx, frame); err != nil {
			s.kill(errors.Wrap(err, "write frame"))
			return
		}
	}
}

func (s *Session) handshake() (model.UserPrincipal, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.hub.cfg.HandshakeTimeout)
	defer cancel()

	frame, err := s.conn.ReadFrame(ctx)
	if err != nil {
		return model.UserPrincipal{}, errors.Wrap(err, "read handshake")
	}
	msg, err := s.codec.Decode(frame)
	if err != nil {
		s.hub.metrics.IncMalformedFrame()
		return model.UserPrincipal{}, err
	}
	req, ok := msg.(protocol.ConnectionRequest)
	if !ok {
		return model.UserPrincipal{}, errors.Wrapf(exception.ErrUnexpectedMessage, "%s before handshake", msg.Kind())
	}
	return model.UserPrincipal{
		UserName:      req.UserName,
		OriginAddress: s.conn.RemoteAddr(),
	}, nil
}

// reject answers NOT_AUTHORIZED directly on the transport.
func (s *Session) reject() {
	s.setState(StateRejected)
	frame, err := s.codec.Encode(protocol.ConnectionResponse{Result: enum.ConnectionNotAuthorized})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.hub.cfg.HandshakeTimeout)
	defer cancel()
	_ = s.conn.WriteFrame(ctx, frame)
}

func (s *Session) readLoop() error {
	for {
		frame, err := s.conn.ReadFrame(s.ctx)
		if err != nil {
			if s.dead.Load() {
				return s.killErr
			}
			return errors.Wrap(err, "read frame")
		}
		msg, err := s.codec.Decode(frame)
		if err != nil {
			s.hub.metrics.IncMalformedFrame()
			return err
		}
		switch m := msg.(type) {
		case protocol.SubscribeRequest:
			s.subscribe(m)
		case protocol.UnsubscribeRequest:
			s.unsubscribe(m)
		case protocol.SnapshotRequest:
			s.snapshot(m)
		default:
			return errors.Wrapf(exception.ErrUnexpectedMessage, "%s while connected", msg.Kind())
		}
	}
}

func (s *Session) requestContext() (context.Context, context.CancelFunc) {
	if s.hub.cfg.RequestTimeout <= 0 {
		return context.WithCancel(s.ctx)
	}
	return context.WithTimeout(s.ctx, s.hub.cfg.RequestTimeout)
}

// resolve runs the resolution and entitlement stages shared by subscribe
// and snapshot requests.
func (s *Session) resolve(ctx context.Context, bundle model.ExternalIDBundle, ruleSetID string) (distribution.Spec, error) {
	start := time.Now()
	spec, err := s.hub.resolver.Resolve(ctx, bundle, ruleSetID)
	s.hub.metrics.ObserveResolve(time.Since(start))
	if err != nil {
		return distribution.Spec{}, err
	}

	start = time.Now()
	entitled := s.hub.checker.IsEntitled(ctx, s.principal, spec)
	s.hub.metrics.ObserveEntitle(time.Since(start))
	if !entitled {
		return distribution.Spec{}, errors.Wrapf(exception.ErrNotEntitled, "%s on %s", s.principal.UserName, spec)
	}
	return spec, nil
}

func (s *Session) subscribe(req protocol.SubscribeRequest) {
	corr := req.CorrelationID
	if !s.allow() {
		s.failSubscribe(corr, exception.ErrRateLimited)
		return
	}

	ctx, cancel := s.requestContext()
	defer cancel()

	spec, err := s.resolve(ctx, req.ExternalID, req.NormalizationScheme)
	if err != nil {
		s.failSubscribe(corr, err)
		return
	}
	topic := spec.Topic()

	s.mu.Lock()
	if used, ok := s.corrs[corr]; ok && used != topic {
		s.mu.Unlock()
		s.failSubscribe(corr, errors.Wrapf(exception.ErrCorrelationInUse, "correlation id %d", corr))
		return
	}
	att := s.byTopic[topic]
	if att == nil {
		att = newAttachment(spec)
		s.byTopic[topic] = att
	}
	delete(att.active, corr)
	att.pending[corr] = nil
	s.corrs[corr] = topic
	s.mu.Unlock()

	start := time.Now()
	snapshot, err := s.hub.manager.Attach(ctx, s, spec)
	s.hub.metrics.ObserveAttach(time.Since(start))

	s.mu.Lock()
	if err != nil {
		delete(att.pending, corr)
		delete(s.corrs, corr)
		if att.empty() && s.byTopic[topic] == att {
			delete(s.byTopic, topic)
		}
		s.mu.Unlock()
		s.failSubscribe(corr, err)
		return
	}
	buffered := att.pending[corr]
	delete(att.pending, corr)
	att.active[corr] = struct{}{}
	s.enqueue(protocol.SubscriptionResponse{
		CorrelationID: corr,
		Status:        enum.StatusSuccess,
		Snapshot:      snapshot,
	}, false)
	for _, fields := range buffered {
		s.enqueue(protocol.UpdateMessage{CorrelationID: corr, Fields: fields}, true)
	}
	s.mu.Unlock()

	s.hub.metrics.IncSubscribeSuccess()
	logs.Infof("session %s (%s) subscribed %s as %d", s.id, s.principal.UserName, spec, corr)
}

func (s *Session) failSubscribe(corr model.CorrelationID, err error) {
	reason := reasonOf(err)
	s.hub.metrics.IncSubscribeFailure(reason)
	logs.Infof("session %s subscribe %d failed, err: %+v", s.id, corr, err)
	s.enqueue(protocol.SubscriptionResponse{
		CorrelationID: corr,
		Status:        enum.StatusFailure,
		Reason:        reason.String(),
	}, false)
}

func (s *Session) unsubscribe(req protocol.UnsubscribeRequest) {
	corr := req.CorrelationID

	s.mu.Lock()
	att := s.byTopic[s.corrs[corr]]
	if att == nil {
		s.mu.Unlock()
		return
	}
	_, active := att.active[corr]
	_, pending := att.pending[corr]
	if !active && !pending {
		s.mu.Unlock()
		return
	}
	delete(att.active, corr)
	delete(att.pending, corr)
	delete(s.corrs, corr)
	release := att.empty()
	if release {
		delete(s.byTopic, att.spec.Topic())
	}
	s.mu.Unlock()

	if release {
		s.hub.manager.Detach(s, att.spec)
	}
	s.hub.metrics.IncUnsubscribe()
	logs.Infof("session %s (%s) unsubscribed %d", s.id, s.principal.UserName, corr)
}

func (s *Session) snapshot(req protocol.SnapshotRequest) {
	corr := req.CorrelationID
	if !s.allow() {
		s.failSnapshot(corr, exception.ErrRateLimited)
		return
	}

	ctx, cancel := s.requestContext()
	defer cancel()

	spec, err := s.resolve(ctx, req.ExternalID, req.NormalizationScheme)
	if err != nil {
		s.failSnapshot(corr, err)
		return
	}
	values, err := s.hub.manager.Snapshot(ctx, spec)
	if err != nil {
		s.failSnapshot(corr, err)
		return
	}
	s.hub.metrics.IncSnapshotSuccess()
	s.enqueue(protocol.SnapshotResponse{
		CorrelationID: corr,
		Status:        enum.StatusSuccess,
		Values:        values,
	}, false)
}

func (s *Session) failSnapshot(corr model.CorrelationID, err error) {
	reason := reasonOf(err)
	s.hub.metrics.IncSnapshotFailure(reason)
	logs.Infof("session %s snapshot %d failed, err: %+v", s.id, corr, err)
	s.enqueue(protocol.SnapshotResponse{
		CorrelationID: corr,
		Status:        enum.StatusFailure,
		Reason:        reason.String(),
	}, false)
}

// teardown detaches every attachment exactly once and releases the
// transport. It runs once, on the serving goroutine.
func (s *Session) teardown(writerStarted bool) int {
	s.kill(exception.ErrSessionClosed)

	s.mu.Lock()
	if s.state != StateRejected {
		s.state = StateClosed
	}
	atts := s.byTopic
	s.byTopic = make(map[string]*attachment)
	s.mu.Unlock()

	for _, att := range atts {
		s.hub.manager.Detach(s, att.spec)
	}
	if writerStarted {
		<-s.writerDone
	}
	return len(atts)
}

// Info describes a session for administration.
type Info struct {
	ID            string    `json:"id"`
	UserName      string    `json:"userName"`
	Origin        string    `json:"origin"`
	State         string    `json:"state"`
	Codec         string    `json:"codec"`
	Subscriptions int       `json:"subscriptions"`
	Queued        int       `json:"queued"`
	ConnectedAt   time.Time `json:"connectedAt"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := 0
	for _, att := range s.byTopic {
		subs += len(att.active) + len(att.pending)
	}
	return Info{
		ID:            s.id,
		UserName:      s.principal.UserName,
		Origin:        s.principal.OriginAddress,
		State:         s.state.String(),
		Codec:         s.codec.Name(),
		Subscriptions: subs,
		Queued:        s.outbox.len(),
		ConnectedAt:   s.connectedAt,
	}
}
