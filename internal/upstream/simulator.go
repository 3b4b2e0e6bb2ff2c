package upstream

import (
	"context"
	"sync"
	"time"

	"mdbroker/internal/model"
	"mdbroker/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// SimulatorConfig tunes a Simulator.
type SimulatorConfig struct {
	Interval  time.Duration
	BasePrice int64
	BaseSize  int64
	Spread    int64
	Buffer    int
	// Known restricts the instruments the simulator serves. Empty serves all.
	Known []model.CanonicalID
}

// DefaultSimulatorConfig returns a one-tick-per-second simulator.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Interval:  time.Second,
		BasePrice: 1_000_000,
		BaseSize:  100,
		Spread:    50,
		Buffer:    64,
	}
}

// Simulator is an in-process Feed producing synthetic ticks.
type Simulator struct {
	cfg   SimulatorConfig
	known map[model.CanonicalID]struct{}

	mu      sync.Mutex
	streams map[model.CanonicalID]*simStream
	closed  bool
}

type simStream struct {
	ch     chan model.Fields
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	def := DefaultSimulatorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BasePrice <= 0 {
		cfg.BasePrice = def.BasePrice
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	s := &Simulator{
		cfg:     cfg,
		streams: make(map[model.CanonicalID]*simStream),
	}
	if len(cfg.Known) > 0 {
		s.known = make(map[model.CanonicalID]struct{}, len(cfg.Known))
		for _, c := range cfg.Known {
			s.known[c] = struct{}{}
		}
	}
	return s, nil
}

func (s *Simulator) serves(canonical model.CanonicalID) bool {
	if s.known == nil {
		return true
	}
	_, ok := s.known[canonical]
	return ok
}

func (s *Simulator) Subscribe(ctx context.Context, canonical model.CanonicalID) (<-chan model.Fields, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.serves(canonical) {
		return nil, errors.Wrapf(exception.ErrInvalidArgument, "simulator does not serve %s", canonical)
	}
	gen, err := NewGenerator(canonical, s.cfg.BasePrice, s.cfg.BaseSize, s.cfg.Spread)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.Wrap(exception.ErrConnectionClose, "simulator closed")
	}
	if _, ok := s.streams[canonical]; ok {
		return nil, errors.Wrapf(exception.ErrInvalidArgument, "%s already subscribed", canonical)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	st := &simStream{
		ch:     make(chan model.Fields, s.cfg.Buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.streams[canonical] = st
	go s.run(streamCtx, st, gen)
	return st.ch, nil
}

func (s *Simulator) run(ctx context.Context, st *simStream, gen *Generator) {
	defer close(st.done)
	defer close(st.ch)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			select {
			case st.ch <- gen.Next(now.UTC()):
			default:
				logs.Debugf("simulator stream of %s is full, tick dropped", gen.canonical)
			}
		}
	}
}

// Unsubscribe stops the stream of canonical. Unknown ids are ignored.
func (s *Simulator) Unsubscribe(_ context.Context, canonical model.CanonicalID) error {
	s.mu.Lock()
	st := s.streams[canonical]
	delete(s.streams, canonical)
	s.mu.Unlock()

	if st == nil {
		return nil
	}
	st.cancel()
	<-st.done
	return nil
}

func (s *Simulator) FetchSnapshot(ctx context.Context, canonical model.CanonicalID) (model.Fields, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.serves(canonical) {
		return nil, errors.Wrapf(exception.ErrInvalidArgument, "simulator does not serve %s", canonical)
	}
	gen, err := NewGenerator(canonical, s.cfg.BasePrice, s.cfg.BaseSize, s.cfg.Spread)
	if err != nil {
		return nil, err
	}
	return gen.Next(time.Now().UTC()), nil
}

// Active returns the number of open streams.
func (s *Simulator) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Close stops every stream.
func (s *Simulator) Close() {
	s.mu.Lock()
	s.closed = true
	streams := s.streams
	s.streams = make(map[model.CanonicalID]*simStream)
	s.mu.Unlock()

	for _, st := range streams {
		st.cancel()
		<-st.done
	}
}
