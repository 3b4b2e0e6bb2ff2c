// Package gateway exposes the session engine over websocket and unix domain
// socket transports and serves the administration routes.
package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"mdbroker/internal/distribution"
	"mdbroker/internal/model"
	"mdbroker/internal/obs"
	"mdbroker/internal/protocol"
	"mdbroker/internal/session"
	"mdbroker/internal/subscription"
	"mdbroker/pkg/exception"
	"mdbroker/pkg/uds"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
	defaultInjectTimeout     = 5 * time.Second
	maxInjectBody            = 1 << 20
)

// Sessions is the session hub as seen by the transports.
type Sessions interface {
	Serve(ctx context.Context, conn session.Conn, codec protocol.Codec) error
	Sessions() []session.Info
}

// Subscriptions is the subscription manager as seen by the admin routes.
type Subscriptions interface {
	Stats() []subscription.Stat
	Inject(spec distribution.Spec, fields model.Fields) error
}

type Config struct {
	// HTTPAddr serves /stream and the admin routes. Empty disables HTTP.
	HTTPAddr string
	// UDSPath serves CBOR frames on a unix socket. Empty disables it.
	UDSPath           string
	MaxFrameSize      int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

type Deps struct {
	Sessions      Sessions
	Subscriptions Subscriptions
	Resolver      session.SpecResolver
	Metrics       *obs.Metrics
}

type Gateway struct {
	cfg      Config
	sessions Sessions
	subs     Subscriptions
	resolver session.SpecResolver
	metrics  *obs.Metrics

	cbor     *protocol.CBOR
	upgrader websocket.Upgrader
	router   *mux.Router

	conns sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Gateway, error) {
	if deps.Sessions == nil || deps.Subscriptions == nil || deps.Resolver == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "gateway dependencies")
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = uds.DefaultMaxFrameSize
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	cbor, err := protocol.NewCBOR()
	if err != nil {
		return nil, errors.Wrap(err, "cbor codec")
	}

	g := &Gateway{
		cfg:      cfg,
		sessions: deps.Sessions,
		subs:     deps.Subscriptions,
		resolver: deps.Resolver,
		metrics:  deps.Metrics,
		cbor:     cbor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	g.router = g.routes()
	return g, nil
}

// Handler returns the HTTP routes, for embedding or tests.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Run serves the configured transports until ctx is done. Open sessions
// end with ctx.
func (g *Gateway) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	if g.cfg.HTTPAddr != "" {
		srv := &http.Server{
			Addr:              g.cfg.HTTPAddr,
			Handler:           g.router,
			ReadHeaderTimeout: g.cfg.ReadHeaderTimeout,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		eg.Go(func() error {
			logs.Infof("gateway http listening: %s", g.cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "http serve").With("addr", g.cfg.HTTPAddr)
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), g.cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if g.cfg.UDSPath != "" {
		server, err := uds.NewServer(g.cfg.UDSPath, g.cfg.MaxFrameSize)
		if err != nil {
			return err
		}
		if err := server.Listen(); err != nil {
			return err
		}
		logs.Infof("gateway uds listening: %s", g.cfg.UDSPath)
		eg.Go(func() error {
			return server.Serve(ctx, func(ctx context.Context, conn *uds.FrameConn) {
				g.serve(ctx, conn, g.cbor)
			})
		})
	}

	err := eg.Wait()
	g.conns.Wait()
	return err
}

func (g *Gateway) serve(ctx context.Context, conn session.Conn, codec protocol.Codec) {
	err := g.sessions.Serve(ctx, conn, codec)
	if err != nil && !isGracefulEnd(err) {
		logs.Warnf("session on %s ended, err: %+v", conn.RemoteAddr(), err)
	}
}

func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	var (
		codec   protocol.Codec = protocol.JSON{}
		msgType                = websocket.TextMessage
	)
	switch strings.ToLower(r.URL.Query().Get("codec")) {
	case "", "json":
	case "cbor":
		codec, msgType = g.cbor, websocket.BinaryMessage
	default:
		writeError(w, http.StatusBadRequest, errors.Wrap(exception.ErrWebSocketProtocol, "unsupported codec"))
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Warnf("websocket upgrade from %s, err: %+v", r.RemoteAddr, err)
		return
	}
	g.conns.Add(1)
	defer g.conns.Done()
	g.serve(r.Context(), newWSConn(ws, msgType, g.cfg.MaxFrameSize), codec)
}
