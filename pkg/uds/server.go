package uds

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mdbroker/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

var (
	// ErrNilServer is returned when a nil server receiver is used.
	ErrNilServer = errors.New("uds: nil server")
	// ErrAlreadyListening is returned when Listen is called twice.
	ErrAlreadyListening = errors.New("uds: already listening")
	// ErrNotListening is returned when Serve is called before Listen.
	ErrNotListening = errors.New("uds: not listening")
	// ErrPathNotSocket is returned when the existing path is not a socket.
	ErrPathNotSocket = errors.New("uds: path exists and is not a socket")
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Handler serves one framed connection. The server closes the connection
// once the handler returns.
type Handler func(ctx context.Context, conn *FrameConn)

// Server accepts framed connections on a unix socket path.
type Server struct {
	path     string
	maxFrame int

	mu sync.Mutex
	ln *net.UnixListener

	conns sync.WaitGroup
}

// NewServer creates a server for path. Frames above maxFrame bytes are
// rejected; zero selects DefaultMaxFrameSize.
func NewServer(path string, maxFrame int) (*Server, error) {
	if path == "" {
		return nil, exception.ErrEmptyPathUDS
	}
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Server{path: path, maxFrame: maxFrame}, nil
}

func (s *Server) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Listen binds the socket, creating its directory and replacing a stale
// socket file left by a previous run.
func (s *Server) Listen() error {
	if s == nil {
		return ErrNilServer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return ErrAlreadyListening
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "create socket dir").With("path", s.path)
	}
	if err := RemoveIfExists(s.path); err != nil {
		return err
	}
	ln, err := net.ListenUnix(unixNetwork, &net.UnixAddr{Name: s.path, Net: unixNetwork})
	if err != nil {
		return errors.Wrap(err, "listen unix").With("path", s.path)
	}
	ln.SetUnlinkOnClose(true)
	s.ln = ln
	return nil
}

// Serve accepts connections and runs handler for each one until ctx is
// done or the server is closed. It returns after every handler returned.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	if s == nil {
		return ErrNilServer
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	defer s.conns.Wait()

	backoff := time.Duration(0)
	for {
		raw, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			backoff = nextBackoff(backoff)
			logs.Errorf("uds accept on %s, retry in %s, err: %+v", s.path, backoff, err)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = 0

		conn := NewFrameConn(raw, s.maxFrame)
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			defer conn.Close()
			handler(ctx, conn)
		}()
	}
}

// Close stops accepting. Connections already handed to a handler stay open.
func (s *Server) Close() error {
	if s == nil {
		return ErrNilServer
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	return err
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	d *= 2
	if d > maxAcceptBackoff {
		d = maxAcceptBackoff
	}
	return d
}

// RemoveIfExists removes the socket file if it exists.
func RemoveIfExists(path string) error {
	if path == "" {
		return exception.ErrEmptyPathUDS
	}
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return ErrPathNotSocket
	}
	return os.Remove(path)
}
