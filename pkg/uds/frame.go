package uds

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"mdbroker/pkg/exception"

	"github.com/yanun0323/errors"
)

const (
	frameHeaderSize = 4
	// DefaultMaxFrameSize bounds a single frame payload.
	DefaultMaxFrameSize = 1 << 20
)

// FrameConn carries length-prefixed frames over a stream connection. Each
// frame is a 4-byte big-endian payload length followed by the payload.
// One reader and any number of writers may use it concurrently.
type FrameConn struct {
	conn     net.Conn
	maxFrame int

	rmu  sync.Mutex
	rhdr [frameHeaderSize]byte

	wmu  sync.Mutex
	whdr [frameHeaderSize]byte

	closeOnce sync.Once
	closeErr  error
}

func NewFrameConn(conn net.Conn, maxFrame int) *FrameConn {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &FrameConn{conn: conn, maxFrame: maxFrame}
}

// ReadFrame blocks for the next frame until ctx is done.
func (c *FrameConn) ReadFrame(ctx context.Context) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	stop := bindDeadline(ctx, c.conn.SetReadDeadline)
	defer stop()

	if _, err := io.ReadFull(c.conn, c.rhdr[:]); err != nil {
		return nil, wrapIO(ctx, err, "read frame header")
	}
	size := binary.BigEndian.Uint32(c.rhdr[:])
	if uint64(size) > uint64(c.maxFrame) {
		return nil, errors.Wrapf(exception.ErrFrameTooLargeUDS, "%d bytes, limit %d", size, c.maxFrame)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(c.conn, frame); err != nil {
		return nil, wrapIO(ctx, err, "read frame payload")
	}
	return frame, nil
}

func (c *FrameConn) WriteFrame(ctx context.Context, frame []byte) error {
	if len(frame) > c.maxFrame {
		return errors.Wrapf(exception.ErrFrameTooLargeUDS, "%d bytes, limit %d", len(frame), c.maxFrame)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	stop := bindDeadline(ctx, c.conn.SetWriteDeadline)
	defer stop()

	binary.BigEndian.PutUint32(c.whdr[:], uint32(len(frame)))
	bufs := net.Buffers{c.whdr[:], frame}
	if _, err := bufs.WriteTo(c.conn); err != nil {
		return wrapIO(ctx, err, "write frame")
	}
	return nil
}

func (c *FrameConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *FrameConn) RemoteAddr() string {
	addr := c.conn.RemoteAddr()
	if addr == nil || addr.String() == "" {
		return unixNetwork
	}
	return addr.String()
}

// bindDeadline applies the deadline of ctx to the connection and expires it
// early when ctx is canceled.
func bindDeadline(ctx context.Context, set func(time.Time) error) func() {
	deadline, _ := ctx.Deadline()
	_ = set(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = set(time.Unix(1, 0))
	})
	return func() { stop() }
}

func wrapIO(ctx context.Context, err error, msg string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrap(ctxErr, msg)
	}
	if _, ok := ctx.Deadline(); ok && os.IsTimeout(err) {
		return errors.Wrap(context.DeadlineExceeded, msg)
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.Wrap(exception.ErrConnectionClose, msg)
	}
	return errors.Wrap(err, msg)
}
