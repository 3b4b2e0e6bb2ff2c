package gateway

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"mdbroker/pkg/exception"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
)

const (
	defaultWriteTimeout = 10 * time.Second
	closeGracePeriod    = time.Second
)

// wsConn adapts a websocket connection to session.Conn. Every frame is one
// websocket message.
type wsConn struct {
	conn         *websocket.Conn
	msgType      int
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(conn *websocket.Conn, msgType int, maxFrame int) *wsConn {
	if maxFrame > 0 {
		conn.SetReadLimit(int64(maxFrame))
	}
	return &wsConn{conn: conn, msgType: msgType, writeTimeout: defaultWriteTimeout}
}

func (c *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	stop := bindDeadline(ctx, c.conn.SetReadDeadline)
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, wrapWS(ctx, err, "read message")
	}
	return data, nil
}

func (c *wsConn) WriteFrame(ctx context.Context, frame []byte) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	stop := bindDeadline(ctx, c.conn.SetWriteDeadline)
	defer stop()

	if err := c.conn.WriteMessage(c.msgType, frame); err != nil {
		return wrapWS(ctx, err, "write message")
	}
	return nil
}

// Close sends a normal closure and drops the connection.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
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

func wrapWS(ctx context.Context, err error, msg string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrap(ctxErr, msg)
	}
	if _, ok := ctx.Deadline(); ok && os.IsTimeout(err) {
		return errors.Wrap(context.DeadlineExceeded, msg)
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF || websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	) {
		return errors.Wrap(exception.ErrWebSocketConnectionClose, msg)
	}
	return errors.Wrap(err, msg)
}
