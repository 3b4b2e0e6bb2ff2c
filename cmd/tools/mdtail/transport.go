package main

import (
	"context"
	"net/url"
	"time"

	"mdbroker/internal/protocol"
	"mdbroker/pkg/exception"
	"mdbroker/pkg/uds"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
)

// transport carries protocol messages to and from the broker.
type transport interface {
	Send(ctx context.Context, msg protocol.Message) error
	Recv(ctx context.Context) (protocol.Message, error)
	Close() error
}

type wsTransport struct {
	conn  *websocket.Conn
	codec protocol.JSON
}

func dialWebsocket(ctx context.Context, addr string, timeout time.Duration) (*wsTransport, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, errors.Wrap(err, "parse addr").With("addr", addr)
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	c, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial broker").With("addr", addr)
	}
	return &wsTransport{conn: c}, nil
}

func (t *wsTransport) Send(ctx context.Context, msg protocol.Message) error {
	frame, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.Wrap(err, "write frame").With("kind", msg.Kind())
	}
	return nil
}

func (t *wsTransport) Recv(ctx context.Context) (protocol.Message, error) {
	deadline, _ := ctx.Deadline()
	_ = t.conn.SetReadDeadline(deadline)
	_, frame, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil, errors.Wrap(exception.ErrConnectionClose, err.Error())
		}
		return nil, err
	}
	return t.codec.Decode(frame)
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

type unixTransport struct {
	conn  *uds.FrameConn
	codec *protocol.CBOR
}

func dialUnix(ctx context.Context, path string) (*unixTransport, error) {
	codec, err := protocol.NewCBOR()
	if err != nil {
		return nil, errors.Wrap(err, "cbor codec")
	}
	client, err := uds.NewClient(path, 0)
	if err != nil {
		return nil, err
	}
	conn, err := client.Dial(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "dial broker")
	}
	return &unixTransport{conn: conn, codec: codec}, nil
}

func (t *unixTransport) Send(ctx context.Context, msg protocol.Message) error {
	frame, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := t.conn.WriteFrame(ctx, frame); err != nil {
		return errors.Wrap(err, "write frame").With("kind", msg.Kind())
	}
	return nil
}

func (t *unixTransport) Recv(ctx context.Context) (protocol.Message, error) {
	frame, err := t.conn.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	return t.codec.Decode(frame)
}

func (t *unixTransport) Close() error {
	return t.conn.Close()
}

func isPeerClose(err error) bool {
	return errors.Is(err, exception.ErrConnectionClose)
}
