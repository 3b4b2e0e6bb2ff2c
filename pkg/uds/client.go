package uds

import (
	"context"
	"net"

	"mdbroker/pkg/exception"

	"github.com/yanun0323/errors"
)

const unixNetwork = "unix"

// Client opens framed connections to a broker socket.
type Client struct {
	path     string
	maxFrame int
	dialer   net.Dialer
}

// NewClient creates a client for path. maxFrame bounds frames in both
// directions; zero selects DefaultMaxFrameSize.
func NewClient(path string, maxFrame int) (*Client, error) {
	if path == "" {
		return nil, exception.ErrEmptyPathUDS
	}
	return &Client{path: path, maxFrame: maxFrame}, nil
}

func (c *Client) Path() string {
	if c == nil {
		return ""
	}
	return c.path
}

// Dial connects, giving up when ctx is done.
func (c *Client) Dial(ctx context.Context) (*FrameConn, error) {
	if c == nil {
		return nil, exception.ErrNilClientUDS
	}
	conn, err := c.dialer.DialContext(ctx, unixNetwork, c.path)
	if err != nil {
		return nil, errors.Wrap(err, "dial unix").With("path", c.path)
	}
	return NewFrameConn(conn, c.maxFrame), nil
}
