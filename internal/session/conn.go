package session

import "context"

// Conn is one framed client transport. ReadFrame honors ctx deadlines;
// Close unblocks pending reads and writes and may be called more than once.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
	RemoteAddr() string
}
