package engine

import (
	"errors"
	"time"
)

var (
	// ErrChannelClosed is returned by a Channel whose peer has gone away or
	// that has been closed locally.
	ErrChannelClosed = errors.New("channel closed")

	// ErrReceiveTimeout is returned by Receive when no message arrived in time.
	ErrReceiveTimeout = errors.New("receive timeout")
)

// Channel is the bidirectional text link between a live run and its client.
// Send, SendFiles and Close may be called from different goroutines than
// Receive; implementations must allow that.
type Channel interface {
	// Send delivers a chunk of output or a notice. It must not block
	// indefinitely on a slow client.
	Send(text string) error

	// SendFiles delivers the final residual-files message.
	SendFiles(files map[string]string) error

	// Receive waits up to timeout for the next client message. It returns
	// ErrReceiveTimeout when the wait elapses and ErrChannelClosed once the
	// client is gone.
	Receive(timeout time.Duration) (string, error)

	// Close flushes pending messages and closes the channel. It is safe to
	// call more than once.
	Close() error
}
