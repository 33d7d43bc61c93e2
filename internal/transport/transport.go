// Package transport delivers serialized coverage batches to the collector.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable is returned by Send when the collector cannot be
	// reached. The batch may be retried later.
	ErrUnavailable = errors.New("coverage transport unavailable")

	// ErrRejected is returned by Send when the collector refused the batch.
	// Sending it again will not help.
	ErrRejected = errors.New("coverage batch rejected")
)

// Transport sends batches to the collector. Implementations bound each Send
// with their own timeout so a stalled collector cannot block the sender.
type Transport interface {
	Send(ctx context.Context, batch []byte) error

	// Available is a hint that Send is likely to succeed. The sender skips
	// draining the retention queue while it is false.
	Available() bool

	Close() error
}

// Notifier is implemented by transports that learn about recovery
// asynchronously, such as a reconnecting websocket.
type Notifier interface {
	// OnAvailable registers fn to be called each time the transport becomes
	// available. fn must not block.
	OnAvailable(fn func())
}

// Stub never delivers anything. Batches handed to it end up in the
// retention queue.
type Stub struct{}

// Send implements Transport.
func (Stub) Send(context.Context, []byte) error { return ErrUnavailable }

// Available implements Transport.
func (Stub) Available() bool { return false }

// Close implements Transport.
func (Stub) Close() error { return nil }
