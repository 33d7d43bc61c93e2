// Package retention buffers serialized coverage batches while the collector
// is unreachable.
//
// Queues are bounded by total bytes. A batch that does not fit in the remaining
// budget is rejected; queued batches are never evicted to make room, so what
// is eventually delivered keeps its original order.
package retention

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

var (
	// ErrFull is returned by Enqueue when the batch does not fit in the
	// remaining byte budget.
	ErrFull = errors.New("retention queue full")

	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("retention queue closed")
)

// Queue kinds.
const (
	KindMemory = "memory"
	KindBolt   = "bolt"
)

// Queue is a byte-bounded FIFO of serialized batches.
type Queue interface {
	// Enqueue appends batch. It returns ErrFull when the batch would push
	// the queue over its limit.
	Enqueue(batch []byte) error

	// Flush atomically removes and returns every queued batch, oldest first.
	Flush() ([][]byte, error)

	// Len returns the number of queued batches.
	Len() int

	// Size returns the number of queued bytes. It only exceeds Limit when a
	// persistent queue is reopened with a lower limit.
	Size() int64

	// Limit returns the byte budget.
	Limit() int64

	Close() error
}

// EnqueueAll offers each batch in order and returns how many were accepted.
// A rejected batch does not stop later, smaller batches from being accepted.
func EnqueueAll(q Queue, batches [][]byte) (int, error) {
	accepted := 0
	for _, b := range batches {
		err := q.Enqueue(b)
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrFull):
			continue
		default:
			return accepted, err
		}
	}
	return accepted, nil
}

// Options selects and configures a queue implementation.
type Options struct {
	Kind   string
	Path   string
	Limit  int64
	Logger zerolog.Logger
}

// New opens the queue described by opts.
func New(opts Options) (Queue, error) {
	switch opts.Kind {
	case "", KindMemory:
		return NewMemoryQueue(opts.Limit, opts.Logger)
	case KindBolt:
		return OpenBoltQueue(opts.Path, opts.Limit, opts.Logger)
	default:
		return nil, fmt.Errorf("unknown retention queue kind %q", opts.Kind)
	}
}

func checkLimit(limit int64) error {
	if limit < 0 {
		return fmt.Errorf("retention queue limit must not be negative, got %d", limit)
	}
	return nil
}
