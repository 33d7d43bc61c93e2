package retention

import (
	"sync"

	"github.com/docker/go-units"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/coverage-agent/internal/metrics"
)

// MemoryQueue keeps batches on the heap.
type MemoryQueue struct {
	mu      sync.Mutex
	limit   int64
	size    int64
	batches [][]byte
	closed  bool
	logger  zerolog.Logger
}

// NewMemoryQueue creates an in-memory queue holding at most limit bytes.
func NewMemoryQueue(limit int64, logger zerolog.Logger) (*MemoryQueue, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	return &MemoryQueue{
		limit:  limit,
		logger: logger.With().Str("component", "retention_memory").Logger(),
	}, nil
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(batch []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	n := int64(len(batch))
	if q.size+n > q.limit {
		metrics.QueueRejected.Inc()
		q.logger.Warn().
			Int64("batch_bytes", n).
			Str("usage", units.BytesSize(float64(q.size))+"/"+units.BytesSize(float64(q.limit))).
			Msg("Retention queue full, dropping batch")
		return ErrFull
	}
	q.batches = append(q.batches, batch)
	q.size += n
	q.report()
	return nil
}

// Flush implements Queue.
func (q *MemoryQueue) Flush() ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	out := q.batches
	q.batches = nil
	q.size = 0
	q.report()
	if out == nil {
		out = [][]byte{}
	}
	return out, nil
}

// Len implements Queue.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches)
}

// Size implements Queue.
func (q *MemoryQueue) Size() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Limit implements Queue.
func (q *MemoryQueue) Limit() int64 {
	return q.limit
}

// Close drops queued batches; later Enqueue and Flush calls fail with
// ErrClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	if len(q.batches) > 0 {
		q.logger.Warn().
			Int("batches", len(q.batches)).
			Int64("bytes", q.size).
			Msg("Discarding undelivered coverage batches")
	}
	q.closed = true
	q.batches = nil
	q.size = 0
	q.report()
	return nil
}

func (q *MemoryQueue) report() {
	metrics.QueueBytes.Set(float64(q.size))
	metrics.QueueBatches.Set(float64(len(q.batches)))
}
