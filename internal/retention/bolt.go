package retention

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/coral-mesh/coverage-agent/internal/metrics"
)

var bucketBatches = []byte("batches")

// BoltQueue persists batches in a BoltDB file so coverage collected before a
// restart is delivered once the collector is reachable again.
//
// Keys are the bucket's big-endian sequence numbers, so cursor order is
// insertion order.
type BoltQueue struct {
	db     *bolt.DB
	limit  int64
	logger zerolog.Logger

	mu     sync.Mutex
	size   int64
	count  int
	closed bool
}

// OpenBoltQueue opens or creates the queue file at path. Batches left by a
// previous run count against limit and are kept even when they exceed a limit
// lowered since; Size then reports more than Limit until the next Flush.
func OpenBoltQueue(path string, limit int64, logger zerolog.Logger) (*BoltQueue, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fmt.Errorf("bolt retention queue requires a path")
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open retention queue %s: %w", path, err)
	}

	q := &BoltQueue{
		db:     db,
		limit:  limit,
		logger: logger.With().Str("component", "retention_bolt").Str("path", path).Logger(),
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketBatches)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketBatches, err)
		}
		return b.ForEach(func(_, v []byte) error {
			q.size += int64(len(v))
			q.count++
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	if q.count > 0 {
		q.logger.Info().
			Int("batches", q.count).
			Int64("bytes", q.size).
			Msg("Recovered undelivered coverage batches")
	}
	if q.size > q.limit {
		// Enqueue rejects everything until a flush drains the backlog.
		q.logger.Warn().
			Int64("used_bytes", q.size).
			Int64("limit_bytes", q.limit).
			Msg("Recovered batches exceed the retention limit, new batches are rejected until flushed")
	}
	q.report()
	return q, nil
}

// Enqueue implements Queue.
func (q *BoltQueue) Enqueue(batch []byte) error {
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
			Int64("used_bytes", q.size).
			Int64("limit_bytes", q.limit).
			Msg("Retention queue full, dropping batch")
		return ErrFull
	}

	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBatches)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), batch)
	})
	if err != nil {
		return fmt.Errorf("failed to persist batch: %w", err)
	}

	q.size += n
	q.count++
	q.report()
	return nil
}

// Flush implements Queue. Batches are read and deleted in one transaction.
func (q *BoltQueue) Flush() ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	out := [][]byte{}
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBatches)
		if err := b.ForEach(func(_, v []byte) error {
			// Values are only valid for the life of the transaction.
			cp := make([]byte, len(v))
			copy(cp, v)
			out = append(out, cp)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.DeleteBucket(bucketBatches); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketBatches)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to flush retention queue: %w", err)
	}

	q.size = 0
	q.count = 0
	q.report()
	return out, nil
}

// Len implements Queue.
func (q *BoltQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Size implements Queue.
func (q *BoltQueue) Size() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Limit implements Queue.
func (q *BoltQueue) Limit() int64 {
	return q.limit
}

// Close closes the database; queued batches stay on disk.
func (q *BoltQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}

func (q *BoltQueue) report() {
	metrics.QueueBytes.Set(float64(q.size))
	metrics.QueueBatches.Set(float64(q.count))
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// StoredBatch is one batch persisted in a bolt queue file.
type StoredBatch struct {
	Seq  uint64
	Data []byte
}

// ReadBoltQueue lists the batches in the queue file at path, oldest first,
// without removing them. The file is opened read-only, so it fails while an
// agent holds the queue open.
func ReadBoltQueue(path string) ([]StoredBatch, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open retention queue %s: %w", path, err)
	}
	defer func() { _ = db.Close() }()

	var out []StoredBatch
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBatches)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			data := make([]byte, len(v))
			copy(data, v)
			out = append(out, StoredBatch{Seq: binary.BigEndian.Uint64(k), Data: data})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read retention queue %s: %w", path, err)
	}
	return out, nil
}
