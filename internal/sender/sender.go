// Package sender ships polled coverage to the collector on a fixed interval.
//
// Each tick polls the recorder for probes that changed since the previous
// tick, encodes them in pages, and hands the batches to the transport. When
// the transport is down, batches go to the retention queue; once it is back,
// queued batches are sent before fresh ones so the collector sees coverage
// in the order it was recorded.
package sender

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/coverage-agent/internal/codec"
	"github.com/coral-mesh/coverage-agent/internal/constants"
	"github.com/coral-mesh/coverage-agent/internal/coverage"
	"github.com/coral-mesh/coverage-agent/internal/metrics"
	"github.com/coral-mesh/coverage-agent/internal/retention"
	"github.com/coral-mesh/coverage-agent/internal/transport"
)

// Source yields the coverage recorded since the previous call.
type Source interface {
	PollRecorded() []coverage.ExecDatum
}

// Encoder serializes one payload.
type Encoder interface {
	Encode(codec.Payload) ([]byte, error)
}

// Config contains configuration for the sender.
type Config struct {
	// Interval is the time between ticks.
	Interval time.Duration

	// PageSize caps the class records per batch.
	PageSize int

	// ShutdownTimeout bounds how long Stop waits for the loop and for the
	// final flush.
	ShutdownTimeout time.Duration

	// Meta is stamped on every payload.
	Meta codec.Meta

	Logger zerolog.Logger
}

// Status is a point-in-time view of the sender.
type Status struct {
	Running            bool      `json:"running"`
	TransportAvailable bool      `json:"transport_available"`
	QueuedBatches      int       `json:"queued_batches"`
	QueuedBytes        int64     `json:"queued_bytes"`
	LastTick           time.Time `json:"last_tick,omitempty"`
}

// IntervalSender runs the poll-encode-send loop.
type IntervalSender struct {
	cfg       Config
	source    Source
	encoder   Encoder
	transport transport.Transport
	queue     retention.Queue
	logger    zerolog.Logger

	trigger chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// tickMu serializes ticks, drains and the final flush; it makes the
	// sender the only mutator of the queue.
	tickMu   sync.Mutex
	lastTick time.Time
}

// New creates a sender. If t implements transport.Notifier, the sender drains
// the retention queue as soon as t reports it is available again.
func New(cfg Config, source Source, encoder Encoder, t transport.Transport, queue retention.Queue) *IntervalSender {
	if cfg.Interval <= 0 {
		cfg.Interval = constants.DefaultSendInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = constants.DefaultPageSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = constants.DefaultShutdownTimeout
	}

	s := &IntervalSender{
		cfg:       cfg,
		source:    source,
		encoder:   encoder,
		transport: t,
		queue:     queue,
		logger:    cfg.Logger.With().Str("component", "coverage_sender").Logger(),
		trigger:   make(chan struct{}, 1),
	}
	if n, ok := t.(transport.Notifier); ok {
		n.OnAvailable(s.NotifyAvailable)
	}
	return s
}

// Start begins sending. The first tick runs immediately. Calling Start on a
// running sender is a no-op.
func (s *IntervalSender) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Int("page_size", s.cfg.PageSize).
		Msg("Starting coverage sender")

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(loopCtx, s.done)
	return nil
}

// Stop ends the loop, then polls once more and tries to deliver everything
// still pending, including the retention queue, within ShutdownTimeout.
// Finally it closes the transport.
func (s *IntervalSender) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.logger.Info().Msg("Stopping coverage sender")

	s.cancel()
	select {
	case <-s.done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn().Dur("timeout", s.cfg.ShutdownTimeout).Msg("Sender loop did not stop in time")
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.tick(ctx, true)

	if n := s.queue.Len(); n > 0 {
		s.logger.Warn().
			Int("batches", n).
			Int64("bytes", s.queue.Size()).
			Msg("Coverage left undelivered at shutdown")
	}

	if err := s.transport.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close transport")
	}
	return nil
}

// NotifyAvailable asks the loop to drain the retention queue now instead of
// at the next tick. It never blocks.
func (s *IntervalSender) NotifyAvailable() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Status reports the sender state.
func (s *IntervalSender) Status() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	s.tickMu.Lock()
	lastTick := s.lastTick
	s.tickMu.Unlock()

	return Status{
		Running:            running,
		TransportAvailable: s.transport.Available(),
		QueuedBatches:      s.queue.Len(),
		QueuedBytes:        s.queue.Size(),
		LastTick:           lastTick,
	}
}

func (s *IntervalSender) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.trigger:
			s.drain(ctx)
		}
	}
}

// Tick runs one poll-encode-send cycle. While the transport reports itself
// unavailable the batches go straight to the retention queue.
func (s *IntervalSender) Tick(ctx context.Context) {
	s.tick(ctx, false)
}

// tick with force set attempts delivery even when Available is false. The
// final flush uses it: an HTTP transport can still be cooling down from a
// failure the collector has since recovered from.
func (s *IntervalSender) tick(ctx context.Context, force bool) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.lastTick = time.Now()
	available := s.transport.Available()
	metrics.SetAvailable(available)

	batches := s.encode(s.source.PollRecorded())

	if !available && !force {
		s.enqueue(batches)
		return
	}
	if !s.drainLocked(ctx) {
		s.enqueue(batches)
		return
	}
	for i, batch := range batches {
		if err := s.send(ctx, batch); err != nil && !errors.Is(err, transport.ErrRejected) {
			s.enqueue(batches[i:])
			return
		}
	}
}

func (s *IntervalSender) drain(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if !s.transport.Available() {
		return
	}
	metrics.SetAvailable(true)
	s.drainLocked(ctx)
}

// drainLocked sends queued batches oldest first. On the first delivery failure
// the unsent remainder goes back to the queue and drainLocked returns false.
// Caller holds tickMu.
func (s *IntervalSender) drainLocked(ctx context.Context) bool {
	if s.queue.Len() == 0 {
		return true
	}

	queued, err := s.queue.Flush()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read retention queue")
		return true
	}
	s.logger.Debug().Int("batches", len(queued)).Msg("Draining retention queue")

	for i, batch := range queued {
		err := s.send(ctx, batch)
		if err == nil || errors.Is(err, transport.ErrRejected) {
			continue
		}
		// The queue was empty after Flush and only this goroutine writes to
		// it, so the remainder fits and keeps its order.
		if _, err := retention.EnqueueAll(s.queue, queued[i:]); err != nil {
			s.logger.Error().Err(err).Msg("Failed to requeue undelivered batches")
		}
		return false
	}
	return true
}

func (s *IntervalSender) encode(records []coverage.ExecDatum) [][]byte {
	if len(records) == 0 {
		return nil
	}

	pages := codec.Pages(records, s.cfg.PageSize)
	batches := make([][]byte, 0, len(pages))
	for _, page := range pages {
		data, err := s.encoder.Encode(codec.NewPayload(s.cfg.Meta, page))
		if err != nil {
			metrics.Batches.WithLabelValues(metrics.ResultEncodeFailed).Inc()
			s.logger.Error().Err(err).Int("records", len(page)).Msg("Failed to encode coverage batch, dropping it")
			continue
		}
		metrics.BatchBytes.Observe(float64(len(data)))
		batches = append(batches, data)
	}
	return batches
}

func (s *IntervalSender) send(ctx context.Context, batch []byte) error {
	timer := metrics.NewTimer()
	err := s.transport.Send(ctx, batch)
	timer.ObserveDuration(metrics.SendDuration)

	switch {
	case err == nil:
		metrics.Batches.WithLabelValues(metrics.ResultSent).Inc()
		s.logger.Trace().Int("bytes", len(batch)).Msg("Coverage batch sent")
	case errors.Is(err, transport.ErrRejected):
		metrics.Batches.WithLabelValues(metrics.ResultDropped).Inc()
		s.logger.Error().Err(err).Int("bytes", len(batch)).Msg("Collector rejected coverage batch, dropping it")
	default:
		s.logger.Debug().Err(err).Int("bytes", len(batch)).Msg("Coverage batch not delivered")
	}
	return err
}

func (s *IntervalSender) enqueue(batches [][]byte) {
	for _, batch := range batches {
		err := s.queue.Enqueue(batch)
		switch {
		case err == nil:
			metrics.Batches.WithLabelValues(metrics.ResultQueued).Inc()
		case errors.Is(err, retention.ErrFull):
			metrics.Batches.WithLabelValues(metrics.ResultDropped).Inc()
		default:
			metrics.Batches.WithLabelValues(metrics.ResultDropped).Inc()
			s.logger.Error().Err(err).Msg("Failed to queue coverage batch")
		}
	}
}
