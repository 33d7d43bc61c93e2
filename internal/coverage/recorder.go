package coverage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/coverage-agent/internal/metrics"
	"github.com/coral-mesh/coverage-agent/pkg/probe"
)

// Config configures a Recorder.
type Config struct {
	// Registry holds class descriptors. A new registry is created when nil.
	Registry *Registry

	// Disabled hands out stub arrays only; nothing is recorded.
	Disabled bool

	// Logger is the logger instance.
	Logger zerolog.Logger
}

// Recorder owns every coverage context of the process.
type Recorder struct {
	registry *Registry
	disabled bool
	logger   zerolog.Logger

	ambient  *Context
	contexts sync.Map // ContextKey -> *Context
}

// NewRecorder creates a recorder with an empty set of test contexts and a
// live ambient context.
func NewRecorder(cfg Config) *Recorder {
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	return &Recorder{
		registry: registry,
		disabled: cfg.Disabled,
		logger:   cfg.Logger.With().Str("component", "coverage_recorder").Logger(),
		ambient:  newContext(AmbientKey),
	}
}

// Registry returns the class descriptor registry.
func (r *Recorder) Registry() *Registry {
	return r.registry
}

// Enabled reports whether probe hits are recorded.
func (r *Recorder) Enabled() bool {
	return !r.disabled
}

// Instrument registers className with probeCount probes and returns its
// descriptor. Instrumentation calls it once per class before the class runs.
func (r *Recorder) Instrument(className string, probeCount int) (ClassDescriptor, error) {
	desc := ClassDescriptor{
		ID:         ClassIDOf(className),
		Name:       className,
		ProbeCount: probeCount,
	}
	if err := r.registry.Register(desc); err != nil {
		return ClassDescriptor{}, err
	}
	return desc, nil
}

// Bind returns the probe array instrumented code must write to for class id
// under key. Empty keys resolve to the ambient context. Keys with no live
// context get a stub array, so hits racing with Cancel or arriving after the
// final drain are discarded.
//
// Bind panics if id was never registered.
func (r *Recorder) Bind(key ContextKey, id ClassID) *probe.Array {
	entry := r.registry.mustEntry(id)
	if r.disabled {
		return entry.stub
	}
	c := r.lookup(key)
	if c == nil {
		return entry.stub
	}
	return c.probes(entry.desc)
}

// BindProbes is Bind for woven code that knows the probe count it was compiled
// against. It panics when that count differs from the registered descriptor.
func (r *Recorder) BindProbes(key ContextKey, id ClassID, expectedProbeCount int) *probe.Array {
	entry := r.registry.mustEntry(id)
	if entry.desc.ProbeCount != expectedProbeCount {
		panic(fmt.Sprintf("coverage: class %s has %d probes, instrumented code expects %d",
			entry.desc.Name, entry.desc.ProbeCount, expectedProbeCount))
	}
	return r.Bind(key, id)
}

// BindContext is Bind with the key taken from ctx.
func (r *Recorder) BindContext(ctx context.Context, id ClassID) *probe.Array {
	key, _ := KeyFromContext(ctx)
	return r.Bind(key, id)
}

func (r *Recorder) lookup(key ContextKey) *Context {
	if key.IsEmpty() || key.IsAmbient() {
		return r.ambient
	}
	v, ok := r.contexts.Load(key)
	if !ok {
		return nil
	}
	return v.(*Context)
}

// StartRecording begins recording for key. Starting a key that is already
// recording is a no-op; starting a stopped key that has not been drained yet
// resumes it with its data intact.
func (r *Recorder) StartRecording(key ContextKey) {
	if key.IsEmpty() || key.IsAmbient() {
		r.logger.Debug().Str("key", key.String()).Msg("Ignoring start for ambient context")
		return
	}
	for {
		v, ok := r.contexts.Load(key)
		created := false
		if !ok {
			v, ok = r.contexts.LoadOrStore(key, newContext(key))
			created = !ok
		}
		c := v.(*Context)

		c.mu.Lock()
		if c.state == stateReleased {
			// Drained and removed between Load and Lock; retry against the map.
			c.mu.Unlock()
			continue
		}
		resumed := c.state == stateStopped
		c.state = stateRecording
		c.mu.Unlock()

		if created {
			metrics.ActiveContexts.Inc()
			metrics.RecordingTransitions.WithLabelValues(metrics.TransitionStarted).Inc()
		}
		r.logger.Trace().
			Str("session_id", key.SessionID).
			Str("test_id", key.TestID).
			Bool("created", created).
			Bool("resumed", resumed).
			Msg("Test recording started")
		return
	}
}

// StopRecording ends recording for key and returns the full covered state of
// its context. The context stays registered until the next PollRecorded
// drains the probes not yet polled. Unknown or cancelled keys return nil.
func (r *Recorder) StopRecording(key ContextKey) []ExecDatum {
	if key.IsEmpty() || key.IsAmbient() {
		return r.ambient.snapshot()
	}
	v, ok := r.contexts.Load(key)
	if !ok {
		r.logger.Trace().Str("key", key.String()).Msg("Stop for unknown test context")
		return nil
	}
	c := v.(*Context)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateReleased {
		return nil
	}
	if c.state == stateRecording {
		c.state = stateStopped
		metrics.RecordingTransitions.WithLabelValues(metrics.TransitionStopped).Inc()
	}
	snapshot := c.snapshot()

	r.logger.Trace().
		Str("session_id", key.SessionID).
		Str("test_id", key.TestID).
		Int("classes", len(snapshot)).
		Msg("Test recording stopped")
	return snapshot
}

// Cancel discards the context for key without returning its data. It reports
// whether a context existed.
func (r *Recorder) Cancel(key ContextKey) bool {
	if key.IsEmpty() || key.IsAmbient() {
		return false
	}
	v, ok := r.contexts.Load(key)
	if !ok {
		return false
	}
	c := v.(*Context)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateReleased {
		return false
	}
	r.releaseLocked(c)
	metrics.RecordingTransitions.WithLabelValues(metrics.TransitionCancelled).Inc()

	r.logger.Trace().
		Str("session_id", key.SessionID).
		Str("test_id", key.TestID).
		Msg("Test recording cancelled")
	return true
}

// PollRecorded returns the probes that became true since the previous poll,
// one ExecDatum per changed class, across the ambient context and every test
// context. Stopped contexts are drained one last time and removed.
//
// PollRecorded runs concurrently with probe writes. A bit set while a class is
// being copied is either included now or in the next poll, never both.
func (r *Recorder) PollRecorded() []ExecDatum {
	r.ambient.mu.Lock()
	out := r.ambient.drainLocked()
	r.ambient.mu.Unlock()

	r.contexts.Range(func(_, v any) bool {
		c := v.(*Context)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == stateReleased {
			return true
		}
		out = append(out, c.drainLocked()...)
		if c.state == stateStopped {
			r.releaseLocked(c)
			metrics.RecordingTransitions.WithLabelValues(metrics.TransitionReleased).Inc()
		}
		return true
	})

	metrics.PolledRecords.Add(float64(len(out)))
	return out
}

// Unreleased returns the full covered state of every context still
// recording. It does not move the poll cursor.
func (r *Recorder) Unreleased() []ExecDatum {
	var out []ExecDatum
	r.contexts.Range(func(_, v any) bool {
		c := v.(*Context)
		c.mu.Lock()
		if c.state == stateRecording {
			out = append(out, c.snapshot()...)
		}
		c.mu.Unlock()
		return true
	})
	return out
}

// ActiveSessions maps each session id with a recording context to its sorted
// test ids.
func (r *Recorder) ActiveSessions() map[string][]string {
	out := make(map[string][]string)
	r.contexts.Range(func(k, v any) bool {
		c := v.(*Context)
		c.mu.Lock()
		recording := c.state == stateRecording
		c.mu.Unlock()
		if recording {
			key := k.(ContextKey)
			out[key.SessionID] = append(out[key.SessionID], key.TestID)
		}
		return true
	})
	for _, tests := range out {
		sort.Strings(tests)
	}
	return out
}

// releaseLocked removes c from the recorder. Caller holds c.mu.
func (r *Recorder) releaseLocked(c *Context) {
	c.state = stateReleased
	if r.contexts.CompareAndDelete(c.key, c) {
		metrics.ActiveContexts.Dec()
	}
}
