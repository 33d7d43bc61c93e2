package coverage

import (
	"sync"

	"github.com/coral-mesh/coverage-agent/pkg/probe"
)

type contextState int

const (
	stateRecording contextState = iota
	stateStopped
	stateReleased
)

func (s contextState) String() string {
	switch s {
	case stateRecording:
		return "recording"
	case stateStopped:
		return "stopped"
	case stateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Context is the coverage collected for one ContextKey.
//
// The exec data map is written by application goroutines without taking mu.
// mu serializes lifecycle transitions and the poll cursor, neither of which
// is on the probe hot path.
type Context struct {
	key  ContextKey
	data sync.Map // ClassID -> *ExecDatum

	mu    sync.Mutex
	state contextState
	sent  map[ClassID][]uint64
}

func newContext(key ContextKey) *Context {
	return &Context{
		key:  key,
		sent: make(map[ClassID][]uint64),
	}
}

// Key returns the context key.
func (c *Context) Key() ContextKey {
	return c.key
}

// probes returns the live probe array for desc, creating it on first use.
func (c *Context) probes(desc ClassDescriptor) *probe.Array {
	if v, ok := c.data.Load(desc.ID); ok {
		return v.(*ExecDatum).Probes
	}
	datum := &ExecDatum{
		ID:        desc.ID,
		Name:      desc.Name,
		SessionID: c.key.SessionID,
		TestID:    c.key.TestID,
		Probes:    probe.New(desc.ProbeCount),
	}
	v, _ := c.data.LoadOrStore(desc.ID, datum)
	return v.(*ExecDatum).Probes
}

// snapshot copies every covered datum. Caller holds c.mu or accepts a
// snapshot that races with lifecycle changes.
func (c *Context) snapshot() []ExecDatum {
	var out []ExecDatum
	c.data.Range(func(_, v any) bool {
		d := v.(*ExecDatum)
		if !d.Probes.Covered() {
			return true
		}
		cp := *d
		cp.Probes = d.Probes.Clone()
		out = append(out, cp)
		return true
	})
	return out
}

// drainLocked returns, per class, the probes that became true since the last
// drain, and advances the cursor. Caller holds c.mu.
func (c *Context) drainLocked() []ExecDatum {
	var out []ExecDatum
	c.data.Range(func(_, v any) bool {
		d := v.(*ExecDatum)
		current := d.Probes.Words()
		prev := c.sent[d.ID]
		if prev == nil {
			prev = make([]uint64, len(current))
			c.sent[d.ID] = prev
		}
		changed := false
		delta := make([]uint64, len(current))
		for i, w := range current {
			delta[i] = w &^ prev[i]
			if delta[i] != 0 {
				changed = true
				prev[i] |= delta[i]
			}
		}
		if changed {
			cp := *d
			cp.Probes = probe.FromWords(d.Probes.Len(), delta)
			out = append(out, cp)
		}
		return true
	})
	return out
}
