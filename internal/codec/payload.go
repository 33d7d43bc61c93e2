// Package codec turns polled coverage records into collector payloads.
package codec

import (
	"fmt"

	"github.com/coral-mesh/coverage-agent/internal/coverage"
	"github.com/coral-mesh/coverage-agent/pkg/probe"
)

// Meta identifies the agent instance that produced a payload.
type Meta struct {
	GroupID    string `json:"groupId"`
	AppID      string `json:"appId"`
	InstanceID string `json:"instanceId"`
}

// ClassCoverage is the probe state of one class within one test context.
// Probes is a little-endian bitset: probe i is bit i%8 of byte i/8.
type ClassCoverage struct {
	ClassID       uint64 `json:"classId"`
	ClassName     string `json:"classname"`
	TestSessionID string `json:"testSessionId"`
	TestID        string `json:"testId"`
	ProbeCount    int    `json:"probeCount"`
	Probes        []byte `json:"probes"`
}

// MaxProbeCount bounds the probes accepted for a single class. It is well
// above what any instrumented class carries.
const MaxProbeCount = 1 << 20

// Payload is one batch sent to the collector.
type Payload struct {
	Meta
	Classes []ClassCoverage `json:"classes"`
}

// NewPayload converts records into a payload.
func NewPayload(meta Meta, records []coverage.ExecDatum) Payload {
	classes := make([]ClassCoverage, 0, len(records))
	for _, d := range records {
		classes = append(classes, ClassCoverage{
			ClassID:       uint64(d.ID),
			ClassName:     d.Name,
			TestSessionID: d.SessionID,
			TestID:        d.TestID,
			ProbeCount:    d.Probes.Len(),
			Probes:        d.Probes.Bytes(),
		})
	}
	return Payload{Meta: meta, Classes: classes}
}

// Validate checks that every class can be expanded into a probe array: the
// count must be non-negative, at most MaxProbeCount and backed by enough bytes.
func (p Payload) Validate() error {
	for i, c := range p.Classes {
		switch {
		case c.ProbeCount < 0:
			return fmt.Errorf("class %d (%s): negative probe count %d", i, c.ClassName, c.ProbeCount)
		case c.ProbeCount > MaxProbeCount:
			return fmt.Errorf("class %d (%s): probe count %d exceeds %d", i, c.ClassName, c.ProbeCount, MaxProbeCount)
		case (c.ProbeCount+7)/8 > len(c.Probes):
			return fmt.Errorf("class %d (%s): %d probes need %d bytes, got %d",
				i, c.ClassName, c.ProbeCount, (c.ProbeCount+7)/8, len(c.Probes))
		}
	}
	return nil
}

// Array decodes the probe bitset.
func (c ClassCoverage) Array() *probe.Array {
	return probe.FromBytes(c.ProbeCount, c.Probes)
}

// Pages splits records into slices of at most size records. A non-positive
// size yields a single page.
func Pages(records []coverage.ExecDatum, size int) [][]coverage.ExecDatum {
	if len(records) == 0 {
		return nil
	}
	if size <= 0 || len(records) <= size {
		return [][]coverage.ExecDatum{records}
	}
	pages := make([][]coverage.ExecDatum, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		pages = append(pages, records[start:end])
	}
	return pages
}
