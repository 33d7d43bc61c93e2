// Package coverage records which probes fired, per class and per test context.
//
// Instrumented code asks the Recorder for the probe array of a class under the
// current ContextKey (session id + test id). Arrays are created lazily the
// first time a class is touched in a context. A background sender calls
// PollRecorded to drain only the probes that became true since the previous
// poll, so payload size follows coverage growth rather than the size of the
// instrumented code base.
//
// Context lifecycle:
//
//	absent --StartRecording--> recording --StopRecording--> stopped (pending drain)
//	                              |                              |
//	                              +--Cancel--> removed           +--PollRecorded--> removed
//
// Hits that carry no ContextKey go to the ambient context, which is always
// recording and is drained by PollRecorded like any other context.
package coverage

import (
	"fmt"

	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/coverage-agent/pkg/probe"
)

const (
	// SessionNone is the session id of a key that only carries a test id.
	SessionNone = "SESSION_CONTEXT_NONE"
	// TestNone is the test id of a key that only carries a session id.
	TestNone = "TEST_CONTEXT_NONE"
	// SessionAmbient is the session id of hits recorded outside any test.
	SessionAmbient = "GLOBAL"
)

// ClassID identifies an instrumented class. It is a stable 64-bit hash of the
// class name.
type ClassID uint64

// ClassIDOf returns the ClassID for a class name.
func ClassIDOf(className string) ClassID {
	return ClassID(xxh3.HashString(className))
}

// ContextKey is the (session, test) pair a probe hit is attributed to.
type ContextKey struct {
	SessionID string
	TestID    string
}

// AmbientKey is the key of the ambient context.
var AmbientKey = ContextKey{SessionID: SessionAmbient, TestID: TestNone}

// NewKey builds a ContextKey, replacing empty ids with the sentinel values.
func NewKey(sessionID, testID string) ContextKey {
	if sessionID == "" {
		sessionID = SessionNone
	}
	if testID == "" {
		testID = TestNone
	}
	return ContextKey{SessionID: sessionID, TestID: testID}
}

// IsAmbient reports whether k addresses the ambient context.
func (k ContextKey) IsAmbient() bool {
	return k == AmbientKey
}

// IsEmpty reports whether k carries neither a session id nor a test id.
func (k ContextKey) IsEmpty() bool {
	return (k.SessionID == "" || k.SessionID == SessionNone) &&
		(k.TestID == "" || k.TestID == TestNone)
}

func (k ContextKey) String() string {
	return fmt.Sprintf("%s/%s", k.SessionID, k.TestID)
}

// ClassDescriptor is the static instrumentation metadata of a class.
type ClassDescriptor struct {
	ID         ClassID
	Name       string
	ProbeCount int
}

// ExecDatum is the probe array of one class within one context.
//
// Data returned by the Recorder (polls, snapshots) carries a private copy of
// the probes; only the arrays handed to instrumented code are live.
type ExecDatum struct {
	ID        ClassID
	Name      string
	SessionID string
	TestID    string
	Probes    *probe.Array
}

// Key returns the context key the datum belongs to.
func (d ExecDatum) Key() ContextKey {
	return ContextKey{SessionID: d.SessionID, TestID: d.TestID}
}
