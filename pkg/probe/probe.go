// Package probe implements the fixed-size probe arrays that instrumented code
// writes coverage hits into.
//
// An Array holds one boolean per instrumentation point of a class, packed into
// 64-bit words. Writers only ever flip bits from false to true, which lets any
// number of goroutines call Set concurrently without locks: a bit is published
// with a single atomic OR and readers (the coverage poller) take atomic loads
// of whole words. Reset is the only operation that clears bits and it is
// reserved for stub arrays used while collection is disabled.
//
// Example:
//
//	probes := probe.New(12)
//	probes.Set(3)
//	probes.Get(3) // true
package probe

import (
	"fmt"
	"math/bits"
	"sync/atomic"
)

const wordBits = 64

// Array is a fixed-size set of probe flags safe for concurrent Set calls.
type Array struct {
	size  int
	words []atomic.Uint64
	stub  bool
}

// New returns an Array of size probes, all unset.
// It panics if size is negative.
func New(size int) *Array {
	if size < 0 {
		panic(fmt.Sprintf("probe: negative array size %d", size))
	}
	return &Array{
		size:  size,
		words: make([]atomic.Uint64, wordCount(size)),
	}
}

// NewStub returns an Array that accepts and discards every Set call.
// Instrumented code keeps running against it when coverage collection is
// disabled or when a hit cannot be attributed to a live recording context.
func NewStub(size int) *Array {
	a := New(size)
	a.stub = true
	return a
}

// FromWords builds an Array from packed words. Bits at positions >= size are
// dropped.
func FromWords(size int, words []uint64) *Array {
	a := New(size)
	for i := range a.words {
		if i >= len(words) {
			break
		}
		a.words[i].Store(words[i])
	}
	a.clearTail()
	return a
}

// FromBools builds an Array whose flags mirror values.
func FromBools(values []bool) *Array {
	a := New(len(values))
	for i, v := range values {
		if v {
			a.Set(i)
		}
	}
	return a
}

// FromBytes builds an Array of size probes from the little-endian bit packing
// produced by Bytes.
func FromBytes(size int, packed []byte) *Array {
	a := New(size)
	for i := 0; i < size && i/8 < len(packed); i++ {
		if packed[i/8]&(1<<(uint(i)%8)) != 0 {
			a.Set(i)
		}
	}
	return a
}

// Len returns the number of probes.
func (a *Array) Len() int {
	return a.size
}

// IsStub reports whether writes to the array are discarded.
func (a *Array) IsStub() bool {
	return a.stub
}

// Set marks probe i as hit. It is idempotent and safe for concurrent use.
// An index outside [0, Len()) means the instrumentation metadata does not
// match the running code, and Set panics.
func (a *Array) Set(i int) {
	if uint(i) >= uint(a.size) {
		panic(fmt.Sprintf("probe: index %d out of range [0,%d)", i, a.size))
	}
	if a.stub {
		return
	}
	w := &a.words[i/wordBits]
	mask := uint64(1) << (uint(i) % wordBits)
	// Hot probes are hit far more often than they flip; skip the RMW when set.
	if w.Load()&mask != 0 {
		return
	}
	w.Or(mask)
}

// Get reports whether probe i has been hit.
func (a *Array) Get(i int) bool {
	if uint(i) >= uint(a.size) {
		panic(fmt.Sprintf("probe: index %d out of range [0,%d)", i, a.size))
	}
	return a.words[i/wordBits].Load()&(uint64(1)<<(uint(i)%wordBits)) != 0
}

// Reset clears every probe.
func (a *Array) Reset() {
	for i := range a.words {
		a.words[i].Store(0)
	}
}

// Covered reports whether at least one probe has been hit.
func (a *Array) Covered() bool {
	for i := range a.words {
		if a.words[i].Load() != 0 {
			return true
		}
	}
	return false
}

// Count returns the number of probes hit.
func (a *Array) Count() int {
	n := 0
	for i := range a.words {
		n += bits.OnesCount64(a.words[i].Load())
	}
	return n
}

// Words returns a point-in-time copy of the packed flags. Each word is loaded
// atomically; words are not loaded as one unit, so a concurrent Set may be
// visible in one word and not yet in another.
func (a *Array) Words() []uint64 {
	out := make([]uint64, len(a.words))
	for i := range a.words {
		out[i] = a.words[i].Load()
	}
	return out
}

// Clone returns an independent copy. The copy is never a stub.
func (a *Array) Clone() *Array {
	return FromWords(a.size, a.Words())
}

// Merge ORs the flags of other into a. Probes beyond a's length are ignored.
func (a *Array) Merge(other *Array) {
	for i, w := range other.Words() {
		if i >= len(a.words) || w == 0 {
			continue
		}
		a.words[i].Or(w)
	}
	a.clearTail()
}

// Bools returns the flags as a boolean slice.
func (a *Array) Bools() []bool {
	out := make([]bool, a.size)
	for i := range out {
		out[i] = a.Get(i)
	}
	return out
}

// Indices returns the positions of hit probes in ascending order.
func (a *Array) Indices() []int {
	var out []int
	for wi, w := range a.Words() {
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			out = append(out, wi*wordBits+tz)
			w &= w - 1
		}
	}
	return out
}

// Bytes packs the flags little-endian: probe i lives in byte i/8, bit i%8.
func (a *Array) Bytes() []byte {
	out := make([]byte, (a.size+7)/8)
	for wi, w := range a.Words() {
		for b := 0; b < 8; b++ {
			idx := wi*8 + b
			if idx >= len(out) {
				break
			}
			out[idx] = byte(w >> (8 * uint(b)))
		}
	}
	return out
}

func (a *Array) clearTail() {
	if rem := a.size % wordBits; rem != 0 && len(a.words) > 0 {
		last := &a.words[len(a.words)-1]
		last.And(uint64(1)<<uint(rem) - 1)
	}
}

func wordCount(size int) int {
	return (size + wordBits - 1) / wordBits
}
