package coverage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	desc := ClassDescriptor{ID: ClassIDOf("a/B"), Name: "a/B", ProbeCount: 12}

	require.NoError(t, reg.Register(desc))
	require.NoError(t, reg.Register(desc), "re-registering identical metadata is allowed")

	got, ok := reg.Get(desc.ID)
	require.True(t, ok)
	assert.Equal(t, desc, got)
	assert.Equal(t, 1, reg.Len())

	_, ok = reg.Get(ClassIDOf("missing"))
	assert.False(t, ok)
}

func TestRegistry_Conflict(t *testing.T) {
	reg := NewRegistry()
	id := ClassIDOf("a/B")
	require.NoError(t, reg.Register(ClassDescriptor{ID: id, Name: "a/B", ProbeCount: 3}))

	err := reg.Register(ClassDescriptor{ID: id, Name: "a/B", ProbeCount: 4})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDescriptorConflict)

	got, _ := reg.Get(id)
	assert.Equal(t, 3, got.ProbeCount, "first registration wins")
}

func TestRegistry_NegativeProbeCount(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(ClassDescriptor{ID: 1, Name: "bad", ProbeCount: -1})
	assert.Error(t, err)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_MustEntryPanics(t *testing.T) {
	reg := NewRegistry()
	assert.PanicsWithValue(t, "coverage: no descriptor registered for class id 42", func() {
		reg.mustEntry(42)
	})
}

func TestClassIDOf_Stable(t *testing.T) {
	assert.Equal(t, ClassIDOf("com/example/Foo"), ClassIDOf("com/example/Foo"))
	assert.NotEqual(t, ClassIDOf("com/example/Foo"), ClassIDOf("com/example/Bar"))
}

func TestContextKey(t *testing.T) {
	tests := []struct {
		name    string
		key     ContextKey
		empty   bool
		ambient bool
	}{
		{name: "zero value", key: ContextKey{}, empty: true},
		{name: "sentinels", key: NewKey("", ""), empty: true},
		{name: "session only", key: NewKey("s1", "")},
		{name: "test only", key: NewKey("", "t1")},
		{name: "ambient", key: AmbientKey, ambient: true},
		{name: "full", key: NewKey("s1", "t1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.empty, tt.key.IsEmpty())
			assert.Equal(t, tt.ambient, tt.key.IsAmbient())
		})
	}

	assert.Equal(t, ContextKey{SessionID: "s1", TestID: TestNone}, NewKey("s1", ""))
	assert.Equal(t, ContextKey{SessionID: SessionNone, TestID: "t1"}, NewKey("", "t1"))
	assert.Equal(t, "s1/t1", NewKey("s1", "t1").String())
}

func TestCorrelation(t *testing.T) {
	_, ok := KeyFromContext(context.Background())
	assert.False(t, ok)

	//nolint:staticcheck // nil context is handled explicitly
	_, ok = KeyFromContext(nil)
	assert.False(t, ok)

	key := NewKey("s1", "t1")
	got, ok := KeyFromContext(WithKey(context.Background(), key))
	require.True(t, ok)
	assert.Equal(t, key, got)
}

func TestContextState_String(t *testing.T) {
	assert.Equal(t, "recording", stateRecording.String())
	assert.Equal(t, "stopped", stateStopped.String())
	assert.Equal(t, "released", stateReleased.String())
	assert.Equal(t, "unknown", contextState(99).String())
}
