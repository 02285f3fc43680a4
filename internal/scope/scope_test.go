package scope

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct{ X, Y int }

func TestBindAndLookup(t *testing.T) {
	s := New()
	require.NoError(t, s.Bind("double", reflect.ValueOf(func(x int) int { return x * 2 })))

	fn, ok := s.Lookup("double")
	require.True(t, ok)
	assert.Equal(t, 8, fn.Interface().(func(int) int)(4))

	typ, ok := s.TypeOf("double")
	require.True(t, ok)
	assert.Equal(t, "func(int) int", typ.String())

	_, ok = s.Lookup("missing")
	assert.False(t, ok)
}

func TestBindRejectsNonFunctions(t *testing.T) {
	s := New()
	assert.Error(t, s.Bind("x", reflect.ValueOf(3)))

	var nilFn func()
	assert.Error(t, s.Bind("nil", reflect.ValueOf(nilFn)))
}

func TestBindRejectsTypeChange(t *testing.T) {
	s := New()
	require.NoError(t, s.Bind("f", reflect.ValueOf(func() int { return 1 })))
	assert.Error(t, s.Bind("f", reflect.ValueOf(func() string { return "" })))
}

func TestRebind(t *testing.T) {
	s := New()
	require.NoError(t, s.Bind("f", reflect.ValueOf(func() int { return 1 })))

	require.NoError(t, s.Rebind("f", reflect.ValueOf(func() int { return 2 })))
	fn, _ := s.Lookup("f")
	assert.Equal(t, 2, fn.Interface().(func() int)())

	assert.Error(t, s.Rebind("f", reflect.ValueOf(func() string { return "" })))
	assert.Error(t, s.Rebind("g", reflect.ValueOf(func() int { return 3 })))

	fn, _ = s.Lookup("f")
	assert.Equal(t, 2, fn.Interface().(func() int)(), "failed rebind leaves binding intact")
}

func TestSnapshotIsolation(t *testing.T) {
	s := New()
	require.NoError(t, s.Bind("a", reflect.ValueOf(func() {})))
	s.BindType("point", reflect.TypeOf(point{}))

	snap := s.Snapshot()
	require.NoError(t, s.Bind("b", reflect.ValueOf(func() {})))

	assert.Len(t, snap.Bindings, 1)
	assert.Equal(t, reflect.TypeOf(point{}), snap.Types["point"])
	assert.Equal(t, []string{"a", "b"}, s.Names())
}
