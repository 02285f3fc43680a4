package registry

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ape/internal/source"
)

func one() int { return 1 }
func two() int { return 2 }

func TestRegisterIsIdempotent(t *testing.T) {
	r := New()

	rec, inserted := r.Register("f", reflect.ValueOf(one), source.Location{File: "a.go"})
	require.True(t, inserted)
	assert.Equal(t, "f", rec.Name)
	assert.False(t, rec.Swapped())

	rec, inserted = r.Register("f", reflect.ValueOf(two), source.Location{File: "b.go"})
	assert.False(t, inserted)
	assert.Equal(t, "a.go", rec.Location.File)
	assert.Equal(t, 1, rec.Original.Interface().(func() int)())
	assert.Equal(t, 1, r.Len())
}

func TestLookupReturnsCopy(t *testing.T) {
	r := New()
	r.Register("f", reflect.ValueOf(one), source.Location{})

	rec, ok := r.Lookup("f")
	require.True(t, ok)
	rec.Swaps = 99

	again, _ := r.Lookup("f")
	assert.Equal(t, 0, again.Swaps)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestSetCurrentKeepsOriginal(t *testing.T) {
	r := New()
	r.Register("f", reflect.ValueOf(one), source.Location{})

	require.NoError(t, r.SetCurrent("f", reflect.ValueOf(two), "func f() int { return 2 }"))

	rec, _ := r.Lookup("f")
	assert.Equal(t, 1, rec.Original.Interface().(func() int)())
	assert.Equal(t, 2, rec.Current.Interface().(func() int)())
	assert.Equal(t, "func f() int { return 2 }", rec.CurrentSource)
	assert.True(t, rec.Swapped())

	assert.Error(t, r.SetCurrent("missing", reflect.ValueOf(two), ""))
}

func TestListAllIsSnapshot(t *testing.T) {
	r := New()
	r.Register("b", reflect.ValueOf(two), source.Location{})
	r.Register("a", reflect.ValueOf(one), source.Location{})

	all := r.ListAll()
	require.Len(t, all, 2)
	delete(all, "a")

	assert.Len(t, r.ListAll(), 2)
	assert.Equal(t, []string{"a", "b"}, r.Names())
}
