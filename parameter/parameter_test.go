package parameter

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const json1 = `{"a":7.2,"b":1.17e-22,"m[0,0]":1,"m[0,1]":2,"m[1,0]":3,"m[1,1]":0.999999}`

func TestVersions(tst *testing.T) {
	p := NewMatrix("m", 2, 2, 1, 2, 3, 4)
	v0 := p.Version()
	assert.Equal(tst, v0, p.ElementVersion(3))

	var calls int
	p.Subscribe(func(name string, version uint64) {
		assert.Equal(tst, "m", name)
		calls++
	})

	p.Set(1, 2)
	assert.Equal(tst, 0, calls, "setting the same value is not a change")
	assert.Equal(tst, v0, p.Version())

	p.Set(1, 5)
	assert.Equal(tst, 1, calls)
	assert.Greater(tst, p.Version(), v0)
	assert.Equal(tst, p.Version(), p.ElementVersion(1))
	assert.Equal(tst, v0, p.ElementVersion(0))

	require.NoError(tst, p.SetValues([]float64{1, 5, 3, 7}))
	assert.Equal(tst, 2, calls)
	assert.Equal(tst, p.Version(), p.ElementVersion(3))
	assert.NotEqual(tst, p.Version(), p.ElementVersion(1))

	assert.Error(tst, p.SetValues([]float64{1}))
}

func TestStoreRestore(tst *testing.T) {
	p := New("x", 1, 2, 3)
	var calls int
	p.Subscribe(func(string, uint64) { calls++ })
	p.Store()
	v := p.Version()
	ev := p.ElementVersion(2)

	p.Set(2, 10)
	p.Restore()
	assert.Equal(tst, []float64{1, 2, 3}, p.Values(nil))
	assert.Equal(tst, v, p.Version())
	assert.Equal(tst, ev, p.ElementVersion(2))
	assert.Equal(tst, 2, calls)

	// restore without a stored state does nothing
	p.Set(0, 4)
	p.Restore()
	assert.Equal(tst, 4.0, p.Get(0))

	p.Store()
	p.Set(1, 8)
	p.Accept()
	p.Restore()
	assert.Equal(tst, []float64{4, 8, 3}, p.Values(nil))
}

func TestMatrix(tst *testing.T) {
	p := NewMatrix("m", 2, 2, 1, 2, 4, 3)
	assert.Equal(tst, 4.0, p.At(1, 0))
	s := p.Sym()
	assert.Equal(tst, 3.0, s.At(0, 1))
	assert.Equal(tst, 3.0, s.At(1, 0))
	assert.Equal(tst, "m[1,0]", p.ElementName(2))
	assert.Equal(tst, "v[1]", New("v", 1, 2).ElementName(1))
	assert.Equal(tst, "s", New("s", 1).ElementName(0))

	id := NewIdentity("id", 3)
	assert.Equal(tst, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, id.Values(nil))

	assert.Panics(tst, func() { NewMatrix("bad", 2, 2, 1) })
	assert.Panics(tst, func() { New("v", 1, 2).Sym() })
}

func TestBounds(tst *testing.T) {
	p := New("x", 1, 2)
	assert.True(tst, p.InRange())
	p.SetBounds(0, 1.5)
	assert.False(tst, p.InRange())
	assert.True(tst, p.ValuesInRange([]float64{0, 1.5}))
	assert.False(tst, p.ValuesInRange([]float64{0, math.NaN()}))
	assert.Equal(tst, 0.0, p.Min(1))
	assert.Equal(tst, 1.5, p.Max(0))
}

func compound1(tst *testing.T) (*Compound, *Parameter, *Parameter) {
	a := New("a", 7.2)
	b := New("b", 1.17e-22)
	m := NewMatrix("m", 2, 2, 1, 2, 3, 0.999999)
	c, err := NewCompound("all", a, b)
	require.NoError(tst, err)
	require.NoError(tst, c.Append(m))
	return c, a, m
}

func TestCompound(tst *testing.T) {
	c, a, m := compound1(tst)
	assert.Equal(tst, 6, c.Dim())
	assert.Equal(tst, 2, c.Offset(2))
	assert.Len(tst, c.Parts(), 3)
	assert.Equal(tst, []string{"a", "b", "m[0,0]", "m[0,1]", "m[1,0]", "m[1,1]"}, Names(c))

	c.Set(3, 5)
	assert.Equal(tst, 5.0, m.At(0, 1))
	assert.Equal(tst, 7.2, c.Get(0))

	require.NoError(tst, c.SetValues([]float64{1, 2, 3, 4, 5, 6}))
	assert.Equal(tst, []float64{3, 4, 5, 6}, m.Values(nil))
	assert.Equal(tst, []float64{1, 2, 3, 4, 5, 6}, c.Values(nil))
	assert.Error(tst, c.SetValues([]float64{1}))

	c.Store()
	c.Set(0, 10)
	c.Restore()
	assert.Equal(tst, 1.0, a.Get(0))

	a.SetBounds(0, 1)
	assert.True(tst, c.InRange())
	assert.False(tst, c.ValuesInRange([]float64{2, 2, 3, 4, 5, 6}))

	err := c.Append(a)
	assert.True(tst, errors.Is(err, ErrDuplicate))
}

func TestMarshalCompound(tst *testing.T) {
	c, _, _ := compound1(tst)
	j, err := json.Marshal(c)
	require.NoError(tst, err)
	assert.Equal(tst, json1, string(j))
}

func TestUnmarshalCompound(tst *testing.T) {
	a := New("a", 1)
	b := New("b", 1)
	m := NewMatrix("m", 2, 2, 1, 1, 1, 1)
	c, err := NewCompound("all", a, b, m)
	require.NoError(tst, err)
	require.NoError(tst, json.Unmarshal([]byte(json1), c))
	j, err := json.Marshal(c)
	require.NoError(tst, err)
	assert.Equal(tst, json1, string(j))

	assert.Error(tst, json.Unmarshal([]byte(`{"a":1}`), c))
	assert.Error(tst, json.Unmarshal([]byte(`[1]`), c))
}
