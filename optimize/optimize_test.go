package optimize

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/op/go-logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"bitbucket.org/Davydov/contrait/checkpoint"
	"bitbucket.org/Davydov/contrait/parameter"
)

func init() {
	logging.SetLevel(logging.ERROR, "optimize")
}

// paraboloid has the maximum at c.
type paraboloid struct {
	p *parameter.Parameter
	c []float64
}

func newParaboloid(c ...float64) *paraboloid {
	return &paraboloid{p: parameter.New("x", make([]float64, len(c))...), c: c}
}

func (q *paraboloid) LogLikelihood() float64 {
	var l float64
	for i, c := range q.c {
		d := q.p.Get(i) - c
		l -= float64(i+1) * d * d
	}
	return l
}

func (q *paraboloid) Parameter() parameter.Vector {
	return q.p
}

func (q *paraboloid) Gradient() ([]float64, error) {
	g := make([]float64, len(q.c))
	for i, c := range q.c {
		g[i] = -2 * float64(i+1) * (q.p.Get(i) - c)
	}
	return g, nil
}

func TestNone(tst *testing.T) {
	q := newParaboloid(1, 2)
	o, err := New("none")
	require.NoError(tst, err)
	var buf bytes.Buffer
	o.SetOptimizable(q)
	o.SetOutput(&buf)
	require.NoError(tst, o.Run(10))

	s := o.Summary()
	assert.Equal(tst, "none", s.Method)
	assert.Equal(tst, -9.0, s.MaxLnL)
	assert.Equal(tst, 1, s.Calls)
	assert.Equal(tst, map[string]float64{"x[0]": 0, "x[1]": 0}, s.Parameters)
	assert.Equal(tst, "iteration\tlikelihood\tx[0]\tx[1]\n0\t-9.000000\t0.000000\t0.000000\n", buf.String())
}

func TestBFGS(tst *testing.T) {
	q := newParaboloid(1, -2, 0.5)
	o := NewBFGS()
	o.Quiet = true
	o.SetOptimizable(q)
	require.NoError(tst, o.Run(100))
	assert.InDeltaSlice(tst, q.c, q.p.Values(nil), 1e-3)
	assert.InDelta(tst, 0, o.GetMaxL(), 1e-6)
	assert.Greater(tst, o.Summary().GradCalls, 0)
}

func TestLBFGSB(tst *testing.T) {
	q := newParaboloid(2, -1)
	q.p.SetBounds(-1.5, 1)
	o := NewLBFGSB()
	o.Quiet = true
	o.SetOptimizable(q)
	require.NoError(tst, o.Run(100))
	// the first coordinate stops at the bound
	assert.InDelta(tst, 1, q.p.Get(0), 1e-4)
	assert.InDelta(tst, -1, q.p.Get(1), 1e-4)
	assert.InDelta(tst, o.GetMaxL(), q.LogLikelihood(), 1e-12)
}

func TestCheckpoint(tst *testing.T) {
	db, err := bolt.Open(filepath.Join(tst.TempDir(), "cp.db"), 0600, nil)
	require.NoError(tst, err)
	defer db.Close()
	cp := checkpoint.NewCheckpointIO(db, checkpoint.Key([]byte("paraboloid")), 0)

	q := newParaboloid(1, 2)
	o := NewBFGS()
	o.Quiet = true
	o.SetOptimizable(q)
	o.SetCheckpointIO(cp)
	require.NoError(tst, o.Run(100))

	data, err := cp.GetParameters()
	require.NoError(tst, err)
	require.NotNil(tst, data)
	assert.True(tst, data.Final)
	assert.Equal(tst, "BFGS", data.Method)
	assert.InDelta(tst, 1, data.Parameters["x[0]"], 1e-3)
	assert.InDelta(tst, 2, data.Parameters["x[1]"], 1e-3)
}

func TestNew(tst *testing.T) {
	for _, m := range []string{"lbfgsb", "bfgs", "none"} {
		_, err := New(m)
		assert.NoError(tst, err)
	}
	_, err := New("simplex")
	assert.Error(tst, err)
}

func TestReadFloats(tst *testing.T) {
	f, err := ReadFloats(" 1.5\t-2 3e-2\n4 ")
	require.NoError(tst, err)
	assert.Equal(tst, []float64{1.5, -2, 0.03, 4}, f)

	f, err = ReadFloats("1 x 2")
	assert.Error(tst, err)
	assert.Equal(tst, []float64{1}, f)

	f, err = ReadFloats(strings.Repeat(" ", 3))
	require.NoError(tst, err)
	assert.Empty(tst, f)
}
