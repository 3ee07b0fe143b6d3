package continuous

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbucket.org/Davydov/contrait/parameter"
	"bitbucket.org/Davydov/contrait/tree"
)

type ouFixture struct {
	t         *tree.Tree
	sigma     *parameter.Parameter
	selection *parameter.Parameter
	optimum   *parameter.Parameter
	rates     *parameter.Parameter
	y         *parameter.Parameter
	d         *Delegate
}

func newOUFixture(tst *testing.T, opts ...Option) *ouFixture {
	f := &ouFixture{
		t:         parseTree(tst, tree5),
		sigma:     parameter.NewMatrix("variance", 2, 2, sigma2...),
		selection: parameter.NewMatrix("selection", 2, 2, 1.0, 0.3, 0.1, 0.7),
		optimum:   parameter.New("optimum", 0.5, -0.5),
		rates:     parameter.New("rates", 1.1, 0.6, 1.7, 0.9, 1.3, 0.8, 2.0, 0.5),
	}
	df, err := NewOU(Variance(f.sigma), f.selection, f.optimum)
	require.NoError(tst, err)
	data := exactTraits(tst, names5, 2, values5, missing)
	f.y = data.Values()
	prior, err := NewRootPrior(parameter.New("root", root2...), 1)
	require.NoError(tst, err)
	f.d = newDelegate(tst, f.t, df, data, prior, BranchRates(f.rates, false), opts...)
	return f
}

// pathToRoot returns ids of the node and all its ancestors.
func pathToRoot(node *tree.Node) (ids []int) {
	for ; node != nil; node = node.Parent {
		ids = append(ids, node.Id)
	}
	return
}

func TestPathRebuild(tst *testing.T) {
	f := newOUFixture(tst)
	require.True(tst, f.d.Evaluate().OK())
	assert.Len(tst, f.d.Stats().LastRebuilt, f.t.NNodes())
	assert.Equal(tst, 1, f.d.Stats().Evaluations)

	// nothing changed
	l := f.d.LogLikelihood()
	assert.Empty(tst, f.d.Stats().LastRebuilt)
	assert.Equal(tst, 1, f.d.Stats().Evaluations)

	node := f.t.Branches()[2]
	f.rates.Set(2, 1.5)
	require.True(tst, f.d.Evaluate().OK())
	assert.ElementsMatch(tst, pathToRoot(node), f.d.Stats().LastRebuilt)
	assert.NotEqual(tst, l, f.d.LogLikelihood())

	// a tip value
	var e *tree.Node
	for _, node := range f.t.Nodes() {
		if node.Name == "e" {
			e = node
		}
	}
	f.y.Set(4*2+1, 0.25)
	require.True(tst, f.d.Evaluate().OK())
	assert.ElementsMatch(tst, pathToRoot(e), f.d.Stats().LastRebuilt)

	// a branch length
	e.SetBranchLength(0.6)
	require.True(tst, f.d.Evaluate().OK())
	assert.ElementsMatch(tst, pathToRoot(e), f.d.Stats().LastRebuilt)

	// a process parameter changes every transition
	f.optimum.Set(0, 0.7)
	require.True(tst, f.d.Evaluate().OK())
	assert.Len(tst, f.d.Stats().LastRebuilt, f.t.NNodes())

	// the cache gives the same result as a fresh evaluation
	cached := f.d.LogLikelihood()
	f.d.MakeDirty()
	assertClose(tst, cached, f.d.LogLikelihood())
	assert.Len(tst, f.d.Stats().LastRebuilt, f.t.NNodes())
}

func TestStoreRestore(tst *testing.T) {
	f := newOUFixture(tst)
	params := []parameter.Vector{f.sigma, f.selection, f.optimum, f.rates}
	l := f.d.LogLikelihood()

	store := func() {
		for _, p := range params {
			p.Store()
		}
		f.d.Store()
	}
	restore := func() {
		for _, p := range params {
			p.Restore()
		}
		f.d.Restore()
	}

	store()
	f.selection.Set(1, 0.5)
	f.rates.Set(0, 0.3)
	assert.NotEqual(tst, l, f.d.LogLikelihood())
	restore()
	assert.Equal(tst, l, f.d.LogLikelihood())
	assert.Empty(tst, f.d.Stats().LastRebuilt)

	// accepted changes stay
	store()
	f.sigma.Set(0, 1.4)
	l2 := f.d.LogLikelihood()
	for _, p := range params {
		p.Accept()
	}
	f.d.Accept()
	assert.Equal(tst, l2, f.d.LogLikelihood())
	assert.NotEqual(tst, l, l2)

	// restore without store recomputes everything
	f.d.Restore()
	assertClose(tst, l2, f.d.LogLikelihood())
	assert.Len(tst, f.d.Stats().LastRebuilt, f.t.NNodes())
}

func TestParallel(tst *testing.T) {
	serial := newOUFixture(tst)
	parallel := newOUFixture(tst, WithParallel(4))
	assertClose(tst, serial.d.LogLikelihood(), parallel.d.LogLikelihood())

	serial.rates.Set(3, 2.2)
	parallel.rates.Set(3, 2.2)
	assertClose(tst, serial.d.LogLikelihood(), parallel.d.LogLikelihood())
	assert.ElementsMatch(tst, serial.d.Stats().LastRebuilt, parallel.d.Stats().LastRebuilt)

	for _, p := range []*parameter.Parameter{serial.selection, serial.rates} {
		gs, err := serial.d.GradientProvider(p)
		require.NoError(tst, err)
		want, err := gs.Gradient()
		require.NoError(tst, err)
		q := parallel.selection
		if p == serial.rates {
			q = parallel.rates
		}
		gp, err := parallel.d.GradientProvider(q)
		require.NoError(tst, err)
		got, err := gp.Gradient()
		require.NoError(tst, err)
		assert.InDeltaSlice(tst, want, got, 1e-10)
	}

	po := NewPreOrder(serial.d)
	want, r := po.Reconstruct()
	require.True(tst, r.OK())
	got, r := NewPreOrder(parallel.d).Reconstruct()
	require.True(tst, r.OK())
	for i := range want {
		assert.InDeltaSlice(tst, want[i].Mean, got[i].Mean, 1e-10)
	}
}

func TestMetrics(tst *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	f := newOUFixture(tst, WithMetrics(m))
	f.d.LogLikelihood()
	f.rates.Set(0, 0.9)
	f.d.LogLikelihood()
	// cached
	f.d.LogLikelihood()
	assert.Equal(tst, 2.0, testutil.ToFloat64(m.evaluations))
	// all nodes, then the path from the first branch
	assert.Equal(tst, float64(f.t.NNodes()+2), testutil.ToFloat64(m.rebuilt))

	f.sigma.Set(0, -1)
	f.d.LogLikelihood()
	assert.Equal(tst, 1.0, testutil.ToFloat64(m.failures.WithLabelValues(OutOfBounds.String())))
	assert.Equal(tst, 3.0, testutil.ToFloat64(m.evaluations))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(tst, err)
	assert.Equal(tst, 4, n)
}
