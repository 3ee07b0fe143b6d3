package config

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/op/go-logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbucket.org/Davydov/contrait/continuous"
	"bitbucket.org/Davydov/contrait/gradient"
	"bitbucket.org/Davydov/contrait/traits"
	"bitbucket.org/Davydov/contrait/tree"
)

func init() {
	logging.SetLevel(logging.ERROR, "config")
	logging.SetLevel(logging.ERROR, "continuous")
}

const tree5 = "(((a:0.5,b:1.2):0.7,c:1.1):0.4,(d:0.9,e:0.3):1.3):0;"

const table5 = `taxon x y
a 0.3 -1.2
b 1.1 NA
c -0.7 0.9
d 0.2 1.7
e 2.1 -0.3
`

const ouModel = `
diffusion:
  kind: ou
  variance: [[1, 0.3], [0.3, 0.5]]
  selection: [[1.2, 0.3], [0.3, 0.8]]
  optimum: [[0.5, -0.5]]
root:
  prior: conjugate
  mean: [0.2, -0.1]
  kappa: 1
rates:
  model: branch
  values: [1.5]
  normalize: true
optimize: [variance, selection, rates]
`

func load(tst *testing.T, s string) *Model {
	m, err := Load(strings.NewReader(s))
	require.NoError(tst, err)
	return m
}

func TestLoad(tst *testing.T) {
	m := load(tst, ouModel)
	assert.Equal(tst, "ou", m.Diffusion.Kind)
	assert.Equal(tst, [][]float64{{0.5, -0.5}}, m.Diffusion.Optimum)
	assert.Equal(tst, 1.0, m.Root.Kappa)
	assert.True(tst, m.Rates.Normalize)
	assert.Equal(tst, "exact", m.Data.Model)
	assert.Equal(tst, []string{"variance", "selection", "rates"}, m.Optimize)

	m = load(tst, "diffusion: {variance: [[1]]}\n")
	assert.Equal(tst, "bm", m.Diffusion.Kind)
	assert.Equal(tst, "flat", m.Root.Prior)
	assert.Equal(tst, "none", m.Rates.Model)
}

func TestLoadErrors(tst *testing.T) {
	for _, bad := range []string{
		"",
		"diffusion: {variance: [[1]]}\nextra: 1\n",
		"diffusion: {kind: levy, variance: [[1]]}\n",
		"diffusion: {variance: [[1]], precision: [[1]]}\n",
		"diffusion: {kind: drift, variance: [[1]]}\n",
		"diffusion: {kind: ou, variance: [[1]], selection: [[1]]}\n",
		"diffusion: {variance: [[1]]}\nroot: {prior: conjugate}\n",
		"diffusion: {variance: [[1]]}\nroot: {prior: normal}\n",
		"diffusion: {variance: [[1]]}\nrates: {model: local}\n",
		"diffusion: {variance: [[1]]}\ndata: {model: factor, residual: [1]}\n",
		"diffusion: {variance: [[1]]}\ndata: {model: measurement}\n",
		"diffusion: {variance: [[1]]}\nworkers: -1\n",
		"diffusion: {kind: iou, variance: [[1]], optimum: [[0]]}\n",
		"diffusion: {kind: iou, variance: [[1]], selection: [[1]], optimum: [[0]]}\ndata: {model: measurement, residual: [1]}\n",
	} {
		_, err := Load(strings.NewReader(bad))
		assert.Error(tst, err, bad)
	}
	_, err := Load(strings.NewReader("diffusion: {variance: [[1]]}\nroot: {prior: conjugate, kappa: .inf}\n"))
	assert.True(tst, errors.Is(err, ErrInvalid), err)
}

func build(tst *testing.T, model string) (*Wiring, *tree.Tree) {
	t, err := tree.ParseNewick(strings.NewReader(tree5))
	require.NoError(tst, err)
	table, err := traits.ParseTable(strings.NewReader(table5))
	require.NoError(tst, err)
	w, err := load(tst, model).Build(t, table)
	require.NoError(tst, err)
	return w, t
}

func TestBuild(tst *testing.T) {
	w, t := build(tst, ouModel)
	assert.Equal(tst, []string{"heights", "optimum", "rates", "root", "selection", "traits", "variance"}, w.Names())
	assert.Equal(tst, t.NNodes()-1, w.Parameters["rates"].Dim())
	assert.Equal(tst, 1.5, w.Parameters["rates"].Get(3))
	assert.Equal(tst, 4+4+t.NNodes()-1, w.Parameter().Dim())

	l := w.LogLikelihood()
	assert.False(tst, math.IsNaN(l) || math.IsInf(l, 0))

	analytic, err := w.Gradient()
	require.NoError(tst, err)
	numerical := gradient.Numerical(w, w.LogLikelihood, 1e-6)
	assert.InDeltaSlice(tst, numerical, analytic, 1e-5)
}

func TestBuildData(tst *testing.T) {
	w, _ := build(tst, `
diffusion: {variance: [[1, 0.2], [0.2, 0.7]]}
data:
  model: factor
  residual: [0.5, 0.4]
  loadings: [[1, 0], [0.3, 1]]
optimize: [loadings, residual]
`)
	assert.Contains(tst, w.Names(), "loadings")
	assert.Equal(tst, 6, w.Parameter().Dim())
	_, err := w.Gradient()
	require.NoError(tst, err)

	w, _ = build(tst, `
diffusion: {precision: [[1, 0.2], [0.2, 0.7]]}
data: {model: measurement, residual: [0.5, 0.4], residual_precision: true}
workers: 2
`)
	assert.Equal(tst, 0, w.Parameter().Dim())
	assert.Contains(tst, w.Names(), "precision")
	assert.Equal(tst, 2, w.Delegate.Workers())
}

func TestBuildWorkers(tst *testing.T) {
	t, err := tree.ParseNewick(strings.NewReader(tree5))
	require.NoError(tst, err)
	table, err := traits.ParseTable(strings.NewReader(table5))
	require.NoError(tst, err)
	m := load(tst, "diffusion: {variance: [[1, 0.3], [0.3, 0.5]]}\nworkers: 2\n")
	w, err := m.Build(t, table, continuous.WithParallel(3))
	require.NoError(tst, err)
	assert.Equal(tst, 3, w.Delegate.Workers())

	w, err = load(tst, "diffusion: {variance: [[1, 0.3], [0.3, 0.5]]}\n").Build(t, table)
	require.NoError(tst, err)
	assert.Equal(tst, 1, w.Delegate.Workers())
}

func TestBuildIntegratedOU(tst *testing.T) {
	w, _ := build(tst, `
diffusion:
  kind: iou
  variance: [[1, 0.3], [0.3, 0.5]]
  selection: [[1.0, 0.3], [0.1, 0.7]]
  optimum: [[0.5, -0.5]]
root:
  prior: conjugate
  kappa: 1
optimize: [variance, selection, optimum, root]
`)
	assert.Equal(tst, continuous.IntegratedOU, w.Delegate.Diffusion().Kind())
	assert.Equal(tst, 4, w.Parameters["root"].Dim())
	assert.Equal(tst, 4+4+2+4, w.Parameter().Dim())

	l := w.LogLikelihood()
	assert.False(tst, math.IsNaN(l) || math.IsInf(l, 0))
	analytic, err := w.Gradient()
	require.NoError(tst, err)
	numerical := gradient.Numerical(w, w.LogLikelihood, 1e-6)
	assert.InDeltaSlice(tst, numerical, analytic, 1e-5)
}

func TestBuildErrors(tst *testing.T) {
	t, err := tree.ParseNewick(strings.NewReader(tree5))
	require.NoError(tst, err)
	table, err := traits.ParseTable(strings.NewReader(table5))
	require.NoError(tst, err)

	m := load(tst, "diffusion: {variance: [[1, 0.3], [0.3, 0.5]]}\noptimize: [kappa]\n")
	_, err = m.Build(t, table)
	assert.True(tst, errors.Is(err, ErrInvalid), err)

	m = load(tst, "diffusion: {variance: [[1, 0.3], [0.3]]}\n")
	_, err = m.Build(t, table)
	assert.True(tst, errors.Is(err, ErrInvalid), err)

	// three traits in the model, two in the table
	m = load(tst, "diffusion: {variance: [[1, 0, 0], [0, 1, 0], [0, 0, 1]]}\n")
	_, err = m.Build(t, table)
	assert.Error(tst, err)
}
