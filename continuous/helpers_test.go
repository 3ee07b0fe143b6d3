package continuous

import (
	"bytes"
	"math"
	"testing"

	"github.com/op/go-logging"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"bitbucket.org/Davydov/contrait/gradient"
	"bitbucket.org/Davydov/contrait/parameter"
	"bitbucket.org/Davydov/contrait/tree"
)

const (
	// five tips, not ultrametric
	tree5 = "(((a:0.5,b:1.2):0.7,c:1.1):0.4,(d:0.9,e:0.3):1.3):0;"
	// tree5 with e pruned
	tree4 = "(((a:0.5,b:1.2):0.7,c:1.1):0.4,d:2.2):0;"
	// tree5 with two branch categories
	tree5c = "(((a:0.5,b:1.2)#1:0.7,c:1.1):0.4,(d#1:0.9,e:0.3)#1:1.3):0;"

	smallDiff = 1e-9
	gradDiff  = 1e-5
)

var names5 = []string{"a", "b", "c", "d", "e"}

var values5 = []float64{
	0.3, -1.2,
	1.1, 0.4,
	-0.7, 0.9,
	0.2, 1.7,
	2.1, -0.3,
}

func init() {
	logging.SetLevel(logging.ERROR, "continuous")
	logging.SetLevel(logging.ERROR, "gradient")
}

func parseTree(tst *testing.T, s string) *tree.Tree {
	t, err := tree.ParseNewick(bytes.NewBufferString(s))
	require.NoError(tst, err)
	return t
}

// kernelFunc returns the transition of the branch above a node.
type kernelFunc func(node *tree.Node) (phi *mat.Dense, omega []float64, q *mat.SymDense)

// brownianKernel is x_c = x_p + μ_class t + N(0, Σt) with t the branch
// length times the rate of the branch.
func brownianKernel(sigma *mat.SymDense, drift [][]float64, rate func(*tree.Node) float64) kernelFunc {
	d := sigma.SymmetricDim()
	return func(node *tree.Node) (*mat.Dense, []float64, *mat.SymDense) {
		t := node.BranchLength()
		if rate != nil {
			t *= rate(node)
		}
		q := mat.NewSymDense(d, nil)
		q.ScaleSym(t, sigma)
		omega := make([]float64, d)
		if drift != nil {
			for i := range omega {
				omega[i] = drift[node.Class][i] * t
			}
		}
		return identity(d), omega, q
	}
}

// vanLoan computes the Ornstein-Uhlenbeck transition from the
// exponential of the block matrix [[A, Σ], [0, -A']]t.
func vanLoan(a *mat.Dense, sigma *mat.SymDense, t float64) (*mat.Dense, *mat.SymDense) {
	d, _ := a.Dims()
	c := mat.NewDense(2*d, 2*d, nil)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			c.Set(i, j, a.At(i, j)*t)
			c.Set(i, d+j, sigma.At(i, j)*t)
			c.Set(d+i, d+j, -a.At(j, i)*t)
		}
	}
	var e mat.Dense
	e.Exp(c)
	phi := mat.DenseCopyOf(e.Slice(d, 2*d, d, 2*d).T())
	var q mat.Dense
	q.Mul(phi, e.Slice(0, d, d, 2*d))
	qs := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			qs.SetSym(i, j, (q.At(i, j)+q.At(j, i))/2)
		}
	}
	return phi, qs
}

func ouKernel(a *mat.Dense, sigma *mat.SymDense, optimum [][]float64) kernelFunc {
	d := sigma.SymmetricDim()
	return func(node *tree.Node) (*mat.Dense, []float64, *mat.SymDense) {
		phi, q := vanLoan(a, sigma, node.BranchLength())
		theta := optimum[node.Class]
		omega := make([]float64, d)
		for i := range omega {
			omega[i] = theta[i]
			for j := range theta {
				omega[i] -= phi.At(i, j) * theta[j]
			}
		}
		return phi, omega, q
	}
}

// integratedKernel is the integrated OU transition of the state
// (r, x): the Van Loan exponential of the generator for Φ and Q, and
// the exponential of [[-Bt, ct], [0, 0]] for ω.
func integratedKernel(a *mat.Dense, sigma *mat.SymDense, optimum [][]float64) kernelFunc {
	p := sigma.SymmetricDim()
	n := 2 * p
	b := mat.NewDense(n, n, nil)
	s := mat.NewSymDense(n, nil)
	for i := 0; i < p; i++ {
		b.Set(p+i, i, -1)
		for j := 0; j < p; j++ {
			b.Set(i, j, a.At(i, j))
			if j >= i {
				s.SetSym(i, j, sigma.At(i, j))
			}
		}
	}
	return func(node *tree.Node) (*mat.Dense, []float64, *mat.SymDense) {
		t := node.BranchLength()
		phi, q := vanLoan(b, s, t)
		theta := optimum[node.Class]
		m := mat.NewDense(n+1, n+1, nil)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				m.Set(i, j, -b.At(i, j)*t)
			}
		}
		for i := 0; i < p; i++ {
			var c float64
			for j := 0; j < p; j++ {
				c += a.At(i, j) * theta[j]
			}
			m.Set(i, n, c*t)
		}
		var e mat.Dense
		e.Exp(m)
		omega := make([]float64, n)
		for i := range omega {
			omega[i] = e.At(i, n)
		}
		return phi, omega, q
	}
}

// nodeJoint builds the joint normal distribution of all the node
// values. Node i occupies coordinates i*d..(i+1)*d.
func nodeJoint(t *tree.Tree, d int, kernel kernelFunc, rootMean []float64, rootVar *mat.SymDense) ([]float64, *mat.SymDense) {
	n := t.NNodes() * d
	mean := make([]float64, n)
	cov := mat.NewSymDense(n, nil)
	var visited []*tree.Node
	for _, node := range t.PreOrder() {
		o := node.Id * d
		if node.Parent == nil {
			copy(mean[o:], rootMean)
			if rootVar != nil {
				for i := 0; i < d; i++ {
					for j := i; j < d; j++ {
						cov.SetSym(o+i, o+j, rootVar.At(i, j))
					}
				}
			}
			visited = append(visited, node)
			continue
		}
		phi, omega, q := kernel(node)
		po := node.Parent.Id * d
		for i := 0; i < d; i++ {
			mean[o+i] = omega[i]
			for j := 0; j < d; j++ {
				mean[o+i] += phi.At(i, j) * mean[po+j]
			}
		}
		for _, other := range visited {
			k := other.Id * d
			for i := 0; i < d; i++ {
				for l := 0; l < d; l++ {
					var v float64
					for j := 0; j < d; j++ {
						v += phi.At(i, j) * cov.At(po+j, k+l)
					}
					cov.SetSym(o+i, k+l, v)
				}
			}
		}
		for i := 0; i < d; i++ {
			for l := i; l < d; l++ {
				v := q.At(i, l)
				for j := 0; j < d; j++ {
					v += phi.At(i, j) * cov.At(po+j, o+l)
				}
				cov.SetSym(o+i, o+l, v)
			}
		}
		visited = append(visited, node)
	}
	return mean, cov
}

// observation is one observed value: a linear combination of node
// coordinates plus an independent error.
type observation struct {
	value  float64
	coef   map[int]float64
	errVar float64
}

func logDensity(tst *testing.T, mean []float64, cov *mat.SymDense, obs []observation) float64 {
	n := len(obs)
	mu := make([]float64, n)
	sigma := mat.NewSymDense(n, nil)
	y := make([]float64, n)
	for a, oa := range obs {
		y[a] = oa.value
		for i, c := range oa.coef {
			mu[a] += c * mean[i]
		}
		for b := a; b < n; b++ {
			var v float64
			for i, ci := range oa.coef {
				for j, cj := range obs[b].coef {
					v += ci * cj * cov.At(i, j)
				}
			}
			if a == b {
				v += oa.errVar
			}
			sigma.SetSym(a, b, v)
		}
	}
	normal, ok := distmv.NewNormal(mu, sigma, nil)
	require.True(tst, ok, "covariance of observations is not positive definite")
	return normal.LogProb(y)
}

// exactObservations selects the observed tip coordinates.
func exactObservations(t *tree.Tree, d int, names []string, y []float64, missing [][]bool) []observation {
	rows := make(map[string]int)
	for i, name := range names {
		rows[name] = i
	}
	var obs []observation
	for _, node := range t.Nodes() {
		if !node.IsTerminal() {
			continue
		}
		row := rows[node.Name]
		for j := 0; j < d; j++ {
			if missing != nil && missing[row] != nil && missing[row][j] {
				continue
			}
			obs = append(obs, observation{
				value: y[row*d+j],
				coef:  map[int]float64{node.Id*d + j: 1},
			})
		}
	}
	return obs
}

// factorObservations are y = L f + N(0, ψ) at the tips.
func factorObservations(t *tree.Tree, names []string, y []float64, missing [][]bool, l *mat.Dense, psi []float64) []observation {
	p, k := l.Dims()
	rows := make(map[string]int)
	for i, name := range names {
		rows[name] = i
	}
	var obs []observation
	for _, node := range t.Nodes() {
		if !node.IsTerminal() {
			continue
		}
		row := rows[node.Name]
		for j := 0; j < p; j++ {
			if missing != nil && missing[row] != nil && missing[row][j] {
				continue
			}
			coef := make(map[int]float64)
			for a := 0; a < k; a++ {
				coef[node.Id*k+a] = l.At(j, a)
			}
			obs = append(obs, observation{value: y[row*p+j], coef: coef, errVar: psi[j]})
		}
	}
	return obs
}

func sym(d int, values ...float64) *mat.SymDense {
	return mat.NewSymDense(d, values)
}

func scaled(s *mat.SymDense, f float64) *mat.SymDense {
	r := mat.NewSymDense(s.SymmetricDim(), nil)
	r.ScaleSym(f, s)
	return r
}

func exactTraits(tst *testing.T, names []string, d int, values []float64, missing [][]bool) *ExactTraits {
	y := parameter.NewMatrix("traits", len(names), d, values...)
	data, err := NewExactTraits(names, y, missing)
	require.NoError(tst, err)
	return data
}

func newDelegate(tst *testing.T, t *tree.Tree, df *Diffusion, data TraitProvider, prior *RootPrior,
	rates *Rates, opts ...Option) *Delegate {
	d, err := NewDelegate(t, df, data, prior, rates, opts...)
	require.NoError(tst, err)
	return d
}

// checkGradient compares the gradient with centred finite differences.
func checkGradient(tst *testing.T, d *Delegate, p parameter.Vector) {
	g, err := d.GradientProvider(p)
	require.NoError(tst, err)
	analytic, err := g.Gradient()
	require.NoError(tst, err)
	numerical := gradient.Numerical(g, d.LogLikelihood, 1e-6)
	require.Len(tst, analytic, p.Dim())
	for i := range analytic {
		scale := math.Max(1, math.Abs(numerical[i]))
		if math.Abs(analytic[i]-numerical[i]) > gradDiff*scale {
			tst.Errorf("%s: analytic %g, numerical %g", p.ElementName(i), analytic[i], numerical[i])
		}
	}
}
