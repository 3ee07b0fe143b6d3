package continuous

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"
)

var log2Pi = math.Log(2 * math.Pi)

// singularTolerance is the relative eigenvalue threshold used by the
// pseudo-inverse.
const singularTolerance = 1e-12

// maxCondition is the largest condition number of a matrix treated as
// positive definite.
const maxCondition = 1e12

// indices returns positions where mask equals want.
func indices(mask []bool, n int, want bool) []int {
	idx := make([]int, 0, n)
	for i := 0; i < n; i++ {
		v := mask != nil && mask[i]
		if v == want {
			idx = append(idx, i)
		}
	}
	return idx
}

func gather(x []float64, idx []int) []float64 {
	r := make([]float64, len(idx))
	for a, i := range idx {
		r[a] = x[i]
	}
	return r
}

func subSym(s mat.Symmetric, idx []int) *mat.SymDense {
	if len(idx) == 0 {
		return nil
	}
	r := mat.NewSymDense(len(idx), nil)
	for a, i := range idx {
		for b := a; b < len(idx); b++ {
			r.SetSym(a, b, s.At(i, idx[b]))
		}
	}
	return r
}

func subDense(m mat.Matrix, rows, cols []int) *mat.Dense {
	r := mat.NewDense(len(rows), len(cols), nil)
	for a, i := range rows {
		for b, j := range cols {
			r.Set(a, b, m.At(i, j))
		}
	}
	return r
}

// addEmbedded adds s to dst[idx, idx].
func addEmbedded(dst *mat.SymDense, s mat.Symmetric, idx []int) {
	for a, i := range idx {
		for b := a; b < len(idx); b++ {
			j := idx[b]
			dst.SetSym(i, j, dst.At(i, j)+s.At(a, b))
		}
	}
}

// symmetrize returns (a+a')/2.
func symmetrize(a mat.Matrix) *mat.SymDense {
	n, _ := a.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, (a.At(i, j)+a.At(j, i))/2)
		}
	}
	return s
}

func isZero(s mat.Matrix) bool {
	r, c := s.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if s.At(i, j) != 0 {
				return false
			}
		}
	}
	return true
}

func finite(x ...float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func finiteMatrix(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if !finite(m.At(i, j)) {
				return false
			}
		}
	}
	return true
}

// quad computes x'Sy on the raw symmetric storage.
func quad(x []float64, s *mat.SymDense, y []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	raw := s.RawSymmetric()
	tmp := make([]float64, len(y))
	blas64.Symv(1, raw, blas64.Vector{N: len(y), Inc: 1, Data: y},
		0, blas64.Vector{N: len(tmp), Inc: 1, Data: tmp})
	return blas64.Dot(blas64.Vector{N: len(x), Inc: 1, Data: x},
		blas64.Vector{N: len(tmp), Inc: 1, Data: tmp})
}

// frobenius returns sum_ij a_ij b_ij.
func frobenius(a, b mat.Matrix) (s float64) {
	r, c := a.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			s += a.At(i, j) * b.At(i, j)
		}
	}
	return
}

// symInverse inverts a positive-definite matrix.
type symInverse struct {
	inv    *mat.SymDense
	logDet float64
	rank   int
	// null spans the kernel of a singular matrix.
	null [][]float64
}

// invert computes the inverse of s. Without allowSingular s has to
// be positive definite. With allowSingular the Moore-Penrose
// pseudo-inverse and the pseudo-determinant over eigenvalues above
// the relative tolerance are returned.
func invert(s *mat.SymDense, allowSingular bool) (*symInverse, bool) {
	n := s.SymmetricDim()
	if !allowSingular {
		var chol mat.Cholesky
		if !chol.Factorize(s) {
			return nil, false
		}
		inv := mat.NewSymDense(n, nil)
		if err := chol.InverseTo(inv); err != nil {
			return nil, false
		}
		return &symInverse{inv: inv, logDet: chol.LogDet(), rank: n}, true
	}
	var es mat.EigenSym
	if !es.Factorize(s, true) {
		return nil, false
	}
	values := es.Values(nil)
	var vectors mat.Dense
	es.VectorsTo(&vectors)
	max := 0.0
	for _, v := range values {
		if math.Abs(v) > max {
			max = math.Abs(v)
		}
	}
	tol := max * singularTolerance * float64(n)
	r := &symInverse{inv: mat.NewSymDense(n, nil)}
	for k, v := range values {
		if v < -tol {
			// indefinite matrix is not a precision
			return nil, false
		}
		if v <= tol {
			r.null = append(r.null, mat.Col(nil, k, &vectors))
			continue
		}
		r.rank++
		r.logDet += math.Log(v)
		col := vectors.ColView(k)
		r.inv.SymRankOne(r.inv, 1/v, col)
	}
	return r, true
}

// sqrtSym returns a matrix B with BB' = s for a PSD matrix s.
func sqrtSym(s *mat.SymDense) (*mat.Dense, bool) {
	n := s.SymmetricDim()
	var es mat.EigenSym
	if !es.Factorize(s, true) {
		return nil, false
	}
	values := es.Values(nil)
	var vectors mat.Dense
	es.VectorsTo(&vectors)
	b := mat.NewDense(n, n, nil)
	for k, v := range values {
		if v < 0 {
			v = 0
		}
		for i := 0; i < n; i++ {
			b.Set(i, k, vectors.At(i, k)*math.Sqrt(v))
		}
	}
	return b, true
}

// mulSym returns a*s*a' for a symmetric s.
func mulSym(a mat.Matrix, s mat.Symmetric) *mat.SymDense {
	var tmp, r mat.Dense
	tmp.Mul(a, s)
	r.Mul(&tmp, a.T())
	return symmetrize(&r)
}

// transposeMulSym returns a'*s*a for a symmetric s.
func transposeMulSym(a mat.Matrix, s mat.Symmetric) *mat.SymDense {
	var tmp, r mat.Dense
	tmp.Mul(s, a)
	r.Mul(a.T(), &tmp)
	return symmetrize(&r)
}

// gemv computes A*x (or A'*x when trans is set).
func gemv(a *mat.Dense, trans bool, x []float64) []float64 {
	r, c := a.Dims()
	t := blas.NoTrans
	n := r
	if trans {
		t = blas.Trans
		n = c
	}
	y := make([]float64, n)
	blas64.Gemv(t, 1, a.RawMatrix(), blas64.Vector{N: len(x), Inc: 1, Data: x},
		0, blas64.Vector{N: n, Inc: 1, Data: y})
	return y
}

func symVec(s mat.Symmetric, x []float64) []float64 {
	n := s.SymmetricDim()
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			y[i] += s.At(i, j) * x[j]
		}
	}
	return y
}

func dot(x, y []float64) (s float64) {
	for i := range x {
		s += x[i] * y[i]
	}
	return
}
