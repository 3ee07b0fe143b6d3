package continuous

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/contrait/parameter"
)

// Kind is the diffusion process variant.
type Kind int

const (
	// Brownian is the homogeneous Brownian motion.
	Brownian Kind = iota
	// Drift is the Brownian motion with a constant drift per branch
	// category.
	Drift
	// OrnsteinUhlenbeck is the Ornstein-Uhlenbeck process with one
	// optimum per branch category.
	OrnsteinUhlenbeck
	// IntegratedOU is the integral of an Ornstein-Uhlenbeck process.
	IntegratedOU
)

func (k Kind) String() string {
	switch k {
	case Brownian:
		return "BM"
	case Drift:
		return "drift"
	case OrnsteinUhlenbeck:
		return "OU"
	case IntegratedOU:
		return "IOU"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Matrix is the diffusion matrix parameter given either as a variance
// or as a precision. Only the symmetric part of the parameter is used.
type Matrix struct {
	Parameter *parameter.Parameter
	Precision bool
}

// Variance uses the parameter as the diffusion variance.
func Variance(p *parameter.Parameter) Matrix {
	return Matrix{Parameter: p}
}

// Precision uses the parameter as the inverse of the diffusion
// variance.
func Precision(p *parameter.Parameter) Matrix {
	return Matrix{Parameter: p, Precision: true}
}

// Diffusion produces branch transitions x_c = Φx_p + ω + N(0, Q).
type Diffusion struct {
	kind Kind
	// dim is the dimension of the node state, process is the
	// dimension of the diffusion matrix.
	dim       int
	process   int
	matrix    Matrix
	drift     *parameter.Parameter
	selection *parameter.Parameter
	optimum   *parameter.Parameter

	sigma        *mat.SymDense
	eigen        *eigenSystem
	augmented    *eigenSystem
	eigenVersion uint64
}

// eigenSystem is A = V diag(values) V^-1.
type eigenSystem struct {
	values []float64
	v      *mat.Dense
	vinv   *mat.Dense
}

// transition is the linear Gaussian kernel of a branch. A nil phi is
// the identity, a nil omega is zero.
type transition struct {
	t      float64
	class  int
	phi    *mat.Dense
	phiInv *mat.Dense
	logDet float64
	omega  []float64
	q      *mat.SymDense
	// OU integration factors F_ij and decays exp(-λ_i t).
	f     *mat.Dense
	decay []float64
	// integral is ∫ Φ(s) ds over the branch.
	integral *mat.Dense
}

func checkMatrix(m Matrix) (int, error) {
	if m.Parameter == nil {
		return 0, fmt.Errorf("%w: no diffusion matrix", ErrDimensionMismatch)
	}
	if m.Parameter.Rows() != m.Parameter.Cols() || m.Parameter.Rows() == 0 {
		return 0, fmt.Errorf("%w: diffusion matrix %s is %dx%d", ErrDimensionMismatch,
			m.Parameter.Name(), m.Parameter.Rows(), m.Parameter.Cols())
	}
	return m.Parameter.Rows(), nil
}

// checkPerClass requires one d-vector per branch category, stored
// either as a categories×d matrix or as a single vector.
func checkPerClass(p *parameter.Parameter, what string, d int) error {
	if p == nil {
		return fmt.Errorf("%w: no %s", ErrDimensionMismatch, what)
	}
	if p.Dim() == 0 || p.Dim()%d != 0 || (p.Cols() != d && p.Cols() != 1) {
		return fmt.Errorf("%w: %s %s must be a categories x %d matrix",
			ErrDimensionMismatch, what, p.Name(), d)
	}
	return nil
}

// NewBrownian creates the homogeneous Brownian motion.
func NewBrownian(m Matrix) (*Diffusion, error) {
	d, err := checkMatrix(m)
	if err != nil {
		return nil, err
	}
	return &Diffusion{kind: Brownian, dim: d, process: d, matrix: m}, nil
}

// NewDrift creates the Brownian motion with drift. The drift
// parameter has one row per branch category.
func NewDrift(m Matrix, drift *parameter.Parameter) (*Diffusion, error) {
	d, err := checkMatrix(m)
	if err != nil {
		return nil, err
	}
	if err := checkPerClass(drift, "drift", d); err != nil {
		return nil, err
	}
	return &Diffusion{kind: Drift, dim: d, process: d, matrix: m, drift: drift}, nil
}

// NewOU creates the Ornstein-Uhlenbeck process. The selection
// strength matrix has to be diagonalizable with real positive
// eigenvalues. The optimum has one row per branch category.
func NewOU(m Matrix, selection, optimum *parameter.Parameter) (*Diffusion, error) {
	d, err := checkMatrix(m)
	if err != nil {
		return nil, err
	}
	if selection == nil || selection.Rows() != d || selection.Cols() != d {
		return nil, fmt.Errorf("%w: selection strength must be %dx%d", ErrDimensionMismatch, d, d)
	}
	if err := checkPerClass(optimum, "optimum", d); err != nil {
		return nil, err
	}
	df := &Diffusion{kind: OrnsteinUhlenbeck, dim: d, process: d, matrix: m, selection: selection, optimum: optimum}
	if _, err := decompose(selection.Dense()); err != nil {
		return nil, err
	}
	return df, nil
}

// NewIntegratedOU creates the integrated Ornstein-Uhlenbeck process.
// The state of a node has 2d coordinates: the rate of change r, which
// follows the OU process with the selection strength A and the
// optimum θ, and then the trait x with dx = r dt. Selection strength
// and optimum are constrained as for NewOU.
func NewIntegratedOU(m Matrix, selection, optimum *parameter.Parameter) (*Diffusion, error) {
	df, err := NewOU(m, selection, optimum)
	if err != nil {
		return nil, err
	}
	df.kind = IntegratedOU
	df.dim = 2 * df.process
	return df, nil
}

func (df *Diffusion) Kind() Kind {
	return df.kind
}

// Dim returns the dimension of the node state.
func (df *Diffusion) Dim() int {
	return df.dim
}

// ProcessDim returns the dimension of the diffusion matrix.
func (df *Diffusion) ProcessDim() int {
	return df.process
}

// Classes returns the number of branch categories supported.
func (df *Diffusion) Classes() int {
	switch df.kind {
	case Drift:
		return rowsOf(df.drift, df.process)
	case OrnsteinUhlenbeck, IntegratedOU:
		return rowsOf(df.optimum, df.process)
	}
	return math.MaxInt32
}

// rowsOf returns the number of d-vectors stored in a parameter.
func rowsOf(p *parameter.Parameter, d int) int {
	return p.Dim() / d
}

// Matrix returns the diffusion matrix parameter.
func (df *Diffusion) Matrix() Matrix {
	return df.matrix
}

// Parameters returns all the parameters of the process.
func (df *Diffusion) Parameters() []*parameter.Parameter {
	ps := []*parameter.Parameter{df.matrix.Parameter}
	switch df.kind {
	case Drift:
		ps = append(ps, df.drift)
	case OrnsteinUhlenbeck, IntegratedOU:
		ps = append(ps, df.selection, df.optimum)
	}
	return ps
}

func maxVersion(p *parameter.Parameter, from, to int) (v uint64) {
	for i := from; i < to; i++ {
		if e := p.ElementVersion(i); e > v {
			v = e
		}
	}
	return
}

// version returns a token which changes whenever a transition of a
// branch in the category may change.
func (df *Diffusion) version(class int) uint64 {
	v := df.matrix.Parameter.Version()
	d := df.process
	switch df.kind {
	case Drift:
		if w := maxVersion(df.drift, class*d, (class+1)*d); w > v {
			v = w
		}
	case OrnsteinUhlenbeck, IntegratedOU:
		if w := df.selection.Version(); w > v {
			v = w
		}
		if w := maxVersion(df.optimum, class*d, (class+1)*d); w > v {
			v = w
		}
	}
	return v
}

func (df *Diffusion) row(p *parameter.Parameter, class int) []float64 {
	r := make([]float64, df.process)
	for i := range r {
		r[i] = p.Get(class*df.process + i)
	}
	return r
}

// prepare computes the diffusion variance and the eigen-decomposition
// of the selection strength for the current parameter values.
func (df *Diffusion) prepare(allowSingular bool) Failure {
	m := df.matrix.Parameter.Sym()
	if !finiteMatrix(m) {
		return NonFinite
	}
	if df.matrix.Precision {
		inv, ok := invert(m, false)
		if !ok {
			return OutOfBounds
		}
		df.sigma = inv.inv
	} else {
		var es mat.EigenSym
		if !es.Factorize(m, false) {
			return Singular
		}
		values := es.Values(nil)
		max := math.Abs(values[len(values)-1])
		tol := max * singularTolerance * float64(df.process)
		switch {
		case values[0] < -tol:
			return OutOfBounds
		case values[0] <= tol && !allowSingular:
			return Singular
		}
		df.sigma = m
	}
	if df.selection != nil && (df.eigen == nil || df.eigenVersion != df.selection.Version()) {
		a := df.selection.Dense()
		if !finiteMatrix(a) {
			return NonFinite
		}
		eig, err := decompose(a)
		if err != nil {
			log.Debugf("selection strength: %v", err)
			return NotDecomposable
		}
		df.eigen = eig
		if df.kind == IntegratedOU {
			df.augmented = augment(eig)
		}
		df.eigenVersion = df.selection.Version()
	}
	return None
}

// decompose computes the eigen-decomposition of the selection
// strength matrix.
func decompose(a *mat.Dense) (*eigenSystem, error) {
	d, _ := a.Dims()
	if !finiteMatrix(a) {
		return nil, fmt.Errorf("%w: non-finite values", ErrNotDecomposable)
	}
	if mat.Equal(a, a.T()) {
		var es mat.EigenSym
		if !es.Factorize(symmetrize(a), true) {
			return nil, fmt.Errorf("%w: eigen-decomposition failed", ErrNotDecomposable)
		}
		sys := &eigenSystem{values: es.Values(nil), v: &mat.Dense{}}
		es.VectorsTo(sys.v)
		sys.vinv = mat.DenseCopyOf(sys.v.T())
		return sys, checkEigenvalues(sys.values)
	}
	var eig mat.Eigen
	if !eig.Factorize(a, mat.EigenRight) {
		return nil, fmt.Errorf("%w: eigen-decomposition failed", ErrNotDecomposable)
	}
	cvalues := eig.Values(nil)
	var cv mat.CDense
	eig.VectorsTo(&cv)
	sys := &eigenSystem{values: make([]float64, d), v: mat.NewDense(d, d, nil)}
	for i, c := range cvalues {
		if math.Abs(imag(c)) > 1e-10*(1+math.Abs(real(c))) {
			return nil, fmt.Errorf("%w: complex eigenvalue %v", ErrNotDecomposable, c)
		}
		sys.values[i] = real(c)
	}
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			sys.v.Set(i, j, real(cv.At(i, j)))
		}
	}
	if cond := mat.Cond(sys.v, 1); cond > 1e12 || math.IsNaN(cond) {
		return nil, fmt.Errorf("%w: ill-conditioned eigenvectors (condition number %v)", ErrNotDecomposable, cond)
	}
	sys.vinv = &mat.Dense{}
	if err := sys.vinv.Inverse(sys.v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDecomposable, err)
	}
	return sys, checkEigenvalues(sys.values)
}

func checkEigenvalues(values []float64) error {
	for _, v := range values {
		if !(v > 0) {
			return fmt.Errorf("%w: non-positive eigenvalue %v", ErrNotDecomposable, v)
		}
	}
	return nil
}

// transition returns the branch kernel for an effective time t.
func (df *Diffusion) transition(t float64, class int) *transition {
	d := df.dim
	tr := &transition{t: t, class: class, q: mat.NewSymDense(d, nil)}
	switch df.kind {
	case Brownian:
		tr.q.ScaleSym(t, df.sigma)
	case Drift:
		tr.q.ScaleSym(t, df.sigma)
		tr.omega = df.row(df.drift, class)
		for i := range tr.omega {
			tr.omega[i] *= t
		}
	case IntegratedOU:
		return df.integratedTransition(t, class)
	case OrnsteinUhlenbeck:
		if t == 0 {
			break
		}
		eig := df.eigen
		tr.decay = make([]float64, d)
		for i, l := range eig.values {
			tr.decay[i] = math.Exp(-l * t)
			tr.logDet -= l * t
		}
		tr.phi = similar(eig, tr.decay)
		inv := make([]float64, d)
		for i := range inv {
			inv[i] = 1 / tr.decay[i]
		}
		tr.phiInv = similar(eig, inv)

		tr.f = mat.NewDense(d, d, nil)
		for i := 0; i < d; i++ {
			for j := 0; j < d; j++ {
				s := eig.values[i] + eig.values[j]
				tr.f.Set(i, j, -math.Expm1(-s*t)/s)
			}
		}
		// Q = V [(V^-1 Σ V^-T) ∘ F] V'
		w := mulSym(eig.vinv, df.sigma)
		var wf mat.Dense
		wf.MulElem(w, tr.f)
		tr.q = mulSym(eig.v, symmetrize(&wf))

		theta := df.row(df.optimum, class)
		pt := gemv(tr.phi, false, theta)
		tr.omega = make([]float64, d)
		for i := range theta {
			tr.omega[i] = theta[i] - pt[i]
		}
	}
	return tr
}

// similar returns V diag(x) V^-1.
func similar(eig *eigenSystem, x []float64) *mat.Dense {
	d := len(x)
	vd := mat.NewDense(d, d, nil)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			vd.Set(i, j, eig.v.At(i, j)*x[j])
		}
	}
	var r mat.Dense
	r.Mul(vd, eig.vinv)
	return &r
}

// branchSensitivity is the derivative of the log-likelihood with
// respect to the transition of one branch: Q, ω and Φ.
type branchSensitivity struct {
	gq   *mat.SymDense
	gw   []float64
	gphi *mat.Dense
}

// sigmaAdjoint returns the derivative with respect to Σ.
func (df *Diffusion) sigmaAdjoint(tr *transition, s *branchSensitivity) *mat.Dense {
	if df.kind == IntegratedOU {
		return df.integratedSigmaAdjoint(tr, s)
	}
	d := df.dim
	r := mat.NewDense(d, d, nil)
	if df.kind != OrnsteinUhlenbeck {
		r.Scale(tr.t, s.gq)
		return r
	}
	if tr.t == 0 {
		return r
	}
	// V^-T [(V' G V) ∘ F] V^-1
	eig := df.eigen
	g := transposeMulSym(eig.v, s.gq)
	var gf mat.Dense
	gf.MulElem(g, tr.f)
	r.CloneFrom(transposeMulSym(eig.vinv, symmetrize(&gf)))
	return r
}

// timeAdjoint returns the derivative with respect to the effective
// branch time.
func (df *Diffusion) timeAdjoint(tr *transition, s *branchSensitivity) float64 {
	switch df.kind {
	case Brownian:
		return frobenius(s.gq, df.sigma)
	case Drift:
		return frobenius(s.gq, df.sigma) + dot(s.gw, df.row(df.drift, tr.class))
	case IntegratedOU:
		return df.integratedTimeAdjoint(tr, s)
	}
	// dQ/dt = ΦΣΦ', dΦ/dt = -AΦ, dω/dt = AΦθ
	a := df.selection.Dense()
	phi := tr.phi
	if phi == nil {
		phi = identity(df.dim)
	}
	var aphi mat.Dense
	aphi.Mul(a, phi)
	g := frobenius(s.gq, mulSym(phi, df.sigma))
	g -= frobenius(s.gphi, &aphi)
	g += dot(s.gw, gemv(&aphi, false, df.row(df.optimum, tr.class)))
	return g
}

// selectionAdjoint returns the derivative with respect to the
// selection strength matrix A.
func (df *Diffusion) selectionAdjoint(tr *transition, s *branchSensitivity) *mat.Dense {
	if df.kind == IntegratedOU {
		return df.integratedSelectionAdjoint(tr, s)
	}
	d := df.dim
	r := mat.NewDense(d, d, nil)
	if tr.t == 0 {
		return r
	}
	eig := df.eigen
	theta := df.row(df.optimum, tr.class)

	// Adjoint of the Lyapunov equation AQ + QA' = Σ - ΦΣΦ':
	// A'Y + YA = G_Q solved in the eigenbasis.
	g := transposeMulSym(eig.v, s.gq)
	yt := mat.NewDense(d, d, nil)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			yt.Set(i, j, g.At(i, j)/(eig.values[i]+eig.values[j]))
		}
	}
	y := transposeMulSym(eig.vinv, symmetrize(yt))

	// total derivative with respect to Φ
	gphi := mat.DenseCopyOf(s.gphi)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			gphi.Set(i, j, gphi.At(i, j)-s.gw[i]*theta[j])
		}
	}
	var yphi, yphis mat.Dense
	yphi.Mul(y, tr.phi)
	yphis.Mul(&yphi, df.sigma)
	yphis.Scale(2, &yphis)
	gphi.Sub(gphi, &yphis)

	// Fréchet derivative of exp(-At): V^-T [(V' G V^-T) ∘ L] V'
	var tmp, gt mat.Dense
	tmp.Mul(eig.v.T(), gphi)
	gt.Mul(&tmp, eig.vinv.T())
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			li, lj := eig.values[i], eig.values[j]
			var l float64
			if math.Abs(li-lj) <= 1e-12*(math.Abs(li)+math.Abs(lj)) {
				l = -tr.t * tr.decay[i]
			} else {
				l = (tr.decay[i] - tr.decay[j]) / (li - lj)
			}
			gt.Set(i, j, gt.At(i, j)*l)
		}
	}
	tmp.Reset()
	tmp.Mul(eig.vinv.T(), &gt)
	r.Mul(&tmp, eig.v.T())

	var yq mat.Dense
	yq.Mul(y, tr.q)
	yq.Scale(2, &yq)
	r.Sub(r, &yq)
	return r
}

// optimumAdjoint returns the derivative with respect to the optimum
// of the branch category, (I - Φ)' G_ω.
func (df *Diffusion) optimumAdjoint(tr *transition, s *branchSensitivity) []float64 {
	if df.kind == IntegratedOU {
		return df.integratedOptimumAdjoint(tr, s)
	}
	r := append([]float64(nil), s.gw...)
	if tr.phi == nil {
		for i := range r {
			r[i] = 0
		}
		return r
	}
	pg := gemv(tr.phi, true, s.gw)
	for i := range r {
		r[i] -= pg[i]
	}
	return r
}

// rootScale returns the matrix scaled by 1/κ0 in the conjugate root
// prior: Σ, or diag(Σ, Σ) for the integrated process.
func (df *Diffusion) rootScale() *mat.SymDense {
	if df.kind != IntegratedOU {
		return df.sigma
	}
	p := df.process
	s := mat.NewSymDense(df.dim, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			s.SetSym(i, j, df.sigma.At(i, j))
			s.SetSym(p+i, p+j, df.sigma.At(i, j))
		}
	}
	return s
}

// foldRoot converts a derivative with respect to rootScale into the
// derivative with respect to Σ.
func (df *Diffusion) foldRoot(g mat.Matrix) *mat.Dense {
	if df.kind != IntegratedOU {
		return mat.DenseCopyOf(g)
	}
	p := df.process
	r := mat.NewDense(p, p, nil)
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			r.Set(i, j, g.At(i, j)+g.At(p+i, p+j))
		}
	}
	return r
}

func identity(d int) *mat.Dense {
	r := mat.NewDense(d, d, nil)
	for i := 0; i < d; i++ {
		r.Set(i, i, 1)
	}
	return r
}
