package continuous

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// message is a Gaussian factor in canonical form,
//
//	log f(x) = c - x'Px/2 + h'x,
//
// multiplied by point masses at the pinned coordinates. Rows and
// columns of P and elements of h are zero at pinned coordinates.
// Messages are never modified after they are built.
type message struct {
	p      *mat.SymDense
	h      []float64
	c      float64
	pinned []bool
	y      []float64
}

func newMessage(d int) *message {
	return &message{
		p: mat.NewSymDense(d, nil),
		h: make([]float64, d),
	}
}

// pointMass returns a message pinning the coordinates marked by mask
// at y. Other coordinates are left uninformative.
func pointMass(mask []bool, y []float64) *message {
	d := len(y)
	m := newMessage(d)
	for i := 0; i < d; i++ {
		if mask[i] {
			if m.pinned == nil {
				m.pinned = make([]bool, d)
				m.y = make([]float64, d)
			}
			m.pinned[i] = true
			m.y[i] = y[i]
		}
	}
	return m
}

func (m *message) dim() int {
	return len(m.h)
}

func (m *message) clone() *message {
	r := &message{
		p: mat.NewSymDense(m.dim(), nil),
		h: append([]float64(nil), m.h...),
		c: m.c,
	}
	r.p.CopySym(m.p)
	if m.pinned != nil {
		r.pinned = append([]bool(nil), m.pinned...)
		r.y = append([]float64(nil), m.y...)
	}
	return r
}

func (m *message) isPinned(i int) bool {
	return m.pinned != nil && m.pinned[i]
}

func (m *message) hasPins() bool {
	for i := range m.pinned {
		if m.pinned[i] {
			return true
		}
	}
	return false
}

func (m *message) finite() bool {
	return finite(m.c) && finite(m.h...) && finiteMatrix(m.p)
}

// pin fixes the coordinates marked by mask at values y. A coordinate
// which is already pinned cannot be pinned again: a product of two
// point masses has no density.
func (m *message) pin(mask []bool, y []float64) (*message, bool) {
	d := m.dim()
	var fix []int
	for i := 0; i < d; i++ {
		if mask[i] {
			if m.isPinned(i) {
				return nil, false
			}
			fix = append(fix, i)
		}
	}
	r := m.clone()
	if len(fix) == 0 {
		return r, true
	}
	if r.pinned == nil {
		r.pinned = make([]bool, d)
		r.y = make([]float64, d)
	}
	for a, j := range fix {
		r.c += m.h[j] * y[j]
		r.c -= 0.5 * y[j] * m.p.At(j, j) * y[j]
		for _, k := range fix[a+1:] {
			r.c -= y[j] * m.p.At(j, k) * y[k]
		}
	}
	for i := 0; i < d; i++ {
		if mask[i] {
			continue
		}
		for _, j := range fix {
			r.h[i] -= m.p.At(i, j) * y[j]
		}
	}
	for _, j := range fix {
		r.pinned[j] = true
		r.y[j] = y[j]
		r.h[j] = 0
		for i := 0; i < d; i++ {
			r.p.SetSym(i, j, 0)
		}
	}
	return r, true
}

// merge multiplies messages over the same variable.
func merge(d int, ms ...*message) (*message, bool) {
	var pins []bool
	var y []float64
	for _, m := range ms {
		for i := range m.pinned {
			if !m.pinned[i] {
				continue
			}
			if pins == nil {
				pins = make([]bool, d)
				y = make([]float64, d)
			}
			if pins[i] {
				return nil, false
			}
			pins[i] = true
			y[i] = m.y[i]
		}
	}
	r := newMessage(d)
	for _, m := range ms {
		if pins != nil {
			own := make([]bool, d)
			for i := range own {
				own[i] = pins[i] && !m.isPinned(i)
			}
			var ok bool
			if m, ok = m.pin(own, y); !ok {
				return nil, false
			}
		}
		r.p.AddSym(r.p, m.p)
		floats.Add(r.h, m.h)
		r.c += m.c
	}
	if pins != nil {
		r.pinned = pins
		r.y = y
	}
	return r, true
}

// extend integrates the message against a Gaussian kernel,
//
//	g(a) = ∫ N(x; a, Q) f(x) dx,
//
// and returns g as a message over a. Pinned coordinates require a
// positive-definite block of Q. A zero Q is the identity.
func (m *message) extend(q *mat.SymDense) (*message, bool) {
	d := m.dim()
	if isZero(q) {
		return m, true
	}
	fixed := indices(m.pinned, d, true)
	free := indices(m.pinned, d, false)
	r := newMessage(d)
	r.c = m.c

	s := subSym(q, free)
	var k *mat.Dense
	var yf []float64
	if len(fixed) > 0 {
		qff := subSym(q, fixed)
		var chol mat.Cholesky
		if !chol.Factorize(qff) || chol.Cond() > maxCondition {
			return nil, false
		}
		yf = gather(m.y, fixed)
		var z mat.VecDense
		if err := chol.SolveVecTo(&z, mat.NewVecDense(len(yf), yf)); err != nil {
			return nil, false
		}
		qinv := mat.NewSymDense(len(fixed), nil)
		if err := chol.InverseTo(qinv); err != nil {
			return nil, false
		}
		// density of the pinned values
		r.c -= 0.5*(float64(len(fixed))*log2Pi+chol.LogDet()) + 0.5*mat.Dot(mat.NewVecDense(len(yf), yf), &z)
		addEmbedded(r.p, qinv, fixed)
		for a, i := range fixed {
			r.h[i] += z.AtVec(a)
		}
		if len(free) > 0 {
			// gain K = Q_uf Q_ff^-1 and conditional variance S = Q_uu - K Q_fu
			quf := subDense(q, free, fixed)
			var kt mat.Dense
			if err := chol.SolveTo(&kt, quf.T()); err != nil {
				return nil, false
			}
			k = mat.DenseCopyOf(kt.T())
			var kq mat.Dense
			kq.Mul(k, quf.T())
			var sd mat.Dense
			sd.Sub(s, &kq)
			s = symmetrize(&sd)
		}
	}
	if len(free) == 0 {
		return r, true
	}

	n := len(free)
	pu := subSym(m.p, free)
	hu := gather(m.h, free)
	b := mat.NewDense(n, n, nil)
	b.Mul(pu, s)
	for i := 0; i < n; i++ {
		b.Set(i, i, b.At(i, i)+1)
	}
	var lu mat.LU
	lu.Factorize(b)
	logDet, sign := lu.LogDet()
	if sign <= 0 || !finite(logDet) {
		return nil, false
	}
	var pp mat.Dense
	if err := lu.SolveTo(&pp, false, pu); err != nil {
		return nil, false
	}
	pe := symmetrize(&pp)
	var z mat.VecDense
	if err := lu.SolveVecTo(&z, false, mat.NewVecDense(n, hu)); err != nil {
		return nil, false
	}
	hz := z.RawVector().Data
	r.c += -0.5*logDet + 0.5*dot(hu, symVec(s, hz))

	if len(fixed) == 0 {
		addEmbedded(r.p, pe, free)
		for a, i := range free {
			r.h[i] += hz[a]
		}
		return r, true
	}

	// The free part is a function of b = M a + K y with
	// M = [I on free, -K on fixed].
	ky := gemv(k, false, yf)
	mm := mat.NewDense(n, d, nil)
	for a, i := range free {
		mm.Set(a, i, 1)
		for c, j := range fixed {
			mm.Set(a, j, -k.At(a, c))
		}
	}
	addEmbedded(r.p, transposeMulSym(mm, pe), seq(d))
	peky := symVec(pe, ky)
	hv := make([]float64, n)
	for a := range hv {
		hv[a] = hz[a] - peky[a]
	}
	floats.Add(r.h, gemv(mm, true, hv))
	r.c += -0.5*dot(ky, peky) + dot(hz, ky)
	return r, true
}

// compose returns x -> f(Φx + ω). A nil Φ is the identity and a nil
// ω is zero. Pins are allowed only with the identity.
func (m *message) compose(phi *mat.Dense, omega []float64) (*message, bool) {
	d := m.dim()
	if omega == nil {
		omega = make([]float64, d)
	}
	if phi == nil {
		r := m.clone()
		pw := symVec(m.p, omega)
		for i := range r.h {
			r.h[i] -= pw[i]
		}
		r.c += -0.5*dot(omega, pw) + dot(m.h, omega)
		for i := range r.pinned {
			if r.pinned[i] {
				r.y[i] -= omega[i]
			}
		}
		return r, true
	}
	if m.hasPins() {
		return nil, false
	}
	r := newMessage(d)
	r.p.CopySym(transposeMulSym(phi, m.p))
	pw := symVec(m.p, omega)
	hv := make([]float64, d)
	for i := range hv {
		hv[i] = m.h[i] - pw[i]
	}
	copy(r.h, gemv(phi, true, hv))
	r.c = m.c - 0.5*dot(omega, pw) + dot(m.h, omega)
	return r, true
}

// push returns the density of a = Φx + ω for a message over x,
// including the Jacobian. Pins are allowed only with the identity.
func (m *message) push(phi, phiInv *mat.Dense, logDetPhi float64, omega []float64) (*message, bool) {
	d := m.dim()
	if omega == nil {
		omega = make([]float64, d)
	}
	if phi == nil {
		r := m.clone()
		pw := symVec(m.p, omega)
		for i := range r.h {
			r.h[i] += pw[i]
		}
		r.c += -0.5*dot(omega, pw) - dot(m.h, omega)
		for i := range r.pinned {
			if r.pinned[i] {
				r.y[i] += omega[i]
			}
		}
		return r, true
	}
	if m.hasPins() {
		return nil, false
	}
	v := gemv(phiInv, false, omega)
	pv := symVec(m.p, v)
	hv := make([]float64, d)
	for i := range hv {
		hv[i] = pv[i] + m.h[i]
	}
	r := newMessage(d)
	r.p.CopySym(transposeMulSym(phiInv, m.p))
	copy(r.h, gemv(phiInv, true, hv))
	r.c = m.c - 0.5*dot(v, pv) - dot(m.h, v) - logDetPhi
	return r, true
}

// support returns free coordinates with positive precision.
func (m *message) support() []int {
	d := m.dim()
	idx := make([]int, 0, d)
	for i := 0; i < d; i++ {
		if !m.isPinned(i) && m.p.At(i, i) > 0 {
			idx = append(idx, i)
		}
	}
	return idx
}

// integrate returns the log of the integral of the message over the
// range of its precision. Directions with zero precision are not
// integrated (an improper flat density); pinned coordinates integrate
// to one. The pseudo-inverse is used even without WithAllowSingular:
// partially observed tips leave such directions in any model.
func (m *message) integrate() (float64, bool) {
	sup := m.support()
	if len(sup) == 0 {
		return m.c, true
	}
	ps := subSym(m.p, sup)
	inv, ok := invert(ps, true)
	if !ok {
		return math.Inf(-1), false
	}
	hs := gather(m.h, sup)
	return m.c + 0.5*float64(inv.rank)*log2Pi - 0.5*inv.logDet + 0.5*quad(hs, inv.inv, hs), true
}

// moments returns mean and covariance of the normalized message.
// Pinned coordinates have zero variance, coordinates out of the
// support or touched by a direction without precision get an infinite
// variance and a zero mean. The covariance is otherwise the
// pseudo-inverse of the precision on the support.
func (m *message) moments() ([]float64, *mat.SymDense, bool) {
	d := m.dim()
	mean := make([]float64, d)
	cov := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		if m.isPinned(i) {
			mean[i] = m.y[i]
		} else if m.p.At(i, i) <= 0 {
			cov.SetSym(i, i, math.Inf(+1))
		}
	}
	sup := m.support()
	if len(sup) == 0 {
		return mean, cov, true
	}
	inv, ok := invert(subSym(m.p, sup), true)
	if !ok {
		return nil, nil, false
	}
	ms := symVec(inv.inv, gather(m.h, sup))
	for a, i := range sup {
		mean[i] = ms[a]
		for b := a; b < len(sup); b++ {
			cov.SetSym(i, sup[b], inv.inv.At(a, b))
		}
	}
	for _, v := range inv.null {
		for a, i := range sup {
			if math.Abs(v[a]) <= 1e-8 {
				continue
			}
			mean[i] = 0
			for j := 0; j < d; j++ {
				cov.SetSym(i, j, 0)
			}
			cov.SetSym(i, i, math.Inf(+1))
		}
	}
	return mean, cov, true
}

func seq(n int) []int {
	r := make([]int, n)
	for i := range r {
		r[i] = i
	}
	return r
}

// embed places the message at coordinates offset..offset+dim of a
// message of dimension n.
func (m *message) embed(n, offset int) *message {
	d := m.dim()
	r := newMessage(n)
	r.c = m.c
	for i := 0; i < d; i++ {
		r.h[offset+i] = m.h[i]
		for j := i; j < d; j++ {
			r.p.SetSym(offset+i, offset+j, m.p.At(i, j))
		}
		if m.isPinned(i) {
			if r.pinned == nil {
				r.pinned = make([]bool, n)
				r.y = make([]float64, n)
			}
			r.pinned[offset+i] = true
			r.y[offset+i] = m.y[i]
		}
	}
	return r
}

// marginalize integrates out all the coordinates except keep. The
// integrated free coordinates have to form a positive-definite block.
func (m *message) marginalize(keep []int) (*message, bool) {
	n := m.dim()
	kept := make([]bool, n)
	for _, i := range keep {
		kept[i] = true
	}
	var out []int
	for i := 0; i < n; i++ {
		if !kept[i] && !m.isPinned(i) {
			out = append(out, i)
		}
	}
	k := len(keep)
	r := newMessage(k)
	r.c = m.c
	for a, i := range keep {
		r.h[a] = m.h[i]
		for b := a; b < k; b++ {
			r.p.SetSym(a, b, m.p.At(i, keep[b]))
		}
		if m.isPinned(i) {
			if r.pinned == nil {
				r.pinned = make([]bool, k)
				r.y = make([]float64, k)
			}
			r.pinned[a] = true
			r.y[a] = m.y[i]
		}
	}
	if len(out) == 0 {
		return r, true
	}
	var chol mat.Cholesky
	if !chol.Factorize(subSym(m.p, out)) {
		return nil, false
	}
	ho := gather(m.h, out)
	var z mat.VecDense
	if err := chol.SolveVecTo(&z, mat.NewVecDense(len(ho), ho)); err != nil {
		return nil, false
	}
	r.c += 0.5*(float64(len(out))*log2Pi-chol.LogDet()) + 0.5*dot(ho, z.RawVector().Data)
	pko := subDense(m.p, keep, out)
	var x mat.Dense
	if err := chol.SolveTo(&x, pko.T()); err != nil {
		return nil, false
	}
	var s mat.Dense
	s.Mul(pko, &x)
	for a := 0; a < k; a++ {
		for b := a; b < k; b++ {
			r.p.SetSym(a, b, r.p.At(a, b)-(s.At(a, b)+s.At(b, a))/2)
		}
	}
	floats.Sub(r.h, gemv(pko, false, z.RawVector().Data))
	return r, true
}
