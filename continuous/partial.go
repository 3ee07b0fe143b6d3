package continuous

import (
	"gonum.org/v1/gonum/mat"
)

// Partial is the message a subtree sends to its root node, in moment
// form:
//
//	L(x) = exp(Remainder) (2π)^(-Rank/2) pdet(P)^(1/2) exp(-(x-Mean)'P(x-Mean)/2)
//
// on the support of P. Fixed coordinates are point masses at Mean
// (exactly observed tips on zero-length branches); their rows and
// columns of Precision are zero. Coordinates which are neither fixed
// nor in the support carry no information.
type Partial struct {
	Mean      []float64
	Precision *mat.SymDense
	Remainder float64
	Rank      int
	Fixed     []bool
}

// Missing returns true if the coordinate carries no information.
func (p *Partial) Missing(i int) bool {
	return !(p.Fixed != nil && p.Fixed[i]) && p.Precision.At(i, i) <= 0
}

func (m *message) partial() (*Partial, bool) {
	d := m.dim()
	r := &Partial{
		Mean:      make([]float64, d),
		Precision: mat.NewSymDense(d, nil),
	}
	r.Precision.CopySym(m.p)
	if m.pinned != nil {
		r.Fixed = append([]bool(nil), m.pinned...)
	}
	mean, _, ok := m.moments()
	if !ok {
		return nil, false
	}
	copy(r.Mean, mean)
	if r.Remainder, ok = m.integrate(); !ok {
		return nil, false
	}
	r.Rank, ok = m.rank()
	return r, ok
}

// rank returns the effective dimension of the precision.
func (m *message) rank() (int, bool) {
	sup := m.support()
	if len(sup) == 0 {
		return 0, true
	}
	inv, ok := invert(subSym(m.p, sup), true)
	if !ok {
		return 0, false
	}
	return inv.rank, true
}

// psd verifies that the precision is positive semi-definite on the
// coordinates it informs. Missing data may leave directions without
// information inside the support, so its rank is not checked.
func (m *message) psd() bool {
	sup := m.support()
	if len(sup) == 0 {
		return true
	}
	_, ok := invert(subSym(m.p, sup), true)
	return ok
}

// proper tells if the message is a proper density in every free
// coordinate.
func (m *message) proper() bool {
	sup := m.support()
	for i := 0; i < m.dim(); i++ {
		if !m.isPinned(i) && m.p.At(i, i) <= 0 {
			return false
		}
	}
	r, ok := m.rank()
	return ok && r == len(sup)
}
