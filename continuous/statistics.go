package continuous

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// BranchStatistics are posterior moments of the residual of a branch,
//
//	e = x_c - Φ x_p - ω,
//
// given all the tips.
type BranchStatistics struct {
	// Node is the child node of the branch.
	Node int
	// Time is the effective branch time.
	Time float64
	// Residual is E[e].
	Residual []float64
	// Second is E[ee'].
	Second *mat.SymDense
	// Cross is E[e x_p'].
	Cross *mat.Dense
	// ParentMean is E[x_p].
	ParentMean []float64
}

// kernel returns the transition density as a message over (x_p, x_c):
// precision C'Q^-1C and shift C'Q^-1ω with C = [-Φ, I].
func (tr *transition) kernel() (*message, *mat.Cholesky, bool) {
	d := tr.q.SymmetricDim()
	var chol mat.Cholesky
	if !chol.Factorize(tr.q) {
		return nil, nil, false
	}
	qinv := mat.NewSymDense(d, nil)
	if err := chol.InverseTo(qinv); err != nil {
		return nil, nil, false
	}
	c := tr.residualMap()
	m := newMessage(2 * d)
	m.p.CopySym(transposeMulSym(c, qinv))
	m.c = -0.5 * (float64(d)*log2Pi + chol.LogDet())
	if tr.omega != nil {
		qw := symVec(qinv, tr.omega)
		copy(m.h, gemv(c, true, qw))
		m.c -= 0.5 * dot(tr.omega, qw)
	}
	return m, &chol, true
}

// residualMap returns C = [-Φ, I].
func (tr *transition) residualMap() *mat.Dense {
	d := tr.q.SymmetricDim()
	c := mat.NewDense(d, 2*d, nil)
	for i := 0; i < d; i++ {
		c.Set(i, d+i, 1)
		for j := 0; j < d; j++ {
			switch {
			case tr.phi != nil:
				c.Set(i, j, -tr.phi.At(i, j))
			case i == j:
				c.Set(i, j, -1)
			}
		}
	}
	return c
}

// branchStatistics computes the residual moments from the joint
// posterior of the parent and the child values.
func branchStatistics(id int, tr *transition, joint *message) (*BranchStatistics, bool) {
	if !joint.proper() {
		return nil, false
	}
	mean, cov, ok := joint.moments()
	if !ok {
		return nil, false
	}
	d := tr.q.SymmetricDim()
	c := tr.residualMap()
	st := &BranchStatistics{
		Node:       id,
		Time:       tr.t,
		Residual:   gemv(c, false, mean),
		ParentMean: append([]float64(nil), mean[:d]...),
	}
	if tr.omega != nil {
		for i := range st.Residual {
			st.Residual[i] -= tr.omega[i]
		}
	}
	st.Second = mulSym(c, cov)
	st.Second.SymRankOne(st.Second, 1, mat.NewVecDense(d, st.Residual))

	// Cov(e, x_p) = C Σ R' with R = [I, 0]
	st.Cross = mat.NewDense(d, d, nil)
	var cs mat.Dense
	cs.Mul(c, cov)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			st.Cross.Set(i, j, cs.At(i, j)+st.Residual[i]*st.ParentMean[j])
		}
	}
	if !finiteMatrix(st.Second) || !finiteMatrix(st.Cross) {
		return nil, false
	}
	return st, true
}

// sensitivity converts residual moments into derivatives of the
// log-likelihood with respect to the transition:
//
//	G_Q = (Q^-1 E[ee'] Q^-1 - Q^-1)/2, G_ω = Q^-1 E[e], G_Φ = Q^-1 E[e x_p'].
func (st *BranchStatistics) sensitivity(chol *mat.Cholesky) (*branchSensitivity, bool) {
	d := len(st.Residual)
	qinv := mat.NewSymDense(d, nil)
	if err := chol.InverseTo(qinv); err != nil {
		return nil, false
	}
	s := &branchSensitivity{gq: mat.NewSymDense(d, nil), gw: symVec(qinv, st.Residual), gphi: &mat.Dense{}}
	var a, b mat.Dense
	a.Mul(qinv, st.Second)
	b.Mul(&a, qinv)
	b.Sub(&b, qinv)
	b.Scale(0.5, &b)
	s.gq = symmetrize(&b)
	s.gphi.Mul(qinv, st.Cross)
	for _, v := range s.gw {
		if math.IsNaN(v) {
			return nil, false
		}
	}
	return s, true
}
