package continuous

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// The integrated OU state s = (r, x) follows
//
//	ds = (c - Bs) dt + [I; 0] dW,  B = [A 0; -I 0],  c = [Aθ; 0],
//
// with Cov(dW) = Σ dt. If A = V Λ V^-1, then B = U diag(μ) U^-1 with
// μ = (λ, 0) and
//
//	U = [V 0; -VΛ^-1 I],  U^-1 = [V^-1 0; A^-1 I].
//
// Over a branch of time t
//
//	Φ = e^-Bt,  ω = Ψc,  Ψ = ∫ e^-Bs ds,
//	Q = U [(U^-1 S U^-T) ∘ F] U',  F_ij = ∫ e^-(μ_i+μ_j)s ds,
//
// where S = diag(Σ, 0) and the integrals run from 0 to t.

// augment returns the eigen-decomposition of B.
func augment(eig *eigenSystem) *eigenSystem {
	d := len(eig.values)
	inv := make([]float64, d)
	for i, l := range eig.values {
		inv[i] = 1 / l
	}
	ainv := similar(eig, inv)
	aug := &eigenSystem{
		values: make([]float64, 2*d),
		v:      mat.NewDense(2*d, 2*d, nil),
		vinv:   mat.NewDense(2*d, 2*d, nil),
	}
	copy(aug.values, eig.values)
	for i := 0; i < d; i++ {
		aug.v.Set(d+i, d+i, 1)
		aug.vinv.Set(d+i, d+i, 1)
		for j := 0; j < d; j++ {
			aug.v.Set(i, j, eig.v.At(i, j))
			aug.v.Set(d+i, j, -eig.v.At(i, j)*inv[j])
			aug.vinv.Set(i, j, eig.vinv.At(i, j))
			aug.vinv.Set(d+i, j, ainv.At(i, j))
		}
	}
	return aug
}

// expIntegral returns ∫ e^-us ds for s from 0 to t.
func expIntegral(u, t float64) float64 {
	if u == 0 {
		return t
	}
	return -math.Expm1(-u*t) / u
}

// expMoment returns ∫ s e^-us ds for s from 0 to t.
func expMoment(u, t float64) float64 {
	x := u * t
	if math.Abs(x) < 1e-2 {
		return t * t * (1.0/2 - x/3 + x*x/8 - x*x*x/30 + x*x*x*x/144)
	}
	return (-math.Expm1(-x) - x*math.Exp(-x)) / (u * u)
}

func sameRate(a, b float64) bool {
	return math.Abs(a-b) <= 1e-12*(math.Abs(a)+math.Abs(b))
}

// stateSigma returns S = diag(Σ, 0).
func (df *Diffusion) stateSigma() *mat.SymDense {
	p := df.process
	s := mat.NewSymDense(df.dim, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			s.SetSym(i, j, df.sigma.At(i, j))
		}
	}
	return s
}

// stateDrift returns c = [Aθ; 0] for the branch category.
func (df *Diffusion) stateDrift(class int) []float64 {
	c := make([]float64, df.dim)
	copy(c, gemv(df.selection.Dense(), false, df.row(df.optimum, class)))
	return c
}

// generator returns B.
func (df *Diffusion) generator() *mat.Dense {
	p := df.process
	b := mat.NewDense(df.dim, df.dim, nil)
	for i := 0; i < p; i++ {
		b.Set(p+i, i, -1)
		for j := 0; j < p; j++ {
			b.Set(i, j, df.selection.At(i, j))
		}
	}
	return b
}

func (df *Diffusion) integratedTransition(t float64, class int) *transition {
	n := df.dim
	tr := &transition{t: t, class: class, q: mat.NewSymDense(n, nil)}
	if t == 0 {
		return tr
	}
	aug := df.augmented
	tr.decay = make([]float64, n)
	inv := make([]float64, n)
	g := make([]float64, n)
	for i, u := range aug.values {
		tr.decay[i] = math.Exp(-u * t)
		inv[i] = 1 / tr.decay[i]
		g[i] = expIntegral(u, t)
		tr.logDet -= u * t
	}
	tr.phi = similar(aug, tr.decay)
	tr.phiInv = similar(aug, inv)
	tr.integral = similar(aug, g)

	tr.f = mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			tr.f.Set(i, j, expIntegral(aug.values[i]+aug.values[j], t))
		}
	}
	w := mulSym(aug.vinv, df.stateSigma())
	var wf mat.Dense
	wf.MulElem(w, tr.f)
	tr.q = mulSym(aug.v, symmetrize(&wf))
	tr.omega = gemv(tr.integral, false, df.stateDrift(class))
	return tr
}

// integratedSigmaAdjoint is the upper left block of
// U^-T [(U' G_Q U) ∘ F] U^-1.
func (df *Diffusion) integratedSigmaAdjoint(tr *transition, s *branchSensitivity) *mat.Dense {
	p := df.process
	if tr.t == 0 {
		return mat.NewDense(p, p, nil)
	}
	aug := df.augmented
	g := transposeMulSym(aug.v, s.gq)
	var gf mat.Dense
	gf.MulElem(g, tr.f)
	return mat.DenseCopyOf(transposeMulSym(aug.vinv, symmetrize(&gf)).SliceSym(0, p))
}

// integratedTimeAdjoint uses dQ/dt = ΦSΦ', dΦ/dt = -BΦ, dω/dt = Φc.
func (df *Diffusion) integratedTimeAdjoint(tr *transition, s *branchSensitivity) float64 {
	phi := tr.phi
	if phi == nil {
		phi = identity(df.dim)
	}
	var bphi mat.Dense
	bphi.Mul(df.generator(), phi)
	g := frobenius(s.gq, mulSym(phi, df.stateSigma()))
	g -= frobenius(s.gphi, &bphi)
	g += dot(s.gw, gemv(phi, false, df.stateDrift(tr.class)))
	return g
}

// integratedOptimumAdjoint returns A' [Ψ' G_ω]_r.
func (df *Diffusion) integratedOptimumAdjoint(tr *transition, s *branchSensitivity) []float64 {
	p := df.process
	if tr.integral == nil {
		return make([]float64, p)
	}
	pg := gemv(tr.integral, true, s.gw)
	return gemv(df.selection.Dense(), true, pg[:p])
}

// integratedSelectionAdjoint differentiates Q, Φ and Ψ with respect to
// B in the eigenbasis of B. With the Fréchet derivative
//
//	dΦ(s) = U [(U^-1 dB U) ∘ L(s)] U^-1,
//	L_ij(s) = (e^-μ_i s - e^-μ_j s)/(μ_i - μ_j),
//
// the derivative is U^-T Y U' where
//
//	Y = (U' G_Φ U^-T) ∘ L(t) + (U' G_ω c' U^-T) ∘ ∫L
//	    + 2 Σ_k K_ik T_kj ∫ e^-μ_k s L_ij(s) ds,
//
// K = U' G_Q U and T = U^-1 S U^-T. A is the upper left block of B
// and c depends on A through Aθ.
func (df *Diffusion) integratedSelectionAdjoint(tr *transition, s *branchSensitivity) *mat.Dense {
	p := df.process
	n := df.dim
	r := mat.NewDense(p, p, nil)
	if tr.t == 0 {
		return r
	}
	aug := df.augmented
	mu := aug.values
	t := tr.t
	c := df.stateDrift(tr.class)

	k := transposeMulSym(aug.v, s.gq)
	tm := mulSym(aug.vinv, df.stateSigma())
	y := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			var v float64
			for l := 0; l < n; l++ {
				var jl float64
				if sameRate(mu[i], mu[j]) {
					jl = -expMoment(mu[l]+mu[i], t)
				} else {
					jl = (expIntegral(mu[l]+mu[i], t) - expIntegral(mu[l]+mu[j], t)) / (mu[i] - mu[j])
				}
				v += k.At(i, l) * tm.At(l, j) * jl
			}
			y.Set(i, j, 2*v)
		}
	}

	gwc := mat.NewDense(n, n, nil)
	gwc.Outer(1, mat.NewVecDense(n, s.gw), mat.NewVecDense(n, c))
	var tmp, x, z mat.Dense
	tmp.Mul(aug.v.T(), s.gphi)
	x.Mul(&tmp, aug.vinv.T())
	tmp.Reset()
	tmp.Mul(aug.v.T(), gwc)
	z.Mul(&tmp, aug.vinv.T())
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			var l, li float64
			if sameRate(mu[i], mu[j]) {
				l = -t * tr.decay[i]
				li = -expMoment(mu[i], t)
			} else {
				l = (tr.decay[i] - tr.decay[j]) / (mu[i] - mu[j])
				li = (expIntegral(mu[i], t) - expIntegral(mu[j], t)) / (mu[i] - mu[j])
			}
			y.Set(i, j, y.At(i, j)+x.At(i, j)*l+z.At(i, j)*li)
		}
	}

	var gb mat.Dense
	tmp.Reset()
	tmp.Mul(aug.vinv.T(), y)
	gb.Mul(&tmp, aug.v.T())

	theta := df.row(df.optimum, tr.class)
	pg := gemv(tr.integral, true, s.gw)
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			r.Set(i, j, gb.At(i, j)+pg[i]*theta[j])
		}
	}
	return r
}
