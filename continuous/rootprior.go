package continuous

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/contrait/parameter"
)

// RootPrior is the conjugate prior of the root value, N(μ0, Σ/κ0),
// where Σ is the diffusion variance (diag(Σ, Σ) for the integrated
// Ornstein-Uhlenbeck state). κ0 = 0 is the improper flat
// prior, κ0 = +Inf fixes the root at μ0.
type RootPrior struct {
	mean  *parameter.Parameter
	kappa float64
}

// NewRootPrior creates the conjugate root prior with sample size κ0.
func NewRootPrior(mean *parameter.Parameter, kappa float64) (*RootPrior, error) {
	if math.IsNaN(kappa) || kappa < 0 {
		return nil, fmt.Errorf("prior sample size must be non-negative, got %v", kappa)
	}
	if mean == nil {
		return nil, fmt.Errorf("%w: no root mean", ErrDimensionMismatch)
	}
	return &RootPrior{mean: mean, kappa: kappa}, nil
}

// FlatRoot creates the improper uniform root prior. The root mean
// parameter is kept for the gradient bookkeeping only.
func FlatRoot(mean *parameter.Parameter) *RootPrior {
	return &RootPrior{mean: mean}
}

// FixedRoot fixes the root value at the mean.
func FixedRoot(mean *parameter.Parameter) *RootPrior {
	return &RootPrior{mean: mean, kappa: math.Inf(+1)}
}

// Mean returns the root mean parameter.
func (rp *RootPrior) Mean() *parameter.Parameter {
	return rp.mean
}

// Kappa returns the prior sample size.
func (rp *RootPrior) Kappa() float64 {
	return rp.kappa
}

func (rp *RootPrior) Flat() bool {
	return rp.kappa == 0
}

func (rp *RootPrior) Fixed() bool {
	return math.IsInf(rp.kappa, +1)
}

func (rp *RootPrior) check(d int) error {
	if rp.mean != nil && rp.mean.Dim() != d {
		return fmt.Errorf("%w: root mean %s has dimension %d, trait dimension is %d",
			ErrDimensionMismatch, rp.mean.Name(), rp.mean.Dim(), d)
	}
	if rp.mean == nil && !rp.Flat() {
		return fmt.Errorf("%w: no root mean", ErrDimensionMismatch)
	}
	return nil
}

func (rp *RootPrior) meanValues(d int) []float64 {
	if rp.mean == nil {
		return make([]float64, d)
	}
	return rp.mean.Values(nil)
}

// message returns the prior as a message over the root value.
func (rp *RootPrior) message(sigma *mat.SymDense, allowSingular bool) (*message, bool) {
	d := sigma.SymmetricDim()
	switch {
	case rp.Flat():
		return newMessage(d), true
	case rp.Fixed():
		all := make([]bool, d)
		for i := range all {
			all[i] = true
		}
		return pointMass(all, rp.meanValues(d)), true
	}
	inv, ok := invert(sigma, allowSingular)
	if !ok {
		return nil, false
	}
	mu := rp.meanValues(d)
	m := newMessage(d)
	m.p.ScaleSym(rp.kappa, inv.inv)
	copy(m.h, symVec(m.p, mu))
	// log pdet(κ Σ^-1)
	logDet := float64(inv.rank)*math.Log(rp.kappa) - inv.logDet
	m.c = -0.5*float64(inv.rank)*log2Pi + 0.5*logDet - 0.5*dot(mu, m.h)
	return m, true
}
