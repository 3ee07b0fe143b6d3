package continuous

import (
	"fmt"

	"bitbucket.org/Davydov/contrait/parameter"
	"bitbucket.org/Davydov/contrait/tree"
)

// Rates converts branch lengths into effective diffusion times
//
//	t_b = len_b · r_b · s,
//
// where s = Σ len / Σ len·r if the rates are normalized to keep the
// tree length, and s = 1 otherwise. A nil *Rates uses unit rates.
type Rates struct {
	rates     *parameter.Parameter
	strict    bool
	normalize bool
}

// StrictRates uses one rate for all the branches.
func StrictRates(rate *parameter.Parameter) *Rates {
	return &Rates{rates: rate, strict: true}
}

// BranchRates uses one rate per branch, indexed by the position of the
// branch in tree.Branches().
func BranchRates(rates *parameter.Parameter, normalize bool) *Rates {
	return &Rates{rates: rates, normalize: normalize}
}

// Parameter returns the rate parameter.
func (r *Rates) Parameter() *parameter.Parameter {
	if r == nil {
		return nil
	}
	return r.rates
}

func (r *Rates) check(t *tree.Tree) error {
	if r == nil {
		return nil
	}
	if r.rates == nil {
		return fmt.Errorf("%w: no rate parameter", ErrDimensionMismatch)
	}
	want := 1
	if !r.strict {
		want = t.NNodes() - 1
	}
	if r.rates.Dim() != want {
		return fmt.Errorf("%w: rate parameter %s has %d values, %d required",
			ErrDimensionMismatch, r.rates.Name(), r.rates.Dim(), want)
	}
	return nil
}

// branchIndex maps node ids to branch indices, -1 for the root.
func branchIndex(t *tree.Tree) []int {
	idx := make([]int, t.NNodes())
	for i := range idx {
		idx[i] = -1
	}
	for i, node := range t.Branches() {
		idx[node.Id] = i
	}
	return idx
}

func (r *Rates) rate(branch int) float64 {
	if r == nil {
		return 1
	}
	if r.strict {
		return r.rates.Get(0)
	}
	return r.rates.Get(branch)
}

// scale returns s and the two sums it is computed from.
func (r *Rates) scale(t *tree.Tree, branches []int) (s, length, rated float64) {
	for _, node := range t.Nodes() {
		b := branches[node.Id]
		if b < 0 {
			continue
		}
		length += node.BranchLength()
		rated += node.BranchLength() * r.rate(b)
	}
	s = 1
	if r != nil && r.normalize {
		s = length / rated
	}
	return
}

// times returns effective times indexed by node id; the root gets 0.
func (r *Rates) times(t *tree.Tree, branches []int) []float64 {
	s, _, _ := r.scale(t, branches)
	times := make([]float64, t.NNodes())
	for _, node := range t.Nodes() {
		if b := branches[node.Id]; b >= 0 {
			times[node.Id] = node.BranchLength() * r.rate(b) * s
		}
	}
	return times
}

// rateGradient converts derivatives with respect to effective times
// (indexed by node id) into derivatives with respect to the rates.
func (r *Rates) rateGradient(t *tree.Tree, branches []int, times, g []float64) []float64 {
	s, _, rated := r.scale(t, branches)
	var gt float64
	for id, b := range branches {
		if b >= 0 {
			gt += g[id] * times[id]
		}
	}
	grad := make([]float64, r.rates.Dim())
	for _, node := range t.Nodes() {
		b := branches[node.Id]
		if b < 0 {
			continue
		}
		l := node.BranchLength()
		d := l * s * g[node.Id]
		if r.normalize {
			d -= l * gt / rated
		}
		if r.strict {
			grad[0] += d
		} else {
			grad[b] += d
		}
	}
	return grad
}

// lengthGradient converts derivatives with respect to effective times
// into derivatives with respect to branch lengths, indexed by node id.
func (r *Rates) lengthGradient(t *tree.Tree, branches []int, times, g []float64) []float64 {
	s, length, rated := r.scale(t, branches)
	normalize := r != nil && r.normalize
	var gt float64
	for id, b := range branches {
		if b >= 0 {
			gt += g[id] * times[id]
		}
	}
	grad := make([]float64, len(g))
	for _, node := range t.Nodes() {
		b := branches[node.Id]
		if b < 0 {
			continue
		}
		rb := r.rate(b)
		grad[node.Id] = g[node.Id] * rb * s
		if normalize {
			grad[node.Id] += gt * (1/length - rb/rated)
		}
	}
	return grad
}
