package continuous

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/contrait/tree"
)

// NodeTrait is the posterior distribution of a node value given all
// the tips. Missing tip coordinates are imputed by their posterior.
type NodeTrait struct {
	Node     int
	Name     string
	Mean     []float64
	Variance *mat.SymDense
}

// PreOrder runs the root-to-tip pass on top of the post-order
// messages of a delegate.
type PreOrder struct {
	d *Delegate

	// out is the information about the parent value from outside of
	// the subtree of a node, above is the same for the node value.
	out   []*message
	above []*message
	post  []*message
}

// NewPreOrder creates the pre-order pass for a delegate.
func NewPreOrder(d *Delegate) *PreOrder {
	return &PreOrder{d: d}
}

// run computes pre-order messages for the current parameters.
func (po *PreOrder) run() Result {
	d := po.d
	if r := d.Evaluate(); !r.OK() {
		return r
	}
	n := d.tree.NNodes()
	po.out = make([]*message, n)
	po.above = make([]*message, n)
	po.post = make([]*message, n)
	prior, f := d.priorMessage()
	if f != None {
		return failed(f, d.tree.Node.Id)
	}
	po.above[d.tree.Node.Id] = prior
	if d.workers > 1 {
		return forLevels(d.tree.Depths(), d.workers, po.visit)
	}
	for _, node := range d.tree.PreOrder() {
		if f := po.visit(node); f != None {
			return failed(f, node.Id)
		}
	}
	return Result{}
}

// visit computes the posterior of the node and the pre-order messages
// of its children.
func (po *PreOrder) visit(node *tree.Node) Failure {
	d := po.d
	dim := d.diffusion.dim
	e := d.cache.get(node.Id)
	post, ok := merge(dim, e.below, po.above[node.Id])
	if !ok {
		return Singular
	}
	po.post[node.Id] = post
	children := node.ChildNodes()
	for i, child := range children {
		ms := []*message{po.above[node.Id]}
		for j, sibling := range children {
			if j != i {
				ms = append(ms, d.cache.get(sibling.Id).up)
			}
		}
		out, ok := merge(dim, ms...)
		if !ok {
			return Singular
		}
		po.out[child.Id] = out
		above, f := propagate(out, d.cache.get(child.Id).tr)
		if f != None {
			return f
		}
		po.above[child.Id] = above
	}
	return None
}

// propagate carries a message about the parent value across a branch:
//
//	g(x_c) = ∫ f(x_p) N(x_c; Φx_p + ω, Q) dx_p.
func propagate(out *message, tr *transition) (*message, Failure) {
	d := out.dim()
	if tr.phi == nil {
		pushed, ok := out.push(tr.phi, tr.phiInv, tr.logDet, tr.omega)
		if !ok {
			return nil, Singular
		}
		r, ok := pushed.extend(tr.q)
		if !ok {
			return nil, Singular
		}
		return r, None
	}
	k, _, ok := tr.kernel()
	if !ok {
		return nil, Singular
	}
	joint, ok := merge(2*d, out.embed(2*d, 0), k)
	if !ok {
		return nil, Singular
	}
	r, ok := joint.marginalize(seqFrom(d, 2*d))
	if !ok {
		return nil, Singular
	}
	return r, None
}

func seqFrom(from, to int) []int {
	r := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		r = append(r, i)
	}
	return r
}

// Reconstruct returns the posterior distributions of all node values
// indexed by node id.
func (po *PreOrder) Reconstruct() ([]NodeTrait, Result) {
	if r := po.run(); !r.OK() {
		return nil, r
	}
	traits := make([]NodeTrait, len(po.post))
	for _, node := range po.d.tree.Nodes() {
		mean, cov, ok := po.post[node.Id].moments()
		if !ok {
			return nil, failed(Singular, node.Id)
		}
		traits[node.Id] = NodeTrait{Node: node.Id, Name: node.Name, Mean: mean, Variance: cov}
	}
	return traits, Result{LogL: po.d.LogLikelihood(), Node: -1}
}

// BranchStatistics returns the residual moments of every branch with a
// positive effective time, indexed by node id. Zero-length branches
// have nil statistics.
func (po *PreOrder) BranchStatistics() ([]*BranchStatistics, Result) {
	stats, _, r := po.branchStatistics()
	return stats, r
}

func (po *PreOrder) branchStatistics() ([]*BranchStatistics, []*mat.Cholesky, Result) {
	if r := po.run(); !r.OK() {
		return nil, nil, r
	}
	d := po.d
	n := d.tree.NNodes()
	stats := make([]*BranchStatistics, n)
	chols := make([]*mat.Cholesky, n)
	f := func(node *tree.Node) Failure {
		if node.Parent == nil {
			return None
		}
		e := d.cache.get(node.Id)
		if e.t == 0 {
			return None
		}
		dim := d.diffusion.dim
		k, chol, ok := e.tr.kernel()
		if !ok {
			return Singular
		}
		joint, ok := merge(2*dim, po.out[node.Id].embed(2*dim, 0), k, e.below.embed(2*dim, dim))
		if !ok {
			return Singular
		}
		st, ok := branchStatistics(node.Id, e.tr, joint)
		if !ok {
			return Singular
		}
		stats[node.Id] = st
		chols[node.Id] = chol
		return None
	}
	if d.workers > 1 {
		if r := forLevels(d.tree.Depths(), d.workers, f); !r.OK() {
			return nil, nil, r
		}
	} else {
		for _, node := range d.tree.PreOrder() {
			if fail := f(node); fail != None {
				return nil, nil, failed(fail, node.Id)
			}
		}
	}
	return stats, chols, Result{LogL: d.LogLikelihood(), Node: -1}
}

// Sample draws all the node values jointly from the posterior. Rows
// are indexed by node id.
func (po *PreOrder) Sample(rng *rand.Rand) ([][]float64, Result) {
	if r := po.run(); !r.OK() {
		return nil, r
	}
	d := po.d
	dim := d.diffusion.dim
	x := make([][]float64, d.tree.NNodes())
	root := d.tree.Node
	var ok bool
	if x[root.Id], ok = draw(po.post[root.Id], rng); !ok {
		return nil, failed(Singular, root.Id)
	}
	all := make([]bool, dim)
	for i := range all {
		all[i] = true
	}
	for _, node := range d.tree.PreOrder() {
		if node.Parent == nil {
			continue
		}
		e := d.cache.get(node.Id)
		xp := x[node.Parent.Id]
		if e.t == 0 {
			// x_c = x_p: the parent draw already agrees with the
			// pinned coordinates of the node.
			x[node.Id] = append([]float64(nil), xp...)
			continue
		}
		k, _, ok := e.tr.kernel()
		if !ok {
			return nil, failed(Singular, node.Id)
		}
		joint, ok := merge(2*dim, pointMass(all, xp).embed(2*dim, 0), k, e.below.embed(2*dim, dim))
		if !ok {
			return nil, failed(Singular, node.Id)
		}
		cond, ok := joint.marginalize(seqFrom(dim, 2*dim))
		if !ok {
			return nil, failed(Singular, node.Id)
		}
		if x[node.Id], ok = draw(cond, rng); !ok {
			return nil, failed(Singular, node.Id)
		}
	}
	return x, Result{LogL: d.LogLikelihood(), Node: -1}
}

// draw samples from a proper message.
func draw(m *message, rng *rand.Rand) ([]float64, bool) {
	mean, cov, ok := m.moments()
	if !ok {
		return nil, false
	}
	for i := 0; i < m.dim(); i++ {
		if math.IsInf(cov.At(i, i), +1) {
			return nil, false
		}
	}
	b, ok := sqrtSym(cov)
	if !ok {
		return nil, false
	}
	z := make([]float64, len(mean))
	for i := range z {
		z[i] = rng.NormFloat64()
	}
	x := gemv(b, false, z)
	for i := range x {
		x[i] += mean[i]
	}
	return x, true
}

// TreeTraits returns the reconstruction as named traits: "mean" and
// "variance" (the diagonal of the covariance) per node id.
func (po *PreOrder) TreeTraits() (map[string][][]float64, Result) {
	traits, r := po.Reconstruct()
	if !r.OK() {
		return nil, r
	}
	mean := make([][]float64, len(traits))
	variance := make([][]float64, len(traits))
	for i, t := range traits {
		mean[i] = t.Mean
		variance[i] = make([]float64, len(t.Mean))
		for j := range t.Mean {
			variance[i][j] = t.Variance.At(j, j)
		}
	}
	return map[string][][]float64{"mean": mean, "variance": variance}, r
}

// AnnotatedNewick prints the tree with the reconstruction in Newick
// comments, e.g. [&mean={1.2,0.3},variance={0.1,0.2}].
func (po *PreOrder) AnnotatedNewick() (string, Result) {
	traits, r := po.TreeTraits()
	if !r.OK() {
		return "", r
	}
	format := func(x []float64) string {
		s := make([]string, len(x))
		for i, v := range x {
			s[i] = fmt.Sprintf("%g", v)
		}
		return "{" + strings.Join(s, ",") + "}"
	}
	return po.d.tree.Annotated(func(node *tree.Node) string {
		return fmt.Sprintf("mean=%s,variance=%s",
			format(traits["mean"][node.Id]), format(traits["variance"][node.Id]))
	}), r
}
