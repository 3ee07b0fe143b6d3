package continuous

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/contrait/parameter"
)

type gradientKind int

const (
	diffusionGradient gradientKind = iota
	driftGradient
	selectionGradient
	optimumGradient
	rootMeanGradient
	rateGradient
	heightGradient
	tipGradient
	loadingsGradient
	residualGradient
)

// Gradient is the derivative of the log-likelihood with respect to one
// parameter of a delegate. Elements are aligned with the parameter.
type Gradient struct {
	d    *Delegate
	p    parameter.Vector
	kind gradientKind
}

// GradientProvider returns the gradient with respect to a parameter
// of the model. The parameter is matched by identity.
func (d *Delegate) GradientProvider(p parameter.Vector) (*Gradient, error) {
	g := &Gradient{d: d, p: p}
	df := d.diffusion
	ft := d.factor()
	switch {
	case p == parameter.Vector(df.matrix.Parameter):
		g.kind = diffusionGradient
	case df.drift != nil && p == parameter.Vector(df.drift):
		g.kind = driftGradient
	case df.selection != nil && p == parameter.Vector(df.selection):
		g.kind = selectionGradient
	case df.optimum != nil && p == parameter.Vector(df.optimum):
		g.kind = optimumGradient
	case d.prior.mean != nil && p == parameter.Vector(d.prior.mean):
		g.kind = rootMeanGradient
	case d.rates.Parameter() != nil && p == parameter.Vector(d.rates.Parameter()):
		g.kind = rateGradient
	case p == parameter.Vector(d.data.Values()):
		g.kind = tipGradient
	case ft != nil && p == parameter.Vector(ft.loadings):
		if _, ok := d.data.(*MeasurementErrorTraits); ok {
			return nil, fmt.Errorf("%w: loadings of the measurement error model are fixed", ErrUnknownParameter)
		}
		g.kind = loadingsGradient
	case ft != nil && p == parameter.Vector(ft.residual):
		g.kind = residualGradient
	default:
		h, ok := p.(*NodeHeights)
		if !ok || h.tree != d.tree {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParameter, p.Name())
		}
		g.kind = heightGradient
	}
	return g, nil
}

// Parameter returns the parameter of the gradient.
func (g *Gradient) Parameter() parameter.Vector {
	return g.p
}

// Gradient computes the gradient for the current parameter values.
// A numerical failure is returned as *FailureError.
func (g *Gradient) Gradient() ([]float64, error) {
	po := NewPreOrder(g.d)
	var grad []float64
	var f Failure
	var node int
	switch g.kind {
	case tipGradient, loadingsGradient, residualGradient:
		grad, f, node = g.tipSide(po)
	default:
		grad, f, node = g.branchSide(po)
	}
	if f != None {
		log.Debugf("gradient of %s failed: %v at node %d", g.p.Name(), f, node)
		return nil, &FailureError{Reason: f, Node: node}
	}
	for _, v := range grad {
		if !finite(v) {
			return nil, &FailureError{Reason: NonFinite, Node: -1}
		}
	}
	return grad, nil
}

// branchSide computes gradients of parameters of the branch
// transitions and the root prior.
func (g *Gradient) branchSide(po *PreOrder) ([]float64, Failure, int) {
	stats, chols, r := po.branchStatistics()
	if !r.OK() {
		return nil, r.Failure, r.Node
	}
	d := g.d
	df := d.diffusion
	dim := df.dim
	sens := make([]*branchSensitivity, len(stats))
	for id, st := range stats {
		if st == nil {
			continue
		}
		s, ok := st.sensitivity(chols[id])
		if !ok {
			return nil, Singular, id
		}
		sens[id] = s
	}
	entry := func(id int) *entry {
		return d.cache.get(id)
	}

	switch g.kind {
	case diffusionGradient:
		gs := mat.NewDense(df.process, df.process, nil)
		for id, s := range sens {
			if s != nil {
				gs.Add(gs, df.sigmaAdjoint(entry(id).tr, s))
			}
		}
		if !d.prior.Flat() && !d.prior.Fixed() {
			gr, f := g.rootSigma(po)
			if f != None {
				return nil, f, d.tree.Node.Id
			}
			gs.Add(gs, df.foldRoot(gr))
		}
		if df.matrix.Precision {
			var tmp mat.Dense
			tmp.Mul(df.sigma, gs)
			gs.Mul(&tmp, df.sigma)
			gs.Scale(-1, gs)
		}
		return flatten(symmetrize(gs)), None, -1

	case driftGradient:
		grad := make([]float64, df.drift.Dim())
		for id, s := range sens {
			if s == nil {
				continue
			}
			e := entry(id)
			floats.AddScaled(grad[e.class*dim:(e.class+1)*dim], e.t, s.gw)
		}
		return grad, None, -1

	case selectionGradient:
		ga := mat.NewDense(df.process, df.process, nil)
		for id, s := range sens {
			if s != nil {
				ga.Add(ga, df.selectionAdjoint(entry(id).tr, s))
			}
		}
		return flatten(ga), None, -1

	case optimumGradient:
		grad := make([]float64, df.optimum.Dim())
		for id, s := range sens {
			if s == nil {
				continue
			}
			e := entry(id)
			floats.Add(grad[e.class*df.process:(e.class+1)*df.process], df.optimumAdjoint(e.tr, s))
		}
		return grad, None, -1

	case rootMeanGradient:
		return g.rootMean(po, sens)

	case rateGradient, heightGradient:
		gt := make([]float64, len(sens))
		for id, s := range sens {
			if s != nil {
				gt[id] = df.timeAdjoint(entry(id).tr, s)
			}
		}
		if g.kind == rateGradient {
			return d.rates.rateGradient(d.tree, d.branches, d.times, gt), None, -1
		}
		for _, node := range d.tree.Nodes() {
			if node.Parent != nil && sens[node.Id] == nil {
				// the derivative at a zero time is not available
				return nil, Singular, node.Id
			}
		}
		gl := d.rates.lengthGradient(d.tree, d.branches, d.times, gt)
		return g.p.(*NodeHeights).fromLengths(gl), None, -1
	}
	panic("unknown gradient kind")
}

// rootSigma is the derivative of the conjugate root prior N(μ0, R/κ0)
// with respect to R = rootScale().
func (g *Gradient) rootSigma(po *PreOrder) (*mat.Dense, Failure) {
	d := g.d
	dim := d.diffusion.dim
	kappa := d.prior.kappa
	mean, cov, ok := po.post[d.tree.Node.Id].moments()
	if !ok || !po.post[d.tree.Node.Id].proper() {
		return nil, Singular
	}
	inv, ok := invert(d.diffusion.rootScale(), d.allowSingular)
	if !ok {
		return nil, Singular
	}
	vinv := mat.NewSymDense(dim, nil)
	vinv.ScaleSym(kappa, inv.inv)
	mu := d.prior.meanValues(dim)
	dev := make([]float64, dim)
	for i := range dev {
		dev[i] = mean[i] - mu[i]
	}
	e := mat.NewSymDense(dim, nil)
	e.CopySym(cov)
	e.SymRankOne(e, 1, mat.NewVecDense(dim, dev))
	var a, b mat.Dense
	a.Mul(vinv, e)
	b.Mul(&a, vinv)
	b.Sub(&b, vinv)
	b.Scale(0.5/kappa, &b)
	return &b, None
}

// rootMean is the derivative with respect to μ0.
func (g *Gradient) rootMean(po *PreOrder, sens []*branchSensitivity) ([]float64, Failure, int) {
	d := g.d
	dim := d.diffusion.dim
	root := d.tree.Node
	grad := make([]float64, dim)
	switch {
	case d.prior.Flat():
	case d.prior.Fixed():
		for _, child := range root.ChildNodes() {
			s := sens[child.Id]
			if s == nil {
				return nil, Singular, child.Id
			}
			if tr := d.cache.get(child.Id).tr; tr.phi != nil {
				floats.Add(grad, gemv(tr.phi, true, s.gw))
			} else {
				floats.Add(grad, s.gw)
			}
		}
	default:
		post := po.post[root.Id]
		mean, _, ok := post.moments()
		if !ok || !post.proper() {
			return nil, Singular, root.Id
		}
		inv, ok := invert(d.diffusion.rootScale(), d.allowSingular)
		if !ok {
			return nil, Singular, root.Id
		}
		mu := d.prior.meanValues(dim)
		dev := make([]float64, dim)
		for i := range dev {
			dev[i] = mean[i] - mu[i]
		}
		grad = symVec(inv.inv, dev)
		floats.Scale(d.prior.kappa, grad)
	}
	return grad, None, -1
}

// tipSide computes gradients of the data model parameters.
func (g *Gradient) tipSide(po *PreOrder) ([]float64, Failure, int) {
	d := g.d
	var stats []*BranchStatistics
	var chols []*mat.Cholesky
	var r Result
	if _, exact := d.data.(*ExactTraits); exact {
		stats, chols, r = po.branchStatistics()
	} else {
		r = po.run()
	}
	if !r.OK() {
		return nil, r.Failure, r.Node
	}
	grad := make([]float64, g.p.Dim())
	ft := d.factor()
	for _, node := range d.tree.Nodes() {
		if !node.IsTerminal() {
			continue
		}
		row := d.rows[node.Id]
		if ft == nil {
			// exact tips: ∂/∂y = -G_ω of the tip branch
			st := stats[node.Id]
			if st == nil {
				return nil, Singular, node.Id
			}
			s, ok := st.sensitivity(chols[node.Id])
			if !ok {
				return nil, Singular, node.Id
			}
			et := d.data.(*ExactTraits)
			p := et.p()
			for j := 0; j < p; j++ {
				if et.Observed(row, j) {
					grad[row*p+j] = -s.gw[et.latent+j]
				}
			}
			continue
		}
		post := po.post[node.Id]
		mean, cov, ok := post.moments()
		if !ok || !post.proper() {
			return nil, Singular, node.Id
		}
		ft.accumulate(g.kind, row, mean, cov, grad)
	}
	return grad, None, -1
}

// accumulate adds the derivatives of the observation density of a row
// given the factor posterior N(mean, cov).
func (ft *FactorTraits) accumulate(kind gradientKind, row int, mean []float64, cov *mat.SymDense, grad []float64) {
	k := ft.Dim()
	p := ft.p()
	y, mask := ft.row(row)
	// E[ff']
	second := mat.NewSymDense(k, nil)
	second.CopySym(cov)
	second.SymRankOne(second, 1, mat.NewVecDense(k, mean))
	for j := 0; j < p; j++ {
		if !mask[j] {
			continue
		}
		psi := ft.psi(j)
		lj := make([]float64, k)
		for a := range lj {
			lj[a] = ft.loadings.At(j, a)
		}
		fit := dot(lj, mean)
		switch kind {
		case tipGradient:
			grad[row*p+j] = (fit - y[j]) / psi
		case loadingsGradient:
			lf := symVec(second, lj)
			for a := 0; a < k; a++ {
				grad[j*k+a] += (y[j]*mean[a] - lf[a]) / psi
			}
		case residualGradient:
			// E[(y - L_j f)^2]
			sq := (y[j]-fit)*(y[j]-fit) + quad(lj, cov, lj)
			dpsi := -0.5/psi + 0.5*sq/(psi*psi)
			if ft.precision {
				dpsi *= -psi * psi
			}
			grad[j] += dpsi
		}
	}
}

func flatten(m mat.Matrix) []float64 {
	r, c := m.Dims()
	v := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v = append(v, m.At(i, j))
		}
	}
	return v
}
