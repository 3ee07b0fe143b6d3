// Package continuous implements the likelihood of continuous traits
// evolving along a phylogenetic tree under Gaussian diffusion
// processes.
//
// Messages are passed from tips to the root (post-order) to compute
// the likelihood, and from the root to tips (pre-order) to reconstruct
// ancestral states and to compute gradients.
package continuous

import (
	"fmt"

	"github.com/op/go-logging"

	"bitbucket.org/Davydov/contrait/parameter"
	"bitbucket.org/Davydov/contrait/tree"
)

var log = logging.MustGetLogger("continuous")

// Option configures a Delegate.
type Option func(*Delegate)

// WithParallel runs the passes on n workers.
func WithParallel(n int) Option {
	return func(d *Delegate) {
		d.workers = n
	}
}

// WithMetrics reports evaluations to m.
func WithMetrics(m *Metrics) Option {
	return func(d *Delegate) {
		d.metrics = m
	}
}

// WithAllowSingular allows singular diffusion variances, singular root
// priors and rank deficient loadings. Messages are then integrated
// with pseudo-inverses and pseudo-determinants.
func WithAllowSingular() Option {
	return func(d *Delegate) {
		d.allowSingular = true
	}
}

// Delegate computes the likelihood of tip data by the post-order pass.
// A Delegate is not safe for concurrent use.
type Delegate struct {
	tree          *tree.Tree
	diffusion     *Diffusion
	data          TraitProvider
	prior         *RootPrior
	rates         *Rates
	allowSingular bool
	workers       int
	metrics       *Metrics

	cache    *CachingController
	rows     []int
	branches []int
	times    []float64
	topology uint64

	evaluations int
	rebuilt     int
}

// Stats are cumulative delegate counters.
type Stats struct {
	Evaluations int
	Rebuilt     int
	LastRebuilt []int
}

// NewDelegate wires the likelihood. A nil rates uses unit rates.
func NewDelegate(t *tree.Tree, diffusion *Diffusion, data TraitProvider, prior *RootPrior,
	rates *Rates, opts ...Option) (*Delegate, error) {
	d := &Delegate{
		tree:      t,
		diffusion: diffusion,
		data:      data,
		prior:     prior,
		rates:     rates,
	}
	for _, opt := range opts {
		opt(d)
	}
	if t == nil || diffusion == nil || data == nil || prior == nil {
		return nil, fmt.Errorf("%w: tree, diffusion, data and root prior are required", ErrDimensionMismatch)
	}
	dim := diffusion.Dim()
	if data.Dim() != dim {
		return nil, fmt.Errorf("%w: data model has dimension %d, diffusion has dimension %d",
			ErrDimensionMismatch, data.Dim(), dim)
	}
	if err := prior.check(dim); err != nil {
		return nil, err
	}
	if err := rates.check(t); err != nil {
		return nil, err
	}
	if err := data.check(d.allowSingular); err != nil {
		return nil, err
	}
	if d.allowSingular && diffusion.Matrix().Precision {
		return nil, fmt.Errorf("%w: singular diffusion variance cannot be given as a precision",
			ErrPrecisionType)
	}
	if n := t.NClasses(); n > diffusion.Classes() {
		return nil, fmt.Errorf("%w: tree has %d branch categories, %s model has %d",
			ErrDimensionMismatch, n, diffusion.Kind(), diffusion.Classes())
	}
	if err := d.mapTips(); err != nil {
		return nil, err
	}
	d.cache = newCachingController(t.NNodes())
	d.cache.Watch(d.parameters()...)
	return d, nil
}

// mapTips maps node ids of tips to data rows.
func (d *Delegate) mapTips() error {
	rows := make(map[string]int, len(d.data.Names()))
	for i, name := range d.data.Names() {
		rows[name] = i
	}
	d.rows = make([]int, d.tree.NNodes())
	used := 0
	for _, node := range d.tree.Nodes() {
		d.rows[node.Id] = -1
		if !node.IsTerminal() {
			continue
		}
		row, ok := rows[node.Name]
		if !ok {
			return fmt.Errorf("%w: no data for %s", ErrUnknownTip, node.Name)
		}
		d.rows[node.Id] = row
		used++
	}
	if used < len(rows) {
		log.Warningf("%d taxa in the data are not in the tree", len(rows)-used)
	}
	d.branches = branchIndex(d.tree)
	return nil
}

// parameters returns every parameter the likelihood depends on.
func (d *Delegate) parameters() []*parameter.Parameter {
	ps := d.diffusion.Parameters()
	ps = append(ps, d.data.Values())
	if ft := d.factor(); ft != nil {
		ps = append(ps, ft.loadings, ft.residual)
	}
	if d.prior.mean != nil {
		ps = append(ps, d.prior.mean)
	}
	if p := d.rates.Parameter(); p != nil {
		ps = append(ps, p)
	}
	return ps
}

func (d *Delegate) factor() *FactorTraits {
	switch data := d.data.(type) {
	case *FactorTraits:
		return data
	case *MeasurementErrorTraits:
		return &data.FactorTraits
	}
	return nil
}

func (d *Delegate) Tree() *tree.Tree {
	return d.tree
}

func (d *Delegate) Diffusion() *Diffusion {
	return d.diffusion
}

func (d *Delegate) Data() TraitProvider {
	return d.data
}

func (d *Delegate) RootPrior() *RootPrior {
	return d.prior
}

func (d *Delegate) Rates() *Rates {
	return d.rates
}

// Workers returns the number of workers of the passes.
func (d *Delegate) Workers() int {
	if d.workers < 1 {
		return 1
	}
	return d.workers
}

// Cache returns the caching controller.
func (d *Delegate) Cache() *CachingController {
	return d.cache
}

// LogLikelihood returns the log-likelihood, -Inf on a numerical
// failure.
func (d *Delegate) LogLikelihood() float64 {
	return d.Evaluate().LogL
}

// Evaluate computes the log-likelihood rebuilding stale messages.
func (d *Delegate) Evaluate() Result {
	if r, ok := d.cache.fresh(d.tree); ok {
		d.cache.rebuilt = d.cache.rebuilt[:0]
		return r
	}
	if d.cache.topology != 0 && d.cache.topology != d.tree.Topology() {
		if err := d.mapTips(); err != nil {
			panic(err)
		}
	}
	d.cache.begin(d.tree)
	r := d.evaluate()
	if !r.OK() {
		log.Debugf("likelihood failed: %v at node %d", r.Failure, r.Node)
	}
	d.cache.finish(d.tree, r)
	d.evaluations++
	d.rebuilt += len(d.cache.rebuilt)
	d.metrics.observe(r, len(d.cache.rebuilt))
	return r
}

func (d *Delegate) evaluate() Result {
	for _, p := range d.parameters() {
		if !p.InRange() {
			return failed(OutOfBounds, -1)
		}
	}
	if f := d.diffusion.prepare(d.allowSingular); f != None {
		return failed(f, -1)
	}
	if f := d.data.validate(); f != None {
		return failed(f, -1)
	}
	d.times = d.rates.times(d.tree, d.branches)
	d.topology = d.tree.Topology()
	for id, t := range d.times {
		if !finite(t) {
			return failed(NonFinite, id)
		}
		if t < 0 {
			return failed(OutOfBounds, id)
		}
	}
	var r Result
	if d.workers > 1 {
		r = d.postOrderParallel()
	} else {
		r = d.postOrder()
	}
	if !r.OK() {
		return r
	}
	rootID := d.tree.Node.Id
	root, f := d.rootPosterior()
	if f != None {
		return failed(f, rootID)
	}
	logL, ok := root.integrate()
	if !ok {
		return failed(Singular, rootID)
	}
	if !finite(logL) {
		return failed(NonFinite, rootID)
	}
	return Result{LogL: logL, Node: -1}
}

// priorMessage returns the root prior as a message.
func (d *Delegate) priorMessage() (*message, Failure) {
	prior, ok := d.prior.message(d.diffusion.rootScale(), d.allowSingular)
	if !ok {
		return nil, Singular
	}
	return prior, None
}

// rootPosterior returns the product of the root message and the root
// prior. Its integral is the likelihood.
func (d *Delegate) rootPosterior() (*message, Failure) {
	prior, f := d.priorMessage()
	if f != None {
		return nil, f
	}
	root, ok := merge(d.diffusion.dim, d.cache.get(d.tree.Node.Id).below, prior)
	if !ok {
		return nil, Singular
	}
	return root, None
}

func (d *Delegate) postOrder() Result {
	for _, node := range d.tree.PostOrder() {
		if f := d.update(node); f != None {
			return failed(f, node.Id)
		}
	}
	return Result{}
}

// key returns an entry with the dependency key of the node.
func (d *Delegate) key(node *tree.Node) *entry {
	e := &entry{topology: d.topology}
	if node.Parent != nil {
		e.t = d.times[node.Id]
		e.class = node.Class
		e.diffusion = d.diffusion.version(node.Class)
	}
	if node.IsTerminal() {
		e.tip = d.data.version(d.rows[node.Id])
	}
	for _, child := range node.ChildNodes() {
		e.children = append(e.children, d.cache.get(child.Id).serial)
	}
	return e
}

// update rebuilds the entry of a node if it is stale.
func (d *Delegate) update(node *tree.Node) Failure {
	e := d.key(node)
	if old := d.cache.get(node.Id); old != nil && old.sameKey(e) {
		return None
	}
	dim := d.diffusion.dim
	if node.IsTerminal() {
		e.below = d.data.tipMessage(d.rows[node.Id])
	} else {
		ups := make([]*message, 0, len(node.ChildNodes()))
		for _, child := range node.ChildNodes() {
			ups = append(ups, d.cache.get(child.Id).up)
		}
		var ok bool
		if e.below, ok = merge(dim, ups...); !ok {
			return Singular
		}
		if !e.below.psd() {
			return Singular
		}
	}
	if !e.below.finite() {
		return NonFinite
	}
	if node.Parent != nil {
		e.tr = d.diffusion.transition(e.t, e.class)
		up, ok := e.below.extend(e.tr.q)
		if !ok {
			return Singular
		}
		if e.up, ok = up.compose(e.tr.phi, e.tr.omega); !ok {
			return Singular
		}
		if !e.up.finite() {
			return NonFinite
		}
	}
	e.serial = nextSerial()
	d.cache.set(node.Id, e)
	return None
}

// Partial returns the post-order message of a node.
func (d *Delegate) Partial(id int) (*Partial, error) {
	if id < 0 || id >= d.tree.NNodes() {
		return nil, fmt.Errorf("node %d does not exist", id)
	}
	if r := d.Evaluate(); !r.OK() {
		return nil, &FailureError{Reason: r.Failure, Node: r.Node}
	}
	p, ok := d.cache.get(id).below.partial()
	if !ok {
		return nil, &FailureError{Reason: Singular, Node: id}
	}
	return p, nil
}

// Store saves the cache.
func (d *Delegate) Store() {
	d.cache.Store()
}

// Restore brings back the cache saved by Store.
func (d *Delegate) Restore() {
	d.cache.Restore()
}

// Accept drops the saved cache.
func (d *Delegate) Accept() {
	d.cache.Accept()
}

// MakeDirty drops every cached message.
func (d *Delegate) MakeDirty() {
	d.cache.Invalidate()
	d.diffusion.eigen = nil
}

// Stats returns the delegate counters.
func (d *Delegate) Stats() Stats {
	return Stats{
		Evaluations: d.evaluations,
		Rebuilt:     d.rebuilt,
		LastRebuilt: d.cache.Rebuilt(),
	}
}
