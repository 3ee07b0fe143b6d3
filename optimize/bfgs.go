package optimize

import (
	"errors"
	"math"

	opt "gonum.org/v1/gonum/optimize"
)

// BFGS is the unconstrained BFGS from gonum. Bounds are enforced by
// returning an infinite function value.
type BFGS struct {
	BaseOptimizer
}

func NewBFGS() *BFGS {
	return &BFGS{
		BaseOptimizer: BaseOptimizer{
			method:    "BFGS",
			repPeriod: 10,
		},
	}
}

func (b *BFGS) Init() error {
	return nil
}

func (b *BFGS) Record(l *opt.Location, op opt.Operation, s *opt.Stats) error {
	if op == opt.MajorIteration {
		b.iteration(s.MajorIterations, -l.F)
	}
	return b.signaled()
}

func (b *BFGS) Func(x []float64) float64 {
	lnL := b.evaluate(x)
	if math.IsNaN(lnL) {
		return math.Inf(+1)
	}
	return -lnL
}

func (b *BFGS) Grad(grad, x []float64) {
	g := b.gradient(x)
	for i := range grad {
		switch {
		case g != nil:
			grad[i] = -g[i]
		case x[i] < b.parameters.Min(i):
			grad[i] = math.Inf(-1)
		case x[i] > b.parameters.Max(i):
			grad[i] = math.Inf(+1)
		default:
			grad[i] = 0
		}
	}
}

func (b *BFGS) Run(iterations int) error {
	b.start()
	settings := &opt.Settings{
		MajorIterations:   iterations,
		GradientThreshold: 1e-3,
		Recorder:          b,
	}
	problem := opt.Problem{Func: b.Func, Grad: b.Grad}

	res, err := opt.Minimize(problem, b.parameters.Values(nil), settings, &opt.BFGS{})
	if res != nil {
		log.Info("Exit status: ", res.Status)
	}
	if err != nil {
		log.Error("Optimization error: ", err)
	}

	b.finish()
	if errors.Is(err, ErrSignal) {
		return err
	}
	return nil
}
