package optimize

import (
	"math"

	lbfgsb "github.com/idavydov/go-lbfgsb"
)

// LBFGSB is the limited-memory BFGS with bound constraints.
type LBFGSB struct {
	BaseOptimizer
	grad []float64
}

func NewLBFGSB() *LBFGSB {
	return &LBFGSB{
		BaseOptimizer: BaseOptimizer{
			method:    "LBFGSB",
			repPeriod: 10,
		},
	}
}

func (l *LBFGSB) Logger(info *lbfgsb.OptimizationIterationInformation) {
	l.iteration(info.Iteration, -info.F)
	if err := l.signaled(); err != nil {
		if l.cp != nil {
			l.saveCheckpoint(false)
		}
		log.Fatal(err)
	}
}

func (l *LBFGSB) EvaluateFunction(x []float64) float64 {
	lnL := l.evaluate(x)
	if math.IsNaN(lnL) {
		return math.Inf(+1)
	}
	return -lnL
}

func (l *LBFGSB) EvaluateGradient(x []float64) []float64 {
	if l.grad == nil {
		l.grad = make([]float64, len(x))
	}
	g := l.gradient(x)
	for i := range l.grad {
		if g == nil {
			l.grad[i] = 0
		} else {
			l.grad[i] = -g[i]
		}
	}
	return l.grad
}

func (l *LBFGSB) Run(iterations int) error {
	l.start()
	bounds := make([][2]float64, l.parameters.Dim())
	for i := range bounds {
		bounds[i][0] = l.parameters.Min(i) + 1e-5
		bounds[i][1] = l.parameters.Max(i) - 1e-5
	}

	opt := new(lbfgsb.Lbfgsb)
	opt.SetApproximationSize(10)
	opt.SetFTolerance(1e-9)
	opt.SetGTolerance(1e-9)
	opt.SetBounds(bounds)
	opt.SetLogger(l.Logger)

	_, exitStatus := opt.Minimize(l, l.parameters.Values(nil))
	log.Info("Exit status: ", exitStatus)

	l.finish()
	return nil
}
