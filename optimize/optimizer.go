// Package optimize maximizes the log-likelihood over a parameter
// vector using analytic gradients.
package optimize

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/op/go-logging"

	"bitbucket.org/Davydov/contrait/checkpoint"
	"bitbucket.org/Davydov/contrait/parameter"
)

var log = logging.MustGetLogger("optimize")

// ErrSignal is returned when the optimization was interrupted.
var ErrSignal = errors.New("interrupted by signal")

// Optimizable is a log-likelihood with a gradient with respect to a
// parameter vector.
type Optimizable interface {
	LogLikelihood() float64
	Parameter() parameter.Vector
	Gradient() ([]float64, error)
}

// Optimizer is an optimization method.
type Optimizer interface {
	SetOptimizable(Optimizable)
	SetOutput(io.Writer)
	SetCheckpointIO(*checkpoint.CheckpointIO)
	WatchSignals(...os.Signal)
	SetReportPeriod(period int)
	Run(iterations int) error
	Summary() Summary
}

// Summary is the result of an optimization.
type Summary struct {
	Method     string             `json:"method"`
	MaxLnL     float64            `json:"maxLnL"`
	Parameters map[string]float64 `json:"maxLParameters"`
	Iterations int                `json:"iterations"`
	Calls      int                `json:"likelihoodCalls"`
	GradCalls  int                `json:"gradientCalls"`
}

// BaseOptimizer keeps the state shared by the optimizers.
type BaseOptimizer struct {
	Optimizable
	parameters parameter.Vector
	method     string
	i          int
	l          float64
	maxL       float64
	maxLPar    []float64
	calls      int
	gradCalls  int
	repPeriod  int
	out        io.Writer
	cp         *checkpoint.CheckpointIO
	sig        chan os.Signal
	Quiet      bool
}

func (o *BaseOptimizer) SetOptimizable(opt Optimizable) {
	o.Optimizable = opt
	o.parameters = opt.Parameter()
}

// SetOutput sets the trajectory output.
func (o *BaseOptimizer) SetOutput(w io.Writer) {
	o.out = w
}

// SetCheckpointIO enables checkpoints.
func (o *BaseOptimizer) SetCheckpointIO(cp *checkpoint.CheckpointIO) {
	o.cp = cp
}

func (o *BaseOptimizer) WatchSignals(sigs ...os.Signal) {
	o.sig = make(chan os.Signal, 1)
	signal.Notify(o.sig, sigs...)
}

func (o *BaseOptimizer) SetReportPeriod(period int) {
	o.repPeriod = period
}

// signaled checks for a pending signal without blocking.
func (o *BaseOptimizer) signaled() error {
	select {
	case s := <-o.sig:
		log.Warningf("Received signal %v, exiting.", s)
		return ErrSignal
	default:
	}
	return nil
}

func (o *BaseOptimizer) start() {
	o.maxL = math.Inf(-1)
	o.maxLPar = o.parameters.Values(o.maxLPar)
	o.PrintHeader()
}

// evaluate sets the values and returns the log-likelihood, -Inf if
// the values are out of bounds.
func (o *BaseOptimizer) evaluate(x []float64) float64 {
	if !o.parameters.ValuesInRange(x) {
		return math.Inf(-1)
	}
	if err := o.parameters.SetValues(x); err != nil {
		log.Debug(err)
		return math.Inf(-1)
	}
	l := o.LogLikelihood()
	o.calls++
	if l > o.maxL {
		o.maxL = l
		o.maxLPar = o.parameters.Values(o.maxLPar)
	}
	return l
}

// gradient sets the values and returns the gradient, nil if it cannot
// be computed.
func (o *BaseOptimizer) gradient(x []float64) []float64 {
	if !o.parameters.ValuesInRange(x) {
		return nil
	}
	if err := o.parameters.SetValues(x); err != nil {
		return nil
	}
	g, err := o.Gradient()
	o.gradCalls++
	if err != nil {
		log.Debug("gradient: ", err)
		return nil
	}
	return g
}

// iteration reports a finished iteration and saves a checkpoint if
// needed.
func (o *BaseOptimizer) iteration(i int, l float64) {
	o.i = i
	o.l = l
	if o.repPeriod > 0 && i%o.repPeriod == 0 {
		o.PrintLine()
	}
	if o.cp != nil && o.cp.Old() {
		o.saveCheckpoint(false)
	}
}

// finish restores the best values found.
func (o *BaseOptimizer) finish() {
	if err := o.parameters.SetValues(o.maxLPar); err != nil {
		log.Error("Error restoring the best parameters:", err)
	}
	o.l = o.LogLikelihood()
	if o.cp != nil {
		o.saveCheckpoint(true)
	}
	if !o.Quiet {
		log.Noticef("Finished %s", o.method)
		log.Noticef("Maximum likelihood: %v", o.maxL)
		log.Infof("Likelihood function calls: %v, gradient calls: %v", o.calls, o.gradCalls)
	}
	o.PrintFinal()
}

func (o *BaseOptimizer) saveCheckpoint(final bool) {
	o.cp.Save(&checkpoint.CheckpointData{
		Method:     o.method,
		Parameters: parameter.Map(o.parameters),
		Likelihood: o.l,
		Iter:       o.i,
		Final:      final,
	})
}

func (o *BaseOptimizer) PrintHeader() {
	if o.out != nil {
		fmt.Fprintf(o.out, "iteration\tlikelihood\t%s\n", o.ParameterNamesString())
	}
}

func (o *BaseOptimizer) PrintLine() {
	if o.out != nil {
		fmt.Fprintf(o.out, "%d\t%f\t%s\n", o.i, o.l, o.ParameterString())
	}
}

func (o *BaseOptimizer) PrintFinal() {
	if !o.Quiet {
		for i := 0; i < o.parameters.Dim(); i++ {
			log.Noticef("%s=%v", o.parameters.ElementName(i), o.parameters.Get(i))
		}
	}
}

func (o *BaseOptimizer) ParameterNamesString() string {
	return strings.Join(parameter.Names(o.parameters), "\t")
}

func (o *BaseOptimizer) ParameterString() string {
	s := make([]string, o.parameters.Dim())
	for i := range s {
		s[i] = strconv.FormatFloat(o.parameters.Get(i), 'f', 6, 64)
	}
	return strings.Join(s, "\t")
}

func (o *BaseOptimizer) GetL() float64 {
	return o.l
}

func (o *BaseOptimizer) GetMaxL() float64 {
	return o.maxL
}

func (o *BaseOptimizer) Summary() Summary {
	m := make(map[string]float64, len(o.maxLPar))
	for i, v := range o.maxLPar {
		m[o.parameters.ElementName(i)] = v
	}
	return Summary{
		Method:     o.method,
		MaxLnL:     o.maxL,
		Parameters: m,
		Iterations: o.i,
		Calls:      o.calls,
		GradCalls:  o.gradCalls,
	}
}

// New returns an optimizer by name: lbfgsb, bfgs or none.
func New(method string) (Optimizer, error) {
	switch method {
	case "lbfgsb":
		return NewLBFGSB(), nil
	case "bfgs":
		return NewBFGS(), nil
	case "none":
		return NewNone(), nil
	}
	return nil, fmt.Errorf("unknown optimization method: %s", method)
}
