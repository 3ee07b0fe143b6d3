package continuous

import (
	"errors"
	"fmt"
	"math"
)

// Failure is the reason of a numerical failure of an evaluation.
type Failure int

const (
	// None means the evaluation succeeded.
	None Failure = iota
	// Singular means a matrix which has to be positive definite is
	// not, or two point masses meet.
	Singular
	// NonFinite means a NaN or an infinity appeared.
	NonFinite
	// OutOfBounds means a parameter value is outside of its domain.
	OutOfBounds
	// NotDecomposable means the selection strength matrix has no real
	// positive eigen-decomposition.
	NotDecomposable
)

func (f Failure) String() string {
	switch f {
	case None:
		return "none"
	case Singular:
		return "singular"
	case NonFinite:
		return "non-finite"
	case OutOfBounds:
		return "out-of-bounds"
	case NotDecomposable:
		return "not-decomposable"
	}
	return fmt.Sprintf("failure(%d)", int(f))
}

// Result is the outcome of a likelihood evaluation.
type Result struct {
	LogL    float64
	Failure Failure
	// Node is the node where the failure was detected, -1 if not
	// applicable.
	Node int
}

// OK returns true if the evaluation succeeded.
func (r Result) OK() bool {
	return r.Failure == None
}

func failed(f Failure, node int) Result {
	return Result{LogL: math.Inf(-1), Failure: f, Node: node}
}

// FailureError is returned by gradient providers when the evaluation
// failed numerically.
type FailureError struct {
	Reason Failure
	Node   int
}

func (e *FailureError) Error() string {
	if e.Node >= 0 {
		return fmt.Sprintf("numerical failure (%v) at node %d", e.Reason, e.Node)
	}
	return fmt.Sprintf("numerical failure (%v)", e.Reason)
}

// Configuration errors.
var (
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrNotDecomposable   = errors.New("selection strength matrix is not decomposable")
	ErrRankDeficient     = errors.New("rank deficient loadings")
	ErrUnknownTip        = errors.New("unknown tip")
	ErrPrecisionType     = errors.New("incompatible precision type")
	ErrUnknownParameter  = errors.New("parameter is not used by the model")
)
