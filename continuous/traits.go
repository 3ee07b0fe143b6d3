package continuous

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/contrait/parameter"
)

// TraitProvider supplies tip messages. It is implemented by
// *ExactTraits, *MeasurementErrorTraits and *FactorTraits.
type TraitProvider interface {
	// Names returns taxon names, one per data row.
	Names() []string
	// Dim returns the dimension of the process on the tree.
	Dim() int
	// Values returns the observations, one row per taxon.
	Values() *parameter.Parameter
	// Observed tells if the coordinate j of the row is observed.
	Observed(row, j int) bool

	check(allowSingular bool) error
	validate() Failure
	tipMessage(row int) *message
	version(row int) uint64
}

// observations are tip values with a missingness mask.
type observations struct {
	names   []string
	y       *parameter.Parameter
	missing [][]bool
}

func newObservations(names []string, y *parameter.Parameter, missing [][]bool) (observations, error) {
	o := observations{names: names, y: y, missing: missing}
	if y == nil || y.Rows() != len(names) {
		return o, fmt.Errorf("%w: %d names for trait values", ErrDimensionMismatch, len(names))
	}
	if missing != nil && len(missing) != len(names) {
		return o, fmt.Errorf("%w: %d missingness rows for %d taxa", ErrDimensionMismatch, len(missing), len(names))
	}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return o, fmt.Errorf("duplicate taxon %s", name)
		}
		seen[name] = true
	}
	return o, nil
}

func (o *observations) Names() []string {
	return o.names
}

func (o *observations) Values() *parameter.Parameter {
	return o.y
}

func (o *observations) p() int {
	return o.y.Cols()
}

// Observed panics if the mask does not cover the coordinate.
func (o *observations) Observed(row, j int) bool {
	if o.missing == nil || o.missing[row] == nil {
		return true
	}
	if len(o.missing[row]) != o.p() {
		panic(fmt.Sprintf("missingness mask of %s has %d entries, %d traits",
			o.names[row], len(o.missing[row]), o.p()))
	}
	return !o.missing[row][j]
}

func (o *observations) row(row int) ([]float64, []bool) {
	p := o.p()
	y := make([]float64, p)
	mask := make([]bool, p)
	for j := 0; j < p; j++ {
		mask[j] = o.Observed(row, j)
		if mask[j] {
			y[j] = o.y.At(row, j)
		}
	}
	return y, mask
}

func (o *observations) rowVersion(row int) uint64 {
	p := o.p()
	return maxVersion(o.y, row*p, (row+1)*p)
}

// ExactTraits are observations without error. Observed coordinates
// are point masses at the values.
type ExactTraits struct {
	observations
	// latent leading coordinates of the node state are not observed.
	latent int
}

// NewExactTraits creates exact observations. y has one row per name;
// missing may be nil if every value is observed.
func NewExactTraits(names []string, y *parameter.Parameter, missing [][]bool) (*ExactTraits, error) {
	o, err := newObservations(names, y, missing)
	if err != nil {
		return nil, err
	}
	return &ExactTraits{observations: o}, nil
}

// NewIntegratedTraits creates exact observations of the trait part of
// the integrated Ornstein-Uhlenbeck state. The rate of change is never
// observed.
func NewIntegratedTraits(names []string, y *parameter.Parameter, missing [][]bool) (*ExactTraits, error) {
	et, err := NewExactTraits(names, y, missing)
	if err != nil {
		return nil, err
	}
	et.latent = et.p()
	return et, nil
}

func (et *ExactTraits) Dim() int {
	return et.latent + et.p()
}

func (et *ExactTraits) check(bool) error {
	return nil
}

func (et *ExactTraits) validate() Failure {
	return None
}

func (et *ExactTraits) tipMessage(row int) *message {
	y, mask := et.row(row)
	if et.latent == 0 {
		return pointMass(mask, y)
	}
	return pointMass(append(make([]bool, et.latent), mask...), append(make([]float64, et.latent), y...))
}

func (et *ExactTraits) version(row int) uint64 {
	return et.rowVersion(row)
}

// FactorTraits is the latent factor model: an observation y (p
// traits) is L f + N(0, diag ψ), where the factor f (k dimensions)
// evolves on the tree. The factor is integrated out at the tips.
type FactorTraits struct {
	observations
	loadings  *parameter.Parameter
	residual  *parameter.Parameter
	precision bool
}

// NewFactorTraits creates the factor model with p×k loadings and a
// residual variance vector ψ (or the residual precision 1/ψ if
// precision is set).
func NewFactorTraits(names []string, y *parameter.Parameter, missing [][]bool,
	loadings, residual *parameter.Parameter, precision bool) (*FactorTraits, error) {
	o, err := newObservations(names, y, missing)
	if err != nil {
		return nil, err
	}
	ft := &FactorTraits{observations: o, loadings: loadings, residual: residual, precision: precision}
	if loadings == nil || loadings.Rows() != o.p() || loadings.Cols() == 0 {
		return nil, fmt.Errorf("%w: loadings must be a %d x k matrix", ErrDimensionMismatch, o.p())
	}
	if residual == nil || residual.Dim() != o.p() {
		return nil, fmt.Errorf("%w: residual must have %d values", ErrDimensionMismatch, o.p())
	}
	for j := 0; j < residual.Dim(); j++ {
		if !(residual.Get(j) > 0) || math.IsInf(residual.Get(j), 0) {
			return nil, fmt.Errorf("%w: residual %s has a non-positive entry %v",
				ErrRankDeficient, residual.ElementName(j), residual.Get(j))
		}
	}
	return ft, nil
}

// MeasurementErrorTraits are observations with independent normal
// errors: the factor model with identity loadings.
type MeasurementErrorTraits struct {
	FactorTraits
}

// NewMeasurementErrorTraits creates observations with error variances
// ψ (or precisions 1/ψ if precision is set).
func NewMeasurementErrorTraits(names []string, y *parameter.Parameter, missing [][]bool,
	residual *parameter.Parameter, precision bool) (*MeasurementErrorTraits, error) {
	if y == nil {
		return nil, fmt.Errorf("%w: no trait values", ErrDimensionMismatch)
	}
	ft, err := NewFactorTraits(names, y, missing, parameter.NewIdentity("identity", y.Cols()), residual, precision)
	if err != nil {
		return nil, err
	}
	return &MeasurementErrorTraits{*ft}, nil
}

func (ft *FactorTraits) Dim() int {
	return ft.loadings.Cols()
}

// Loadings returns the loadings parameter.
func (ft *FactorTraits) Loadings() *parameter.Parameter {
	return ft.loadings
}

// Residual returns the residual variance (or precision) parameter.
func (ft *FactorTraits) Residual() *parameter.Parameter {
	return ft.residual
}

// ResidualPrecision tells if the residual is a precision.
func (ft *FactorTraits) ResidualPrecision() bool {
	return ft.precision
}

// psi returns the residual variance of the trait j.
func (ft *FactorTraits) psi(j int) float64 {
	if ft.precision {
		return 1 / ft.residual.Get(j)
	}
	return ft.residual.Get(j)
}

func (ft *FactorTraits) check(allowSingular bool) error {
	if allowSingular {
		return nil
	}
	l := ft.loadings.Dense()
	var ltl mat.SymDense
	ltl.SymOuterK(1, l.T())
	var chol mat.Cholesky
	if ok := chol.Factorize(&ltl); !ok || chol.Cond() > maxCondition {
		return fmt.Errorf("%w: loadings %s do not have full column rank", ErrRankDeficient, ft.loadings.Name())
	}
	return nil
}

func (ft *FactorTraits) validate() Failure {
	for j := 0; j < ft.residual.Dim(); j++ {
		if v := ft.residual.Get(j); !(v > 0) || math.IsInf(v, +1) {
			return OutOfBounds
		}
	}
	if !finiteMatrix(ft.loadings.Dense()) {
		return NonFinite
	}
	return None
}

// tipMessage is the likelihood of the observed coordinates as a
// function of the factor:
//
//	P = L_O' Ψ_O^-1 L_O, h = L_O' Ψ_O^-1 y_O.
func (ft *FactorTraits) tipMessage(row int) *message {
	k := ft.Dim()
	y, mask := ft.row(row)
	m := newMessage(k)
	for j, obs := range mask {
		if !obs {
			continue
		}
		psi := ft.psi(j)
		lj := make([]float64, k)
		for a := range lj {
			lj[a] = ft.loadings.At(j, a)
		}
		m.p.SymRankOne(m.p, 1/psi, mat.NewVecDense(k, lj))
		for a := range lj {
			m.h[a] += lj[a] * y[j] / psi
		}
		m.c -= 0.5 * (log2Pi + math.Log(psi) + y[j]*y[j]/psi)
	}
	return m
}

func (ft *FactorTraits) version(row int) uint64 {
	v := ft.rowVersion(row)
	if w := ft.loadings.Version(); w > v {
		v = w
	}
	if w := ft.residual.Version(); w > v {
		v = w
	}
	return v
}
