// Package parameter implements named vectors of model parameters
// with version tokens.
//
// Every change of a value assigns the parameter and the element a new
// version token taken from a global counter. Consumers cache
// computations keyed by the tokens instead of relying on change
// notifications. Store and Restore bring back both values and tokens,
// so anything built before Store is valid again after Restore.
package parameter

import (
	"fmt"
	"math"
	"strconv"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"
)

var versionCounter uint64

func nextVersion() uint64 {
	return atomic.AddUint64(&versionCounter, 1)
}

// Listener is called after a parameter changes.
type Listener func(name string, version uint64)

// Vector is a vector of parameter values. It is implemented by
// *Parameter and *Compound.
type Vector interface {
	Name() string
	Dim() int
	Get(i int) float64
	Set(i int, v float64)
	Values(v []float64) []float64
	SetValues(v []float64) error
	ElementName(i int) string
	Min(i int) float64
	Max(i int) float64
	ValuesInRange(v []float64) bool
	InRange() bool
	Store()
	Restore()
	Accept()
}

type snapshot struct {
	values   []float64
	versions []uint64
	version  uint64
}

// Parameter is a named vector (or a row-major matrix) of values.
type Parameter struct {
	name      string
	rows      int
	cols      int
	values    []float64
	versions  []uint64
	version   uint64
	min       float64
	max       float64
	stored    *snapshot
	listeners []Listener
}

// New creates a vector parameter.
func New(name string, values ...float64) *Parameter {
	return NewMatrix(name, len(values), 1, values...)
}

// NewMatrix creates a rows×cols parameter, values are in row-major
// order.
func NewMatrix(name string, rows, cols int, values ...float64) *Parameter {
	if rows*cols != len(values) {
		panic(fmt.Sprintf("parameter %s: %d values for a %dx%d shape", name, len(values), rows, cols))
	}
	v := nextVersion()
	p := &Parameter{
		name:     name,
		rows:     rows,
		cols:     cols,
		values:   append([]float64(nil), values...),
		versions: make([]uint64, len(values)),
		version:  v,
		min:      math.Inf(-1),
		max:      math.Inf(+1),
	}
	for i := range p.versions {
		p.versions[i] = v
	}
	return p
}

// NewIdentity creates a d×d identity matrix parameter.
func NewIdentity(name string, d int) *Parameter {
	values := make([]float64, d*d)
	for i := 0; i < d; i++ {
		values[i*d+i] = 1
	}
	return NewMatrix(name, d, d, values...)
}

func (p *Parameter) Name() string {
	return p.name
}

func (p *Parameter) Dim() int {
	return len(p.values)
}

func (p *Parameter) Rows() int {
	return p.rows
}

func (p *Parameter) Cols() int {
	return p.cols
}

func (p *Parameter) Get(i int) float64 {
	return p.values[i]
}

// At returns the (i, j) element of a matrix parameter.
func (p *Parameter) At(i, j int) float64 {
	return p.values[i*p.cols+j]
}

// Values copies values to v (allocated if nil) and returns it.
func (p *Parameter) Values(v []float64) []float64 {
	if v == nil {
		v = make([]float64, len(p.values))
	}
	copy(v, p.values)
	return v
}

// Dense returns a copy of the parameter as a matrix.
func (p *Parameter) Dense() *mat.Dense {
	return mat.NewDense(p.rows, p.cols, p.Values(nil))
}

// Sym returns the symmetric part (A+A')/2 of a square matrix
// parameter.
func (p *Parameter) Sym() *mat.SymDense {
	if p.rows != p.cols {
		panic(fmt.Sprintf("parameter %s is not square", p.name))
	}
	d := p.rows
	s := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			s.SetSym(i, j, (p.values[i*d+j]+p.values[j*d+i])/2)
		}
	}
	return s
}

// Set changes a single value. Setting the current value does
// nothing.
func (p *Parameter) Set(i int, v float64) {
	if p.values[i] == v {
		return
	}
	p.values[i] = v
	p.version = nextVersion()
	p.versions[i] = p.version
	p.notify()
}

// SetValues changes all the values at once.
func (p *Parameter) SetValues(v []float64) error {
	if len(v) != len(p.values) {
		return fmt.Errorf("parameter %s: incorrect number of values (%d instead of %d)",
			p.name, len(v), len(p.values))
	}
	changed := false
	var version uint64
	for i, x := range v {
		if p.values[i] == x {
			continue
		}
		if !changed {
			version = nextVersion()
			changed = true
		}
		p.values[i] = x
		p.versions[i] = version
	}
	if changed {
		p.version = version
		p.notify()
	}
	return nil
}

// Version returns the version token of the whole parameter.
func (p *Parameter) Version() uint64 {
	return p.version
}

// ElementVersion returns the version token of a single value.
func (p *Parameter) ElementVersion(i int) uint64 {
	return p.versions[i]
}

// Subscribe registers a listener called after every change.
func (p *Parameter) Subscribe(l Listener) {
	p.listeners = append(p.listeners, l)
}

func (p *Parameter) notify() {
	for _, l := range p.listeners {
		l(p.name, p.version)
	}
}

// SetBounds sets the same bounds for all the values.
func (p *Parameter) SetBounds(min, max float64) {
	p.min = min
	p.max = max
}

func (p *Parameter) Min(i int) float64 {
	return p.min
}

func (p *Parameter) Max(i int) float64 {
	return p.max
}

func (p *Parameter) ValuesInRange(v []float64) bool {
	for _, x := range v {
		if x < p.min || x > p.max || math.IsNaN(x) {
			return false
		}
	}
	return true
}

func (p *Parameter) InRange() bool {
	return p.ValuesInRange(p.values)
}

// ElementName returns name[i] for vectors and name[i,j] for
// matrices.
func (p *Parameter) ElementName(i int) string {
	if p.cols == 1 {
		if len(p.values) == 1 {
			return p.name
		}
		return fmt.Sprintf("%s[%d]", p.name, i)
	}
	return fmt.Sprintf("%s[%d,%d]", p.name, i/p.cols, i%p.cols)
}

// Store saves values and version tokens.
func (p *Parameter) Store() {
	p.stored = &snapshot{
		values:   append([]float64(nil), p.values...),
		versions: append([]uint64(nil), p.versions...),
		version:  p.version,
	}
}

// Restore brings back values and version tokens saved by Store.
func (p *Parameter) Restore() {
	if p.stored == nil {
		return
	}
	changed := p.stored.version != p.version
	copy(p.values, p.stored.values)
	copy(p.versions, p.stored.versions)
	p.version = p.stored.version
	p.stored = nil
	if changed {
		p.notify()
	}
}

// Accept drops the stored state.
func (p *Parameter) Accept() {
	p.stored = nil
}

func (p *Parameter) String() (s string) {
	for i, v := range p.values {
		if i != 0 {
			s += "\t"
		}
		s += strconv.FormatFloat(v, 'f', 6, 64)
	}
	return
}
