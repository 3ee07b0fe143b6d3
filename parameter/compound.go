package parameter

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDuplicate is returned when the same parameter is added to a
// compound twice.
var ErrDuplicate = errors.New("duplicate parameter")

// Compound is a concatenation of several parameters.
type Compound struct {
	name   string
	parts  []Vector
	offset []int
	dim    int
}

// NewCompound concatenates parameters. A parameter can be present
// only once.
func NewCompound(name string, parts ...Vector) (*Compound, error) {
	c := &Compound{name: name}
	for _, p := range parts {
		if err := c.Append(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Append adds a parameter to the end.
func (c *Compound) Append(p Vector) error {
	for _, q := range c.parts {
		if q == p {
			return fmt.Errorf("%w: %s", ErrDuplicate, p.Name())
		}
	}
	c.parts = append(c.parts, p)
	c.offset = append(c.offset, c.dim)
	c.dim += p.Dim()
	return nil
}

// Parts returns the concatenated parameters.
func (c *Compound) Parts() []Vector {
	return c.parts
}

// Offset returns the position of the first value of the i-th part.
func (c *Compound) Offset(i int) int {
	return c.offset[i]
}

func (c *Compound) locate(i int) (Vector, int) {
	for k := len(c.parts) - 1; k >= 0; k-- {
		if i >= c.offset[k] {
			return c.parts[k], i - c.offset[k]
		}
	}
	panic(fmt.Sprintf("compound %s: index %d out of range", c.name, i))
}

func (c *Compound) Name() string {
	return c.name
}

func (c *Compound) Dim() int {
	return c.dim
}

func (c *Compound) Get(i int) float64 {
	p, j := c.locate(i)
	return p.Get(j)
}

func (c *Compound) Set(i int, v float64) {
	p, j := c.locate(i)
	p.Set(j, v)
}

func (c *Compound) Values(v []float64) []float64 {
	if v == nil {
		v = make([]float64, c.dim)
	}
	for k, p := range c.parts {
		p.Values(v[c.offset[k] : c.offset[k]+p.Dim()])
	}
	return v
}

func (c *Compound) SetValues(v []float64) error {
	if len(v) != c.dim {
		return fmt.Errorf("compound %s: incorrect number of values (%d instead of %d)", c.name, len(v), c.dim)
	}
	for k, p := range c.parts {
		if err := p.SetValues(v[c.offset[k] : c.offset[k]+p.Dim()]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compound) ElementName(i int) string {
	p, j := c.locate(i)
	return p.ElementName(j)
}

func (c *Compound) Min(i int) float64 {
	p, j := c.locate(i)
	return p.Min(j)
}

func (c *Compound) Max(i int) float64 {
	p, j := c.locate(i)
	return p.Max(j)
}

func (c *Compound) ValuesInRange(v []float64) bool {
	if len(v) != c.dim {
		panic("Incorrect number of parameters")
	}
	for k, p := range c.parts {
		if !p.ValuesInRange(v[c.offset[k] : c.offset[k]+p.Dim()]) {
			return false
		}
	}
	return true
}

func (c *Compound) InRange() bool {
	for _, p := range c.parts {
		if !p.InRange() {
			return false
		}
	}
	return true
}

func (c *Compound) Store() {
	for _, p := range c.parts {
		p.Store()
	}
}

func (c *Compound) Restore() {
	for _, p := range c.parts {
		p.Restore()
	}
}

func (c *Compound) Accept() {
	for _, p := range c.parts {
		p.Accept()
	}
}

// Names returns element names of a vector.
func Names(v Vector) []string {
	s := make([]string, v.Dim())
	for i := range s {
		s[i] = v.ElementName(i)
	}
	return s
}

// Map returns element values keyed by element names.
func Map(v Vector) map[string]float64 {
	m := make(map[string]float64, v.Dim())
	for i := 0; i < v.Dim(); i++ {
		m[v.ElementName(i)] = v.Get(i)
	}
	return m
}

// SetMap sets values from a map produced by Map. All the elements
// must be present.
func SetMap(v Vector, m map[string]float64) error {
	values := v.Values(nil)
	for i := range values {
		x, ok := m[v.ElementName(i)]
		if !ok {
			return fmt.Errorf("no value for %s", v.ElementName(i))
		}
		values[i] = x
	}
	return v.SetValues(values)
}

// MarshalJSON encodes element values as a name to value object.
func (c *Compound) MarshalJSON() ([]byte, error) {
	return json.Marshal(Map(c))
}

// UnmarshalJSON sets values from a name to value object.
func (c *Compound) UnmarshalJSON(data []byte) error {
	var m map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	return SetMap(c, m)
}
