// Package gradient combines gradients of the log-likelihood with
// respect to parameters.
package gradient

import (
	"errors"
	"fmt"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/floats"

	"bitbucket.org/Davydov/contrait/parameter"
)

var log = logging.MustGetLogger("gradient")

// ErrParameterMismatch is returned when combined providers do not
// agree on the parameter.
var ErrParameterMismatch = errors.New("providers disagree on the parameter")

// Provider is a gradient aligned with a parameter vector.
type Provider interface {
	Parameter() parameter.Vector
	Gradient() ([]float64, error)
}

// SumProvider adds gradients of the same parameter, e.g. from several
// data partitions sharing one model.
type SumProvider struct {
	providers []Provider
}

// Sum creates the sum of gradients. All the providers must use the
// same parameter.
func Sum(providers ...Provider) (*SumProvider, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: no providers", ErrParameterMismatch)
	}
	p := providers[0].Parameter()
	for _, q := range providers[1:] {
		if q.Parameter() != p {
			return nil, fmt.Errorf("%w: %s and %s", ErrParameterMismatch, p.Name(), q.Parameter().Name())
		}
	}
	return &SumProvider{providers: providers}, nil
}

func (s *SumProvider) Parameter() parameter.Vector {
	return s.providers[0].Parameter()
}

func (s *SumProvider) Gradient() ([]float64, error) {
	var sum []float64
	for _, p := range s.providers {
		g, err := p.Gradient()
		if err != nil {
			return nil, err
		}
		if sum == nil {
			sum = make([]float64, len(g))
		}
		if len(g) != len(sum) {
			return nil, fmt.Errorf("%w: gradient of %s has %d values, %d expected",
				ErrParameterMismatch, p.Parameter().Name(), len(g), len(sum))
		}
		floats.Add(sum, g)
	}
	return sum, nil
}

// CompoundProvider concatenates gradients of different parameters.
type CompoundProvider struct {
	providers []Provider
	param     *parameter.Compound
}

// Compound concatenates gradients. The parameter is the concatenation
// of the provider parameters, which must be distinct.
func Compound(name string, providers ...Provider) (*CompoundProvider, error) {
	c, err := parameter.NewCompound(name)
	if err != nil {
		return nil, err
	}
	for _, p := range providers {
		if err := c.Append(p.Parameter()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParameterMismatch, err)
		}
	}
	return &CompoundProvider{providers: providers, param: c}, nil
}

func (c *CompoundProvider) Parameter() parameter.Vector {
	return c.param
}

func (c *CompoundProvider) Gradient() ([]float64, error) {
	grad := make([]float64, 0, c.param.Dim())
	for _, p := range c.providers {
		g, err := p.Gradient()
		if err != nil {
			return nil, err
		}
		if len(g) != p.Parameter().Dim() {
			return nil, fmt.Errorf("%w: gradient of %s has %d values, %d expected",
				ErrParameterMismatch, p.Parameter().Name(), len(g), p.Parameter().Dim())
		}
		grad = append(grad, g...)
	}
	return grad, nil
}
