package gradient

import (
	"fmt"
	"math"
)

// Difference is the comparison of one element of an analytic gradient
// with its finite-difference approximation.
type Difference struct {
	Name      string
	Analytic  float64
	Numerical float64
}

// Relative returns the relative difference.
func (d Difference) Relative() float64 {
	scale := math.Max(1, math.Max(math.Abs(d.Analytic), math.Abs(d.Numerical)))
	return math.Abs(d.Analytic-d.Numerical) / scale
}

func (d Difference) String() string {
	return fmt.Sprintf("%s\t%g\t%g\t%g", d.Name, d.Analytic, d.Numerical, d.Relative())
}

// Numerical computes the centred finite-difference gradient of logL
// with respect to the parameter of the provider. Parameter values are
// restored afterwards.
func Numerical(p Provider, logL func() float64, step float64) []float64 {
	v := p.Parameter()
	x := v.Values(nil)
	grad := make([]float64, len(x))
	for i := range x {
		old := x[i]
		h := step * math.Max(1, math.Abs(old))
		v.Set(i, old+h)
		up := logL()
		v.Set(i, old-h)
		down := logL()
		v.Set(i, old)
		grad[i] = (up - down) / (2 * h)
	}
	return grad
}

// Check compares the analytic gradient with the finite-difference
// approximation.
func Check(p Provider, logL func() float64, step float64) ([]Difference, error) {
	analytic, err := p.Gradient()
	if err != nil {
		return nil, err
	}
	numerical := Numerical(p, logL, step)
	v := p.Parameter()
	diffs := make([]Difference, len(analytic))
	for i := range analytic {
		diffs[i] = Difference{
			Name:      v.ElementName(i),
			Analytic:  analytic[i],
			Numerical: numerical[i],
		}
		if diffs[i].Relative() > math.Sqrt(step) {
			log.Warningf("gradient of %s: analytic %g, numerical %g", diffs[i].Name, analytic[i], numerical[i])
		}
	}
	return diffs, nil
}
