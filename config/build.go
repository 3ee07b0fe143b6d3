package config

import (
	"fmt"
	"math"
	"sort"

	"bitbucket.org/Davydov/contrait/continuous"
	"bitbucket.org/Davydov/contrait/gradient"
	"bitbucket.org/Davydov/contrait/parameter"
	"bitbucket.org/Davydov/contrait/traits"
	"bitbucket.org/Davydov/contrait/tree"
)

// Wiring is a model built for a tree and a data table.
type Wiring struct {
	Delegate *continuous.Delegate
	// Parameters are model parameters by name.
	Parameters map[string]parameter.Vector
	// Optimized is the concatenation of the parameters to optimize.
	Optimized *parameter.Compound
	// Provider is the gradient with respect to Optimized.
	Provider *gradient.CompoundProvider
}

// Names returns sorted parameter names.
func (w *Wiring) Names() []string {
	names := make([]string, 0, len(w.Parameters))
	for name := range w.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func matrix(name string, rows [][]float64) (*parameter.Parameter, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrInvalid, name)
	}
	cols := len(rows[0])
	values := make([]float64, 0, len(rows)*cols)
	for _, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("%w: %s rows have different lengths", ErrInvalid, name)
		}
		values = append(values, row...)
	}
	return parameter.NewMatrix(name, len(rows), cols, values...), nil
}

// Build wires the model for a tree and a trait table.
func (m *Model) Build(t *tree.Tree, table *traits.Table, opts ...continuous.Option) (*Wiring, error) {
	w := &Wiring{Parameters: make(map[string]parameter.Vector)}
	add := func(p parameter.Vector) {
		w.Parameters[p.Name()] = p
	}

	var mp continuous.Matrix
	if m.Diffusion.Variance != nil {
		p, err := matrix("variance", m.Diffusion.Variance)
		if err != nil {
			return nil, err
		}
		mp = continuous.Variance(p)
	} else {
		p, err := matrix("precision", m.Diffusion.Precision)
		if err != nil {
			return nil, err
		}
		mp = continuous.Precision(p)
	}
	add(mp.Parameter)
	dim := mp.Parameter.Rows()

	var df *continuous.Diffusion
	var err error
	switch m.Diffusion.Kind {
	case "bm":
		df, err = continuous.NewBrownian(mp)
	case "drift":
		var drift *parameter.Parameter
		if drift, err = matrix("drift", m.Diffusion.Drift); err != nil {
			return nil, err
		}
		add(drift)
		df, err = continuous.NewDrift(mp, drift)
	case "ou", "iou":
		var selection, optimum *parameter.Parameter
		if selection, err = matrix("selection", m.Diffusion.Selection); err != nil {
			return nil, err
		}
		if optimum, err = matrix("optimum", m.Diffusion.Optimum); err != nil {
			return nil, err
		}
		add(selection)
		add(optimum)
		if m.Diffusion.Kind == "iou" {
			df, err = continuous.NewIntegratedOU(mp, selection, optimum)
		} else {
			df, err = continuous.NewOU(mp, selection, optimum)
		}
	}
	if err != nil {
		return nil, err
	}

	mean := m.Root.Mean
	if mean == nil {
		mean = make([]float64, df.Dim())
	}
	root := parameter.New("root", mean...)
	add(root)
	var prior *continuous.RootPrior
	switch m.Root.Prior {
	case "flat":
		prior = continuous.FlatRoot(root)
	case "fixed":
		prior = continuous.FixedRoot(root)
	case "conjugate":
		if prior, err = continuous.NewRootPrior(root, m.Root.Kappa); err != nil {
			return nil, err
		}
	}

	var rates *continuous.Rates
	switch m.Rates.Model {
	case "strict", "branch":
		n := 1
		if m.Rates.Model == "branch" {
			n = t.NNodes() - 1
		}
		values := m.Rates.Values
		switch len(values) {
		case 0:
			values = []float64{1}
			fallthrough
		case 1:
			v := values[0]
			values = make([]float64, n)
			for i := range values {
				values[i] = v
			}
		}
		r := parameter.New("rates", values...)
		r.SetBounds(0, math.Inf(+1))
		add(r)
		if m.Rates.Model == "strict" {
			rates = continuous.StrictRates(r)
		} else {
			rates = continuous.BranchRates(r, m.Rates.Normalize)
		}
	}

	y := table.Parameter("traits")
	add(y)
	var data continuous.TraitProvider
	switch m.Data.Model {
	case "exact":
		if df.Kind() == continuous.IntegratedOU {
			data, err = continuous.NewIntegratedTraits(table.Names, y, table.Missing)
		} else {
			data, err = continuous.NewExactTraits(table.Names, y, table.Missing)
		}
	case "measurement":
		residual := parameter.New("residual", m.Data.Residual...)
		residual.SetBounds(0, math.Inf(+1))
		add(residual)
		data, err = continuous.NewMeasurementErrorTraits(table.Names, y, table.Missing,
			residual, m.Data.ResidualPrecision)
	case "factor":
		residual := parameter.New("residual", m.Data.Residual...)
		residual.SetBounds(0, math.Inf(+1))
		add(residual)
		var loadings *parameter.Parameter
		if loadings, err = matrix("loadings", m.Data.Loadings); err != nil {
			return nil, err
		}
		add(loadings)
		data, err = continuous.NewFactorTraits(table.Names, y, table.Missing,
			loadings, residual, m.Data.ResidualPrecision)
	}
	if err != nil {
		return nil, err
	}

	add(continuous.NewNodeHeights("heights", t))

	// options of the caller override the description
	var own []continuous.Option
	if m.AllowSingular {
		own = append(own, continuous.WithAllowSingular())
	}
	if m.Workers > 1 {
		own = append(own, continuous.WithParallel(m.Workers))
	}
	if w.Delegate, err = continuous.NewDelegate(t, df, data, prior, rates, append(own, opts...)...); err != nil {
		return nil, err
	}
	if err := w.optimized(m.Optimize); err != nil {
		return nil, err
	}
	log.Infof("model: %s diffusion, %s root, %s rates, %s data, %d traits",
		df.Kind(), m.Root.Prior, m.Rates.Model, m.Data.Model, dim)
	return w, nil
}

// optimized builds the compound parameter and its gradient.
func (w *Wiring) optimized(names []string) error {
	providers := make([]gradient.Provider, 0, len(names))
	for _, name := range names {
		p, ok := w.Parameters[name]
		if !ok {
			return fmt.Errorf("%w: unknown parameter %q to optimize", ErrInvalid, name)
		}
		g, err := w.Delegate.GradientProvider(p)
		if err != nil {
			return err
		}
		providers = append(providers, g)
	}
	var err error
	if w.Provider, err = gradient.Compound("optimized", providers...); err != nil {
		return err
	}
	w.Optimized = w.Provider.Parameter().(*parameter.Compound)
	return nil
}

// LogLikelihood evaluates the model.
func (w *Wiring) LogLikelihood() float64 {
	return w.Delegate.LogLikelihood()
}

// Parameter returns the optimized parameters.
func (w *Wiring) Parameter() parameter.Vector {
	return w.Optimized
}

// Gradient returns the gradient with respect to the optimized
// parameters.
func (w *Wiring) Gradient() ([]float64, error) {
	return w.Provider.Gradient()
}
