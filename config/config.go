// Package config reads model descriptions and wires them into a
// likelihood delegate.
package config

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/op/go-logging"
	"gopkg.in/yaml.v3"
)

var log = logging.MustGetLogger("config")

// Model is the model description.
type Model struct {
	Diffusion DiffusionConfig `yaml:"diffusion"`
	Root      RootConfig      `yaml:"root"`
	Rates     RatesConfig     `yaml:"rates"`
	Data      DataConfig      `yaml:"data"`

	AllowSingular bool `yaml:"allow_singular"`
	Workers       int  `yaml:"workers"`

	// Optimize lists names of the parameters to optimize.
	Optimize []string `yaml:"optimize"`
}

// DiffusionConfig describes the diffusion process. Matrices are lists
// of rows; per-category vectors are one row per branch category.
type DiffusionConfig struct {
	Kind      string      `yaml:"kind"`
	Variance  [][]float64 `yaml:"variance"`
	Precision [][]float64 `yaml:"precision"`
	Drift     [][]float64 `yaml:"drift"`
	Selection [][]float64 `yaml:"selection"`
	Optimum   [][]float64 `yaml:"optimum"`
}

// RootConfig describes the root prior: flat, fixed or conjugate.
type RootConfig struct {
	Prior string    `yaml:"prior"`
	Mean  []float64 `yaml:"mean"`
	Kappa float64   `yaml:"kappa"`
}

// RatesConfig describes the branch rates: none, strict or branch.
// A single value is used for all the branches.
type RatesConfig struct {
	Model     string    `yaml:"model"`
	Values    []float64 `yaml:"values"`
	Normalize bool      `yaml:"normalize"`
}

// DataConfig describes the data model: exact, measurement or factor.
type DataConfig struct {
	Model             string      `yaml:"model"`
	Residual          []float64   `yaml:"residual"`
	ResidualPrecision bool        `yaml:"residual_precision"`
	Loadings          [][]float64 `yaml:"loadings"`
}

// ErrInvalid is returned for an inconsistent model description.
var ErrInvalid = errors.New("invalid model description")

// Load reads a YAML model description. Unknown fields are errors.
func Load(rd io.Reader) (*Model, error) {
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	m := &Model{}
	if err := dec.Decode(m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing model: %w", err)
	}
	m.defaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) defaults() {
	if m.Diffusion.Kind == "" {
		m.Diffusion.Kind = "bm"
	}
	if m.Root.Prior == "" {
		m.Root.Prior = "flat"
	}
	if m.Rates.Model == "" {
		m.Rates.Model = "none"
	}
	if m.Data.Model == "" {
		m.Data.Model = "exact"
	}
}

// Validate checks the description without the data.
func (m *Model) Validate() error {
	d := m.Diffusion
	switch d.Kind {
	case "bm", "drift", "ou", "iou":
	default:
		return fmt.Errorf("%w: unknown diffusion kind %q", ErrInvalid, d.Kind)
	}
	if (d.Variance == nil) == (d.Precision == nil) {
		return fmt.Errorf("%w: exactly one of variance and precision is required", ErrInvalid)
	}
	if d.Kind == "drift" && d.Drift == nil {
		return fmt.Errorf("%w: drift model requires drift", ErrInvalid)
	}
	if (d.Kind == "ou" || d.Kind == "iou") && (d.Selection == nil || d.Optimum == nil) {
		return fmt.Errorf("%w: %s model requires selection and optimum", ErrInvalid, d.Kind)
	}
	if d.Kind == "iou" && m.Data.Model != "" && m.Data.Model != "exact" {
		return fmt.Errorf("%w: integrated OU model requires exact data", ErrInvalid)
	}
	switch m.Root.Prior {
	case "flat", "fixed":
	case "conjugate":
		if !(m.Root.Kappa > 0) || math.IsInf(m.Root.Kappa, 0) {
			return fmt.Errorf("%w: conjugate root prior requires a positive kappa", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown root prior %q", ErrInvalid, m.Root.Prior)
	}
	switch m.Rates.Model {
	case "none", "strict", "branch":
	default:
		return fmt.Errorf("%w: unknown rate model %q", ErrInvalid, m.Rates.Model)
	}
	switch m.Data.Model {
	case "exact":
	case "measurement":
		if m.Data.Residual == nil {
			return fmt.Errorf("%w: measurement error model requires residual", ErrInvalid)
		}
	case "factor":
		if m.Data.Residual == nil || m.Data.Loadings == nil {
			return fmt.Errorf("%w: factor model requires residual and loadings", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown data model %q", ErrInvalid, m.Data.Model)
	}
	if m.Workers < 0 {
		return fmt.Errorf("%w: negative number of workers", ErrInvalid)
	}
	return nil
}
