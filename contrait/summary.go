package main

import (
	"bitbucket.org/Davydov/contrait/gradient"
	"bitbucket.org/Davydov/contrait/optimize"
)

// RunSummary is the JSON output of a run.
type RunSummary struct {
	// Version stores contrait version.
	Version string `json:"version"`
	// CommandLine is an array storing binary name and all command-line parameters.
	CommandLine []string `json:"commandLine"`
	// Command is the subcommand.
	Command string `json:"command"`
	// Seed is the seed used for random number generation initialization.
	Seed int64 `json:"seed"`
	// NThreads is the number of processes used.
	NThreads int `json:"nThreads"`
	// Time is the computations time in seconds.
	Time float64 `json:"time"`

	// LnL is the log-likelihood at the final parameter values.
	LnL float64 `json:"lnL"`
	// Parameters are the final parameter values.
	Parameters map[string]float64 `json:"parameters,omitempty"`
	// Gradient is the gradient of the optimized parameters.
	Gradient map[string]float64 `json:"gradient,omitempty"`
	// Check compares the gradient with finite differences.
	Check []gradient.Difference `json:"check,omitempty"`
	// Optimizer is the optimization summary.
	Optimizer *optimize.Summary `json:"optimizer,omitempty"`
	// Ancestral are the reconstructed node values.
	Ancestral []NodeSummary `json:"ancestral,omitempty"`
	// Samples are joint draws of node values, indexed by node id.
	Samples [][][]float64 `json:"samples,omitempty"`
	// FinalTree is the tree after the optimization.
	FinalTree string `json:"finalTree,omitempty"`
	// Evaluations is the number of likelihood evaluations.
	Evaluations int `json:"evaluations"`
}

// NodeSummary is the reconstruction of one node.
type NodeSummary struct {
	Node     int       `json:"node"`
	Name     string    `json:"name,omitempty"`
	Mean     []float64 `json:"mean"`
	Variance []float64 `json:"variance"`
}
