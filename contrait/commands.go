package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"syscall"

	bolt "go.etcd.io/bbolt"

	"bitbucket.org/Davydov/contrait/checkpoint"
	"bitbucket.org/Davydov/contrait/config"
	"bitbucket.org/Davydov/contrait/continuous"
	"bitbucket.org/Davydov/contrait/gradient"
	"bitbucket.org/Davydov/contrait/optimize"
	"bitbucket.org/Davydov/contrait/parameter"
	"bitbucket.org/Davydov/contrait/traits"
	"bitbucket.org/Davydov/contrait/tree"
)

// inputs are the raw input files.
type inputs struct {
	model, tree, traits []byte
}

func readInputs(needData bool) (*inputs, error) {
	in := &inputs{}
	var err error
	if *treeF == "" {
		return nil, errors.New("tree file is required (--tree)")
	}
	if in.tree, err = os.ReadFile(*treeF); err != nil {
		return nil, err
	}
	if !needData {
		return in, nil
	}
	if *modelF == "" || *traitsF == "" {
		return nil, errors.New("model and trait files are required (--model, --traits)")
	}
	if in.model, err = os.ReadFile(*modelF); err != nil {
		return nil, err
	}
	if in.traits, err = os.ReadFile(*traitsF); err != nil {
		return nil, err
	}
	return in, nil
}

// engineOptions are the delegate options set on the command line.
// They override the model description.
func engineOptions(metrics *continuous.Metrics, threads int) []continuous.Option {
	opts := []continuous.Option{continuous.WithMetrics(metrics)}
	if threads > 1 {
		opts = append(opts, continuous.WithParallel(threads))
	}
	return opts
}

// load reads the inputs and wires the model.
func load(metrics *continuous.Metrics) (*config.Wiring, *inputs, error) {
	in, err := readInputs(true)
	if err != nil {
		return nil, nil, err
	}
	m, err := config.Load(bytes.NewReader(in.model))
	if err != nil {
		return nil, nil, err
	}
	t, err := tree.ParseNewick(bytes.NewReader(in.tree))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing tree: %w", err)
	}
	log.Debugf("intree=%s", t)
	log.Debugf("brtree=%s", t.BrString())
	table, err := traits.ParseTable(bytes.NewReader(in.traits))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing traits: %w", err)
	}
	log.Infof("Read %d taxa, %d traits, %d missing values", len(table.Names), len(table.Traits), table.NMissing())
	w, err := m.Build(t, table, engineOptions(metrics, *nThreads)...)
	if err != nil {
		return nil, nil, err
	}
	log.Infof("Optimized parameters: %d", w.Optimized.Dim())
	return w, in, nil
}

func failure(r continuous.Result) error {
	return &continuous.FailureError{Reason: r.Failure, Node: r.Node}
}

func runLnL(summary *RunSummary, metrics *continuous.Metrics) error {
	w, _, err := load(metrics)
	if err != nil {
		return err
	}
	r := w.Delegate.Evaluate()
	if !r.OK() {
		return failure(r)
	}
	fmt.Printf("lnL=%f\n", r.LogL)
	summary.LnL = r.LogL
	summary.Parameters = parameter.Map(w.Optimized)
	summary.Evaluations = w.Delegate.Stats().Evaluations
	return nil
}

func runGrad(summary *RunSummary, metrics *continuous.Metrics) error {
	w, _, err := load(metrics)
	if err != nil {
		return err
	}
	if w.Optimized.Dim() == 0 {
		return errors.New("no parameters to differentiate, set optimize in the model")
	}
	g, err := w.Gradient()
	if err != nil {
		return err
	}
	summary.LnL = w.LogLikelihood()
	summary.Parameters = parameter.Map(w.Optimized)
	summary.Gradient = make(map[string]float64, len(g))
	for i, v := range g {
		name := w.Optimized.ElementName(i)
		summary.Gradient[name] = v
		fmt.Printf("%s\t%g\n", name, v)
	}
	if *gradCheck {
		diffs, err := gradient.Check(w.Provider, w.LogLikelihood, *gradStep)
		if err != nil {
			return err
		}
		fmt.Println("parameter\tanalytic\tnumerical\trelative")
		for _, d := range diffs {
			fmt.Println(d)
		}
		summary.Check = diffs
	}
	summary.Evaluations = w.Delegate.Stats().Evaluations
	return nil
}

func runAnc(summary *RunSummary, metrics *continuous.Metrics) error {
	w, _, err := load(metrics)
	if err != nil {
		return err
	}
	po := continuous.NewPreOrder(w.Delegate)
	nodes, r := po.Reconstruct()
	if !r.OK() {
		return failure(r)
	}
	summary.LnL = r.LogL
	fmt.Println("node\tname\tmean\tvariance")
	for _, nt := range nodes {
		ns := NodeSummary{Node: nt.Node, Name: nt.Name, Mean: nt.Mean}
		for j := range nt.Mean {
			ns.Variance = append(ns.Variance, nt.Variance.At(j, j))
		}
		summary.Ancestral = append(summary.Ancestral, ns)
		fmt.Printf("%d\t%s\t%v\t%v\n", ns.Node, ns.Name, ns.Mean, ns.Variance)
	}
	if *ancNewick != "" {
		s, r := po.AnnotatedNewick()
		if !r.OK() {
			return failure(r)
		}
		if err := os.WriteFile(*ancNewick, []byte(s+"\n"), 0666); err != nil {
			return err
		}
	}
	if *ancPlot != "" {
		if err := phenogram(w.Delegate.Tree(), nodes, *ancTrait, *ancPlot); err != nil {
			return err
		}
	}
	summary.Evaluations = w.Delegate.Stats().Evaluations
	return nil
}

func runSample(summary *RunSummary, metrics *continuous.Metrics, rng *rand.Rand) error {
	w, _, err := load(metrics)
	if err != nil {
		return err
	}
	po := continuous.NewPreOrder(w.Delegate)
	nodes := w.Delegate.Tree().Nodes()
	fmt.Println("sample\tnode\tname\tvalue")
	for i := 0; i < *sampleN; i++ {
		x, r := po.Sample(rng)
		if !r.OK() {
			return failure(r)
		}
		summary.LnL = r.LogL
		summary.Samples = append(summary.Samples, x)
		for id, v := range x {
			fmt.Printf("%d\t%d\t%s\t%v\n", i, id, nodes[id].Name, v)
		}
	}
	summary.Evaluations = w.Delegate.Stats().Evaluations
	return nil
}

// lastLine returns the last line of a file content.
func lastLine(fn string) (line string, err error) {
	f, err := os.Open(fn)
	if err != nil {
		return line, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line = scanner.Text()
	}
	err = scanner.Err()
	return line, err
}

// readStart sets the parameters from the last line of a trajectory
// file or from a JSON object.
func readStart(par parameter.Vector, fn string) error {
	l, err := lastLine(fn)
	if err == nil {
		var values []float64
		if values, err = optimize.ReadFloats(l); err == nil {
			// iteration and likelihood precede the values
			if len(values) == par.Dim()+2 {
				return par.SetValues(values[2:])
			}
			err = fmt.Errorf("trajectory line has %d values, %d expected", len(values), par.Dim()+2)
		}
	}
	log.Debug("Reading start file as JSON")
	b, err2 := os.ReadFile(fn)
	if err2 == nil {
		var m map[string]float64
		if err2 = json.Unmarshal(b, &m); err2 == nil {
			err2 = parameter.SetMap(par, m)
		}
	}
	if err2 != nil {
		log.Error("Error reading start position from JSON:", err2)
		return fmt.Errorf("error reading start position from trajectory file: %w", err)
	}
	return nil
}

func runOptimize(summary *RunSummary, metrics *continuous.Metrics) error {
	w, in, err := load(metrics)
	if err != nil {
		return err
	}
	par := w.Optimized
	if *startF != "" {
		if err := readStart(par, *startF); err != nil {
			return err
		}
		if !par.InRange() {
			return errors.New("initial parameters are not in the range")
		}
	}

	name := *method
	var cp *checkpoint.CheckpointIO
	if *checkpointF != "" {
		db, err := bolt.Open(*checkpointF, 0600, nil)
		if err != nil {
			return fmt.Errorf("opening checkpoint database: %w", err)
		}
		defer db.Close()
		cp = checkpoint.NewCheckpointIO(db, checkpoint.Key(in.model, in.tree, in.traits, []byte(name)), *cpSeconds)
		data, err := cp.GetParameters()
		if err != nil {
			log.Error("Error reading checkpoint:", err)
		}
		if data != nil {
			if err := parameter.SetMap(par, data.Parameters); err != nil {
				return fmt.Errorf("restoring checkpoint: %w", err)
			}
			if data.Final {
				name = "none"
			}
		}
	}

	opt, err := optimize.New(name)
	if err != nil {
		return err
	}
	log.Infof("Using %s optimization.", name)

	out := os.Stdout
	if *outF != "" {
		f, err := os.Create(*outF)
		if err != nil {
			return fmt.Errorf("error creating trajectory file: %w", err)
		}
		defer f.Close()
		out = f
	}
	opt.SetOutput(out)
	opt.SetOptimizable(w)
	opt.SetCheckpointIO(cp)
	opt.SetReportPeriod(*report)
	opt.WatchSignals(os.Interrupt, syscall.SIGTERM)

	if err := opt.Run(*iterations); err != nil {
		log.Error(err)
	}
	s := opt.Summary()
	summary.Optimizer = &s
	summary.LnL = w.LogLikelihood()
	summary.Parameters = parameter.Map(par)

	t := w.Delegate.Tree()
	log.Infof("outtree=%s", t)
	summary.FinalTree = t.ClassString()
	if *outTreeF != "" {
		if err := os.WriteFile(*outTreeF, []byte(t.String()+"\n"), 0666); err != nil {
			log.Error("Error creating tree output file:", err)
		}
	}
	summary.Evaluations = w.Delegate.Stats().Evaluations
	return nil
}

func runBrLen() error {
	in, err := readInputs(false)
	if err != nil {
		return err
	}
	t, err := tree.ParseNewick(bytes.NewReader(in.tree))
	if err != nil {
		return err
	}
	fmt.Println(t.BrString())
	heights := t.Heights()
	for _, node := range t.Nodes() {
		fmt.Printf("br%d=%f\theight=%f\n", node.Id, node.BranchLength(), heights[node.Id])
	}
	return nil
}
