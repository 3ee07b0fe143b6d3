/*
Contrait computes the likelihood of continuous traits evolving along
a phylogenetic tree under Brownian motion, Brownian motion with drift
or the Ornstein-Uhlenbeck process. It reconstructs ancestral values,
computes gradients and optimizes model parameters.

The basic usage looks like this:

	contrait -m model.yaml -t tree.nwk -d traits.tsv lnl

, this will print the log-likelihood of the traits. Other commands
are grad, anc, sample, optimize and brlen.

To see all the options run:

	contrait --help
*/
package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/op/go-logging"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/alecthomas/kingpin.v2"

	"bitbucket.org/Davydov/contrait/continuous"
)

// These three variables are set during the compilation.
var githash = ""
var gitbranch = ""
var buildstamp = ""
var version = fmt.Sprintf("branch: %s, revision: %s, build time: %s", gitbranch, githash, buildstamp)

// Logger settings.
var log = logging.MustGetLogger("contrait")
var formatter = logging.MustStringFormatter(`%{message}`)

// command-line options
var (
	// application
	app = kingpin.New("contrait", "continuous trait likelihood on phylogenies").Version(version)

	// input
	modelF  = app.Flag("model", "model description (YAML)").Short('m').ExistingFile()
	treeF   = app.Flag("tree", "phylogenetic tree (newick)").Short('t').ExistingFile()
	traitsF = app.Flag("traits", "trait table").Short('d').ExistingFile()

	// technical
	nThreads   = app.Flag("nt", "number of threads to use").Int()
	seed       = app.Flag("seed", "random generator seed, default time based").Default("-1").Int64()
	cpuProfile = app.Flag("cpuprofile", "write cpu profile to file").String()
	metricsF   = app.Flag("metrics", "write prometheus metrics to a file").String()

	// output
	outLogF  = app.Flag("log", "write log to a file").String()
	logLevel = app.Flag("loglevel", "set loglevel "+
		"('critical', 'error', 'warning', 'notice', 'info', 'debug')").
		Default("notice").
		Enum("critical", "error", "warning", "notice", "info", "debug")
	jsonF = app.Flag("json", "write json output to a file").String()

	// commands
	lnlCmd = app.Command("lnl", "compute the log-likelihood")

	gradCmd   = app.Command("grad", "compute the gradient with respect to the optimized parameters")
	gradCheck = gradCmd.Flag("check", "compare with the finite-difference gradient").Bool()
	gradStep  = gradCmd.Flag("step", "finite difference step").Default("1e-6").Float64()

	ancCmd    = app.Command("anc", "reconstruct ancestral values")
	ancNewick = ancCmd.Flag("newick", "write the annotated tree to a file").String()
	ancPlot   = ancCmd.Flag("plot", "draw a phenogram to a file (png, svg or pdf)").String()
	ancTrait  = ancCmd.Flag("trait", "trait to draw").Default("0").Int()

	sampleCmd = app.Command("sample", "draw node values from the posterior")
	sampleN   = sampleCmd.Flag("n", "number of samples").Short('n').Default("1").Int()

	optCmd      = app.Command("optimize", "maximize the likelihood")
	method      = optCmd.Flag("method", "optimization method (lbfgsb, bfgs, none)").Default("lbfgsb").Enum("lbfgsb", "bfgs", "none")
	iterations  = optCmd.Flag("iter", "number of iterations").Default("10000").Int()
	report      = optCmd.Flag("report", "report every N iterations").Default("10").Int()
	outF        = optCmd.Flag("out", "write optimization trajectory to a file").String()
	outTreeF    = optCmd.Flag("outtree", "write tree to a file").String()
	startF      = optCmd.Flag("start", "read start position from the trajectory or JSON file").ExistingFile()
	checkpointF = optCmd.Flag("checkpoint", "checkpoint database").String()
	cpSeconds   = optCmd.Flag("checkpoint-seconds", "save checkpoint at most every N seconds").Default("60").Float64()

	brlenCmd = app.Command("brlen", "print branch lengths and node heights")
)

func setupLogging() (done func()) {
	logging.SetFormatter(formatter)

	done = func() {}
	var backend *logging.LogBackend
	if *outLogF != "" {
		f, err := os.OpenFile(*outLogF, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatal("Error creating log file:", err)
		}
		done = func() { f.Close() }
		backend = logging.NewLogBackend(f, "", 0)
	} else {
		backend = logging.NewLogBackend(os.Stderr, "", 0)
	}
	logging.SetBackend(backend)

	level, err := logging.LogLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	for _, module := range []string{"contrait", "continuous", "config", "gradient", "optimize", "checkpoint"} {
		logging.SetLevel(level, module)
	}
	return done
}

func writeJSON(summary *RunSummary) {
	j, err := json.Marshal(summary)
	if err != nil {
		log.Error(err)
		return
	}
	log.Debug(string(j))
	f, err := os.Create(*jsonF)
	if err != nil {
		log.Error("Error creating json output file:", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(j); err != nil {
		log.Error(err)
	}
}

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	defer setupLogging()()

	// print revision
	log.Info(version)

	// print commandline
	log.Info("Command line:", os.Args)

	if *seed == -1 {
		*seed = time.Now().UnixNano()
		log.Debug("Random seed from time")
	}
	log.Infof("Random seed=%v", *seed)
	rng := rand.New(rand.NewSource(*seed))

	runtime.GOMAXPROCS(*nThreads)
	effectiveNThreads := runtime.GOMAXPROCS(0)
	log.Infof("Using threads: %d.", effectiveNThreads)

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal(err)
		}
		defer pprof.StopCPUProfile()
	}

	reg := prometheus.NewRegistry()
	metrics := continuous.NewMetrics(reg)

	startTime := time.Now()
	summary := &RunSummary{
		Version:     version,
		CommandLine: os.Args,
		Command:     command,
		Seed:        *seed,
		NThreads:    effectiveNThreads,
	}

	var err error
	switch command {
	case lnlCmd.FullCommand():
		err = runLnL(summary, metrics)
	case gradCmd.FullCommand():
		err = runGrad(summary, metrics)
	case ancCmd.FullCommand():
		err = runAnc(summary, metrics)
	case sampleCmd.FullCommand():
		err = runSample(summary, metrics, rng)
	case optCmd.FullCommand():
		err = runOptimize(summary, metrics)
	case brlenCmd.FullCommand():
		err = runBrLen()
	}
	if err != nil {
		log.Fatal(err)
	}

	deltaT := time.Since(startTime)
	log.Noticef("Running time: %v", deltaT)
	summary.Time = deltaT.Seconds()

	if *metricsF != "" {
		if err := prometheus.WriteToTextfile(*metricsF, reg); err != nil {
			log.Error("Error writing metrics:", err)
		}
	}

	// output summary in json format
	if *jsonF != "" {
		writeJSON(summary)
	}
}
