// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// hlo_softmax_rewriter reads HLO modules in text format, fuses their softmax-like diamond chains into
// "triton softmax" custom fusions, and reports what was fused.
//
// Usage:
//
//	hlo_softmax_rewriter [flags] <module.hlo> [<module2.hlo> ...]
//
// Use --num_samples to check the rewritten modules compute the same values as the original ones, and
// --dump_to to save the modules before and after each pass.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/hlofusion/internal/workerspool"
	"github.com/gomlx/hlofusion/pkg/device"
	"github.com/gomlx/hlofusion/pkg/passes/softmax"
	"github.com/gomlx/hlofusion/pkg/support/sets"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagDevice = flag.String("device", "a100",
		fmt.Sprintf("Target device, one of: %s.", strings.Join(device.Names(), ", ")))
	flagExcludeThreads = flag.String("exclude_threads", "",
		"Comma-separated list of execution threads whose computations are left untouched.")
	flagTrivialOps = flag.String("trivial_ops", "default",
		`Operations considered trivial when matching diamonds: "default" (conversions, reshapes, bitcasts, `+
			`elementwise unary and binary with a splat) or "strict" (only conversions, reshapes and bitcasts).`)
	flagVerify     = flag.Bool("verify", true, "Verify the modules before and after each pass.")
	flagNumSamples = flag.Int("num_samples", 0,
		"If > 0, evaluates the original and the rewritten modules on that many random inputs, "+
			"and checks the results are bitwise identical.")
	flagSeed   = flag.Uint64("seed", 42, "Seed of the random inputs used by --num_samples.")
	flagPrint  = flag.Bool("print", false, "Print the rewritten modules to the standard output.")
	flagDumpTo = flag.String("dump_to", "",
		"Directory where to save the modules before and after each pass. A new sub-directory is created for each run.")
	flagOutputDir = flag.String("output_dir", "",
		"If set, the rewritten modules are saved in this directory, with the same file names as the inputs.")
	flagParallelism = flag.Int("parallelism", runtime.NumCPU(),
		"Number of modules processed in parallel. 0 processes them sequentially.")
	flagNoColor = flag.Bool("no_color", false, "Disable colors and the progress bar.")
)

// config of a run, built from the flags.
type config struct {
	device          *device.Description
	excludedThreads sets.Set[string]
	trivialOps      softmax.TrivialOpsPolicy
	verify          bool
	numSamples      int
	seed            uint64
	dumpDir         string
	outputDir       string
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing HLO module files to rewrite. See 'hlo_softmax_rewriter -help'.")
		os.Exit(1)
	}
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	cfg, err := newConfig()
	if err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
	if cfg.dumpDir != "" {
		fmt.Printf("Dumping modules to %s\n", cfg.dumpDir)
	}

	pool := workerspool.NewWithParallelism(*flagParallelism)
	results := make([]*result, len(args))
	progress := newProgress(len(args), !*flagNoColor)
	err = pool.ForEach(len(args), func(ii int) error {
		results[ii] = &result{path: args[ii], err: errors.New("rewrite aborted")}
		results[ii] = cfg.rewriteFile(ii, args[ii])
		progress.done(results[ii])
		return results[ii].err
	})
	progress.finish()
	if err != nil {
		klog.V(1).Infof("first failure: %+v", err)
	}

	if *flagPrint {
		for _, res := range results {
			if res.rewritten != nil {
				fmt.Println(res.rewritten)
			}
		}
	}
	report(cfg, results)
	for _, res := range results {
		if res.err != nil {
			os.Exit(1)
		}
	}
}

// newConfig builds the configuration from the flags. It creates the dump and output directories if needed.
func newConfig() (*config, error) {
	d, err := device.ByName(*flagDevice)
	if err != nil {
		return nil, err
	}
	cfg := &config{
		device:          d,
		excludedThreads: sets.Make[string](),
		verify:          *flagVerify,
		numSamples:      *flagNumSamples,
		seed:            *flagSeed,
		outputDir:       *flagOutputDir,
	}
	for _, thread := range strings.Split(*flagExcludeThreads, ",") {
		if thread = strings.TrimSpace(thread); thread != "" {
			cfg.excludedThreads.Insert(thread)
		}
	}
	switch *flagTrivialOps {
	case "default":
		cfg.trivialOps = softmax.DefaultTrivialOps
	case "strict":
		cfg.trivialOps = softmax.StrictTrivialOps
	default:
		return nil, errors.Errorf("invalid --trivial_ops=%q, valid values are \"default\" or \"strict\"", *flagTrivialOps)
	}
	if err = softmax.New(cfg.device, nil).CheckDevice(); err != nil {
		return nil, err
	}
	if *flagDumpTo != "" {
		cfg.dumpDir, err = newRunDir(*flagDumpTo)
		if err != nil {
			return nil, err
		}
	}
	if cfg.outputDir != "" {
		must.M(os.MkdirAll(cfg.outputDir, 0o755))
		cfg.outputDir = must.M1(filepath.Abs(cfg.outputDir))
	}
	return cfg, nil
}
