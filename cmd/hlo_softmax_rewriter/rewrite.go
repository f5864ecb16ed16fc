// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/hlofusion/pkg/hlo"
	"github.com/gomlx/hlofusion/pkg/passes"
	"github.com/gomlx/hlofusion/pkg/passes/dce"
	"github.com/gomlx/hlofusion/pkg/passes/softmax"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PipelineName is the name of the pipeline run on each module.
const PipelineName = "softmax-fusion"

// result of rewriting one module file.
type result struct {
	path       string
	moduleName string

	changed    bool
	numFusions int

	instructionsBefore, instructionsAfter int
	elapsed                               time.Duration
	samplesChecked                        int

	rewritten *hlo.Module
	err       error
}

// newPipeline returns the pipeline run on each module: the softmax rewriter followed by the removal of
// the instructions left dead.
func (cfg *config) newPipeline(dumpFn passes.DumpFn) *passes.Pipeline {
	rewriter := softmax.New(cfg.device, hlo.ShapeSizeBytes).WithTrivialOps(cfg.trivialOps)
	pipeline := passes.NewPipeline(PipelineName, rewriter, dce.Pass{}).WithVerify(cfg.verify)
	if dumpFn != nil {
		pipeline.WithDumpFn(dumpFn).WithDumpBefore(softmax.PassName).WithDumpAfter(passes.AllPasses)
	}
	return pipeline
}

// rewriteFile parses, rewrites and optionally checks the module in the given file.
// Errors are returned in result.err.
func (cfg *config) rewriteFile(index int, path string) (res *result) {
	res = &result{path: path}
	start := time.Now()
	defer func() {
		res.elapsed = time.Since(start)
		if res.err != nil {
			klog.Errorf("%s: %+v", path, res.err)
		}
	}()

	text, err := os.ReadFile(path)
	if err != nil {
		res.err = errors.Wrapf(err, "failed to read module")
		return
	}
	module, err := hlo.ParseModule(string(text))
	if err != nil {
		res.err = err
		return
	}
	res.moduleName = module.Name()
	res.instructionsBefore = module.InstructionCount()
	var original *hlo.Module
	if cfg.numSamples > 0 {
		original = module.Clone()
	}

	var dumpFn passes.DumpFn
	if cfg.dumpDir != "" {
		dumpFn = newDumpFn(cfg.dumpDir, index)
	}
	res.changed, res.err = cfg.newPipeline(dumpFn).Run(module, cfg.excludedThreads)
	if res.err != nil {
		return
	}
	res.rewritten = module
	res.instructionsAfter = module.InstructionCount()
	res.numFusions = countSoftmaxFusions(module)

	if original != nil && res.changed {
		rng := rand.New(rand.NewPCG(cfg.seed, uint64(index)))
		res.samplesChecked, res.err = checkSamples(original, module, cfg.numSamples, rng)
		if res.err != nil {
			return
		}
	}
	if cfg.outputDir != "" {
		outputPath := filepath.Join(cfg.outputDir, filepath.Base(path))
		if err = os.WriteFile(outputPath, []byte(module.String()), 0o644); err != nil {
			res.err = errors.Wrapf(err, "failed to save rewritten module to %q", outputPath)
		}
	}
	return
}

// countSoftmaxFusions returns the number of fusions created by the softmax rewriter in the module.
func countSoftmaxFusions(module *hlo.Module) int {
	count := 0
	for _, c := range module.Computations() {
		for _, instr := range c.Instructions() {
			if instr.Opcode() != hlo.OpcodeFusion || instr.FusionKind() != hlo.FusionKindCustom {
				continue
			}
			var config softmax.BackendConfig
			if err := json.Unmarshal([]byte(instr.BackendConfig()), &config); err != nil {
				continue
			}
			if config.FusionBackendConfig.Kind == softmax.FusionBackendKind {
				count++
			}
		}
	}
	return count
}
