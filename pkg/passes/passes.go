// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package passes defines the interface of module-level rewriting passes and a Pipeline to run them in sequence,
// optionally verifying and dumping the module around each pass.
package passes

import (
	"time"

	"github.com/gomlx/hlofusion/pkg/hlo"
	"github.com/gomlx/hlofusion/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModulePass rewrites a module in place.
type ModulePass interface {
	// Name of the pass, used in logs, dumps and statistics.
	Name() string

	// Run the pass on the module, skipping computations whose execution thread is in excludedThreads.
	// It returns whether the module was changed.
	Run(module *hlo.Module, excludedThreads sets.Set[string]) (changed bool, err error)
}

// Dump stages.
const (
	StageBefore = "before"
	StageAfter  = "after"
)

// DumpFn is called with the module before and/or after a pass runs. stage is StageBefore or StageAfter.
type DumpFn func(module *hlo.Module, passName, stage string) error

// AllPasses can be given to WithDumpBefore and WithDumpAfter to dump around every pass.
const AllPasses = "*"

// PassStats holds statistics of one pass run within a Pipeline.
type PassStats struct {
	Name    string
	Changed bool
	Elapsed time.Duration

	InstructionsBefore, InstructionsAfter int
}

// Pipeline runs a sequence of passes. It is itself a ModulePass.
type Pipeline struct {
	name   string
	passes []ModulePass

	verify                bool
	dumpBefore, dumpAfter string
	dumpFn                DumpFn

	stats []PassStats
}

var _ ModulePass = (*Pipeline)(nil)

// NewPipeline creates a pipeline with the given passes. Use the With... methods to configure it.
func NewPipeline(name string, passes ...ModulePass) *Pipeline {
	return &Pipeline{name: name, passes: passes}
}

// AddPass appends a pass to the pipeline. It returns the pipeline itself, so calls can be cascaded.
func (p *Pipeline) AddPass(pass ModulePass) *Pipeline {
	p.passes = append(p.passes, pass)
	return p
}

// WithVerify sets whether hlo.Verify is run before the first pass and after every pass.
// A verification failure aborts the pipeline.
func (p *Pipeline) WithVerify(verify bool) *Pipeline {
	p.verify = verify
	return p
}

// WithDumpFn sets the function that receives the dumps, see WithDumpBefore and WithDumpAfter.
// The default logs the module with klog.
func (p *Pipeline) WithDumpFn(dumpFn DumpFn) *Pipeline {
	p.dumpFn = dumpFn
	return p
}

// WithDumpBefore dumps the module before the pass with the given name runs, or before every pass if
// passName is AllPasses.
func (p *Pipeline) WithDumpBefore(passName string) *Pipeline {
	p.dumpBefore = passName
	return p
}

// WithDumpAfter dumps the module after the pass with the given name runs, or after every pass if
// passName is AllPasses.
func (p *Pipeline) WithDumpAfter(passName string) *Pipeline {
	p.dumpAfter = passName
	return p
}

// Name implements ModulePass.
func (p *Pipeline) Name() string { return p.name }

// Passes returns the passes in the pipeline.
func (p *Pipeline) Passes() []ModulePass { return p.passes }

// Stats returns the statistics of the last Run, one entry per pass executed.
func (p *Pipeline) Stats() []PassStats { return p.stats }

// Run implements ModulePass: it runs all passes in order, and returns whether any of them changed the module.
func (p *Pipeline) Run(module *hlo.Module, excludedThreads sets.Set[string]) (changed bool, err error) {
	p.stats = p.stats[:0]
	if p.verify {
		if err = hlo.Verify(module); err != nil {
			return false, errors.WithMessagef(err, "pipeline %q: invalid input module %q", p.name, module.Name())
		}
	}
	for _, pass := range p.passes {
		name := pass.Name()
		if shouldDump(p.dumpBefore, name) {
			if err = p.dump(module, name, StageBefore); err != nil {
				return
			}
		}
		stats := PassStats{Name: name, InstructionsBefore: module.InstructionCount()}
		start := time.Now()
		var passChanged bool
		passChanged, err = pass.Run(module, excludedThreads)
		stats.Elapsed = time.Since(start)
		if err != nil {
			return changed, errors.WithMessagef(err, "pipeline %q: pass %q failed", p.name, name)
		}
		stats.Changed = passChanged
		stats.InstructionsAfter = module.InstructionCount()
		p.stats = append(p.stats, stats)
		changed = changed || passChanged
		klog.V(1).Infof("pipeline %q: pass %q on module %q: changed=%v, %d -> %d instructions, %s",
			p.name, name, module.Name(), passChanged, stats.InstructionsBefore, stats.InstructionsAfter, stats.Elapsed)

		if p.verify && passChanged {
			if err = hlo.Verify(module); err != nil {
				return changed, errors.WithMessagef(err, "pipeline %q: invalid module after pass %q", p.name, name)
			}
		}
		if shouldDump(p.dumpAfter, name) {
			if err = p.dump(module, name, StageAfter); err != nil {
				return
			}
		}
	}
	return
}

func (p *Pipeline) dump(module *hlo.Module, passName, stage string) error {
	if p.dumpFn == nil {
		klog.Infof("--- %s %s (%s) ---\n%s", stage, passName, module.Name(), module)
		return nil
	}
	if err := p.dumpFn(module, passName, stage); err != nil {
		return errors.WithMessagef(err, "pipeline %q: failed to dump module %s pass %q", p.name, stage, passName)
	}
	return nil
}

func shouldDump(pattern, name string) bool {
	return pattern != "" && (pattern == AllPasses || pattern == name)
}
