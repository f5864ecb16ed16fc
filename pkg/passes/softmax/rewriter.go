// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package softmax implements the "triton softmax" rewriter: a pass that finds the softmax-like
// reduction diamonds of a module,
//
//	producer -> reduce (over the trailing axes) -> broadcast -> binary(producer, broadcast)
//
// merges diamonds that follow one another into maximal chains, and replaces each chain by a single
// custom fusion, to be lowered later by a specialized code generator.
//
// Diamonds are recognized through "trivial" operations (conversions, bitcasts, degenerate reshapes, ...)
// on any of their paths. Which operations count as trivial is configurable, see Rewriter.WithTrivialOps.
//
// Example:
//
//	rewriter := softmax.New(device.A100(), hlo.ShapeSizeBytes)
//	changed, err := rewriter.Run(module, nil)
package softmax

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/hlofusion/pkg/device"
	"github.com/gomlx/hlofusion/pkg/hlo"
	"github.com/gomlx/hlofusion/pkg/passes"
	"github.com/gomlx/hlofusion/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PassName is the name of the Rewriter pass.
const PassName = "triton-softmax-rewriter"

// Rewriter is the pass that fuses the chains of softmax-like diamonds of a module.
// It implements passes.ModulePass.
//
// A Rewriter holds no state across runs, but it is not safe for concurrent use on the same module.
type Rewriter struct {
	device     *device.Description
	shapeSize  hlo.ShapeSizeFunction
	trivialOps TrivialOpsPolicy
}

var _ passes.ModulePass = (*Rewriter)(nil)

// New creates a Rewriter for the given device. shapeSize is used to account for the size of the reduced
// rows: if nil, hlo.ShapeSizeBytes is used.
//
// It uses DefaultTrivialOps, see WithTrivialOps to change it.
func New(device *device.Description, shapeSize hlo.ShapeSizeFunction) *Rewriter {
	if shapeSize == nil {
		shapeSize = hlo.ShapeSizeBytes
	}
	return &Rewriter{
		device:     device,
		shapeSize:  shapeSize,
		trivialOps: DefaultTrivialOps,
	}
}

// WithTrivialOps sets the policy that decides which operations are trivial, and can be walked through
// when matching diamonds. It returns the Rewriter itself, so calls can be cascaded.
func (r *Rewriter) WithTrivialOps(policy TrivialOpsPolicy) *Rewriter {
	r.trivialOps = policy
	return r
}

// Device returns the device the rewriter targets.
func (r *Rewriter) Device() *device.Description { return r.device }

// Name implements passes.ModulePass.
func (r *Rewriter) Name() string { return PassName }

// CheckDevice returns an error wrapping ErrUnsupportedDevice if the fusions can't be run on the device:
// only CUDA devices with compute capability 8.0 (Ampere) or newer are supported.
func (r *Rewriter) CheckDevice() error {
	if err := r.device.Validate(); err != nil {
		return errors.Wrapf(ErrUnsupportedDevice, "%v", err)
	}
	cc, ok := r.device.CudaComputeCapability()
	if !ok {
		return errors.Wrapf(ErrUnsupportedDevice, "device %q (%s %s) is not a CUDA device",
			r.device.Name, r.device.ComputeCapability.Vendor(), r.device.ComputeCapability)
	}
	if !cc.IsAtLeastAmpere() {
		return errors.Wrapf(ErrUnsupportedDevice, "device %q has compute capability %s, it requires Ampere (%d.0) or newer",
			r.device.Name, cc, device.Ampere)
	}
	return nil
}

// Run implements passes.ModulePass. It fuses every chain of diamonds found in the computations whose execution
// thread is not in excludedThreads, and returns whether at least one fusion was created.
//
// Chains rejected by the device limits are logged and skipped. Any other error aborts the pass: the module
// may have been partially rewritten, with each fusion either fully committed or not started.
func (r *Rewriter) Run(module *hlo.Module, excludedThreads sets.Set[string]) (changed bool, err error) {
	if err = r.CheckDevice(); err != nil {
		return false, err
	}
	panicErr := exceptions.TryCatch[error](func() {
		changed, err = r.run(module, excludedThreads)
	})
	if panicErr != nil {
		err = errors.Wrapf(ErrInternal, "%s on module %q panicked: %+v", r.Name(), module.Name(), panicErr)
	}
	return
}

func (r *Rewriter) run(module *hlo.Module, excludedThreads sets.Set[string]) (changed bool, err error) {
	chains, err := r.FindAllFusibleDiamondChains(module, excludedThreads)
	if err != nil {
		return false, err
	}
	// replacedBy maps the roots of chains already fused to their fusions: later chains may use them as producers.
	replacedBy := make(map[*hlo.Instruction]*hlo.Instruction, len(chains))
	var numFused, numRejected int
	for _, chain := range chains {
		for {
			fusion, found := replacedBy[chain.Producer]
			if !found {
				break
			}
			chain.Producer = fusion
		}
		root := chain.Root
		fusion, err := r.FuseDiamondChain(chain)
		if err != nil {
			var rejected *FusionRejectedError
			if errors.As(err, &rejected) {
				klog.V(1).Infof("%s: skipping chain %s: %s", r.Name(), chain, rejected.Decision)
				numRejected++
				continue
			}
			return changed, errors.WithMessagef(err, "%s on module %q", r.Name(), module.Name())
		}
		replacedBy[root] = fusion
		changed = true
		numFused++
	}
	klog.V(1).Infof("%s on module %q: %d chains found, %d fused, %d rejected",
		r.Name(), module.Name(), len(chains), numFused, numRejected)
	return changed, nil
}
