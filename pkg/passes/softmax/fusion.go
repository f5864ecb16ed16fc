// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package softmax

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/hlofusion/pkg/core/shapes"
	"github.com/gomlx/hlofusion/pkg/hlo"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// FusionName is the name given to the fusion instructions created.
	FusionName = "triton_softmax"

	// FusionComputationName is the name given to the bodies of the fusions created.
	FusionComputationName = "triton_softmax_computation"

	// FusionBackendKind identifies the fusions created in their backend config.
	FusionBackendKind = "__triton_softmax"
)

// BackendConfig is the backend configuration attached to the fusions, in JSON.
type BackendConfig struct {
	FusionBackendConfig FusionBackendConfig `json:"fusion_backend_config"`
}

// FusionBackendConfig tells the code generator which emitter handles the fusion.
type FusionBackendConfig struct {
	Kind string `json:"kind"`
}

// fusionRegion is a fusion body built detached from the module, plus the outer instructions that
// feed its parameters. Building it changes nothing in the module.
type fusionRegion struct {
	body *hlo.Computation

	// params are the outer instructions passed as the fusion operands: params[i] feeds parameter i.
	params []*hlo.Instruction

	// cloned are the outer instructions copied into the body.
	cloned []*hlo.Instruction
}

// FuseDiamondChain replaces the chain, from its producer (excluded) to its root (included), by a fusion
// instruction of kind hlo.FusionKindCustom, and returns the new fusion.
//
// The root is replaced by the fusion in all its uses. The producer is not changed: it becomes the first
// operand of the fusion.
//
// If the device cannot run the fusion, it returns a *FusionRejectedError and the module is left unchanged.
// A stale chain (e.g. already fused) returns an error wrapping ErrInternal.
func (r *Rewriter) FuseDiamondChain(chain DiamondChainDescriptor) (*hlo.Instruction, error) {
	root, producer := chain.Root, chain.Producer
	if err := checkChainIsLive(chain); err != nil {
		return nil, err
	}
	c := root.Parent()
	module := c.Module()
	if module == nil {
		return nil, errors.Wrapf(ErrInternal, "chain %s: computation %q is not part of a module", chain, c.Name())
	}

	region, err := r.buildFusionRegion(root, producer)
	if err != nil {
		return nil, errors.WithMessagef(err, "chain %s", chain)
	}
	if decision, ok := r.checkDeviceLimits(region); !ok {
		return nil, &FusionRejectedError{Chain: chain, Decision: decision}
	}
	if klog.V(1).Enabled() {
		unfused, fused := r.bytesAccessed(region, root)
		klog.Infof("%s: fusing chain %s of %q: %d instructions, %d parameters, bytes accessed %s unfused -> %s fused",
			r.Name(), chain, c.Name(), len(region.cloned), len(region.params),
			humanize.IBytes(uint64(unfused)), humanize.IBytes(uint64(fused)))
	}

	// Commit: from here on the module is changed.
	config, err := json.Marshal(BackendConfig{FusionBackendConfig{Kind: FusionBackendKind}})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize backend config")
	}
	region.body.SetExecutionThread(c.ExecutionThread())
	if _, err = module.AddComputation(region.body); err != nil {
		return nil, errors.Wrapf(ErrInternal, "chain %s: %v", chain, err)
	}
	fusion, err := c.Fusion(hlo.FusionKindCustom, region.body, region.params...)
	if err != nil {
		return nil, errors.Wrapf(ErrInternal, "chain %s: failed to create fusion: %v", chain, err)
	}
	fusion.SetName(FusionName)
	fusion.SetBackendConfig(string(config))
	if err = c.ReplaceInstruction(root, fusion); err != nil {
		return nil, errors.Wrapf(ErrInternal, "chain %s: failed to replace root with fusion: %v", chain, err)
	}
	return fusion, nil
}

// checkChainIsLive verifies root and producer of the chain are still part of the same computation, and that
// the root depends on the producer.
func checkChainIsLive(chain DiamondChainDescriptor) error {
	root, producer := chain.Root, chain.Producer
	switch {
	case root == nil || producer == nil:
		return errors.Wrapf(ErrInternal, "chain %s is incomplete", chain)
	case root.IsRemoved() || producer.IsRemoved():
		return errors.Wrapf(ErrInternal, "chain %s is stale: instructions have been removed", chain)
	case root.Parent() == nil || root.Parent() != producer.Parent():
		return errors.Wrapf(ErrInternal, "chain %s: root and producer are not in the same computation", chain)
	case root == producer:
		return errors.Wrapf(ErrInternal, "chain %s: root and producer are the same instruction", chain)
	}
	if !dependsOn(root, producer, make(map[*hlo.Instruction]bool)) {
		return errors.Wrapf(ErrInternal, "chain %s: root doesn't depend on the producer", chain)
	}
	return nil
}

// dependsOn returns whether instr is target or (transitively) uses it. memo caches the answers.
func dependsOn(instr, target *hlo.Instruction, memo map[*hlo.Instruction]bool) bool {
	if instr == target {
		return true
	}
	if result, found := memo[instr]; found {
		return result
	}
	memo[instr] = false
	for _, operand := range instr.Operands() {
		if dependsOn(operand, target, memo) {
			memo[instr] = true
			break
		}
	}
	return memo[instr]
}

// buildFusionRegion builds the fusion body, detached from the module, walking back from root.
//
// The producer becomes parameter 0. Instructions that depend on the producer are cloned into the body, and so are
// constants and broadcasts of scalars that don't depend on the producer (their operands are handled the same way).
// Everything else becomes an extra parameter, in the order first visited.
func (r *Rewriter) buildFusionRegion(root, producer *hlo.Instruction) (*fusionRegion, error) {
	region := &fusionRegion{body: hlo.NewComputation(FusionComputationName)}
	mapping := make(map[*hlo.Instruction]*hlo.Instruction)
	memo := make(map[*hlo.Instruction]bool)

	addParameter := func(outer *hlo.Instruction) (*hlo.Instruction, error) {
		number := len(region.params)
		param, err := region.body.Parameter(number, outer.Shape(), fmt.Sprintf("parameter_%d", number))
		if err != nil {
			return nil, errors.Wrapf(ErrInternal, "failed to create fusion parameter for %q: %v", outer.Name(), err)
		}
		region.params = append(region.params, outer)
		return param, nil
	}

	shouldClone := func(instr *hlo.Instruction) bool {
		switch instr.Opcode() {
		case hlo.OpcodeParameter, hlo.OpcodeFusion, hlo.OpcodeCall:
			return false
		case hlo.OpcodeConstant:
			return true
		case hlo.OpcodeBroadcast:
			if instr.Operand(0).Shape().IsScalar() {
				return true
			}
		}
		return dependsOn(instr, producer, memo)
	}

	var visit func(instr *hlo.Instruction) (*hlo.Instruction, error)
	visit = func(instr *hlo.Instruction) (*hlo.Instruction, error) {
		if inner, found := mapping[instr]; found {
			return inner, nil
		}
		var inner *hlo.Instruction
		var err error
		if instr != producer && shouldClone(instr) {
			operands := make([]*hlo.Instruction, instr.OperandCount())
			for ii, operand := range instr.Operands() {
				if operands[ii], err = visit(operand); err != nil {
					return nil, err
				}
			}
			inner, err = region.body.AddClone(instr, operands...)
			if err != nil {
				return nil, errors.Wrapf(ErrInternal, "failed to clone %q into fusion: %v", instr.Name(), err)
			}
			region.cloned = append(region.cloned, instr)
		} else if inner, err = addParameter(instr); err != nil {
			return nil, err
		}
		mapping[instr] = inner
		return inner, nil
	}

	if _, err := visit(producer); err != nil {
		return nil, err
	}
	bodyRoot, err := visit(root)
	if err != nil {
		return nil, err
	}
	if err = region.body.SetRoot(bodyRoot); err != nil {
		return nil, errors.Wrapf(ErrInternal, "%v", err)
	}
	return region, nil
}

// checkDeviceLimits verifies every reduced row of the region fits in the shared memory of a block.
func (r *Rewriter) checkDeviceLimits(region *fusionRegion) (FusionDecision, bool) {
	for _, instr := range region.cloned {
		if instr.Opcode() != hlo.OpcodeReduce {
			continue
		}
		operand := instr.Operand(0).Shape()
		numReduced := len(instr.Dimensions())
		row := shapes.Make(operand.DType, operand.Dimensions[operand.Rank()-numReduced:]...)
		rowBytes := r.shapeSize(row)
		if rowBytes > r.device.SharedMemoryPerBlockOptin {
			return reject(RowDoesNotFitSharedMemory, "row %s of reduce %q takes %s, device %s has %s of shared memory per block",
				row, instr.Name(), humanize.IBytes(uint64(rowBytes)), r.device.Name,
				humanize.IBytes(uint64(r.device.SharedMemoryPerBlockOptin))), false
		}
	}
	return FusionDecision{}, true
}

// bytesAccessed estimates the bytes read and written by the region's instructions executed one by one,
// and by the fusion.
func (r *Rewriter) bytesAccessed(region *fusionRegion, root *hlo.Instruction) (unfused, fused int64) {
	for _, instr := range region.cloned {
		if instr.Opcode() == hlo.OpcodeConstant {
			continue
		}
		unfused += r.shapeSize(instr.Shape())
		for _, operand := range instr.Operands() {
			unfused += r.shapeSize(operand.Shape())
		}
	}
	fused = r.shapeSize(root.Shape())
	for _, param := range region.params {
		fused += r.shapeSize(param.Shape())
	}
	return
}
