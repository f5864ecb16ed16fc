// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package softmax

import (
	"slices"

	"github.com/gomlx/hlofusion/pkg/hlo"
)

// diamond holds the structural parts of a matched diamond:
//
//	producer -> (trivial ops) -> reduce -> (trivial ops) -> broadcast -> (trivial ops) -> root
//	producer -> (trivial ops) ----------------------------------------------------------> root
type diamond struct {
	root, producer, reduce, broadcast *hlo.Instruction
}

// numReducedAxes returns the number of trailing axes reduced by the diamond.
func (d *diamond) numReducedAxes() int {
	return len(d.reduce.Dimensions())
}

// rowSize returns the number of elements of each reduced row.
func (d *diamond) rowSize() int {
	return d.reduce.Operand(0).Shape().TrailingSize(d.numReducedAxes())
}

// MatchesClosedReductionDiamond checks whether instr is the root of a "closed reduction diamond":
//
//	root = binary(trivial*(producer), trivial*(broadcast(trivial*(reduce(trivial*(producer), constant)))))
//
// where the reduction is over the trailing axes of its operand, and the broadcast expands back exactly those
// axes. Either operand of the root may hold the broadcast.
//
// It returns a MatchedProducer with the producer of the diamond, or a FusionDecision with the reason
// why instr is not a diamond root. It doesn't change anything.
func (r *Rewriter) MatchesClosedReductionDiamond(instr *hlo.Instruction) DiamondMatchingDecision {
	d, decision := r.matchDiamond(instr)
	if d == nil {
		return decision
	}
	return MatchedProducer{Producer: d.producer, diamond: d}
}

// matchDiamond implements MatchesClosedReductionDiamond. It returns either a diamond or the reason
// why there isn't one.
func (r *Rewriter) matchDiamond(root *hlo.Instruction) (*diamond, FusionDecision) {
	if !root.IsElementwiseBinary() {
		return nil, reject(RootNotElementwiseBinary, "%s %q is not an elementwise binary operation",
			root.Opcode(), root.Name())
	}
	if dtype := root.Shape().DType; !supportedDTypes.Has(dtype) {
		return nil, reject(UnsupportedType, "root %q has unsupported dtype %s", root.Name(), dtype)
	}

	// Find the side of the root leading to broadcast <- reduce.
	d := &diamond{root: root}
	reductionSide := -1
	for side := range 2 {
		broadcast := r.walkTrivialOps(root.Operand(side), 1)
		if broadcast.Opcode() != hlo.OpcodeBroadcast {
			continue
		}
		reduce := r.walkTrivialOps(broadcast.Operand(0), 1)
		if reduce.Opcode() != hlo.OpcodeReduce {
			continue
		}
		if reductionSide >= 0 {
			return nil, reject(AmbiguousReductionSide, "both operands of %q are broadcasts of reductions", root.Name())
		}
		reductionSide = side
		d.broadcast, d.reduce = broadcast, reduce
	}
	if reductionSide < 0 {
		return nil, reject(NoTrivialConnectionToReduction,
			"no operand of %q is connected to a broadcast of a reduction through trivial operations", root.Name())
	}
	if d.broadcast.UserCount() != 1 || d.reduce.UserCount() != 1 {
		return nil, reject(MultipleUsesOfBroadcastOrReduce, "broadcast %q has %d users and reduce %q has %d users",
			d.broadcast.Name(), d.broadcast.UserCount(), d.reduce.Name(), d.reduce.UserCount())
	}
	if decision, ok := r.checkReduction(d.reduce); !ok {
		return nil, decision
	}
	if decision, ok := checkBroadcast(d.broadcast, d.reduce); !ok {
		return nil, decision
	}

	d.producer = r.walkTrivialOps(d.reduce.Operand(0), 1)
	if d.producer.Shape().Rank() == 0 {
		return nil, reject(ScalarProducer, "producer %q is a scalar", d.producer.Name())
	}

	// The other side must reach the very same producer.
	other := root.Operand(1 - reductionSide)
	current := other
	for current != d.producer && r.isTriviallyFusible(current, 2) {
		current = chooseOperandForFusionProcessing(current)
	}
	if current != d.producer {
		return nil, reject(ProducerNotTriviallyConnected,
			"operand %q of %q leads to %q, not to the producer %q of the reduction %q",
			other.Name(), root.Name(), current.Name(), d.producer.Name(), d.reduce.Name())
	}
	if other != d.producer && other.UserCount() != 1 {
		return nil, reject(UnsupportedRootProducerConnection,
			"operand %q of %q connecting it to the producer %q has %d users",
			other.Name(), root.Name(), d.producer.Name(), other.UserCount())
	}
	return d, FusionDecision{}
}

// checkReduction verifies the reduction has a supported dtype, a constant initial value and that it reduces
// the trailing axes of its operand.
func (r *Rewriter) checkReduction(reduce *hlo.Instruction) (FusionDecision, bool) {
	if dtype := reduce.Shape().DType; !supportedDTypes.Has(dtype) {
		return reject(UnsupportedReduction, "reduce %q has unsupported dtype %s", reduce.Name(), dtype), false
	}
	if init := reduce.Operand(1); init.Opcode() != hlo.OpcodeConstant || !init.Shape().IsScalar() {
		return reject(UnsupportedReduction, "initial value %q of reduce %q is not a scalar constant",
			init.Name(), reduce.Name()), false
	}
	operandRank := reduce.Operand(0).Shape().Rank()
	axes := reduce.Dimensions()
	slices.Sort(axes)
	for ii, axis := range axes {
		if axis != operandRank-len(axes)+ii {
			return reject(ReductionNotOverLastAxes, "reduce %q reduces axes %v of its rank-%d operand",
				reduce.Name(), reduce.Dimensions(), operandRank), false
		}
	}
	return FusionDecision{}, true
}

// checkBroadcast verifies the broadcast re-expands exactly the axes reduced: its operand maps only to the
// leading axes of the output, and the trailing axes of the output are the ones of the reduced rows.
func checkBroadcast(broadcast, reduce *hlo.Instruction) (FusionDecision, bool) {
	numReduced := len(reduce.Dimensions())
	outputDims := broadcast.Shape().Dimensions
	numKept := len(outputDims) - numReduced
	rowDims := reduce.Operand(0).Shape().Dimensions
	rowDims = rowDims[len(rowDims)-numReduced:]
	if numKept < 0 || !slices.Equal(outputDims[numKept:], rowDims) {
		return reject(BroadcastNotAlongReductionAxes, "broadcast %q to %v doesn't expand the reduced dimensions %v",
			broadcast.Name(), outputDims, rowDims), false
	}
	for _, axis := range broadcast.Dimensions() {
		if axis >= numKept {
			return reject(BroadcastNotAlongReductionAxes, "broadcast %q maps its operand to axes %v, "+
				"but the trailing %d axes should be the reduced ones", broadcast.Name(), broadcast.Dimensions(), numReduced), false
		}
	}
	return FusionDecision{}, true
}
