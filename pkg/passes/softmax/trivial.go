// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package softmax

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/hlofusion/pkg/hlo"
	"github.com/gomlx/hlofusion/pkg/support/sets"
)

// TrivialOpsPolicy decides whether an instruction is a "trivial" operation: one that doesn't increase the
// number of bytes read or written, and that imposes no constraint on how the reduced rows are tiled.
//
// The policy only looks at the operation itself. The structural rules (number of users, opcodes that can
// never be trivial like reduce or broadcast) are applied on top of it by the rewriter.
type TrivialOpsPolicy func(instr *hlo.Instruction) bool

// supportedFloatUnaryOps are the unary operations the code generator can fuse for floating point values.
var supportedFloatUnaryOps = sets.MakeWith(
	hlo.OpcodeAbs,
	hlo.OpcodeExp,
	hlo.OpcodeLog,
	hlo.OpcodeLogistic,
	hlo.OpcodeNegate,
	hlo.OpcodeRsqrt,
	hlo.OpcodeSqrt,
	hlo.OpcodeTanh,
)

// DefaultTrivialOps accepts:
//
//   - bitcasts that are no-ops for the tiling (see bitcastIsTilingNoop);
//   - reshapes that only add or remove degenerate axes, keeping the last axis;
//   - conversions between floating point types;
//   - floating point unary operations (abs, exp, log, logistic, negate, rsqrt, sqrt and tanh);
//   - floating point binary operations whose operands are the same instruction, or where exactly one of the
//     operands is a "splat" (a broadcast of a scalar constant).
func DefaultTrivialOps(instr *hlo.Instruction) bool {
	switch op := instr.Opcode(); {
	case op == hlo.OpcodeBitcast:
		return bitcastIsTilingNoop(instr)
	case op == hlo.OpcodeReshape:
		return reshapeIsTilingNoop(instr)
	case op == hlo.OpcodeConvert:
		return instr.Shape().DType.IsFloat() && instr.Operand(0).Shape().DType.IsFloat()
	case supportedFloatUnaryOps.Has(op):
		return instr.Shape().DType.IsFloat()
	case op.IsElementwiseBinary():
		if !instr.Shape().DType.IsFloat() {
			return false
		}
		lhs, rhs := instr.Operand(0), instr.Operand(1)
		if lhs == rhs {
			return true
		}
		return isSplat(lhs) != isSplat(rhs)
	}
	return false
}

// StrictTrivialOps only accepts the operations that move or convert data without computing anything:
// conversions, bitcasts that are tiling no-ops and degenerate reshapes.
func StrictTrivialOps(instr *hlo.Instruction) bool {
	switch instr.Opcode() {
	case hlo.OpcodeBitcast:
		return bitcastIsTilingNoop(instr)
	case hlo.OpcodeReshape:
		return reshapeIsTilingNoop(instr)
	case hlo.OpcodeConvert:
		return true
	}
	return false
}

// bitcastIsTilingNoop returns whether the bitcast doesn't change how rows are tiled: the output is an
// effective scalar, the operand is already reduced, or the last dimension (the reduced one) is preserved.
// Bitcasts that change the dtype are never trivial.
func bitcastIsTilingNoop(bitcast *hlo.Instruction) bool {
	operand := bitcast.Operand(0)
	if operand.Shape().DType != bitcast.Shape().DType {
		return false
	}
	if bitcast.Shape().IsEffectiveScalar() || operand.Opcode() == hlo.OpcodeReduce {
		return true
	}
	return lastDimensionPreserved(operand.Shape().Dimensions, bitcast.Shape().Dimensions)
}

// reshapeIsTilingNoop returns whether the reshape only inserts or removes degenerate axes (dimension 1),
// and either preserves the last dimension or reshapes a reduced value.
func reshapeIsTilingNoop(reshape *hlo.Instruction) bool {
	operand := reshape.Operand(0)
	if !slices.Equal(operand.Shape().NonDegenerateDimensions(), reshape.Shape().NonDegenerateDimensions()) {
		return false
	}
	if reshape.Shape().IsEffectiveScalar() || operand.Opcode() == hlo.OpcodeReduce {
		return true
	}
	return lastDimensionPreserved(operand.Shape().Dimensions, reshape.Shape().Dimensions)
}

func lastDimensionPreserved(from, to []int) bool {
	return len(from) > 0 && len(to) > 0 && from[len(from)-1] == to[len(to)-1]
}

// isSplat returns whether instr is a broadcast of a scalar constant.
func isSplat(instr *hlo.Instruction) bool {
	if instr.Opcode() != hlo.OpcodeBroadcast {
		return false
	}
	operand := instr.Operand(0)
	return operand.Opcode() == hlo.OpcodeConstant && operand.Shape().IsScalar()
}

// isTriviallyFusible returns whether instr can be absorbed by a diamond: it is accepted by the trivial ops
// policy and has at most numAllowedUsers users.
//
// Reductions, broadcasts, parameters, constants, fusions and calls are never trivially fusible, whatever
// the policy says: they are the structural parts of a diamond or the boundaries of a fusion region.
func (r *Rewriter) isTriviallyFusible(instr *hlo.Instruction, numAllowedUsers int) bool {
	if instr.UserCount() > numAllowedUsers {
		return false
	}
	switch instr.Opcode() {
	case hlo.OpcodeReduce, hlo.OpcodeBroadcast, hlo.OpcodeParameter, hlo.OpcodeConstant,
		hlo.OpcodeFusion, hlo.OpcodeCall:
		return false
	}
	return r.trivialOps(instr)
}

// chooseOperandForFusionProcessing returns the operand to follow when walking back through a trivially
// fusible instruction: the non-splat side of a binary operation, or the first operand otherwise.
func chooseOperandForFusionProcessing(instr *hlo.Instruction) *hlo.Instruction {
	if instr.OperandCount() == 2 && isSplat(instr.Operand(0)) {
		return instr.Operand(1)
	}
	return instr.Operand(0)
}

// walkTrivialOps walks back from instr through trivially fusible instructions (with at most numAllowedUsers
// users each), and returns the first instruction that is not.
func (r *Rewriter) walkTrivialOps(instr *hlo.Instruction, numAllowedUsers int) *hlo.Instruction {
	for r.isTriviallyFusible(instr, numAllowedUsers) {
		instr = chooseOperandForFusionProcessing(instr)
	}
	return instr
}

// supportedDTypes are the dtypes of the diamonds the code generator handles.
var supportedDTypes = sets.MakeWith(dtypes.Float16, dtypes.BFloat16, dtypes.Float32)
