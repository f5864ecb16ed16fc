// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"github.com/gomlx/hlofusion/pkg/support/sets"
	"github.com/pkg/errors"
)

// Opcode enumerates the operations an Instruction can perform.
//
// Notice: the list is intentionally small, it covers what the fusion passes need to reason about.
// Dot stands for any "opaque" operation: passes don't look into it, and it is never trivially fusible.
type Opcode int

const (
	OpcodeInvalid Opcode = iota
	OpcodeParameter
	OpcodeConstant

	OpcodeAbs
	OpcodeAdd
	OpcodeBitcast
	OpcodeBroadcast
	OpcodeCall
	OpcodeConvert
	OpcodeDivide
	OpcodeDot
	OpcodeExp
	OpcodeFusion
	OpcodeLog
	OpcodeLogistic
	OpcodeMaximum
	OpcodeMinimum
	OpcodeMultiply
	OpcodeNegate
	OpcodeReduce
	OpcodeReshape
	OpcodeRsqrt
	OpcodeSqrt
	OpcodeSubtract
	OpcodeTanh
	OpcodeTranspose

	// OpcodeLast should always be kept the last, it is used as a counter/marker for Opcode.
	OpcodeLast
)

// opcodeNames are the names used in the HLO text format.
var opcodeNames = [OpcodeLast]string{
	OpcodeInvalid:   "invalid",
	OpcodeParameter: "parameter",
	OpcodeConstant:  "constant",
	OpcodeAbs:       "abs",
	OpcodeAdd:       "add",
	OpcodeBitcast:   "bitcast",
	OpcodeBroadcast: "broadcast",
	OpcodeCall:      "call",
	OpcodeConvert:   "convert",
	OpcodeDivide:    "divide",
	OpcodeDot:       "dot",
	OpcodeExp:       "exponential",
	OpcodeFusion:    "fusion",
	OpcodeLog:       "log",
	OpcodeLogistic:  "logistic",
	OpcodeMaximum:   "maximum",
	OpcodeMinimum:   "minimum",
	OpcodeMultiply:  "multiply",
	OpcodeNegate:    "negate",
	OpcodeReduce:    "reduce",
	OpcodeReshape:   "reshape",
	OpcodeRsqrt:     "rsqrt",
	OpcodeSqrt:      "sqrt",
	OpcodeSubtract:  "subtract",
	OpcodeTanh:      "tanh",
	OpcodeTranspose: "transpose",
}

var opcodeByName = func() map[string]Opcode {
	m := make(map[string]Opcode, OpcodeLast)
	for op := OpcodeInvalid + 1; op < OpcodeLast; op++ {
		m[opcodeNames[op]] = op
	}
	return m
}()

// String returns the HLO text name of the opcode.
func (op Opcode) String() string {
	if op < 0 || op >= OpcodeLast {
		return "unknown"
	}
	return opcodeNames[op]
}

// OpcodeFromString returns the Opcode for the given HLO text name.
func OpcodeFromString(name string) (Opcode, error) {
	op, found := opcodeByName[name]
	if !found {
		return OpcodeInvalid, errors.Errorf("unknown HLO opcode %q", name)
	}
	return op, nil
}

var (
	// ElementwiseUnaryOpcodes take one operand and return a value of the same dimensions.
	// Convert is included: it changes the DType, but not the dimensions.
	ElementwiseUnaryOpcodes = sets.MakeWith(
		OpcodeAbs,
		OpcodeConvert,
		OpcodeExp,
		OpcodeLog,
		OpcodeLogistic,
		OpcodeNegate,
		OpcodeRsqrt,
		OpcodeSqrt,
		OpcodeTanh,
	)

	// ElementwiseBinaryOpcodes take two operands of the same shape (lhs and rhs) and return a value of that shape.
	ElementwiseBinaryOpcodes = sets.MakeWith(
		OpcodeAdd,
		OpcodeDivide,
		OpcodeMaximum,
		OpcodeMinimum,
		OpcodeMultiply,
		OpcodeSubtract,
	)

	// ReducerOpcodes are the binary opcodes that can be used as the combiner of a Reduce.
	ReducerOpcodes = sets.MakeWith(
		OpcodeAdd,
		OpcodeMaximum,
		OpcodeMinimum,
		OpcodeMultiply,
	)
)

// IsElementwiseUnary returns whether the opcode is an elementwise operation with a single operand.
func (op Opcode) IsElementwiseUnary() bool { return ElementwiseUnaryOpcodes.Has(op) }

// IsElementwiseBinary returns whether the opcode is an elementwise operation with two operands.
func (op Opcode) IsElementwiseBinary() bool { return ElementwiseBinaryOpcodes.Has(op) }

// IsElementwise returns whether the opcode is elementwise (unary or binary).
func (op Opcode) IsElementwise() bool { return op.IsElementwiseUnary() || op.IsElementwiseBinary() }

// IsReduction returns whether the opcode reduces axes of its operand.
func (op Opcode) IsReduction() bool { return op == OpcodeReduce }
