// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/hlofusion/pkg/core/shapes"
	"github.com/gomlx/hlofusion/pkg/support/sets"
	"github.com/pkg/errors"
)

var (
	// floatOnlyOpcodes operate only on float values.
	floatOnlyOpcodes = sets.MakeWith(
		OpcodeExp,
		OpcodeLog,
		OpcodeLogistic,
		OpcodeRsqrt,
		OpcodeSqrt,
		OpcodeTanh,
	)

	// signedOpcodes require a signed number type.
	signedOpcodes = sets.MakeWith(
		OpcodeNegate,
		OpcodeAbs,
	)
)

// unaryOpShape checks the validity of the data type for elementwise unary ops (except Convert) and returns either
// an error or the output shape, which is the same as the operand.
func unaryOpShape(op Opcode, operand shapes.Shape) (output shapes.Shape, err error) {
	if !op.IsElementwiseUnary() || op == OpcodeConvert {
		err = errors.Errorf("operation %s is not an elementwise unary operation", op)
		return
	}
	if !operand.Ok() {
		err = errors.Errorf("invalid shape %s for unary operation %s", operand, op)
		return
	}
	if floatOnlyOpcodes.Has(op) && !operand.DType.IsFloat() {
		err = errors.Errorf("float unary operation %s must have a float (Float32, Float64, ...) data type as input, got %s", op, operand)
		return
	}
	if signedOpcodes.Has(op) && (operand.DType.IsUnsigned() || operand.DType == dtypes.Bool) {
		err = errors.Errorf("signed unary operation %s must have a signed data type as input, got %s", op, operand)
		return
	}
	output = operand.Clone()
	return
}

// binaryOpShape returns the output shape of elementwise binary ops: both operands must have the exact same shape,
// there is no implicit broadcasting in HLO.
func binaryOpShape(op Opcode, lhs, rhs shapes.Shape) (output shapes.Shape, err error) {
	if !op.IsElementwiseBinary() {
		err = errors.Errorf("operation %s is not an elementwise binary operation", op)
		return
	}
	if !lhs.Ok() || !rhs.Ok() {
		err = errors.Errorf("invalid shapes %s and %s for binary operation %s", lhs, rhs, op)
		return
	}
	if lhs.DType != rhs.DType {
		err = errors.Errorf("data types (DType) for binary operation %s must match, got %s and %s", op, lhs, rhs)
		return
	}
	if lhs.DType == dtypes.Bool {
		err = errors.Errorf("binary operation %s doesn't support booleans, got %s", op, lhs)
		return
	}
	if !lhs.EqualDimensions(rhs) {
		err = errors.Errorf("binary operation %s requires operands of the same dimensions, got %s and %s", op, lhs, rhs)
		return
	}
	output = lhs.Clone()
	return
}

// convertShape returns the operand shape with the new dtype.
func convertShape(operand shapes.Shape, dtype dtypes.DType) (shapes.Shape, error) {
	if !operand.Ok() || dtype == dtypes.InvalidDType {
		return shapes.Invalid(), errors.Errorf("invalid convert of %s to %s", operand, dtype)
	}
	return operand.WithDType(dtype), nil
}

// reshapeShape checks that the sizes are the same.
func reshapeShape(operand shapes.Shape, dims []int) (output shapes.Shape, err error) {
	for _, dim := range dims {
		if dim <= 0 {
			return shapes.Invalid(), errors.Errorf("reshape of %s to dimensions %v: dimensions must be positive", operand, dims)
		}
	}
	output = shapes.Make(operand.DType, dims...)
	if operand.Size() != output.Size() {
		return shapes.Invalid(), errors.Errorf("reshape cannot reshape %s to dimensions %v, their size don't match",
			operand, dims)
	}
	return
}

// bitcastShape checks that the operand and the output have the same size in bytes.
func bitcastShape(operand, output shapes.Shape) error {
	if !operand.Ok() || !output.Ok() {
		return errors.Errorf("invalid bitcast from %s to %s", operand, output)
	}
	if operand.Memory() != output.Memory() {
		return errors.Errorf("bitcast from %s to %s must preserve the size in bytes (%d != %d)",
			operand, output, operand.Memory(), output.Memory())
	}
	return nil
}

// broadcastShape verifies that the arguments of a broadcast are valid: dimensions maps each operand axis
// to an output axis with the same dimension, the remaining output axes are the broadcast ones.
func broadcastShape(operand, output shapes.Shape, dimensions []int) error {
	if operand.DType != output.DType {
		return errors.Errorf("broadcast cannot change the dtype, operand is %s and output is %s", operand, output)
	}
	if len(dimensions) != operand.Rank() {
		return errors.Errorf("broadcast requires exactly one dimension (got %v) per axis in the operand (%s)",
			dimensions, operand)
	}
	preserved := sets.Make[int](len(dimensions))
	for axisInOperand, axisInOutput := range dimensions {
		if axisInOutput < 0 || axisInOutput >= output.Rank() {
			return errors.Errorf("broadcast dimensions (%v) has a value out-of-range (%d-th value -> %d), they must be between 0 and output rank-1=%d",
				dimensions, axisInOperand, axisInOutput, output.Rank()-1)
		}
		if preserved.Has(axisInOutput) {
			return errors.Errorf("broadcast dimensions (%v) repeats axis %d, they must be all unique", dimensions, axisInOutput)
		}
		preserved.Insert(axisInOutput)
		if operand.Dimensions[axisInOperand] != output.Dimensions[axisInOutput] {
			return errors.Errorf("broadcast of %s to %s: operand axis %d (dimension %d) doesn't match output axis %d (dimension %d)",
				operand, output, axisInOperand, operand.Dimensions[axisInOperand], axisInOutput, output.Dimensions[axisInOutput])
		}
	}
	return nil
}

// transposeShape permutes the axes of the operand: output.Dimensions[axis] = operand.Dimensions[permutation[axis]].
func transposeShape(operand shapes.Shape, permutation []int) (output shapes.Shape, err error) {
	rank := operand.Rank()
	if len(permutation) != rank {
		err = errors.Errorf("transpose requires all axes permutations to be defined, operand has shape %s, but %d permutations were given",
			operand, len(permutation))
		return
	}
	sorted := slices.Sorted(slices.Values(permutation))
	for ii, axis := range sorted {
		if axis != ii {
			err = errors.Errorf("invalid permutation %v given to transpose of %s, it must contain each axis exactly once",
				permutation, operand)
			return
		}
	}
	output = operand.Clone()
	for axis := range output.Dimensions {
		output.Dimensions[axis] = operand.Dimensions[permutation[axis]]
	}
	return
}

// reduceShape returns the shape of reducing the operand over the given axes.
func reduceShape(operand, init shapes.Shape, reducer Opcode, axes []int) (output shapes.Shape, err error) {
	if !ReducerOpcodes.Has(reducer) {
		err = errors.Errorf("reduce doesn't support %s as a reducer, only %v", reducer, sets.Sorted(ReducerOpcodes))
		return
	}
	if !init.IsScalar() || init.DType != operand.DType {
		err = errors.Errorf("reduce init value must be a scalar of the operand dtype (%s), got %s", operand.DType, init)
		return
	}
	if len(axes) == 0 {
		err = errors.Errorf("reduce of %s requires at least one axis", operand)
		return
	}
	axesSet := sets.Make[int](len(axes))
	for _, axis := range axes {
		if axis < 0 || axis >= operand.Rank() {
			err = errors.Errorf("reduce requires each axis to be 0 <= axis < rank, but got invalid axis %d for shape %s", axis, operand)
			return
		}
		if axesSet.Has(axis) {
			err = errors.Errorf("reduce axes %v has repeated axis %d", axes, axis)
			return
		}
		axesSet.Insert(axis)
	}
	output = shapes.Scalar(operand.DType)
	for axis, dim := range operand.Dimensions {
		if !axesSet.Has(axis) {
			output.Dimensions = append(output.Dimensions, dim)
		}
	}
	return
}

// dotShape returns the shape of a matrix multiplication: [m, k] x [k, n] -> [m, n].
func dotShape(lhs, rhs shapes.Shape) (output shapes.Shape, err error) {
	if lhs.Rank() != 2 || rhs.Rank() != 2 {
		err = errors.Errorf("dot only supports rank-2 operands, got %s and %s", lhs, rhs)
		return
	}
	if lhs.DType != rhs.DType {
		err = errors.Errorf("dot operands must have the same dtype, got %s and %s", lhs, rhs)
		return
	}
	if lhs.Dimensions[1] != rhs.Dimensions[0] {
		err = errors.Errorf("dot contracting dimensions don't match: %s x %s", lhs, rhs)
		return
	}
	return shapes.Make(lhs.DType, lhs.Dimensions[0], rhs.Dimensions[1]), nil
}

// callShape checks the operands match the parameters of the called computation and returns its root shape.
func callShape(called *Computation, operands []shapes.Shape) (shapes.Shape, error) {
	if called.root == nil {
		return shapes.Invalid(), errors.Errorf("called computation %q has no root", called.name)
	}
	params := called.Parameters()
	if len(params) != len(operands) {
		return shapes.Invalid(), errors.Errorf("computation %q expects %d parameters, got %d operands",
			called.name, len(params), len(operands))
	}
	for ii, param := range params {
		if param.parameterNumber != ii {
			return shapes.Invalid(), errors.Errorf("computation %q is missing parameter %d", called.name, ii)
		}
		if !param.shape.Equal(operands[ii]) {
			return shapes.Invalid(), errors.Errorf("computation %q parameter %d has shape %s, but operand has shape %s",
				called.name, ii, param.shape, operands[ii])
		}
	}
	return called.root.shape.Clone(), nil
}

// inferShape re-computes the shape of an existing instruction from its operands and attributes.
// It's used by the verifier.
func inferShape(instr *Instruction) (shapes.Shape, error) {
	operandShapes := make([]shapes.Shape, len(instr.operands))
	for ii, operand := range instr.operands {
		operandShapes[ii] = operand.shape
	}
	expectOperands := func(n int) error {
		if len(operandShapes) != n {
			return errors.Errorf("%s expects %d operands, got %d", instr.opcode, n, len(operandShapes))
		}
		return nil
	}
	switch op := instr.opcode; {
	case op == OpcodeParameter:
		return instr.shape, expectOperands(0)
	case op == OpcodeConstant:
		if err := expectOperands(0); err != nil {
			return shapes.Invalid(), err
		}
		if instr.literal == nil {
			return shapes.Invalid(), errors.Errorf("constant %q has no literal", instr.name)
		}
		return instr.literal.shape, nil
	case op == OpcodeConvert:
		if err := expectOperands(1); err != nil {
			return shapes.Invalid(), err
		}
		return convertShape(operandShapes[0], instr.shape.DType)
	case op.IsElementwiseUnary():
		if err := expectOperands(1); err != nil {
			return shapes.Invalid(), err
		}
		return unaryOpShape(op, operandShapes[0])
	case op.IsElementwiseBinary():
		if err := expectOperands(2); err != nil {
			return shapes.Invalid(), err
		}
		return binaryOpShape(op, operandShapes[0], operandShapes[1])
	case op == OpcodeBitcast:
		if err := expectOperands(1); err != nil {
			return shapes.Invalid(), err
		}
		return instr.shape, bitcastShape(operandShapes[0], instr.shape)
	case op == OpcodeReshape:
		if err := expectOperands(1); err != nil {
			return shapes.Invalid(), err
		}
		return reshapeShape(operandShapes[0], instr.shape.Dimensions)
	case op == OpcodeBroadcast:
		if err := expectOperands(1); err != nil {
			return shapes.Invalid(), err
		}
		return instr.shape, broadcastShape(operandShapes[0], instr.shape, instr.dimensions)
	case op == OpcodeTranspose:
		if err := expectOperands(1); err != nil {
			return shapes.Invalid(), err
		}
		return transposeShape(operandShapes[0], instr.dimensions)
	case op == OpcodeReduce:
		if err := expectOperands(2); err != nil {
			return shapes.Invalid(), err
		}
		return reduceShape(operandShapes[0], operandShapes[1], instr.reducer, instr.dimensions)
	case op == OpcodeDot:
		if err := expectOperands(2); err != nil {
			return shapes.Invalid(), err
		}
		return dotShape(operandShapes[0], operandShapes[1])
	case op == OpcodeCall || op == OpcodeFusion:
		if instr.calledComputation == nil {
			return shapes.Invalid(), errors.Errorf("%s %q has no called computation", op, instr.name)
		}
		return callShape(instr.calledComputation, operandShapes)
	}
	return shapes.Invalid(), errors.Errorf("unsupported opcode %s for %q", instr.opcode, instr.name)
}
