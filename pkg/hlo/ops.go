// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/hlofusion/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Fusion kinds.
const (
	FusionKindLoop   = "kLoop"
	FusionKindInput  = "kInput"
	FusionKindCustom = "kCustom"
)

// checkOperands verifies the operands can be used by a new instruction in computation c.
func (c *Computation) checkOperands(op Opcode, operands ...*Instruction) error {
	for ii, operand := range operands {
		if operand == nil {
			return errors.Errorf("%s: operand #%d is nil", op, ii)
		}
		if operand.removed {
			return errors.Errorf("%s: operand #%d %q has been removed", op, ii, operand.name)
		}
		if operand.parent != c {
			return errors.Errorf("%s: operand #%d %q belongs to a different computation than %q", op, ii, operand.name, c.name)
		}
	}
	return nil
}

// Parameter adds the parameter number with the given shape. If name is empty a default is used.
func (c *Computation) Parameter(number int, shape shapes.Shape, name string) (*Instruction, error) {
	if number < 0 {
		return nil, errors.Errorf("invalid parameter number %d", number)
	}
	if !shape.Ok() {
		return nil, errors.Errorf("invalid shape %s for parameter %d", shape, number)
	}
	for _, instr := range c.instructions {
		if instr.opcode == OpcodeParameter && instr.parameterNumber == number {
			return nil, errors.Errorf("computation %q already has parameter %d (%q)", c.name, number, instr.name)
		}
	}
	return c.addInstruction(&Instruction{
		name:            name,
		opcode:          OpcodeParameter,
		shape:           shape.Clone(),
		parameterNumber: number,
	}), nil
}

// Constant adds a constant instruction holding the literal.
func (c *Computation) Constant(literal *Literal) (*Instruction, error) {
	if literal == nil || !literal.shape.Ok() {
		return nil, errors.New("Constant requires a valid literal")
	}
	return c.addInstruction(&Instruction{
		opcode:  OpcodeConstant,
		shape:   literal.shape.Clone(),
		literal: literal.Clone(),
	}), nil
}

// ScalarConstant is a shortcut to Constant(NewScalarLiteral(dtype, value)).
func (c *Computation) ScalarConstant(dtype dtypes.DType, value float64) (*Instruction, error) {
	return c.Constant(NewScalarLiteral(dtype, value))
}

// Unary adds an elementwise unary operation (except Convert, see Computation.Convert).
func (c *Computation) Unary(op Opcode, x *Instruction) (*Instruction, error) {
	if err := c.checkOperands(op, x); err != nil {
		return nil, err
	}
	shape, err := unaryOpShape(op, x.shape)
	if err != nil {
		return nil, err
	}
	return c.addInstruction(&Instruction{opcode: op, shape: shape, operands: []*Instruction{x}}), nil
}

// Binary adds an elementwise binary operation. lhs and rhs must have the same shape.
func (c *Computation) Binary(op Opcode, lhs, rhs *Instruction) (*Instruction, error) {
	if err := c.checkOperands(op, lhs, rhs); err != nil {
		return nil, err
	}
	shape, err := binaryOpShape(op, lhs.shape, rhs.shape)
	if err != nil {
		return nil, err
	}
	return c.addInstruction(&Instruction{opcode: op, shape: shape, operands: []*Instruction{lhs, rhs}}), nil
}

// Convert adds a conversion of x to dtype.
func (c *Computation) Convert(x *Instruction, dtype dtypes.DType) (*Instruction, error) {
	if err := c.checkOperands(OpcodeConvert, x); err != nil {
		return nil, err
	}
	shape, err := convertShape(x.shape, dtype)
	if err != nil {
		return nil, err
	}
	return c.addInstruction(&Instruction{opcode: OpcodeConvert, shape: shape, operands: []*Instruction{x}}), nil
}

// Bitcast adds a reinterpretation of x with the given shape, which must have the same size in bytes.
func (c *Computation) Bitcast(x *Instruction, shape shapes.Shape) (*Instruction, error) {
	if err := c.checkOperands(OpcodeBitcast, x); err != nil {
		return nil, err
	}
	if err := bitcastShape(x.shape, shape); err != nil {
		return nil, err
	}
	return c.addInstruction(&Instruction{opcode: OpcodeBitcast, shape: shape.Clone(), operands: []*Instruction{x}}), nil
}

// Reshape adds a reshape of x to the given dimensions, which must have the same number of elements.
func (c *Computation) Reshape(x *Instruction, dimensions ...int) (*Instruction, error) {
	if err := c.checkOperands(OpcodeReshape, x); err != nil {
		return nil, err
	}
	shape, err := reshapeShape(x.shape, dimensions)
	if err != nil {
		return nil, err
	}
	return c.addInstruction(&Instruction{opcode: OpcodeReshape, shape: shape, operands: []*Instruction{x}}), nil
}

// Broadcast adds a broadcast of x to shape. dimensions maps each axis of x to an axis of the output.
func (c *Computation) Broadcast(x *Instruction, shape shapes.Shape, dimensions ...int) (*Instruction, error) {
	if err := c.checkOperands(OpcodeBroadcast, x); err != nil {
		return nil, err
	}
	if err := broadcastShape(x.shape, shape, dimensions); err != nil {
		return nil, err
	}
	return c.addInstruction(&Instruction{
		opcode:     OpcodeBroadcast,
		shape:      shape.Clone(),
		operands:   []*Instruction{x},
		dimensions: slices.Clone(dimensions),
	}), nil
}

// Transpose adds a permutation of the axes of x.
func (c *Computation) Transpose(x *Instruction, permutation ...int) (*Instruction, error) {
	if err := c.checkOperands(OpcodeTranspose, x); err != nil {
		return nil, err
	}
	shape, err := transposeShape(x.shape, permutation)
	if err != nil {
		return nil, err
	}
	return c.addInstruction(&Instruction{
		opcode:     OpcodeTranspose,
		shape:      shape,
		operands:   []*Instruction{x},
		dimensions: slices.Clone(permutation),
	}), nil
}

// Reduce adds a reduction of x over axes, using reducer as the combiner and init as the initial value.
func (c *Computation) Reduce(x, init *Instruction, reducer Opcode, axes ...int) (*Instruction, error) {
	if err := c.checkOperands(OpcodeReduce, x, init); err != nil {
		return nil, err
	}
	shape, err := reduceShape(x.shape, init.shape, reducer, axes)
	if err != nil {
		return nil, err
	}
	return c.addInstruction(&Instruction{
		opcode:     OpcodeReduce,
		shape:      shape,
		operands:   []*Instruction{x, init},
		dimensions: slices.Clone(axes),
		reducer:    reducer,
	}), nil
}

// Dot adds a matrix multiplication of two rank-2 operands.
func (c *Computation) Dot(lhs, rhs *Instruction) (*Instruction, error) {
	if err := c.checkOperands(OpcodeDot, lhs, rhs); err != nil {
		return nil, err
	}
	shape, err := dotShape(lhs.shape, rhs.shape)
	if err != nil {
		return nil, err
	}
	return c.addInstruction(&Instruction{opcode: OpcodeDot, shape: shape, operands: []*Instruction{lhs, rhs}}), nil
}

func (c *Computation) checkCalled(op Opcode, called *Computation) error {
	if called == nil {
		return errors.Errorf("%s requires a called computation", op)
	}
	if called == c {
		return errors.Errorf("%s: computation %q cannot call itself", op, c.name)
	}
	if c.module != nil && called.module != c.module {
		return errors.Errorf("%s: called computation %q is not part of module %q", op, called.name, c.module.name)
	}
	return nil
}

// Call adds a call to the computation called, with the given operands as parameters.
func (c *Computation) Call(called *Computation, operands ...*Instruction) (*Instruction, error) {
	if err := c.checkCalled(OpcodeCall, called); err != nil {
		return nil, err
	}
	if err := c.checkOperands(OpcodeCall, operands...); err != nil {
		return nil, err
	}
	shape, err := callShape(called, operandShapes(operands))
	if err != nil {
		return nil, err
	}
	return c.addInstruction(&Instruction{
		opcode:            OpcodeCall,
		shape:             shape,
		operands:          slices.Clone(operands),
		calledComputation: called,
	}), nil
}

// Fusion adds a fusion instruction of the given kind (e.g. FusionKindCustom), whose body is the computation called.
// The called computation becomes a fusion computation: it can only be owned by one fusion instruction.
func (c *Computation) Fusion(kind string, called *Computation, operands ...*Instruction) (*Instruction, error) {
	if err := c.checkCalled(OpcodeFusion, called); err != nil {
		return nil, err
	}
	if called.fusionInstruction != nil && !called.fusionInstruction.removed {
		return nil, errors.Errorf("computation %q is already the body of fusion %q", called.name, called.fusionInstruction.name)
	}
	if err := c.checkOperands(OpcodeFusion, operands...); err != nil {
		return nil, err
	}
	shape, err := callShape(called, operandShapes(operands))
	if err != nil {
		return nil, err
	}
	instr := c.addInstruction(&Instruction{
		opcode:            OpcodeFusion,
		shape:             shape,
		operands:          slices.Clone(operands),
		calledComputation: called,
		fusionKind:        kind,
	})
	called.fusionInstruction = instr
	return instr, nil
}

// AddClone adds to c a copy of src (from any computation) using the given operands.
// The shape is re-inferred, so operands must be compatible with the original ones.
// Parameters and fusions cannot be cloned.
func (c *Computation) AddClone(src *Instruction, operands ...*Instruction) (*Instruction, error) {
	if src.opcode == OpcodeParameter || src.opcode == OpcodeFusion {
		return nil, errors.Errorf("AddClone: cannot clone %s %q", src.opcode, src.name)
	}
	if len(operands) != len(src.operands) {
		return nil, errors.Errorf("AddClone: %q has %d operands, got %d", src.name, len(src.operands), len(operands))
	}
	if err := c.checkOperands(src.opcode, operands...); err != nil {
		return nil, err
	}
	instr := &Instruction{
		name:              src.name,
		opcode:            src.opcode,
		shape:             src.shape.Clone(),
		operands:          slices.Clone(operands),
		dimensions:        slices.Clone(src.dimensions),
		reducer:           src.reducer,
		calledComputation: src.calledComputation,
		backendConfig:     src.backendConfig,
	}
	if src.literal != nil {
		instr.literal = src.literal.Clone()
	}
	shape, err := inferShape(instr)
	if err != nil {
		return nil, errors.WithMessagef(err, "AddClone(%q)", src.name)
	}
	if !shape.Equal(src.shape) {
		return nil, errors.Errorf("AddClone(%q): operands yield shape %s, expected %s", src.name, shape, src.shape)
	}
	return c.addInstruction(instr), nil
}

func operandShapes(operands []*Instruction) []shapes.Shape {
	result := make([]shapes.Shape, len(operands))
	for ii, operand := range operands {
		result[ii] = operand.shape
	}
	return result
}
