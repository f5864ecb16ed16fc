// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package evaluator implements a reference interpreter for hlo modules.
//
// It is slow, and it only exists to compare the results of a module before and after it's rewritten
// by a pass. Values are computed in float64 and rounded to the instruction's dtype after every operation,
// and reductions accumulate in row-major order, so the results are deterministic.
package evaluator

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/hlofusion/pkg/core/shapes"
	"github.com/gomlx/hlofusion/pkg/hlo"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// executor computes the value of one instruction, given the values of its operands.
type executor func(e *Evaluator, instr *hlo.Instruction, inputs []*hlo.Literal) (*hlo.Literal, error)

// executors is indexed by the opcode, and filled in init.
var executors [hlo.OpcodeLast]executor

func setExecutor(op hlo.Opcode, exec executor) {
	executors[op] = exec
}

// Evaluator interprets the computations of a module.
type Evaluator struct {
	module *hlo.Module

	// depth of nested calls, to protect against malformed recursive modules.
	depth int
}

// New creates an evaluator for the module. The module must not be mutated while being evaluated.
func New(module *hlo.Module) *Evaluator {
	return &Evaluator{module: module}
}

// Evaluate is a shortcut for New(module).Run(args...).
func Evaluate(module *hlo.Module, args ...*hlo.Literal) (*hlo.Literal, error) {
	return New(module).Run(args...)
}

// Run evaluates the entry computation of the module with the given arguments, one per parameter.
func (e *Evaluator) Run(args ...*hlo.Literal) (*hlo.Literal, error) {
	entry := e.module.Entry()
	if entry == nil {
		return nil, errors.Errorf("module %q has no entry computation", e.module.Name())
	}
	return e.EvaluateComputation(entry, args...)
}

const maxCallDepth = 64

// EvaluateComputation evaluates the computation c with the given arguments, one per parameter.
func (e *Evaluator) EvaluateComputation(c *hlo.Computation, args ...*hlo.Literal) (*hlo.Literal, error) {
	if c.Root() == nil {
		return nil, errors.Errorf("computation %q has no root", c.Name())
	}
	params := c.Parameters()
	if len(params) != len(args) {
		return nil, errors.Errorf("computation %q takes %d parameters, %d arguments given", c.Name(), len(params), len(args))
	}
	e.depth++
	defer func() { e.depth-- }()
	if e.depth > maxCallDepth {
		return nil, errors.Errorf("maximum call depth (%d) exceeded evaluating %q", maxCallDepth, c.Name())
	}
	klog.V(3).Infof("evaluating computation %q", c.Name())

	values := make(map[*hlo.Instruction]*hlo.Literal, c.InstructionCount())
	for _, instr := range c.MakeInstructionPostOrder() {
		var value *hlo.Literal
		if instr.Opcode() == hlo.OpcodeParameter {
			arg := args[instr.ParameterNumber()]
			if !arg.Shape().Equal(instr.Shape()) {
				return nil, errors.Errorf("computation %q parameter %d (%q) has shape %s, argument has shape %s",
					c.Name(), instr.ParameterNumber(), instr.Name(), instr.Shape(), arg.Shape())
			}
			values[instr] = arg
			continue
		}
		exec := executors[instr.Opcode()]
		if exec == nil {
			return nil, errors.Errorf("evaluator doesn't support opcode %s (instruction %q)", instr.Opcode(), instr.Name())
		}
		inputs := make([]*hlo.Literal, instr.OperandCount())
		for ii, operand := range instr.Operands() {
			inputs[ii] = values[operand]
		}
		var err error
		value, err = exec(e, instr, inputs)
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating %q in computation %q", instr.Name(), c.Name())
		}
		values[instr] = value
	}
	return values[c.Root()], nil
}

func init() {
	setExecutor(hlo.OpcodeConstant, execConstant)
	for _, op := range []hlo.Opcode{hlo.OpcodeAbs, hlo.OpcodeConvert, hlo.OpcodeExp, hlo.OpcodeLog, hlo.OpcodeLogistic,
		hlo.OpcodeNegate, hlo.OpcodeRsqrt, hlo.OpcodeSqrt, hlo.OpcodeTanh} {
		setExecutor(op, execUnary)
	}
	for _, op := range []hlo.Opcode{hlo.OpcodeAdd, hlo.OpcodeDivide, hlo.OpcodeMaximum, hlo.OpcodeMinimum,
		hlo.OpcodeMultiply, hlo.OpcodeSubtract} {
		setExecutor(op, execBinary)
	}
	setExecutor(hlo.OpcodeBitcast, execReshape)
	setExecutor(hlo.OpcodeReshape, execReshape)
	setExecutor(hlo.OpcodeBroadcast, execBroadcast)
	setExecutor(hlo.OpcodeTranspose, execTranspose)
	setExecutor(hlo.OpcodeReduce, execReduce)
	setExecutor(hlo.OpcodeDot, execDot)
	setExecutor(hlo.OpcodeCall, execCall)
	setExecutor(hlo.OpcodeFusion, execCall)
}

func execConstant(_ *Evaluator, instr *hlo.Instruction, _ []*hlo.Literal) (*hlo.Literal, error) {
	return instr.Literal(), nil
}

// unaryFn returns the float64 function for the elementwise unary opcode.
func unaryFn(op hlo.Opcode) func(x float64) float64 {
	switch op {
	case hlo.OpcodeAbs:
		return math.Abs
	case hlo.OpcodeConvert:
		return func(x float64) float64 { return x }
	case hlo.OpcodeExp:
		return math.Exp
	case hlo.OpcodeLog:
		return math.Log
	case hlo.OpcodeLogistic:
		return func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }
	case hlo.OpcodeNegate:
		return func(x float64) float64 { return -x }
	case hlo.OpcodeRsqrt:
		return func(x float64) float64 { return 1 / math.Sqrt(x) }
	case hlo.OpcodeSqrt:
		return math.Sqrt
	case hlo.OpcodeTanh:
		return math.Tanh
	}
	return nil
}

func execUnary(_ *Evaluator, instr *hlo.Instruction, inputs []*hlo.Literal) (*hlo.Literal, error) {
	fn := unaryFn(instr.Opcode())
	operand := inputs[0].Flat()
	output := make([]float64, len(operand))
	for ii, v := range operand {
		output[ii] = fn(v)
	}
	return hlo.NewLiteral(instr.Shape(), output)
}

// binaryFn returns the float64 function for the elementwise binary opcode.
// Integer dtypes use truncated division, and division by zero yields 0.
func binaryFn(op hlo.Opcode, dtype dtypes.DType) func(a, b float64) float64 {
	switch op {
	case hlo.OpcodeAdd:
		return func(a, b float64) float64 { return a + b }
	case hlo.OpcodeSubtract:
		return func(a, b float64) float64 { return a - b }
	case hlo.OpcodeMultiply:
		return func(a, b float64) float64 { return a * b }
	case hlo.OpcodeDivide:
		if dtype.IsFloat() {
			return func(a, b float64) float64 { return a / b }
		}
		return func(a, b float64) float64 {
			if b == 0 {
				return 0
			}
			return math.Trunc(a / b)
		}
	case hlo.OpcodeMaximum:
		return math.Max
	case hlo.OpcodeMinimum:
		return math.Min
	}
	return nil
}

func execBinary(_ *Evaluator, instr *hlo.Instruction, inputs []*hlo.Literal) (*hlo.Literal, error) {
	fn := binaryFn(instr.Opcode(), instr.Shape().DType)
	lhs, rhs := inputs[0].Flat(), inputs[1].Flat()
	output := make([]float64, len(lhs))
	for ii := range lhs {
		output[ii] = fn(lhs[ii], rhs[ii])
	}
	return hlo.NewLiteral(instr.Shape(), output)
}

// execReshape handles reshapes and bitcasts: the row-major flat values are unchanged.
func execReshape(_ *Evaluator, instr *hlo.Instruction, inputs []*hlo.Literal) (*hlo.Literal, error) {
	if inputs[0].Shape().DType != instr.Shape().DType {
		return nil, errors.Errorf("%s changing the dtype (%s to %s) is not supported by the evaluator",
			instr.Opcode(), inputs[0].Shape().DType, instr.Shape().DType)
	}
	return hlo.NewLiteral(instr.Shape(), inputs[0].Flat())
}

func execBroadcast(_ *Evaluator, instr *hlo.Instruction, inputs []*hlo.Literal) (*hlo.Literal, error) {
	operand := inputs[0]
	outputShape := instr.Shape()
	operandStrides := operand.Shape().Strides()
	// outputToOperandStrides[outputAxis] is the operand stride of the output axis, 0 for broadcast axes.
	outputToOperandStrides := make([]int, outputShape.Rank())
	for operandAxis, outputAxis := range instr.Dimensions() {
		outputToOperandStrides[outputAxis] = operandStrides[operandAxis]
	}
	output := make([]float64, outputShape.Size())
	it := newIndexIterator(outputShape)
	for outputIdx := range output {
		output[outputIdx] = operand.Value(it.flatIndex(outputToOperandStrides))
		it.next()
	}
	return hlo.NewLiteral(outputShape, output)
}

func execTranspose(_ *Evaluator, instr *hlo.Instruction, inputs []*hlo.Literal) (*hlo.Literal, error) {
	operand := inputs[0]
	outputShape := instr.Shape()
	operandStrides := operand.Shape().Strides()
	permutedStrides := make([]int, outputShape.Rank())
	for outputAxis, operandAxis := range instr.Dimensions() {
		permutedStrides[outputAxis] = operandStrides[operandAxis]
	}
	output := make([]float64, outputShape.Size())
	it := newIndexIterator(outputShape)
	for outputIdx := range output {
		output[outputIdx] = operand.Value(it.flatIndex(permutedStrides))
		it.next()
	}
	return hlo.NewLiteral(outputShape, output)
}

func execReduce(_ *Evaluator, instr *hlo.Instruction, inputs []*hlo.Literal) (*hlo.Literal, error) {
	operand, init := inputs[0], inputs[1]
	operandShape, outputShape := operand.Shape(), instr.Shape()
	dtype := outputShape.DType
	fn := binaryFn(instr.Reducer(), dtype)

	// Strides in the output for each axis of the operand, 0 for the reduced axes.
	reduced := make([]bool, operandShape.Rank())
	for _, axis := range instr.Dimensions() {
		reduced[axis] = true
	}
	outputStrides := outputShape.Strides()
	operandToOutputStrides := make([]int, operandShape.Rank())
	outputAxis := 0
	for axis := range operandShape.Dimensions {
		if reduced[axis] {
			continue
		}
		operandToOutputStrides[axis] = outputStrides[outputAxis]
		outputAxis++
	}

	output := make([]float64, outputShape.Size())
	for ii := range output {
		output[ii] = init.Value(0)
	}
	it := newIndexIterator(operandShape)
	for _, v := range operand.Flat() {
		outputIdx := it.flatIndex(operandToOutputStrides)
		output[outputIdx] = hlo.RoundToDType(dtype, fn(output[outputIdx], v))
		it.next()
	}
	return hlo.NewLiteral(outputShape, output)
}

func execDot(_ *Evaluator, instr *hlo.Instruction, inputs []*hlo.Literal) (*hlo.Literal, error) {
	lhs, rhs := inputs[0], inputs[1]
	m, k := lhs.Shape().Dimensions[0], lhs.Shape().Dimensions[1]
	n := rhs.Shape().Dimensions[1]
	dtype := instr.Shape().DType
	output := make([]float64, m*n)
	for row := range m {
		for col := range n {
			var sum float64
			for ii := range k {
				sum = hlo.RoundToDType(dtype, sum+lhs.Value(row*k+ii)*rhs.Value(ii*n+col))
			}
			output[row*n+col] = sum
		}
	}
	return hlo.NewLiteral(instr.Shape(), output)
}

// execCall evaluates calls and fusions alike: fusions have the semantics of their body.
func execCall(e *Evaluator, instr *hlo.Instruction, inputs []*hlo.Literal) (*hlo.Literal, error) {
	return e.EvaluateComputation(instr.CalledComputation(), inputs...)
}

// indexIterator iterates over the multi-dimensional indices of a shape in row-major order.
type indexIterator struct {
	dimensions []int
	indices    []int
}

func newIndexIterator(shape shapes.Shape) *indexIterator {
	return &indexIterator{dimensions: shape.Dimensions, indices: make([]int, shape.Rank())}
}

// flatIndex returns the dot product of the current indices with the given strides.
func (it *indexIterator) flatIndex(strides []int) int {
	flatIdx := 0
	for axis, idx := range it.indices {
		flatIdx += idx * strides[axis]
	}
	return flatIdx
}

// next advances to the next index, the last axis being the fastest to change.
func (it *indexIterator) next() {
	for axis := len(it.indices) - 1; axis >= 0; axis-- {
		it.indices[axis]++
		if it.indices[axis] < it.dimensions[axis] {
			return
		}
		it.indices[axis] = 0
	}
}

// RandomLiteral returns a literal of the given shape with random values: floats uniformly distributed
// in [-4, 4), integers in [-8, 8) (or [0, 16) if unsigned), and random booleans.
func RandomLiteral(shape shapes.Shape, rng *rand.Rand) (*hlo.Literal, error) {
	flat := make([]float64, shape.Size())
	dtype := shape.DType
	for ii := range flat {
		switch {
		case dtype == dtypes.Bool:
			flat[ii] = float64(rng.IntN(2))
		case dtype.IsFloat():
			flat[ii] = rng.Float64()*8 - 4
		case dtype.IsUnsigned():
			flat[ii] = float64(rng.IntN(16))
		default:
			flat[ii] = float64(rng.IntN(16) - 8)
		}
	}
	return hlo.NewLiteral(shape, flat)
}

// RandomArguments returns one random literal per parameter of the entry computation of the module.
func RandomArguments(module *hlo.Module, rng *rand.Rand) ([]*hlo.Literal, error) {
	entry := module.Entry()
	if entry == nil {
		return nil, errors.Errorf("module %q has no entry computation", module.Name())
	}
	params := entry.Parameters()
	args := make([]*hlo.Literal, len(params))
	for ii, param := range params {
		var err error
		args[ii], err = RandomLiteral(param.Shape(), rng)
		if err != nil {
			return nil, errors.WithMessagef(err, "parameter %q", param.Name())
		}
	}
	return args, nil
}
