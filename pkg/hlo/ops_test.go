// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/hlofusion/pkg/core/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Aliases
var (
	F32 = dtypes.Float32
	F16 = dtypes.Float16
	I32 = dtypes.Int32

	MS = shapes.Make
)

// buildSoftmaxLike builds the canonical "x - broadcast(reduce_max(x))" diamond.
func buildSoftmaxLike(t *testing.T) (*Module, *Computation) {
	m := NewModule("softmax")
	c := m.NewComputation("main")
	x := must.M1(c.Parameter(0, MS(F32, 127, 125), "param_0"))
	negInf := must.M1(c.ScalarConstant(F32, math.Inf(-1)))
	reduce := must.M1(c.Reduce(x, negInf, OpcodeMaximum, 1))
	broadcast := must.M1(c.Broadcast(reduce, x.Shape(), 0))
	sub := must.M1(c.Binary(OpcodeSubtract, x, broadcast))
	require.NoError(t, c.SetRoot(sub))
	require.NoError(t, m.SetEntry(c))
	return m, c
}

func TestConstruction(t *testing.T) {
	m, c := buildSoftmaxLike(t)
	require.NoError(t, Verify(m))
	root := c.Root()
	assert.Equal(t, OpcodeSubtract, root.Opcode())
	assert.True(t, root.IsRoot())
	assert.True(t, root.IsElementwiseBinary())

	x := c.Instruction("param_0")
	require.NotNil(t, x)
	assert.Equal(t, 2, x.UserCount(), "param_0 is used by reduce and subtract")
	reduce := x.Users()[0]
	assert.Equal(t, OpcodeReduce, reduce.Opcode())
	assert.Equal(t, []int{1}, reduce.Dimensions())
	assert.Equal(t, OpcodeMaximum, reduce.Reducer())
	assert.True(t, reduce.Shape().Equal(MS(F32, 127)))
	assert.Equal(t, "reduce", reduce.Name())

	// Names are made unique within the module.
	y := must.M1(c.Unary(OpcodeExp, x))
	z := must.M1(c.Unary(OpcodeExp, y))
	assert.Equal(t, "exponential", y.Name())
	assert.Equal(t, "exponential.1", z.Name())
	assert.NotEqual(t, y.ID(), z.ID())
}

func TestConstructionErrors(t *testing.T) {
	m := NewModule("errors")
	c := m.NewComputation("main")
	x := must.M1(c.Parameter(0, MS(F32, 4, 8), ""))
	i := must.M1(c.Parameter(1, MS(I32, 4, 8), ""))
	var err error

	_, err = c.Parameter(0, MS(F32, 2), "")
	require.Error(t, err, "duplicate parameter number")
	_, err = c.Binary(OpcodeAdd, x, i)
	require.Error(t, err, "dtype mismatch")
	_, err = c.Binary(OpcodeExp, x, x)
	require.Error(t, err, "not a binary op")
	_, err = c.Unary(OpcodeExp, i)
	require.Error(t, err, "exp requires floats")
	_, err = c.Reshape(x, 3, 10)
	require.Error(t, err, "size mismatch")
	_, err = c.Bitcast(x, MS(F32, 16))
	require.Error(t, err, "byte size mismatch")
	_, err = c.Broadcast(x, MS(F32, 4, 8, 2), 0, 2)
	require.Error(t, err, "dimension mismatch")
	_, err = c.Broadcast(x, MS(F32, 4, 8, 2), 0, 0)
	require.Error(t, err, "repeated axis")
	_, err = c.Transpose(x, 0, 0)
	require.Error(t, err, "invalid permutation")
	init := must.M1(c.ScalarConstant(F32, 0))
	_, err = c.Reduce(x, init, OpcodeSubtract, 1)
	require.Error(t, err, "unsupported reducer")
	_, err = c.Reduce(x, init, OpcodeAdd, 2)
	require.Error(t, err, "axis out of range")
	_, err = c.Reduce(x, x, OpcodeAdd, 1)
	require.Error(t, err, "init must be scalar")

	other := m.NewComputation("other")
	_, err = other.Unary(OpcodeExp, x)
	require.Error(t, err, "operand from a different computation")

	// Shapes.
	transposed := must.M1(c.Transpose(x, 1, 0))
	assert.Equal(t, []int{8, 4}, transposed.Shape().Dimensions)
	bitcast := must.M1(c.Bitcast(x, MS(F32, 32)))
	assert.Equal(t, []int{32}, bitcast.Shape().Dimensions)
	sum := must.M1(c.Reduce(x, init, OpcodeAdd, 0, 1))
	assert.True(t, sum.Shape().IsScalar())
	converted := must.M1(c.Convert(x, F16))
	assert.Equal(t, F16, converted.Shape().DType)
	dot := must.M1(c.Dot(x, transposed))
	assert.Equal(t, []int{4, 4}, dot.Shape().Dimensions)
}

func TestMutation(t *testing.T) {
	m, c := buildSoftmaxLike(t)
	x := c.Instruction("param_0")
	broadcast := c.Instruction("broadcast")
	sub := c.Root()

	// Cannot remove instructions in use.
	require.Error(t, c.RemoveInstruction(broadcast))
	require.Error(t, c.RemoveInstruction(sub), "root can't be removed")

	// Replace the root by exp(x): the whole diamond except the parameter goes away.
	exp := must.M1(c.Unary(OpcodeExp, x))
	require.NoError(t, c.ReplaceInstruction(sub, exp))
	require.NoError(t, Verify(m))
	assert.Equal(t, exp, c.Root())
	assert.True(t, sub.IsRemoved())
	assert.True(t, broadcast.IsRemoved())
	assert.Nil(t, c.Instruction("reduce"))
	assert.Equal(t, 2, c.InstructionCount(), "only param_0 and exponential remain")
	assert.Equal(t, []*Instruction{exp}, x.Users())

	// ReplaceOperandWith.
	neg := must.M1(c.Unary(OpcodeNegate, x))
	abs := must.M1(c.Unary(OpcodeAbs, exp))
	require.NoError(t, abs.ReplaceOperandWith(0, neg))
	assert.Equal(t, 0, exp.UserCount())
	assert.Equal(t, []*Instruction{abs}, neg.Users())
	require.Error(t, abs.ReplaceOperandWith(0, must.M1(c.Reshape(x, 127*125))), "shape mismatch")
	require.NoError(t, c.SetRoot(abs))
	require.NoError(t, c.RemoveInstruction(exp))
	require.NoError(t, Verify(m))

	// ReplaceAllUsesWith with a user that consumes the replaced instruction.
	wrapper := must.M1(c.Unary(OpcodeTanh, abs))
	require.NoError(t, abs.ReplaceAllUsesWith(wrapper))
	assert.Equal(t, wrapper, c.Root())
	assert.Equal(t, []*Instruction{wrapper}, abs.Users())
	require.NoError(t, Verify(m))
}

func TestPostOrder(t *testing.T) {
	m, c := buildSoftmaxLike(t)
	// Add an instruction not reachable from the root.
	x := c.Instruction("param_0")
	_ = must.M1(c.Unary(OpcodeNegate, x))
	postOrder := c.MakeInstructionPostOrder()
	require.Len(t, postOrder, c.InstructionCount())
	position := make(map[*Instruction]int)
	for ii, instr := range postOrder {
		position[instr] = ii
	}
	for _, instr := range postOrder {
		for _, operand := range instr.Operands() {
			assert.Less(t, position[operand], position[instr], "%s before %s", operand.Name(), instr.Name())
		}
	}
	assert.Equal(t, c.Root(), postOrder[len(postOrder)-1])
	require.NoError(t, Verify(m))
}

func TestFusionAndClone(t *testing.T) {
	m := NewModule("fusion")
	body := NewComputation("fused_computation")
	p := must.M1(body.Parameter(0, MS(F32, 2, 3), "p"))
	body.root = must.M1(body.Unary(OpcodeExp, p))
	body = must.M1(m.AddComputation(body))
	_, err := m.AddComputation(body)
	require.Error(t, err, "already attached")

	c := m.NewComputation("main")
	x := must.M1(c.Parameter(0, MS(F32, 2, 3), "x"))
	fusion := must.M1(c.Fusion(FusionKindCustom, body, x))
	require.NoError(t, c.SetRoot(fusion))
	require.NoError(t, m.SetEntry(c))
	require.NoError(t, Verify(m))
	assert.True(t, body.IsFusionComputation())
	assert.Equal(t, fusion, body.FusionInstruction())
	_, err = c.Fusion(FusionKindCustom, body, x)
	require.Error(t, err, "a computation can only be the body of one fusion")
	assert.Len(t, m.MakeNonFusionComputations(nil), 1)

	clone := m.Clone()
	require.NoError(t, Verify(clone))
	assert.Equal(t, m.String(), clone.String())
	clonedFusion := clone.Entry().Root()
	assert.NotSame(t, fusion, clonedFusion)
	assert.Equal(t, clone.Computation("fused_computation"), clonedFusion.CalledComputation())
	assert.Equal(t, clonedFusion, clone.Computation("fused_computation").FusionInstruction())

	// Mutating the clone doesn't affect the original.
	neg := must.M1(clone.Entry().Unary(OpcodeNegate, clonedFusion))
	require.NoError(t, clone.Entry().SetRoot(neg))
	assert.Equal(t, fusion, c.Root())
	assert.Equal(t, 0, fusion.UserCount())
}

func TestExecutionThreads(t *testing.T) {
	m, _ := buildSoftmaxLike(t)
	host := m.NewComputation("host_computation")
	host.SetExecutionThread("host")
	p := must.M1(host.Parameter(0, MS(F32, 2), ""))
	require.NoError(t, host.SetRoot(p))
	assert.Len(t, m.MakeNonFusionComputations(nil), 2)
	excluded := m.MakeNonFusionComputations(map[string]struct{}{"host": {}})
	require.Len(t, excluded, 1)
	assert.Equal(t, "main", excluded[0].Name())
}

func TestComputationPostOrder(t *testing.T) {
	m := NewModule("post_order")
	main := m.NewComputation("main")
	callee := m.NewComputation("callee")
	p := must.M1(callee.Parameter(0, MS(F32, 3), ""))
	require.NoError(t, callee.SetRoot(must.M1(callee.Unary(OpcodeNegate, p))))
	x := must.M1(main.Parameter(0, MS(F32, 3), "x"))
	require.NoError(t, main.SetRoot(must.M1(main.Call(callee, x))))
	require.NoError(t, m.SetEntry(main))
	require.NoError(t, Verify(m))

	assert.Equal(t, []*Computation{main, callee}, m.Computations())
	assert.Equal(t, []*Computation{callee, main}, m.MakeComputationPostOrder())

	// Callees are printed first, so the text can be parsed back.
	m2 := must.M1(ParseModule(m.String()))
	assert.Equal(t, m.String(), m2.String())
}
