// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package softmax

import (
	"testing"

	"github.com/gomlx/hlofusion/pkg/device"
	"github.com/gomlx/hlofusion/pkg/hlo"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const trivialOpsHLO = `
HloModule trivial_ops

ENTRY main {
  p = f32[4,8] parameter(0)
  i = s32[4,8] parameter(1)
  q = f32[4,8] parameter(2)
  one = f32[1] parameter(3)
  reshape_degenerate = f32[4,1,8] reshape(p)
  reshape_flatten = f32[32] reshape(p)
  reshape_last_changed = f32[4,8,1] reshape(p)
  bitcast_split = f32[2,2,8] bitcast(p)
  bitcast_transposed = f32[8,4] bitcast(p)
  bitcast_to_int = s32[4,8] bitcast(p)
  bitcast_scalar = f32[] bitcast(one)
  zero = f32[] constant(0)
  sum = f32[4] reduce(p, zero), dimensions={1}, to_apply=add
  reshape_reduced = f32[4,1] reshape(sum)
  bitcast_reduced = f32[2,2] bitcast(sum)
  convert_int = f32[4,8] convert(i)
  convert_float = bf16[4,8] convert(p)
  exp = f32[4,8] exponential(p)
  negate_int = s32[4,8] negate(i)
  add_same = f32[4,8] add(p, p)
  add_different = f32[4,8] add(p, q)
  two = f32[] constant(2)
  splat = f32[4,8] broadcast(two), dimensions={}
  multiply_splat = f32[4,8] multiply(splat, p)
  half = f32[4] parameter(4)
  not_splat = f32[4,8] broadcast(half), dimensions={0}
  multiply_not_splat = f32[4,8] multiply(p, not_splat)
  x = f32[] parameter(5)
  scalar_param_broadcast = f32[4,8] broadcast(x), dimensions={}
  multiply_param_broadcast = f32[4,8] multiply(p, scalar_param_broadcast)
  ROOT splat_twice = f32[4,8] add(splat, splat)
}
`

func TestTrivialOpsPolicies(t *testing.T) {
	m := must.M1(hlo.ParseModule(trivialOpsHLO))
	entry := m.Entry()
	testCases := []struct {
		name              string
		byDefault, strict bool
	}{
		{"reshape_degenerate", true, true},
		{"reshape_flatten", false, false},
		{"reshape_last_changed", false, false},
		{"bitcast_split", true, true},
		{"bitcast_transposed", false, false},
		{"bitcast_to_int", false, false},
		{"bitcast_scalar", true, true},
		{"reshape_reduced", true, true},
		{"bitcast_reduced", true, true},
		{"convert_int", false, true},
		{"convert_float", true, true},
		{"exp", true, false},
		{"negate_int", false, false},
		{"add_same", true, false},
		{"add_different", false, false},
		{"multiply_splat", true, false},
		{"multiply_not_splat", false, false},
		{"multiply_param_broadcast", false, false},
		{"splat_twice", true, false},
		{"sum", false, false},
		{"splat", false, false},
	}
	for _, tc := range testCases {
		instr := entry.Instruction(tc.name)
		require.NotNil(t, instr, tc.name)
		assert.Equal(t, tc.byDefault, DefaultTrivialOps(instr), "DefaultTrivialOps(%s)", tc.name)
		assert.Equal(t, tc.strict, StrictTrivialOps(instr), "StrictTrivialOps(%s)", tc.name)
	}
}

func TestIsTriviallyFusible(t *testing.T) {
	m := must.M1(hlo.ParseModule(`
HloModule fusible
ENTRY main {
  p = f32[4,8] parameter(0)
  exp = f32[4,8] exponential(p)
  a = f32[4,8] negate(exp)
  b = f32[4,8] abs(exp)
  two = f32[] constant(2)
  splat = f32[4,8] broadcast(two), dimensions={}
  scaled = f32[4,8] multiply(splat, b)
  ROOT out = f32[4,8] add(a, scaled)
}`))
	entry := m.Entry()
	r := New(device.A100(), nil)
	exp := entry.Instruction("exp")
	assert.False(t, r.isTriviallyFusible(exp, 1), "exp has 2 users")
	assert.True(t, r.isTriviallyFusible(exp, 2))
	assert.True(t, r.isTriviallyFusible(entry.Instruction("a"), 1))
	assert.False(t, r.isTriviallyFusible(entry.Instruction("splat"), 1), "broadcasts are never trivially fusible")
	assert.False(t, r.isTriviallyFusible(entry.Instruction("p"), 1), "parameters are never trivially fusible")
	assert.False(t, r.isTriviallyFusible(entry.Instruction("out"), 1))

	// Walking back from scaled skips the splat.
	scaled := entry.Instruction("scaled")
	assert.Same(t, entry.Instruction("b"), chooseOperandForFusionProcessing(scaled))
	assert.Same(t, exp, r.walkTrivialOps(scaled, 1))
	assert.Same(t, entry.Instruction("p"), r.walkTrivialOps(scaled, 2))

	// A policy accepting nothing stops everywhere.
	r.WithTrivialOps(func(*hlo.Instruction) bool { return false })
	assert.Same(t, scaled, r.walkTrivialOps(scaled, 2))
}
