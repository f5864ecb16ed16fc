// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"math"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const softmaxHLO = `
HloModule softmax

ENTRY main {
  param_0 = f32[127,125]{1,0} parameter(0)
  constant_neg_inf = f32[] constant(-inf)
  reduce = f32[127]{0} reduce(param_0, constant_neg_inf), dimensions={1}, to_apply=maximum
  broadcast = f32[127,125]{1,0} broadcast(reduce), dimensions={0}
  ROOT subtract = f32[127,125]{1,0} subtract(param_0, broadcast)
}
`

func TestParseModule(t *testing.T) {
	m := must.M1(ParseModule(softmaxHLO))
	require.NoError(t, Verify(m))
	assert.Equal(t, "softmax", m.Name())
	entry := m.Entry()
	require.NotNil(t, entry)
	assert.Equal(t, "main", entry.Name())
	assert.Equal(t, 5, entry.InstructionCount())
	root := entry.Root()
	assert.Equal(t, "subtract", root.Name())
	assert.Equal(t, OpcodeSubtract, root.Opcode())
	constant := entry.Instruction("constant_neg_inf")
	require.NotNil(t, constant)
	assert.True(t, math.IsInf(constant.Literal().Value(0), -1))
	reduce := entry.Instruction("reduce")
	assert.Equal(t, OpcodeMaximum, reduce.Reducer())
	assert.Equal(t, []int{1}, reduce.Dimensions())

	// Round trip: printing and parsing again yields the same text.
	text := m.String()
	m2 := must.M1(ParseModule(text))
	assert.Equal(t, text, m2.String())
}

func TestParseXLAStyle(t *testing.T) {
	// Sigils, signatures, operand shapes, reducer computations, comments, metadata and execution threads.
	text := `
HloModule xla_style, entry_computation_layout={(f32[4,8]{1,0})->f32[4,8]{1,0}}

%max_computation (x: f32[], y: f32[]) -> f32[] {
  %x = f32[] parameter(0)
  %y = f32[] parameter(1)
  ROOT %maximum = f32[] maximum(f32[] %x, f32[] %y)
}

%host_computation (p: f32[2]) -> f32[2] {
  ROOT %p = f32[2]{0} parameter(0)
}, execution_thread="host"

%fused_exp (p0: f32[4,8]) -> f32[4,8] {
  %p0 = f32[4,8]{1,0} parameter(0)
  ROOT %exp = f32[4,8]{1,0} exponential(f32[4,8]{1,0} %p0)
}

ENTRY %main (input: f32[4,8]) -> f32[4,8] {
  %input = f32[4,8]{1,0} parameter(0)  // The input.
  %c = f32[] constant(-inf)
  %r = f32[4]{0} reduce(f32[4,8]{1,0} %input, f32[] %c), dimensions={1}, to_apply=%max_computation, metadata={op_name="max"}
  %b = f32[4,8]{1,0} broadcast(f32[4]{0} %r), dimensions={0}
  %s = f32[4,8]{1,0} subtract(%input, %b)
  ROOT %f = f32[4,8]{1,0} fusion(%s), kind=kLoop, calls=%fused_exp, backend_config="{\"kind\":\"test\"}"
}
`
	m := must.M1(ParseModule(text))
	require.NoError(t, Verify(m))
	assert.Equal(t, "xla_style", m.Name())
	assert.Equal(t, "main", m.Entry().Name())
	assert.Len(t, m.Computations(), 4)
	assert.Equal(t, OpcodeMaximum, m.Entry().Instruction("r").Reducer())
	fusion := m.Entry().Root()
	assert.Equal(t, OpcodeFusion, fusion.Opcode())
	assert.Equal(t, FusionKindLoop, fusion.FusionKind())
	assert.Equal(t, `{"kind":"test"}`, fusion.BackendConfig())
	assert.True(t, m.Computation("fused_exp").IsFusionComputation())
	assert.Equal(t, "host", m.Computation("host_computation").ExecutionThread())
	// The fusion and the host computation are excluded.
	assert.Len(t, m.MakeNonFusionComputations(map[string]struct{}{"host": {}}), 2)

	// Round trip.
	printed := m.String()
	assert.Contains(t, printed, `execution_thread="host"`)
	assert.Contains(t, printed, `backend_config="{\"kind\":\"test\"}"`)
	m2 := must.M1(ParseModule(printed))
	assert.Equal(t, printed, m2.String())
}

func TestParseConstants(t *testing.T) {
	m := must.M1(ParseModule(`
HloModule constants
ENTRY main {
  a = f32[2,2] constant({{1, 2.5}, {-3, inf}})
  b = pred[2] constant({true, false})
  c = s32[] constant(7)
  ROOT add = f32[2,2] add(a, a)
}`))
	entry := m.Entry()
	assert.Equal(t, []float64{1, 2.5, -3, math.Inf(1)}, entry.Instruction("a").Literal().Flat())
	assert.Equal(t, []float64{1, 0}, entry.Instruction("b").Literal().Flat())
	assert.Equal(t, "{1, 2.5, -3, inf}", entry.Instruction("a").Literal().String())
	assert.Equal(t, "7", entry.Instruction("c").Literal().String())
}

func TestParseErrors(t *testing.T) {
	for name, text := range map[string]string{
		"missing header": `ENTRY main {
  ROOT p = f32[] parameter(0)
}`,
		"unknown operand": `HloModule m
ENTRY main {
  ROOT a = f32[2] add(x, x)
}`,
		"shape mismatch": `HloModule m
ENTRY main {
  p = f32[2] parameter(0)
  ROOT a = f32[3] add(p, p)
}`,
		"unknown opcode": `HloModule m
ENTRY main {
  p = f32[2] parameter(0)
  ROOT a = f32[2] frobnicate(p)
}`,
		"unterminated": `HloModule m
ENTRY main {
  ROOT p = f32[2] parameter(0)`,
		"duplicate name": `HloModule m
ENTRY main {
  p = f32[2] parameter(0)
  p = f32[2] negate(p)
  ROOT n = f32[2] negate(p)
}`,
		"wrong constant size": `HloModule m
ENTRY main {
  ROOT c = f32[3] constant({1, 2})
}`,
		"undefined callee": `HloModule m
ENTRY main {
  p = f32[2] parameter(0)
  ROOT f = f32[2] fusion(p), kind=kCustom, calls=missing
}`,
		"two roots": `HloModule m
ENTRY main {
  ROOT p = f32[2] parameter(0)
  ROOT n = f32[2] negate(p)
}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseModule(text)
			require.Error(t, err)
		})
	}
}
