// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package softmax

import (
	"encoding/json"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/hlofusion/pkg/core/shapes"
	"github.com/gomlx/hlofusion/pkg/device"
	"github.com/gomlx/hlofusion/pkg/hlo"
	"github.com/gomlx/hlofusion/pkg/hlo/evaluator"
	"github.com/gomlx/hlofusion/pkg/passes"
	"github.com/gomlx/hlofusion/pkg/passes/dce"
	"github.com/gomlx/hlofusion/pkg/support/sets"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scaledByParamHLO multiplies the input by a scalar parameter before the diamond: by default the multiplication
// is the producer of the chain, and with multiplyByScalarParameter the scalar becomes an extra fusion parameter.
const scaledByParamHLO = `
HloModule scaled_by_param

ENTRY main {
  p = f32[4,8] parameter(0)
  s = f32[] parameter(1)
  s_b = f32[4,8] broadcast(s), dimensions={}
  scaled = f32[4,8] multiply(p, s_b)
  neg_inf = f32[] constant(-inf)
  max = f32[4] reduce(scaled, neg_inf), dimensions={1}, to_apply=maximum
  max_b = f32[4,8] broadcast(max), dimensions={0}
  ROOT shifted = f32[4,8] subtract(scaled, max_b)
}
`

// multiplyByScalarParameter also accepts as trivial the multiplications by a broadcast scalar parameter.
func multiplyByScalarParameter(instr *hlo.Instruction) bool {
	if instr.Opcode() == hlo.OpcodeMultiply {
		rhs := instr.Operand(1)
		if rhs.Opcode() == hlo.OpcodeBroadcast && rhs.Operand(0).Opcode() == hlo.OpcodeParameter &&
			rhs.Operand(0).Shape().IsScalar() {
			return true
		}
	}
	return DefaultTrivialOps(instr)
}

// countFusions returns the number of triton softmax fusions in the module.
func countFusions(m *hlo.Module) int {
	count := 0
	for _, c := range m.Computations() {
		for _, instr := range c.Instructions() {
			if instr.Opcode() == hlo.OpcodeFusion && instr.FusionKind() == hlo.FusionKindCustom {
				count++
			}
		}
	}
	return count
}

func TestRewriteSingleDiamond(t *testing.T) {
	m := must.M1(hlo.ParseModule(singleDiamondHLO))
	r := New(device.A100(), nil)
	assert.Equal(t, "triton-softmax-rewriter", r.Name())
	changed := must.M1(r.Run(m, nil))
	require.True(t, changed)
	require.NoError(t, hlo.Verify(m))

	entry := m.Entry()
	fusion := entry.Root()
	require.Equal(t, hlo.OpcodeFusion, fusion.Opcode())
	assert.Equal(t, "triton_softmax", fusion.Name())
	assert.Equal(t, hlo.FusionKindCustom, fusion.FusionKind())
	var config BackendConfig
	require.NoError(t, json.Unmarshal([]byte(fusion.BackendConfig()), &config))
	assert.Equal(t, "__triton_softmax", config.FusionBackendConfig.Kind)
	assert.JSONEq(t, `{"fusion_backend_config":{"kind":"__triton_softmax"}}`, fusion.BackendConfig())

	// The producer is the only operand, and it is left untouched.
	producer := entry.Instruction("param_0")
	require.Equal(t, 1, fusion.OperandCount())
	assert.Same(t, producer, fusion.Operand(0))
	assert.Equal(t, 0, producer.ParameterNumber())
	assert.Equal(t, 2, entry.InstructionCount(), "all other instructions are in the fusion now")

	body := fusion.CalledComputation()
	assert.Equal(t, "triton_softmax_computation", body.Name())
	assert.True(t, body.IsFusionComputation())
	assert.Same(t, fusion, body.FusionInstruction())
	assert.Equal(t, entry.ExecutionThread(), body.ExecutionThread())
	assert.Equal(t, 1, body.ParameterCount())
	assert.Equal(t, hlo.OpcodeSubtract, body.Root().Opcode())
	assert.Equal(t, 5, body.InstructionCount())

	// The rewritten module can be printed and parsed back.
	text := m.String()
	m2 := must.M1(hlo.ParseModule(text))
	require.NoError(t, hlo.Verify(m2))
	assert.Equal(t, text, m2.String())

	// Finding chains again yields nothing, and running the pass again changes nothing.
	chains := must.M1(r.FindAllFusibleDiamondChains(m, nil))
	assert.Empty(t, chains)
	changed = must.M1(r.Run(m, nil))
	assert.False(t, changed)
	assert.Equal(t, text, m.String())
}

func TestRewriteChain(t *testing.T) {
	m := must.M1(hlo.ParseModule(twoDiamondsHLO))
	r := New(device.H100(), hlo.ShapeSizeBytes)
	require.True(t, must.M1(r.Run(m, nil)))
	require.NoError(t, hlo.Verify(m))
	assert.Equal(t, 1, countFusions(m), "both diamonds go to a single fusion")
	fusion := m.Entry().Root()
	assert.Same(t, m.Entry().Instruction("p1"), fusion.Operand(0))
	assert.Equal(t, hlo.OpcodeDivide, fusion.CalledComputation().Root().Opcode())
}

func TestRewriteForwardsProducers(t *testing.T) {
	for _, text := range []string{orderingHLO, fanOutHLO} {
		m := must.M1(hlo.ParseModule(text))
		numChains := len(must.M1(New(device.A100(), nil).FindAllFusibleDiamondChains(m, nil)))
		require.True(t, must.M1(New(device.A100(), nil).Run(m, nil)))
		require.NoError(t, hlo.Verify(m))
		assert.Equal(t, numChains, countFusions(m), "module %q", m.Name())

		// Every fusion consuming a chain root consumes the fusion that replaced it.
		for _, instr := range m.Entry().Instructions() {
			if instr.Opcode() != hlo.OpcodeFusion {
				continue
			}
			producer := instr.Operand(0)
			assert.False(t, producer.IsRemoved())
			assert.Contains(t, []hlo.Opcode{hlo.OpcodeParameter, hlo.OpcodeFusion}, producer.Opcode())
		}
	}
}

func TestRewriteExtraParameters(t *testing.T) {
	m := must.M1(hlo.ParseModule(scaledByParamHLO))
	chains := must.M1(New(device.A100(), nil).FindAllFusibleDiamondChains(m, nil))
	require.Len(t, chains, 1)
	assert.Equal(t, "scaled", chains[0].Producer.Name(), "by default the multiplication by a parameter is the producer")

	r := New(device.A100(), nil).WithTrivialOps(multiplyByScalarParameter)
	require.True(t, must.M1(r.Run(m, nil)))
	require.NoError(t, hlo.Verify(m))
	fusion := m.Entry().Root()
	require.Equal(t, 2, fusion.OperandCount())
	assert.Equal(t, "p", fusion.Operand(0).Name())
	assert.Equal(t, "s", fusion.Operand(1).Name())
	body := fusion.CalledComputation()
	assert.Equal(t, 2, body.ParameterCount())
	for _, param := range body.Parameters() {
		assert.True(t, fusion.Operand(param.ParameterNumber()).Shape().Equal(param.Shape()))
	}
}

// TestSemanticsPreserved checks the rewritten modules compute bit-identical results for random inputs.
func TestSemanticsPreserved(t *testing.T) {
	testCases := []struct {
		name   string
		hlo    string
		policy TrivialOpsPolicy
	}{
		{"single diamond", singleDiamondHLO, nil},
		{"two diamonds", twoDiamondsHLO, nil},
		{"softmax", softmaxHLO, nil},
		{"softmax strict", softmaxHLO, StrictTrivialOps},
		{"log softmax", logSoftmaxHLO, nil},
		{"converts", convertsHLO, nil},
		{"splat", splatHLO, nil},
		{"ordering", orderingHLO, nil},
		{"fan out", fanOutHLO, nil},
		{"call", callHLO, nil},
		{"threads", threadsHLO, nil},
		{"scaled by parameter", scaledByParamHLO, multiplyByScalarParameter},
	}
	rng := rand.New(rand.NewPCG(42, 0))
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			original := must.M1(hlo.ParseModule(tc.hlo))
			rewritten := original.Clone()
			r := New(device.A100(), nil)
			if tc.policy != nil {
				r.WithTrivialOps(tc.policy)
			}
			changed := must.M1(passes.NewPipeline("test", r, dce.Pass{}).WithVerify(true).Run(rewritten, nil))
			require.True(t, changed)
			require.Positive(t, countFusions(rewritten))
			for range 5 {
				args := must.M1(evaluator.RandomArguments(original, rng))
				want := must.M1(evaluator.Evaluate(original, args...))
				got := must.M1(evaluator.Evaluate(rewritten, args...))
				require.True(t, want.BitwiseEqual(got), "results differ:\n  want %s\n   got %s", want, got)
			}

			// Idempotence.
			text := rewritten.String()
			assert.False(t, must.M1(r.Run(rewritten, nil)))
			assert.Equal(t, text, rewritten.String())
		})
	}
}

func TestUnsupportedDevices(t *testing.T) {
	for _, d := range []*device.Description{device.V100(), device.MI250(), nil, {Name: "incomplete"}} {
		m := must.M1(hlo.ParseModule(softmaxHLO))
		text := m.String()
		r := New(d, nil)
		changed, err := r.Run(m, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnsupportedDevice), "device %s: unexpected error %+v", d, err)
		assert.False(t, changed)
		assert.Equal(t, text, m.String(), "module must not be changed")
	}
	require.NoError(t, New(device.RTXA6000(), nil).CheckDevice())
	require.NoError(t, New(device.H100(), nil).CheckDevice())
}

func TestRowDoesNotFitSharedMemory(t *testing.T) {
	// Rows of 50,000 float32 take 195 KiB: more than the A100 and less than the H100 shared memory.
	const largeRowsHLO = `
HloModule large_rows
ENTRY main {
  p = f32[2,50000] parameter(0)
  neg_inf = f32[] constant(-inf)
  max = f32[2] reduce(p, neg_inf), dimensions={1}, to_apply=maximum
  max_b = f32[2,50000] broadcast(max), dimensions={0}
  ROOT shifted = f32[2,50000] subtract(p, max_b)
}`
	m := must.M1(hlo.ParseModule(largeRowsHLO))
	text := m.String()
	r := New(device.A100(), nil)
	chains := must.M1(r.FindAllFusibleDiamondChains(m, nil))
	require.Len(t, chains, 1)
	_, err := r.FuseDiamondChain(chains[0])
	var rejected *FusionRejectedError
	require.True(t, errors.As(err, &rejected), "unexpected error %+v", err)
	assert.Equal(t, RowDoesNotFitSharedMemory, rejected.Decision.Reason)
	assert.Contains(t, err.Error(), "row_does_not_fit_shared_memory")
	assert.Equal(t, text, m.String(), "module must not be changed")

	// The pass skips the chain: no change, no error. And it stays rejected.
	for range 2 {
		changed, err := r.Run(m, nil)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, text, m.String())
	}

	// The rows fit in the H100 shared memory.
	m2 := m.Clone()
	require.True(t, must.M1(New(device.H100(), nil).Run(m2, nil)))
	assert.Equal(t, 1, countFusions(m2))

	// The row size is accounted with the given shape size function.
	halfSize := func(shape shapes.Shape) int64 { return hlo.ShapeSizeBytes(shape) / 2 }
	require.True(t, must.M1(New(device.A100(), halfSize).Run(m, nil)))
	assert.Equal(t, 1, countFusions(m))
}

func TestStaleChains(t *testing.T) {
	m := must.M1(hlo.ParseModule(singleDiamondHLO))
	r := New(device.A100(), nil)
	chains := must.M1(r.FindAllFusibleDiamondChains(m, nil))
	require.Len(t, chains, 1)
	_ = must.M1(r.FuseDiamondChain(chains[0]))

	_, err := r.FuseDiamondChain(chains[0])
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInternal), "unexpected error %+v", err)

	entry := m.Entry()
	fusion := entry.Root()
	producer := entry.Instruction("param_0")
	for _, chain := range []DiamondChainDescriptor{
		{Root: nil, Producer: producer},
		{Root: fusion, Producer: fusion},
		{Root: producer, Producer: fusion},
		{Root: fusion, Producer: fusion.CalledComputation().Root()},
	} {
		_, err = r.FuseDiamondChain(chain)
		require.Error(t, err, "chain %s", chain)
		assert.True(t, errors.Is(err, ErrInternal), "chain %s: unexpected error %+v", chain, err)
	}
	require.NoError(t, hlo.Verify(m))
}

func TestPanicsAreReturnedAsErrors(t *testing.T) {
	m := must.M1(hlo.ParseModule(softmaxHLO))
	r := New(device.A100(), nil).WithTrivialOps(func(instr *hlo.Instruction) bool {
		exceptions.Panicf("policy failed on %q", instr.Name())
		return false
	})
	_, err := r.Run(m, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInternal))
	assert.Contains(t, err.Error(), "policy failed on")
}

func TestRunExcludedThreads(t *testing.T) {
	m := must.M1(hlo.ParseModule(threadsHLO))
	r := New(device.A100(), nil)
	require.True(t, must.M1(r.Run(m, sets.MakeWith("host"))))
	require.NoError(t, hlo.Verify(m))
	assert.Equal(t, hlo.OpcodeFusion, m.Entry().Root().Opcode())
	host := m.Computation("host_diamond")
	assert.Equal(t, hlo.OpcodeSubtract, host.Root().Opcode(), "excluded thread must not be changed")

	// The new fusion body runs in the same thread as the computation it was extracted from.
	require.True(t, must.M1(r.Run(m, nil)))
	hostFusion := host.Root()
	require.Equal(t, hlo.OpcodeFusion, hostFusion.Opcode())
	assert.Equal(t, "host", hostFusion.CalledComputation().ExecutionThread())
}
