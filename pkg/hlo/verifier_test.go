// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"testing"

	"github.com/gomlx/hlofusion/pkg/core/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		m, _ := buildSoftmaxLike(t)
		require.NoError(t, Verify(m))
	})

	t.Run("no entry", func(t *testing.T) {
		m, _ := buildSoftmaxLike(t)
		m.entry = nil
		require.Error(t, Verify(m))
	})

	t.Run("no root", func(t *testing.T) {
		m, _ := buildSoftmaxLike(t)
		other := m.NewComputation("other")
		_ = must.M1(other.Parameter(0, MS(F32, 2), ""))
		require.Error(t, Verify(m))
	})

	t.Run("broken user edge", func(t *testing.T) {
		m, c := buildSoftmaxLike(t)
		x := c.Instruction("param_0")
		x.users = x.users[:1]
		require.Error(t, Verify(m))
	})

	t.Run("wrong shape", func(t *testing.T) {
		m, c := buildSoftmaxLike(t)
		c.Instruction("reduce").shape = shapes.Make(F32, 125)
		require.Error(t, Verify(m))
	})

	t.Run("parameter numbers", func(t *testing.T) {
		m, c := buildSoftmaxLike(t)
		c.Instruction("param_0").parameterNumber = 1
		require.Error(t, Verify(m))
	})

	t.Run("cycle", func(t *testing.T) {
		m, c := buildSoftmaxLike(t)
		x := c.Instruction("param_0")
		a := must.M1(c.Unary(OpcodeNegate, x))
		b := must.M1(c.Unary(OpcodeNegate, a))
		a.operands[0] = b
		b.addUser(a)
		require.Error(t, Verify(m))
	})

	t.Run("cross computation operand", func(t *testing.T) {
		m, c := buildSoftmaxLike(t)
		other := m.NewComputation("other")
		p := must.M1(other.Parameter(0, MS(F32, 127, 125), ""))
		require.NoError(t, other.SetRoot(p))
		sub := c.Root()
		sub.operands[0] = p
		p.addUser(sub)
		require.Error(t, Verify(m))
	})
}
