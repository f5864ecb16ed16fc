// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Scalar(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.True(t, shape0.IsEffectiveScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Len(t, shape0.Dimensions, 0)
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.False(t, shape1.IsEffectiveScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))

	require.Panics(t, func() { _ = Make(dtypes.Float32, 2, 0) })
}

func TestDim(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 3, shape.Dim(1))
	require.Equal(t, 2, shape.Dim(2))
	require.Equal(t, 4, shape.Dim(-3))
	require.Equal(t, 3, shape.Dim(-2))
	require.Equal(t, 2, shape.Dim(-1))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestEqualAndClone(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	c := s.Clone()
	require.True(t, s.Equal(c))
	c.Dimensions[0] = 5
	require.Equal(t, 2, s.Dimensions[0], "Clone must not share the dimensions slice")
	require.False(t, s.Equal(c))

	h := s.WithDType(dtypes.Float16)
	require.False(t, s.Equal(h))
	require.True(t, s.EqualDimensions(h))
}

func TestStridesAndDegenerate(t *testing.T) {
	s := Make(dtypes.Float32, 2, 1, 3, 4)
	require.Equal(t, []int{12, 12, 4, 1}, s.Strides())
	require.Equal(t, []int{2, 3, 4}, s.NonDegenerateDimensions())
	require.Equal(t, 4, s.TrailingSize(1))
	require.Equal(t, 12, s.TrailingSize(2))
	require.Equal(t, 24, s.TrailingSize(4))
	require.Panics(t, func() { _ = s.TrailingSize(5) })
	require.True(t, Make(dtypes.Float32, 1, 1).IsEffectiveScalar())
}
