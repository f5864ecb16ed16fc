// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"math"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/hlofusion/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Literal is a concrete array value: the value of a constant instruction, or a value computed by the evaluator.
//
// Values are stored flat, in row-major order, as float64 already rounded to the precision of the DType
// (see RoundToDType). float64 represents exactly every value of the supported dtypes up to 32 bits.
type Literal struct {
	shape shapes.Shape
	flat  []float64
}

// NewLiteral creates a literal with the given shape and flat values. The values are rounded to the
// shape's DType.
func NewLiteral(shape shapes.Shape, flat []float64) (*Literal, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("invalid shape %s for literal", shape)
	}
	if len(flat) != shape.Size() {
		return nil, errors.Errorf("literal of shape %s requires %d values, got %d", shape, shape.Size(), len(flat))
	}
	l := &Literal{shape: shape.Clone(), flat: make([]float64, len(flat))}
	for ii, v := range flat {
		l.flat[ii] = RoundToDType(shape.DType, v)
	}
	return l, nil
}

// NewScalarLiteral creates a scalar literal of the given dtype.
func NewScalarLiteral(dtype dtypes.DType, value float64) *Literal {
	return &Literal{shape: shapes.Scalar(dtype), flat: []float64{RoundToDType(dtype, value)}}
}

// Shape of the literal.
func (l *Literal) Shape() shapes.Shape { return l.shape }

// Flat returns the flat values of the literal in row-major order. It must not be modified.
func (l *Literal) Flat() []float64 { return l.flat }

// Value returns the flat value at the given index.
func (l *Literal) Value(flatIdx int) float64 { return l.flat[flatIdx] }

// Clone returns a deep copy of the literal.
func (l *Literal) Clone() *Literal {
	return &Literal{shape: l.shape.Clone(), flat: append([]float64(nil), l.flat...)}
}

// BitwiseEqual returns whether both literals have the same shape and bit-identical values.
// Differently from ==, two NaNs with the same bits are considered equal, and 0 != -0.
func (l *Literal) BitwiseEqual(other *Literal) bool {
	if l == nil || other == nil {
		return l == other
	}
	if !l.shape.Equal(other.shape) {
		return false
	}
	for ii, v := range l.flat {
		if math.Float64bits(v) != math.Float64bits(other.flat[ii]) {
			return false
		}
	}
	return true
}

// String returns the literal in HLO text format: a scalar value, or a flat list in curly braces.
func (l *Literal) String() string {
	if l.shape.IsScalar() {
		return formatLiteralValue(l.shape.DType, l.flat[0])
	}
	parts := make([]string, len(l.flat))
	for ii, v := range l.flat {
		parts[ii] = formatLiteralValue(l.shape.DType, v)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func formatLiteralValue(dtype dtypes.DType, v float64) string {
	if dtype == dtypes.Bool {
		if v != 0 {
			return "true"
		}
		return "false"
	}
	switch {
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsNaN(v):
		return "nan"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// RoundToDType rounds the value to the closest value representable by the dtype.
//
// Integer dtypes truncate toward zero and wrap around like a Go conversion would, booleans are 0 or 1.
func RoundToDType(dtype dtypes.DType, v float64) float64 {
	switch dtype {
	case dtypes.Float64:
		return v
	case dtypes.Float32:
		return float64(float32(v))
	case dtypes.Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case dtypes.BFloat16:
		return float64(bfloat16.FromFloat32(float32(v)).Float32())
	case dtypes.Bool:
		if v != 0 {
			return 1
		}
		return 0
	case dtypes.Int8:
		return float64(int8(int64(v)))
	case dtypes.Int16:
		return float64(int16(int64(v)))
	case dtypes.Int32:
		return float64(int32(int64(v)))
	case dtypes.Int64:
		return float64(int64(v))
	case dtypes.Uint8:
		return float64(uint8(int64(v)))
	case dtypes.Uint16:
		return float64(uint16(int64(v)))
	case dtypes.Uint32:
		return float64(uint32(int64(v)))
	case dtypes.Uint64:
		return float64(uint64(v))
	}
	return v
}
