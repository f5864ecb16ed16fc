// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and associated tools.
//
// Shape represents the shape (rank, dimensions and DType) of the value produced by an instruction
// in an HLO computation. DType indicates the type of the unit element, and it is the enumeration
// defined in github.com/gomlx/gopjrt/dtypes.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of an array.
//   - Axis: the index of a dimension. Sometimes used interchangeably with Dimension, but here we try to
//     refer to a dimension index as "axis" (plural axes), and its size as its dimension.
//   - Dimension: the size of a multidimensional array in one of its axes.
//   - Scalar: a shape where there are no axes, only a single value of the associated DType.
//   - Degenerate axis: an axis of dimension 1. Adding or removing them doesn't change the
//     layout of the data in memory.
//
// Example: `shapes.Make(dtypes.Float32, 2, 3)` has rank 2, axis 0 has dimension 2, and
// axis 1 has dimension 3. In HLO text it is written `f32[2,3]`.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape represents the shape of the value of an instruction.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Scalar returns a scalar Shape for the given type.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// IsEffectiveScalar returns whether the shape holds exactly one element: either a scalar or
// a shape where every axis is degenerate (dimension 1).
func (s Shape) IsEffectiveScalar() bool { return s.Ok() && s.Size() == 1 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the memory used to store an array of the given shape, the same as the size in bytes.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	return s.EqualDimensions(s2)
}

// EqualDimensions compares two shapes for equality of dimensions. Dtypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	if s.Rank() != s2.Rank() {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}

// WithDType returns a copy of the shape with the DType changed.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// Strides returns the strides for each axis of the shape, assuming a "row-major" layout
// in memory, the only one used by the HLO evaluator.
//
// Notice the strides are **not in bytes**, but in indices.
func (s Shape) Strides() (strides []int) {
	rank := s.Rank()
	if rank == 0 {
		return
	}
	strides = make([]int, rank)
	currentStride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = currentStride
		currentStride *= s.Dimensions[axis]
	}
	return
}

// NonDegenerateDimensions returns the dimensions of the shape with the degenerate axes (dimension 1) removed.
func (s Shape) NonDegenerateDimensions() []int {
	dims := make([]int, 0, s.Rank())
	for _, dim := range s.Dimensions {
		if dim != 1 {
			dims = append(dims, dim)
		}
	}
	return dims
}

// TrailingSize returns the number of elements spanned by the last numAxes axes.
// It panics if numAxes is larger than the rank.
func (s Shape) TrailingSize(numAxes int) int {
	if numAxes < 0 || numAxes > s.Rank() {
		exceptions.Panicf("Shape.TrailingSize(%d) out-of-bounds for rank %d (shape=%s)", numAxes, s.Rank(), s)
	}
	size := 1
	for _, dim := range s.Dimensions[s.Rank()-numAxes:] {
		size *= dim
	}
	return size
}
