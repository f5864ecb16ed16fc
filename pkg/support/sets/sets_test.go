// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	// Sets are created empty.
	s := Make[int](10)
	assert.Equal(t, 0, s.Len())

	// Check inserting and recovery.
	s.Insert(3, 7)
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Has(3))
	assert.True(t, s.Has(7))
	assert.False(t, s.Has(5))

	s2 := MakeWith(5, 7)
	assert.True(t, s2.Has(5))
	assert.True(t, s2.Has(7))
	assert.False(t, s2.Has(3))

	s2.Insert(3)
	assert.Equal(t, []int{3, 5, 7}, Sorted(s2))
}

func TestNilSet(t *testing.T) {
	var s Set[string]
	assert.False(t, s.Has("host"))
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, Sorted(s))
}
