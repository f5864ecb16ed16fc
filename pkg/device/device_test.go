// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeCapability(t *testing.T) {
	assert.True(t, CudaComputeCapability{8, 0}.IsAtLeastAmpere())
	assert.True(t, CudaComputeCapability{8, 6}.IsAtLeastAmpere())
	assert.True(t, CudaComputeCapability{9, 0}.IsAtLeastAmpere())
	assert.False(t, CudaComputeCapability{7, 5}.IsAtLeastAmpere())
	assert.False(t, CudaComputeCapability{8, 9}.IsAtLeastHopper())
	assert.True(t, CudaComputeCapability{7, 5}.IsAtLeast(7, 0))
	assert.Equal(t, "8.6", CudaComputeCapability{8, 6}.String())
	assert.Equal(t, "rocm", RocmComputeCapability{"gfx90a"}.Vendor())
}

func TestPresets(t *testing.T) {
	for _, name := range Names() {
		d, err := ByName(name)
		require.NoError(t, err)
		require.NoError(t, d.Validate(), "device %s", name)
		assert.NotEmpty(t, d.String())
	}

	a100 := must1(ByName(" A100 "))
	cc, ok := a100.CudaComputeCapability()
	require.True(t, ok)
	assert.True(t, cc.IsAtLeastAmpere())
	assert.Contains(t, a100.String(), "163 KiB")

	_, ok = MI250().CudaComputeCapability()
	assert.False(t, ok)
	cc, _ = V100().CudaComputeCapability()
	assert.False(t, cc.IsAtLeastAmpere())

	_, err := ByName("tpu")
	require.ErrorContains(t, err, "known devices")

	// Each call returns a new copy.
	a100.SharedMemoryPerBlockOptin = 1
	assert.NotEqual(t, int64(1), A100().SharedMemoryPerBlockOptin)

	var nilDevice *Description
	require.Error(t, nilDevice.Validate())
	require.Error(t, (&Description{Name: "empty"}).Validate())
}

// must1 panics if there is an error.
func must1[T any](value T, err error) T {
	if err != nil {
		panic(err)
	}
	return value
}
