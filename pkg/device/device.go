// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device describes the accelerators targeted by the fusion passes: compute capability,
// shared memory limits and a few performance characteristics.
//
// Passes only read descriptions, they never query the hardware. Descriptions of common GPUs are
// available as presets (A100, H100, ...) and by name with ByName.
package device

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// ComputeCapability identifies the architecture of a device: either a CudaComputeCapability
// or a RocmComputeCapability.
type ComputeCapability interface {
	fmt.Stringer

	// Vendor returns "cuda" or "rocm".
	Vendor() string
}

// CudaComputeCapability is the NVIDIA compute capability version, e.g. 8.0 for Ampere A100.
type CudaComputeCapability struct {
	Major, Minor int
}

// Compute capability major versions of NVIDIA architectures.
const (
	Volta  = 7
	Ampere = 8
	Hopper = 9
)

var _ ComputeCapability = CudaComputeCapability{}

// Vendor implements ComputeCapability.
func (cc CudaComputeCapability) Vendor() string { return "cuda" }

// String implements fmt.Stringer, e.g. "8.0".
func (cc CudaComputeCapability) String() string { return fmt.Sprintf("%d.%d", cc.Major, cc.Minor) }

// IsAtLeast returns whether the compute capability is at least major.minor.
func (cc CudaComputeCapability) IsAtLeast(major, minor int) bool {
	return cc.Major > major || (cc.Major == major && cc.Minor >= minor)
}

// IsAtLeastAmpere returns whether the device is an Ampere (8.0) or newer architecture.
func (cc CudaComputeCapability) IsAtLeastAmpere() bool { return cc.IsAtLeast(Ampere, 0) }

// IsAtLeastHopper returns whether the device is a Hopper (9.0) or newer architecture.
func (cc CudaComputeCapability) IsAtLeastHopper() bool { return cc.IsAtLeast(Hopper, 0) }

// RocmComputeCapability is the AMD GCN architecture name, e.g. "gfx90a".
type RocmComputeCapability struct {
	GCNArchName string
}

var _ ComputeCapability = RocmComputeCapability{}

// Vendor implements ComputeCapability.
func (cc RocmComputeCapability) Vendor() string { return "rocm" }

// String implements fmt.Stringer.
func (cc RocmComputeCapability) String() string { return cc.GCNArchName }

// Description of a device. Sizes are in bytes.
type Description struct {
	Name              string
	ComputeCapability ComputeCapability

	// SharedMemoryPerBlock is the shared memory available to a block by default,
	// and SharedMemoryPerBlockOptin the maximum a kernel can opt in to.
	SharedMemoryPerBlock      int64
	SharedMemoryPerBlockOptin int64

	ThreadsPerBlockLimit int
	ThreadsPerWarp       int
	CoreCount            int

	// MemoryBandwidth in bytes per second.
	MemoryBandwidth int64
	L2CacheSize     int64
	ClockRateGHz    float64
}

// CudaComputeCapability returns the CUDA compute capability of the device, and false if it is not
// a CUDA device.
func (d *Description) CudaComputeCapability() (CudaComputeCapability, bool) {
	if d == nil {
		return CudaComputeCapability{}, false
	}
	cc, ok := d.ComputeCapability.(CudaComputeCapability)
	return cc, ok
}

// String returns a one line summary of the device.
func (d *Description) String() string {
	if d == nil {
		return "<nil device>"
	}
	capability := "unknown"
	if d.ComputeCapability != nil {
		capability = d.ComputeCapability.Vendor() + " " + d.ComputeCapability.String()
	}
	return fmt.Sprintf("%s (%s, %d cores, shared memory %s/block opt-in, %s/s)",
		d.Name, capability, d.CoreCount,
		humanize.IBytes(uint64(d.SharedMemoryPerBlockOptin)),
		humanize.Bytes(uint64(d.MemoryBandwidth)))
}

// Validate returns an error if the description is missing information needed by the passes.
func (d *Description) Validate() error {
	if d == nil {
		return errors.New("nil device description")
	}
	if d.ComputeCapability == nil {
		return errors.Errorf("device %q has no compute capability", d.Name)
	}
	if d.SharedMemoryPerBlockOptin <= 0 || d.SharedMemoryPerBlock <= 0 {
		return errors.Errorf("device %q has invalid shared memory sizes (%d, opt-in %d)",
			d.Name, d.SharedMemoryPerBlock, d.SharedMemoryPerBlockOptin)
	}
	if d.SharedMemoryPerBlockOptin < d.SharedMemoryPerBlock {
		return errors.Errorf("device %q opt-in shared memory (%d) is smaller than the default (%d)",
			d.Name, d.SharedMemoryPerBlockOptin, d.SharedMemoryPerBlock)
	}
	if d.ThreadsPerWarp <= 0 || d.ThreadsPerBlockLimit <= 0 {
		return errors.Errorf("device %q has invalid thread limits", d.Name)
	}
	return nil
}

const kiB = 1024

// V100 is an NVIDIA Tesla V100 SXM2 (Volta).
func V100() *Description {
	return &Description{
		Name:                      "V100",
		ComputeCapability:         CudaComputeCapability{Major: 7, Minor: 0},
		SharedMemoryPerBlock:      48 * kiB,
		SharedMemoryPerBlockOptin: 96 * kiB,
		ThreadsPerBlockLimit:      1024,
		ThreadsPerWarp:            32,
		CoreCount:                 80,
		MemoryBandwidth:           900_000_000_000,
		L2CacheSize:               6 * kiB * kiB,
		ClockRateGHz:              1.53,
	}
}

// A100 is an NVIDIA A100 SXM4 40GB (Ampere).
func A100() *Description {
	return &Description{
		Name:                      "A100",
		ComputeCapability:         CudaComputeCapability{Major: 8, Minor: 0},
		SharedMemoryPerBlock:      48 * kiB,
		SharedMemoryPerBlockOptin: 163 * kiB,
		ThreadsPerBlockLimit:      1024,
		ThreadsPerWarp:            32,
		CoreCount:                 108,
		MemoryBandwidth:           1_555_000_000_000,
		L2CacheSize:               40 * kiB * kiB,
		ClockRateGHz:              1.41,
	}
}

// RTXA6000 is an NVIDIA RTX A6000 (Ampere, compute capability 8.6).
func RTXA6000() *Description {
	return &Description{
		Name:                      "RTXA6000",
		ComputeCapability:         CudaComputeCapability{Major: 8, Minor: 6},
		SharedMemoryPerBlock:      48 * kiB,
		SharedMemoryPerBlockOptin: 99 * kiB,
		ThreadsPerBlockLimit:      1024,
		ThreadsPerWarp:            32,
		CoreCount:                 84,
		MemoryBandwidth:           768_000_000_000,
		L2CacheSize:               6 * kiB * kiB,
		ClockRateGHz:              1.80,
	}
}

// H100 is an NVIDIA H100 SXM5 (Hopper).
func H100() *Description {
	return &Description{
		Name:                      "H100",
		ComputeCapability:         CudaComputeCapability{Major: 9, Minor: 0},
		SharedMemoryPerBlock:      48 * kiB,
		SharedMemoryPerBlockOptin: 227 * kiB,
		ThreadsPerBlockLimit:      1024,
		ThreadsPerWarp:            32,
		CoreCount:                 132,
		MemoryBandwidth:           3_352_000_000_000,
		L2CacheSize:               50 * kiB * kiB,
		ClockRateGHz:              1.98,
	}
}

// MI250 is one graphics compute die of an AMD Instinct MI250 (ROCm gfx90a).
func MI250() *Description {
	return &Description{
		Name:                      "MI250",
		ComputeCapability:         RocmComputeCapability{GCNArchName: "gfx90a"},
		SharedMemoryPerBlock:      64 * kiB,
		SharedMemoryPerBlockOptin: 64 * kiB,
		ThreadsPerBlockLimit:      1024,
		ThreadsPerWarp:            64,
		CoreCount:                 104,
		MemoryBandwidth:           1_638_000_000_000,
		L2CacheSize:               8 * kiB * kiB,
		ClockRateGHz:              1.70,
	}
}

// presets by lower-case name.
var presets = map[string]func() *Description{
	"v100":     V100,
	"a100":     A100,
	"rtxa6000": RTXA6000,
	"h100":     H100,
	"mi250":    MI250,
}

// Names returns the sorted names of the preset devices accepted by ByName.
func Names() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ByName returns a new description of the preset device with the given name, case-insensitive.
func ByName(name string) (*Description, error) {
	fn, found := presets[strings.ToLower(strings.TrimSpace(name))]
	if !found {
		return nil, errors.Errorf("unknown device %q, known devices: %s", name, strings.Join(Names(), ", "))
	}
	return fn(), nil
}
