package acceleration

import (
	"github.com/Carmen-Shannon/oxy-rt/common"
	"github.com/Carmen-Shannon/oxy-rt/engine/device"
)

// TLASBuilderOption is a functional option for configuring a TLAS.
// Use the With* functions to create options.
type TLASBuilderOption func(t *tlas)

// WithTLASLabel sets the debug name used for the structure and its buffers.
// An empty label keeps the default "TLAS".
//
// Parameters:
//   - label: the debug name
//
// Returns:
//   - TLASBuilderOption: option function to apply
func WithTLASLabel(label string) TLASBuilderOption {
	return func(t *tlas) {
		t.label = common.Coalesce(label, t.label)
	}
}

// WithInstanceMask sets the visibility mask of every instance. Defaults to 0xFF, visible to all rays.
//
// Parameters:
//   - mask: the 8-bit visibility mask
//
// Returns:
//   - TLASBuilderOption: option function to apply
func WithInstanceMask(mask uint8) TLASBuilderOption {
	return func(t *tlas) {
		t.mask = mask
	}
}

// WithInstanceFlags sets the flags of every instance. Defaults to DefaultInstanceFlags.
//
// Parameters:
//   - flags: the instance flags
//
// Returns:
//   - TLASBuilderOption: option function to apply
func WithInstanceFlags(flags device.InstanceFlags) TLASBuilderOption {
	return func(t *tlas) {
		t.flags = flags
	}
}

// WithTLASBuildFlags sets additional build flags. device.BuildFlagAllowUpdate is always added.
//
// Parameters:
//   - flags: the build flags
//
// Returns:
//   - TLASBuilderOption: option function to apply
func WithTLASBuildFlags(flags device.BuildFlags) TLASBuilderOption {
	return func(t *tlas) {
		t.buildFlags = flags
	}
}
