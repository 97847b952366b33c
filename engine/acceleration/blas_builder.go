package acceleration

import (
	"github.com/Carmen-Shannon/oxy-rt/common"
	"github.com/Carmen-Shannon/oxy-rt/engine/device"
	"github.com/go-gl/mathgl/mgl32"
)

// BLASBuilderOption is a functional option for configuring a BLAS.
// Use the With* functions to create options.
type BLASBuilderOption func(b *blas)

// WithBLASLabel sets the debug name used for the structure and its buffers.
// An empty label keeps the default "BLAS".
//
// Parameters:
//   - label: the debug name
//
// Returns:
//   - BLASBuilderOption: option function to apply
func WithBLASLabel(label string) BLASBuilderOption {
	return func(b *blas) {
		b.label = common.Coalesce(label, b.label)
	}
}

// WithTransform sets the initial instance transform.
// Defaults to the first geometry's transform.
//
// Parameters:
//   - m: the object-to-world transform
//
// Returns:
//   - BLASBuilderOption: option function to apply
func WithTransform(m mgl32.Mat4) BLASBuilderOption {
	return func(b *blas) {
		b.transform = m
		b.hasTransform = true
	}
}

// WithVertexStride sets the byte distance between consecutive vertex records.
// Defaults to DefaultVertexStride.
//
// Parameters:
//   - stride: the vertex record size in bytes
//
// Returns:
//   - BLASBuilderOption: option function to apply
func WithVertexStride(stride uint64) BLASBuilderOption {
	return func(b *blas) {
		b.vertexStride = stride
	}
}

// WithOpaque marks every geometry opaque so any-hit shaders are skipped.
//
// Parameters:
//   - opaque: whether the geometry is opaque
//
// Returns:
//   - BLASBuilderOption: option function to apply
func WithOpaque(opaque bool) BLASBuilderOption {
	return func(b *blas) {
		b.opaque = opaque
	}
}

// WithHitGroupIndex sets the shader binding table hit group offset written into the instance record.
//
// Parameters:
//   - index: the hit group record offset
//
// Returns:
//   - BLASBuilderOption: option function to apply
func WithHitGroupIndex(index uint32) BLASBuilderOption {
	return func(b *blas) {
		b.hitGroupIndex = index
	}
}

// WithBLASBuildFlags overrides the build flags. Defaults to device.BuildFlagPreferFastTrace.
//
// Parameters:
//   - flags: the build flags
//
// Returns:
//   - BLASBuilderOption: option function to apply
func WithBLASBuildFlags(flags device.BuildFlags) BLASBuilderOption {
	return func(b *blas) {
		b.buildFlags = flags
	}
}
