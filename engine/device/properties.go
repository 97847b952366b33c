package device

import (
	"fmt"

	"github.com/Carmen-Shannon/oxy-rt/common"
)

// RayTracingProperties are the device limits that govern shader group handles, shader binding table
// layout and acceleration structure builds.
type RayTracingProperties struct {
	// ShaderGroupHandleSize is the size in bytes of one opaque shader group handle.
	ShaderGroupHandleSize uint32
	// ShaderGroupHandleAlignment is the required alignment of a shader binding table record stride.
	ShaderGroupHandleAlignment uint32
	// ShaderGroupBaseAlignment is the required alignment of every shader binding table region address.
	ShaderGroupBaseAlignment uint32
	// MaxShaderGroupStride is the largest stride a shader binding table region may use.
	MaxShaderGroupStride uint32
	// MaxRayRecursionDepth bounds RayTracingPipelineInfo.MaxRecursionDepth.
	MaxRayRecursionDepth uint32
	// MinScratchOffsetAlignment is the required alignment of build scratch addresses.
	MinScratchOffsetAlignment uint32
	// MaxInstanceCount is the largest number of instances one top-level structure may hold.
	MaxInstanceCount uint64
	// MaxPrimitiveCount is the largest number of triangles one bottom-level structure may hold.
	MaxPrimitiveCount uint64
	// MaxGeometryCount is the largest number of geometries one bottom-level structure may hold.
	MaxGeometryCount uint64
}

// DefaultRayTracingProperties returns limits typical of desktop ray tracing hardware:
// 32-byte handles, 64-byte region alignment.
//
// Returns:
//   - RayTracingProperties: the default limits
func DefaultRayTracingProperties() RayTracingProperties {
	return RayTracingProperties{
		ShaderGroupHandleSize:      32,
		ShaderGroupHandleAlignment: 32,
		ShaderGroupBaseAlignment:   64,
		MaxShaderGroupStride:       4096,
		MaxRayRecursionDepth:       31,
		MinScratchOffsetAlignment:  128,
		MaxInstanceCount:           1 << 24,
		MaxPrimitiveCount:          1 << 29,
		MaxGeometryCount:           1 << 24,
	}
}

// Validate checks that the limits are self-consistent.
//
// Returns:
//   - error: a description of the first inconsistent limit, or nil
func (p RayTracingProperties) Validate() error {
	switch {
	case p.ShaderGroupHandleSize < 16:
		return fmt.Errorf("device: shader group handle size %d is below the 16-byte minimum", p.ShaderGroupHandleSize)
	case !common.IsPowerOfTwo(uint64(p.ShaderGroupHandleAlignment)):
		return fmt.Errorf("device: shader group handle alignment %d is not a power of two", p.ShaderGroupHandleAlignment)
	case !common.IsPowerOfTwo(uint64(p.ShaderGroupBaseAlignment)):
		return fmt.Errorf("device: shader group base alignment %d is not a power of two", p.ShaderGroupBaseAlignment)
	case p.ShaderGroupBaseAlignment%p.ShaderGroupHandleAlignment != 0:
		return fmt.Errorf("device: shader group base alignment %d is not a multiple of the handle alignment %d", p.ShaderGroupBaseAlignment, p.ShaderGroupHandleAlignment)
	case !common.IsPowerOfTwo(uint64(p.MinScratchOffsetAlignment)):
		return fmt.Errorf("device: scratch offset alignment %d is not a power of two", p.MinScratchOffsetAlignment)
	case p.MaxShaderGroupStride < p.ShaderGroupHandleSize:
		return fmt.Errorf("device: max shader group stride %d is smaller than the handle size %d", p.MaxShaderGroupStride, p.ShaderGroupHandleSize)
	case common.AlignUp(uint64(p.ShaderGroupHandleSize), uint64(p.ShaderGroupBaseAlignment)) > uint64(p.MaxShaderGroupStride):
		return fmt.Errorf("device: max shader group stride %d cannot hold a %d-byte handle padded to %d", p.MaxShaderGroupStride, p.ShaderGroupHandleSize, p.ShaderGroupBaseAlignment)
	case p.MaxInstanceCount == 0 || p.MaxPrimitiveCount == 0 || p.MaxGeometryCount == 0:
		return fmt.Errorf("device: acceleration structure limits must be non-zero")
	}
	return nil
}
