package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"
)

// InstanceDescriptorSize is the size of one packed instance record in bytes.
const InstanceDescriptorSize = 64

// MaxInstanceField is the largest value the 24-bit instance id and shader binding table offset fields hold.
const MaxInstanceField = 1<<24 - 1

// InstanceFlags are per-instance ray traversal flags stored in the top byte of the offset field.
type InstanceFlags uint8

const (
	// InstanceFlagTriangleFacingCullDisable disables back-face culling for the instance.
	InstanceFlagTriangleFacingCullDisable InstanceFlags = 1 << iota
	// InstanceFlagTriangleFlipFacing inverts which winding is front-facing.
	InstanceFlagTriangleFlipFacing
	// InstanceFlagForceOpaque treats every geometry of the instance as opaque.
	InstanceFlagForceOpaque
	// InstanceFlagForceNoOpaque treats every geometry of the instance as non-opaque.
	InstanceFlagForceNoOpaque
)

// InstanceDescriptor is the 64-byte record a top-level build reads per instance.
// Layout (little-endian):
//
//	offset  0: transform, 3x4 row-major float32 (48 bytes)
//	offset 48: instance id (bits 0..23) | mask (bits 24..31)
//	offset 52: shader binding table record offset (bits 0..23) | flags (bits 24..31)
//	offset 56: device address of the referenced bottom-level structure
type InstanceDescriptor struct {
	Transform                                [12]float32
	InstanceCustomIndexAndMask               uint32
	InstanceShaderBindingTableOffsetAndFlags uint32
	AccelerationStructureReference           uint64
}

// NewInstanceDescriptor packs an instance record. Ids and offsets that do not fit in 24 bits are rejected.
//
// Parameters:
//   - transform: the 3x4 row-major object-to-world transform
//   - id: the instance custom index visible to shaders
//   - mask: the visibility mask tested against the ray's cull mask
//   - sbtOffset: the hit group record offset
//   - flags: the traversal flags
//   - blas: the device address of the bottom-level structure
//
// Returns:
//   - InstanceDescriptor: the packed record
//   - error: wrapped ErrFieldOverflow when id or sbtOffset exceed 24 bits
func NewInstanceDescriptor(transform [12]float32, id uint32, mask uint8, sbtOffset uint32, flags InstanceFlags, blas DeviceAddress) (InstanceDescriptor, error) {
	if id > MaxInstanceField {
		return InstanceDescriptor{}, fmt.Errorf("%w: instance id %d", ErrFieldOverflow, id)
	}
	if sbtOffset > MaxInstanceField {
		return InstanceDescriptor{}, fmt.Errorf("%w: shader binding table offset %d", ErrFieldOverflow, sbtOffset)
	}
	return InstanceDescriptor{
		Transform:                                transform,
		InstanceCustomIndexAndMask:               id | uint32(mask)<<24,
		InstanceShaderBindingTableOffsetAndFlags: sbtOffset | uint32(flags)<<24,
		AccelerationStructureReference:           uint64(blas),
	}, nil
}

// ID returns the 24-bit instance custom index.
func (d *InstanceDescriptor) ID() uint32 { return d.InstanceCustomIndexAndMask & MaxInstanceField }

// Mask returns the 8-bit visibility mask.
func (d *InstanceDescriptor) Mask() uint8 { return uint8(d.InstanceCustomIndexAndMask >> 24) }

// SBTOffset returns the 24-bit hit group record offset.
func (d *InstanceDescriptor) SBTOffset() uint32 {
	return d.InstanceShaderBindingTableOffsetAndFlags & MaxInstanceField
}

// Flags returns the 8-bit traversal flags.
func (d *InstanceDescriptor) Flags() InstanceFlags {
	return InstanceFlags(d.InstanceShaderBindingTableOffsetAndFlags >> 24)
}

// BLAS returns the referenced bottom-level structure address.
func (d *InstanceDescriptor) BLAS() DeviceAddress { return DeviceAddress(d.AccelerationStructureReference) }

// Size returns the size of the InstanceDescriptor struct in bytes.
//
// Returns:
//   - int: the size of the struct in bytes.
func (d *InstanceDescriptor) Size() int {
	return int(unsafe.Sizeof(*d))
}

// Marshal serializes the record into its 64-byte wire form.
//
// Returns:
//   - []byte: 64-byte buffer ready for GPU upload.
func (d *InstanceDescriptor) Marshal() []byte {
	buf := make([]byte, InstanceDescriptorSize)
	d.MarshalTo(buf)
	return buf
}

// MarshalTo serializes the record into the first 64 bytes of buf.
func (d *InstanceDescriptor) MarshalTo(buf []byte) {
	for i, f := range d.Transform {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(f))
	}
	binary.LittleEndian.PutUint32(buf[48:52], d.InstanceCustomIndexAndMask)
	binary.LittleEndian.PutUint32(buf[52:56], d.InstanceShaderBindingTableOffsetAndFlags)
	binary.LittleEndian.PutUint64(buf[56:64], d.AccelerationStructureReference)
}

// UnmarshalInstanceDescriptor decodes a 64-byte wire record.
//
// Parameters:
//   - buf: at least 64 bytes
//
// Returns:
//   - InstanceDescriptor: the decoded record
//   - error: if buf is too short
func UnmarshalInstanceDescriptor(buf []byte) (InstanceDescriptor, error) {
	if len(buf) < InstanceDescriptorSize {
		return InstanceDescriptor{}, fmt.Errorf("device: instance record needs %d bytes, got %d", InstanceDescriptorSize, len(buf))
	}
	var d InstanceDescriptor
	for i := range d.Transform {
		d.Transform[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
	}
	d.InstanceCustomIndexAndMask = binary.LittleEndian.Uint32(buf[48:52])
	d.InstanceShaderBindingTableOffsetAndFlags = binary.LittleEndian.Uint32(buf[52:56])
	d.AccelerationStructureReference = binary.LittleEndian.Uint64(buf[56:64])
	return d, nil
}
