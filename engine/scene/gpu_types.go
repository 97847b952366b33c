package scene

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/Carmen-Shannon/oxy-rt/common"
	"github.com/go-gl/mathgl/mgl32"
)

// SceneInstanceSize is the byte size of one SceneInstance record.
const SceneInstanceSize = 144

// NoMaterial is the TextureOffset of an instance whose primitive has no material.
const NoMaterial = ^uint32(0)

// SceneInstance is the GPU-aligned per-primitive record hit shaders index by instance id.
// It mirrors the acceleration structure instance but carries shading data instead of build data.
// Size: 144 bytes (std430 aligned, explicit padding).
type SceneInstance struct {
	ID            uint32     // offset   0: instance id, equal to the structure instance id (4 bytes)
	TextureOffset uint32     // offset   4: material index, NoMaterial when absent (4 bytes)
	_             [2]float32 // offset   8: padding to 16-byte alignment (8 bytes)
	Transform     mgl32.Mat4 // offset  16: object-to-world transform, column-major (64 bytes)
	TransformIT   mgl32.Mat4 // offset  80: inverse-transpose of Transform for normals (64 bytes)
}

// NewSceneInstance returns the record for an instance with transform m.
//
// Parameters:
//   - id: the instance id
//   - textureOffset: the material index or NoMaterial
//   - m: the object-to-world transform
//
// Returns:
//   - SceneInstance: the record with TransformIT derived from m
func NewSceneInstance(id, textureOffset uint32, m mgl32.Mat4) SceneInstance {
	s := SceneInstance{ID: id, TextureOffset: textureOffset}
	s.SetTransform(m)
	return s
}

// SetTransform replaces Transform and recomputes TransformIT.
func (s *SceneInstance) SetTransform(m mgl32.Mat4) {
	s.Transform = m
	s.TransformIT = common.InverseTranspose(m)
}

// Size returns the size of the SceneInstance struct in bytes.
//
// Returns:
//   - int: the size of the struct in bytes.
func (s *SceneInstance) Size() int {
	return int(unsafe.Sizeof(*s))
}

// Marshal serializes the SceneInstance struct into a byte buffer suitable for GPU upload.
//
// Returns:
//   - []byte: 144-byte buffer ready for GPU upload.
func (s *SceneInstance) Marshal() []byte {
	buf := make([]byte, SceneInstanceSize)
	s.MarshalTo(buf)
	return buf
}

// MarshalTo serializes the record into the first 144 bytes of buf. Padding bytes are zeroed.
func (s *SceneInstance) MarshalTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], s.ID)
	binary.LittleEndian.PutUint32(buf[4:8], s.TextureOffset)
	binary.LittleEndian.PutUint64(buf[8:16], 0)
	for i, f := range s.Transform {
		binary.LittleEndian.PutUint32(buf[16+i*4:], math.Float32bits(f))
	}
	for i, f := range s.TransformIT {
		binary.LittleEndian.PutUint32(buf[80+i*4:], math.Float32bits(f))
	}
}
