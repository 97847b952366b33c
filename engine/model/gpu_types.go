package model

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/go-gl/mathgl/mgl32"
)

// ModelVertexStride is the byte size of one ModelVertex record.
const ModelVertexStride = 64

// MaterialInfoSize is the byte size of one MaterialInfo record.
const MaterialInfoSize = 48

// ModelVertex is the GPU-aligned representation of a single mesh vertex, shared by rasterization
// and hit shaders. Position comes first so acceleration structure builds read it as R32G32B32 at
// ModelVertexStride.
// Size: 64 bytes (std430 aligned, no padding required).
type ModelVertex struct {
	Position mgl32.Vec4 // offset  0: model-space position, w = 1 (16 bytes)
	Color    mgl32.Vec4 // offset 16: per-vertex RGBA color (16 bytes)
	Normal   mgl32.Vec4 // offset 32: vertex normal, w unused (16 bytes)
	UV       mgl32.Vec4 // offset 48: texture coordinate in xy (16 bytes)
}

// NewModelVertex returns a vertex at position with the loader defaults: white color, +Y normal and zero UV.
//
// Parameters:
//   - position: the model-space position
//
// Returns:
//   - ModelVertex: the vertex
func NewModelVertex(position mgl32.Vec3) ModelVertex {
	return ModelVertex{
		Position: position.Vec4(1),
		Color:    mgl32.Vec4{1, 1, 1, 1},
		Normal:   mgl32.Vec4{0, 1, 0, 1},
	}
}

// Size returns the size of the ModelVertex struct in bytes.
//
// Returns:
//   - int: the size of the struct in bytes.
func (v *ModelVertex) Size() int {
	return int(unsafe.Sizeof(*v))
}

// Marshal serializes the ModelVertex struct into a byte buffer suitable for GPU upload.
//
// Returns:
//   - []byte: 64-byte buffer ready for GPU upload.
func (v *ModelVertex) Marshal() []byte {
	buf := make([]byte, ModelVertexStride)
	putVec4s(buf, v.Position, v.Color, v.Normal, v.UV)
	return buf
}

// MaterialInfo is the GPU-aligned representation of a material's PBR factors, indexed by
// PrimitiveSection.MaterialIndex.
// Size: 48 bytes (std430 aligned, explicit padding).
type MaterialInfo struct {
	BaseColor       mgl32.Vec4 // offset  0: base color factor (16 bytes)
	EmissiveFactor  mgl32.Vec3 // offset 16: emissive color (12 bytes)
	_               float32    // offset 28: padding (4 bytes)
	MetallicFactor  float32    // offset 32: metallic factor (4 bytes)
	RoughnessFactor float32    // offset 36: roughness factor (4 bytes)
	_               [2]float32 // offset 40: padding (8 bytes)
}

// Size returns the size of the MaterialInfo struct in bytes.
//
// Returns:
//   - int: the size of the struct in bytes.
func (m *MaterialInfo) Size() int {
	return int(unsafe.Sizeof(*m))
}

// Marshal serializes the MaterialInfo struct into a byte buffer suitable for GPU upload.
// Padding bytes are zero.
//
// Returns:
//   - []byte: 48-byte buffer ready for GPU upload.
func (m *MaterialInfo) Marshal() []byte {
	buf := make([]byte, MaterialInfoSize)
	putVec4s(buf, m.BaseColor)
	for i, f := range m.EmissiveFactor {
		binary.LittleEndian.PutUint32(buf[16+i*4:], math.Float32bits(f))
	}
	binary.LittleEndian.PutUint32(buf[32:36], math.Float32bits(m.MetallicFactor))
	binary.LittleEndian.PutUint32(buf[36:40], math.Float32bits(m.RoughnessFactor))
	return buf
}

func putVec4s(buf []byte, vs ...mgl32.Vec4) {
	for i, v := range vs {
		for k, f := range v {
			binary.LittleEndian.PutUint32(buf[i*16+k*4:], math.Float32bits(f))
		}
	}
}

func marshalVertices(vertices []ModelVertex) []byte {
	out := make([]byte, 0, len(vertices)*ModelVertexStride)
	for i := range vertices {
		out = append(out, vertices[i].Marshal()...)
	}
	return out
}

func marshalIndices32(indices []uint32) []byte {
	out := make([]byte, len(indices)*4)
	for i, v := range indices {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

// marshalIndices64 widens indices to 64 bits for the index storage buffer hit shaders read.
func marshalIndices64(indices []uint32) []byte {
	out := make([]byte, len(indices)*8)
	for i, v := range indices {
		binary.LittleEndian.PutUint64(out[i*8:], uint64(v))
	}
	return out
}
