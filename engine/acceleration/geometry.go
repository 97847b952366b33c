package acceleration

import (
	"fmt"

	"github.com/Carmen-Shannon/oxy-rt/engine/device"
	"github.com/go-gl/mathgl/mgl32"
)

// GeometryInstance describes one triangle mesh section living in device memory.
// Indices are relative to VertexOffset. A zero IndexBuffer marks non-indexed geometry.
type GeometryInstance struct {
	// VertexBuffer is the device address of the vertex data.
	VertexBuffer device.DeviceAddress
	// VertexCount is the number of vertices the section may reference.
	VertexCount uint32
	// VertexOffset is the index of the section's first vertex inside VertexBuffer.
	VertexOffset uint32

	// IndexBuffer is the device address of 32-bit index data, or zero.
	IndexBuffer device.DeviceAddress
	// IndexCount is the number of indices, a multiple of three.
	IndexCount uint32
	// IndexOffset is the byte offset of the section's first index inside IndexBuffer.
	IndexOffset uint64

	// Transform is the section's object-to-world transform. The zero matrix means identity.
	Transform mgl32.Mat4
}

// Indexed reports whether the geometry reads an index buffer.
func (g GeometryInstance) Indexed() bool {
	return g.IndexBuffer != 0
}

// PrimitiveCount returns the number of triangles the geometry describes.
func (g GeometryInstance) PrimitiveCount() uint32 {
	if g.Indexed() {
		return g.IndexCount / 3
	}
	return g.VertexCount / 3
}

// ObjectTransform returns Transform, substituting identity for the zero matrix.
func (g GeometryInstance) ObjectTransform() mgl32.Mat4 {
	if g.Transform == (mgl32.Mat4{}) {
		return mgl32.Ident4()
	}
	return g.Transform
}

// Validate checks the geometry is buildable.
//
// Returns:
//   - error: wrapped ErrInvalidGeometry naming the problem, or nil
func (g GeometryInstance) Validate() error {
	switch {
	case g.VertexBuffer == 0:
		return fmt.Errorf("%w: no vertex buffer", ErrInvalidGeometry)
	case g.VertexCount == 0:
		return fmt.Errorf("%w: no vertices", ErrInvalidGeometry)
	case g.IndexBuffer == 0 && g.IndexCount != 0:
		return fmt.Errorf("%w: %d indices declared without an index buffer", ErrInvalidGeometry, g.IndexCount)
	case g.Indexed() && g.IndexCount == 0:
		return fmt.Errorf("%w: index buffer without indices", ErrInvalidGeometry)
	case g.Indexed() && g.IndexCount%3 != 0:
		return fmt.Errorf("%w: index count %d is not a multiple of 3", ErrInvalidGeometry, g.IndexCount)
	case g.Indexed() && g.IndexOffset%4 != 0:
		return fmt.Errorf("%w: index offset %d is not 4-byte aligned", ErrInvalidGeometry, g.IndexOffset)
	case !g.Indexed() && g.VertexCount%3 != 0:
		return fmt.Errorf("%w: non-indexed vertex count %d is not a multiple of 3", ErrInvalidGeometry, g.VertexCount)
	}
	return nil
}

// triangles converts the geometry into a device build description.
func (g GeometryInstance) triangles(stride uint64, flags device.GeometryFlags) device.TriangleGeometry {
	t := device.TriangleGeometry{
		VertexFormat:   device.VertexFormatR32G32B32Sfloat,
		VertexData:     g.VertexBuffer,
		VertexStride:   stride,
		VertexCount:    g.VertexCount,
		FirstVertex:    g.VertexOffset,
		IndexType:      device.IndexTypeNone,
		PrimitiveCount: g.PrimitiveCount(),
		Flags:          flags,
	}
	if g.Indexed() {
		t.IndexType = device.IndexTypeUint32
		t.IndexData = g.IndexBuffer
		t.IndexOffset = g.IndexOffset
	}
	return t
}
