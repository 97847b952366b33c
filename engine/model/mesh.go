package model

import (
	"errors"
	"fmt"

	"github.com/Carmen-Shannon/oxy-rt/engine/device"
	"github.com/go-gl/mathgl/mgl32"
)

// ErrInvalidPrimitive is returned when a primitive cannot be uploaded.
var ErrInvalidPrimitive = errors.New("model: invalid primitive")

// mesh is the implementation of the Mesh interface.
type mesh struct {
	name         string
	transform    mgl32.Mat4
	vertexBuffer device.Buffer
	indexBuffer  device.Buffer
	indexStorage device.Buffer
	sections     []PrimitiveSection
}

// Mesh is a GPU-resident mesh: every primitive's vertices packed into one vertex buffer and every
// primitive's indices into one 32-bit index buffer, plus a 64-bit copy of the indices for hit
// shaders. PrimitiveSections locate each primitive inside those buffers.
type Mesh interface {
	// Name returns the mesh identifier.
	Name() string

	// Transform returns the mesh's baked global transform.
	Transform() mgl32.Mat4

	// VertexBuffer returns the shared buffer of ModelVertex records.
	VertexBuffer() device.Buffer

	// IndexBuffer returns the shared 32-bit index buffer, or nil if no primitive is indexed.
	IndexBuffer() device.Buffer

	// IndexStorage returns the 64-bit index storage buffer, or nil if no primitive is indexed.
	IndexStorage() device.Buffer

	// PrimitiveSections returns the primitives in declaration order.
	PrimitiveSections() []PrimitiveSection

	// VertexRegion returns the byte range of section's vertices in VertexBuffer.
	VertexRegion(section PrimitiveSection) device.BufferRegion

	// IndexRegion returns the byte range of section's indices in IndexStorage, or the zero region for non-indexed primitives.
	IndexRegion(section PrimitiveSection) device.BufferRegion

	// Destroy releases the mesh buffers.
	Destroy()
}

var _ Mesh = &mesh{}

// NewMesh uploads the primitives into shared device buffers. Vertex and index buffers can be read
// by acceleration structure builds and by shaders through their device addresses.
//
// Parameters:
//   - dev: the device that owns the buffers
//   - primitives: the primitives, at least one
//   - opts: a variadic list of MeshBuilderOption functions
//
// Returns:
//   - Mesh: the uploaded mesh
//   - error: ErrInvalidPrimitive, or an allocation failure; nothing is leaked on failure
func NewMesh(dev device.Device, primitives []Primitive, opts ...MeshBuilderOption) (Mesh, error) {
	if dev == nil {
		panic("model: NewMesh requires a non-nil Device")
	}
	m := &mesh{
		name:      "Mesh",
		transform: mgl32.Ident4(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if len(primitives) == 0 {
		return nil, fmt.Errorf("%s: %w: no primitives", m.name, ErrInvalidPrimitive)
	}

	var vertices []ModelVertex
	var indices []uint32
	for i, p := range primitives {
		if err := validatePrimitive(p); err != nil {
			return nil, fmt.Errorf("%s primitive %d: %w", m.name, i, err)
		}
		section := PrimitiveSection{
			Index:         i,
			Vertices:      BufferPart{Offset: uint32(len(vertices)), ElementCount: uint32(len(p.Vertices))},
			MaterialIndex: p.MaterialIndex,
		}
		vertices = append(vertices, p.Vertices...)
		if p.Indices != nil {
			section.Indices = &BufferPart{Offset: uint32(len(indices)), ElementCount: uint32(len(p.Indices))}
			indices = append(indices, p.Indices...)
		}
		m.sections = append(m.sections, section)
	}

	if err := m.upload(dev, vertices, indices); err != nil {
		m.Destroy()
		return nil, err
	}
	return m, nil
}

func validatePrimitive(p Primitive) error {
	switch {
	case len(p.Vertices) == 0:
		return fmt.Errorf("%w: no vertices", ErrInvalidPrimitive)
	case p.Indices != nil && (len(p.Indices) == 0 || len(p.Indices)%3 != 0):
		return fmt.Errorf("%w: %d indices is not a whole number of triangles", ErrInvalidPrimitive, len(p.Indices))
	case p.Indices == nil && len(p.Vertices)%3 != 0:
		return fmt.Errorf("%w: %d non-indexed vertices is not a whole number of triangles", ErrInvalidPrimitive, len(p.Vertices))
	}
	for _, idx := range p.Indices {
		if int(idx) >= len(p.Vertices) {
			return fmt.Errorf("%w: index %d out of range of %d vertices", ErrInvalidPrimitive, idx, len(p.Vertices))
		}
	}
	return nil
}

func (m *mesh) upload(dev device.Device, vertices []ModelVertex, indices []uint32) error {
	const geometryUsage = device.BufferUsageStorage |
		device.BufferUsageShaderDeviceAddress |
		device.BufferUsageAccelerationStructureBuildInput |
		device.BufferUsageTransferDst

	var err error
	m.vertexBuffer, err = dev.CreateBufferWithData(device.BufferInfo{
		Label:        m.name + " Vertices",
		Size:         uint64(len(vertices)) * ModelVertexStride,
		ElementCount: uint32(len(vertices)),
		Usage:        geometryUsage | device.BufferUsageVertex,
		Location:     device.MemoryLocationGPUOnly,
	}, marshalVertices(vertices))
	if err != nil {
		return fmt.Errorf("%s vertex buffer: %w", m.name, err)
	}
	if len(indices) == 0 {
		return nil
	}
	m.indexBuffer, err = dev.CreateBufferWithData(device.BufferInfo{
		Label:        m.name + " Indices",
		Size:         uint64(len(indices)) * 4,
		ElementCount: uint32(len(indices)),
		Usage:        geometryUsage | device.BufferUsageIndex,
		Location:     device.MemoryLocationGPUOnly,
	}, marshalIndices32(indices))
	if err != nil {
		return fmt.Errorf("%s index buffer: %w", m.name, err)
	}
	m.indexStorage, err = dev.CreateBufferWithData(device.BufferInfo{
		Label:        m.name + " Index Storage",
		Size:         uint64(len(indices)) * 8,
		ElementCount: uint32(len(indices)),
		Usage:        device.BufferUsageStorage | device.BufferUsageShaderDeviceAddress | device.BufferUsageTransferDst,
		Location:     device.MemoryLocationGPUOnly,
	}, marshalIndices64(indices))
	if err != nil {
		return fmt.Errorf("%s index storage: %w", m.name, err)
	}
	return nil
}

func (m *mesh) Name() string                { return m.name }
func (m *mesh) Transform() mgl32.Mat4       { return m.transform }
func (m *mesh) VertexBuffer() device.Buffer { return m.vertexBuffer }
func (m *mesh) IndexBuffer() device.Buffer  { return m.indexBuffer }
func (m *mesh) IndexStorage() device.Buffer { return m.indexStorage }

func (m *mesh) PrimitiveSections() []PrimitiveSection {
	return append([]PrimitiveSection(nil), m.sections...)
}

func (m *mesh) VertexRegion(s PrimitiveSection) device.BufferRegion {
	return device.BufferRegion{
		Buffer: m.vertexBuffer,
		Offset: uint64(s.Vertices.Offset) * ModelVertexStride,
		Range:  uint64(s.Vertices.ElementCount) * ModelVertexStride,
	}
}

func (m *mesh) IndexRegion(s PrimitiveSection) device.BufferRegion {
	if s.Indices == nil || m.indexStorage == nil {
		return device.BufferRegion{}
	}
	return device.BufferRegion{
		Buffer: m.indexStorage,
		Offset: uint64(s.Indices.Offset) * 8,
		Range:  uint64(s.Indices.ElementCount) * 8,
	}
}

func (m *mesh) Destroy() {
	for _, b := range []*device.Buffer{&m.indexStorage, &m.indexBuffer, &m.vertexBuffer} {
		if *b != nil {
			(*b).Destroy()
			*b = nil
		}
	}
}
