package model

import (
	"fmt"

	"github.com/Carmen-Shannon/oxy-rt/engine/device"
)

// scene is the implementation of the Scene interface.
type scene struct {
	meshes         []Mesh
	materials      []MaterialInfo
	materialBuffer device.Buffer
	nodes          []Node
}

// Scene is the output of a scene loader: uploaded meshes with baked transforms, the material
// table and the node hierarchy the transforms were baked from.
type Scene interface {
	// Meshes returns the meshes in load order.
	Meshes() []Mesh

	// Materials returns the material table.
	Materials() []MaterialInfo

	// MaterialBuffer returns the device buffer of MaterialInfo records, or nil when the scene has no materials.
	MaterialBuffer() device.Buffer

	// MaterialRegion returns the byte range of material index in MaterialBuffer, or the zero region
	// when the index is negative or out of range.
	MaterialRegion(index int) device.BufferRegion

	// Nodes returns the node hierarchy.
	Nodes() []Node

	// Destroy releases the material buffer and every mesh.
	Destroy()
}

var _ Scene = &scene{}

// NewScene takes ownership of meshes and uploads the material table.
//
// Parameters:
//   - dev: the device that owns the material buffer
//   - meshes: the uploaded meshes
//   - materials: the material table referenced by PrimitiveSection.MaterialIndex
//   - opts: a variadic list of SceneBuilderOption functions
//
// Returns:
//   - Scene: the scene
//   - error: if a primitive references a missing material or the upload fails
func NewScene(dev device.Device, meshes []Mesh, materials []MaterialInfo, opts ...SceneBuilderOption) (Scene, error) {
	if dev == nil {
		panic("model: NewScene requires a non-nil Device")
	}
	s := &scene{
		meshes:    append([]Mesh(nil), meshes...),
		materials: append([]MaterialInfo(nil), materials...),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, m := range s.meshes {
		for _, sec := range m.PrimitiveSections() {
			if sec.MaterialIndex >= len(s.materials) {
				return nil, fmt.Errorf("%s primitive %d: %w: material %d of %d", m.Name(), sec.Index, ErrInvalidPrimitive, sec.MaterialIndex, len(s.materials))
			}
		}
	}
	if len(s.materials) == 0 {
		return s, nil
	}

	data := make([]byte, 0, len(s.materials)*MaterialInfoSize)
	for i := range s.materials {
		data = append(data, s.materials[i].Marshal()...)
	}
	var err error
	s.materialBuffer, err = dev.CreateBufferWithData(device.BufferInfo{
		Label:        "Materials",
		Size:         uint64(len(data)),
		ElementCount: uint32(len(s.materials)),
		Usage:        device.BufferUsageStorage | device.BufferUsageShaderDeviceAddress | device.BufferUsageTransferDst,
		Location:     device.MemoryLocationGPUOnly,
	}, data)
	if err != nil {
		return nil, fmt.Errorf("material buffer: %w", err)
	}
	return s, nil
}

func (s *scene) Meshes() []Mesh                { return append([]Mesh(nil), s.meshes...) }
func (s *scene) Materials() []MaterialInfo     { return append([]MaterialInfo(nil), s.materials...) }
func (s *scene) MaterialBuffer() device.Buffer { return s.materialBuffer }
func (s *scene) Nodes() []Node                 { return append([]Node(nil), s.nodes...) }

func (s *scene) MaterialRegion(index int) device.BufferRegion {
	if s.materialBuffer == nil || index < 0 || index >= len(s.materials) {
		return device.BufferRegion{}
	}
	return device.BufferRegion{
		Buffer: s.materialBuffer,
		Offset: uint64(index) * MaterialInfoSize,
		Range:  MaterialInfoSize,
	}
}

func (s *scene) Destroy() {
	if s.materialBuffer != nil {
		s.materialBuffer.Destroy()
		s.materialBuffer = nil
	}
	for _, m := range s.meshes {
		m.Destroy()
	}
	s.meshes = nil
}
