package scene

import (
	"fmt"
	"sync"

	"github.com/Carmen-Shannon/oxy-rt/common"
	"github.com/Carmen-Shannon/oxy-rt/engine/acceleration"
	"github.com/Carmen-Shannon/oxy-rt/engine/device"
	"github.com/Carmen-Shannon/oxy-rt/engine/model"
	"github.com/go-gl/mathgl/mgl32"
)

// sceneDescription is the implementation of the SceneDescription interface.
type sceneDescription struct {
	mu sync.RWMutex

	dev            device.Device
	label          string
	opaque         bool
	hitGroupIndex  uint32
	materialBuffer device.Buffer

	blas            []acceleration.BLAS
	tlas            acceleration.TLAS
	instances       []SceneInstance
	instanceBuffer  device.Buffer
	blasToInstances map[int][]int

	vertexRegions   []device.BufferRegion
	indexRegions    []device.BufferRegion
	materialRegions []device.BufferRegion

	instancesDirty bool
	destroyed      bool
}

// SceneDescription maps a loaded scene onto ray tracing resources: one BLAS per primitive, one
// TLAS over all of them, and one SceneInstance per primitive in a device buffer hit shaders read.
// Per-primitive vertex, index and material regions are published in instance order.
// Thread-safe for concurrent access.
type SceneDescription interface {
	// BLAS returns the bottom-level structures, one per primitive in mesh then primitive order.
	BLAS() []acceleration.BLAS

	// TLAS returns the top-level structure over every BLAS.
	TLAS() acceleration.TLAS

	// Instances returns a copy of the SceneInstance records.
	Instances() []SceneInstance

	// InstanceCount returns the number of SceneInstance records.
	InstanceCount() int

	// InstanceBuffer returns the device buffer of SceneInstance records.
	InstanceBuffer() device.Buffer

	// InstanceBufferRegion returns the whole instance buffer as a shader resource view.
	InstanceBufferRegion() device.BufferRegion

	// InstancesForBlas returns the indices of the SceneInstance records driven by BLAS i.
	InstancesForBlas(i int) []int

	// VertexRegions returns each primitive's vertex range, indexed by instance.
	VertexRegions() []device.BufferRegion

	// IndexRegions returns each primitive's 64-bit index range, indexed by instance. Non-indexed
	// primitives have the zero region.
	IndexRegions() []device.BufferRegion

	// MaterialRegions returns each primitive's material record, indexed by instance. Primitives
	// without a material have the zero region.
	MaterialRegions() []device.BufferRegion

	// SetBlasTransform replaces the transform of BLAS i and of every SceneInstance it drives.
	// No other instance is touched. The change reaches the device at the next RegenerateTlas
	// and SyncInstanceBuffer.
	//
	// Parameters:
	//   - i: the BLAS index
	//   - m: the new object-to-world transform
	//
	// Returns:
	//   - error: ErrBlasIndexOutOfRange or ErrDestroyed
	SetBlasTransform(i int, m mgl32.Mat4) error

	// SetBlasTransforms applies several transforms at once. Nothing is applied if any index is out of range.
	//
	// Parameters:
	//   - transforms: new transforms keyed by BLAS index
	//
	// Returns:
	//   - error: ErrBlasIndexOutOfRange or ErrDestroyed
	SetBlasTransforms(transforms map[int]mgl32.Mat4) error

	// RegenerateTlas records an in-place refit of the TLAS from the current BLAS transforms.
	// The TLAS handle does not change.
	//
	// Parameters:
	//   - rec: the command recorder the refit is recorded into, ahead of the frame's ray dispatch
	//
	// Returns:
	//   - error: the refit failure
	RegenerateTlas(rec device.CommandRecorder) error

	// SyncInstanceBuffer re-uploads the SceneInstance records if any changed since the last upload.
	//
	// Returns:
	//   - error: the upload failure
	SyncInstanceBuffer() error

	// Destroy releases the structures and the instance buffer. Meshes and the material buffer stay
	// owned by the loaded scene.
	Destroy()
}

var _ SceneDescription = &sceneDescription{}

// FromScene builds the ray tracing description of a loaded scene, using its material buffer.
// The builds run in an immediately submitted recording, so the structures are ready on return.
//
// Parameters:
//   - dev: the device that owns the structures and buffers
//   - s: the loaded scene
//   - options: variadic list of SceneDescriptionBuilderOption functions
//
// Returns:
//   - SceneDescription: the built description
//   - error: ErrEmptyScene, or a build or allocation failure; nothing is leaked on failure
func FromScene(dev device.Device, s model.Scene, options ...SceneDescriptionBuilderOption) (SceneDescription, error) {
	if s == nil {
		panic("scene: FromScene requires a non-nil Scene")
	}
	opts := append([]SceneDescriptionBuilderOption{WithMaterialBuffer(s.MaterialBuffer())}, options...)
	return FromMeshes(dev, s.Meshes(), opts...)
}

// FromMeshes builds the ray tracing description of a set of meshes. Each primitive becomes one
// BLAS carrying its mesh's transform; the TLAS is built over all of them after the BLAS builds.
//
// Parameters:
//   - dev: the device that owns the structures and buffers
//   - meshes: the uploaded meshes
//   - options: variadic list of SceneDescriptionBuilderOption functions
//
// Returns:
//   - SceneDescription: the built description
//   - error: ErrEmptyScene, or a build or allocation failure; nothing is leaked on failure
func FromMeshes(dev device.Device, meshes []model.Mesh, options ...SceneDescriptionBuilderOption) (SceneDescription, error) {
	if dev == nil {
		panic("scene: FromMeshes requires a non-nil Device")
	}
	sd := &sceneDescription{
		dev:             dev,
		label:           "Scene",
		opaque:          true,
		blasToInstances: make(map[int][]int),
	}
	for _, option := range options {
		option(sd)
	}

	var geoms []acceleration.GeometryInstance
	for _, m := range meshes {
		for _, sec := range m.PrimitiveSections() {
			geoms = append(geoms, sd.geometry(m, sec))
			sd.vertexRegions = append(sd.vertexRegions, m.VertexRegion(sec))
			sd.indexRegions = append(sd.indexRegions, m.IndexRegion(sec))
			sd.materialRegions = append(sd.materialRegions, sd.materialRegion(sec.MaterialIndex))

			id := uint32(len(sd.instances))
			texture := NoMaterial
			if sec.HasMaterial() {
				texture = uint32(sec.MaterialIndex)
			}
			sd.blasToInstances[len(sd.instances)] = []int{len(sd.instances)}
			sd.instances = append(sd.instances, NewSceneInstance(id, texture, m.Transform()))
		}
	}
	if len(geoms) == 0 {
		return nil, fmt.Errorf("%s: %w", sd.label, ErrEmptyScene)
	}

	err := dev.ImmediateCommands(sd.label+" Build", func(rec device.CommandRecorder) error {
		for i, g := range geoms {
			b, err := acceleration.NewBLAS(dev, rec, []acceleration.GeometryInstance{g},
				acceleration.WithBLASLabel(fmt.Sprintf("%s BLAS %d", sd.label, i)),
				acceleration.WithOpaque(sd.opaque),
				acceleration.WithHitGroupIndex(sd.hitGroupIndex),
				acceleration.WithVertexStride(model.ModelVertexStride),
			)
			if err != nil {
				return err
			}
			sd.blas = append(sd.blas, b)
		}
		var err error
		sd.tlas, err = acceleration.NewTLAS(dev, rec, sd.blas, acceleration.WithTLASLabel(sd.label+" TLAS"))
		return err
	})
	if err != nil {
		sd.Destroy()
		return nil, fmt.Errorf("%s: %w", sd.label, err)
	}

	sd.instanceBuffer, err = dev.CreateBuffer(device.BufferInfo{
		Label:        sd.label + " Instances",
		Size:         uint64(len(sd.instances)) * SceneInstanceSize,
		ElementCount: uint32(len(sd.instances)),
		Usage:        device.BufferUsageStorage | device.BufferUsageShaderDeviceAddress,
		Location:     device.MemoryLocationCPUToGPU,
	})
	if err != nil {
		sd.Destroy()
		return nil, fmt.Errorf("%s instance buffer: %w", sd.label, err)
	}
	sd.instancesDirty = true
	if err := sd.SyncInstanceBuffer(); err != nil {
		sd.Destroy()
		return nil, err
	}
	common.Logger().Info("scene description built", "label", sd.label, "meshes", len(meshes), "blas", len(sd.blas))
	return sd, nil
}

// geometry describes one primitive section of m for a BLAS build.
func (sd *sceneDescription) geometry(m model.Mesh, sec model.PrimitiveSection) acceleration.GeometryInstance {
	g := acceleration.GeometryInstance{
		VertexBuffer: m.VertexBuffer().DeviceAddress(),
		VertexCount:  sec.Vertices.ElementCount,
		VertexOffset: sec.Vertices.Offset,
		Transform:    m.Transform(),
	}
	if sec.Indexed() && m.IndexBuffer() != nil {
		g.IndexBuffer = m.IndexBuffer().DeviceAddress()
		g.IndexCount = sec.Indices.ElementCount
		g.IndexOffset = uint64(sec.Indices.Offset) * 4
	}
	return g
}

func (sd *sceneDescription) materialRegion(index int) device.BufferRegion {
	if sd.materialBuffer == nil || index < 0 || index >= int(sd.materialBuffer.ElementCount()) {
		return device.BufferRegion{}
	}
	return device.BufferRegion{
		Buffer: sd.materialBuffer,
		Offset: uint64(index) * model.MaterialInfoSize,
		Range:  model.MaterialInfoSize,
	}
}

func (sd *sceneDescription) BLAS() []acceleration.BLAS {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return append([]acceleration.BLAS(nil), sd.blas...)
}

func (sd *sceneDescription) TLAS() acceleration.TLAS {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return sd.tlas
}

func (sd *sceneDescription) Instances() []SceneInstance {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return append([]SceneInstance(nil), sd.instances...)
}

func (sd *sceneDescription) InstanceCount() int {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return len(sd.instances)
}

func (sd *sceneDescription) InstanceBuffer() device.Buffer {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return sd.instanceBuffer
}

func (sd *sceneDescription) InstanceBufferRegion() device.BufferRegion {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	if sd.instanceBuffer == nil {
		return device.BufferRegion{}
	}
	return sd.instanceBuffer.WholeRegion()
}

func (sd *sceneDescription) InstancesForBlas(i int) []int {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return append([]int(nil), sd.blasToInstances[i]...)
}

func (sd *sceneDescription) VertexRegions() []device.BufferRegion {
	return append([]device.BufferRegion(nil), sd.vertexRegions...)
}

func (sd *sceneDescription) IndexRegions() []device.BufferRegion {
	return append([]device.BufferRegion(nil), sd.indexRegions...)
}

func (sd *sceneDescription) MaterialRegions() []device.BufferRegion {
	return append([]device.BufferRegion(nil), sd.materialRegions...)
}

func (sd *sceneDescription) SetBlasTransform(i int, m mgl32.Mat4) error {
	return sd.SetBlasTransforms(map[int]mgl32.Mat4{i: m})
}

func (sd *sceneDescription) SetBlasTransforms(transforms map[int]mgl32.Mat4) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if sd.destroyed {
		return ErrDestroyed
	}
	for i := range transforms {
		if i < 0 || i >= len(sd.blas) {
			return fmt.Errorf("%w: %d of %d", ErrBlasIndexOutOfRange, i, len(sd.blas))
		}
	}
	for i, m := range transforms {
		sd.blas[i].SetTransform(m)
		for _, inst := range sd.blasToInstances[i] {
			sd.instances[inst].SetTransform(m)
		}
	}
	sd.instancesDirty = sd.instancesDirty || len(transforms) > 0
	return nil
}

func (sd *sceneDescription) RegenerateTlas(rec device.CommandRecorder) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if sd.destroyed {
		return ErrDestroyed
	}
	return sd.tlas.Refit(rec, sd.blas)
}

func (sd *sceneDescription) SyncInstanceBuffer() error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if sd.destroyed {
		return ErrDestroyed
	}
	if !sd.instancesDirty {
		return nil
	}
	err := sd.instanceBuffer.MapWrite(func(w *device.WriteView) error {
		var rec [SceneInstanceSize]byte
		for i := range sd.instances {
			sd.instances[i].MarshalTo(rec[:])
			if _, err := w.WriteAt(rec[:], int64(i*SceneInstanceSize)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s instance upload: %w", sd.label, err)
	}
	sd.instancesDirty = false
	return nil
}

func (sd *sceneDescription) Destroy() {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if sd.destroyed {
		return
	}
	sd.destroyed = true
	if sd.instanceBuffer != nil {
		sd.instanceBuffer.Destroy()
	}
	if sd.tlas != nil {
		sd.tlas.Destroy()
	}
	for _, b := range sd.blas {
		b.Destroy()
	}
}
