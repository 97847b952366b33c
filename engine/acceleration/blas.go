package acceleration

import (
	"fmt"

	"github.com/Carmen-Shannon/oxy-rt/common"
	"github.com/Carmen-Shannon/oxy-rt/engine/device"
	"github.com/go-gl/mathgl/mgl32"
)

// DefaultVertexStride is the vertex record size assumed when no stride option is given.
const DefaultVertexStride = 64

// blas is the implementation of the BLAS interface.
type blas struct {
	label         string
	structure     device.AccelerationStructure
	buffer        device.Buffer
	scratch       device.Buffer
	geometries    []device.TriangleGeometry
	transform     mgl32.Mat4
	hasTransform  bool
	hitGroupIndex uint32
	opaque        bool
	vertexStride  uint64
	buildFlags    device.BuildFlags
	destroyed     bool
}

// BLAS is a bottom-level acceleration structure over one or more triangle geometries, together
// with the transform and hit group its instance uses in the top-level structure.
type BLAS interface {
	// Label returns the debug name.
	Label() string

	// Structure returns the device acceleration structure.
	Structure() device.AccelerationStructure

	// Handle returns the opaque identity of the structure.
	Handle() uint64

	// DeviceAddress returns the address instance records use to reference this BLAS.
	DeviceAddress() device.DeviceAddress

	// Buffer returns the backing buffer of the structure.
	Buffer() device.Buffer

	// ScratchBuffer returns the scratch buffer, sized for both builds and refits.
	ScratchBuffer() device.Buffer

	// Geometries returns the triangle descriptions the structure was built from.
	Geometries() []device.TriangleGeometry

	// Transform returns the object-to-world transform of this BLAS's instance.
	Transform() mgl32.Mat4

	// SetTransform replaces the instance transform. It takes effect at the next top-level build or refit.
	//
	// Parameters:
	//   - m: the new object-to-world transform
	SetTransform(m mgl32.Mat4)

	// HitGroupIndex returns the shader binding table hit group offset of this BLAS's instance.
	HitGroupIndex() uint32

	// Opaque reports whether the geometries were built with the opaque flag.
	Opaque() bool

	// Destroy releases the structure and its buffers.
	Destroy()
}

var _ BLAS = &blas{}

// NewBLAS records the build of a bottom-level structure into rec, followed by an acceleration
// structure read/write barrier. The structure is usable once rec has been submitted.
//
// Parameters:
//   - dev: the device that owns the structure and buffers
//   - rec: the command recorder the build is recorded into
//   - geometries: the triangle sections, at least one
//   - options: variadic list of BLASBuilderOption functions
//
// Returns:
//   - BLAS: the new structure
//   - error: ErrInvalidGeometry, or an allocation or recording failure; nothing is leaked on failure
func NewBLAS(dev device.Device, rec device.CommandRecorder, geometries []GeometryInstance, options ...BLASBuilderOption) (BLAS, error) {
	if dev == nil {
		panic("acceleration: NewBLAS requires a non-nil Device")
	}
	if rec == nil {
		panic("acceleration: NewBLAS requires a non-nil CommandRecorder")
	}

	b := &blas{
		label:        "BLAS",
		vertexStride: DefaultVertexStride,
		buildFlags:   device.BuildFlagPreferFastTrace,
	}
	for _, option := range options {
		option(b)
	}

	if len(geometries) == 0 {
		return nil, fmt.Errorf("%s: %w: no geometries", b.label, ErrInvalidGeometry)
	}
	var flags device.GeometryFlags
	if b.opaque {
		flags = device.GeometryFlagOpaque
	}
	for i, g := range geometries {
		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("%s geometry %d: %w", b.label, i, err)
		}
		b.geometries = append(b.geometries, g.triangles(b.vertexStride, flags))
	}
	if !b.hasTransform {
		b.transform = geometries[0].ObjectTransform()
	}

	info := device.BuildInfo{
		Type:      device.AccelerationStructureTypeBottomLevel,
		Flags:     b.buildFlags,
		Mode:      device.BuildModeBuild,
		Triangles: b.geometries,
	}
	sizes, err := dev.AccelerationStructureBuildSizes(info)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.label, err)
	}
	if err := b.allocate(dev, sizes); err != nil {
		b.Destroy()
		return nil, err
	}

	info.Dst = b.structure
	info.ScratchData = b.scratch.DeviceAddress()
	if err := rec.BuildAccelerationStructures(info); err != nil {
		b.Destroy()
		return nil, fmt.Errorf("%s: %w", b.label, err)
	}
	rec.PipelineBarrier(device.AccelerationStructureBarrier())
	return b, nil
}

// allocate creates the backing buffer, the scratch buffer and the structure. The scratch buffer
// covers the larger of the build and update requirements so the same buffer serves refits.
func (b *blas) allocate(dev device.Device, sizes device.BuildSizes) error {
	var err error
	b.buffer, err = dev.CreateBuffer(device.BufferInfo{
		Label:        b.label,
		Size:         sizes.AccelerationStructureSize,
		ElementCount: 1,
		Usage:        device.BufferUsageAccelerationStructureStorage | device.BufferUsageShaderDeviceAddress,
		Location:     device.MemoryLocationGPUOnly,
	})
	if err != nil {
		return fmt.Errorf("%s buffer: %w", b.label, err)
	}
	b.scratch, err = dev.CreateBuffer(device.BufferInfo{
		Label:        b.label + " Scratch",
		Size:         common.AlignUp(max(sizes.BuildScratchSize, sizes.UpdateScratchSize), uint64(dev.Properties().MinScratchOffsetAlignment)),
		ElementCount: 1,
		Usage:        device.BufferUsageStorage | device.BufferUsageShaderDeviceAddress,
		Location:     device.MemoryLocationGPUOnly,
	})
	if err != nil {
		return fmt.Errorf("%s scratch: %w", b.label, err)
	}
	b.structure, err = dev.CreateAccelerationStructure(device.AccelerationStructureInfo{
		Label:  b.label,
		Type:   device.AccelerationStructureTypeBottomLevel,
		Buffer: b.buffer,
		Size:   sizes.AccelerationStructureSize,
	})
	if err != nil {
		return fmt.Errorf("%s structure: %w", b.label, err)
	}
	return nil
}

func (b *blas) Label() string                           { return b.label }
func (b *blas) Structure() device.AccelerationStructure { return b.structure }
func (b *blas) Handle() uint64                          { return b.structure.Handle() }
func (b *blas) DeviceAddress() device.DeviceAddress     { return b.structure.DeviceAddress() }
func (b *blas) Buffer() device.Buffer                   { return b.buffer }
func (b *blas) ScratchBuffer() device.Buffer            { return b.scratch }
func (b *blas) Transform() mgl32.Mat4                   { return b.transform }
func (b *blas) SetTransform(m mgl32.Mat4)               { b.transform = m }
func (b *blas) HitGroupIndex() uint32                   { return b.hitGroupIndex }
func (b *blas) Opaque() bool                            { return b.opaque }

func (b *blas) Geometries() []device.TriangleGeometry {
	return append([]device.TriangleGeometry(nil), b.geometries...)
}

func (b *blas) Destroy() {
	if b.destroyed {
		return
	}
	b.destroyed = true
	if b.structure != nil {
		b.structure.Destroy()
	}
	if b.scratch != nil {
		b.scratch.Destroy()
	}
	if b.buffer != nil {
		b.buffer.Destroy()
	}
}
