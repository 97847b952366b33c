package acceleration

import (
	"errors"
	"fmt"

	"github.com/Carmen-Shannon/oxy-rt/common"
	"github.com/Carmen-Shannon/oxy-rt/engine/device"
)

// DefaultInstanceFlags are the flags written into every instance record unless overridden.
// Instances are not culled at the structure level.
const DefaultInstanceFlags = device.InstanceFlagForceOpaque | device.InstanceFlagTriangleFacingCullDisable

// tlas is the implementation of the TLAS interface.
type tlas struct {
	dev        device.Device
	label      string
	mask       uint8
	flags      device.InstanceFlags
	buildFlags device.BuildFlags

	structure device.AccelerationStructure
	buffer    device.Buffer
	scratch   device.Buffer
	instBuf   device.Buffer
	instances []device.InstanceDescriptor
	destroyed bool
}

// TLAS is a top-level acceleration structure over a set of BLAS instances, one instance record per BLAS.
type TLAS interface {
	// Structure returns the device acceleration structure.
	Structure() device.AccelerationStructure

	// Handle returns the opaque identity of the structure. Refits keep it; Rebuild with a new count replaces it.
	Handle() uint64

	// DeviceAddress returns the address of the structure.
	DeviceAddress() device.DeviceAddress

	// Buffer returns the backing buffer of the structure.
	Buffer() device.Buffer

	// ScratchBuffer returns the scratch buffer shared by builds and refits.
	ScratchBuffer() device.Buffer

	// InstanceBuffer returns the device-readable buffer of packed instance records.
	InstanceBuffer() device.Buffer

	// Instances returns a copy of the host-side instance records of the last build or refit.
	Instances() []device.InstanceDescriptor

	// InstanceCount returns the number of instance records.
	InstanceCount() int

	// Refit repacks the instance records from the current BLAS transforms, uploads them and records
	// an in-place update of the structure followed by an acceleration structure barrier.
	//
	// Parameters:
	//   - rec: the command recorder the update is recorded into
	//   - blas: the same BLAS set, in the same order, the structure was built from
	//
	// Returns:
	//   - error: ErrDestroyed, ErrNotBuilt, ErrInstanceCountMismatch, or a packing or recording failure
	Refit(rec device.CommandRecorder, blas []BLAS) error

	// Rebuild records a full build over blas. When the instance count is unchanged it refits instead;
	// otherwise the structure and its buffers are reallocated and the handle changes. Commands that
	// reference the old structure must already have been submitted.
	//
	// Parameters:
	//   - rec: the command recorder the build is recorded into
	//   - blas: the new BLAS set
	//
	// Returns:
	//   - error: ErrDestroyed, ErrNoInstances, or an allocation, packing or recording failure
	Rebuild(rec device.CommandRecorder, blas []BLAS) error

	// Destroy releases the structure and its buffers.
	Destroy()
}

var _ TLAS = &tlas{}

// NewTLAS packs one instance record per BLAS, uploads them in a single host write and records the
// top-level build into rec, followed by an acceleration structure barrier. The structure is always
// created with device.BuildFlagAllowUpdate so it can be refitted.
//
// Parameters:
//   - dev: the device that owns the structure and buffers
//   - rec: the command recorder the build is recorded into; the BLAS builds must precede it
//   - blas: the instanced BLAS set, at least one
//   - options: variadic list of TLASBuilderOption functions
//
// Returns:
//   - TLAS: the new structure
//   - error: ErrNoInstances, device.ErrFieldOverflow, or an allocation or recording failure
func NewTLAS(dev device.Device, rec device.CommandRecorder, blas []BLAS, options ...TLASBuilderOption) (TLAS, error) {
	if dev == nil {
		panic("acceleration: NewTLAS requires a non-nil Device")
	}
	if rec == nil {
		panic("acceleration: NewTLAS requires a non-nil CommandRecorder")
	}

	t := &tlas{
		dev:        dev,
		label:      "TLAS",
		mask:       0xFF,
		flags:      DefaultInstanceFlags,
		buildFlags: device.BuildFlagPreferFastTrace,
	}
	for _, option := range options {
		option(t)
	}
	t.buildFlags |= device.BuildFlagAllowUpdate

	if err := t.build(rec, blas); err != nil {
		t.Destroy()
		return nil, err
	}
	return t, nil
}

// build allocates storage for len(blas) instances and records a full build.
func (t *tlas) build(rec device.CommandRecorder, blas []BLAS) error {
	if len(blas) == 0 {
		return fmt.Errorf("%s: %w", t.label, ErrNoInstances)
	}
	instances, err := t.pack(blas)
	if err != nil {
		return err
	}

	info := device.BuildInfo{
		Type:      device.AccelerationStructureTypeTopLevel,
		Flags:     t.buildFlags,
		Mode:      device.BuildModeBuild,
		Instances: device.InstanceGeometry{Count: uint32(len(instances))},
	}
	sizes, err := t.dev.AccelerationStructureBuildSizes(info)
	if err != nil {
		return fmt.Errorf("%s: %w", t.label, err)
	}
	if err := t.allocate(sizes, len(instances)); err != nil {
		return err
	}
	if err := t.upload(instances); err != nil {
		return err
	}

	info.Dst = t.structure
	info.Instances.Data = t.instBuf.DeviceAddress()
	info.ScratchData = t.scratch.DeviceAddress()
	if err := rec.BuildAccelerationStructures(info); err != nil {
		return fmt.Errorf("%s: %w", t.label, err)
	}
	rec.PipelineBarrier(device.AccelerationStructureBarrier())
	common.Logger().Debug("tlas build recorded", "label", t.label, "instances", len(instances))
	return nil
}

// pack converts each BLAS into its instance record. Ids are sequential.
func (t *tlas) pack(blas []BLAS) ([]device.InstanceDescriptor, error) {
	instances := make([]device.InstanceDescriptor, len(blas))
	for i, b := range blas {
		if b == nil {
			return nil, fmt.Errorf("%s instance %d: nil BLAS", t.label, i)
		}
		d, err := device.NewInstanceDescriptor(
			common.RowMajor3x4(b.Transform()),
			uint32(i),
			t.mask,
			b.HitGroupIndex(),
			t.flags,
			b.DeviceAddress(),
		)
		if err != nil {
			return nil, fmt.Errorf("%s instance %d: %w", t.label, i, err)
		}
		instances[i] = d
	}
	return instances, nil
}

// upload writes every record into the instance buffer within one mapping.
func (t *tlas) upload(instances []device.InstanceDescriptor) error {
	err := t.instBuf.MapWrite(func(w *device.WriteView) error {
		var rec [device.InstanceDescriptorSize]byte
		for i := range instances {
			instances[i].MarshalTo(rec[:])
			if _, err := w.WriteAt(rec[:], int64(i*device.InstanceDescriptorSize)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s instance upload: %w", t.label, err)
	}
	t.instances = instances
	return nil
}

func (t *tlas) allocate(sizes device.BuildSizes, count int) error {
	var err error
	t.instBuf, err = t.dev.CreateBuffer(device.BufferInfo{
		Label:        t.label + " Instances",
		Size:         uint64(count) * device.InstanceDescriptorSize,
		ElementCount: uint32(count),
		Usage: device.BufferUsageAccelerationStructureBuildInput |
			device.BufferUsageShaderDeviceAddress |
			device.BufferUsageStorage,
		Location: device.MemoryLocationCPUToGPU,
	})
	if err != nil {
		return fmt.Errorf("%s instance buffer: %w", t.label, err)
	}
	t.buffer, err = t.dev.CreateBuffer(device.BufferInfo{
		Label:        t.label,
		Size:         sizes.AccelerationStructureSize,
		ElementCount: 1,
		Usage:        device.BufferUsageAccelerationStructureStorage | device.BufferUsageShaderDeviceAddress,
		Location:     device.MemoryLocationGPUOnly,
	})
	if err != nil {
		return fmt.Errorf("%s buffer: %w", t.label, err)
	}
	t.scratch, err = t.dev.CreateBuffer(device.BufferInfo{
		Label:        t.label + " Scratch",
		Size:         common.AlignUp(max(sizes.BuildScratchSize, sizes.UpdateScratchSize), uint64(t.dev.Properties().MinScratchOffsetAlignment)),
		ElementCount: 1,
		Usage:        device.BufferUsageStorage | device.BufferUsageShaderDeviceAddress,
		Location:     device.MemoryLocationGPUOnly,
	})
	if err != nil {
		return fmt.Errorf("%s scratch: %w", t.label, err)
	}
	t.structure, err = t.dev.CreateAccelerationStructure(device.AccelerationStructureInfo{
		Label:  t.label,
		Type:   device.AccelerationStructureTypeTopLevel,
		Buffer: t.buffer,
		Size:   sizes.AccelerationStructureSize,
	})
	if err != nil {
		return fmt.Errorf("%s structure: %w", t.label, err)
	}
	return nil
}

func (t *tlas) Refit(rec device.CommandRecorder, blas []BLAS) error {
	switch {
	case t.destroyed:
		return fmt.Errorf("%s: %w", t.label, ErrDestroyed)
	case t.structure == nil || !t.structure.Built():
		return fmt.Errorf("%s: %w", t.label, ErrNotBuilt)
	case len(blas) != len(t.instances):
		return fmt.Errorf("%s: %w: built with %d, refit with %d", t.label, ErrInstanceCountMismatch, len(t.instances), len(blas))
	}

	instances, err := t.pack(blas)
	if err != nil {
		return err
	}
	prev := t.instances
	if err := t.upload(instances); err != nil {
		return err
	}
	err = rec.BuildAccelerationStructures(device.BuildInfo{
		Type:        device.AccelerationStructureTypeTopLevel,
		Flags:       t.buildFlags,
		Mode:        device.BuildModeUpdate,
		Src:         t.structure,
		Dst:         t.structure,
		Instances:   device.InstanceGeometry{Data: t.instBuf.DeviceAddress(), Count: uint32(len(instances))},
		ScratchData: t.scratch.DeviceAddress(),
	})
	if err != nil {
		// The structure still holds prev; put the instance buffer back to match it.
		if rerr := t.upload(prev); rerr != nil {
			return errors.Join(fmt.Errorf("%s refit: %w", t.label, err), rerr)
		}
		return fmt.Errorf("%s refit: %w", t.label, err)
	}
	rec.PipelineBarrier(device.AccelerationStructureBarrier())
	return nil
}

func (t *tlas) Rebuild(rec device.CommandRecorder, blas []BLAS) error {
	if t.destroyed {
		return fmt.Errorf("%s: %w", t.label, ErrDestroyed)
	}
	if len(blas) == len(t.instances) && t.structure != nil && t.structure.Built() {
		return t.Refit(rec, blas)
	}
	t.release()
	if err := t.build(rec, blas); err != nil {
		t.release()
		return err
	}
	common.Logger().Info("tlas reallocated", "label", t.label, "instances", len(blas), "handle", t.structure.Handle())
	return nil
}

func (t *tlas) Structure() device.AccelerationStructure { return t.structure }
func (t *tlas) Buffer() device.Buffer                   { return t.buffer }
func (t *tlas) ScratchBuffer() device.Buffer            { return t.scratch }
func (t *tlas) InstanceBuffer() device.Buffer           { return t.instBuf }
func (t *tlas) InstanceCount() int                      { return len(t.instances) }

func (t *tlas) Handle() uint64 {
	if t.structure == nil {
		return 0
	}
	return t.structure.Handle()
}

func (t *tlas) DeviceAddress() device.DeviceAddress {
	if t.structure == nil {
		return 0
	}
	return t.structure.DeviceAddress()
}

func (t *tlas) Instances() []device.InstanceDescriptor {
	return append([]device.InstanceDescriptor(nil), t.instances...)
}

// release destroys the structure and all buffers, leaving t reusable for build.
func (t *tlas) release() {
	if t.structure != nil {
		t.structure.Destroy()
		t.structure = nil
	}
	for _, b := range []*device.Buffer{&t.scratch, &t.buffer, &t.instBuf} {
		if *b != nil {
			(*b).Destroy()
			*b = nil
		}
	}
	t.instances = nil
}

func (t *tlas) Destroy() {
	if t.destroyed {
		return
	}
	t.destroyed = true
	t.release()
}
