package device

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"github.com/Carmen-Shannon/oxy-rt/common"
)

// device is the implementation of the Device interface.
// It owns the address space, the residency backend, every live structure and pipeline,
// and the worker pool that executes independent builds concurrently.
type device struct {
	label                string
	backend              BackendType
	props                RayTracingProperties
	budget               uint64
	workers              int
	forceFallbackAdapter bool

	mem  *memory
	res  residency
	pool worker.DynamicWorkerPool

	mu             sync.Mutex
	structures     map[DeviceAddress]*accelerationStructure
	liveBuffers    int
	liveStructures int
	livePipelines  int
	destroyed      bool

	nextHandle atomic.Uint64
	stats      struct {
		submissions, built, updated, dispatches, rays atomic.Uint64
	}
}

// Device is an explicit GPU device context. Every buffer, acceleration structure and pipeline is
// created from, and must be destroyed before, the device that owns it. Several devices may
// coexist in one process.
type Device interface {
	// Label returns the debug name of the device.
	Label() string

	// Backend returns the residency backend in use.
	Backend() BackendType

	// Properties returns the ray tracing limits of the device.
	Properties() RayTracingProperties

	// CreateBuffer allocates a zero-filled buffer.
	//
	// Parameters:
	//   - info: the validated buffer description
	//
	// Returns:
	//   - Buffer: the new buffer
	//   - error: ErrInvalidBufferInfo, ErrOutOfDeviceMemory, or a backend failure
	CreateBuffer(info BufferInfo) (Buffer, error)

	// CreateBufferWithData allocates a buffer and uploads data at offset zero.
	// GPU-only buffers are filled through a staging copy and need BufferUsageTransferDst.
	//
	// Parameters:
	//   - info: the validated buffer description
	//   - data: initial contents, at most info.Size bytes
	//
	// Returns:
	//   - Buffer: the new buffer
	//   - error: any creation or upload failure; no buffer is leaked on failure
	CreateBufferWithData(info BufferInfo, data []byte) (Buffer, error)

	// AccelerationStructureBuildSizes reports the backing and scratch sizes a build needs.
	// Only Type, Flags and the geometry of info are consulted.
	//
	// Parameters:
	//   - info: the build to size
	//
	// Returns:
	//   - BuildSizes: backing, build scratch and update scratch sizes in bytes
	//   - error: ErrInvalidBuildInput for malformed geometry or exceeded limits
	AccelerationStructureBuildSizes(info BuildInfo) (BuildSizes, error)

	// CreateAccelerationStructure creates an unbuilt structure inside a backing buffer.
	//
	// Parameters:
	//   - info: placement of the structure
	//
	// Returns:
	//   - AccelerationStructure: the new structure
	//   - error: if the buffer cannot hold a structure at the given range
	CreateAccelerationStructure(info AccelerationStructureInfo) (AccelerationStructure, error)

	// CreateRayTracingPipeline links shader groups into a pipeline and assigns group handles.
	//
	// Parameters:
	//   - info: the pipeline description
	//
	// Returns:
	//   - RayTracingPipeline: the new pipeline
	//   - error: ErrInvalidPipeline
	CreateRayTracingPipeline(info RayTracingPipelineInfo) (RayTracingPipeline, error)

	// ShaderGroupHandles returns groupCount consecutive handles starting at firstGroup, packed
	// back to back with ShaderGroupHandleSize bytes each.
	//
	// Parameters:
	//   - p: the pipeline to query
	//   - firstGroup: index of the first group
	//   - groupCount: number of groups
	//
	// Returns:
	//   - []byte: groupCount*ShaderGroupHandleSize bytes
	//   - error: if the range exceeds the pipeline's groups or the pipeline is not usable
	ShaderGroupHandles(p RayTracingPipeline, firstGroup, groupCount uint32) ([]byte, error)

	// BeginCommands starts a new single-use command recorder.
	BeginCommands(label string) CommandRecorder

	// Submit executes a recorder's commands in order and waits for completion.
	//
	// Parameters:
	//   - rec: a recorder from BeginCommands on this device
	//
	// Returns:
	//   - error: the first recording or execution failure
	Submit(rec CommandRecorder) error

	// ImmediateCommands records fn into a fresh recorder and submits it. Nothing is submitted
	// if fn fails.
	//
	// Parameters:
	//   - label: debug name of the submission
	//   - fn: records commands
	//
	// Returns:
	//   - error: fn's error or the submission error
	ImmediateCommands(label string, fn func(rec CommandRecorder) error) error

	// ReadResident returns a copy of the bytes the residency backend holds for buf. On the host
	// backend that is the host memory itself.
	//
	// Parameters:
	//   - buf: a live buffer of this device
	//
	// Returns:
	//   - []byte: buf.Size() bytes
	//   - error: ErrForeignResource, ErrResourceDestroyed, or a readback failure
	ReadResident(buf Buffer) ([]byte, error)

	// Stats returns a snapshot of device counters.
	Stats() Stats

	// Destroy tears the device down. It fails with ErrResourcesOutstanding, leaving the device
	// usable, while any buffer, structure or pipeline is alive.
	Destroy() error
}

// Stats is a snapshot of device counters.
type Stats struct {
	Buffers             int
	Structures          int
	Pipelines           int
	MemoryUsed          uint64
	MemoryPeak          uint64
	Submissions         uint64
	StructuresBuilt     uint64
	StructuresUpdated   uint64
	TraceRaysDispatched uint64
	RaysLaunched        uint64
}

var _ Device = &device{}

// NewDevice creates a device context.
//
// Parameters:
//   - options: variadic list of DeviceBuilderOption functions to configure the device
//
// Returns:
//   - Device: the new device
//   - error: invalid properties or a backend initialization failure
func NewDevice(options ...DeviceBuilderOption) (Device, error) {
	d := &device{
		label:      "Device",
		backend:    BackendTypeHost,
		props:      DefaultRayTracingProperties(),
		workers:    max(runtime.NumCPU()-1, 1),
		structures: make(map[DeviceAddress]*accelerationStructure),
	}
	for _, option := range options {
		option(d)
	}
	if err := d.props.Validate(); err != nil {
		return nil, err
	}

	res, err := newResidency(d.backend, d.label, d.forceFallbackAdapter)
	if err != nil {
		return nil, err
	}
	d.res = res
	d.mem = newMemory(d.budget, max(256, uint64(d.props.ShaderGroupBaseAlignment)))
	d.pool = worker.NewDynamicWorkerPool(d.workers, 256, 1*time.Second)

	common.Logger().Info("device created",
		"label", d.label,
		"backend", d.backend.String(),
		"workers", d.workers,
		"budget", d.budget,
	)
	return d, nil
}

func (d *device) Label() string                    { return d.label }
func (d *device) Backend() BackendType             { return d.backend }
func (d *device) Properties() RayTracingProperties { return d.props }

func (d *device) alive() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDeviceDestroyed
	}
	return nil
}

func (d *device) CreateBuffer(info BufferInfo) (Buffer, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	b := &buffer{dev: d, info: info}
	if err := d.mem.allocate(b); err != nil {
		return nil, fmt.Errorf("create buffer: %w", err)
	}
	if d.res != nil {
		if err := d.res.allocate(b); err != nil {
			d.mem.free(b)
			return nil, err
		}
	}

	d.mu.Lock()
	d.liveBuffers++
	d.mu.Unlock()

	common.Logger().Debug("buffer allocated",
		"label", info.Label,
		"size", info.Size,
		"address", fmt.Sprintf("0x%x", uint64(b.address)),
		"location", info.Location.String(),
	)
	return b, nil
}

func (d *device) CreateBufferWithData(info BufferInfo, data []byte) (Buffer, error) {
	b, err := d.CreateBuffer(info)
	if err != nil {
		return nil, err
	}
	if err := b.Upload(0, data); err != nil {
		b.Destroy()
		return nil, fmt.Errorf("initialize %q: %w", info.Label, err)
	}
	return b, nil
}

// stagedUpload fills a GPU-only buffer through a host-visible staging buffer and a copy.
func (d *device) stagedUpload(dst *buffer, offset uint64, data []byte) error {
	staging, err := d.CreateBuffer(BufferInfo{
		Label:        dst.info.Label + " Staging",
		Size:         uint64(len(data)),
		ElementCount: 1,
		Usage:        BufferUsageTransferSrc,
		Location:     MemoryLocationCPUToGPU,
	})
	if err != nil {
		return err
	}
	defer staging.Destroy()

	if err := staging.Upload(0, data); err != nil {
		return err
	}
	return d.ImmediateCommands(dst.info.Label+" Upload", func(rec CommandRecorder) error {
		return rec.CopyBuffer(staging, dst, BufferCopy{SrcOffset: 0, DstOffset: offset, Size: uint64(len(data))})
	})
}

func (d *device) flush(b *buffer, offset, size uint64) {
	if d.res != nil {
		d.res.flush(b, offset, size)
	}
}

func (d *device) releaseBuffer(b *buffer) {
	if d.res != nil {
		d.res.release(b)
	}
	d.mem.free(b)
	d.mu.Lock()
	d.liveBuffers--
	d.mu.Unlock()
}

func (d *device) ReadResident(buf Buffer) ([]byte, error) {
	b, err := d.ownBuffer(buf)
	if err != nil {
		return nil, err
	}
	if d.res == nil {
		return b.Read(0, b.info.Size)
	}
	return d.res.readback(b)
}

// ownBuffer checks that buf is a live buffer of this device.
func (d *device) ownBuffer(buf Buffer) (*buffer, error) {
	b, ok := buf.(*buffer)
	if !ok || b == nil {
		return nil, fmt.Errorf("%w: unknown buffer implementation", ErrForeignResource)
	}
	if b.dev != d {
		return nil, fmt.Errorf("%w: buffer %q", ErrForeignResource, b.info.Label)
	}
	if b.Destroyed() {
		return nil, fmt.Errorf("buffer %q: %w", b.info.Label, ErrResourceDestroyed)
	}
	return b, nil
}

func (d *device) AccelerationStructureBuildSizes(info BuildInfo) (BuildSizes, error) {
	if err := d.alive(); err != nil {
		return BuildSizes{}, err
	}
	switch info.Type {
	case AccelerationStructureTypeBottomLevel:
		if len(info.Triangles) == 0 {
			return BuildSizes{}, fmt.Errorf("%w: bottom-level build without geometry", ErrInvalidBuildInput)
		}
		if uint64(len(info.Triangles)) > d.props.MaxGeometryCount {
			return BuildSizes{}, fmt.Errorf("%w: %d geometries exceed %d", ErrInvalidBuildInput, len(info.Triangles), d.props.MaxGeometryCount)
		}
		for i, g := range info.Triangles {
			if err := g.validate(i); err != nil {
				return BuildSizes{}, err
			}
		}
		if n := info.PrimitiveCount(); n > d.props.MaxPrimitiveCount {
			return BuildSizes{}, fmt.Errorf("%w: %d triangles exceed %d", ErrInvalidBuildInput, n, d.props.MaxPrimitiveCount)
		}
	case AccelerationStructureTypeTopLevel:
		if len(info.Triangles) != 0 {
			return BuildSizes{}, fmt.Errorf("%w: top-level build with triangle geometry", ErrInvalidBuildInput)
		}
		if n := info.PrimitiveCount(); n > d.props.MaxInstanceCount {
			return BuildSizes{}, fmt.Errorf("%w: %d instances exceed %d", ErrInvalidBuildInput, n, d.props.MaxInstanceCount)
		}
	default:
		return BuildSizes{}, fmt.Errorf("%w: unknown structure type %v", ErrInvalidBuildInput, info.Type)
	}
	return structureSizes(info.Type, info.Flags, info.PrimitiveCount()), nil
}

func (d *device) CreateAccelerationStructure(info AccelerationStructureInfo) (AccelerationStructure, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	b, err := d.ownBuffer(info.Buffer)
	if err != nil {
		return nil, err
	}
	switch {
	case !b.info.Usage.Has(BufferUsageAccelerationStructureStorage):
		return nil, fmt.Errorf("%w: %q lacks acceleration structure storage usage", ErrInvalidBuildInput, b.info.Label)
	case info.Offset%256 != 0:
		return nil, fmt.Errorf("%w: structure offset %d is not 256-byte aligned", ErrInvalidBuildInput, info.Offset)
	case info.Size == 0:
		return nil, fmt.Errorf("%w: structure %q has zero size", ErrInvalidBuildInput, info.Label)
	}
	if err := b.checkRange(info.Offset, info.Size); err != nil {
		return nil, err
	}

	a := &accelerationStructure{
		dev:    d,
		label:  info.Label,
		handle: d.nextHandle.Add(1),
		typ:    info.Type,
		buf:    b,
		offset: info.Offset,
		size:   info.Size,
	}
	d.mu.Lock()
	d.structures[a.DeviceAddress()] = a
	d.liveStructures++
	d.mu.Unlock()
	return a, nil
}

func (d *device) releaseStructure(a *accelerationStructure) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.structures[a.DeviceAddress()] == a {
		delete(d.structures, a.DeviceAddress())
	}
	d.liveStructures--
}

// ownStructure checks that s is a live structure of this device.
func (d *device) ownStructure(s AccelerationStructure) (*accelerationStructure, error) {
	a, ok := s.(*accelerationStructure)
	if !ok || a == nil {
		return nil, fmt.Errorf("%w: unknown acceleration structure implementation", ErrForeignResource)
	}
	if a.dev != d {
		return nil, fmt.Errorf("%w: structure %q", ErrForeignResource, a.label)
	}
	if a.Destroyed() {
		return nil, fmt.Errorf("structure %q: %w", a.label, ErrResourceDestroyed)
	}
	return a, nil
}

// lookupStructure resolves an instance reference to a live structure.
func (d *device) lookupStructure(addr DeviceAddress) (*accelerationStructure, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.structures[addr]
	if !ok {
		return nil, fmt.Errorf("%w: no acceleration structure at 0x%x", ErrInvalidAddress, uint64(addr))
	}
	return a, nil
}

func (d *device) CreateRayTracingPipeline(info RayTracingPipelineInfo) (RayTracingPipeline, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	if err := info.Validate(d.props); err != nil {
		return nil, err
	}
	info.Groups = append([]ShaderGroup(nil), info.Groups...)
	p := &rayTracingPipeline{
		dev:    d,
		info:   info,
		handle: d.nextHandle.Add(1),
	}
	p.generateHandles(d.props.ShaderGroupHandleSize)

	d.mu.Lock()
	d.livePipelines++
	d.mu.Unlock()

	common.Logger().Debug("ray tracing pipeline created", "label", info.Label, "groups", len(info.Groups))
	return p, nil
}

func (d *device) releasePipeline(p *rayTracingPipeline) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.livePipelines--
}

// ownPipeline checks that p is a live pipeline of this device.
func (d *device) ownPipeline(p RayTracingPipeline) (*rayTracingPipeline, error) {
	rp, ok := p.(*rayTracingPipeline)
	if !ok || rp == nil {
		return nil, fmt.Errorf("%w: unknown pipeline implementation", ErrForeignResource)
	}
	if rp.dev != d {
		return nil, fmt.Errorf("%w: pipeline %q", ErrForeignResource, rp.info.Label)
	}
	if rp.Destroyed() {
		return nil, fmt.Errorf("pipeline %q: %w", rp.info.Label, ErrResourceDestroyed)
	}
	return rp, nil
}

func (d *device) ShaderGroupHandles(p RayTracingPipeline, firstGroup, groupCount uint32) ([]byte, error) {
	if err := d.alive(); err != nil {
		return nil, err
	}
	rp, err := d.ownPipeline(p)
	if err != nil {
		return nil, err
	}
	if uint64(firstGroup)+uint64(groupCount) > uint64(rp.GroupCount()) {
		return nil, fmt.Errorf("%w: groups [%d, %d) exceed %d in %q", ErrInvalidPipeline, firstGroup, firstGroup+groupCount, rp.GroupCount(), rp.info.Label)
	}
	size := int(d.props.ShaderGroupHandleSize)
	out := make([]byte, int(groupCount)*size)
	copy(out, rp.handles[int(firstGroup)*size:])
	return out, nil
}

func (d *device) BeginCommands(label string) CommandRecorder {
	return &recorder{dev: d, label: label}
}

func (d *device) Submit(rec CommandRecorder) error {
	if err := d.alive(); err != nil {
		return err
	}
	r, ok := rec.(*recorder)
	if !ok || r.dev != d {
		return fmt.Errorf("%w: recorder", ErrForeignResource)
	}
	if r.closed {
		return fmt.Errorf("submit %q: %w", r.label, ErrRecorderClosed)
	}
	r.closed = true
	if r.err != nil {
		return fmt.Errorf("submit %q: %w", r.label, r.err)
	}

	start := time.Now()
	err := newExecutor(d).run(r.cmds)
	d.stats.submissions.Add(1)
	common.Logger().Debug("commands submitted",
		"label", r.label,
		"commands", len(r.cmds),
		"elapsed", time.Since(start),
		"error", err,
	)
	if err != nil {
		return fmt.Errorf("submit %q: %w", r.label, err)
	}
	return nil
}

func (d *device) ImmediateCommands(label string, fn func(rec CommandRecorder) error) error {
	rec := d.BeginCommands(label)
	if err := fn(rec); err != nil {
		return err
	}
	return d.Submit(rec)
}

func (d *device) Stats() Stats {
	used, peak, _ := d.mem.usage()
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Buffers:             d.liveBuffers,
		Structures:          d.liveStructures,
		Pipelines:           d.livePipelines,
		MemoryUsed:          used,
		MemoryPeak:          peak,
		Submissions:         d.stats.submissions.Load(),
		StructuresBuilt:     d.stats.built.Load(),
		StructuresUpdated:   d.stats.updated.Load(),
		TraceRaysDispatched: d.stats.dispatches.Load(),
		RaysLaunched:        d.stats.rays.Load(),
	}
}

func (d *device) Destroy() error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	if d.liveBuffers > 0 || d.liveStructures > 0 || d.livePipelines > 0 {
		err := fmt.Errorf("%w: %d buffers, %d structures, %d pipelines", ErrResourcesOutstanding, d.liveBuffers, d.liveStructures, d.livePipelines)
		d.mu.Unlock()
		common.Logger().Warn("device teardown refused", "label", d.label, "error", err)
		return err
	}
	d.destroyed = true
	d.mu.Unlock()

	d.pool.Stop()
	if d.res != nil {
		d.res.destroy()
	}
	common.Logger().Info("device destroyed", "label", d.label)
	return nil
}
