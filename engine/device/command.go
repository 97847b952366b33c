package device

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"github.com/Carmen-Shannon/oxy-rt/common"
)

// PipelineStage is a bit set of pipeline stages a barrier synchronizes.
type PipelineStage uint32

const (
	PipelineStageTopOfPipe PipelineStage = 1 << iota
	PipelineStageHost
	PipelineStageTransfer
	PipelineStageAccelerationStructureBuild
	PipelineStageRayTracingShader
	PipelineStageComputeShader
)

// AccessFlags is a bit set of memory accesses a barrier makes visible.
type AccessFlags uint32

const (
	AccessHostWrite AccessFlags = 1 << iota
	AccessTransferRead
	AccessTransferWrite
	AccessShaderRead
	AccessAccelerationStructureRead
	AccessAccelerationStructureWrite
)

// MemoryBarrier orders the SrcAccess of commands before it against the DstAccess of commands after it.
type MemoryBarrier struct {
	SrcStage  PipelineStage
	DstStage  PipelineStage
	SrcAccess AccessFlags
	DstAccess AccessFlags
}

// AccelerationStructureBarrier returns the read/write barrier recorded between dependent builds.
//
// Returns:
//   - MemoryBarrier: build-stage to build-stage, structure read|write to structure read|write
func AccelerationStructureBarrier() MemoryBarrier {
	rw := AccessAccelerationStructureRead | AccessAccelerationStructureWrite
	return MemoryBarrier{
		SrcStage:  PipelineStageAccelerationStructureBuild,
		DstStage:  PipelineStageAccelerationStructureBuild,
		SrcAccess: rw,
		DstAccess: rw,
	}
}

// BufferCopy is one region of a buffer-to-buffer copy.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// TraceRaysInfo is a ray dispatch. Regions are passed verbatim from a shader binding table.
type TraceRaysInfo struct {
	Pipeline RayTracingPipeline
	Raygen   StridedRegion
	Miss     StridedRegion
	HitGroup StridedRegion
	Callable StridedRegion
	Extent   common.Extent3D
}

// CommandRecorder records device work for a later Submit. A recorder is single use.
type CommandRecorder interface {
	// Label returns the debug name of the recording.
	Label() string

	// BuildAccelerationStructures records builds or refits. Arguments are validated now;
	// memory contents are read at execution.
	//
	// Parameters:
	//   - infos: the builds to record, in order
	//
	// Returns:
	//   - error: the first invalid build; nothing is recorded on failure
	BuildAccelerationStructures(infos ...BuildInfo) error

	// PipelineBarrier records a memory barrier.
	PipelineBarrier(b MemoryBarrier)

	// CopyBuffer records a buffer-to-buffer copy.
	//
	// Parameters:
	//   - src: source buffer with BufferUsageTransferSrc
	//   - dst: destination buffer with BufferUsageTransferDst
	//   - regions: the ranges to copy
	//
	// Returns:
	//   - error: if a buffer is unusable or a region is out of bounds
	CopyBuffer(src, dst Buffer, regions ...BufferCopy) error

	// TraceRays records a ray dispatch.
	//
	// Parameters:
	//   - info: the pipeline, shader binding table regions and launch extent
	//
	// Returns:
	//   - error: if the pipeline is unusable
	TraceRays(info TraceRaysInfo) error

	// CommandCount returns the number of recorded commands.
	CommandCount() int
}

type command interface {
	isCommand()
}

type buildCommand struct {
	info    BuildInfo
	dst     *accelerationStructure
	src     *accelerationStructure
	scratch uint64
}

type barrierCommand struct {
	barrier MemoryBarrier
}

type copyCommand struct {
	src, dst *buffer
	regions  []BufferCopy
}

type traceRaysCommand struct {
	info     TraceRaysInfo
	pipeline *rayTracingPipeline
}

func (*buildCommand) isCommand()     {}
func (*barrierCommand) isCommand()   {}
func (*copyCommand) isCommand()      {}
func (*traceRaysCommand) isCommand() {}

// recorder is the implementation of the CommandRecorder interface.
type recorder struct {
	dev    *device
	label  string
	cmds   []command
	closed bool
	// err is a deferred failure from a method without an error return, reported by Submit.
	err error
}

var _ CommandRecorder = &recorder{}

func (r *recorder) Label() string     { return r.label }
func (r *recorder) CommandCount() int { return len(r.cmds) }

func (r *recorder) BuildAccelerationStructures(infos ...BuildInfo) error {
	if r.closed {
		return ErrRecorderClosed
	}
	cmds := make([]command, 0, len(infos))
	for _, info := range infos {
		c, err := r.dev.validateBuild(info)
		if err != nil {
			return err
		}
		cmds = append(cmds, c)
	}
	r.cmds = append(r.cmds, cmds...)
	return nil
}

func (r *recorder) PipelineBarrier(b MemoryBarrier) {
	if r.closed {
		r.err = ErrRecorderClosed
		return
	}
	r.cmds = append(r.cmds, &barrierCommand{barrier: b})
}

func (r *recorder) CopyBuffer(src, dst Buffer, regions ...BufferCopy) error {
	if r.closed {
		return ErrRecorderClosed
	}
	s, err := r.dev.ownBuffer(src)
	if err != nil {
		return err
	}
	d, err := r.dev.ownBuffer(dst)
	if err != nil {
		return err
	}
	if !s.info.Usage.Has(BufferUsageTransferSrc) {
		return fmt.Errorf("copy: %q lacks transfer source usage", s.info.Label)
	}
	if !d.info.Usage.Has(BufferUsageTransferDst) {
		return fmt.Errorf("copy: %q lacks transfer destination usage", d.info.Label)
	}
	for _, reg := range regions {
		if err := s.checkRange(reg.SrcOffset, reg.Size); err != nil {
			return fmt.Errorf("copy source: %w", err)
		}
		if err := d.checkRange(reg.DstOffset, reg.Size); err != nil {
			return fmt.Errorf("copy destination: %w", err)
		}
	}
	r.cmds = append(r.cmds, &copyCommand{src: s, dst: d, regions: append([]BufferCopy(nil), regions...)})
	return nil
}

func (r *recorder) TraceRays(info TraceRaysInfo) error {
	if r.closed {
		return ErrRecorderClosed
	}
	if info.Pipeline == nil {
		return fmt.Errorf("%w: trace rays without a pipeline", ErrInvalidPipeline)
	}
	p, err := r.dev.ownPipeline(info.Pipeline)
	if err != nil {
		return err
	}
	r.cmds = append(r.cmds, &traceRaysCommand{info: info, pipeline: p})
	return nil
}

// validateBuild performs the record-time checks of a build.
func (d *device) validateBuild(info BuildInfo) (*buildCommand, error) {
	if info.Dst == nil {
		return nil, fmt.Errorf("%w: build without a destination", ErrInvalidBuildInput)
	}
	dst, err := d.ownStructure(info.Dst)
	if err != nil {
		return nil, err
	}
	if dst.typ != info.Type {
		return nil, fmt.Errorf("%w: %v build into %v structure %q", ErrInvalidBuildInput, info.Type, dst.typ, dst.label)
	}

	c := &buildCommand{info: info, dst: dst}
	switch info.Mode {
	case BuildModeBuild:
		if info.Src != nil {
			return nil, fmt.Errorf("%w: full build of %q with a source structure", ErrInvalidBuildInput, dst.label)
		}
	case BuildModeUpdate:
		if info.Src == nil {
			return nil, fmt.Errorf("%w: update of %q without a source structure", ErrInvalidBuildInput, dst.label)
		}
		src, err := d.ownStructure(info.Src)
		if err != nil {
			return nil, err
		}
		if src.typ != info.Type {
			return nil, fmt.Errorf("%w: update from %v structure %q", ErrInvalidBuildInput, src.typ, src.label)
		}
		c.src = src
	default:
		return nil, fmt.Errorf("%w: unknown build mode %d", ErrInvalidBuildInput, info.Mode)
	}

	sizes, err := d.AccelerationStructureBuildSizes(info)
	if err != nil {
		return nil, err
	}
	if sizes.AccelerationStructureSize > dst.size {
		return nil, fmt.Errorf("%w: %q holds %d bytes, build needs %d", ErrInvalidBuildInput, dst.label, dst.size, sizes.AccelerationStructureSize)
	}
	c.scratch = sizes.BuildScratchSize
	if info.Mode == BuildModeUpdate {
		c.scratch = sizes.UpdateScratchSize
		if c.scratch == 0 {
			return nil, fmt.Errorf("%w: update of %q recorded without BuildFlagAllowUpdate", ErrInvalidBuildInput, dst.label)
		}
	}
	if info.ScratchData == 0 {
		return nil, fmt.Errorf("%w: %q has no scratch address", ErrScratchTooSmall, dst.label)
	}
	if uint64(info.ScratchData)%uint64(d.props.MinScratchOffsetAlignment) != 0 {
		return nil, fmt.Errorf("%w: scratch address 0x%x is not %d-byte aligned", ErrInvalidBuildInput, uint64(info.ScratchData), d.props.MinScratchOffsetAlignment)
	}
	return c, nil
}

// executor runs one submission. Bottom-level builds only read vertex and index memory, so a
// run of them separated by nothing but barriers executes as one concurrent batch as long as no
// two share a destination or scratch range. Every other command drains the batch first.
type executor struct {
	d       *device
	written map[*accelerationStructure]struct{}
	batch   []*buildCommand
}

func newExecutor(d *device) *executor {
	return &executor{
		d:       d,
		written: make(map[*accelerationStructure]struct{}),
	}
}

func (x *executor) run(cmds []command) error {
	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case *buildCommand:
			if c.src != nil {
				if _, ok := x.written[c.src]; ok {
					return fmt.Errorf("%w: update of %q reads a structure built in the same scope", ErrBarrierHazard, c.dst.label)
				}
			}
			if c.info.Type == AccelerationStructureTypeBottomLevel {
				if x.conflicts(c) {
					if err := x.drain(); err != nil {
						return err
					}
				}
				x.batch = append(x.batch, c)
				x.written[c.dst] = struct{}{}
				continue
			}
			if err := x.drain(); err != nil {
				return err
			}
			if err := x.build(c); err != nil {
				return err
			}
			x.written[c.dst] = struct{}{}
		case *barrierCommand:
			if c.barrier.SrcAccess&AccessAccelerationStructureWrite != 0 {
				clear(x.written)
			}
		case *copyCommand:
			if err := x.drain(); err != nil {
				return err
			}
			if err := x.copy(c); err != nil {
				return err
			}
		case *traceRaysCommand:
			if err := x.drain(); err != nil {
				return err
			}
			if err := x.traceRays(c); err != nil {
				return err
			}
		}
	}
	return x.drain()
}

func (x *executor) conflicts(c *buildCommand) bool {
	lo, hi := uint64(c.info.ScratchData), uint64(c.info.ScratchData)+c.scratch
	for _, b := range x.batch {
		if b.dst == c.dst || b.dst == c.src {
			return true
		}
		blo, bhi := uint64(b.info.ScratchData), uint64(b.info.ScratchData)+b.scratch
		if lo < bhi && blo < hi {
			return true
		}
	}
	return false
}

// drain executes the pending batch on the worker pool and waits for it.
func (x *executor) drain() error {
	batch := x.batch
	x.batch = nil
	switch len(batch) {
	case 0:
		return nil
	case 1:
		return x.build(batch[0])
	}

	errs := make([]error, len(batch))
	var wg sync.WaitGroup
	for i, c := range batch {
		wg.Add(1)
		idx, cmd := i, c
		x.d.pool.SubmitTask(worker.Task{
			ID:      idx,
			Payload: cmd.dst.label,
			Do: func() (any, error) {
				defer wg.Done()
				errs[idx] = x.build(cmd)
				return nil, errs[idx]
			},
		})
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// build executes one build or refit. Safe to run concurrently for distinct destinations.
func (x *executor) build(c *buildCommand) error {
	d, info, dst := x.d, c.info, c.dst
	if dst.Destroyed() || dst.buf.Destroyed() {
		return fmt.Errorf("build %q: %w", dst.label, ErrResourceDestroyed)
	}
	sb, soff, err := d.mem.resolve(info.ScratchData, 1)
	if err != nil {
		return fmt.Errorf("build %q scratch: %w", dst.label, err)
	}
	if sb.info.Size-soff < c.scratch {
		return fmt.Errorf("%w: %q offers %d bytes, build of %q needs %d", ErrScratchTooSmall, sb.info.Label, sb.info.Size-soff, dst.label, c.scratch)
	}

	update := info.Mode == BuildModeUpdate
	flags := info.Flags
	var prev *bvh
	if update {
		c.src.mu.RLock()
		built, srcFlags, tree := c.src.built, c.src.flags, c.src.tree
		c.src.mu.RUnlock()
		switch {
		case !built:
			return fmt.Errorf("%w: update of %q from a structure that was never built", ErrInvalidBuildInput, dst.label)
		case srcFlags&BuildFlagAllowUpdate == 0:
			return fmt.Errorf("%w: %q was built without BuildFlagAllowUpdate", ErrInvalidBuildInput, c.src.label)
		case uint64(tree.leaves) != info.PrimitiveCount():
			return fmt.Errorf("%w: update of %q changes primitive count from %d to %d", ErrInvalidBuildInput, dst.label, tree.leaves, info.PrimitiveCount())
		}
		prev, flags = tree, srcFlags
	}

	var (
		bounds    []common.AABB
		instances []InstanceDescriptor
	)
	if info.Type == AccelerationStructureTypeTopLevel {
		bounds, instances, err = x.instanceBounds(info.Instances)
	} else {
		bounds, err = d.triangleBounds(info.Triangles)
	}
	if err != nil {
		return fmt.Errorf("build %q: %w", dst.label, err)
	}

	var tree *bvh
	if update {
		tree = prev.refit(bounds)
		d.stats.updated.Add(1)
	} else {
		tree = buildBVH(bounds)
		d.stats.built.Add(1)
	}
	dst.store(tree, instances, flags, update)

	common.Logger().Debug("acceleration structure built",
		"label", dst.label,
		"type", info.Type.String(),
		"update", update,
		"primitives", tree.leaves,
	)
	return nil
}

// triangleBounds reads vertex and index memory and returns one box per triangle, geometry by geometry.
func (d *device) triangleBounds(geometries []TriangleGeometry) ([]common.AABB, error) {
	var out []common.AABB
	for gi, g := range geometries {
		vsize := uint64(g.VertexCount-1)*g.VertexStride + 12
		vdata, err := d.mem.bytes(g.VertexData+DeviceAddress(uint64(g.FirstVertex)*g.VertexStride), vsize)
		if err != nil {
			return nil, fmt.Errorf("geometry %d vertices: %w", gi, err)
		}
		var idata []byte
		if g.IndexType == IndexTypeUint32 {
			idata, err = d.mem.bytes(g.IndexData+DeviceAddress(g.IndexOffset), uint64(g.PrimitiveCount)*12)
			if err != nil {
				return nil, fmt.Errorf("geometry %d indices: %w", gi, err)
			}
		}
		for t := range g.PrimitiveCount {
			box := common.EmptyAABB()
			for k := range uint32(3) {
				v := t*3 + k
				if idata != nil {
					v = binary.LittleEndian.Uint32(idata[(t*3+k)*4:])
				}
				if v >= g.VertexCount {
					return nil, fmt.Errorf("%w: geometry %d triangle %d references vertex %d of %d", ErrInvalidBuildInput, gi, t, v, g.VertexCount)
				}
				box = box.Extend(readVec3(vdata[uint64(v)*g.VertexStride:]))
			}
			out = append(out, box)
		}
	}
	return out, nil
}

// instanceBounds decodes instance records and returns the world-space box of every instance.
// Instances with a zero mask can never be hit and contribute empty bounds.
func (x *executor) instanceBounds(g InstanceGeometry) ([]common.AABB, []InstanceDescriptor, error) {
	if g.Count == 0 {
		return nil, nil, nil
	}
	data, err := x.d.mem.bytes(g.Data, uint64(g.Count)*InstanceDescriptorSize)
	if err != nil {
		return nil, nil, fmt.Errorf("instances: %w", err)
	}
	bounds := make([]common.AABB, g.Count)
	instances := make([]InstanceDescriptor, g.Count)
	for i := range instances {
		desc, err := UnmarshalInstanceDescriptor(data[i*InstanceDescriptorSize:])
		if err != nil {
			return nil, nil, err
		}
		blas, err := x.d.lookupStructure(desc.BLAS())
		if err != nil {
			return nil, nil, fmt.Errorf("instance %d: %w", i, err)
		}
		if blas.typ != AccelerationStructureTypeBottomLevel || !blas.Built() {
			return nil, nil, fmt.Errorf("%w: instance %d references unbuilt or top-level structure %q", ErrInvalidBuildInput, i, blas.label)
		}
		if _, ok := x.written[blas]; ok {
			return nil, nil, fmt.Errorf("%w: instance %d references %q", ErrBarrierHazard, i, blas.label)
		}
		instances[i] = desc
		if desc.Mask() == 0 {
			bounds[i] = common.EmptyAABB()
			continue
		}
		bounds[i] = blas.Bounds().Transform(common.Mat4FromRowMajor3x4(desc.Transform))
	}
	return bounds, instances, nil
}

func (x *executor) copy(c *copyCommand) error {
	if c.src.Destroyed() || c.dst.Destroyed() {
		return fmt.Errorf("copy %q to %q: %w", c.src.info.Label, c.dst.info.Label, ErrResourceDestroyed)
	}
	for _, reg := range c.regions {
		copy(c.dst.data[reg.DstOffset:reg.DstOffset+reg.Size], c.src.data[reg.SrcOffset:reg.SrcOffset+reg.Size])
		x.d.flush(c.dst, reg.DstOffset, reg.Size)
	}
	return nil
}

func (x *executor) traceRays(c *traceRaysCommand) error {
	p := c.pipeline
	if p.Destroyed() {
		return fmt.Errorf("trace rays %q: %w", p.info.Label, ErrResourceDestroyed)
	}
	if c.info.Raygen.Empty() {
		return fmt.Errorf("%w: ray generation region is required", ErrInvalidShaderBindingRegion)
	}
	regions := []struct {
		r    StridedRegion
		kind shaderRegion
	}{
		{c.info.Raygen, shaderRegionRaygen},
		{c.info.Miss, shaderRegionMiss},
		{c.info.HitGroup, shaderRegionHit},
		{c.info.Callable, shaderRegionCallable},
	}
	for _, reg := range regions {
		if reg.r.Empty() {
			continue
		}
		if err := x.d.checkRegion(p, reg.r, reg.kind); err != nil {
			return err
		}
	}
	x.d.stats.dispatches.Add(1)
	x.d.stats.rays.Add(c.info.Extent.Invocations())
	return nil
}

// checkRegion validates a dispatch region's layout and that every record starts with a handle
// of the dispatched pipeline belonging to the region's kind.
func (d *device) checkRegion(p *rayTracingPipeline, r StridedRegion, kind shaderRegion) error {
	props := d.props
	switch {
	case r.Address == 0 || r.Size == 0:
		return fmt.Errorf("%w: %v region is partially empty", ErrInvalidShaderBindingRegion, kind)
	case uint64(r.Address)%uint64(props.ShaderGroupBaseAlignment) != 0:
		return fmt.Errorf("%w: %v region address 0x%x is not %d-byte aligned", ErrInvalidShaderBindingRegion, kind, uint64(r.Address), props.ShaderGroupBaseAlignment)
	case r.Stride < uint64(props.ShaderGroupHandleSize) || r.Stride > uint64(props.MaxShaderGroupStride):
		return fmt.Errorf("%w: %v region stride %d outside [%d, %d]", ErrInvalidShaderBindingRegion, kind, r.Stride, props.ShaderGroupHandleSize, props.MaxShaderGroupStride)
	case r.Stride%uint64(props.ShaderGroupHandleAlignment) != 0:
		return fmt.Errorf("%w: %v region stride %d is not %d-byte aligned", ErrInvalidShaderBindingRegion, kind, r.Stride, props.ShaderGroupHandleAlignment)
	case r.Size%r.Stride != 0:
		return fmt.Errorf("%w: %v region size %d is not a multiple of stride %d", ErrInvalidShaderBindingRegion, kind, r.Size, r.Stride)
	}
	if _, err := d.mem.bytes(r.Address, r.Size); err != nil {
		return fmt.Errorf("%v region: %w", kind, err)
	}
	hs := uint64(props.ShaderGroupHandleSize)
	for i := range r.RecordCount() {
		rec, err := d.mem.bytes(r.Record(i), hs)
		if err != nil {
			return fmt.Errorf("%v record %d: %w", kind, i, err)
		}
		gi, ok := p.groupOf[string(rec)]
		if !ok {
			return fmt.Errorf("%w: %v record %d of %q", ErrStaleShaderBindingTable, kind, i, p.info.Label)
		}
		if got := p.info.Groups[gi].region(); got != kind {
			return fmt.Errorf("%w: %v record %d holds a %v group", ErrInvalidShaderBindingRegion, kind, i, got)
		}
	}
	return nil
}
