package shader_binding_table

import (
	"fmt"

	"github.com/Carmen-Shannon/oxy-rt/common"
	"github.com/Carmen-Shannon/oxy-rt/engine/device"
	"github.com/Carmen-Shannon/oxy-rt/engine/renderer/pipeline"
)

// ShaderBindingTableInfo lists, per region, the pipeline group indices whose handles fill that
// region's records, in record order. An empty list leaves the region absent.
type ShaderBindingTableInfo struct {
	RaygenIndices   []uint32
	MissIndices     []uint32
	HitGroupIndices []uint32
	CallableIndices []uint32
}

// InfoFromPipeline sorts a pipeline's groups into regions by kind, keeping declaration order
// within each region. Hit group record i is therefore the i-th hit group declared.
//
// Parameters:
//   - p: the pipeline whose groups are sorted
//
// Returns:
//   - ShaderBindingTableInfo: the per-region group indices
func InfoFromPipeline(p pipeline.Pipeline) ShaderBindingTableInfo {
	var info ShaderBindingTableInfo
	for i, g := range p.Groups() {
		gi := uint32(i)
		switch {
		case g.Type != device.ShaderGroupTypeGeneral:
			info.HitGroupIndices = append(info.HitGroupIndices, gi)
		case g.Stage == device.ShaderStageRaygen:
			info.RaygenIndices = append(info.RaygenIndices, gi)
		case g.Stage == device.ShaderStageMiss:
			info.MissIndices = append(info.MissIndices, gi)
		default:
			info.CallableIndices = append(info.CallableIndices, gi)
		}
	}
	return info
}

// region is one strided region with the buffer that backs it.
type region struct {
	name   string
	groups []uint32
	buffer device.Buffer
	device.StridedRegion
}

// shaderBindingTable is the implementation of the ShaderBindingTable interface.
type shaderBindingTable struct {
	dev     device.Device
	regions [4]region
	stride  uint64

	// source is the pipeline the table was generated from and compiled the handle bytes it holds.
	source   pipeline.Pipeline
	compiled device.RayTracingPipeline

	destroyed bool
}

// ShaderBindingTable lays out shader group handles of one ray tracing pipeline into the raygen,
// miss, hit group and callable regions a ray dispatch reads. A table is tied to the compiled
// pipeline it was generated from and must be regenerated after the pipeline is recompiled.
type ShaderBindingTable interface {
	// Generate queries every group handle of p in one batch and rewrites all regions into freshly
	// allocated buffers, destroying the previous ones.
	//
	// Parameters:
	//   - p: a registered pipeline
	//
	// Returns:
	//   - error: ErrPipelineNotCompiled (also for a nil p), ErrGroupIndexOutOfRange, or a device failure
	Generate(p pipeline.Pipeline) error

	// RaygenRegion returns the ray generation region, or the zero region when absent.
	RaygenRegion() device.StridedRegion

	// MissRegion returns the miss region, or the zero region when absent.
	MissRegion() device.StridedRegion

	// HitGroupRegion returns the hit group region, or the zero region when absent.
	HitGroupRegion() device.StridedRegion

	// CallableRegion returns the callable region, or the zero region when absent.
	CallableRegion() device.StridedRegion

	// Stride returns the record stride shared by every region.
	Stride() uint64

	// Stale reports whether the pipeline the table was generated from has been recompiled or destroyed.
	Stale() bool

	// TraceRays records a ray dispatch over extent using this table's regions and pipeline.
	//
	// Parameters:
	//   - rec: the command recorder the dispatch is recorded into
	//   - extent: the ray generation grid
	//
	// Returns:
	//   - error: ErrDestroyed, ErrNotGenerated, device.ErrStaleShaderBindingTable, or a recording failure
	TraceRays(rec device.CommandRecorder, extent common.Extent3D) error

	// Destroy releases the region buffers.
	Destroy()
}

var _ ShaderBindingTable = &shaderBindingTable{}

// NewShaderBindingTable creates an empty table with the region layout of info. The regions stay
// zero until Generate is called.
//
// Parameters:
//   - dev: the device that owns the region buffers
//   - info: the per-region group indices
//
// Returns:
//   - ShaderBindingTable: the new table
func NewShaderBindingTable(dev device.Device, info ShaderBindingTableInfo) ShaderBindingTable {
	if dev == nil {
		panic("shader_binding_table: NewShaderBindingTable requires a non-nil Device")
	}
	props := dev.Properties()
	return &shaderBindingTable{
		dev:    dev,
		stride: common.AlignUp(uint64(props.ShaderGroupHandleSize), uint64(props.ShaderGroupBaseAlignment)),
		regions: [4]region{
			{name: "Raygen", groups: append([]uint32(nil), info.RaygenIndices...)},
			{name: "Miss", groups: append([]uint32(nil), info.MissIndices...)},
			{name: "HitGroup", groups: append([]uint32(nil), info.HitGroupIndices...)},
			{name: "Callable", groups: append([]uint32(nil), info.CallableIndices...)},
		},
	}
}

func (s *shaderBindingTable) Generate(p pipeline.Pipeline) error {
	if s.destroyed {
		return ErrDestroyed
	}
	if p == nil {
		return fmt.Errorf("%w: nil pipeline", ErrPipelineNotCompiled)
	}
	rp := p.Pipeline()
	if rp == nil || rp.Destroyed() {
		return fmt.Errorf("%w: %q", ErrPipelineNotCompiled, p.PipelineKey())
	}
	count := rp.GroupCount()
	for _, r := range s.regions {
		for _, gi := range r.groups {
			if gi >= count {
				return fmt.Errorf("%w: %s group %d, pipeline %q has %d", ErrGroupIndexOutOfRange, r.name, gi, p.PipelineKey(), count)
			}
		}
	}
	handles, err := s.dev.ShaderGroupHandles(rp, 0, count)
	if err != nil {
		return fmt.Errorf("shader group handles of %q: %w", p.PipelineKey(), err)
	}

	s.release()
	handleSize := uint64(s.dev.Properties().ShaderGroupHandleSize)
	for i := range s.regions {
		if err := s.fill(&s.regions[i], p.PipelineKey(), handles, handleSize); err != nil {
			s.release()
			return err
		}
	}
	s.source, s.compiled = p, rp
	common.Logger().Debug("shader binding table generated",
		"pipeline", p.PipelineKey(),
		"stride", s.stride,
		"raygen", len(s.regions[0].groups),
		"miss", len(s.regions[1].groups),
		"hit", len(s.regions[2].groups),
		"callable", len(s.regions[3].groups),
	)
	return nil
}

// fill allocates a region's buffer and writes one handle per record, zeroing the padding after each.
func (s *shaderBindingTable) fill(r *region, key string, handles []byte, handleSize uint64) error {
	if len(r.groups) == 0 {
		return nil
	}
	size := s.stride * uint64(len(r.groups))
	buf, err := s.dev.CreateBuffer(device.BufferInfo{
		Label:        key + " " + r.name + " SBT",
		Size:         size,
		ElementCount: uint32(len(r.groups)),
		Usage:        device.BufferUsageShaderBindingTable | device.BufferUsageShaderDeviceAddress,
		Location:     device.MemoryLocationCPUToGPU,
	})
	if err != nil {
		return fmt.Errorf("%s region: %w", r.name, err)
	}
	r.buffer = buf
	err = buf.MapWrite(func(w *device.WriteView) error {
		for slot, gi := range r.groups {
			off := uint64(slot) * s.stride
			h := handles[uint64(gi)*handleSize : uint64(gi+1)*handleSize]
			if _, err := w.WriteAt(h, int64(off)); err != nil {
				return err
			}
			if err := w.Zero(off+handleSize, s.stride-handleSize); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s region: %w", r.name, err)
	}
	r.StridedRegion = device.StridedRegion{Address: buf.DeviceAddress(), Stride: s.stride, Size: size}
	return nil
}

func (s *shaderBindingTable) RaygenRegion() device.StridedRegion   { return s.regions[0].StridedRegion }
func (s *shaderBindingTable) MissRegion() device.StridedRegion     { return s.regions[1].StridedRegion }
func (s *shaderBindingTable) HitGroupRegion() device.StridedRegion { return s.regions[2].StridedRegion }
func (s *shaderBindingTable) CallableRegion() device.StridedRegion { return s.regions[3].StridedRegion }
func (s *shaderBindingTable) Stride() uint64                       { return s.stride }

func (s *shaderBindingTable) Stale() bool {
	if s.compiled == nil {
		return false
	}
	return s.compiled.Destroyed() || s.source.Pipeline() != s.compiled
}

func (s *shaderBindingTable) TraceRays(rec device.CommandRecorder, extent common.Extent3D) error {
	switch {
	case s.destroyed:
		return ErrDestroyed
	case s.compiled == nil:
		return ErrNotGenerated
	case s.Stale():
		return fmt.Errorf("%w: %q was recompiled", device.ErrStaleShaderBindingTable, s.source.PipelineKey())
	}
	return rec.TraceRays(device.TraceRaysInfo{
		Pipeline: s.compiled,
		Raygen:   s.RaygenRegion(),
		Miss:     s.MissRegion(),
		HitGroup: s.HitGroupRegion(),
		Callable: s.CallableRegion(),
		Extent:   extent,
	})
}

// release destroys every region buffer and zeroes the regions.
func (s *shaderBindingTable) release() {
	for i := range s.regions {
		r := &s.regions[i]
		if r.buffer != nil {
			r.buffer.Destroy()
			r.buffer = nil
		}
		r.StridedRegion = device.StridedRegion{}
	}
	s.source, s.compiled = nil, nil
}

func (s *shaderBindingTable) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.release()
}
