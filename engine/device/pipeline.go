package device

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync"
)

// ShaderGroupType is the kind of a ray tracing shader group.
type ShaderGroupType int

const (
	// ShaderGroupTypeGeneral holds a single raygen, miss or callable shader.
	ShaderGroupTypeGeneral ShaderGroupType = iota
	// ShaderGroupTypeTrianglesHitGroup holds closest-hit and any-hit shaders for triangle geometry.
	ShaderGroupTypeTrianglesHitGroup
	// ShaderGroupTypeProceduralHitGroup adds an intersection shader for procedural geometry.
	ShaderGroupTypeProceduralHitGroup
)

// ShaderStage is the stage of the shader in a general group.
type ShaderStage int

const (
	// ShaderStageRaygen is a ray generation shader.
	ShaderStageRaygen ShaderStage = iota
	// ShaderStageMiss is a miss shader.
	ShaderStageMiss
	// ShaderStageCallable is a callable shader.
	ShaderStageCallable
)

// ShaderGroup is one entry of a ray tracing pipeline. Shader fields name entry points in modules
// compiled outside the engine.
type ShaderGroup struct {
	Type ShaderGroupType
	// Stage is the stage of General; only used by general groups.
	Stage        ShaderStage
	General      string
	ClosestHit   string
	AnyHit       string
	Intersection string
}

// Validate checks the group is well formed.
func (g ShaderGroup) Validate() error {
	switch g.Type {
	case ShaderGroupTypeGeneral:
		if g.General == "" {
			return fmt.Errorf("%w: general group without a shader", ErrInvalidPipeline)
		}
		if g.ClosestHit != "" || g.AnyHit != "" || g.Intersection != "" {
			return fmt.Errorf("%w: general group %q carries hit shaders", ErrInvalidPipeline, g.General)
		}
		if g.Stage < ShaderStageRaygen || g.Stage > ShaderStageCallable {
			return fmt.Errorf("%w: general group %q has unknown stage %d", ErrInvalidPipeline, g.General, g.Stage)
		}
	case ShaderGroupTypeTrianglesHitGroup:
		if g.General != "" || g.Intersection != "" {
			return fmt.Errorf("%w: triangles hit group carries a general or intersection shader", ErrInvalidPipeline)
		}
	case ShaderGroupTypeProceduralHitGroup:
		if g.Intersection == "" {
			return fmt.Errorf("%w: procedural hit group without an intersection shader", ErrInvalidPipeline)
		}
		if g.General != "" {
			return fmt.Errorf("%w: procedural hit group carries a general shader", ErrInvalidPipeline)
		}
	default:
		return fmt.Errorf("%w: unknown group type %d", ErrInvalidPipeline, g.Type)
	}
	return nil
}

// region reports which shader binding table region the group's records belong in.
func (g ShaderGroup) region() shaderRegion {
	if g.Type != ShaderGroupTypeGeneral {
		return shaderRegionHit
	}
	switch g.Stage {
	case ShaderStageRaygen:
		return shaderRegionRaygen
	case ShaderStageMiss:
		return shaderRegionMiss
	}
	return shaderRegionCallable
}

type shaderRegion int

const (
	shaderRegionRaygen shaderRegion = iota
	shaderRegionMiss
	shaderRegionHit
	shaderRegionCallable
)

func (r shaderRegion) String() string {
	return [...]string{"raygen", "miss", "hit", "callable"}[r]
}

// RayTracingPipelineInfo describes a ray tracing pipeline to create.
type RayTracingPipelineInfo struct {
	Label             string
	Groups            []ShaderGroup
	MaxRecursionDepth uint32
}

// Validate checks the description against the device limits.
//
// Parameters:
//   - props: the device ray tracing limits
//
// Returns:
//   - error: wrapped ErrInvalidPipeline, or nil
func (i RayTracingPipelineInfo) Validate(props RayTracingProperties) error {
	if i.Label == "" {
		return fmt.Errorf("%w: label is required", ErrInvalidPipeline)
	}
	if len(i.Groups) == 0 {
		return fmt.Errorf("%w: %q has no shader groups", ErrInvalidPipeline, i.Label)
	}
	if i.MaxRecursionDepth > props.MaxRayRecursionDepth {
		return fmt.Errorf("%w: %q recursion depth %d exceeds %d", ErrInvalidPipeline, i.Label, i.MaxRecursionDepth, props.MaxRayRecursionDepth)
	}
	raygen := false
	for gi, g := range i.Groups {
		if err := g.Validate(); err != nil {
			return fmt.Errorf("%q group %d: %w", i.Label, gi, err)
		}
		raygen = raygen || g.region() == shaderRegionRaygen
	}
	if !raygen {
		return fmt.Errorf("%w: %q has no ray generation group", ErrInvalidPipeline, i.Label)
	}
	return nil
}

// RayTracingPipeline is a compiled ray tracing pipeline on the device.
type RayTracingPipeline interface {
	// Label returns the debug name.
	Label() string

	// Handle returns the opaque identity of the pipeline.
	Handle() uint64

	// GroupCount returns the number of shader groups.
	GroupCount() uint32

	// Group returns shader group i.
	Group(i uint32) ShaderGroup

	// Destroy releases the pipeline.
	Destroy()

	// Destroyed reports whether Destroy has been called.
	Destroyed() bool
}

// rayTracingPipeline is the implementation of the RayTracingPipeline interface.
type rayTracingPipeline struct {
	dev     *device
	info    RayTracingPipelineInfo
	handle  uint64
	handles []byte

	// groupOf maps a handle's bytes back to its group index.
	groupOf map[string]uint32

	mu        sync.Mutex
	destroyed bool
}

var _ RayTracingPipeline = &rayTracingPipeline{}

func (p *rayTracingPipeline) Label() string              { return p.info.Label }
func (p *rayTracingPipeline) Handle() uint64             { return p.handle }
func (p *rayTracingPipeline) GroupCount() uint32         { return uint32(len(p.info.Groups)) }
func (p *rayTracingPipeline) Group(i uint32) ShaderGroup { return p.info.Groups[i] }

func (p *rayTracingPipeline) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

func (p *rayTracingPipeline) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.mu.Unlock()
	p.dev.releasePipeline(p)
}

// generateHandles derives one opaque handle per group. The first 16 bytes carry the pipeline
// identity and group index so handles are unique; the remainder is an FNV-1a stream over the
// group's shader names.
func (p *rayTracingPipeline) generateHandles(handleSize uint32) {
	n := len(p.info.Groups)
	p.handles = make([]byte, n*int(handleSize))
	p.groupOf = make(map[string]uint32, n)
	for gi, g := range p.info.Groups {
		h := p.handles[gi*int(handleSize) : (gi+1)*int(handleSize)]
		var head [16]byte
		binary.LittleEndian.PutUint64(head[0:], p.handle)
		binary.LittleEndian.PutUint32(head[8:], uint32(gi))
		binary.LittleEndian.PutUint32(head[12:], uint32(g.Type)<<8|uint32(g.Stage))
		copy(h, head[:])

		hash := fnv.New64a()
		for off := len(head); off < len(h); off += 8 {
			hash.Write(head[:])
			hash.Write([]byte(g.General + "\x00" + g.ClosestHit + "\x00" + g.AnyHit + "\x00" + g.Intersection))
			var word [8]byte
			binary.LittleEndian.PutUint64(word[:], hash.Sum64())
			copy(h[off:], word[:])
		}
		p.groupOf[string(h)] = uint32(gi)
	}
}
