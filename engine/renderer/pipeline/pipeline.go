package pipeline

import (
	"sync"

	"github.com/Carmen-Shannon/oxy-rt/engine/device"
)

// DefaultMaxRecursionDepth is the ray recursion depth used when no option overrides it.
const DefaultMaxRecursionDepth = 1

// pipeline is the implementation of the Pipeline interface.
// It holds the shader group layout of a ray tracing pipeline and, once registered, the device pipeline created from it.
type pipeline struct {
	// pipelineKey is the unique identifier for this pipeline, used for caching and lookups
	pipelineKey string

	// groups are the shader groups in declaration order; a group's index is its position here
	groups []device.ShaderGroup

	maxRecursionDepth uint32

	mu sync.RWMutex
	// rtPipeline is the device pipeline, nil until the renderer registers this pipeline
	rtPipeline device.RayTracingPipeline
}

// Pipeline defines the interface for a ray tracing pipeline: an ordered list of shader groups
// (ray generation, miss, hit and callable) plus the device pipeline compiled from them.
// Shader modules themselves are compiled outside the engine; groups name their entry points.
type Pipeline interface {
	// PipelineKey returns the unique key associated with this pipeline, used for caching and lookups.
	//
	// Returns:
	//   - string: the unique key for this pipeline
	PipelineKey() string

	// Groups returns a copy of the shader groups in declaration order.
	//
	// Returns:
	//   - []device.ShaderGroup: the shader groups
	Groups() []device.ShaderGroup

	// GroupCount returns the number of shader groups.
	GroupCount() uint32

	// MaxRecursionDepth returns the maximum trace recursion depth.
	MaxRecursionDepth() uint32

	// Info returns the device description used to compile this pipeline.
	//
	// Returns:
	//   - device.RayTracingPipelineInfo: the description, labelled with the pipeline key
	Info() device.RayTracingPipelineInfo

	// Pipeline returns the compiled device pipeline, or nil if the pipeline has not been registered.
	//
	// Returns:
	//   - device.RayTracingPipeline: the device pipeline
	Pipeline() device.RayTracingPipeline

	// SetPipeline sets the compiled device pipeline.
	//
	// Parameters:
	//   - p: the device pipeline compiled from Info
	SetPipeline(p device.RayTracingPipeline)

	// Destroy releases the device pipeline if one is set.
	Destroy()
}

var _ Pipeline = &pipeline{}

// NewPipeline is the entry point to create a new ray tracing Pipeline. Groups are added by the
// builder options in the order the options are given.
//
// Parameters:
//   - pipelineKey: the unique key for this pipeline
//   - opts: a variadic list of PipelineBuilderOption functions to configure the pipeline
//
// Returns:
//   - Pipeline: a new Pipeline with the specified groups
func NewPipeline(pipelineKey string, opts ...PipelineBuilderOption) Pipeline {
	p := &pipeline{
		pipelineKey:       pipelineKey,
		maxRecursionDepth: DefaultMaxRecursionDepth,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *pipeline) PipelineKey() string {
	return p.pipelineKey
}

func (p *pipeline) Groups() []device.ShaderGroup {
	return append([]device.ShaderGroup(nil), p.groups...)
}

func (p *pipeline) GroupCount() uint32 {
	return uint32(len(p.groups))
}

func (p *pipeline) MaxRecursionDepth() uint32 {
	return p.maxRecursionDepth
}

func (p *pipeline) Info() device.RayTracingPipelineInfo {
	return device.RayTracingPipelineInfo{
		Label:             p.pipelineKey,
		Groups:            p.Groups(),
		MaxRecursionDepth: p.maxRecursionDepth,
	}
}

func (p *pipeline) Pipeline() device.RayTracingPipeline {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rtPipeline
}

func (p *pipeline) SetPipeline(rp device.RayTracingPipeline) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rtPipeline = rp
}

func (p *pipeline) Destroy() {
	p.mu.Lock()
	rp := p.rtPipeline
	p.rtPipeline = nil
	p.mu.Unlock()
	if rp != nil {
		rp.Destroy()
	}
}
