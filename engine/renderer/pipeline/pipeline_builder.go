package pipeline

import "github.com/Carmen-Shannon/oxy-rt/engine/device"

// PipelineBuilderOption is a functional option used to configure a Pipeline during construction.
type PipelineBuilderOption func(*pipeline)

// WithRaygenShader appends a ray generation group.
//
// Parameters:
//   - entryPoint: the ray generation shader entry point
//
// Returns:
//   - PipelineBuilderOption: a function that appends the group to this pipeline
func WithRaygenShader(entryPoint string) PipelineBuilderOption {
	return withGeneral(device.ShaderStageRaygen, entryPoint)
}

// WithMissShader appends a miss group.
//
// Parameters:
//   - entryPoint: the miss shader entry point
//
// Returns:
//   - PipelineBuilderOption: a function that appends the group to this pipeline
func WithMissShader(entryPoint string) PipelineBuilderOption {
	return withGeneral(device.ShaderStageMiss, entryPoint)
}

// WithCallableShader appends a callable group.
//
// Parameters:
//   - entryPoint: the callable shader entry point
//
// Returns:
//   - PipelineBuilderOption: a function that appends the group to this pipeline
func WithCallableShader(entryPoint string) PipelineBuilderOption {
	return withGeneral(device.ShaderStageCallable, entryPoint)
}

func withGeneral(stage device.ShaderStage, entryPoint string) PipelineBuilderOption {
	return func(p *pipeline) {
		p.groups = append(p.groups, device.ShaderGroup{
			Type:    device.ShaderGroupTypeGeneral,
			Stage:   stage,
			General: entryPoint,
		})
	}
}

// WithHitGroup appends a triangles hit group. Either shader may be empty.
// The position of the group among the pipeline's hit groups is the hit group index geometry refers to.
//
// Parameters:
//   - closestHit: the closest-hit shader entry point
//   - anyHit: the any-hit shader entry point
//
// Returns:
//   - PipelineBuilderOption: a function that appends the group to this pipeline
func WithHitGroup(closestHit, anyHit string) PipelineBuilderOption {
	return func(p *pipeline) {
		p.groups = append(p.groups, device.ShaderGroup{
			Type:       device.ShaderGroupTypeTrianglesHitGroup,
			ClosestHit: closestHit,
			AnyHit:     anyHit,
		})
	}
}

// WithProceduralHitGroup appends a procedural hit group.
//
// Parameters:
//   - closestHit: the closest-hit shader entry point
//   - anyHit: the any-hit shader entry point
//   - intersection: the intersection shader entry point
//
// Returns:
//   - PipelineBuilderOption: a function that appends the group to this pipeline
func WithProceduralHitGroup(closestHit, anyHit, intersection string) PipelineBuilderOption {
	return func(p *pipeline) {
		p.groups = append(p.groups, device.ShaderGroup{
			Type:         device.ShaderGroupTypeProceduralHitGroup,
			ClosestHit:   closestHit,
			AnyHit:       anyHit,
			Intersection: intersection,
		})
	}
}

// WithMaxRecursionDepth sets the maximum trace recursion depth. Defaults to DefaultMaxRecursionDepth.
//
// Parameters:
//   - depth: the recursion depth
//
// Returns:
//   - PipelineBuilderOption: a function that sets the recursion depth for this pipeline
func WithMaxRecursionDepth(depth uint32) PipelineBuilderOption {
	return func(p *pipeline) {
		p.maxRecursionDepth = depth
	}
}
