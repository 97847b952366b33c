package renderer

import (
	"github.com/Carmen-Shannon/oxy-rt/common"
	"github.com/Carmen-Shannon/oxy-rt/engine/profiler"
)

// RendererBuilderOption is a functional option applied to a renderer during construction via NewRenderer.
type RendererBuilderOption func(*renderer)

// WithProfiler attaches a profiler that is ticked with the device statistics after every frame.
//
// Parameters:
//   - p: the profiler to tick
//
// Returns:
//   - RendererBuilderOption: a function that applies the profiler option to a renderer
func WithProfiler(p *profiler.Profiler) RendererBuilderOption {
	return func(r *renderer) {
		r.profiler = p
	}
}

// WithFrameLabel sets the debug name prefix of per-frame recordings. Defaults to "Frame"; an empty label keeps the default.
//
// Parameters:
//   - label: the frame label prefix
//
// Returns:
//   - RendererBuilderOption: a function that applies the frame label option to a renderer
func WithFrameLabel(label string) RendererBuilderOption {
	return func(r *renderer) {
		r.frameLabel = common.Coalesce(label, r.frameLabel)
	}
}
