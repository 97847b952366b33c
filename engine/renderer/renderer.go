package renderer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Carmen-Shannon/oxy-rt/common"
	"github.com/Carmen-Shannon/oxy-rt/engine/device"
	"github.com/Carmen-Shannon/oxy-rt/engine/profiler"
	"github.com/Carmen-Shannon/oxy-rt/engine/renderer/pipeline"
	"github.com/Carmen-Shannon/oxy-rt/engine/renderer/shader_binding_table"
)

var (
	// ErrFrameInProgress is returned by BeginFrame when the previous frame has not ended.
	ErrFrameInProgress = errors.New("renderer: frame already in progress")
	// ErrNoFrame is returned when recording frame work outside BeginFrame and EndFrame.
	ErrNoFrame = errors.New("renderer: no frame in progress")
)

// renderer is the implementation of the Renderer interface.
type renderer struct {
	mu *sync.Mutex

	dev device.Device

	pipelineCache map[string]pipeline.Pipeline

	frame      device.CommandRecorder
	frameLabel string
	frameCount uint64

	profiler *profiler.Profiler
}

// Renderer defines the interface for the ray tracing frame loop.
//
// The Renderer owns the command recording contexts: short-lived immediate recordings for
// scene-load work that must complete before the caller continues, and one recording per frame
// for refits and ray dispatches. It also manages a cache of compiled ray tracing pipelines.
type Renderer interface {
	// Device returns the device the renderer records for.
	Device() device.Device

	// Pipeline retrieves the cached Pipeline associated with the given key.
	// If the Pipeline does not exist, this will return nil.
	//
	// Parameters:
	//   - key: the unique identifier for the Pipeline to retrieve
	//
	// Returns:
	//   - pipeline.Pipeline: the Pipeline associated with the key, or nil if not found
	Pipeline(key string) pipeline.Pipeline

	// Pipelines retrieves a copy of the pipeline cache.
	//
	// Returns:
	//   - map[string]pipeline.Pipeline: a map of pipeline keys to their corresponding Pipeline objects
	Pipelines() map[string]pipeline.Pipeline

	// RegisterPipelines compiles one or more pipelines on the device and caches them by PipelineKey.
	// Registering a key that is already cached replaces it: the new pipeline is compiled first and
	// the old device pipeline is destroyed afterwards, so shader binding tables generated from the
	// old pipeline become stale and must be regenerated.
	//
	// Parameters:
	//   - pipelines: the Pipelines to register
	//
	// Returns:
	//   - error: an error if pipeline compilation fails; earlier pipelines in the call stay registered
	RegisterPipelines(pipelines ...pipeline.Pipeline) error

	// ImmediateCommands records fn into a fresh recording, submits it and waits for completion.
	//
	// Parameters:
	//   - label: the debug name of the recording
	//   - fn: the recording callback
	//
	// Returns:
	//   - error: the error returned by fn, or the submission failure
	ImmediateCommands(label string, fn func(rec device.CommandRecorder) error) error

	// BeginFrame starts the per-frame recording. Must be paired with EndFrame.
	//
	// Returns:
	//   - error: ErrFrameInProgress if the previous frame has not ended
	BeginFrame() error

	// FrameCommands returns the current frame's recorder, or nil outside a frame.
	FrameCommands() device.CommandRecorder

	// TraceRays records a ray dispatch through table into the current frame.
	//
	// Parameters:
	//   - table: a generated shader binding table
	//   - extent: the ray generation grid
	//
	// Returns:
	//   - error: ErrNoFrame, or the table's dispatch error
	TraceRays(table shader_binding_table.ShaderBindingTable, extent common.Extent3D) error

	// EndFrame submits the frame's recording and waits for completion, then ticks the profiler if one is attached.
	//
	// Returns:
	//   - error: ErrNoFrame, or the submission failure
	EndFrame() error

	// FrameCount returns the number of frames submitted.
	FrameCount() uint64

	// Destroy destroys every cached pipeline. The device is owned by the caller.
	Destroy()
}

var _ Renderer = &renderer{}

// NewRenderer creates a new Renderer recording for dev.
//
// Parameters:
//   - dev: the device to record and submit on
//   - options: variadic list of RendererBuilderOption functions to configure the Renderer
//
// Returns:
//   - Renderer: a new instance of Renderer
func NewRenderer(dev device.Device, options ...RendererBuilderOption) Renderer {
	if dev == nil {
		panic("renderer: NewRenderer requires a non-nil Device")
	}
	r := &renderer{
		mu:            &sync.Mutex{},
		dev:           dev,
		pipelineCache: make(map[string]pipeline.Pipeline),
		frameLabel:    "Frame",
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

func (r *renderer) Device() device.Device {
	return r.dev
}

func (r *renderer) Pipeline(key string) pipeline.Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pipelineCache[key]
}

func (r *renderer) Pipelines() map[string]pipeline.Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]pipeline.Pipeline, len(r.pipelineCache))
	for k, p := range r.pipelineCache {
		out[k] = p
	}
	return out
}

func (r *renderer) RegisterPipelines(pipelines ...pipeline.Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range pipelines {
		key := p.PipelineKey()
		rp, err := r.dev.CreateRayTracingPipeline(p.Info())
		if err != nil {
			return fmt.Errorf("register pipeline %q: %w", key, err)
		}
		old, exists := r.pipelineCache[key]
		if exists && old != p {
			old.Destroy()
		}
		p.Destroy()
		p.SetPipeline(rp)
		r.pipelineCache[key] = p
		if exists {
			common.Logger().Info("pipeline reloaded", "key", key, "groups", rp.GroupCount())
		} else {
			common.Logger().Debug("pipeline registered", "key", key, "groups", rp.GroupCount())
		}
	}
	return nil
}

func (r *renderer) ImmediateCommands(label string, fn func(rec device.CommandRecorder) error) error {
	return r.dev.ImmediateCommands(label, fn)
}

func (r *renderer) BeginFrame() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frame != nil {
		return ErrFrameInProgress
	}
	r.frame = r.dev.BeginCommands(fmt.Sprintf("%s %d", r.frameLabel, r.frameCount))
	return nil
}

func (r *renderer) FrameCommands() device.CommandRecorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frame
}

func (r *renderer) TraceRays(table shader_binding_table.ShaderBindingTable, extent common.Extent3D) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frame == nil {
		return ErrNoFrame
	}
	return table.TraceRays(r.frame, extent)
}

func (r *renderer) EndFrame() error {
	r.mu.Lock()
	rec := r.frame
	r.frame = nil
	r.mu.Unlock()
	if rec == nil {
		return ErrNoFrame
	}

	err := r.dev.Submit(rec)

	r.mu.Lock()
	r.frameCount++
	p := r.profiler
	r.mu.Unlock()
	if p != nil {
		p.Tick(r.dev.Stats())
	}
	return err
}

func (r *renderer) FrameCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frameCount
}

func (r *renderer) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, p := range r.pipelineCache {
		p.Destroy()
		delete(r.pipelineCache, key)
	}
}
