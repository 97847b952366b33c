package renderer

import (
	"errors"
	"testing"
	"time"

	"github.com/Carmen-Shannon/oxy-rt/common"
	"github.com/Carmen-Shannon/oxy-rt/engine/device"
	"github.com/Carmen-Shannon/oxy-rt/engine/profiler"
	"github.com/Carmen-Shannon/oxy-rt/engine/renderer/pipeline"
	"github.com/Carmen-Shannon/oxy-rt/engine/renderer/shader_binding_table"
)

func newTestDevice(t *testing.T) device.Device {
	t.Helper()
	d, err := device.NewDevice(device.WithLabel(t.Name()))
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	t.Cleanup(func() {
		if err := d.Destroy(); err != nil {
			t.Errorf("Destroy: %v", err)
		}
	})
	return d
}

func newTestRenderer(t *testing.T, d device.Device, options ...RendererBuilderOption) Renderer {
	t.Helper()
	r := NewRenderer(d, options...)
	t.Cleanup(r.Destroy)
	return r
}

func rtPipeline(key string) pipeline.Pipeline {
	return pipeline.NewPipeline(key,
		pipeline.WithRaygenShader("rgen"),
		pipeline.WithMissShader("miss"),
		pipeline.WithHitGroup("chit", ""),
	)
}

func TestNewRenderer_NilDevicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("NewRenderer(nil) did not panic")
		}
	}()
	NewRenderer(nil)
}

func TestRegisterPipelines(t *testing.T) {
	d := newTestDevice(t)
	r := newTestRenderer(t, d)

	if err := r.RegisterPipelines(rtPipeline("a"), rtPipeline("b")); err != nil {
		t.Fatalf("RegisterPipelines: %v", err)
	}
	if got := len(r.Pipelines()); got != 2 {
		t.Fatalf("cached %d pipelines, want 2", got)
	}
	if r.Pipeline("a").Pipeline() == nil {
		t.Error("pipeline a not compiled")
	}
	if r.Pipeline("missing") != nil {
		t.Error("unknown key returned a pipeline")
	}
	if got := d.Stats().Pipelines; got != 2 {
		t.Errorf("device pipelines = %d, want 2", got)
	}

	invalid := pipeline.NewPipeline("broken", pipeline.WithMissShader("miss"))
	if err := r.RegisterPipelines(invalid); err == nil {
		t.Fatal("pipeline without raygen registered")
	}
	if r.Pipeline("broken") != nil {
		t.Error("failed pipeline was cached")
	}

	// The returned map is a copy.
	delete(r.Pipelines(), "a")
	if r.Pipeline("a") == nil {
		t.Error("Pipelines exposed the internal cache")
	}
}

func TestRegisterPipelines_HotReload(t *testing.T) {
	d := newTestDevice(t)
	r := newTestRenderer(t, d)

	first := rtPipeline("rt")
	if err := r.RegisterPipelines(first); err != nil {
		t.Fatal(err)
	}
	table := shader_binding_table.NewShaderBindingTable(d, shader_binding_table.InfoFromPipeline(first))
	t.Cleanup(table.Destroy)
	if err := table.Generate(first); err != nil {
		t.Fatal(err)
	}
	oldDevicePipeline := first.Pipeline()

	tests := []struct {
		name string
		next pipeline.Pipeline
	}{
		{name: "same wrapper", next: first},
		{name: "new wrapper", next: rtPipeline("rt")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := r.Pipeline("rt").Pipeline()
			if err := r.RegisterPipelines(tt.next); err != nil {
				t.Fatal(err)
			}
			if !prev.Destroyed() {
				t.Error("replaced device pipeline not destroyed")
			}
			if r.Pipeline("rt") != tt.next {
				t.Error("cache does not hold the reloaded pipeline")
			}
			if got := d.Stats().Pipelines; got != 1 {
				t.Errorf("device pipelines = %d, want 1", got)
			}
		})
	}

	if !oldDevicePipeline.Destroyed() || !table.Stale() {
		t.Fatal("table generated before reload is not stale")
	}
	if err := r.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	err := r.TraceRays(table, common.Extent3D{Width: 1, Height: 1, Depth: 1})
	if !errors.Is(err, device.ErrStaleShaderBindingTable) {
		t.Errorf("TraceRays error = %v, want ErrStaleShaderBindingTable", err)
	}
	if err := r.EndFrame(); err != nil {
		t.Fatal(err)
	}
}

func TestFrameLabel(t *testing.T) {
	tests := []struct {
		name  string
		label string
		want  string
	}{
		{name: "custom", label: "Bake", want: "Bake 0"},
		{name: "empty keeps default", label: "", want: "Frame 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDevice(t)
			r := newTestRenderer(t, d, WithFrameLabel(tt.label))
			if err := r.BeginFrame(); err != nil {
				t.Fatal(err)
			}
			if got := r.FrameCommands().Label(); got != tt.want {
				t.Errorf("frame label = %q, want %q", got, tt.want)
			}
			if err := r.EndFrame(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestFrameLoop(t *testing.T) {
	d := newTestDevice(t)
	prof := profiler.NewProfiler(profiler.WithUpdateInterval(0))
	r := newTestRenderer(t, d, WithProfiler(prof), WithFrameLabel("Test Frame"))

	p := rtPipeline("rt")
	if err := r.RegisterPipelines(p); err != nil {
		t.Fatal(err)
	}
	table := shader_binding_table.NewShaderBindingTable(d, shader_binding_table.InfoFromPipeline(p))
	t.Cleanup(table.Destroy)
	if err := table.Generate(p); err != nil {
		t.Fatal(err)
	}

	extent := common.Extent3D{Width: 8, Height: 4, Depth: 1}
	for frame := 0; frame < 3; frame++ {
		if err := r.BeginFrame(); err != nil {
			t.Fatalf("frame %d: BeginFrame: %v", frame, err)
		}
		if got := r.FrameCommands().Label(); got != "Test Frame "+string(rune('0'+frame)) {
			t.Errorf("frame %d: label %q", frame, got)
		}
		if err := r.TraceRays(table, extent); err != nil {
			t.Fatalf("frame %d: TraceRays: %v", frame, err)
		}
		if err := r.EndFrame(); err != nil {
			t.Fatalf("frame %d: EndFrame: %v", frame, err)
		}
	}

	if r.FrameCount() != 3 {
		t.Errorf("FrameCount = %d, want 3", r.FrameCount())
	}
	stats := d.Stats()
	if stats.TraceRaysDispatched != 3 || stats.RaysLaunched != 96 {
		t.Errorf("dispatched %d launched %d, want 3 and 96", stats.TraceRaysDispatched, stats.RaysLaunched)
	}
	if r.FrameCommands() != nil {
		t.Error("FrameCommands outside a frame is not nil")
	}
	if prof.Last().FPS <= 0 {
		t.Error("profiler was not ticked")
	}
}

func TestFrameErrors(t *testing.T) {
	d := newTestDevice(t)
	r := newTestRenderer(t, d)

	if err := r.EndFrame(); !errors.Is(err, ErrNoFrame) {
		t.Errorf("EndFrame without frame = %v, want ErrNoFrame", err)
	}
	if err := r.TraceRays(nil, common.Extent3D{Width: 1, Height: 1, Depth: 1}); !errors.Is(err, ErrNoFrame) {
		t.Errorf("TraceRays without frame = %v, want ErrNoFrame", err)
	}
	if err := r.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	if err := r.BeginFrame(); !errors.Is(err, ErrFrameInProgress) {
		t.Errorf("nested BeginFrame = %v, want ErrFrameInProgress", err)
	}
	if err := r.EndFrame(); err != nil {
		t.Fatal(err)
	}
}

func TestImmediateCommands(t *testing.T) {
	d := newTestDevice(t)
	r := newTestRenderer(t, d)

	want := errors.New("boom")
	if err := r.ImmediateCommands("fail", func(device.CommandRecorder) error { return want }); !errors.Is(err, want) {
		t.Errorf("ImmediateCommands error = %v, want %v", err, want)
	}
	before := d.Stats().Submissions
	if err := r.ImmediateCommands("ok", func(device.CommandRecorder) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if d.Stats().Submissions != before+1 {
		t.Error("ImmediateCommands did not submit")
	}
}

func TestProfilerInterval(t *testing.T) {
	d := newTestDevice(t)
	prof := profiler.NewProfiler(profiler.WithUpdateInterval(time.Hour))
	r := newTestRenderer(t, d, WithProfiler(prof))
	if err := r.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	if err := r.EndFrame(); err != nil {
		t.Fatal(err)
	}
	if prof.Last().FPS != 0 {
		t.Error("profiler logged before its interval elapsed")
	}
}
