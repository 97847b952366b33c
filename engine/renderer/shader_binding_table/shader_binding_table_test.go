package shader_binding_table

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/Carmen-Shannon/oxy-rt/common"
	"github.com/Carmen-Shannon/oxy-rt/engine/device"
	"github.com/Carmen-Shannon/oxy-rt/engine/renderer/pipeline"
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

func compile(t *testing.T, d device.Device, p pipeline.Pipeline) pipeline.Pipeline {
	t.Helper()
	rp, err := d.CreateRayTracingPipeline(p.Info())
	if err != nil {
		t.Fatalf("CreateRayTracingPipeline: %v", err)
	}
	p.SetPipeline(rp)
	t.Cleanup(p.Destroy)
	return p
}

func standardPipeline() pipeline.Pipeline {
	return pipeline.NewPipeline("rt",
		pipeline.WithRaygenShader("rgen"),
		pipeline.WithMissShader("miss"),
		pipeline.WithHitGroup("chit", ""),
		pipeline.WithHitGroup("chit_alpha", "ahit"),
	)
}

func TestInfoFromPipeline(t *testing.T) {
	p := pipeline.NewPipeline("rt",
		pipeline.WithHitGroup("chit", ""),
		pipeline.WithRaygenShader("rgen"),
		pipeline.WithMissShader("miss"),
		pipeline.WithCallableShader("sky"),
		pipeline.WithProceduralHitGroup("chit_sphere", "", "isect_sphere"),
	)
	info := InfoFromPipeline(p)
	checks := []struct {
		name string
		got  []uint32
		want []uint32
	}{
		{"raygen", info.RaygenIndices, []uint32{1}},
		{"miss", info.MissIndices, []uint32{2}},
		{"hit", info.HitGroupIndices, []uint32{0, 4}},
		{"callable", info.CallableIndices, []uint32{3}},
	}
	for _, c := range checks {
		if len(c.got) != len(c.want) {
			t.Errorf("%s indices = %v, want %v", c.name, c.got, c.want)
			continue
		}
		for i := range c.want {
			if c.got[i] != c.want[i] {
				t.Errorf("%s indices = %v, want %v", c.name, c.got, c.want)
				break
			}
		}
	}
}

func TestGenerate_RegionLayout(t *testing.T) {
	props := device.DefaultRayTracingProperties()
	props.ShaderGroupHandleSize = 32
	props.ShaderGroupBaseAlignment = 64
	d, err := device.NewDevice(device.WithRayTracingProperties(props))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = d.Destroy() })

	p := compile(t, d, standardPipeline())
	s := NewShaderBindingTable(d, InfoFromPipeline(p))
	t.Cleanup(s.Destroy)
	if err := s.Generate(p); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	tests := []struct {
		name   string
		region device.StridedRegion
		size   uint64
	}{
		{"raygen", s.RaygenRegion(), 64},
		{"miss", s.MissRegion(), 64},
		{"hit", s.HitGroupRegion(), 128},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.region.Size != tt.size || tt.region.Stride != 64 {
				t.Errorf("size %d stride %d, want %d and 64", tt.region.Size, tt.region.Stride, tt.size)
			}
			if tt.region.Address == 0 || uint64(tt.region.Address)%64 != 0 {
				t.Errorf("address %#x not 64-byte aligned", uint64(tt.region.Address))
			}
		})
	}
	if !s.CallableRegion().Empty() || s.CallableRegion().Address != 0 {
		t.Errorf("callable region = %+v, want zero", s.CallableRegion())
	}

	handles, err := d.ShaderGroupHandles(p.Pipeline(), 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	hit := s.(*shaderBindingTable).regions[2].buffer
	data, err := hit.Read(0, hit.Size())
	if err != nil {
		t.Fatal(err)
	}
	for slot, gi := range []int{2, 3} {
		rec := data[slot*64 : (slot+1)*64]
		if !bytes.Equal(rec[:32], handles[gi*32:(gi+1)*32]) {
			t.Errorf("hit record %d does not hold group %d's handle", slot, gi)
		}
		if !bytes.Equal(rec[32:], make([]byte, 32)) {
			t.Errorf("hit record %d padding not zeroed", slot)
		}
	}
}

func TestGenerate_RegionSizing(t *testing.T) {
	tests := []struct {
		name             string
		handle, base     uint32
		miss, hit, calls int
	}{
		{name: "48 in 64", handle: 48, base: 64, miss: 2, hit: 3},
		{name: "32 in 32", handle: 32, base: 32, miss: 1, hit: 1, calls: 2},
		{name: "64 in 64", handle: 64, base: 64, miss: 3, hit: 2},
		{name: "48 in 16", handle: 48, base: 16, miss: 1, hit: 4},
		{name: "32 in 128", handle: 32, base: 128, miss: 2, hit: 1},
		{name: "no miss", handle: 32, base: 64, miss: 0, hit: 2},
		{name: "no hit", handle: 32, base: 64, miss: 2, hit: 0},
		{name: "raygen only", handle: 48, base: 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			props := device.DefaultRayTracingProperties()
			props.ShaderGroupHandleSize = tt.handle
			props.ShaderGroupBaseAlignment = tt.base
			props.ShaderGroupHandleAlignment = min(props.ShaderGroupHandleAlignment, tt.base)
			d, err := device.NewDevice(device.WithLabel(t.Name()), device.WithRayTracingProperties(props))
			if err != nil {
				t.Fatalf("NewDevice: %v", err)
			}
			t.Cleanup(func() {
				if err := d.Destroy(); err != nil {
					t.Errorf("Destroy: %v", err)
				}
			})

			opts := []pipeline.PipelineBuilderOption{pipeline.WithRaygenShader("rgen")}
			for i := range tt.miss {
				opts = append(opts, pipeline.WithMissShader(fmt.Sprintf("miss%d", i)))
			}
			for i := range tt.hit {
				opts = append(opts, pipeline.WithHitGroup(fmt.Sprintf("chit%d", i), ""))
			}
			for i := range tt.calls {
				opts = append(opts, pipeline.WithCallableShader(fmt.Sprintf("call%d", i)))
			}
			p := compile(t, d, pipeline.NewPipeline("rt", opts...))
			s := NewShaderBindingTable(d, InfoFromPipeline(p))
			t.Cleanup(s.Destroy)
			if err := s.Generate(p); err != nil {
				t.Fatalf("Generate: %v", err)
			}

			handleSize := uint64(tt.handle)
			stride := s.Stride()
			if stride < handleSize {
				t.Errorf("stride %d below handle size %d", stride, handleSize)
			}
			if stride%uint64(tt.base) != 0 {
				t.Errorf("stride %d not a multiple of %d", stride, tt.base)
			}

			total := 1 + tt.miss + tt.hit + tt.calls
			handles, err := d.ShaderGroupHandles(p.Pipeline(), 0, uint32(total))
			if err != nil {
				t.Fatal(err)
			}
			info := InfoFromPipeline(p)
			regions := []struct {
				name   string
				region device.StridedRegion
				groups []uint32
				buffer device.Buffer
			}{
				{"raygen", s.RaygenRegion(), info.RaygenIndices, s.(*shaderBindingTable).regions[0].buffer},
				{"miss", s.MissRegion(), info.MissIndices, s.(*shaderBindingTable).regions[1].buffer},
				{"hit", s.HitGroupRegion(), info.HitGroupIndices, s.(*shaderBindingTable).regions[2].buffer},
				{"callable", s.CallableRegion(), info.CallableIndices, s.(*shaderBindingTable).regions[3].buffer},
			}
			for _, r := range regions {
				if len(r.groups) == 0 {
					if r.region != (device.StridedRegion{}) || r.buffer != nil {
						t.Errorf("%s region = %+v, want zero", r.name, r.region)
					}
					continue
				}
				if want := stride * uint64(len(r.groups)); r.region.Size != want || r.region.Stride != stride {
					t.Errorf("%s size %d stride %d, want %d and %d", r.name, r.region.Size, r.region.Stride, want, stride)
				}
				if uint64(r.region.Address)%uint64(tt.base) != 0 {
					t.Errorf("%s address %#x not %d-byte aligned", r.name, uint64(r.region.Address), tt.base)
				}
				data, err := r.buffer.Read(0, r.buffer.Size())
				if err != nil {
					t.Fatal(err)
				}
				for slot, gi := range r.groups {
					rec := data[uint64(slot)*stride : uint64(slot+1)*stride]
					if !bytes.Equal(rec[:handleSize], handles[uint64(gi)*handleSize:uint64(gi+1)*handleSize]) {
						t.Errorf("%s record %d does not hold group %d's handle", r.name, slot, gi)
					}
					if !bytes.Equal(rec[handleSize:], make([]byte, stride-handleSize)) {
						t.Errorf("%s record %d padding not zeroed", r.name, slot)
					}
				}
			}

			err = d.ImmediateCommands("rays", func(rec device.CommandRecorder) error {
				return s.TraceRays(rec, common.Extent3D{Width: 2, Height: 2, Depth: 1})
			})
			if err != nil {
				t.Errorf("TraceRays: %v", err)
			}
		})
	}
}

func TestGenerate_Errors(t *testing.T) {
	d := newTestDevice(t)

	t.Run("nil pipeline", func(t *testing.T) {
		s := NewShaderBindingTable(d, ShaderBindingTableInfo{RaygenIndices: []uint32{0}})
		if err := s.Generate(nil); !errors.Is(err, ErrPipelineNotCompiled) {
			t.Fatalf("Generate error = %v, want ErrPipelineNotCompiled", err)
		}
	})

	t.Run("not compiled", func(t *testing.T) {
		p := standardPipeline()
		s := NewShaderBindingTable(d, InfoFromPipeline(p))
		if err := s.Generate(p); !errors.Is(err, ErrPipelineNotCompiled) {
			t.Fatalf("Generate error = %v, want ErrPipelineNotCompiled", err)
		}
	})

	t.Run("index out of range", func(t *testing.T) {
		p := compile(t, d, standardPipeline())
		s := NewShaderBindingTable(d, ShaderBindingTableInfo{RaygenIndices: []uint32{0}, MissIndices: []uint32{9}})
		before := d.Stats().Buffers
		if err := s.Generate(p); !errors.Is(err, ErrGroupIndexOutOfRange) {
			t.Fatalf("Generate error = %v, want ErrGroupIndexOutOfRange", err)
		}
		if d.Stats().Buffers != before {
			t.Error("failed generate allocated buffers")
		}
	})

	t.Run("dispatch before generate", func(t *testing.T) {
		s := NewShaderBindingTable(d, ShaderBindingTableInfo{})
		if err := s.TraceRays(d.BeginCommands("rays"), common.Extent3D{Width: 1, Height: 1, Depth: 1}); !errors.Is(err, ErrNotGenerated) {
			t.Fatalf("TraceRays error = %v, want ErrNotGenerated", err)
		}
	})
}

func TestTraceRays(t *testing.T) {
	d := newTestDevice(t)
	p := compile(t, d, standardPipeline())
	s := NewShaderBindingTable(d, InfoFromPipeline(p))
	t.Cleanup(s.Destroy)
	if err := s.Generate(p); err != nil {
		t.Fatal(err)
	}

	err := d.ImmediateCommands("rays", func(rec device.CommandRecorder) error {
		return s.TraceRays(rec, common.Extent3D{Width: 4, Height: 2, Depth: 1})
	})
	if err != nil {
		t.Fatalf("TraceRays: %v", err)
	}
	stats := d.Stats()
	if stats.TraceRaysDispatched != 1 || stats.RaysLaunched != 8 {
		t.Errorf("dispatched %d launched %d, want 1 and 8", stats.TraceRaysDispatched, stats.RaysLaunched)
	}
}

func TestHotReload_RequiresRegeneration(t *testing.T) {
	d := newTestDevice(t)
	p := compile(t, d, standardPipeline())
	s := NewShaderBindingTable(d, InfoFromPipeline(p))
	t.Cleanup(s.Destroy)
	if err := s.Generate(p); err != nil {
		t.Fatal(err)
	}
	oldRaygen := s.RaygenRegion()
	buffers := d.Stats().Buffers

	p.Destroy()
	rp, err := d.CreateRayTracingPipeline(p.Info())
	if err != nil {
		t.Fatal(err)
	}
	p.SetPipeline(rp)

	if !s.Stale() {
		t.Fatal("table not stale after recompilation")
	}
	err = s.TraceRays(d.BeginCommands("rays"), common.Extent3D{Width: 1, Height: 1, Depth: 1})
	if !errors.Is(err, device.ErrStaleShaderBindingTable) {
		t.Fatalf("TraceRays error = %v, want ErrStaleShaderBindingTable", err)
	}

	if err := s.Generate(p); err != nil {
		t.Fatalf("Generate after reload: %v", err)
	}
	if s.Stale() {
		t.Error("table stale after regeneration")
	}
	if s.RaygenRegion().Address == oldRaygen.Address {
		t.Error("regeneration reused the old raygen buffer")
	}
	if got := d.Stats().Buffers; got != buffers {
		t.Errorf("buffers %d after regeneration, want %d", got, buffers)
	}
	if err := d.ImmediateCommands("rays", func(rec device.CommandRecorder) error {
		return s.TraceRays(rec, common.Extent3D{Width: 1, Height: 1, Depth: 1})
	}); err != nil {
		t.Fatalf("TraceRays after regeneration: %v", err)
	}
}
