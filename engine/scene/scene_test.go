package scene

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/Carmen-Shannon/oxy-rt/common"
	"github.com/Carmen-Shannon/oxy-rt/engine/device"
	"github.com/Carmen-Shannon/oxy-rt/engine/model"
	"github.com/Carmen-Shannon/oxy-rt/engine/renderer/pipeline"
	"github.com/Carmen-Shannon/oxy-rt/engine/renderer/shader_binding_table"
	"github.com/go-gl/mathgl/mgl32"
)

func newTestDevice(t *testing.T) device.Device {
	t.Helper()
	d, err := device.NewDevice(device.WithLabel(t.Name()), device.WithWorkers(4))
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

func triangle(x float32, material int) model.Primitive {
	return model.Primitive{
		Vertices: []model.ModelVertex{
			model.NewModelVertex(mgl32.Vec3{x, 0, 0}),
			model.NewModelVertex(mgl32.Vec3{x + 1, 0, 0}),
			model.NewModelVertex(mgl32.Vec3{x, 1, 0}),
		},
		Indices:       []uint32{0, 1, 2},
		MaterialIndex: material,
	}
}

// twoMeshScene loads mesh A with one primitive and mesh B with three, the second of which is
// non-indexed and has no material.
func twoMeshScene(t *testing.T, d device.Device) model.Scene {
	t.Helper()
	a, err := model.NewMesh(d, []model.Primitive{triangle(0, 0)}, model.WithMeshName("A"))
	if err != nil {
		t.Fatal(err)
	}
	plain := triangle(4, -1)
	plain.Indices = nil
	b, err := model.NewMesh(d, []model.Primitive{triangle(2, 1), plain, triangle(6, 0)},
		model.WithMeshName("B"), model.WithMeshTransform(mgl32.Translate3D(0, 0, 5)))
	if err != nil {
		t.Fatal(err)
	}
	s, err := model.NewScene(d, []model.Mesh{a, b}, []model.MaterialInfo{{RoughnessFactor: 1}, {MetallicFactor: 1}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Destroy)
	return s
}

func fromScene(t *testing.T, d device.Device, s model.Scene, options ...SceneDescriptionBuilderOption) SceneDescription {
	t.Helper()
	sd, err := FromScene(d, s, options...)
	if err != nil {
		t.Fatalf("FromScene: %v", err)
	}
	t.Cleanup(sd.Destroy)
	return sd
}

func TestSceneInstance_Layout(t *testing.T) {
	m := mgl32.Translate3D(1, 2, 3).Mul4(mgl32.Scale3D(2, 2, 2))
	s := NewSceneInstance(7, 3, m)
	if s.Size() != SceneInstanceSize {
		t.Fatalf("size = %d, want %d", s.Size(), SceneInstanceSize)
	}
	if !s.TransformIT.ApproxEqual(m.Inv().Transpose()) {
		t.Errorf("TransformIT = %v", s.TransformIT)
	}
	buf := s.Marshal()
	if binary.LittleEndian.Uint32(buf[0:]) != 7 || binary.LittleEndian.Uint32(buf[4:]) != 3 {
		t.Error("id or texture offset misplaced")
	}
	if binary.LittleEndian.Uint64(buf[8:]) != 0 {
		t.Error("padding not zero")
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(buf[16+12*4:])); got != 1 {
		t.Errorf("translation x at column 3 = %v, want 1", got)
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(buf[80:])); got != 0.5 {
		t.Errorf("TransformIT[0] = %v, want 0.5", got)
	}
}

func TestFromScene_EndToEnd(t *testing.T) {
	d := newTestDevice(t)
	s := twoMeshScene(t, d)
	sd := fromScene(t, d, s)

	if n := len(sd.BLAS()); n != 4 {
		t.Fatalf("got %d BLAS, want 4", n)
	}
	if sd.TLAS() == nil || sd.TLAS().InstanceCount() != 4 {
		t.Fatal("TLAS not built over 4 instances")
	}
	if sd.InstanceCount() != 4 || sd.InstanceBuffer().ElementCount() != 4 {
		t.Fatalf("instances %d, buffer elements %d, want 4", sd.InstanceCount(), sd.InstanceBuffer().ElementCount())
	}
	flattened := 0
	for i := range sd.BLAS() {
		flattened += len(sd.InstancesForBlas(i))
	}
	if flattened != sd.InstanceCount() {
		t.Errorf("blas-to-instance map covers %d instances, want %d", flattened, sd.InstanceCount())
	}

	before := sd.Instances()
	handle := sd.TLAS().Handle()
	move := mgl32.Translate3D(1, 0, 0)
	if err := sd.SetBlasTransform(0, move); err != nil {
		t.Fatal(err)
	}
	after := sd.Instances()
	if after[0].Transform != move || !after[0].TransformIT.ApproxEqual(common.InverseTranspose(move)) {
		t.Errorf("instance 0 = %+v", after[0])
	}
	for i := 1; i < 4; i++ {
		if after[i] != before[i] {
			t.Errorf("instance %d changed", i)
		}
	}

	if err := d.ImmediateCommands("frame", sd.RegenerateTlas); err != nil {
		t.Fatalf("RegenerateTlas: %v", err)
	}
	if sd.TLAS().Handle() != handle {
		t.Error("RegenerateTlas replaced the TLAS")
	}
	want := common.AABB{Min: mgl32.Vec3{1, 0, 0}, Max: mgl32.Vec3{7, 1, 5}}
	if got := sd.TLAS().Structure().Bounds(); !got.ApproxEqual(want) {
		t.Errorf("TLAS bounds = %v, want %v", got, want)
	}

	if err := sd.SyncInstanceBuffer(); err != nil {
		t.Fatal(err)
	}
	data, err := sd.InstanceBuffer().Read(0, SceneInstanceSize)
	if err != nil {
		t.Fatal(err)
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(data[16+12*4:])); got != 1 {
		t.Errorf("uploaded instance 0 translation x = %v, want 1", got)
	}

	p := pipeline.NewPipeline("rt",
		pipeline.WithRaygenShader("rgen"),
		pipeline.WithMissShader("miss"),
		pipeline.WithHitGroup("chit", ""),
		pipeline.WithHitGroup("chit_shadow", "ahit_shadow"),
	)
	rp, err := d.CreateRayTracingPipeline(p.Info())
	if err != nil {
		t.Fatal(err)
	}
	p.SetPipeline(rp)
	t.Cleanup(p.Destroy)
	sbt := shader_binding_table.NewShaderBindingTable(d, shader_binding_table.InfoFromPipeline(p))
	t.Cleanup(sbt.Destroy)
	if err := sbt.Generate(p); err != nil {
		t.Fatal(err)
	}
	if sbt.RaygenRegion().Size != 64 || sbt.MissRegion().Size != 64 || sbt.HitGroupRegion().Size != 128 {
		t.Errorf("region sizes %d/%d/%d, want 64/64/128", sbt.RaygenRegion().Size, sbt.MissRegion().Size, sbt.HitGroupRegion().Size)
	}
}

func TestRegenerateTlas_Concurrent(t *testing.T) {
	d := newTestDevice(t)
	sd := fromScene(t, d, twoMeshScene(t, d))

	const workers = 8
	recs := make([]device.CommandRecorder, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := sd.SetBlasTransform(0, mgl32.Translate3D(float32(i), 0, 0)); err != nil {
				t.Errorf("SetBlasTransform: %v", err)
				return
			}
			recs[i] = d.BeginCommands("refit")
			if err := sd.RegenerateTlas(recs[i]); err != nil {
				t.Errorf("RegenerateTlas: %v", err)
			}
		}(i)
	}
	wg.Wait()
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		if err := d.Submit(rec); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	got := sd.TLAS().Instances()[0].Transform
	want := common.RowMajor3x4(sd.Instances()[0].Transform)
	if got != want {
		t.Errorf("TLAS instance 0 transform = %v, want %v", got, want)
	}
}

func TestFromScene_ResourceViews(t *testing.T) {
	d := newTestDevice(t)
	s := twoMeshScene(t, d)
	sd := fromScene(t, d, s)

	vertices, indices, materials := sd.VertexRegions(), sd.IndexRegions(), sd.MaterialRegions()
	if len(vertices) != 4 || len(indices) != 4 || len(materials) != 4 {
		t.Fatalf("view counts %d/%d/%d, want 4", len(vertices), len(indices), len(materials))
	}
	if !indices[2].Empty() || indices[2].DeviceAddress() != 0 {
		t.Errorf("non-indexed primitive index region = %+v, want zero", indices[2])
	}
	if !materials[2].Empty() {
		t.Errorf("primitive without material has region %+v", materials[2])
	}
	if materials[1].Offset != model.MaterialInfoSize || materials[1].Buffer != s.MaterialBuffer() {
		t.Errorf("material region 1 = %+v", materials[1])
	}
	if vertices[3].Offset != 6*model.ModelVertexStride {
		t.Errorf("vertex region 3 offset = %d", vertices[3].Offset)
	}

	inst := sd.Instances()
	wantTexture := []uint32{0, 1, NoMaterial, 0}
	for i, w := range wantTexture {
		if inst[i].ID != uint32(i) || inst[i].TextureOffset != w {
			t.Errorf("instance %d id %d texture %d, want %d and %d", i, inst[i].ID, inst[i].TextureOffset, i, w)
		}
	}
	if inst[3].Transform != mgl32.Translate3D(0, 0, 5) {
		t.Errorf("instance 3 does not carry mesh B's transform")
	}
	if r := sd.InstanceBufferRegion(); r.Range != 4*SceneInstanceSize {
		t.Errorf("instance region range = %d", r.Range)
	}
}

func TestSetBlasTransforms(t *testing.T) {
	d := newTestDevice(t)
	sd := fromScene(t, d, twoMeshScene(t, d))

	err := sd.SetBlasTransforms(map[int]mgl32.Mat4{1: mgl32.Translate3D(0, 9, 0), 4: mgl32.Ident4()})
	if !errors.Is(err, ErrBlasIndexOutOfRange) {
		t.Fatalf("error = %v, want ErrBlasIndexOutOfRange", err)
	}
	if sd.Instances()[1].Transform == mgl32.Translate3D(0, 9, 0) {
		t.Error("partial application of a rejected batch")
	}

	if err := sd.SetBlasTransforms(map[int]mgl32.Mat4{1: mgl32.Translate3D(0, 9, 0), 2: mgl32.Translate3D(0, 8, 0)}); err != nil {
		t.Fatal(err)
	}
	if got := sd.BLAS()[2].Transform(); got != mgl32.Translate3D(0, 8, 0) {
		t.Errorf("BLAS 2 transform = %v", got)
	}
	if err := d.ImmediateCommands("frame", sd.RegenerateTlas); err != nil {
		t.Fatal(err)
	}
	if got := sd.TLAS().Instances()[1].Transform[7]; got != 9 {
		t.Errorf("TLAS instance 1 y translation = %v, want 9", got)
	}
}

func TestFromMeshes_Errors(t *testing.T) {
	d := newTestDevice(t)
	if _, err := FromMeshes(d, nil); !errors.Is(err, ErrEmptyScene) {
		t.Fatalf("FromMeshes error = %v, want ErrEmptyScene", err)
	}

	sd := fromScene(t, d, twoMeshScene(t, d))
	sd.Destroy()
	if err := sd.SetBlasTransform(0, mgl32.Ident4()); !errors.Is(err, ErrDestroyed) {
		t.Errorf("SetBlasTransform error = %v, want ErrDestroyed", err)
	}
	if err := sd.RegenerateTlas(d.BeginCommands("frame")); !errors.Is(err, ErrDestroyed) {
		t.Errorf("RegenerateTlas error = %v, want ErrDestroyed", err)
	}
}
