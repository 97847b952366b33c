package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Carmen-Shannon/oxy-rt/common"
	"github.com/go-gl/mathgl/mgl32"
)

// testBLAS is a bottom-level structure plus the buffers it was built from.
type testBLAS struct {
	as       AccelerationStructure
	geometry TriangleGeometry
	scratch  Buffer
}

func newTestBLAS(t *testing.T, d Device, label string, verts []mgl32.Vec3, indices []uint32) testBLAS {
	t.Helper()
	vb, err := d.CreateBufferWithData(BufferInfo{
		Label: label + " Vertices", Size: uint64(len(verts) * 12), ElementCount: uint32(len(verts)),
		Usage: BufferUsageAccelerationStructureBuildInput | BufferUsageShaderDeviceAddress, Location: MemoryLocationCPUToGPU,
	}, positionBytes(verts))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(vb.Destroy)

	geom := TriangleGeometry{
		VertexFormat:   VertexFormatR32G32B32Sfloat,
		VertexData:     vb.DeviceAddress(),
		VertexStride:   12,
		VertexCount:    uint32(len(verts)),
		PrimitiveCount: uint32(len(verts) / 3),
		Flags:          GeometryFlagOpaque,
	}
	if len(indices) > 0 {
		ib, err := d.CreateBufferWithData(BufferInfo{
			Label: label + " Indices", Size: uint64(len(indices) * 4), ElementCount: uint32(len(indices)),
			Usage: BufferUsageIndex | BufferUsageAccelerationStructureBuildInput, Location: MemoryLocationCPUToGPU,
		}, indexBytes(indices))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(ib.Destroy)
		geom.IndexType = IndexTypeUint32
		geom.IndexData = ib.DeviceAddress()
		geom.PrimitiveCount = uint32(len(indices) / 3)
	}

	info := BuildInfo{Type: AccelerationStructureTypeBottomLevel, Flags: BuildFlagPreferFastTrace, Triangles: []TriangleGeometry{geom}}
	sizes, err := d.AccelerationStructureBuildSizes(info)
	if err != nil {
		t.Fatal(err)
	}
	backing := mustBuffer(t, d, BufferInfo{Label: label, Size: sizes.AccelerationStructureSize, ElementCount: 1, Usage: BufferUsageAccelerationStructureStorage})
	scratch := mustBuffer(t, d, BufferInfo{Label: label + " Scratch", Size: max(sizes.BuildScratchSize, sizes.UpdateScratchSize), ElementCount: 1, Usage: BufferUsageStorage})
	as, err := d.CreateAccelerationStructure(AccelerationStructureInfo{Label: label, Type: AccelerationStructureTypeBottomLevel, Buffer: backing, Size: sizes.AccelerationStructureSize})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(as.Destroy)
	return testBLAS{as: as, geometry: geom, scratch: scratch}
}

func (b testBLAS) buildInfo() BuildInfo {
	return BuildInfo{
		Type:        AccelerationStructureTypeBottomLevel,
		Flags:       BuildFlagPreferFastTrace,
		Mode:        BuildModeBuild,
		Dst:         b.as,
		Triangles:   []TriangleGeometry{b.geometry},
		ScratchData: b.scratch.DeviceAddress(),
	}
}

// testTLAS is a top-level structure with its host-visible instance buffer.
type testTLAS struct {
	as        AccelerationStructure
	instances Buffer
	scratch   Buffer
	count     uint32
}

func newTestTLAS(t *testing.T, d Device, count uint32) testTLAS {
	t.Helper()
	info := BuildInfo{Type: AccelerationStructureTypeTopLevel, Flags: BuildFlagAllowUpdate, Instances: InstanceGeometry{Count: count}}
	sizes, err := d.AccelerationStructureBuildSizes(info)
	if err != nil {
		t.Fatal(err)
	}
	inst := mustBuffer(t, d, BufferInfo{Label: "Instances", Size: uint64(count) * InstanceDescriptorSize, ElementCount: count, Usage: BufferUsageAccelerationStructureBuildInput, Location: MemoryLocationCPUToGPU})
	backing := mustBuffer(t, d, BufferInfo{Label: "TLAS", Size: sizes.AccelerationStructureSize, ElementCount: 1, Usage: BufferUsageAccelerationStructureStorage})
	scratch := mustBuffer(t, d, BufferInfo{Label: "TLAS Scratch", Size: max(sizes.BuildScratchSize, sizes.UpdateScratchSize), ElementCount: 1, Usage: BufferUsageStorage})
	as, err := d.CreateAccelerationStructure(AccelerationStructureInfo{Label: "TLAS", Type: AccelerationStructureTypeTopLevel, Buffer: backing, Size: sizes.AccelerationStructureSize})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(as.Destroy)
	return testTLAS{as: as, instances: inst, scratch: scratch, count: count}
}

func (tl testTLAS) write(t *testing.T, blas []AccelerationStructure, transforms []mgl32.Mat4) {
	t.Helper()
	err := tl.instances.MapWrite(func(w *WriteView) error {
		for i, b := range blas {
			desc, err := NewInstanceDescriptor(common.RowMajor3x4(transforms[i]), uint32(i), 0xff, 0, InstanceFlagForceOpaque, b.DeviceAddress())
			if err != nil {
				return err
			}
			if _, err := w.WriteAt(desc.Marshal(), int64(i*InstanceDescriptorSize)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (tl testTLAS) buildInfo(mode BuildMode) BuildInfo {
	info := BuildInfo{
		Type:        AccelerationStructureTypeTopLevel,
		Flags:       BuildFlagAllowUpdate,
		Mode:        mode,
		Dst:         tl.as,
		Instances:   InstanceGeometry{Data: tl.instances.DeviceAddress(), Count: tl.count},
		ScratchData: tl.scratch.DeviceAddress(),
	}
	if mode == BuildModeUpdate {
		info.Src = tl.as
	}
	return info
}

var unitTriangle = []mgl32.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}

func TestBuild_BottomLevelBounds(t *testing.T) {
	d := newTestDevice(t)
	quad := newTestBLAS(t, d, "quad",
		[]mgl32.Vec3{{-1, -1, 0}, {1, -1, 0}, {1, 1, 2}, {-1, 1, 0}},
		[]uint32{0, 1, 2, 0, 2, 3},
	)

	err := d.ImmediateCommands("build", func(rec CommandRecorder) error {
		return rec.BuildAccelerationStructures(quad.buildInfo())
	})
	if err != nil {
		t.Fatal(err)
	}
	if !quad.as.Built() {
		t.Fatal("structure not built")
	}
	if got := quad.as.PrimitiveCount(); got != 2 {
		t.Fatalf("PrimitiveCount = %d, want 2", got)
	}
	want := common.AABB{Min: mgl32.Vec3{-1, -1, 0}, Max: mgl32.Vec3{1, 1, 2}}
	if got := quad.as.Bounds(); !got.ApproxEqual(want) {
		t.Fatalf("Bounds = %+v, want %+v", got, want)
	}
	header, err := quad.as.Buffer().Read(0, 8)
	if err != nil {
		t.Fatal(err)
	}
	if string(header[:4]) != "OXAS" {
		t.Fatalf("serialized header = %q", header[:4])
	}
}

func TestBuild_RejectsOutOfRangeIndex(t *testing.T) {
	d := newTestDevice(t)
	bad := newTestBLAS(t, d, "bad", unitTriangle, []uint32{0, 1, 3})

	err := d.ImmediateCommands("build", func(rec CommandRecorder) error {
		return rec.BuildAccelerationStructures(bad.buildInfo())
	})
	if !errors.Is(err, ErrInvalidBuildInput) {
		t.Fatalf("build = %v, want ErrInvalidBuildInput", err)
	}
	if bad.as.Built() {
		t.Fatal("failed build marked structure built")
	}
}

func TestBuild_RecordTimeValidation(t *testing.T) {
	d := newTestDevice(t)
	blas := newTestBLAS(t, d, "tri", unitTriangle, nil)
	tlas := newTestTLAS(t, d, 1)

	tests := []struct {
		name    string
		mutate  func(info *BuildInfo)
		wantErr error
	}{
		{name: "no destination", mutate: func(info *BuildInfo) { info.Dst = nil }, wantErr: ErrInvalidBuildInput},
		{name: "type mismatch", mutate: func(info *BuildInfo) { info.Dst = tlas.as }, wantErr: ErrInvalidBuildInput},
		{name: "source on full build", mutate: func(info *BuildInfo) { info.Src = blas.as }, wantErr: ErrInvalidBuildInput},
		{name: "update without allow update", mutate: func(info *BuildInfo) { info.Mode = BuildModeUpdate; info.Src = blas.as }, wantErr: ErrInvalidBuildInput},
		{name: "no scratch", mutate: func(info *BuildInfo) { info.ScratchData = 0 }, wantErr: ErrScratchTooSmall},
		{name: "misaligned scratch", mutate: func(info *BuildInfo) { info.ScratchData += 4 }, wantErr: ErrInvalidBuildInput},
		{name: "no geometry", mutate: func(info *BuildInfo) { info.Triangles = nil }, wantErr: ErrInvalidBuildInput},
		{name: "indices without data", mutate: func(info *BuildInfo) {
			info.Triangles = []TriangleGeometry{blas.geometry}
			info.Triangles[0].IndexType = IndexTypeUint32
		}, wantErr: ErrInvalidBuildInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := blas.buildInfo()
			tt.mutate(&info)
			rec := d.BeginCommands(tt.name)
			err := rec.BuildAccelerationStructures(info)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("record = %v, want %v", err, tt.wantErr)
			}
			if rec.CommandCount() != 0 {
				t.Fatalf("invalid build was recorded")
			}
		})
	}
}

func TestBuild_ScratchTooSmall(t *testing.T) {
	d := newTestDevice(t)
	blas := newTestBLAS(t, d, "tri", unitTriangle, nil)
	tiny := mustBuffer(t, d, BufferInfo{Label: "tiny scratch", Size: 16, ElementCount: 1, Usage: BufferUsageStorage})

	info := blas.buildInfo()
	info.ScratchData = tiny.DeviceAddress()
	err := d.ImmediateCommands("build", func(rec CommandRecorder) error {
		return rec.BuildAccelerationStructures(info)
	})
	if !errors.Is(err, ErrScratchTooSmall) {
		t.Fatalf("build = %v, want ErrScratchTooSmall", err)
	}
}

func TestBuild_TopLevelRequiresBarrier(t *testing.T) {
	d := newTestDevice(t)
	blas := newTestBLAS(t, d, "tri", unitTriangle, nil)
	tlas := newTestTLAS(t, d, 1)
	tlas.write(t, []AccelerationStructure{blas.as}, []mgl32.Mat4{mgl32.Ident4()})

	err := d.ImmediateCommands("no barrier", func(rec CommandRecorder) error {
		return rec.BuildAccelerationStructures(blas.buildInfo(), tlas.buildInfo(BuildModeBuild))
	})
	if !errors.Is(err, ErrBarrierHazard) {
		t.Fatalf("build without barrier = %v, want ErrBarrierHazard", err)
	}

	err = d.ImmediateCommands("with barrier", func(rec CommandRecorder) error {
		if err := rec.BuildAccelerationStructures(blas.buildInfo()); err != nil {
			return err
		}
		rec.PipelineBarrier(AccelerationStructureBarrier())
		return rec.BuildAccelerationStructures(tlas.buildInfo(BuildModeBuild))
	})
	if err != nil {
		t.Fatalf("build with barrier: %v", err)
	}
}

func TestBuild_TopLevelRefit(t *testing.T) {
	d := newTestDevice(t)
	a := newTestBLAS(t, d, "a", unitTriangle, nil)
	b := newTestBLAS(t, d, "b", unitTriangle, nil)
	tlas := newTestTLAS(t, d, 2)
	blas := []AccelerationStructure{a.as, b.as}
	tlas.write(t, blas, []mgl32.Mat4{mgl32.Ident4(), mgl32.Translate3D(5, 0, 0)})

	err := d.ImmediateCommands("build", func(rec CommandRecorder) error {
		if err := rec.BuildAccelerationStructures(a.buildInfo(), b.buildInfo()); err != nil {
			return err
		}
		rec.PipelineBarrier(AccelerationStructureBarrier())
		if err := rec.BuildAccelerationStructures(tlas.buildInfo(BuildModeBuild)); err != nil {
			return err
		}
		rec.PipelineBarrier(AccelerationStructureBarrier())
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	handle := tlas.as.Handle()
	want := common.AABB{Min: mgl32.Vec3{0, 0, 0}, Max: mgl32.Vec3{6, 1, 0}}
	if got := tlas.as.Bounds(); !got.ApproxEqual(want) {
		t.Fatalf("Bounds = %+v, want %+v", got, want)
	}

	tlas.write(t, blas, []mgl32.Mat4{mgl32.Translate3D(0, -3, 0), mgl32.Translate3D(5, 0, 0)})
	err = d.ImmediateCommands("refit", func(rec CommandRecorder) error {
		return rec.BuildAccelerationStructures(tlas.buildInfo(BuildModeUpdate))
	})
	if err != nil {
		t.Fatal(err)
	}
	if tlas.as.Handle() != handle {
		t.Fatalf("refit changed handle %d -> %d", handle, tlas.as.Handle())
	}
	if tlas.as.UpdateCount() != 1 {
		t.Fatalf("UpdateCount = %d, want 1", tlas.as.UpdateCount())
	}
	want = common.AABB{Min: mgl32.Vec3{0, -3, 0}, Max: mgl32.Vec3{6, 1, 0}}
	if got := tlas.as.Bounds(); !got.ApproxEqual(want) {
		t.Fatalf("refit Bounds = %+v, want %+v", got, want)
	}
	if s := d.Stats(); s.StructuresBuilt != 3 || s.StructuresUpdated != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestBuild_UpdateBeforeBuildFails(t *testing.T) {
	d := newTestDevice(t)
	blas := newTestBLAS(t, d, "tri", unitTriangle, nil)
	tlas := newTestTLAS(t, d, 1)
	tlas.write(t, []AccelerationStructure{blas.as}, []mgl32.Mat4{mgl32.Ident4()})

	err := d.ImmediateCommands("refit", func(rec CommandRecorder) error {
		return rec.BuildAccelerationStructures(tlas.buildInfo(BuildModeUpdate))
	})
	if !errors.Is(err, ErrInvalidBuildInput) {
		t.Fatalf("refit before build = %v, want ErrInvalidBuildInput", err)
	}
}

func TestBuild_InstanceReferencesUnknownAddress(t *testing.T) {
	d := newTestDevice(t)
	blas := newTestBLAS(t, d, "tri", unitTriangle, nil)
	tlas := newTestTLAS(t, d, 1)
	tlas.write(t, []AccelerationStructure{blas.as}, []mgl32.Mat4{mgl32.Ident4()})
	if err := tlas.instances.MapWrite(func(w *WriteView) error {
		return w.PutUint64(56, 0xdead0000)
	}); err != nil {
		t.Fatal(err)
	}

	err := d.ImmediateCommands("build", func(rec CommandRecorder) error {
		if err := rec.BuildAccelerationStructures(blas.buildInfo()); err != nil {
			return err
		}
		rec.PipelineBarrier(AccelerationStructureBarrier())
		return rec.BuildAccelerationStructures(tlas.buildInfo(BuildModeBuild))
	})
	if !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("build = %v, want ErrInvalidAddress", err)
	}
}

func TestBuild_ManyBottomLevelConcurrently(t *testing.T) {
	d := newTestDevice(t)
	const n = 24
	all := make([]testBLAS, n)
	for i := range all {
		off := float32(i)
		all[i] = newTestBLAS(t, d, fmt.Sprintf("blas %d", i),
			[]mgl32.Vec3{{off, 0, 0}, {off + 1, 0, 0}, {off, 1, 0}, {off, 0, 1}, {off + 1, 0, 1}, {off, 1, 1}}, nil)
	}

	err := d.ImmediateCommands("scene", func(rec CommandRecorder) error {
		for _, b := range all {
			if err := rec.BuildAccelerationStructures(b.buildInfo()); err != nil {
				return err
			}
			rec.PipelineBarrier(AccelerationStructureBarrier())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range all {
		want := common.AABB{Min: mgl32.Vec3{float32(i), 0, 0}, Max: mgl32.Vec3{float32(i) + 1, 1, 1}}
		if got := b.as.Bounds(); !got.ApproxEqual(want) {
			t.Fatalf("blas %d Bounds = %+v, want %+v", i, got, want)
		}
	}
}

func TestBVH_RefitKeepsTopology(t *testing.T) {
	bounds := make([]common.AABB, 7)
	for i := range bounds {
		p := mgl32.Vec3{float32(i), 0, 0}
		bounds[i] = common.AABB{Min: p, Max: p.Add(mgl32.Vec3{1, 1, 1})}
	}
	tree := buildBVH(bounds)
	if len(tree.nodes) != 2*len(bounds)-1 {
		t.Fatalf("nodes = %d, want %d", len(tree.nodes), 2*len(bounds)-1)
	}

	moved := make([]common.AABB, len(bounds))
	for i, b := range bounds {
		moved[i] = b.Transform(mgl32.Translate3D(0, 10, 0))
	}
	refit := tree.refit(moved)
	for i := range tree.nodes {
		if tree.nodes[i].secondChild != refit.nodes[i].secondChild || tree.nodes[i].primitive != refit.nodes[i].primitive {
			t.Fatalf("node %d topology changed", i)
		}
	}
	want := common.AABB{Min: mgl32.Vec3{0, 10, 0}, Max: mgl32.Vec3{7, 11, 1}}
	if got := refit.root(); !got.ApproxEqual(want) {
		t.Fatalf("root = %+v, want %+v", got, want)
	}
	if got := tree.root(); got.ApproxEqual(want) {
		t.Fatal("refit mutated the source tree")
	}
}
