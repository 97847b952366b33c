package device

import (
	"fmt"
	"sync"

	"github.com/Carmen-Shannon/oxy-rt/common"
)

// AccelerationStructureType distinguishes bottom-level (geometry) from top-level (instance) structures.
type AccelerationStructureType int

const (
	// AccelerationStructureTypeBottomLevel holds triangle geometry.
	AccelerationStructureTypeBottomLevel AccelerationStructureType = iota
	// AccelerationStructureTypeTopLevel holds instances of bottom-level structures.
	AccelerationStructureTypeTopLevel
)

func (t AccelerationStructureType) String() string {
	switch t {
	case AccelerationStructureTypeBottomLevel:
		return "bottom-level"
	case AccelerationStructureTypeTopLevel:
		return "top-level"
	}
	return fmt.Sprintf("AccelerationStructureType(%d)", int(t))
}

// BuildFlags tune how a structure is built.
type BuildFlags uint32

const (
	// BuildFlagAllowUpdate permits later refits in BuildModeUpdate.
	BuildFlagAllowUpdate BuildFlags = 1 << iota
	// BuildFlagAllowCompaction permits compacting copies.
	BuildFlagAllowCompaction
	// BuildFlagPreferFastTrace favors traversal speed over build time.
	BuildFlagPreferFastTrace
	// BuildFlagPreferFastBuild favors build time over traversal speed.
	BuildFlagPreferFastBuild
	// BuildFlagLowMemory minimizes scratch and result sizes.
	BuildFlagLowMemory
)

// GeometryFlags are per-geometry build flags.
type GeometryFlags uint32

const (
	// GeometryFlagOpaque skips any-hit shaders for the geometry.
	GeometryFlagOpaque GeometryFlags = 1 << iota
	// GeometryFlagNoDuplicateAnyHitInvocation guarantees a single any-hit call per primitive.
	GeometryFlagNoDuplicateAnyHitInvocation
)

// VertexFormat is the layout of a vertex position inside a vertex record.
type VertexFormat int

const (
	// VertexFormatR32G32B32Sfloat is three little-endian float32 components.
	VertexFormatR32G32B32Sfloat VertexFormat = iota
)

// IndexType is the width of index data, or none for non-indexed geometry.
type IndexType int

const (
	// IndexTypeNone marks non-indexed geometry.
	IndexTypeNone IndexType = iota
	// IndexTypeUint32 is 32-bit little-endian indices.
	IndexTypeUint32
)

// BuildMode selects a full build or an in-place refit.
type BuildMode int

const (
	// BuildModeBuild constructs the structure from scratch.
	BuildModeBuild BuildMode = iota
	// BuildModeUpdate refits a previously built structure without changing its topology.
	BuildModeUpdate
)

// TriangleGeometry describes one triangle mesh feeding a bottom-level build.
// Vertex i lives at VertexData + (FirstVertex+i)*VertexStride. For indexed geometry, triangle t
// reads three indices at IndexData + IndexOffset + t*12; otherwise it reads vertices 3t..3t+2.
type TriangleGeometry struct {
	VertexFormat   VertexFormat
	VertexData     DeviceAddress
	VertexStride   uint64
	VertexCount    uint32
	FirstVertex    uint32
	IndexType      IndexType
	IndexData      DeviceAddress
	IndexOffset    uint64
	PrimitiveCount uint32
	Flags          GeometryFlags
}

func (g TriangleGeometry) validate(i int) error {
	switch {
	case g.VertexFormat != VertexFormatR32G32B32Sfloat:
		return fmt.Errorf("%w: geometry %d has unsupported vertex format %d", ErrInvalidBuildInput, i, g.VertexFormat)
	case g.VertexData == 0:
		return fmt.Errorf("%w: geometry %d has no vertex data", ErrInvalidBuildInput, i)
	case g.VertexStride < 12:
		return fmt.Errorf("%w: geometry %d vertex stride %d is smaller than a position", ErrInvalidBuildInput, i, g.VertexStride)
	case g.VertexCount == 0:
		return fmt.Errorf("%w: geometry %d has no vertices", ErrInvalidBuildInput, i)
	case g.PrimitiveCount == 0:
		return fmt.Errorf("%w: geometry %d has no primitives", ErrInvalidBuildInput, i)
	case g.IndexType == IndexTypeUint32 && g.IndexData == 0:
		return fmt.Errorf("%w: geometry %d declares indices without index data", ErrInvalidBuildInput, i)
	case g.IndexType == IndexTypeNone && uint64(g.PrimitiveCount)*3 > uint64(g.VertexCount):
		return fmt.Errorf("%w: geometry %d needs %d vertices, has %d", ErrInvalidBuildInput, i, uint64(g.PrimitiveCount)*3, g.VertexCount)
	}
	return nil
}

// InstanceGeometry points a top-level build at an array of packed InstanceDescriptor records.
type InstanceGeometry struct {
	Data  DeviceAddress
	Count uint32
}

// BuildInfo describes one acceleration structure build or refit.
type BuildInfo struct {
	Type  AccelerationStructureType
	Flags BuildFlags
	Mode  BuildMode
	// Src is the structure refitted in BuildModeUpdate; it must be nil in BuildModeBuild.
	Src AccelerationStructure
	Dst AccelerationStructure
	// Triangles is used by bottom-level builds.
	Triangles []TriangleGeometry
	// Instances is used by top-level builds.
	Instances   InstanceGeometry
	ScratchData DeviceAddress
}

// PrimitiveCount returns the number of triangles or instances the build consumes.
func (b BuildInfo) PrimitiveCount() uint64 {
	if b.Type == AccelerationStructureTypeTopLevel {
		return uint64(b.Instances.Count)
	}
	var n uint64
	for _, g := range b.Triangles {
		n += uint64(g.PrimitiveCount)
	}
	return n
}

// BuildSizes is the result of a size query.
type BuildSizes struct {
	AccelerationStructureSize uint64
	BuildScratchSize          uint64
	UpdateScratchSize         uint64
}

// AccelerationStructureInfo places a new structure inside a backing buffer.
type AccelerationStructureInfo struct {
	Label  string
	Type   AccelerationStructureType
	Buffer Buffer
	Offset uint64
	Size   uint64
}

// AccelerationStructure is an opaque device object built from geometry or instances.
type AccelerationStructure interface {
	// Label returns the debug name.
	Label() string

	// Handle returns the opaque identity of the structure. It never changes for the life of the object.
	Handle() uint64

	// Type returns bottom-level or top-level.
	Type() AccelerationStructureType

	// DeviceAddress returns the address instances use to reference this structure.
	DeviceAddress() DeviceAddress

	// Buffer returns the backing buffer.
	Buffer() Buffer

	// Size returns the number of bytes reserved in the backing buffer.
	Size() uint64

	// Built reports whether a build has completed.
	Built() bool

	// BuildFlags returns the flags of the last full build.
	BuildFlags() BuildFlags

	// PrimitiveCount returns the number of triangles or instances of the last build.
	PrimitiveCount() uint32

	// Bounds returns the world-space bounds of the root node.
	Bounds() common.AABB

	// UpdateCount returns the number of refits since the last full build.
	UpdateCount() int

	// Destroy releases the structure. The backing buffer is owned by the caller.
	Destroy()

	// Destroyed reports whether Destroy has been called.
	Destroyed() bool
}

// accelerationStructure is the implementation of the AccelerationStructure interface.
type accelerationStructure struct {
	dev    *device
	label  string
	handle uint64
	typ    AccelerationStructureType
	buf    *buffer
	offset uint64
	size   uint64

	mu        sync.RWMutex
	built     bool
	flags     BuildFlags
	tree      *bvh
	instances []InstanceDescriptor
	updates   int
	destroyed bool
}

var _ AccelerationStructure = &accelerationStructure{}

func (a *accelerationStructure) Label() string                   { return a.label }
func (a *accelerationStructure) Handle() uint64                  { return a.handle }
func (a *accelerationStructure) Type() AccelerationStructureType { return a.typ }
func (a *accelerationStructure) Buffer() Buffer                  { return a.buf }
func (a *accelerationStructure) Size() uint64                    { return a.size }

func (a *accelerationStructure) DeviceAddress() DeviceAddress {
	return a.buf.address + DeviceAddress(a.offset)
}

func (a *accelerationStructure) Built() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.built
}

func (a *accelerationStructure) BuildFlags() BuildFlags {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.flags
}

func (a *accelerationStructure) PrimitiveCount() uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.tree == nil {
		return 0
	}
	return uint32(a.tree.leaves)
}

func (a *accelerationStructure) Bounds() common.AABB {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.tree == nil {
		return common.EmptyAABB()
	}
	return a.tree.root()
}

func (a *accelerationStructure) UpdateCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.updates
}

func (a *accelerationStructure) Destroyed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.destroyed
}

func (a *accelerationStructure) Destroy() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	a.tree = nil
	a.instances = nil
	a.mu.Unlock()
	a.dev.releaseStructure(a)
}

// store installs a freshly built or refitted tree and serializes it into the backing buffer.
func (a *accelerationStructure) store(tree *bvh, instances []InstanceDescriptor, flags BuildFlags, update bool) {
	a.mu.Lock()
	a.tree = tree
	a.instances = instances
	a.built = true
	if update {
		a.updates++
	} else {
		a.flags = flags
		a.updates = 0
	}
	image := tree.marshal(a.typ, instances)
	a.mu.Unlock()

	n := min(uint64(len(image)), a.size)
	copy(a.buf.data[a.offset:a.offset+n], image[:n])
	a.dev.flush(a.buf, a.offset, n)
}

// structureSizes is the host layout: a header, 2n-1 nodes and, for top-level structures, a copy of
// every instance record.
func structureSizes(typ AccelerationStructureType, flags BuildFlags, primitives uint64) BuildSizes {
	nodes := max(2*primitives, 2) - 1
	size := bvhHeaderSize + nodes*bvhNodeSize
	if typ == AccelerationStructureTypeTopLevel {
		size += primitives * InstanceDescriptorSize
	}
	sizes := BuildSizes{
		AccelerationStructureSize: common.AlignUp(size, 256),
		BuildScratchSize:          common.AlignUp(primitives*bvhScratchPerPrimitive+bvhNodeSize, 128),
	}
	if flags&BuildFlagAllowUpdate != 0 {
		sizes.UpdateScratchSize = common.AlignUp(nodes*bvhNodeSize, 128)
	}
	return sizes
}
