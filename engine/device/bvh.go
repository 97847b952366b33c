package device

import (
	"encoding/binary"
	"math"
	"slices"

	"github.com/Carmen-Shannon/oxy-rt/common"
	"github.com/go-gl/mathgl/mgl32"
)

const (
	bvhHeaderSize          = 64
	bvhNodeSize            = 32
	bvhScratchPerPrimitive = 40

	// bvhMagic tags serialized structures: "OXAS".
	bvhMagic uint32 = 0x5341584f

	bvhNoPrimitive = ^uint32(0)
)

// bvhNode is one node of a flattened depth-first hierarchy. The first child of an internal node
// is the next node in the slice; secondChild indexes the other one.
type bvhNode struct {
	bounds      common.AABB
	secondChild uint32
	primitive   uint32
}

func (n bvhNode) leaf() bool { return n.primitive != bvhNoPrimitive }

// bvh is a binary bounding volume hierarchy with one primitive per leaf.
type bvh struct {
	nodes  []bvhNode
	leaves int
}

// buildBVH splits primitives at the centroid median of the widest axis.
func buildBVH(bounds []common.AABB) *bvh {
	t := &bvh{leaves: len(bounds)}
	if len(bounds) == 0 {
		t.nodes = []bvhNode{{bounds: common.EmptyAABB(), primitive: bvhNoPrimitive}}
		return t
	}
	t.nodes = make([]bvhNode, 0, 2*len(bounds)-1)
	order := make([]int, len(bounds))
	for i := range order {
		order[i] = i
	}
	t.split(bounds, order)
	return t
}

func (t *bvh) split(bounds []common.AABB, order []int) common.AABB {
	idx := len(t.nodes)
	t.nodes = append(t.nodes, bvhNode{primitive: bvhNoPrimitive})

	if len(order) == 1 {
		t.nodes[idx].bounds = bounds[order[0]]
		t.nodes[idx].primitive = uint32(order[0])
		return bounds[order[0]]
	}

	centroids := common.EmptyAABB()
	for _, p := range order {
		centroids = centroids.Extend(bounds[p].Centroid())
	}
	extent := centroids.Max.Sub(centroids.Min)
	axis := 0
	if extent[1] > extent[axis] {
		axis = 1
	}
	if extent[2] > extent[axis] {
		axis = 2
	}
	slices.SortStableFunc(order, func(a, b int) int {
		ca, cb := bounds[a].Centroid()[axis], bounds[b].Centroid()[axis]
		switch {
		case ca < cb:
			return -1
		case ca > cb:
			return 1
		}
		return 0
	})

	mid := len(order) / 2
	left := t.split(bounds, order[:mid])
	t.nodes[idx].secondChild = uint32(len(t.nodes))
	right := t.split(bounds, order[mid:])
	t.nodes[idx].bounds = left.Union(right)
	return t.nodes[idx].bounds
}

// refit recomputes every node's bounds from new primitive bounds without changing topology.
// Children always follow their parent in the slice, so one reverse pass suffices.
func (t *bvh) refit(bounds []common.AABB) *bvh {
	out := &bvh{nodes: slices.Clone(t.nodes), leaves: t.leaves}
	for i := len(out.nodes) - 1; i >= 0; i-- {
		n := &out.nodes[i]
		if n.leaf() {
			n.bounds = bounds[n.primitive]
			continue
		}
		if t.leaves == 0 {
			continue
		}
		n.bounds = out.nodes[i+1].bounds.Union(out.nodes[n.secondChild].bounds)
	}
	return out
}

func (t *bvh) root() common.AABB {
	return t.nodes[0].bounds
}

// marshal serializes the hierarchy:
//
//	header (64 bytes): magic, type, leaf count, node count, root bounds (6 float32)
//	nodes (32 bytes each): min xyz, second child, max xyz, primitive (0xffffffff for internal nodes)
//	top-level only: the instance records in build order
func (t *bvh) marshal(typ AccelerationStructureType, instances []InstanceDescriptor) []byte {
	size := bvhHeaderSize + len(t.nodes)*bvhNodeSize + len(instances)*InstanceDescriptorSize
	buf := make([]byte, size)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], bvhMagic)
	le.PutUint32(buf[4:], uint32(typ))
	le.PutUint32(buf[8:], uint32(t.leaves))
	le.PutUint32(buf[12:], uint32(len(t.nodes)))
	putVec3(buf[16:], t.root().Min)
	putVec3(buf[28:], t.root().Max)

	off := bvhHeaderSize
	for _, n := range t.nodes {
		putVec3(buf[off:], n.bounds.Min)
		le.PutUint32(buf[off+12:], n.secondChild)
		putVec3(buf[off+16:], n.bounds.Max)
		le.PutUint32(buf[off+28:], n.primitive)
		off += bvhNodeSize
	}
	for i := range instances {
		instances[i].MarshalTo(buf[off:])
		off += InstanceDescriptorSize
	}
	return buf
}

func putVec3(dst []byte, v mgl32.Vec3) {
	for i := range 3 {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v[i]))
	}
}

func readVec3(src []byte) mgl32.Vec3 {
	var v mgl32.Vec3
	for i := range 3 {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return v
}
