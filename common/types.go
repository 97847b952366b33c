// package common contains common types that are used throughout this engine. They are not interface-wrapped structs, just plain structs that express
// commonly used data-types.
package common

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Extent3D is the dimensions of a ray dispatch grid.
type Extent3D struct {
	Width, Height, Depth uint32
}

// Invocations returns the total number of ray generation invocations the extent launches.
func (e Extent3D) Invocations() uint64 {
	return uint64(e.Width) * uint64(e.Height) * uint64(e.Depth)
}

// AABB is an axis-aligned bounding box. The zero value is not empty; use EmptyAABB to start a union.
type AABB struct {
	Min, Max mgl32.Vec3
}

// EmptyAABB returns an inverted box that acts as the identity for Union.
//
// Returns:
//   - AABB: a box with Min at +inf and Max at -inf
func EmptyAABB() AABB {
	inf := float32(math.Inf(1))
	return AABB{
		Min: mgl32.Vec3{inf, inf, inf},
		Max: mgl32.Vec3{-inf, -inf, -inf},
	}
}

// Empty reports whether the box contains no points.
func (b AABB) Empty() bool {
	return b.Min[0] > b.Max[0] || b.Min[1] > b.Max[1] || b.Min[2] > b.Max[2]
}

// Extend grows the box to contain p.
func (b AABB) Extend(p mgl32.Vec3) AABB {
	for i := range 3 {
		b.Min[i] = min(b.Min[i], p[i])
		b.Max[i] = max(b.Max[i], p[i])
	}
	return b
}

// Union returns the smallest box containing both b and o.
//
// Parameters:
//   - o: the other box
//
// Returns:
//   - AABB: the combined bounds
func (b AABB) Union(o AABB) AABB {
	if o.Empty() {
		return b
	}
	if b.Empty() {
		return o
	}
	return b.Extend(o.Min).Extend(o.Max)
}

// Centroid returns the center point of the box.
func (b AABB) Centroid() mgl32.Vec3 {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Transform returns the bounds of the eight corners of b transformed by m.
// An empty box stays empty.
//
// Parameters:
//   - m: the affine transform to apply
//
// Returns:
//   - AABB: the axis-aligned bounds of the transformed box
func (b AABB) Transform(m mgl32.Mat4) AABB {
	if b.Empty() {
		return b
	}
	out := EmptyAABB()
	for i := range 8 {
		corner := mgl32.Vec3{b.Min[0], b.Min[1], b.Min[2]}
		if i&1 != 0 {
			corner[0] = b.Max[0]
		}
		if i&2 != 0 {
			corner[1] = b.Max[1]
		}
		if i&4 != 0 {
			corner[2] = b.Max[2]
		}
		out = out.Extend(TransformPoint(m, corner))
	}
	return out
}

// aabbTolerance is the relative tolerance of ApproxEqual, applied absolutely below magnitude 1.
const aabbTolerance = 1e-5

// ApproxEqual reports whether every corner component of b and o differs by at most 1e-5,
// scaled by the component magnitude when it exceeds 1.
func (b AABB) ApproxEqual(o AABB) bool {
	near := func(x, y float32) bool {
		if x == y {
			return true
		}
		scale := max(1, abs32(x), abs32(y))
		return abs32(x-y) <= aabbTolerance*scale
	}
	for i := range 3 {
		if !near(b.Min[i], o.Min[i]) || !near(b.Max[i], o.Max[i]) {
			return false
		}
	}
	return true
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
