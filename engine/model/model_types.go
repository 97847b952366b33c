package model

import "github.com/go-gl/mathgl/mgl32"

// BufferPart is a contiguous run of elements inside a mesh-wide buffer.
type BufferPart struct {
	// Offset is the index of the first element.
	Offset uint32

	// ElementCount is the number of elements.
	ElementCount uint32
}

// PrimitiveSection locates one primitive's data inside its mesh's shared buffers.
type PrimitiveSection struct {
	// Index is the primitive's position within its mesh.
	Index int

	// Vertices is the primitive's run of ModelVertex records in the mesh vertex buffer.
	Vertices BufferPart

	// Indices is the primitive's run of indices, nil for non-indexed primitives.
	// Index values are relative to Vertices.Offset.
	Indices *BufferPart

	// MaterialIndex references the scene materials (-1 for no material).
	MaterialIndex int
}

// Indexed reports whether the primitive draws through the index buffer.
func (p PrimitiveSection) Indexed() bool {
	return p.Indices != nil
}

// HasMaterial reports whether the primitive references a material.
func (p PrimitiveSection) HasMaterial() bool {
	return p.MaterialIndex >= 0
}

// Primitive is the CPU-side input of one primitive handed to NewMesh by a scene loader.
type Primitive struct {
	// Vertices are the primitive's vertices.
	Vertices []ModelVertex

	// Indices are the triangle indices local to Vertices, nil for non-indexed primitives.
	Indices []uint32

	// MaterialIndex references the scene materials (-1 for no material).
	MaterialIndex int
}

// Node is one entry of a scene's node hierarchy.
type Node struct {
	// Transform is the node's transform relative to its parent.
	Transform mgl32.Mat4

	// Mesh is the index of the mesh this node holds (-1 for none).
	Mesh int

	// Children are indices of the node's children.
	Children []int
}

// BakeMeshTransform returns the global transform of the first node, in depth-first order from the
// hierarchy roots, that holds meshIndex: the product of node transforms from the root down to
// that node. Nodes that are no other node's child are roots.
//
// Parameters:
//   - nodes: the scene node hierarchy
//   - meshIndex: the mesh to locate
//
// Returns:
//   - mgl32.Mat4: the baked transform, identity when no node holds the mesh
func BakeMeshTransform(nodes []Node, meshIndex int) mgl32.Mat4 {
	isChild := make([]bool, len(nodes))
	for _, n := range nodes {
		for _, c := range n.Children {
			if c >= 0 && c < len(nodes) {
				isChild[c] = true
			}
		}
	}

	visited := make([]bool, len(nodes))
	var find func(i int, parent mgl32.Mat4) (mgl32.Mat4, bool)
	find = func(i int, parent mgl32.Mat4) (mgl32.Mat4, bool) {
		if i < 0 || i >= len(nodes) || visited[i] {
			return mgl32.Mat4{}, false
		}
		visited[i] = true
		global := parent.Mul4(nodes[i].Transform)
		if nodes[i].Mesh == meshIndex {
			return global, true
		}
		for _, c := range nodes[i].Children {
			if m, ok := find(c, global); ok {
				return m, true
			}
		}
		return mgl32.Mat4{}, false
	}

	for i := range nodes {
		if isChild[i] {
			continue
		}
		if m, ok := find(i, mgl32.Ident4()); ok {
			return m
		}
	}
	return mgl32.Ident4()
}
