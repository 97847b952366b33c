package model

import "github.com/go-gl/mathgl/mgl32"

// MeshBuilderOption is a functional option used to configure a Mesh during construction.
type MeshBuilderOption func(*mesh)

// WithMeshName sets the mesh identifier, also used to label its buffers.
//
// Parameters:
//   - name: the mesh name
//
// Returns:
//   - MeshBuilderOption: a function that sets the mesh name
func WithMeshName(name string) MeshBuilderOption {
	return func(m *mesh) {
		m.name = name
	}
}

// WithMeshTransform sets the mesh's global transform. Defaults to identity.
// Loaders pass the result of BakeMeshTransform.
//
// Parameters:
//   - t: the baked transform
//
// Returns:
//   - MeshBuilderOption: a function that sets the mesh transform
func WithMeshTransform(t mgl32.Mat4) MeshBuilderOption {
	return func(m *mesh) {
		m.transform = t
	}
}

// SceneBuilderOption is a functional option used to configure a Scene during construction.
type SceneBuilderOption func(*scene)

// WithNodes attaches the node hierarchy the mesh transforms were baked from.
//
// Parameters:
//   - nodes: the node hierarchy
//
// Returns:
//   - SceneBuilderOption: a function that sets the scene nodes
func WithNodes(nodes []Node) SceneBuilderOption {
	return func(s *scene) {
		s.nodes = append([]Node(nil), nodes...)
	}
}
