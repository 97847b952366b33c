package scene

import (
	"github.com/Carmen-Shannon/oxy-rt/common"
	"github.com/Carmen-Shannon/oxy-rt/engine/device"
)

// SceneDescriptionBuilderOption is a functional option for configuring a SceneDescription.
// Use the With* functions to create options.
type SceneDescriptionBuilderOption func(sd *sceneDescription)

// WithSceneLabel sets the debug name prefix of the structures and buffers.
// An empty label keeps the default "Scene".
//
// Parameters:
//   - label: the debug name
//
// Returns:
//   - SceneDescriptionBuilderOption: option function to apply
func WithSceneLabel(label string) SceneDescriptionBuilderOption {
	return func(sd *sceneDescription) {
		sd.label = common.Coalesce(label, sd.label)
	}
}

// WithOpaque sets whether every BLAS is built opaque. Defaults to true.
//
// Parameters:
//   - opaque: whether geometry is opaque
//
// Returns:
//   - SceneDescriptionBuilderOption: option function to apply
func WithOpaque(opaque bool) SceneDescriptionBuilderOption {
	return func(sd *sceneDescription) {
		sd.opaque = opaque
	}
}

// WithHitGroupIndex sets the hit group every instance uses. Defaults to 0.
//
// Parameters:
//   - index: the hit group record offset
//
// Returns:
//   - SceneDescriptionBuilderOption: option function to apply
func WithHitGroupIndex(index uint32) SceneDescriptionBuilderOption {
	return func(sd *sceneDescription) {
		sd.hitGroupIndex = index
	}
}

// WithMaterialBuffer sets the buffer of material records MaterialRegions point into.
// FromScene passes the scene's material buffer.
//
// Parameters:
//   - buf: the material buffer, or nil
//
// Returns:
//   - SceneDescriptionBuilderOption: option function to apply
func WithMaterialBuffer(buf device.Buffer) SceneDescriptionBuilderOption {
	return func(sd *sceneDescription) {
		sd.materialBuffer = buf
	}
}
