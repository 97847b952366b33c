package scene

import "errors"

var (
	// ErrEmptyScene is returned when a scene has no primitives to build.
	ErrEmptyScene = errors.New("scene: no primitives")
	// ErrBlasIndexOutOfRange is returned when a transform targets a BLAS the scene does not have.
	ErrBlasIndexOutOfRange = errors.New("scene: BLAS index out of range")
	// ErrDestroyed is returned when using a destroyed scene description.
	ErrDestroyed = errors.New("scene: scene description has been destroyed")
)
