package acceleration

import "errors"

var (
	// ErrInvalidGeometry is returned when a GeometryInstance cannot describe a triangle mesh.
	ErrInvalidGeometry = errors.New("acceleration: invalid geometry")
	// ErrNoInstances is returned when a top-level structure is requested over zero BLAS.
	ErrNoInstances = errors.New("acceleration: top-level structure needs at least one instance")
	// ErrNotBuilt is returned when refitting a top-level structure that has no recorded build.
	ErrNotBuilt = errors.New("acceleration: structure has not been built")
	// ErrInstanceCountMismatch is returned when a refit changes the number of instances.
	ErrInstanceCountMismatch = errors.New("acceleration: refit changes the instance count")
	// ErrDestroyed is returned when using a destroyed BLAS or TLAS.
	ErrDestroyed = errors.New("acceleration: structure has been destroyed")
)
