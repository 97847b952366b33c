package shader_binding_table

import "errors"

var (
	// ErrNotGenerated is returned when a table is dispatched before Generate succeeds.
	ErrNotGenerated = errors.New("shader_binding_table: table has not been generated")
	// ErrPipelineNotCompiled is returned when Generate is given a pipeline with no device pipeline.
	ErrPipelineNotCompiled = errors.New("shader_binding_table: pipeline has not been compiled")
	// ErrGroupIndexOutOfRange is returned when a region names a group the pipeline does not have.
	ErrGroupIndexOutOfRange = errors.New("shader_binding_table: shader group index out of range")
	// ErrDestroyed is returned when using a destroyed table.
	ErrDestroyed = errors.New("shader_binding_table: table has been destroyed")
)
