package device

import "errors"

var (
	// ErrDeviceDestroyed is returned by any operation on a device after Destroy.
	ErrDeviceDestroyed = errors.New("device: device has been destroyed")
	// ErrResourcesOutstanding is returned by Destroy while buffers, structures or pipelines are still alive.
	ErrResourcesOutstanding = errors.New("device: resources outstanding at teardown")
	// ErrOutOfDeviceMemory is returned when an allocation would exceed the device memory budget.
	ErrOutOfDeviceMemory = errors.New("device: out of device memory")
	// ErrInvalidBufferInfo is returned for a malformed BufferInfo.
	ErrInvalidBufferInfo = errors.New("device: invalid buffer info")
	// ErrNotHostVisible is returned when mapping a GPU-only buffer.
	ErrNotHostVisible = errors.New("device: buffer memory is not host visible")
	// ErrOutOfBounds is returned for reads, writes and regions outside a buffer.
	ErrOutOfBounds = errors.New("device: access out of buffer bounds")
	// ErrMappingClosed is returned when a WriteView is used after its mapping scope ended.
	ErrMappingClosed = errors.New("device: write view used outside its mapping scope")
	// ErrInvalidAddress is returned when a device address does not resolve to a live resource.
	ErrInvalidAddress = errors.New("device: address does not resolve to a live resource")
	// ErrResourceDestroyed is returned when a destroyed buffer, structure or pipeline is used.
	ErrResourceDestroyed = errors.New("device: resource has been destroyed")
	// ErrForeignResource is returned when a resource created by another device is passed in.
	ErrForeignResource = errors.New("device: resource belongs to a different device")
	// ErrInvalidBuildInput is returned for malformed acceleration structure build inputs.
	ErrInvalidBuildInput = errors.New("device: invalid acceleration structure build input")
	// ErrScratchTooSmall is returned when the scratch region is smaller than the size query reported.
	ErrScratchTooSmall = errors.New("device: scratch buffer too small")
	// ErrBarrierHazard is returned when a build reads an acceleration structure written in the same barrier scope.
	ErrBarrierHazard = errors.New("device: acceleration structure read without an intervening barrier")
	// ErrRecorderClosed is returned when recording into, or submitting, an already submitted recorder.
	ErrRecorderClosed = errors.New("device: command recorder already submitted")
	// ErrFieldOverflow is returned when an instance id or shader binding table offset does not fit in 24 bits.
	ErrFieldOverflow = errors.New("device: value does not fit in a 24-bit field")
	// ErrInvalidPipeline is returned for malformed ray tracing pipeline descriptions.
	ErrInvalidPipeline = errors.New("device: invalid ray tracing pipeline")
	// ErrInvalidShaderBindingRegion is returned when a ray dispatch region violates alignment or range rules.
	ErrInvalidShaderBindingRegion = errors.New("device: invalid shader binding table region")
	// ErrStaleShaderBindingTable is returned when a dispatch region holds handles not produced by the dispatched pipeline.
	ErrStaleShaderBindingTable = errors.New("device: shader binding table does not match pipeline")
)
