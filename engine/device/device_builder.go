package device

import "github.com/Carmen-Shannon/oxy-rt/common"

// DeviceBuilderOption is a functional option for configuring a Device.
// Use the With* functions to create options.
type DeviceBuilderOption func(d *device)

// WithLabel sets the debug name of the device. An empty label keeps the default "Device".
//
// Parameters:
//   - label: the device name
//
// Returns:
//   - DeviceBuilderOption: option function to apply
func WithLabel(label string) DeviceBuilderOption {
	return func(d *device) {
		d.label = common.Coalesce(label, d.label)
	}
}

// WithBackend selects the residency backend. Defaults to BackendTypeHost.
//
// Parameters:
//   - backend: the backend type
//
// Returns:
//   - DeviceBuilderOption: option function to apply
func WithBackend(backend BackendType) DeviceBuilderOption {
	return func(d *device) {
		d.backend = backend
	}
}

// WithRayTracingProperties overrides the ray tracing limits. NewDevice validates them.
//
// Parameters:
//   - props: the limits to report
//
// Returns:
//   - DeviceBuilderOption: option function to apply
func WithRayTracingProperties(props RayTracingProperties) DeviceBuilderOption {
	return func(d *device) {
		d.props = props
	}
}

// WithMemoryBudget caps the bytes of address space the device hands out. Zero means unlimited.
//
// Parameters:
//   - bytes: the budget
//
// Returns:
//   - DeviceBuilderOption: option function to apply
func WithMemoryBudget(bytes uint64) DeviceBuilderOption {
	return func(d *device) {
		d.budget = bytes
	}
}

// WithWorkers sets how many bottom-level builds may execute concurrently.
// Defaults to runtime.NumCPU()-1.
//
// Parameters:
//   - n: the number of build workers (minimum 1)
//
// Returns:
//   - DeviceBuilderOption: option function to apply
func WithWorkers(n int) DeviceBuilderOption {
	return func(d *device) {
		d.workers = max(n, 1)
	}
}

// WithForceFallbackAdapter requests a software adapter from the wgpu backend.
//
// Parameters:
//   - force: whether to force the fallback adapter
//
// Returns:
//   - DeviceBuilderOption: option function to apply
func WithForceFallbackAdapter(force bool) DeviceBuilderOption {
	return func(d *device) {
		d.forceFallbackAdapter = force
	}
}
