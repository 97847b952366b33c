package device

import "fmt"

// BackendType selects where buffer memory is made resident.
type BackendType int

const (
	// BackendTypeHost keeps all memory in host RAM and executes builds on the CPU worker pool.
	// It is the reference backend and the one tests run against.
	BackendTypeHost BackendType = iota

	// BackendTypeWGPU additionally mirrors every buffer into a WebGPU buffer so serialized
	// structures, instance records and shader binding tables are resident for compute traversal.
	BackendTypeWGPU
)

func (b BackendType) String() string {
	switch b {
	case BackendTypeHost:
		return "host"
	case BackendTypeWGPU:
		return "wgpu"
	}
	return fmt.Sprintf("BackendType(%d)", int(b))
}

// residency mirrors device buffers into a GPU API. Host memory stays authoritative; the
// residency receives every allocation, every written byte range and every release.
type residency interface {
	// allocate creates the GPU object backing b and stores it in b.backend.
	allocate(b *buffer) error

	// flush copies b.data[offset:offset+size] to the GPU object.
	flush(b *buffer, offset, size uint64)

	// readback copies the GPU object backing b to host memory and returns its first
	// b.info.Size bytes.
	readback(b *buffer) ([]byte, error)

	// release destroys the GPU object backing b.
	release(b *buffer)

	// destroy tears down the GPU device.
	destroy()
}

func newResidency(backend BackendType, label string, forceFallbackAdapter bool) (residency, error) {
	switch backend {
	case BackendTypeHost:
		return nil, nil
	case BackendTypeWGPU:
		w, err := newWGPUResidency(label, forceFallbackAdapter)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	return nil, fmt.Errorf("device: unknown backend %v", backend)
}
