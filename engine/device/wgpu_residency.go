package device

import (
	"fmt"
	"sync"

	"github.com/Carmen-Shannon/oxy-rt/common"
	"github.com/cogentcore/webgpu/wgpu"
)

// wgpuResidency mirrors buffers into WebGPU storage buffers through queue writes.
type wgpuResidency struct {
	mu       sync.Mutex
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
}

var _ residency = &wgpuResidency{}

func newWGPUResidency(label string, forceFallbackAdapter bool) (*wgpuResidency, error) {
	w := &wgpuResidency{
		instance: wgpu.CreateInstance(nil),
	}

	a, err := w.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		ForceFallbackAdapter: forceFallbackAdapter,
	})
	if err != nil {
		w.instance.Release()
		return nil, fmt.Errorf("device: request adapter: %w", err)
	}
	w.adapter = a

	limits := wgpu.DefaultLimits()
	d, err := a.RequestDevice(&wgpu.DeviceDescriptor{
		Label: label,
		RequiredLimits: &wgpu.RequiredLimits{
			Limits: limits,
		},
	})
	if err != nil {
		w.adapter.Release()
		w.instance.Release()
		return nil, fmt.Errorf("device: request device: %w", err)
	}
	w.device = d
	w.queue = d.GetQueue()
	return w, nil
}

// wgpuUsage maps engine usage bits onto WebGPU usage. Ray tracing specific usages become storage
// so compute shaders can read them. CopyDst and CopySrc are always set for queue writes and
// readback.
func wgpuUsage(u BufferUsage) wgpu.BufferUsage {
	out := wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc
	if u.Has(BufferUsageUniform) {
		out |= wgpu.BufferUsageUniform
	}
	if u.Has(BufferUsageVertex) {
		out |= wgpu.BufferUsageVertex
	}
	if u.Has(BufferUsageIndex) {
		out |= wgpu.BufferUsageIndex
	}
	storage := BufferUsageStorage | BufferUsageShaderDeviceAddress | BufferUsageAccelerationStructureStorage |
		BufferUsageAccelerationStructureBuildInput | BufferUsageShaderBindingTable
	if u&storage != 0 {
		out |= wgpu.BufferUsageStorage
	}
	return out
}

func (w *wgpuResidency) allocate(b *buffer) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf, err := w.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label:            b.info.Label,
		Size:             common.AlignUp(b.info.Size, 4),
		Usage:            wgpuUsage(b.info.Usage),
		MappedAtCreation: false,
	})
	if err != nil {
		return fmt.Errorf("device: create wgpu buffer %q: %w", b.info.Label, err)
	}
	b.backend = buf
	return nil
}

// flush widens the range to 4-byte alignment as queue writes require; bytes past the end of
// host memory are written as zero.
func (w *wgpuResidency) flush(b *buffer, offset, size uint64) {
	buf, ok := b.backend.(*wgpu.Buffer)
	if !ok || size == 0 {
		return
	}
	start := offset &^ 3
	end := common.AlignUp(offset+size, 4)
	data := make([]byte, end-start)
	copy(data, b.data[start:min(end, uint64(len(b.data)))])

	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue.WriteBuffer(buf, start, data)
}

func (w *wgpuResidency) readback(b *buffer) ([]byte, error) {
	buf, ok := b.backend.(*wgpu.Buffer)
	if !ok {
		return nil, fmt.Errorf("device: buffer %q has no wgpu mirror", b.info.Label)
	}
	size := buf.GetSize()

	w.mu.Lock()
	defer w.mu.Unlock()
	staging, err := w.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: b.info.Label + " Readback",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("device: create readback buffer: %w", err)
	}
	defer staging.Release()

	encoder, err := w.device.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: b.info.Label + " Readback"})
	if err != nil {
		return nil, fmt.Errorf("device: create command encoder: %w", err)
	}
	defer encoder.Release()
	if err := encoder.CopyBufferToBuffer(buf, 0, staging, 0, size); err != nil {
		return nil, fmt.Errorf("device: copy %q: %w", b.info.Label, err)
	}
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("device: finish readback: %w", err)
	}
	defer cmd.Release()
	w.queue.Submit(cmd)

	status := wgpu.BufferMapAsyncStatusUnknown
	if err := staging.MapAsync(wgpu.MapModeRead, 0, size, func(s wgpu.BufferMapAsyncStatus) {
		status = s
	}); err != nil {
		return nil, fmt.Errorf("device: map readback: %w", err)
	}
	w.device.Poll(true, nil)
	if status != wgpu.BufferMapAsyncStatusSuccess {
		return nil, fmt.Errorf("device: map readback of %q: %v", b.info.Label, status)
	}

	out := make([]byte, b.info.Size)
	copy(out, staging.GetMappedRange(0, uint(size)))
	if err := staging.Unmap(); err != nil {
		return nil, fmt.Errorf("device: unmap readback: %w", err)
	}
	return out, nil
}

func (w *wgpuResidency) release(b *buffer) {
	buf, ok := b.backend.(*wgpu.Buffer)
	if !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	buf.Release()
	b.backend = nil
}

func (w *wgpuResidency) destroy() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue.Release()
	w.device.Release()
	w.adapter.Release()
	w.instance.Release()
}
