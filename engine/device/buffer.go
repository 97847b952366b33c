package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// DeviceAddress is a 64-bit GPU virtual address. Zero is the null address.
type DeviceAddress uint64

// BufferUsage is a bit set describing how a buffer will be used.
type BufferUsage uint32

const (
	// BufferUsageTransferSrc allows the buffer to be the source of a copy.
	BufferUsageTransferSrc BufferUsage = 1 << iota
	// BufferUsageTransferDst allows the buffer to be the destination of a copy.
	BufferUsageTransferDst
	// BufferUsageUniform allows the buffer to back a uniform binding.
	BufferUsageUniform
	// BufferUsageStorage allows the buffer to back a storage binding.
	BufferUsageStorage
	// BufferUsageIndex allows the buffer to hold index data.
	BufferUsageIndex
	// BufferUsageVertex allows the buffer to hold vertex data.
	BufferUsageVertex
	// BufferUsageShaderDeviceAddress allows shaders and builds to reference the buffer by device address.
	BufferUsageShaderDeviceAddress
	// BufferUsageAccelerationStructureStorage allows the buffer to back an acceleration structure.
	BufferUsageAccelerationStructureStorage
	// BufferUsageAccelerationStructureBuildInput allows the buffer to feed an acceleration structure build.
	BufferUsageAccelerationStructureBuildInput
	// BufferUsageShaderBindingTable allows the buffer to hold shader binding table records.
	BufferUsageShaderBindingTable
)

// Has reports whether every bit of f is set in u.
func (u BufferUsage) Has(f BufferUsage) bool {
	return u&f == f
}

// MemoryLocation selects the memory heap a buffer is allocated from.
type MemoryLocation int

const (
	// MemoryLocationGPUOnly is device-local memory that the host cannot map.
	MemoryLocationGPUOnly MemoryLocation = iota
	// MemoryLocationCPUToGPU is host-visible memory optimized for host writes.
	MemoryLocationCPUToGPU
	// MemoryLocationGPUToCPU is host-visible memory optimized for readback.
	MemoryLocationGPUToCPU
)

// HostVisible reports whether buffers in this location can be mapped.
func (l MemoryLocation) HostVisible() bool {
	return l == MemoryLocationCPUToGPU || l == MemoryLocationGPUToCPU
}

func (l MemoryLocation) String() string {
	switch l {
	case MemoryLocationGPUOnly:
		return "gpu-only"
	case MemoryLocationCPUToGPU:
		return "cpu-to-gpu"
	case MemoryLocationGPUToCPU:
		return "gpu-to-cpu"
	}
	return fmt.Sprintf("MemoryLocation(%d)", int(l))
}

// BufferInfo describes a buffer to create. Size must be a multiple of ElementCount so every
// buffer has a well-defined element size.
type BufferInfo struct {
	Label        string
	Size         uint64
	ElementCount uint32
	Usage        BufferUsage
	Location     MemoryLocation
}

// NewBufferInfo builds and validates a BufferInfo.
//
// Parameters:
//   - label: debug name of the buffer
//   - size: total size in bytes
//   - elementCount: number of elements the buffer holds
//   - usage: usage bit set
//   - location: memory heap
//
// Returns:
//   - BufferInfo: the description
//   - error: wrapped ErrInvalidBufferInfo if any field is invalid
func NewBufferInfo(label string, size uint64, elementCount uint32, usage BufferUsage, location MemoryLocation) (BufferInfo, error) {
	info := BufferInfo{
		Label:        label,
		Size:         size,
		ElementCount: elementCount,
		Usage:        usage,
		Location:     location,
	}
	return info, info.Validate()
}

// Validate checks the description.
//
// Returns:
//   - error: wrapped ErrInvalidBufferInfo naming the first invalid field, or nil
func (i BufferInfo) Validate() error {
	switch {
	case i.Label == "":
		return fmt.Errorf("%w: label is required", ErrInvalidBufferInfo)
	case i.Size == 0:
		return fmt.Errorf("%w: %q has zero size", ErrInvalidBufferInfo, i.Label)
	case i.ElementCount == 0:
		return fmt.Errorf("%w: %q has zero element count", ErrInvalidBufferInfo, i.Label)
	case i.Size%uint64(i.ElementCount) != 0:
		return fmt.Errorf("%w: %q size %d is not a multiple of element count %d", ErrInvalidBufferInfo, i.Label, i.Size, i.ElementCount)
	case i.Usage == 0:
		return fmt.Errorf("%w: %q has no usage", ErrInvalidBufferInfo, i.Label)
	case i.Location < MemoryLocationGPUOnly || i.Location > MemoryLocationGPUToCPU:
		return fmt.Errorf("%w: %q has unknown memory location %d", ErrInvalidBufferInfo, i.Label, int(i.Location))
	}
	return nil
}

// Buffer is a device buffer with a stable device address.
type Buffer interface {
	// Label returns the debug name of the buffer.
	Label() string

	// Size returns the buffer size in bytes.
	Size() uint64

	// ElementCount returns the number of elements the buffer was created for.
	ElementCount() uint32

	// ElementSize returns Size divided by ElementCount.
	ElementSize() uint64

	// Usage returns the usage bit set.
	Usage() BufferUsage

	// Location returns the memory heap the buffer lives in.
	Location() MemoryLocation

	// DeviceAddress returns the device address of the first byte of the buffer.
	DeviceAddress() DeviceAddress

	// MapWrite maps the buffer for host writes for the duration of fn.
	// The WriteView handed to fn is invalid once fn returns.
	//
	// Parameters:
	//   - fn: callback that writes through the view
	//
	// Returns:
	//   - error: ErrNotHostVisible for GPU-only buffers, or the error returned by fn
	MapWrite(fn func(w *WriteView) error) error

	// Upload writes data at offset. Host-visible buffers are written directly; GPU-only buffers
	// are written through a temporary staging buffer and an immediate copy.
	//
	// Parameters:
	//   - offset: destination byte offset
	//   - data: bytes to write
	//
	// Returns:
	//   - error: ErrOutOfBounds if the write does not fit, or a staging failure
	Upload(offset uint64, data []byte) error

	// Read returns a copy of size bytes starting at offset.
	//
	// Parameters:
	//   - offset: source byte offset
	//   - size: number of bytes to copy
	//
	// Returns:
	//   - []byte: the copied bytes
	//   - error: ErrOutOfBounds or ErrResourceDestroyed
	Read(offset, size uint64) ([]byte, error)

	// Region returns a read-only view of [offset, offset+size).
	//
	// Parameters:
	//   - offset: first byte of the view
	//   - size: length of the view in bytes
	//
	// Returns:
	//   - BufferRegion: the view
	//   - error: ErrOutOfBounds if the range leaves the buffer
	Region(offset, size uint64) (BufferRegion, error)

	// WholeRegion returns a view of the entire buffer.
	WholeRegion() BufferRegion

	// Destroy releases the buffer memory. Further use fails with ErrResourceDestroyed.
	Destroy()

	// Destroyed reports whether Destroy has been called.
	Destroyed() bool
}

// buffer is the implementation of the Buffer interface.
type buffer struct {
	dev      *device
	info     BufferInfo
	address  DeviceAddress
	reserved uint64
	data     []byte

	// backend holds the residency backend object mirroring this buffer, nil on the host backend
	backend any

	mu        sync.Mutex
	destroyed bool
}

var _ Buffer = &buffer{}

func (b *buffer) Label() string                { return b.info.Label }
func (b *buffer) Size() uint64                 { return b.info.Size }
func (b *buffer) ElementCount() uint32         { return b.info.ElementCount }
func (b *buffer) ElementSize() uint64          { return b.info.Size / uint64(b.info.ElementCount) }
func (b *buffer) Usage() BufferUsage           { return b.info.Usage }
func (b *buffer) Location() MemoryLocation     { return b.info.Location }
func (b *buffer) DeviceAddress() DeviceAddress { return b.address }

func (b *buffer) Destroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

func (b *buffer) checkRange(offset, size uint64) error {
	if offset > b.info.Size || size > b.info.Size-offset {
		return fmt.Errorf("%w: [%d, %d) in %q of size %d", ErrOutOfBounds, offset, offset+size, b.info.Label, b.info.Size)
	}
	return nil
}

func (b *buffer) MapWrite(fn func(w *WriteView) error) error {
	if b.Destroyed() {
		return fmt.Errorf("map %q: %w", b.info.Label, ErrResourceDestroyed)
	}
	if !b.info.Location.HostVisible() {
		return fmt.Errorf("map %q: %w", b.info.Label, ErrNotHostVisible)
	}
	w := &WriteView{data: b.data, lo: math.MaxUint64}
	err := fn(w)
	lo, hi := w.lo, w.hi
	w.data = nil
	if hi > lo {
		b.dev.flush(b, lo, hi-lo)
	}
	if err != nil {
		return fmt.Errorf("map %q: %w", b.info.Label, err)
	}
	return nil
}

func (b *buffer) Upload(offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := b.checkRange(offset, uint64(len(data))); err != nil {
		return err
	}
	if b.info.Location.HostVisible() {
		return b.MapWrite(func(w *WriteView) error {
			_, err := w.WriteAt(data, int64(offset))
			return err
		})
	}
	return b.dev.stagedUpload(b, offset, data)
}

func (b *buffer) Read(offset, size uint64) ([]byte, error) {
	if b.Destroyed() {
		return nil, fmt.Errorf("read %q: %w", b.info.Label, ErrResourceDestroyed)
	}
	if err := b.checkRange(offset, size); err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, b.data[offset:offset+size])
	return out, nil
}

func (b *buffer) Region(offset, size uint64) (BufferRegion, error) {
	if err := b.checkRange(offset, size); err != nil {
		return BufferRegion{}, err
	}
	return BufferRegion{Buffer: b, Offset: offset, Range: size}, nil
}

func (b *buffer) WholeRegion() BufferRegion {
	return BufferRegion{Buffer: b, Offset: 0, Range: b.info.Size}
}

func (b *buffer) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	b.mu.Unlock()
	b.dev.releaseBuffer(b)
}

// WriteView is a bounds-checked window onto mapped buffer memory, valid only inside MapWrite.
// It implements io.WriterAt.
type WriteView struct {
	data   []byte
	lo, hi uint64
}

// Len returns the mapped size in bytes, or zero once the mapping scope has ended.
func (w *WriteView) Len() int {
	return len(w.data)
}

func (w *WriteView) span(off, n uint64) ([]byte, error) {
	if w.data == nil {
		return nil, ErrMappingClosed
	}
	size := uint64(len(w.data))
	if off > size || n > size-off {
		return nil, fmt.Errorf("%w: write [%d, %d) into mapping of %d bytes", ErrOutOfBounds, off, off+n, size)
	}
	w.lo = min(w.lo, off)
	w.hi = max(w.hi, off+n)
	return w.data[off : off+n], nil
}

// WriteAt copies p into the mapping at off.
//
// Parameters:
//   - p: bytes to write
//   - off: destination byte offset
//
// Returns:
//   - int: bytes written, len(p) on success and zero on failure
//   - error: ErrOutOfBounds, ErrMappingClosed, or nil
func (w *WriteView) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfBounds, off)
	}
	dst, err := w.span(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}

// PutUint32 writes v little-endian at off.
func (w *WriteView) PutUint32(off uint64, v uint32) error {
	dst, err := w.span(off, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(dst, v)
	return nil
}

// PutUint64 writes v little-endian at off.
func (w *WriteView) PutUint64(off uint64, v uint64) error {
	dst, err := w.span(off, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(dst, v)
	return nil
}

// Zero clears n bytes starting at off.
func (w *WriteView) Zero(off, n uint64) error {
	dst, err := w.span(off, n)
	if err != nil {
		return err
	}
	clear(dst)
	return nil
}

// BufferRegion is a read-only view onto part of a buffer. The zero value is the empty region.
type BufferRegion struct {
	Buffer Buffer
	Offset uint64
	Range  uint64
}

// Empty reports whether the region references no memory.
func (r BufferRegion) Empty() bool {
	return r.Buffer == nil || r.Range == 0
}

// DeviceAddress returns the address of the first byte of the region, or zero for an empty region.
func (r BufferRegion) DeviceAddress() DeviceAddress {
	if r.Empty() {
		return 0
	}
	return r.Buffer.DeviceAddress() + DeviceAddress(r.Offset)
}

// StridedRegion describes a shader binding table region as passed to a ray dispatch.
// The zero value is the empty region.
type StridedRegion struct {
	Address DeviceAddress
	Stride  uint64
	Size    uint64
}

// Empty reports whether the region holds no records.
func (r StridedRegion) Empty() bool {
	return r.Address == 0 && r.Size == 0
}

// RecordCount returns Size divided by Stride, or zero for an empty region.
func (r StridedRegion) RecordCount() uint64 {
	if r.Stride == 0 {
		return 0
	}
	return r.Size / r.Stride
}

// Record returns the address of record i.
func (r StridedRegion) Record(i uint64) DeviceAddress {
	return r.Address + DeviceAddress(i*r.Stride)
}
