package device

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Carmen-Shannon/oxy-rt/common"
)

// addressSpaceBase is the first address handed out; everything below it is unmapped so a
// zero or small garbage address never resolves.
const addressSpaceBase DeviceAddress = 0x10000

// memory is the device address space: a bump allocator over a 64-bit range plus an ordered
// index from address to live buffer. Addresses are never reused.
type memory struct {
	mu        sync.RWMutex
	next      DeviceAddress
	alignment uint64
	budget    uint64
	used      uint64
	peak      uint64
	live      []*buffer
}

func newMemory(budget, alignment uint64) *memory {
	return &memory{
		next:      addressSpaceBase,
		alignment: alignment,
		budget:    budget,
	}
}

// allocate reserves address space and host backing for b.
func (m *memory) allocate(b *buffer) error {
	reserve := common.AlignUp(b.info.Size, m.alignment)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.budget > 0 && m.used+reserve > m.budget {
		return fmt.Errorf("%w: %q needs %d bytes, %d of %d in use", ErrOutOfDeviceMemory, b.info.Label, reserve, m.used, m.budget)
	}
	b.address = m.next
	b.reserved = reserve
	b.data = make([]byte, b.info.Size)
	m.next += DeviceAddress(reserve)
	m.used += reserve
	m.peak = max(m.peak, m.used)
	m.live = append(m.live, b)
	return nil
}

// free returns b's reservation to the budget and drops it from the address index.
func (m *memory) free(b *buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.search(b.address)
	if i < 0 || m.live[i] != b {
		return
	}
	m.live = append(m.live[:i], m.live[i+1:]...)
	m.used -= b.reserved
	b.data = nil
}

// search returns the index of the live buffer whose range starts at or below addr, or -1.
// Callers hold m.mu.
func (m *memory) search(addr DeviceAddress) int {
	i := sort.Search(len(m.live), func(i int) bool {
		return m.live[i].address > addr
	})
	return i - 1
}

// resolve maps [addr, addr+size) onto a live buffer.
//
// Returns the buffer and the byte offset of addr inside it.
func (m *memory) resolve(addr DeviceAddress, size uint64) (*buffer, uint64, error) {
	if addr == 0 {
		return nil, 0, fmt.Errorf("%w: null address", ErrInvalidAddress)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.search(addr)
	if i < 0 {
		return nil, 0, fmt.Errorf("%w: 0x%x", ErrInvalidAddress, uint64(addr))
	}
	b := m.live[i]
	offset := uint64(addr - b.address)
	if offset > b.info.Size || size > b.info.Size-offset {
		return nil, 0, fmt.Errorf("%w: [0x%x, 0x%x) exceeds %q", ErrInvalidAddress, uint64(addr), uint64(addr)+size, b.info.Label)
	}
	return b, offset, nil
}

// bytes returns the live backing slice for [addr, addr+size). The slice aliases buffer memory.
func (m *memory) bytes(addr DeviceAddress, size uint64) ([]byte, error) {
	b, off, err := m.resolve(addr, size)
	if err != nil {
		return nil, err
	}
	return b.data[off : off+size], nil
}

func (m *memory) usage() (used, peak uint64, buffers int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used, m.peak, len(m.live)
}
