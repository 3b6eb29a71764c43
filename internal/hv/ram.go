package hv

import (
	"fmt"
	"io"
	"sync"
	"unsafe"
)

// RAM is a contiguous block of guest memory starting at a guest physical
// base address.
type RAM struct {
	mu     sync.RWMutex
	base   uint64
	mem    []byte
	unmap  func([]byte) error
	closed bool
}

var _ GuestMemory = &RAM{}

const pageSize = 0x1000

// NewHeapRAM allocates size bytes of page aligned guest RAM at base from the
// Go heap. Unlike mapped RAM, the race detector tracks atomics on it.
func NewHeapRAM(base, size uint64) (*RAM, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size == 0 || size > maxInt-pageSize {
		return nil, fmt.Errorf("allocate guest RAM: invalid size %#x", size)
	}

	raw := make([]byte, size+pageSize)
	addr := uint64(uintptr(unsafe.Pointer(&raw[0])))
	skip := int(alignUp(addr, pageSize) - addr)
	return &RAM{base: base, mem: raw[skip : skip+int(size)]}, nil
}

func (r *RAM) MemoryBase() uint64 { return r.base }
func (r *RAM) MemorySize() uint64 { return uint64(len(r.mem)) }

func (r *RAM) window(off int64, n int) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrMemoryClosed
	}
	if off < 0 || uint64(off) > uint64(len(r.mem)) || uint64(n) > uint64(len(r.mem))-uint64(off) {
		return nil, fmt.Errorf("%w: offset %#x size %#x (RAM size %#x)", ErrOutOfRange, off, n, len(r.mem))
	}
	return r.mem[off : off+int64(n)], nil
}

// ReadAt implements io.ReaderAt.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	w, err := r.window(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, w), nil
}

// WriteAt implements io.WriterAt.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	w, err := r.window(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(w, p), nil
}

// Slice implements GuestMemory.
func (r *RAM) Slice(gpa, size uint64) ([]byte, error) {
	if gpa < r.base {
		return nil, fmt.Errorf("%w: GPA %#x below memory base %#x", ErrOutOfRange, gpa, r.base)
	}
	if size > uint64(^uint(0)>>1) {
		return nil, fmt.Errorf("%w: size %#x exceeds host limits", ErrOutOfRange, size)
	}
	return r.window(int64(gpa-r.base), int(size))
}

// Close releases the backing memory. Records attached to it must no longer
// be used.
func (r *RAM) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.unmap != nil {
		return r.unmap(r.mem)
	}
	return nil
}

// Dump writes size bytes of guest memory starting at gpa to w.
func (r *RAM) Dump(w io.Writer, gpa, size uint64) error {
	buf, err := r.Slice(gpa, size)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
