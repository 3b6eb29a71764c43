//go:build !unix

package hv

// NewRAM allocates guest RAM at base. Hosts without mmap use the heap.
func NewRAM(base, size uint64) (*RAM, error) {
	return NewHeapRAM(base, size)
}
