package hv

import (
	"fmt"
	"sort"
	"sync"
)

// Reservation is a named region of guest RAM set aside during boot.
type Reservation struct {
	Name string
	Base uint64
	Size uint64
}

func (r Reservation) End() uint64 { return r.Base + r.Size }

// AddressSpace hands out the boot-time reservations of guest RAM: the kernel
// image, the boot info record, the command line and the per-CPU stacks.
// Dynamic reservations are carved downward from the top of RAM so they never
// collide with an image loaded low.
type AddressSpace struct {
	mu sync.Mutex

	arch    CpuArchitecture
	ramBase uint64
	ramSize uint64

	// top is the lowest address handed out by Reserve so far.
	top uint64

	reservations []Reservation
}

// NewAddressSpace creates an allocator over [ramBase, ramBase+ramSize).
func NewAddressSpace(arch CpuArchitecture, ramBase, ramSize uint64) *AddressSpace {
	return &AddressSpace{
		arch:    arch,
		ramBase: ramBase,
		ramSize: ramSize,
		top:     ramBase + ramSize,
	}
}

func (a *AddressSpace) overlapsLocked(base, end uint64) (Reservation, bool) {
	for _, r := range a.reservations {
		if base < r.End() && end > r.Base {
			return r, true
		}
	}
	return Reservation{}, false
}

// ReserveFixed records a region whose placement is dictated elsewhere, such
// as the loaded kernel image.
func (a *AddressSpace) ReserveFixed(name string, base, size uint64) (Reservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return Reservation{}, fmt.Errorf("address_space: cannot reserve zero-size region %s", name)
	}
	end := base + size
	if base < a.ramBase || end > a.ramBase+a.ramSize || end < base {
		return Reservation{}, fmt.Errorf("address_space: %s [0x%x-0x%x) %w [0x%x-0x%x)",
			name, base, end, ErrOutOfRange, a.ramBase, a.ramBase+a.ramSize)
	}
	if other, ok := a.overlapsLocked(base, end); ok {
		return Reservation{}, fmt.Errorf("address_space: %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
			name, base, end, other.Name, other.Base, other.End())
	}

	r := Reservation{Name: name, Base: base, Size: size}
	a.reservations = append(a.reservations, r)
	return r, nil
}

// Reserve carves size bytes aligned to alignment from the top of free RAM.
func (a *AddressSpace) Reserve(name string, size, alignment uint64) (Reservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return Reservation{}, fmt.Errorf("address_space: cannot reserve zero-size region %s", name)
	}
	if alignment == 0 {
		alignment = 0x1000
	}
	if alignment&(alignment-1) != 0 {
		return Reservation{}, fmt.Errorf("address_space: alignment 0x%x is not a power of 2 for %s", alignment, name)
	}

	top := a.top
	for {
		if top < a.ramBase+size {
			return Reservation{}, fmt.Errorf("address_space: no room for %s (0x%x bytes) below 0x%x", name, size, a.top)
		}
		base := alignDown(top-size, alignment)
		if base < a.ramBase {
			return Reservation{}, fmt.Errorf("address_space: no room for %s (0x%x bytes) below 0x%x", name, size, a.top)
		}
		other, ok := a.overlapsLocked(base, base+size)
		if !ok {
			r := Reservation{Name: name, Base: base, Size: size}
			a.reservations = append(a.reservations, r)
			a.top = base
			return r, nil
		}
		top = other.Base
	}
}

// Reservations returns all reservations ordered by base address.
func (a *AddressSpace) Reservations() []Reservation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Reservation, len(a.reservations))
	copy(result, a.reservations)
	sort.Slice(result, func(i, j int) bool { return result[i].Base < result[j].Base })
	return result
}

// RAMBase returns the RAM base address.
func (a *AddressSpace) RAMBase() uint64 {
	return a.ramBase
}

// RAMSize returns the RAM size.
func (a *AddressSpace) RAMSize() uint64 {
	return a.ramSize
}

// RAMEnd returns the first address after RAM.
func (a *AddressSpace) RAMEnd() uint64 {
	return a.ramBase + a.ramSize
}

// Architecture returns the CPU architecture.
func (a *AddressSpace) Architecture() CpuArchitecture {
	return a.arch
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	return value &^ (align - 1)
}
