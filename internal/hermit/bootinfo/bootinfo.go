// Package bootinfo defines the boot info record shared between a hermit
// loader (or the uhyve hypervisor) and the kernel it boots.
//
// The record has a fixed, per-architecture byte layout. The loader builds it
// once with Encode, copies it into guest memory and only then starts the
// first core. From that point on the immutable fields are reachable through
// read-only accessors and the only fields that may change are the current
// stack address and the online CPU counter, both accessed atomically.
//
// Consuming a record written for a different protocol version is undefined.
// Callers negotiate the version through the entry version note (see package
// note) before attaching to a record.
package bootinfo

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/hermitboot/internal/hv"
)

const (
	// Size is the size in bytes of the record on every supported
	// architecture.
	Size = 160
	// Align is the required alignment of the record in memory.
	Align = 8

	// MagicNumber identifies a record for older consumers.
	MagicNumber uint32 = 0xC0DECAFE
	// LegacyVersion is the record layout version written for older
	// consumers. Newer kernels rely on the entry version note instead.
	LegacyVersion uint32 = 1
)

var (
	ErrUnsupportedArch = errors.New("unsupported boot info architecture")
	ErrShortBuffer     = errors.New("buffer too small for boot info record")
	ErrMisaligned      = errors.New("boot info record is not 8-byte aligned")
	ErrUnsupportedHost = errors.New("host cannot map the boot info record in place")
	ErrInvalid         = errors.New("invalid boot info")
)

// Record is the live boot info record in shared memory.
//
// All methods are safe for concurrent use from any number of cores.
type Record interface {
	Arch() hv.CpuArchitecture

	// StoreCurrentStackAddress publishes the stack assigned to the next
	// booting core. It must happen before that core's entry is invoked.
	StoreCurrentStackAddress(addr uint64)
	CurrentStackAddress() uint64

	// LoadCPUOnline returns the number of cores that finished early boot.
	// Observing n makes every write performed by the first n cores before
	// their increment visible to the caller.
	LoadCPUOnline() uint32
	// IncrementCPUOnline marks the calling core as online and returns the
	// new count. It refuses to go past PossibleCPUs when that is known and
	// reports false in that case.
	IncrementCPUOnline() (uint32, bool)

	// PossibleCPUs is zero unless the record was written by uhyve.
	PossibleCPUs() uint32

	Compat() Compat
	View() *BootInfo
}

// Compat holds the legacy fields of the record. They keep their historical
// byte offsets so older loaders and kernels keep working, are written once by
// the loader and are never consulted when building a BootInfo.
type Compat struct {
	MagicNumber           uint32  `yaml:"magicNumber"`
	Version               uint32  `yaml:"version"`
	CurrentPercoreAddress uint64  `yaml:"currentPercoreAddress"`
	HostLogicalAddr       uint64  `yaml:"hostLogicalAddr"`
	BootProcessor         uint32  `yaml:"bootProcessor"`
	CurrentBootID         uint32  `yaml:"currentBootID"`
	SingleKernel          uint8   `yaml:"singleKernel"`
	HCIP                  [4]byte `yaml:"hcip"`
	HCGateway             [4]byte `yaml:"hcgateway"`
	HCMask                [4]byte `yaml:"hcmask"`
}

// DefaultCompat returns the legacy values a current loader writes.
func DefaultCompat() Compat {
	return Compat{
		MagicNumber:  MagicNumber,
		Version:      LegacyVersion,
		SingleKernel: 1,
	}
}

func incrementOnline(online *atomic.Uint32, possible uint32) (uint32, bool) {
	for {
		n := online.Load()
		if possible != 0 && n >= possible {
			return n, false
		}
		if online.CompareAndSwap(n, n+1) {
			return n + 1, true
		}
	}
}

func hostIsLittleEndian() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}

// Attach interprets the first Size bytes of mem as a live record laid out
// for arch. mem is normally a window into guest RAM and must stay mapped for
// as long as the record is used.
func Attach(arch hv.CpuArchitecture, mem []byte) (Record, error) {
	if len(mem) < Size {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrShortBuffer, len(mem), Size)
	}
	ptr := unsafe.Pointer(&mem[0])
	if uintptr(ptr)%Align != 0 {
		return nil, fmt.Errorf("%w: address %#x", ErrMisaligned, uintptr(ptr))
	}
	if !hostIsLittleEndian() {
		return nil, fmt.Errorf("%w: big-endian host", ErrUnsupportedHost)
	}

	switch arch {
	case hv.ArchitectureX86_64:
		if unsafe.Sizeof(RawX86_64{}) != Size {
			return nil, fmt.Errorf("%w: x86_64 layout is %d bytes", ErrUnsupportedHost, unsafe.Sizeof(RawX86_64{}))
		}
		return (*RawX86_64)(ptr), nil
	case hv.ArchitectureARM64:
		if unsafe.Sizeof(RawAArch64{}) != Size {
			return nil, fmt.Errorf("%w: aarch64 layout is %d bytes", ErrUnsupportedHost, unsafe.Sizeof(RawAArch64{}))
		}
		return (*RawAArch64)(ptr), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedArch, arch)
	}
}

// AlignedBuffer returns a zeroed byte slice of length n whose first byte is
// suitably aligned for Attach.
func AlignedBuffer(n int) []byte {
	words := make([]uint64, (n+7)/8)
	if len(words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

// Snapshot copies data into private memory and attaches to the copy. It is
// used to inspect records dumped from a guest.
func Snapshot(arch hv.CpuArchitecture, data []byte) (Record, error) {
	if len(data) < Size {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrShortBuffer, len(data), Size)
	}
	buf := AlignedBuffer(Size)
	copy(buf, data)
	return Attach(arch, buf)
}
