package hv

import (
	"debug/elf"
	"errors"
	"io"
)

var (
	ErrOutOfRange   = errors.New("guest physical range outside RAM")
	ErrMemoryClosed = errors.New("guest memory closed")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// ArchitectureFromELF maps an ELF machine to the architecture it runs on.
func ArchitectureFromELF(m elf.Machine) CpuArchitecture {
	switch m {
	case elf.EM_X86_64:
		return ArchitectureX86_64
	case elf.EM_AARCH64:
		return ArchitectureARM64
	default:
		return ArchitectureInvalid
	}
}

// GuestMemory is guest RAM as seen by the host side of the boot handoff.
//
// ReadAt and WriteAt take offsets relative to MemoryBase. Slice returns a
// live window addressed by guest physical address; writes through it are
// immediately visible to the guest.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt

	MemoryBase() uint64
	MemorySize() uint64

	Slice(gpa, size uint64) ([]byte, error)
}
