package bootinfo

import (
	"fmt"
	"math"
	"time"

	"github.com/tinyrange/hermitboot/internal/hv"
)

// Range is a half-open physical address range.
type Range struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

func (r Range) Size() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r Range) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

// TLSInfo describes the kernel's thread-local storage template.
type TLSInfo struct {
	Start  uint64 `yaml:"start"`
	Filesz uint64 `yaml:"filesz"`
	Memsz  uint64 `yaml:"memsz"`
	Align  uint64 `yaml:"align"`
}

// Platform is either Uhyve or Multiboot.
type Platform interface {
	isPlatform()
}

// Uhyve carries the values the uhyve hypervisor hands to the kernel directly.
type Uhyve struct {
	// BootTime is the wall clock time at boot with microsecond precision.
	BootTime     time.Time `yaml:"bootTime"`
	// CPUFreqMHz saturates at 65535 when a record holds a larger value.
	CPUFreqMHz   uint16    `yaml:"cpuFreqMHz"`
	PossibleCPUs uint32    `yaml:"possibleCPUs"`
}

// Multiboot carries the values of every other boot path.
type Multiboot struct {
	CmdlineAddr uint64 `yaml:"cmdlineAddr"`
	CmdlineSize uint64 `yaml:"cmdlineSize"`
	// Info is the multiboot information structure address. Always zero on
	// aarch64.
	Info uint64 `yaml:"info"`
}

func (Uhyve) isPlatform()     {}
func (Multiboot) isPlatform() {}

// BootInfo is the kernel-facing view of a record. Architecture specific
// fields are resolved when the view is built; callers never see the raw
// layout.
type BootInfo struct {
	Arch hv.CpuArchitecture `yaml:"arch"`

	// PhysMem spans from the lowest to the highest physical RAM address.
	// Start is always zero on x86_64.
	PhysMem     Range `yaml:"physMem"`
	KernelImage Range `yaml:"kernelImage"`

	// TLS is nil when the kernel has no TLS template.
	TLS *TLSInfo `yaml:"tls,omitempty"`

	// SerialPortBase is an I/O port on x86_64 and an MMIO address on
	// aarch64.
	SerialPortBase uint32 `yaml:"serialPortBase"`

	Platform Platform `yaml:"platform"`

	record Record
}

// FromRaw builds the semantic view of a live record. The online counter and
// the current stack address stay live through the returned value.
func FromRaw(rec Record) *BootInfo {
	return rec.View()
}

// Uhyve returns the uhyve parameters, or the zero value and false.
func (b *BootInfo) Uhyve() (Uhyve, bool) {
	u, ok := b.Platform.(Uhyve)
	return u, ok
}

// Multiboot returns the multiboot parameters, or the zero value and false.
func (b *BootInfo) Multiboot() (Multiboot, bool) {
	m, ok := b.Platform.(Multiboot)
	return m, ok
}

// Record returns the live record this view was built from, or nil for a
// view that was never attached.
func (b *BootInfo) Record() Record {
	return b.record
}

func (b *BootInfo) CPUOnline() uint32 {
	if b.record == nil {
		return 0
	}
	return b.record.LoadCPUOnline()
}

func (b *BootInfo) CurrentStackAddress() uint64 {
	if b.record == nil {
		return 0
	}
	return b.record.CurrentStackAddress()
}

// fields is the architecture independent superset of record fields.
type fields struct {
	ramStart     uint64
	limit        uint64
	base         uint64
	imageSize    uint64
	tls          TLSInfo
	uartport     uint32
	uhyve        bool
	bootGtod     uint64
	cpuFreq      uint32
	possibleCPUs uint32
	cmdline      uint64
	cmdsize      uint64
	mbInfo       uint64
}

func fieldsOf(b *BootInfo) fields {
	f := fields{
		ramStart:  b.PhysMem.Start,
		limit:     b.PhysMem.End,
		base:      b.KernelImage.Start,
		imageSize: b.KernelImage.Size(),
		uartport:  b.SerialPortBase,
	}
	if b.TLS != nil {
		f.tls = *b.TLS
	}
	switch p := b.Platform.(type) {
	case Uhyve:
		f.uhyve = true
		if !p.BootTime.IsZero() {
			f.bootGtod = uint64(p.BootTime.UnixMicro())
		}
		f.cpuFreq = uint32(p.CPUFreqMHz)
		f.possibleCPUs = p.PossibleCPUs
	case Multiboot:
		f.cmdline = p.CmdlineAddr
		f.cmdsize = p.CmdlineSize
		f.mbInfo = p.Info
	}
	return f
}

func (f fields) view(arch hv.CpuArchitecture, rec Record) *BootInfo {
	b := &BootInfo{
		Arch:           arch,
		PhysMem:        Range{Start: f.ramStart, End: f.limit},
		KernelImage:    Range{Start: f.base, End: f.base + f.imageSize},
		SerialPortBase: f.uartport,
		record:         rec,
	}
	if f.tls != (TLSInfo{}) {
		tls := f.tls
		b.TLS = &tls
	}
	if f.uhyve {
		u := Uhyve{
			CPUFreqMHz:   uint16(min(f.cpuFreq, math.MaxUint16)),
			PossibleCPUs: f.possibleCPUs,
		}
		if f.bootGtod != 0 {
			u.BootTime = time.UnixMicro(int64(f.bootGtod)).UTC()
		}
		b.Platform = u
	} else {
		b.Platform = Multiboot{
			CmdlineAddr: f.cmdline,
			CmdlineSize: f.cmdsize,
			Info:        f.mbInfo,
		}
	}
	return b
}

// Validate checks the preconditions a loader must meet before encoding b.
func Validate(b *BootInfo) error {
	if b == nil {
		return fmt.Errorf("%w: nil boot info", ErrInvalid)
	}
	switch b.Arch {
	case hv.ArchitectureX86_64:
		if b.PhysMem.Start != 0 {
			return fmt.Errorf("%w: x86_64 records cannot express a RAM start (%#x)", ErrInvalid, b.PhysMem.Start)
		}
		if b.SerialPortBase > 0xffff {
			return fmt.Errorf("%w: serial port %#x does not fit an x86_64 I/O port", ErrInvalid, b.SerialPortBase)
		}
	case hv.ArchitectureARM64:
		if m, ok := b.Multiboot(); ok && m.Info != 0 {
			return fmt.Errorf("%w: aarch64 records have no multiboot info", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedArch, b.Arch)
	}

	if b.PhysMem.End <= b.PhysMem.Start {
		return fmt.Errorf("%w: memory limit %#x not above %#x", ErrInvalid, b.PhysMem.End, b.PhysMem.Start)
	}
	if b.KernelImage.End < b.KernelImage.Start {
		return fmt.Errorf("%w: kernel image range %s", ErrInvalid, b.KernelImage)
	}
	if b.KernelImage.Start < b.PhysMem.Start || b.KernelImage.Start >= b.PhysMem.End ||
		b.KernelImage.Size() > b.PhysMem.End-b.KernelImage.Start {
		return fmt.Errorf("%w: kernel image %s outside memory %s", ErrInvalid, b.KernelImage, b.PhysMem)
	}
	if b.TLS != nil && b.TLS.Align&(b.TLS.Align-1) != 0 {
		return fmt.Errorf("%w: TLS alignment %#x is not a power of two", ErrInvalid, b.TLS.Align)
	}
	if b.TLS != nil && b.TLS.Filesz > b.TLS.Memsz {
		return fmt.Errorf("%w: TLS file size %#x exceeds memory size %#x", ErrInvalid, b.TLS.Filesz, b.TLS.Memsz)
	}
	if b.Platform == nil {
		return fmt.Errorf("%w: no platform", ErrInvalid)
	}
	return nil
}
