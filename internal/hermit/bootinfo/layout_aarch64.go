package bootinfo

import (
	"sync/atomic"

	"github.com/tinyrange/hermitboot/internal/hv"
)

// RawAArch64 is the record as laid out for aarch64 kernels. Compared to
// x86_64 it carries the RAM start, keeps the TLS alignment next to the other
// TLS fields, has no multiboot pointer and widens the serial port to a
// 32-bit MMIO address.
type RawAArch64 struct {
	magicNumber           uint32
	version               uint32
	base                  uint64
	ramStart              uint64
	limit                 uint64
	imageSize             uint64
	tlsStart              uint64
	tlsFilesz             uint64
	tlsMemsz              uint64
	tlsAlign              uint64
	currentStackAddress   atomic.Uint64
	currentPercoreAddress uint64
	hostLogicalAddr       uint64
	bootGtod              uint64
	cmdline               uint64
	cmdsize               uint64
	cpuFreq               uint32
	bootProcessor         uint32
	cpuOnline             atomic.Uint32
	possibleCPUs          uint32
	currentBootID         uint32
	uartport              uint32
	singleKernel          uint8
	uhyve                 uint8
	hcip                  [4]byte
	hcgateway             [4]byte
	hcmask                [4]byte
}

var _ Record = (*RawAArch64)(nil)

func (r *RawAArch64) Arch() hv.CpuArchitecture { return hv.ArchitectureARM64 }

func (r *RawAArch64) StoreCurrentStackAddress(addr uint64) { r.currentStackAddress.Store(addr) }
func (r *RawAArch64) CurrentStackAddress() uint64          { return r.currentStackAddress.Load() }
func (r *RawAArch64) LoadCPUOnline() uint32                { return r.cpuOnline.Load() }
func (r *RawAArch64) PossibleCPUs() uint32                 { return r.possibleCPUs }

func (r *RawAArch64) IncrementCPUOnline() (uint32, bool) {
	return incrementOnline(&r.cpuOnline, r.possibleCPUs)
}

func (r *RawAArch64) Compat() Compat {
	return Compat{
		MagicNumber:           r.magicNumber,
		Version:               r.version,
		CurrentPercoreAddress: r.currentPercoreAddress,
		HostLogicalAddr:       r.hostLogicalAddr,
		BootProcessor:         r.bootProcessor,
		CurrentBootID:         r.currentBootID,
		SingleKernel:          r.singleKernel,
		HCIP:                  r.hcip,
		HCGateway:             r.hcgateway,
		HCMask:                r.hcmask,
	}
}

func (r *RawAArch64) View() *BootInfo {
	return fields{
		ramStart:  r.ramStart,
		limit:     r.limit,
		base:      r.base,
		imageSize: r.imageSize,
		tls: TLSInfo{
			Start:  r.tlsStart,
			Filesz: r.tlsFilesz,
			Memsz:  r.tlsMemsz,
			Align:  r.tlsAlign,
		},
		uartport:     r.uartport,
		uhyve:        r.uhyve != 0,
		bootGtod:     r.bootGtod,
		cpuFreq:      r.cpuFreq,
		possibleCPUs: r.possibleCPUs,
		cmdline:      r.cmdline,
		cmdsize:      r.cmdsize,
	}.view(hv.ArchitectureARM64, r)
}

// wireAArch64 is the packed form of RawAArch64 written by the loader.
type wireAArch64 struct {
	MagicNumber           uint32
	Version               uint32
	Base                  uint64
	RAMStart              uint64
	Limit                 uint64
	ImageSize             uint64
	TLSStart              uint64
	TLSFilesz             uint64
	TLSMemsz              uint64
	TLSAlign              uint64
	CurrentStackAddress   uint64
	CurrentPercoreAddress uint64
	HostLogicalAddr       uint64
	BootGtod              uint64
	Cmdline               uint64
	Cmdsize               uint64
	CPUFreq               uint32
	BootProcessor         uint32
	CPUOnline             uint32
	PossibleCPUs          uint32
	CurrentBootID         uint32
	Uartport              uint32
	SingleKernel          uint8
	Uhyve                 uint8
	HCIP                  [4]byte
	HCGateway             [4]byte
	HCMask                [4]byte
	Pad                   [2]byte
}

func newWireAArch64(f fields, c Compat) *wireAArch64 {
	return &wireAArch64{
		MagicNumber:           c.MagicNumber,
		Version:               c.Version,
		Base:                  f.base,
		RAMStart:              f.ramStart,
		Limit:                 f.limit,
		ImageSize:             f.imageSize,
		TLSStart:              f.tls.Start,
		TLSFilesz:             f.tls.Filesz,
		TLSMemsz:              f.tls.Memsz,
		TLSAlign:              f.tls.Align,
		CurrentPercoreAddress: c.CurrentPercoreAddress,
		HostLogicalAddr:       c.HostLogicalAddr,
		BootGtod:              f.bootGtod,
		Cmdline:               f.cmdline,
		Cmdsize:               f.cmdsize,
		CPUFreq:               f.cpuFreq,
		BootProcessor:         c.BootProcessor,
		PossibleCPUs:          f.possibleCPUs,
		CurrentBootID:         c.CurrentBootID,
		Uartport:              f.uartport,
		SingleKernel:          c.SingleKernel,
		Uhyve:                 boolByte(f.uhyve),
		HCIP:                  c.HCIP,
		HCGateway:             c.HCGateway,
		HCMask:                c.HCMask,
	}
}
