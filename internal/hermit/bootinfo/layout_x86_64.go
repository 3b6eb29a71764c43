package bootinfo

import (
	"sync/atomic"

	"github.com/tinyrange/hermitboot/internal/hv"
)

// RawX86_64 is the record as laid out for x86_64 kernels. The field order
// matches the C layout byte for byte; see the offsets in the tests.
type RawX86_64 struct {
	magicNumber           uint32
	version               uint32
	base                  uint64
	limit                 uint64
	imageSize             uint64
	tlsStart              uint64
	tlsFilesz             uint64
	tlsMemsz              uint64
	currentStackAddress   atomic.Uint64
	currentPercoreAddress uint64
	hostLogicalAddr       uint64
	bootGtod              uint64
	mbInfo                uint64
	cmdline               uint64
	cmdsize               uint64
	cpuFreq               uint32
	bootProcessor         uint32
	cpuOnline             atomic.Uint32
	possibleCPUs          uint32
	currentBootID         uint32
	uartport              uint16
	singleKernel          uint8
	uhyve                 uint8
	hcip                  [4]byte
	hcgateway             [4]byte
	hcmask                [4]byte
	tlsAlign              uint64
}

var _ Record = (*RawX86_64)(nil)

func (r *RawX86_64) Arch() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (r *RawX86_64) StoreCurrentStackAddress(addr uint64) { r.currentStackAddress.Store(addr) }
func (r *RawX86_64) CurrentStackAddress() uint64          { return r.currentStackAddress.Load() }
func (r *RawX86_64) LoadCPUOnline() uint32                { return r.cpuOnline.Load() }
func (r *RawX86_64) PossibleCPUs() uint32                 { return r.possibleCPUs }

func (r *RawX86_64) IncrementCPUOnline() (uint32, bool) {
	return incrementOnline(&r.cpuOnline, r.possibleCPUs)
}

func (r *RawX86_64) Compat() Compat {
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

func (r *RawX86_64) View() *BootInfo {
	return fields{
		limit:     r.limit,
		base:      r.base,
		imageSize: r.imageSize,
		tls: TLSInfo{
			Start:  r.tlsStart,
			Filesz: r.tlsFilesz,
			Memsz:  r.tlsMemsz,
			Align:  r.tlsAlign,
		},
		uartport:     uint32(r.uartport),
		uhyve:        r.uhyve != 0,
		bootGtod:     r.bootGtod,
		cpuFreq:      r.cpuFreq,
		possibleCPUs: r.possibleCPUs,
		cmdline:      r.cmdline,
		cmdsize:      r.cmdsize,
		mbInfo:       r.mbInfo,
	}.view(hv.ArchitectureX86_64, r)
}

// wireX86_64 is the packed form of RawX86_64 written by the loader.
type wireX86_64 struct {
	MagicNumber           uint32
	Version               uint32
	Base                  uint64
	Limit                 uint64
	ImageSize             uint64
	TLSStart              uint64
	TLSFilesz             uint64
	TLSMemsz              uint64
	CurrentStackAddress   uint64
	CurrentPercoreAddress uint64
	HostLogicalAddr       uint64
	BootGtod              uint64
	MbInfo                uint64
	Cmdline               uint64
	Cmdsize               uint64
	CPUFreq               uint32
	BootProcessor         uint32
	CPUOnline             uint32
	PossibleCPUs          uint32
	CurrentBootID         uint32
	Uartport              uint16
	SingleKernel          uint8
	Uhyve                 uint8
	HCIP                  [4]byte
	HCGateway             [4]byte
	HCMask                [4]byte
	Pad                   [4]byte
	TLSAlign              uint64
}

func newWireX86_64(f fields, c Compat) *wireX86_64 {
	return &wireX86_64{
		MagicNumber:           c.MagicNumber,
		Version:               c.Version,
		Base:                  f.base,
		Limit:                 f.limit,
		ImageSize:             f.imageSize,
		TLSStart:              f.tls.Start,
		TLSFilesz:             f.tls.Filesz,
		TLSMemsz:              f.tls.Memsz,
		CurrentPercoreAddress: c.CurrentPercoreAddress,
		HostLogicalAddr:       c.HostLogicalAddr,
		BootGtod:              f.bootGtod,
		MbInfo:                f.mbInfo,
		Cmdline:               f.cmdline,
		Cmdsize:               f.cmdsize,
		CPUFreq:               f.cpuFreq,
		BootProcessor:         c.BootProcessor,
		PossibleCPUs:          f.possibleCPUs,
		CurrentBootID:         c.CurrentBootID,
		Uartport:              uint16(f.uartport),
		SingleKernel:          c.SingleKernel,
		Uhyve:                 boolByte(f.uhyve),
		HCIP:                  c.HCIP,
		HCGateway:             c.HCGateway,
		HCMask:                c.HCMask,
		TLSAlign:              f.tls.Align,
	}
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
