// Package loader prepares the boot handoff to a hermit kernel: it negotiates
// the entry version, places the boot info record and the per-core stacks in
// guest RAM and brings the cores up one after another.
package loader

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/hermitboot/internal/hermit/bootinfo"
	"github.com/tinyrange/hermitboot/internal/hv"
)

var (
	ErrVersionMismatch = errors.New("kernel entry version not supported")
	ErrArchMismatch    = errors.New("kernel architecture does not match configuration")
)

const (
	recordAlign = 0x1000
	stackAlign  = 0x10
)

// Loader writes boot info records for one configuration.
type Loader struct {
	cfg Config
	log *slog.Logger
	now func() time.Time
}

// New returns a Loader. A nil logger uses slog.Default().
func New(cfg Config, log *slog.Logger) *Loader {
	cfg.normalize()
	if log == nil {
		log = slog.Default()
	}
	return &Loader{cfg: cfg, log: log, now: time.Now}
}

// Config returns the normalized configuration.
func (l *Loader) Config() Config { return l.cfg }

// Negotiate picks the entry version to boot img with. A kernel without an
// entry version note predates the note and gets the fallback version.
func (l *Loader) Negotiate(img *Image) (uint8, error) {
	if !img.HasVersion {
		l.log.Warn("kernel has no entry version note, assuming legacy layout",
			"fallback", l.cfg.FallbackVersion)
		return l.cfg.FallbackVersion, nil
	}
	if !l.cfg.Supports(img.Version) {
		return 0, fmt.Errorf("%w: kernel wants %d, loader supports %v",
			ErrVersionMismatch, img.Version, l.cfg.SupportedVersions)
	}
	return img.Version, nil
}

// Plan is a prepared boot: the record is in guest memory and the stacks are
// reserved. Use BringUp to start the cores.
type Plan struct {
	Arch      hv.CpuArchitecture
	Version   uint8
	EntryGPA  uint64
	RecordGPA uint64

	Record bootinfo.Record
	Info   *bootinfo.BootInfo

	// Stacks holds one reservation per core, in bring-up order.
	Stacks       []hv.Reservation
	Reservations []hv.Reservation

	timeout time.Duration
	poll    time.Duration
	log     *slog.Logger
}

// Prepare writes the boot info record for img into mem. The caller loads the
// image segments; Prepare only reserves their span.
func (l *Loader) Prepare(mem hv.GuestMemory, img *Image) (*Plan, error) {
	if mem == nil || mem.MemorySize() == 0 {
		return nil, errors.New("guest memory is nil")
	}
	if img == nil {
		return nil, errors.New("kernel image is nil")
	}

	version, err := l.Negotiate(img)
	if err != nil {
		return nil, err
	}

	arch := img.Arch
	if l.cfg.Arch != "" && l.cfg.Arch != arch {
		return nil, fmt.Errorf("%w: image is %s, configured %s", ErrArchMismatch, arch, l.cfg.Arch)
	}

	as := hv.NewAddressSpace(arch, mem.MemoryBase(), mem.MemorySize())

	if _, err := as.ReserveFixed("kernel", img.Load.Start, img.Load.Size()); err != nil {
		return nil, err
	}
	recordRes, err := as.Reserve("boot info", bootinfo.Size, recordAlign)
	if err != nil {
		return nil, err
	}

	stacks := make([]hv.Reservation, l.cfg.CPUs)
	for cpu := range stacks {
		stacks[cpu], err = as.Reserve(fmt.Sprintf("stack%d", cpu), l.cfg.StackSize, stackAlign)
		if err != nil {
			return nil, err
		}
	}

	info := &bootinfo.BootInfo{
		Arch:           arch,
		PhysMem:        bootinfo.Range{End: as.RAMEnd()},
		KernelImage:    img.Load,
		TLS:            img.TLS,
		SerialPortBase: l.cfg.serialPort(arch),
	}
	if as.Architecture() == hv.ArchitectureARM64 {
		info.PhysMem.Start = as.RAMBase()
	}

	if l.cfg.Uhyve {
		info.Platform = bootinfo.Uhyve{
			BootTime:     l.now().Truncate(time.Microsecond),
			CPUFreqMHz:   l.cfg.CPUFreqMHz,
			PossibleCPUs: uint32(l.cfg.CPUs),
		}
	} else {
		mb := bootinfo.Multiboot{}
		if l.cfg.Cmdline != "" {
			res, err := as.Reserve("cmdline", uint64(len(l.cfg.Cmdline))+1, 0x10)
			if err != nil {
				return nil, err
			}
			if err := placeCmdline(mem, res.Base, l.cfg.Cmdline); err != nil {
				return nil, err
			}
			mb.CmdlineAddr = res.Base
			mb.CmdlineSize = uint64(len(l.cfg.Cmdline))
		}
		info.Platform = mb
	}

	window, err := mem.Slice(recordRes.Base, bootinfo.Size)
	if err != nil {
		return nil, fmt.Errorf("map boot info record: %w", err)
	}
	rec, err := bootinfo.Publish(info, bootinfo.DefaultCompat(), window)
	if err != nil {
		return nil, fmt.Errorf("write boot info record: %w", err)
	}

	l.log.Info("boot info record written",
		"arch", arch,
		"version", version,
		"record", fmt.Sprintf("%#x", recordRes.Base),
		"kernel", img.Load.String(),
		"ram", fmt.Sprintf("%#x", as.RAMSize()),
		"cpus", l.cfg.CPUs,
		"uhyve", l.cfg.Uhyve,
	)

	return &Plan{
		Arch:         as.Architecture(),
		Version:      version,
		EntryGPA:     img.Entry,
		RecordGPA:    recordRes.Base,
		Record:       rec,
		Info:         rec.View(),
		Stacks:       stacks,
		Reservations: as.Reservations(),
		timeout:      l.cfg.BringUpTimeout,
		poll:         l.cfg.PollInterval,
		log:          l.log,
	}, nil
}

func placeCmdline(mem hv.GuestMemory, cmdlineGPA uint64, cmdline string) error {
	if cmdlineGPA < mem.MemoryBase() {
		return fmt.Errorf("cmdline GPA %#x below memory base %#x", cmdlineGPA, mem.MemoryBase())
	}
	offset := int64(cmdlineGPA - mem.MemoryBase())
	cmdlineBytes := append([]byte(cmdline), 0)
	if _, err := mem.WriteAt(cmdlineBytes, offset); err != nil {
		return fmt.Errorf("WriteAt command line: %w", err)
	}
	return nil
}
