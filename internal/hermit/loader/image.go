package loader

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/hermitboot/internal/hermit/bootinfo"
	"github.com/tinyrange/hermitboot/internal/hermit/note"
	"github.com/tinyrange/hermitboot/internal/hv"
)

// Image is what the loader needs to know about a kernel image before it
// writes the boot info record. Loading the segments themselves is up to the
// caller.
type Image struct {
	Arch  hv.CpuArchitecture `yaml:"arch"`
	Entry uint64             `yaml:"entry"`
	// Load spans all PT_LOAD segments by physical address.
	Load bootinfo.Range    `yaml:"load"`
	TLS  *bootinfo.TLSInfo `yaml:"tls,omitempty"`

	// Version is only meaningful when HasVersion is set.
	Version    uint8 `yaml:"version"`
	HasVersion bool  `yaml:"hasVersion"`
}

// ProbeImage reads the headers of an ELF kernel image.
func ProbeImage(r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("open elf kernel: %w", err)
	}
	defer f.Close()

	arch := hv.ArchitectureFromELF(f.Machine)
	if arch == hv.ArchitectureInvalid {
		return nil, fmt.Errorf("unsupported ELF machine %s", f.Machine)
	}
	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("unsupported ELF class %s", f.Class)
	}

	img := &Image{Arch: arch, Entry: f.Entry}

	var loaded bool
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			if prog.Memsz == 0 {
				continue
			}
			if prog.Filesz > prog.Memsz {
				return nil, fmt.Errorf("ELF segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
			}
			end := prog.Paddr + prog.Memsz
			if end < prog.Paddr {
				return nil, fmt.Errorf("ELF segment @%#x wraps the address space", prog.Paddr)
			}
			if !loaded || prog.Paddr < img.Load.Start {
				img.Load.Start = prog.Paddr
			}
			if end > img.Load.End {
				img.Load.End = end
			}
			loaded = true
		case elf.PT_TLS:
			img.TLS = &bootinfo.TLSInfo{
				Start:  prog.Vaddr,
				Filesz: prog.Filesz,
				Memsz:  prog.Memsz,
				Align:  prog.Align,
			}
		}
	}
	if !loaded {
		return nil, errors.New("ELF kernel has no loadable segments")
	}
	if !img.Load.Contains(img.Entry) {
		return nil, fmt.Errorf("ELF entry %#x outside loaded span %s", img.Entry, img.Load)
	}

	img.Version, img.HasVersion, err = note.FromFile(f)
	if err != nil {
		return nil, fmt.Errorf("read entry version note: %w", err)
	}
	return img, nil
}
