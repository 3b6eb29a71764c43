// Package hermittest builds small synthetic kernel images for tests.
package hermittest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Segment is one program header of a synthetic image.
type Segment struct {
	Type  elf.ProgType
	Flags elf.ProgFlag
	Vaddr uint64
	Paddr uint64
	Data  []byte
	// Memsz defaults to len(Data).
	Memsz uint64
	Align uint64
}

// Image describes a little-endian ELF64 executable with program headers
// only.
type Image struct {
	Machine  elf.Machine
	Type     elf.Type
	Entry    uint64
	Segments []Segment
}

const (
	ehdrSize = 64
	phdrSize = 56
)

// Bytes serialises the image.
func (img Image) Bytes() []byte {
	typ := img.Type
	if typ == elf.ET_NONE {
		typ = elf.ET_EXEC
	}

	hdr := elf.Header64{
		Type:      uint16(typ),
		Machine:   uint16(img.Machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		Phoff:     ehdrSize,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     uint16(len(img.Segments)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	dataOff := uint64(ehdrSize + phdrSize*len(img.Segments))
	var progs []elf.Prog64
	var payload bytes.Buffer
	for _, seg := range img.Segments {
		memsz := seg.Memsz
		if memsz == 0 {
			memsz = uint64(len(seg.Data))
		}
		progs = append(progs, elf.Prog64{
			Type:   uint32(seg.Type),
			Flags:  uint32(seg.Flags),
			Off:    dataOff + uint64(payload.Len()),
			Vaddr:  seg.Vaddr,
			Paddr:  seg.Paddr,
			Filesz: uint64(len(seg.Data)),
			Memsz:  memsz,
			Align:  seg.Align,
		})
		payload.Write(seg.Data)
		for payload.Len()%8 != 0 {
			payload.WriteByte(0)
		}
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, &hdr)
	for i := range progs {
		binary.Write(&out, binary.LittleEndian, &progs[i])
	}
	out.Write(payload.Bytes())
	return out.Bytes()
}

// Kernel returns a minimal kernel image for machine with one loadable segment
// at base, a TLS segment, and the given note payload. A nil note omits the
// PT_NOTE segment.
func Kernel(machine elf.Machine, base uint64, noteData []byte) Image {
	text := bytes.Repeat([]byte{0x90}, 0x100)
	tls := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	img := Image{
		Machine: machine,
		Entry:   base + 0x10,
		Segments: []Segment{
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: base, Paddr: base, Data: text, Memsz: 0x4000, Align: 0x1000},
			{Type: elf.PT_TLS, Flags: elf.PF_R, Vaddr: base + 0x2000, Paddr: base + 0x2000, Data: tls, Memsz: 0x20, Align: 0x10},
		},
	}
	if noteData != nil {
		img.Segments = append(img.Segments, Segment{Type: elf.PT_NOTE, Flags: elf.PF_R, Data: noteData, Align: 4})
	}
	return img
}
