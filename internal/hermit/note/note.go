// Package note encodes and locates the ELF note a hermit kernel image uses to
// declare which boot handoff version it was built against.
//
// The loader scans the kernel image for a note named "HERMIT" with type
// TypeEntryVersion before it writes the boot info record. Kernels that
// predate the note simply do not carry it; absence is reported as a missing
// version, never as an error.
package note

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/lunixbochs/struc"
)

const (
	// Name is the owner name of the entry version note.
	Name = "HERMIT"
	// TypeEntryVersion is the note type carrying the entry version. The
	// descriptor is a single byte.
	TypeEntryVersion uint32 = 0x5a00
	// SectionName is the section kernels place the note in.
	SectionName = ".note.hermit.entry-version"

	noteAlign  = 4
	headerSize = 12
)

var (
	ErrNotELF    = errors.New("image is not an ELF file")
	ErrTruncated = errors.New("truncated ELF note")
)

// header mirrors Elf32_Nhdr / Elf64_Nhdr, which share one layout.
type header struct {
	Namesz uint32
	Descsz uint32
	Type   uint32
}

// Note is a single decoded ELF note.
type Note struct {
	Name string
	Type uint32
	Desc []byte
}

func alignUp(v uint64) uint64 {
	return (v + noteAlign - 1) &^ (noteAlign - 1)
}

func pad(b []byte) []byte {
	for uint64(len(b)) != alignUp(uint64(len(b))) {
		b = append(b, 0)
	}
	return b
}

// AppendNote appends the encoded form of n to dst. The name is written with
// its terminating NUL and both name and descriptor are padded to 4 bytes.
func AppendNote(dst []byte, order binary.ByteOrder, n Note) []byte {
	name := n.Name + "\x00"

	var buf bytes.Buffer
	buf.Grow(int(headerSize + alignUp(uint64(len(name))) + alignUp(uint64(len(n.Desc)))))
	hdr := &header{
		Namesz: uint32(len(name)),
		Descsz: uint32(len(n.Desc)),
		Type:   n.Type,
	}
	// A fixed-size header cannot fail to pack into a bytes.Buffer.
	if err := struc.PackWithOrder(&buf, hdr, order); err != nil {
		panic(fmt.Sprintf("pack note header: %v", err))
	}
	out := pad(append(buf.Bytes(), name...))
	out = pad(append(out, n.Desc...))
	return append(dst, out...)
}

// Encode returns the little-endian entry version note for version.
func Encode(version uint8) []byte {
	return AppendNote(nil, binary.LittleEndian, Note{
		Name: Name,
		Type: TypeEntryVersion,
		Desc: []byte{version},
	})
}

// ParseNotes decodes a sequence of notes. On malformed input the notes
// decoded so far are returned together with ErrTruncated.
func ParseNotes(data []byte, order binary.ByteOrder) ([]Note, error) {
	var notes []Note
	size := uint64(len(data))
	off := uint64(0)
	for off+headerSize <= size {
		var h header
		if err := struc.UnpackWithOrder(bytes.NewReader(data[off:off+headerSize]), &h, order); err != nil {
			return notes, fmt.Errorf("note header @%#x: %w", off, err)
		}

		nameOff := off + headerSize
		nameEnd := nameOff + uint64(h.Namesz)
		descOff := alignUp(nameEnd)
		descEnd := descOff + uint64(h.Descsz)
		if nameEnd > size || descEnd > size {
			return notes, fmt.Errorf("note @%#x (namesz=%d descsz=%d): %w", off, h.Namesz, h.Descsz, ErrTruncated)
		}

		notes = append(notes, Note{
			Name: strings.TrimRight(string(data[nameOff:nameEnd]), "\x00"),
			Type: h.Type,
			Desc: append([]byte(nil), data[descOff:descEnd]...),
		})
		off = alignUp(descEnd)
	}
	return notes, nil
}

// FromNotes returns the entry version carried by notes, if any.
func FromNotes(notes []Note) (uint8, bool) {
	for _, n := range notes {
		if n.Name == Name && n.Type == TypeEntryVersion && len(n.Desc) >= 1 {
			return n.Desc[0], true
		}
	}
	return 0, false
}

func fromData(data []byte, order binary.ByteOrder) (uint8, bool) {
	// A malformed tail does not hide a well-formed version note before it.
	notes, _ := ParseNotes(data, order)
	return FromNotes(notes)
}

// Decode scans the PT_NOTE segments and then the SHT_NOTE sections of an ELF
// image for the entry version note. ok is false when the image carries no
// such note. err is only set when image is not a readable ELF file.
func Decode(image io.ReaderAt) (version uint8, ok bool, err error) {
	f, err := elf.NewFile(image)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	defer f.Close()

	return FromFile(f)
}

// FromFile is Decode for an already opened ELF file.
func FromFile(f *elf.File) (version uint8, ok bool, err error) {
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_NOTE || prog.Filesz == 0 {
			continue
		}
		data, err := io.ReadAll(prog.Open())
		if err != nil {
			continue
		}
		if v, ok := fromData(data, f.ByteOrder); ok {
			return v, true, nil
		}
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_NOTE {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		if v, ok := fromData(data, f.ByteOrder); ok {
			return v, true, nil
		}
	}

	return 0, false, nil
}

// WriteAssembly writes a GNU assembler fragment that embeds the entry version
// note into a kernel image when assembled and linked with it.
func WriteAssembly(w io.Writer, version uint8) error {
	_, err := fmt.Fprintf(w, `	.section %s,"a",@note
	.p2align 2
	.long %d
	.long 1
	.long %#x
	.asciz "%s"
	.p2align 2
	.byte %d
	.p2align 2
`, SectionName, len(Name)+1, TypeEntryVersion, Name, version)
	return err
}
