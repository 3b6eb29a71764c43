package note

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/hermitboot/internal/hermit/hermittest"
)

func TestEncodeLayout(t *testing.T) {
	got := Encode(1)
	want := []byte{
		7, 0, 0, 0, // namesz
		1, 0, 0, 0, // descsz
		0x00, 0x5a, 0, 0, // type
		'H', 'E', 'R', 'M', 'I', 'T', 0, 0,
		1, 0, 0, 0,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode(1) = % x\nwant          % x", got, want)
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		for v := 0; v <= 255; v++ {
			data := AppendNote(nil, order, Note{Name: Name, Type: TypeEntryVersion, Desc: []byte{uint8(v)}})
			notes, err := ParseNotes(data, order)
			if err != nil {
				t.Fatalf("ParseNotes(%s, v=%d): %v", order, v, err)
			}
			got, ok := FromNotes(notes)
			if !ok || got != uint8(v) {
				t.Fatalf("round trip %s v=%d: got (%d, %v)", order, v, got, ok)
			}
		}
	}
}

func TestParseNotesSkipsOtherNotes(t *testing.T) {
	var data []byte
	data = AppendNote(data, binary.LittleEndian, Note{Name: "GNU", Type: 3, Desc: []byte("0123456789abcdef0123")})
	data = AppendNote(data, binary.LittleEndian, Note{Name: Name, Type: 0x1234, Desc: []byte{9}})
	data = append(data, Encode(7)...)

	notes, err := ParseNotes(data, binary.LittleEndian)
	if err != nil {
		t.Fatalf("ParseNotes: %v", err)
	}
	if len(notes) != 3 {
		t.Fatalf("got %d notes, want 3", len(notes))
	}
	if notes[0].Name != "GNU" || notes[0].Type != 3 {
		t.Fatalf("first note = %+v", notes[0])
	}
	if v, ok := FromNotes(notes); !ok || v != 7 {
		t.Fatalf("FromNotes = (%d, %v), want (7, true)", v, ok)
	}
}

func TestParseNotesTruncated(t *testing.T) {
	data := Encode(1)
	binary.LittleEndian.PutUint32(data[4:], 64)

	notes, err := ParseNotes(data, binary.LittleEndian)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
	if len(notes) != 0 {
		t.Fatalf("got %d notes from truncated input", len(notes))
	}
}

func TestDecodeImage(t *testing.T) {
	img := hermittest.Kernel(elf.EM_X86_64, 0x100000, Encode(1)).Bytes()

	v, ok, err := Decode(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !ok || v != 1 {
		t.Fatalf("Decode = (%d, %v), want (1, true)", v, ok)
	}
}

func TestDecodeImageWithoutNote(t *testing.T) {
	img := hermittest.Kernel(elf.EM_AARCH64, 0x40200000, nil).Bytes()

	v, ok, err := Decode(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ok {
		t.Fatalf("Decode found version %d in an image without notes", v)
	}
}

func TestDecodeMalformedNoteIsLegacy(t *testing.T) {
	garbage := []byte{0xff, 0xff, 0xff, 0x7f, 1, 0, 0, 0, 0, 0x5a, 0, 0}
	img := hermittest.Kernel(elf.EM_X86_64, 0x100000, garbage).Bytes()

	_, ok, err := Decode(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ok {
		t.Fatal("malformed note decoded as a version")
	}
}

func TestDecodeNotELF(t *testing.T) {
	_, _, err := Decode(strings.NewReader("MZ this is not an elf file at all, not even close"))
	if !errors.Is(err, ErrNotELF) {
		t.Fatalf("err = %v, want ErrNotELF", err)
	}
}

func TestWriteAssembly(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteAssembly(&buf, 1); err != nil {
		t.Fatalf("WriteAssembly: %v", err)
	}
	out := buf.String()
	for _, want := range []string{SectionName, ".long 7", ".long 0x5a00", `.asciz "HERMIT"`, ".byte 1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("assembly missing %q:\n%s", want, out)
		}
	}
}
