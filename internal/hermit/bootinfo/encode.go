package bootinfo

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"

	"github.com/tinyrange/hermitboot/internal/hv"
)

// Encode returns the byte-exact record for b with the default legacy fields.
// The mutable fields start out zero.
func Encode(b *BootInfo) ([]byte, error) {
	return EncodeWithCompat(b, DefaultCompat())
}

// EncodeWithCompat is Encode with explicit legacy field values, for loaders
// that must satisfy a consumer which still reads them.
func EncodeWithCompat(b *BootInfo, compat Compat) ([]byte, error) {
	if err := Validate(b); err != nil {
		return nil, err
	}

	f := fieldsOf(b)
	var wire any
	switch b.Arch {
	case hv.ArchitectureX86_64:
		wire = newWireX86_64(f, compat)
	case hv.ArchitectureARM64:
		wire = newWireAArch64(f, compat)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedArch, b.Arch)
	}

	var buf bytes.Buffer
	buf.Grow(Size)
	if err := struc.PackWithOrder(&buf, wire, binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("pack %s boot info: %w", b.Arch, err)
	}
	if buf.Len() != Size {
		return nil, fmt.Errorf("packed %s boot info is %d bytes, want %d", b.Arch, buf.Len(), Size)
	}
	return buf.Bytes(), nil
}

// Publish encodes b into mem and attaches to it. mem must satisfy the same
// requirements as for Attach. No core may be running the kernel yet.
func Publish(b *BootInfo, compat Compat, mem []byte) (Record, error) {
	data, err := EncodeWithCompat(b, compat)
	if err != nil {
		return nil, err
	}
	if len(mem) < Size {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrShortBuffer, len(mem), Size)
	}
	copy(mem, data)
	return Attach(b.Arch, mem)
}
