package bootinfo

import "github.com/tinyrange/hermitboot/internal/hv"

// Raw is the record layout of the architecture this binary runs on. Kernel
// side code uses it to reach the record through a pointer handed over by the
// loader.
type Raw = RawAArch64

const NativeArch = hv.ArchitectureARM64
