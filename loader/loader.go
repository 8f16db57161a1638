// Package loader converts program images into memory writes.
//
// Two formats are supported: raw memory images, which are opaque blobs
// of Z80 code copied verbatim to a base address, and Intel-HEX text,
// which carries its own addressing and per-record checksums.  Both
// loaders are pure: they only ever touch the memory they are given.
package loader

import (
	"github.com/cpmbox/cpmbox/memory"
)

// TPA is the conventional base address for transient programs.
//
// Shells may load elsewhere - typically higher, so the programs they
// launch don't overwrite them.
const TPA = 0x0100

// Raw copies the given image into memory, starting at the given base
// address.
func Raw(mem *memory.Memory, base uint16, image []uint8) {
	mem.PutRange(base, image...)
}
