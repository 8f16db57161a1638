// Package fcb contains helpers for reading, writing, and working with
// the CP/M FCB structure.
//
// The FCB is a 36-byte record which lives in the guest program's own
// memory; every file-related BDOS call receives a pointer to one.  This
// package understands the fixed layout, the 8.3 naming rules, and the
// positional "?" wildcard matching used by the directory-search calls.
package fcb

import (
	"strings"
)

// Size is the size, in bytes, of an FCB in RAM.
const Size = 36

// cookieKey is XORed with the file-handle cookie stored in the
// allocation bytes, so that a guest which scribbles over an FCB is
// detected rather than handed somebody else's file.
const cookieKey = 0xBEEF

// FCB is the CP/M file control block.
type FCB struct {
	// Drive holds the drive-number for this entry.
	//
	// 0 means "the current drive", 1 means A:, 2 means B:, etc.
	Drive uint8

	// Name holds the name of the file, space-padded.
	Name [8]uint8

	// Type holds the suffix, space-padded.
	Type [3]uint8

	// Ex is the current extent counter.
	Ex uint8

	// S1 is reserved.
	S1 uint8

	// S2 holds the high bits of the extent, for large files.
	S2 uint8

	// RC is the record-count within the current extent.
	RC uint8

	// Al is the allocation map.  We don't emulate disk blocks, so
	// these bytes are repurposed to carry our file-handle cookie.
	Al [16]uint8

	// Cr is the current record, for sequential I/O.
	Cr uint8

	// R0, R1, R2 hold the 24-bit random record number.
	R0 uint8
	R1 uint8
	R2 uint8
}

// GetName returns the name component of an FCB entry.
func (f *FCB) GetName() string {
	t := ""

	for _, c := range f.Name {
		t += string(c & 0x7F)
	}
	return strings.TrimSpace(t)
}

// GetType returns the type/extension component of an FCB entry.
func (f *FCB) GetType() string {
	t := ""

	for _, c := range f.Type {
		t += string(c & 0x7F)
	}
	return strings.TrimSpace(t)
}

// GetFileName returns the name and extension joined in the way a host
// filesystem would expect, "NAME.EXT", or just "NAME" if the extension
// is empty.
func (f *FCB) GetFileName() string {
	name := f.GetName()
	ext := f.GetType()

	if ext == "" {
		return name
	}
	return name + "." + ext
}

// AsBytes returns the entry of the FCB in a format suitable for
// copying to RAM.
func (f *FCB) AsBytes() []uint8 {

	var r []uint8

	r = append(r, f.Drive)
	r = append(r, f.Name[:]...)
	r = append(r, f.Type[:]...)
	r = append(r, f.Ex)
	r = append(r, f.S1)
	r = append(r, f.S2)
	r = append(r, f.RC)
	r = append(r, f.Al[:]...)
	r = append(r, f.Cr)
	r = append(r, f.R0)
	r = append(r, f.R1)
	r = append(r, f.R2)

	return r
}

// SequentialRecord returns the record number the next sequential
// read/write will use, combining the current-record byte with the
// extent counters.
func (f *FCB) SequentialRecord() uint32 {
	return uint32(f.Cr) | (uint32(f.Ex) << 7) | (uint32(f.S2) << 12)
}

// SetSequentialRecord updates the current-record byte and the extent
// counters to point at the given record.
func (f *FCB) SetSequentialRecord(n uint32) {
	f.Cr = uint8(n & 0x7F)
	f.Ex = uint8((n >> 7) & 0x1F)
	f.S2 = uint8(n >> 12)
}

// RandomRecord returns the 24-bit random record number.
func (f *FCB) RandomRecord() uint32 {
	return uint32(f.R0) | (uint32(f.R1) << 8) | (uint32(f.R2) << 16)
}

// SetRandomRecord updates the 24-bit random record number.
func (f *FCB) SetRandomRecord(n uint32) {
	f.R0 = uint8(n & 0xFF)
	f.R1 = uint8((n >> 8) & 0xFF)
	f.R2 = uint8((n >> 16) & 0xFF)
}

// SetHandle stashes a file-handle in the allocation bytes, protected
// by a simple XOR signature.
func (f *FCB) SetHandle(n uint16) {
	x := n ^ cookieKey

	f.Al[0] = uint8(n & 0xFF)
	f.Al[1] = uint8(n >> 8)
	f.Al[2] = uint8(x & 0xFF)
	f.Al[3] = uint8(x >> 8)
}

// GetHandle returns the file-handle previously stored with SetHandle,
// or false if the allocation bytes don't contain a valid cookie.
func (f *FCB) GetHandle() (uint16, bool) {
	n := uint16(f.Al[0]) | (uint16(f.Al[1]) << 8)
	x := uint16(f.Al[2]) | (uint16(f.Al[3]) << 8)

	if n != 0 && (n^cookieKey) == x {
		return n, true
	}
	return 0, false
}

// ClearHandle removes any stored file-handle.
func (f *FCB) ClearHandle() {
	f.Al[0] = 0
	f.Al[1] = 0
	f.Al[2] = 0
	f.Al[3] = 0
}

// Reset prepares the FCB for a fresh open/make operation, zeroing the
// extent counters, the record pointers, and any stored handle.
func (f *FCB) Reset() {
	f.Ex = 0
	f.S1 = 0
	f.S2 = 0
	f.RC = 0
	f.Cr = 0
	f.ClearHandle()
}

// Matches tests whether this FCB's name and type match the given
// pattern FCB, which may contain "?" wildcards.
//
// The match is positional over the eleven name/type bytes, with the
// high bit of each byte masked off - CP/M hides file-attributes there.
func (f *FCB) Matches(pattern *FCB) bool {
	for i := 0; i < 8; i++ {
		p := pattern.Name[i] & 0x7F
		c := f.Name[i] & 0x7F

		if p != '?' && p != c {
			return false
		}
	}

	for i := 0; i < 3; i++ {
		p := pattern.Type[i] & 0x7F
		c := f.Type[i] & 0x7F

		if p != '?' && p != c {
			return false
		}
	}

	return true
}

// FromString returns an FCB entry from the given string, which may
// have a drive-prefix such as "B:".
//
// Names are upper-cased and space-padded to 8.3, and any "*" wildcard
// is expanded to a run of "?" markers, which is what the BDOS
// search-calls expect to work with.
func FromString(str string) FCB {

	// Return value
	tmp := FCB{}

	// Filenames are always upper-case
	str = strings.ToUpper(strings.TrimSpace(str))

	// Does the string have a drive-prefix?
	if len(str) > 2 && str[1] == ':' {
		tmp.Drive = str[0] - 'A' + 1
		str = str[2:]
	} else {
		tmp.Drive = 0x00
	}

	name := str
	ext := ""

	// Split on the last period, if any.
	if idx := strings.LastIndex(str, "."); idx >= 0 {
		name = str[:idx]
		ext = str[idx+1:]
	}

	copy(tmp.Name[:], expand(name, 8))
	copy(tmp.Type[:], expand(ext, 3))

	return tmp
}

// expand pads the given name-component with spaces to the given width,
// converting any "*" to a run of "?" which fills the rest of the field.
func expand(val string, width int) string {
	t := ""

	for _, c := range val {
		if c == '*' {
			for len(t) < width {
				t += "?"
			}
			break
		}
		t += string(c)
	}

	for len(t) < width {
		t += " "
	}

	return t[:width]
}

// FromBytes returns an FCB entry from the given bytes.
func FromBytes(bytes []uint8) FCB {
	// Return value
	tmp := FCB{}

	tmp.Drive = bytes[0]
	copy(tmp.Name[:], bytes[1:])
	copy(tmp.Type[:], bytes[9:])
	tmp.Ex = bytes[12]
	tmp.S1 = bytes[13]
	tmp.S2 = bytes[14]
	tmp.RC = bytes[15]
	copy(tmp.Al[:], bytes[16:])
	tmp.Cr = bytes[32]
	tmp.R0 = bytes[33]
	tmp.R1 = bytes[34]
	tmp.R2 = bytes[35]

	return tmp
}
