// Package drive defines the storage contract the syscall layer uses
// to reach persistent files, along with the backings the rest of the
// system needs.
//
// A Drive knows nothing about FCBs, drive-letters, or CP/M error
// codes - those translations happen in the syscall layer.  All names
// are normalized to upper-case 8.3 form, so lookups are effectively
// case-insensitive.
package drive

import (
	"strings"
)

// Drive is the interface the syscall layer drives.
//
// Implementations may be read-only, in which case Write and Delete
// return an error / false respectively.
type Drive interface {

	// Read returns the contents of the named file, and whether it
	// exists at all.
	Read(name string) ([]uint8, bool)

	// Write stores the named file, replacing any previous content.
	Write(name string, data []uint8) error

	// Delete removes the named file, returning true if it existed.
	Delete(name string) bool

	// List returns the names of every file present, in 8.3 form.
	List() []string

	// Exists reports whether the named file is present.
	Exists(name string) bool
}

// validChars holds the punctuation CP/M permits in filenames, beyond
// letters and digits.
const validChars = "$#@!%'`(){}~^-_"

// Normalize converts a filename to canonical CP/M 8.3 form:
// upper-cased, invalid characters stripped, the name truncated to
// eight characters and the extension to three.
func Normalize(name string) string {
	upper := strings.ToUpper(name)

	base := upper
	ext := ""
	if idx := strings.LastIndex(upper, "."); idx >= 0 {
		base = upper[:idx]
		ext = upper[idx+1:]
	}

	clean := func(s string, max int) string {
		t := ""
		for _, c := range s {
			if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
				strings.ContainsRune(validChars, c) {
				t += string(c)
			}
			if len(t) == max {
				break
			}
		}
		return t
	}

	base = clean(base, 8)
	ext = clean(ext, 3)

	// A name must have at least one character.
	if base == "" {
		base = "_"
	}

	if ext == "" {
		return base
	}
	return base + "." + ext
}
