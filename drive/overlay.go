package drive

import "sort"

// Overlay is a copy-on-write layer above a base drive.
//
// Reads prefer the overlay, falling back to the base; writes only ever
// land in the overlay; deletions shadow base files without touching
// them.  This is how a read-only package of period software becomes a
// writable-looking disk.
type Overlay struct {
	base    Drive
	overlay map[string][]uint8
	deleted map[string]bool
}

// NewOverlay wraps the given base drive, which is never modified.
func NewOverlay(base Drive) *Overlay {
	return &Overlay{
		base:    base,
		overlay: make(map[string][]uint8),
		deleted: make(map[string]bool),
	}
}

// Base returns the wrapped drive.
func (o *Overlay) Base() Drive {
	return o.base
}

// Modified returns the names of files created or changed in the
// overlay, sorted.
func (o *Overlay) Modified() []string {
	var names []string

	for name := range o.overlay {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear discards every overlay change, exposing the base again.
func (o *Overlay) Clear() {
	o.overlay = make(map[string][]uint8)
	o.deleted = make(map[string]bool)
}

// Read returns the contents of the named file.
func (o *Overlay) Read(name string) ([]uint8, bool) {
	key := Normalize(name)

	if o.deleted[key] {
		return nil, false
	}
	if data, ok := o.overlay[key]; ok {
		return data, true
	}
	return o.base.Read(key)
}

// Write stores the named file in the overlay.  Writing to a deleted
// name un-deletes it.
func (o *Overlay) Write(name string, data []uint8) error {
	key := Normalize(name)

	o.overlay[key] = data
	delete(o.deleted, key)
	return nil
}

// Delete shadows the named file.
func (o *Overlay) Delete(name string) bool {
	key := Normalize(name)
	existed := o.Exists(key)

	delete(o.overlay, key)
	o.deleted[key] = true
	return existed
}

// List merges the base and overlay names, minus deletions.
func (o *Overlay) List() []string {
	seen := make(map[string]bool)

	for _, name := range o.base.List() {
		seen[name] = true
	}
	for name := range o.overlay {
		seen[name] = true
	}
	for name := range o.deleted {
		delete(seen, name)
	}

	var names []string
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Exists reports whether the named file is visible.
func (o *Overlay) Exists(name string) bool {
	key := Normalize(name)

	if o.deleted[key] {
		return false
	}
	if _, ok := o.overlay[key]; ok {
		return true
	}
	return o.base.Exists(key)
}
