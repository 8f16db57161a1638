package drive

import "sort"

// RAMDrive is the simplest backing: a map of name to content, living
// only as long as the session.
type RAMDrive struct {
	files map[string][]uint8
}

// NewRAMDrive returns an empty in-memory drive.
func NewRAMDrive() *RAMDrive {
	return &RAMDrive{
		files: make(map[string][]uint8),
	}
}

// Add is a convenience for populating a drive before a run.
func (r *RAMDrive) Add(name string, data []uint8) {
	r.files[Normalize(name)] = data
}

// Read returns the contents of the named file.
func (r *RAMDrive) Read(name string) ([]uint8, bool) {
	data, ok := r.files[Normalize(name)]
	return data, ok
}

// Write stores the named file.
func (r *RAMDrive) Write(name string, data []uint8) error {
	r.files[Normalize(name)] = data
	return nil
}

// Delete removes the named file.
func (r *RAMDrive) Delete(name string) bool {
	key := Normalize(name)

	_, ok := r.files[key]
	delete(r.files, key)
	return ok
}

// List returns the names of every file present, sorted.
func (r *RAMDrive) List() []string {
	var names []string

	for name := range r.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Exists reports whether the named file is present.
func (r *RAMDrive) Exists(name string) bool {
	_, ok := r.files[Normalize(name)]
	return ok
}
