package drive

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirDrive exposes a flat host directory as a CP/M drive.
//
// Only files whose names survive 8.3 normalization unchanged are
// visible; sub-directories are ignored, since CP/M has no concept of
// them.  This is what the CLI mounts when you point a drive-letter at
// a directory.
type DirDrive struct {
	path string
}

// NewDirDrive returns a drive backed by the given directory.
func NewDirDrive(path string) *DirDrive {
	return &DirDrive{path: path}
}

// hostPath maps a CP/M name to a path beneath our directory.
func (d *DirDrive) hostPath(name string) string {
	return filepath.Join(d.path, Normalize(name))
}

// Read returns the contents of the named file.
func (d *DirDrive) Read(name string) ([]uint8, bool) {
	data, err := os.ReadFile(d.hostPath(name))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Write stores the named file.
func (d *DirDrive) Write(name string, data []uint8) error {
	return os.WriteFile(d.hostPath(name), data, 0644)
}

// Delete removes the named file.
func (d *DirDrive) Delete(name string) bool {
	return os.Remove(d.hostPath(name)) == nil
}

// List returns the 8.3-presentable names in the directory, sorted.
func (d *DirDrive) List() []string {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := strings.ToUpper(entry.Name())
		if Normalize(name) != name {
			continue
		}
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// Exists reports whether the named file is present.
func (d *DirDrive) Exists(name string) bool {
	fi, err := os.Stat(d.hostPath(name))
	return err == nil && !fi.IsDir()
}
