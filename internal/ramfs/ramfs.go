// Package ramfs implements the minimal in-memory read-only filesystem
// spec.md §1 names as an external collaborator ("the in-memory read-only
// filesystem from which images and configs are read"), grounded on
// original_source's wrm_ramfs_get_file lookup (app/alpha/main.cpp calls
// it to fetch "config.alph" and each application's ELF image by a
// "ramfs:/name" path). Here it is a plain name -> []byte map built once
// at bootstrap and never mutated afterward.
package ramfs

import (
	"fmt"
	"strings"
)

// FS is a read-only, in-memory file table.
type FS struct {
	files map[string][]byte
}

// New returns an empty filesystem.
func New() *FS {
	return &FS{files: make(map[string][]byte)}
}

// Add inserts a file's contents under name, stripping a "ramfs:" scheme
// prefix the same way Get does. It overwrites a previous file of the
// same name, the way a bootstrap image builder lays down one fixed set
// of files before the system starts.
func (fs *FS) Add(name string, contents []byte) {
	name = strings.TrimPrefix(name, "ramfs:/")
	name = strings.TrimPrefix(name, "ramfs:")
	fs.files[name] = contents
}

// Get returns the named file's contents, or an error if it does not
// exist. The "ramfs:" scheme prefix original_source's file_path config
// values carry is stripped if present, so callers can pass either form.
func (fs *FS) Get(name string) ([]byte, error) {
	name = strings.TrimPrefix(name, "ramfs:/")
	name = strings.TrimPrefix(name, "ramfs:")
	data, ok := fs.files[name]
	if !ok {
		return nil, fmt.Errorf("ramfs: %q not found", name)
	}
	return data, nil
}

// Names returns every file name currently held, for diagnostics.
func (fs *FS) Names() []string {
	out := make([]string, 0, len(fs.files))
	for name := range fs.files {
		out = append(out, name)
	}
	return out
}
