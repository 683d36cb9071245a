// Package recstore locates finished session recordings. Recording files are
// produced and owned by the bastion backend; this layer only reads them.
package recstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound reports that no recording exists for the requested id.
var ErrNotFound = errors.New("recording not found")

const castExt = ".cast"

// Store resolves recording ids to their cast streams.
type Store interface {
	// Open returns the recording's cast stream. The caller closes it.
	Open(id string) (io.ReadCloser, error)
	// List returns all known recording ids, sorted.
	List() ([]string, error)
}

// Dir is a Store over a flat directory of <id>.cast files.
type Dir struct {
	path string
}

func NewDir(path string) (*Dir, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("recording dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("recording dir: %s is not a directory", path)
	}
	return &Dir{path: path}, nil
}

func (d *Dir) Open(id string) (io.ReadCloser, error) {
	if !validID(id) {
		return nil, fmt.Errorf("recording %q: %w", id, ErrNotFound)
	}
	f, err := os.Open(filepath.Join(d.path, id+castExt))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("recording %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("open recording %q: %w", id, err)
	}
	return f, nil
}

func (d *Dir) List() ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), castExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), castExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// validID rejects anything that could escape the recording directory.
func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\")
}
