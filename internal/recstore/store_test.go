package recstore

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func newDir(t *testing.T, files map[string]string) *Dir {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	d, err := NewDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestOpen(t *testing.T) {
	d := newDir(t, map[string]string{
		"sess-1.cast": `{"version":2,"width":80,"height":24}`,
	})

	rc, err := d.Open("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("empty recording content")
	}
}

func TestOpenMissing(t *testing.T) {
	d := newDir(t, nil)
	_, err := d.Open("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestOpenRejectsTraversal(t *testing.T) {
	d := newDir(t, nil)
	for _, id := range []string{"", ".", "..", "../etc/passwd", "a/b", `a\b`} {
		if _, err := d.Open(id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Open(%q) err = %v, want ErrNotFound", id, err)
		}
	}
}

func TestList(t *testing.T) {
	d := newDir(t, map[string]string{
		"sess-b.cast": "",
		"sess-a.cast": "",
		"notes.txt":   "ignored",
	})

	ids, err := d.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "sess-a" || ids[1] != "sess-b" {
		t.Errorf("List = %v, want [sess-a sess-b]", ids)
	}
}

func TestNewDirMissing(t *testing.T) {
	if _, err := NewDir("/does/not/exist"); err == nil {
		t.Error("expected error for missing directory")
	}
}
