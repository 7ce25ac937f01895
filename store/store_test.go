package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	. "github.com/stevegt/goadapt"
)

func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper()
	if !cond {
		t.Fatalf(txt, args...)
	}
}

// setup builds an empty store plus state dir under a temp directory.
// DEBUG=1 keeps the directory around for inspection.
func setup(t *testing.T) (s *Store, cat *FileCatalog) {
	t.Helper()

	var dir string
	if os.Getenv("DEBUG") == "1" {
		var err error
		dir, err = os.MkdirTemp("", "nixgc")
		Ck(err)
		fmt.Println(dir)
		// no cleanup
	} else {
		dir = t.TempDir()
	}

	settings := Settings{
		StoreDir:   filepath.Join(dir, "store"),
		StateDir:   filepath.Join(dir, "state"),
		LibexecDir: filepath.Join(dir, "libexec"),
	}

	cat, err := OpenFileCatalog(filepath.Join(settings.StateDir, "catalog"))
	Ck(err)
	s, err = Init(settings, cat)
	Ck(err)

	// keep the runtime root finder out of unit tests
	t.Setenv("NIX_ROOT_FINDER", "")

	t.Cleanup(func() { s.Close() })
	return
}

// addPath creates a store path on disk as a directory holding size
// payload bytes and registers it in the catalog.
func addPath(t *testing.T, s *Store, cat *FileCatalog, name string, size int, refs []string, outputs []string) string {
	t.Helper()
	p := filepath.Join(s.Settings.StoreDir, name)
	err := os.MkdirAll(p, 0755)
	Ck(err)
	err = os.WriteFile(filepath.Join(p, "data"), bytes.Repeat([]byte("x"), size), 0644)
	Ck(err)
	err = cat.RegisterPath(PathInfo{
		Path:       p,
		References: refs,
		NarSize:    uint64(size),
	}, outputs)
	Ck(err)
	return p
}

func TestInitLayout(t *testing.T) {
	s, _ := setup(t)
	for _, dir := range []string{
		s.Settings.StoreDir,
		s.linksDir(),
		s.gcRootsDir(),
		s.tempRootsDir(),
	} {
		tassert(t, canstat(dir), "missing %s", dir)
	}
}

func TestOpenMissing(t *testing.T) {
	settings := Settings{
		StoreDir: filepath.Join(t.TempDir(), "nope"),
		StateDir: filepath.Join(t.TempDir(), "nope"),
	}
	cat, err := OpenFileCatalog(filepath.Join(t.TempDir(), "catalog"))
	tassert(t, err == nil, "OpenFileCatalog: %v", err)
	_, err = Open(settings, cat)
	tassert(t, err != nil, "expected error opening missing store")
	_, ok := err.(*NotStoreError)
	tassert(t, ok, "expected NotStoreError, got %T", err)
}
