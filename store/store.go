package store

import (
	"os"
	"path/filepath"
	"sync"

	. "github.com/stevegt/goadapt"
)

const (
	gcLockName       = "gc.lock"
	tempRootsDirName = "temproots"
	gcRootsDirName   = "gcroots"
	linksDirName     = ".links"
)

// Store is a handle on one store directory plus its state directory.
// It is safe for concurrent use within a process; coordination with
// other processes is via the advisory locks described in the package
// doc.
type Store struct {
	Settings Settings
	catalog  Catalog

	// this process's temporary roots file
	tempMu      sync.Mutex
	fnTempRoots string
	fdTempRoots *os.File
}

// Open returns a Store over an existing store and state directory.
func Open(settings Settings, catalog Catalog) (s *Store, err error) {
	s = &Store{Settings: settings, catalog: catalog}
	if !canstat(settings.StoreDir) {
		return nil, &NotStoreError{Dir: settings.StoreDir}
	}
	if !canstat(settings.StateDir) {
		return nil, &NotStoreError{Dir: settings.StateDir}
	}
	return
}

// Init creates the on-disk layout for a new store and returns a handle
// on it.
func Init(settings Settings, catalog Catalog) (s *Store, err error) {
	defer Return(&err)
	for _, dir := range []string{
		settings.StoreDir,
		filepath.Join(settings.StoreDir, linksDirName),
		settings.StateDir,
		filepath.Join(settings.StateDir, gcRootsDirName),
		filepath.Join(settings.StateDir, tempRootsDirName),
	} {
		err = os.MkdirAll(dir, 0755)
		Ck(err)
	}
	return Open(settings, catalog)
}

// Close releases per-process state: the temporary roots file is
// unlinked so the next collection does not mistake it for a crashed
// process's leftovers.
func (s *Store) Close() error {
	return s.RemoveTempRoots()
}

func (s *Store) gcLockPath() string {
	return filepath.Join(s.Settings.StateDir, gcLockName)
}

func (s *Store) tempRootsDir() string {
	return filepath.Join(s.Settings.StateDir, tempRootsDirName)
}

func (s *Store) gcRootsDir() string {
	return filepath.Join(s.Settings.StateDir, gcRootsDirName)
}

func (s *Store) linksDir() string {
	return filepath.Join(s.Settings.StoreDir, linksDirName)
}
