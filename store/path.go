package store

import (
	"path/filepath"
	"strings"
)

const drvExtension = ".drv"

// IsInStore reports whether path is the store directory itself or
// lexically below it.
func (s *Store) IsInStore(path string) bool {
	storeDir := s.Settings.StoreDir
	if !strings.HasPrefix(path, storeDir) {
		return false
	}
	return len(path) == len(storeDir) || path[len(storeDir)] == '/'
}

// ToStorePath truncates path to its store-path prefix: the store
// directory plus the first component below it.
func (s *Store) ToStorePath(path string) (storePath string, err error) {
	if !s.IsInStore(path) {
		return "", &NotInStoreError{Path: path}
	}
	rest := strings.TrimPrefix(path[len(s.Settings.StoreDir):], "/")
	if rest == "" {
		return "", &NotInStoreError{Path: path}
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return filepath.Join(s.Settings.StoreDir, rest), nil
}

// isStorePath reports whether path names an immediate child of the
// store directory.
func (s *Store) isStorePath(path string) bool {
	sp, err := s.ToStorePath(path)
	return err == nil && sp == path
}

func (s *Store) assertStorePath(path string) error {
	if !s.isStorePath(path) {
		return &NotInStoreError{Path: path}
	}
	return nil
}

// isDerivation is a name predicate, not a catalog query.
func isDerivation(path string) bool {
	return strings.HasSuffix(path, drvExtension)
}
