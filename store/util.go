package store

import (
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/pkg/errors"
)

func canstat(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func isLink(path string) bool {
	fi, err := os.Lstat(path)
	return err == nil && fi.Mode()&os.ModeSymlink != 0
}

// absPath resolves path against dir when it is relative, without
// following symlinks.
func absPath(path, dir string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	return filepath.Clean(path)
}

// canonPath makes path absolute and lexically clean.
func canonPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

func readDirNames(dir string) (names []string, err error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	names, err = f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return
}

func sortedKeys(m map[string]bool) (keys []string) {
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return
}

// deletePath removes path recursively and returns the number of bytes
// released.  A path that is already gone counts as deleted.  Bytes are
// accounted in 512-byte blocks, and only for objects whose last link
// is going away.
func deletePath(path string) (bytesFreed uint64, err error) {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "getting status of %s", path)
	}

	if fi.IsDir() {
		// entries of a read-only directory cannot be unlinked
		if fi.Mode().Perm()&0700 != 0700 {
			makeMutable(path)
			if err = os.Chmod(path, fi.Mode().Perm()|0700); err != nil {
				return 0, errors.Wrapf(err, "making %s writable", path)
			}
		}
		names, err := readDirNames(path)
		if err != nil {
			return 0, errors.Wrapf(err, "reading directory %s", path)
		}
		for _, name := range names {
			n, err := deletePath(filepath.Join(path, name))
			bytesFreed += n
			if err != nil {
				return bytesFreed, err
			}
		}
	} else if st, ok := fi.Sys().(*syscall.Stat_t); ok && st.Nlink <= 1 {
		bytesFreed += uint64(st.Blocks) * 512
	}

	if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
		return bytesFreed, errors.Wrapf(err, "deleting %s", path)
	}
	return bytesFreed, nil
}
