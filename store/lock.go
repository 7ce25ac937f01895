package store

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	. "github.com/stevegt/goadapt"
)

type LockType int

const (
	LockNone LockType = iota // release
	LockRead
	LockWrite
)

// lockFile acquires an advisory lock on f (or releases it, with
// LockNone).  With wait false, a conflicting holder makes it return
// false instead of blocking.  Calling it again on a locked descriptor
// converts the lock, so a holder can upgrade and downgrade.  The lock
// belongs to the open file description, not the path: a second open of
// the same file, even by the same process, is lockable independently.
func lockFile(f *os.File, lt LockType, wait bool) (ok bool, err error) {
	var op int
	switch lt {
	case LockRead:
		op = syscall.LOCK_SH
	case LockWrite:
		op = syscall.LOCK_EX
	case LockNone:
		op = syscall.LOCK_UN
	}
	if !wait {
		op |= syscall.LOCK_NB
	}
	for {
		err = syscall.Flock(int(f.Fd()), op)
		switch err {
		case nil:
			return true, nil
		case syscall.EINTR:
			continue
		case syscall.EWOULDBLOCK:
			if !wait {
				return false, nil
			}
		}
		return false, errors.Wrapf(err, "locking %s", f.Name())
	}
}

// openLockFile opens (optionally creating) a lock file.  The
// descriptor is close-on-exec; the lock dies with it.
func openLockFile(path string, create bool) (f *os.File, err error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	return os.OpenFile(path, flags, 0600)
}

// createSymlink atomically replaces link with a symlink to target,
// creating parent directories as needed.  A failure leaves either the
// old link intact or no link at all.
func createSymlink(link, target string) (err error) {
	defer Return(&err)
	err = os.MkdirAll(filepath.Dir(link), 0755)
	Ck(err)
	err = renameio.Symlink(target, link)
	Ck(err)
	return
}
