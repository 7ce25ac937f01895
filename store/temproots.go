package store

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// AddTempRoot records path in this process's temporary roots file, so
// a concurrent collection cannot delete it.  The first call creates
// <state>/temproots/<pid> under the global GC lock; every call appends
// the path under a write lock that the collector's read lock forces to
// wait, so an entry is either read by the collector or written after
// the collection is over, never lost in between.
func (s *Store) AddTempRoot(path string) error {
	s.tempMu.Lock()
	defer s.tempMu.Unlock()

	if s.fdTempRoots == nil {
		for {
			dir := s.tempRootsDir()
			if err := os.MkdirAll(dir, 0755); err != nil {
				return errors.Wrapf(err, "creating %s", dir)
			}
			s.fnTempRoots = filepath.Join(dir, strconv.Itoa(os.Getpid()))

			// Block if a collection is active.
			gcLock, err := s.openGCLock(LockRead)
			if err != nil {
				return err
			}

			if exists(s.fnTempRoots) {
				// It must be stale: no two live processes share a pid.
				if err = os.Remove(s.fnTempRoots); err != nil {
					gcLock.Close()
					return errors.Wrapf(err, "removing stale %s", s.fnTempRoots)
				}
			}

			s.fdTempRoots, err = openLockFile(s.fnTempRoots, true)
			gcLock.Close()
			if err != nil {
				return errors.Wrapf(err, "opening %s", s.fnTempRoots)
			}

			log.Debugf("acquiring read lock on %s", s.fnTempRoots)
			if _, err = lockFile(s.fdTempRoots, LockRead, true); err != nil {
				return err
			}

			fi, err := s.fdTempRoots.Stat()
			if err != nil {
				return errors.Wrapf(err, "statting %s", s.fnTempRoots)
			}
			if fi.Size() == 0 {
				break
			}

			// The collector got to the file before we could lock it.
			// (It won't touch it now that we would hold a lock.)  Try
			// again with a fresh file.
			s.fdTempRoots.Close()
			s.fdTempRoots = nil
		}
	}

	// Upgrade to a write lock.  This blocks for as long as the
	// collector holds its read lock on our file.
	log.Debugf("acquiring write lock on %s", s.fnTempRoots)
	if _, err := lockFile(s.fdTempRoots, LockWrite, true); err != nil {
		return err
	}

	if _, err := s.fdTempRoots.Write(append([]byte(path), 0)); err != nil {
		return errors.Wrapf(err, "writing temporary root to %s", s.fnTempRoots)
	}

	log.Debugf("downgrading to read lock on %s", s.fnTempRoots)
	_, err := lockFile(s.fdTempRoots, LockRead, true)
	return err
}

// RemoveTempRoots unlinks this process's temporary roots file.  Called
// on orderly shutdown; a crashed process leaves its file behind, and
// the next collection recognizes it as stale by taking a write lock on
// it without blocking.
func (s *Store) RemoveTempRoots() error {
	s.tempMu.Lock()
	defer s.tempMu.Unlock()

	if s.fdTempRoots == nil {
		return nil
	}
	err := s.fdTempRoots.Close()
	if rmErr := os.Remove(s.fnTempRoots); err == nil {
		err = rmErr
	}
	s.fdTempRoots = nil
	return err
}

// readTempRoots collects the temporary roots of every live process
// into tempRoots.  The read locks it takes are parked in fds and must
// stay alive until the collection is over: they are what keeps the
// owning processes blocked in their write-lock upgrade.
func (s *Store) readTempRoots(tempRoots map[string]bool, fds *[]*os.File) error {
	names, err := readDirNames(s.tempRootsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "reading %s", s.tempRootsDir())
	}

	for _, name := range names {
		path := filepath.Join(s.tempRootsDir(), name)
		log.Debugf("reading temporary root file %s", path)

		fd, err := os.OpenFile(path, os.O_RDWR, 0666)
		if err != nil {
			// okay if the file has disappeared
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "opening temporary roots file %s", path)
		}

		// A write lock can only be acquired without blocking if the
		// owning process has died; its roots don't matter.
		ok, err := lockFile(fd, LockWrite, false)
		if err != nil {
			fd.Close()
			return err
		}
		if ok {
			log.Infof("removing stale temporary roots file %s", path)
			os.Remove(path)
			fd.Write([]byte("d")) // a racing reopener of the old inode sees a non-empty file
			fd.Close()
			continue
		}

		// Take a read lock.  This prevents the owner from upgrading
		// to a write lock, so it blocks in AddTempRoot until we're
		// done.
		log.Debugf("waiting for read lock on %s", path)
		if _, err = lockFile(fd, LockRead, true); err != nil {
			fd.Close()
			return err
		}

		contents, err := io.ReadAll(fd)
		if err != nil {
			fd.Close()
			return errors.Wrapf(err, "reading %s", path)
		}

		for len(contents) > 0 {
			i := bytes.IndexByte(contents, 0)
			if i < 0 {
				break
			}
			root := string(contents[:i])
			contents = contents[i+1:]
			log.Debugf("got temporary root %s", root)
			if err = s.assertStorePath(root); err != nil {
				fd.Close()
				return err
			}
			tempRoots[root] = true
		}

		*fds = append(*fds, fd) // keep the lock until the collection ends
	}
	return nil
}
