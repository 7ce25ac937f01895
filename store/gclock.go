package store

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// openGCLock acquires the global GC lock.  Held in LockWrite for the
// duration of a collection; held briefly in LockRead by processes
// committing new roots.  While the collector holds it exclusively, no
// writer can register a permanent root or open a new temp-roots file.
func (s *Store) openGCLock(lt LockType) (f *os.File, err error) {
	fn := s.gcLockPath()
	log.Debugf("acquiring global GC lock %s", fn)

	f, err = openLockFile(fn, true)
	if err != nil {
		return nil, errors.Wrapf(err, "opening global GC lock %s", fn)
	}

	ok, err := lockFile(f, lt, false)
	if err != nil {
		f.Close()
		return nil, err
	}
	if !ok {
		log.Infof("waiting for the big garbage collector lock...")
		if _, err = lockFile(f, lt, true); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// SyncWithGC blocks while a collection is in progress.  Acquiring and
// releasing a read lock on the global GC lock ensures the caller did
// not race past a collector that started before its roots were
// committed.
func (s *Store) SyncWithGC() error {
	f, err := s.openGCLock(LockRead)
	if err != nil {
		return err
	}
	return f.Close()
}
