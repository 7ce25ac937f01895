package store

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// removeUnusedLinks unlinks entries of the hard-link farm whose link
// count has dropped to one: only the master remains, so no store path
// references them.  A race with the deduplicator is possible (an entry
// may gain a link between the stat and the unlink); this is an
// acknowledged best-effort cleanup.
func (s *Store) removeUnusedLinks(state *gcState) error {
	names, err := readDirNames(s.linksDir())
	if err != nil {
		return errors.Wrapf(err, "opening directory %s", s.linksDir())
	}

	var actualSize, unsharedSize int64

	for _, name := range names {
		if err = checkInterrupt(state.ctx); err != nil {
			return err
		}
		path := filepath.Join(s.linksDir(), name)

		fi, err := os.Lstat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "statting %s", path)
		}
		st, ok := fi.Sys().(*syscall.Stat_t)
		if !ok {
			continue
		}

		if st.Nlink != 1 {
			size := st.Blocks * 512
			actualSize += size
			unsharedSize += (int64(st.Nlink) - 1) * size
			continue
		}

		log.Debugf("deleting unused link %s", path)
		if err = os.Remove(path); err != nil {
			return errors.Wrapf(err, "deleting %s", path)
		}
		state.results.BytesFreed += uint64(st.Blocks) * 512
	}

	fi, err := os.Stat(s.linksDir())
	if err != nil {
		return errors.Wrapf(err, "statting %s", s.linksDir())
	}
	var overhead int64
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		overhead = st.Blocks * 512
	}

	log.Infof("note: currently hard linking saves %.2f MiB",
		float64(unsharedSize-actualSize-overhead)/(1024.0*1024.0))
	return nil
}
