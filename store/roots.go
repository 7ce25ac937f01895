package store

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// Roots maps the filesystem path of each discovered root link to the
// store path it resolves to.
type Roots map[string]string

const defaultRootFinder = "nix/find-runtime-roots.pl"

// AddIndirectRoot registers path (a symlink outside the store that is
// expected to point into it) under gcroots/auto, named after its sha1.
func (s *Store) AddIndirectRoot(path string) error {
	hash := printHash32(hashString(path))
	realRoot := canonPath(filepath.Join(s.gcRootsDir(), "auto", hash))
	return createSymlink(realRoot, path)
}

// AddPermRoot makes gcRoot a symlink to storePath and registers it as
// a permanent root.  With indirect, gcRoot may live anywhere outside
// the store and is registered through gcroots/auto; otherwise it must
// be below gcroots unless allowOutside is set.  Returns the root link
// path.
func (s *Store) AddPermRoot(storePath, gcRoot string, indirect, allowOutside bool) (out string, err error) {
	defer Return(&err)

	storePath = canonPath(storePath)
	gcRoot = canonPath(gcRoot)
	err = s.assertStorePath(storePath)
	Ck(err)

	if s.IsInStore(gcRoot) {
		return "", errors.Errorf(
			"creating a garbage collector root (%s) in the store is forbidden "+
				"(are you running a build inside the store?)", gcRoot)
	}

	if indirect {
		// Don't clobber a link that already exists and doesn't point
		// into the store.
		if exists(gcRoot) && (!isLink(gcRoot) || !s.isLinkIntoStore(gcRoot)) {
			return "", errors.Errorf("cannot create symlink %s; already exists", gcRoot)
		}
		err = createSymlink(gcRoot, storePath)
		Ck(err)
		err = s.AddIndirectRoot(gcRoot)
		Ck(err)
	} else {
		if !allowOutside {
			rootsDir := canonPath(s.gcRootsDir())
			if !strings.HasPrefix(gcRoot, rootsDir+"/") {
				return "", errors.Errorf(
					"path %s is not a valid garbage collector root; "+
						"it's not in the directory %s", gcRoot, rootsDir)
			}
		}
		err = createSymlink(gcRoot, storePath)
		Ck(err)
	}

	if s.Settings.CheckRootReachability {
		roots, err := s.FindRoots()
		Ck(err)
		if _, ok := roots[gcRoot]; !ok {
			log.Warnf("%s is not in a directory where the garbage collector "+
				"looks for roots; therefore, %s might be removed by the "+
				"garbage collector", gcRoot, storePath)
		}
	}

	// Block while a collection is in progress, so the new root is
	// committed before any later collector snapshots the root set.
	err = s.SyncWithGC()
	Ck(err)

	return gcRoot, nil
}

func (s *Store) isLinkIntoStore(link string) bool {
	target, err := os.Readlink(link)
	return err == nil && s.IsInStore(absPath(target, filepath.Dir(link)))
}

// FindRoots walks gcroots and returns every link that resolves to a
// valid store path.
func (s *Store) FindRoots() (Roots, error) {
	return s.findRoots(false)
}

func (s *Store) findRoots(deleteStale bool) (Roots, error) {
	roots := Roots{}
	err := s.findRootsIn(canonPath(s.gcRootsDir()), true, deleteStale, roots)
	return roots, err
}

// findRootsIn walks path depth-first.  Symlinks into the store become
// roots; symlinks elsewhere are followed one hop while still inside
// the gcroots tree, and (with deleteStale) unlinked when their target
// is gone.  We only ever delete inside the gcroots tree, never through
// it.
func (s *Store) findRootsIn(path string, recurseSymlinks, deleteStale bool, roots Roots) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return s.rootWalkErr(err, path)
	}

	log.Tracef("looking at %s", path)

	switch {
	case fi.IsDir():
		names, err := readDirNames(path)
		if err != nil {
			return s.rootWalkErr(err, path)
		}
		for _, name := range names {
			err = s.findRootsIn(filepath.Join(path, name), recurseSymlinks, deleteStale, roots)
			if err != nil {
				return err
			}
		}

	case fi.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return s.rootWalkErr(err, path)
		}
		target = absPath(target, filepath.Dir(path))

		if s.IsInStore(target) {
			log.Debugf("found root %s in %s", target, path)
			storePath, err := s.ToStorePath(target)
			if err != nil {
				return err
			}
			if s.catalog.IsValidPath(storePath) {
				roots[path] = storePath
			} else {
				log.Infof("skipping invalid root from %s to %s", path, storePath)
			}
		} else if recurseSymlinks {
			if exists(target) {
				err = s.findRootsIn(target, false, deleteStale, roots)
				if err != nil {
					return err
				}
			} else if deleteStale {
				log.Infof("removing stale link from %s to %s", path, target)
				os.Remove(path)
			}
		}
	}
	return nil
}

// rootWalkErr swallows the permanent failures the walk tolerates and
// propagates everything else.
func (s *Store) rootWalkErr(err error, path string) error {
	if ignorableRootErr(err) {
		log.Infof("cannot read potential root %s", path)
		return nil
	}
	return errors.Wrapf(err, "examining potential root %s", path)
}

// addAdditionalRoots runs the external root finder (typically a script
// that inspects /proc for store paths held open by running programs)
// and unions its output into roots.
func (s *Store) addAdditionalRoots(ctx context.Context, roots map[string]bool) (err error) {
	defer Return(&err)

	finder, found := os.LookupEnv("NIX_ROOT_FINDER")
	if !found {
		finder = filepath.Join(s.Settings.LibexecDir, defaultRootFinder)
	}
	if finder == "" {
		return
	}

	argv, err := shlex.Split(finder)
	Ck(err)
	if len(argv) == 0 || !canstat(argv[0]) {
		log.Debugf("root finder %s not present; skipping", finder)
		return
	}

	log.Debugf("executing %s to find additional roots", finder)
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
	Ck(err)

	for _, line := range strings.Split(string(out), "\n") {
		if line == "" || !s.IsInStore(line) {
			continue
		}
		path, err := s.ToStorePath(line)
		Ck(err)
		if !roots[path] && s.catalog.IsValidPath(path) {
			log.Debugf("got additional root %s", path)
			roots[path] = true
		}
	}
	return
}
