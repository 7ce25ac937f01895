package store

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type GCAction int

const (
	GCReturnLive GCAction = iota // report the live paths, delete nothing
	GCReturnDead                 // report the dead paths, delete nothing
	GCDeleteDead                 // delete everything unreachable
	GCDeleteSpecific             // delete PathsToDelete and their dead referrers, or fail
)

// MaxFreedDefault makes the byte budget effectively unlimited.
const MaxFreedDefault = ^uint64(0)

type GCOptions struct {
	Action GCAction

	// PathsToDelete is consumed by GCDeleteSpecific.
	PathsToDelete []string

	// MaxFreed stops the collection once more than this many bytes
	// have been freed or invalidated.  Zero disables the store scan entirely;
	// GCDeleteSpecific ignores it.
	MaxFreed uint64

	// IgnoreLiveness skips root discovery.  Temporary roots are still
	// honored.
	IgnoreLiveness bool
}

type GCResults struct {
	// Paths decided by the collection: the dead (or would-be dead)
	// paths, or with GCReturnLive the live ones.
	Paths []string

	BytesFreed uint64
}

// gcState is the transient record of one collection.
type gcState struct {
	options GCOptions
	results *GCResults

	roots     map[string]bool
	tempRoots map[string]bool

	deleted map[string]bool
	live    map[string]bool

	// renamed-aside directories awaiting out-of-lock removal
	invalidated map[string]bool

	keepOutputs      bool
	keepDerivations  bool
	maxFreed         uint64
	bytesInvalidated uint64

	ctx context.Context
}

func newGCState(ctx context.Context, options GCOptions, results *GCResults) *gcState {
	return &gcState{
		options:     options,
		results:     results,
		roots:       map[string]bool{},
		tempRoots:   map[string]bool{},
		deleted:     map[string]bool{},
		live:        map[string]bool{},
		invalidated: map[string]bool{},
		ctx:         ctx,
	}
}

func shouldDelete(action GCAction) bool {
	return action == GCDeleteDead || action == GCDeleteSpecific
}

func checkInterrupt(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// isActiveTempFile reports whether path is a scratch file of an
// in-progress build: <tempRoot>.lock or <tempRoot>.chroot for some
// current temporary root.
func (s *Store) isActiveTempFile(state *gcState, path, suffix string) bool {
	return strings.HasSuffix(path, suffix) &&
		state.tempRoots[path[:len(path)-len(suffix)]]
}

func (s *Store) deleteGarbage(state *gcState, path string) error {
	log.Infof("deleting %s", path)
	bytesFreed, err := deletePath(path)
	state.results.BytesFreed += bytesFreed
	return err
}

// tryToDelete decides whether path is dead, deleting it if the action
// says so.  Returns true iff the path ended up classified dead.
//
// With keep-outputs and keep-derivations both set the liveness graph
// can contain cycles, so the strongly connected component around path
// is expanded first ('paths') and decided as a single unit: its
// members can be deleted only if every referrer outside the component
// is garbage.
func (s *Store) tryToDelete(state *gcState, path string) (dead bool, err error) {
	if err = checkInterrupt(state.ctx); err != nil {
		return false, err
	}

	// the link farm is cleaned up separately
	if path == s.linksDir() {
		return true, nil
	}

	if _, err = os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, errors.Wrapf(err, "getting status of %s", path)
	}

	if state.deleted[path] {
		return true, nil
	}
	if state.live[path] {
		return false, nil
	}

	log.Debugf("considering whether to delete %s", path)

	paths := map[string]bool{}
	if s.catalog.IsValidPath(path) {
		// Expand to the closure under the keep-flag edges.
		todo := []string{path}
		for len(todo) > 0 {
			p := todo[len(todo)-1]
			todo = todo[:len(todo)-1]
			if err = s.assertStorePath(p); err != nil {
				return false, err
			}
			if paths[p] {
				continue
			}
			paths[p] = true

			// Don't delete a derivation while any of its outputs live.
			if state.keepDerivations && isDerivation(p) {
				outputs, err := s.catalog.QueryDerivationOutputs(p)
				if err != nil {
					return false, err
				}
				for _, out := range outputs {
					if s.catalog.IsValidPath(out) {
						todo = append(todo, out)
					}
				}
			}

			// Don't delete an output while any of its derivers live.
			if state.keepOutputs {
				derivers, err := s.catalog.QueryValidDerivers(p)
				if err != nil {
					return false, err
				}
				todo = append(todo, derivers...)
			}
		}
	} else {
		// Scratch files of a build in progress aren't garbage.
		if s.isActiveTempFile(state, path, ".lock") {
			return false, nil
		}
		if s.isActiveTempFile(state, path, ".chroot") {
			return false, nil
		}
		paths[path] = true
	}

	live := false
	for p := range paths {
		if state.roots[p] {
			log.Debugf("cannot delete %s because it's a root", p)
			live = true
			break
		}
	}

	if !live {
		referrers := map[string]bool{}
		for p := range paths {
			if !s.catalog.IsValidPath(p) {
				continue
			}
			refs, err := s.catalog.QueryReferrers(p)
			if err != nil {
				return false, err
			}
			for _, r := range refs {
				if !paths[r] {
					referrers[r] = true
				}
			}
		}
		for _, r := range sortedKeys(referrers) {
			rdead, err := s.tryToDelete(state, r)
			if err != nil {
				return false, err
			}
			if !rdead {
				log.Debugf("cannot delete %s because it has live referrers", r)
				live = true
				break
			}
		}
	}

	if live {
		for p := range paths {
			state.live[p] = true
			if state.options.Action == GCReturnLive {
				state.results.Paths = append(state.results.Paths, p)
			}
		}
		return false, nil
	}

	// The component is garbage.  Delete referrers-first so that no
	// surviving valid path is ever left with a dangling reference.
	pathsSorted, err := s.catalog.TopoSortPaths(paths)
	if err != nil {
		return false, err
	}

	for _, p := range pathsSorted {
		if shouldDelete(state.options.Action) {
			if err = s.deleteOrInvalidate(state, p); err != nil {
				return false, err
			}
			if state.results.BytesFreed+state.bytesInvalidated > state.maxFreed {
				log.Infof("deleted or invalidated more than %d bytes; stopping", state.maxFreed)
				return true, errLimitReached
			}
		} else {
			log.Debugf("would delete %s", p)
		}

		state.deleted[p] = true
		if state.options.Action != GCReturnLive {
			state.results.Paths = append(state.results.Paths, p)
		}
	}
	return true, nil
}

// deleteOrInvalidate removes one garbage path.  Valid directories are
// invalidated in the catalog and renamed to a sentinel while the
// global lock is still held; the rename is what makes the later
// lock-free removal race-free, since nothing can revive a path under
// the sentinel name.  Everything else is cheap enough to unlink
// immediately.
func (s *Store) deleteOrInvalidate(state *gcState, p string) error {
	if !s.catalog.IsValidPath(p) {
		return s.deleteGarbage(state, p)
	}

	fi, err := os.Lstat(p)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "getting status of %s", p)
	}

	if err == nil && fi.IsDir() {
		log.Infof("invalidating %s", p)
		// estimate the amount freed using the narSize field
		info, err := s.catalog.QueryPathInfo(p)
		if err != nil {
			return err
		}
		state.bytesInvalidated += info.NarSize
		if err = s.catalog.InvalidatePathChecked(p); err != nil {
			return err
		}
		makeMutable(p)
		// read-only directories cannot be renamed on some filesystems
		if err = os.Chmod(p, fi.Mode().Perm()|0200); err != nil {
			return errors.Wrapf(err, "making %s writable", p)
		}
		tmp := fmt.Sprintf("%s-gc-%d", p, os.Getpid())
		if err = os.Rename(p, tmp); err != nil {
			return errors.Wrapf(err, "unable to rename %s to %s", p, tmp)
		}
		state.invalidated[tmp] = true
		return nil
	}

	if err := s.catalog.InvalidatePathChecked(p); err != nil {
		return err
	}
	return s.deleteGarbage(state, p)
}

// CollectGarbage runs one collection.  It acquires the global GC lock
// exclusively, snapshots the roots (permanent, runtime and temporary),
// classifies store entries with tryToDelete, and finally - with the
// lock released so writers can resume - removes the renamed-aside
// directories and cleans up the link farm.
func (s *Store) CollectGarbage(ctx context.Context, options GCOptions, results *GCResults) error {
	state := newGCState(ctx, options, results)

	state.keepOutputs = s.Settings.KeepOutputs
	state.keepDerivations = s.Settings.KeepDerivations

	// Deleting a specific path while ignoring liveness must not drag
	// in its outputs or derivers.
	if options.Action == GCDeleteSpecific && options.IgnoreLiveness {
		state.keepOutputs = false
		state.keepDerivations = false
	}

	state.maxFreed = options.MaxFreed
	if state.maxFreed == 0 || options.Action == GCDeleteSpecific {
		state.maxFreed = MaxFreedDefault
	}

	// While held in write mode: no new permanent roots, no new
	// temp-roots files.
	gcLock, err := s.openGCLock(LockWrite)
	if err != nil {
		return err
	}
	gcLockHeld := true
	release := func() {
		if gcLockHeld {
			gcLock.Close()
			gcLockHeld = false
		}
	}
	defer release()

	log.Infof("finding garbage collector roots...")
	if !options.IgnoreLiveness {
		rootMap, err := s.findRoots(true)
		if err != nil {
			return err
		}
		for _, storePath := range rootMap {
			state.roots[storePath] = true
		}
		if err = s.addAdditionalRoots(ctx, state.roots); err != nil {
			return err
		}
	}

	// Read the temporary roots.  This leaves a read lock on every
	// per-process file, so the set cannot grow until we release.
	var fds []*os.File
	defer func() {
		for _, fd := range fds {
			fd.Close()
		}
	}()
	if err = s.readTempRoots(state.tempRoots, &fds); err != nil {
		return err
	}
	for p := range state.tempRoots {
		state.roots[p] = true
	}

	switch {
	case options.Action == GCDeleteSpecific:
		for _, path := range options.PathsToDelete {
			path = canonPath(path)
			if err = s.assertStorePath(path); err != nil {
				return err
			}
			dead, err := s.tryToDelete(state, path)
			if err != nil {
				return err
			}
			if !dead {
				return errors.Errorf("cannot delete path %s since it is still alive", path)
			}
		}

	case options.MaxFreed > 0:
		if shouldDelete(options.Action) {
			log.Infof("deleting garbage...")
		} else {
			log.Infof("determining live/dead paths...")
		}

		err = s.scanStore(state)
		if err != nil && errors.Cause(err) != errLimitReached {
			return err
		}
	}

	// Allow other processes to add to the store from here on.
	release()

	// Remove the renamed-aside directories now that the lock is gone.
	for _, tmp := range sortedKeys(state.invalidated) {
		if err = s.deleteGarbage(state, tmp); err != nil {
			return err
		}
	}

	if shouldDelete(options.Action) {
		log.Infof("deleting unused links...")
		if err = s.removeUnusedLinks(state); err != nil {
			return err
		}
	}

	if options.Action == GCDeleteDead {
		return s.catalog.VacuumDB()
	}
	return nil
}

// scanStore streams the store directory, deleting invalid entries as
// they are encountered and buffering valid ones.  Invalid paths are
// preferred deletion targets under a byte budget: they can never
// become live again.  The valid backlog is then visited in shuffled
// order so the collector is not biased towards paths that sort first.
func (s *Store) scanStore(state *gcState) error {
	dir, err := os.Open(s.Settings.StoreDir)
	if err != nil {
		return errors.Wrapf(err, "opening directory %s", s.Settings.StoreDir)
	}
	defer dir.Close()

	var entries []string
	for {
		names, err := dir.Readdirnames(100)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "reading directory %s", s.Settings.StoreDir)
		}
		for _, name := range names {
			if err = checkInterrupt(state.ctx); err != nil {
				return err
			}
			path := filepath.Join(s.Settings.StoreDir, name)
			if s.catalog.IsValidPath(path) {
				entries = append(entries, path)
			} else if _, err = s.tryToDelete(state, path); err != nil {
				return err
			}
		}
	}

	rand.Shuffle(len(entries), func(i, j int) {
		entries[i], entries[j] = entries[j], entries[i]
	})

	for _, path := range entries {
		if _, err = s.tryToDelete(state, path); err != nil {
			return err
		}
	}
	return nil
}
