package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

func collect(t *testing.T, s *Store, options GCOptions) *GCResults {
	t.Helper()
	var results GCResults
	err := s.CollectGarbage(context.Background(), options, &results)
	tassert(t, err == nil, "CollectGarbage: %v", err)
	return &results
}

func deleteDead(t *testing.T, s *Store) *GCResults {
	t.Helper()
	return collect(t, s, GCOptions{Action: GCDeleteDead, MaxFreed: MaxFreedDefault})
}

func TestRootedClosureSurvives(t *testing.T) {
	s, cat := setup(t)
	a := addPath(t, s, cat, "aaaa-liba", 100, nil, nil)
	b := addPath(t, s, cat, "bbbb-app", 100, []string{a}, nil)
	_, err := s.AddPermRoot(b, filepath.Join(s.gcRootsDir(), "app"), false, false)
	tassert(t, err == nil, "AddPermRoot: %v", err)

	results := deleteDead(t, s)

	tassert(t, cat.IsValidPath(a), "a was deleted")
	tassert(t, cat.IsValidPath(b), "b was deleted")
	tassert(t, exists(a) && exists(b), "store paths missing from disk")
	tassert(t, len(results.Paths) == 0, "unexpected deletions: %v", results.Paths)
}

func TestUnreachableDeleted(t *testing.T) {
	s, cat := setup(t)
	a := addPath(t, s, cat, "aaaa-junk", 100, nil, nil)

	results := deleteDead(t, s)

	tassert(t, !cat.IsValidPath(a), "a still valid")
	tassert(t, !exists(a), "a still on disk")
	tassert(t, len(results.Paths) == 1 && results.Paths[0] == a,
		"results.Paths = %v", results.Paths)
	tassert(t, results.BytesFreed > 0, "no bytes freed")
}

func TestNoSentinelLeftBehind(t *testing.T) {
	s, cat := setup(t)
	addPath(t, s, cat, "aaaa-junk", 100, nil, nil)

	deleteDead(t, s)

	names, err := readDirNames(s.Settings.StoreDir)
	tassert(t, err == nil, "readDirNames: %v", err)
	for _, name := range names {
		tassert(t, !strings.Contains(name, "-gc-"), "sentinel left behind: %s", name)
	}
}

// With keep-outputs and keep-derivations both set, a derivation and
// its output form a cycle in the liveness graph; the pair must live or
// die as a unit.
func TestKeepFlagsCycle(t *testing.T) {
	s, cat := setup(t)
	s.Settings.KeepOutputs = true
	s.Settings.KeepDerivations = true

	o := filepath.Join(s.Settings.StoreDir, "oooo-out")
	d := addPath(t, s, cat, "dddd-build.drv", 50, nil, []string{o})
	o = addPath(t, s, cat, "oooo-out", 100, nil, nil)

	// root on the output keeps the derivation alive too
	_, err := s.AddPermRoot(o, filepath.Join(s.gcRootsDir(), "out"), false, false)
	tassert(t, err == nil, "AddPermRoot: %v", err)

	deleteDead(t, s)
	tassert(t, cat.IsValidPath(d), "derivation deleted despite rooted output")
	tassert(t, cat.IsValidPath(o), "rooted output deleted")

	// drop the root: the whole cycle is garbage
	err = os.Remove(filepath.Join(s.gcRootsDir(), "out"))
	tassert(t, err == nil, "removing root: %v", err)

	results := deleteDead(t, s)
	tassert(t, !cat.IsValidPath(d), "derivation survived without roots")
	tassert(t, !cat.IsValidPath(o), "output survived without roots")
	tassert(t, len(results.Paths) == 2, "results.Paths = %v", results.Paths)
}

func TestDeleteSpecific(t *testing.T) {
	s, cat := setup(t)
	a := addPath(t, s, cat, "aaaa-junk", 100, nil, nil)

	results := collect(t, s, GCOptions{
		Action:        GCDeleteSpecific,
		PathsToDelete: []string{a},
	})
	tassert(t, !cat.IsValidPath(a), "a still valid")
	tassert(t, len(results.Paths) == 1, "results.Paths = %v", results.Paths)
}

func TestDeleteSpecificAliveFails(t *testing.T) {
	s, cat := setup(t)
	a := addPath(t, s, cat, "aaaa-liba", 100, nil, nil)
	b := addPath(t, s, cat, "bbbb-app", 100, []string{a}, nil)
	_, err := s.AddPermRoot(b, filepath.Join(s.gcRootsDir(), "app"), false, false)
	tassert(t, err == nil, "AddPermRoot: %v", err)

	var results GCResults
	err = s.CollectGarbage(context.Background(), GCOptions{
		Action:        GCDeleteSpecific,
		PathsToDelete: []string{a},
	}, &results)
	tassert(t, err != nil, "expected still-alive error")
	tassert(t, strings.Contains(err.Error(), "still alive"), "err = %v", err)
	tassert(t, cat.IsValidPath(a) && cat.IsValidPath(b), "store changed")
	tassert(t, exists(a) && exists(b), "paths removed from disk")
}

// The first deletion crossing the byte budget halts the collection;
// pending invalidated paths are still cleaned up afterwards.
func TestMaxFreedBudget(t *testing.T) {
	s, cat := setup(t)
	a := addPath(t, s, cat, "aaaa-junk", 4096, nil, nil)
	b := addPath(t, s, cat, "bbbb-junk", 4096, nil, nil)

	collect(t, s, GCOptions{Action: GCDeleteDead, MaxFreed: 1})

	valid := 0
	for _, p := range []string{a, b} {
		if cat.IsValidPath(p) {
			tassert(t, exists(p), "valid path %s missing from disk", p)
			valid++
		} else {
			tassert(t, !exists(p), "invalidated path %s still on disk", p)
		}
	}
	tassert(t, valid == 1, "expected exactly one survivor, got %d", valid)
}

// returnLive and returnDead partition the valid paths.
func TestDryRunPartition(t *testing.T) {
	s, cat := setup(t)
	a := addPath(t, s, cat, "aaaa-liba", 100, nil, nil)
	b := addPath(t, s, cat, "bbbb-app", 100, []string{a}, nil)
	c := addPath(t, s, cat, "cccc-junk", 100, nil, nil)
	_, err := s.AddPermRoot(b, filepath.Join(s.gcRootsDir(), "app"), false, false)
	tassert(t, err == nil, "AddPermRoot: %v", err)

	live := collect(t, s, GCOptions{Action: GCReturnLive, MaxFreed: MaxFreedDefault})
	dead := collect(t, s, GCOptions{Action: GCReturnDead, MaxFreed: MaxFreedDefault})

	sort.Strings(live.Paths)
	sort.Strings(dead.Paths)
	tassert(t, len(live.Paths) == 2 && live.Paths[0] == a && live.Paths[1] == b,
		"live = %v", live.Paths)
	tassert(t, len(dead.Paths) == 1 && dead.Paths[0] == c, "dead = %v", dead.Paths)

	// nothing was deleted
	for _, p := range []string{a, b, c} {
		tassert(t, cat.IsValidPath(p) && exists(p), "dry run deleted %s", p)
	}
}

func TestTempRootProtects(t *testing.T) {
	s, cat := setup(t)
	a := addPath(t, s, cat, "aaaa-building", 100, nil, nil)

	err := s.AddTempRoot(a)
	tassert(t, err == nil, "AddTempRoot: %v", err)

	deleteDead(t, s)
	tassert(t, cat.IsValidPath(a), "temp-rooted path deleted")

	err = s.RemoveTempRoots()
	tassert(t, err == nil, "RemoveTempRoots: %v", err)

	deleteDead(t, s)
	tassert(t, !cat.IsValidPath(a), "path survived after temp root removal")
}

// Scratch files named after an active temp root belong to an
// in-progress build and are not garbage, even though they are not
// valid store paths.
func TestActiveTempFilesKept(t *testing.T) {
	s, cat := setup(t)
	a := addPath(t, s, cat, "aaaa-building", 100, nil, nil)
	err := s.AddTempRoot(a)
	tassert(t, err == nil, "AddTempRoot: %v", err)

	lock := a + ".lock"
	err = os.WriteFile(lock, nil, 0644)
	tassert(t, err == nil, "writing %s: %v", lock, err)

	deleteDead(t, s)
	tassert(t, exists(lock), "active lock file deleted")

	// without the temp root it is plain garbage
	err = s.RemoveTempRoots()
	tassert(t, err == nil, "RemoveTempRoots: %v", err)
	deleteDead(t, s)
	tassert(t, !exists(lock), "stale lock file survived")
}

func TestIgnoreLiveness(t *testing.T) {
	s, cat := setup(t)
	a := addPath(t, s, cat, "aaaa-rooted", 100, nil, nil)
	_, err := s.AddPermRoot(a, filepath.Join(s.gcRootsDir(), "root"), false, false)
	tassert(t, err == nil, "AddPermRoot: %v", err)

	collect(t, s, GCOptions{
		Action:         GCDeleteSpecific,
		PathsToDelete:  []string{a},
		IgnoreLiveness: true,
	})
	tassert(t, !cat.IsValidPath(a), "rooted path survived ignore-liveness delete")
}

func TestInterrupt(t *testing.T) {
	s, cat := setup(t)
	addPath(t, s, cat, "aaaa-junk", 100, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var results GCResults
	err := s.CollectGarbage(ctx, GCOptions{Action: GCDeleteDead, MaxFreed: MaxFreedDefault}, &results)
	tassert(t, err == context.Canceled, "err = %v", err)
}
