package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// Link-farm entries with a single remaining link are garbage; entries
// still hard-linked from a store path stay.
func TestRemoveUnusedLinks(t *testing.T) {
	s, cat := setup(t)
	a := addPath(t, s, cat, "aaaa-liba", 64, nil, nil)

	unused := filepath.Join(s.linksDir(), "0unused")
	err := os.WriteFile(unused, []byte("orphaned master"), 0444)
	tassert(t, err == nil, "writing %s: %v", unused, err)

	shared := filepath.Join(s.linksDir(), "1shared")
	err = os.Link(filepath.Join(a, "data"), shared)
	tassert(t, err == nil, "linking %s: %v", shared, err)

	var results GCResults
	state := newGCState(context.Background(), GCOptions{Action: GCDeleteDead}, &results)
	err = s.removeUnusedLinks(state)
	tassert(t, err == nil, "removeUnusedLinks: %v", err)

	tassert(t, !exists(unused), "unused master survived")
	tassert(t, exists(shared), "shared master deleted")
	tassert(t, results.BytesFreed > 0, "no bytes accounted")
}

// The collector never descends into the link farm: it is cleaned up
// separately, after the store scan.
func TestGCSkipsLinksDir(t *testing.T) {
	s, cat := setup(t)
	a := addPath(t, s, cat, "aaaa-liba", 64, nil, nil)
	shared := filepath.Join(s.linksDir(), "1shared")
	err := os.Link(filepath.Join(a, "data"), shared)
	tassert(t, err == nil, "linking: %v", err)
	_, err = s.AddPermRoot(a, filepath.Join(s.gcRootsDir(), "liba"), false, false)
	tassert(t, err == nil, "AddPermRoot: %v", err)

	deleteDead(t, s)

	tassert(t, exists(s.linksDir()), "link farm deleted")
	tassert(t, exists(shared), "shared master deleted")
}
