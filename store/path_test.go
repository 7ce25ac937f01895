package store

import (
	"path/filepath"
	"testing"
)

func TestIsInStore(t *testing.T) {
	s, _ := setup(t)
	storeDir := s.Settings.StoreDir

	tassert(t, s.IsInStore(storeDir), "store dir itself")
	tassert(t, s.IsInStore(filepath.Join(storeDir, "aaaa-x")), "child")
	tassert(t, s.IsInStore(filepath.Join(storeDir, "aaaa-x", "bin", "x")), "grandchild")
	tassert(t, !s.IsInStore(storeDir+"2/aaaa-x"), "sibling with prefix")
	tassert(t, !s.IsInStore("/somewhere/else"), "unrelated")
}

func TestToStorePath(t *testing.T) {
	s, _ := setup(t)
	storeDir := s.Settings.StoreDir

	sp, err := s.ToStorePath(filepath.Join(storeDir, "aaaa-x", "bin", "x"))
	tassert(t, err == nil, "ToStorePath: %v", err)
	tassert(t, sp == filepath.Join(storeDir, "aaaa-x"), "sp = %s", sp)

	sp, err = s.ToStorePath(filepath.Join(storeDir, "aaaa-x"))
	tassert(t, err == nil && sp == filepath.Join(storeDir, "aaaa-x"), "sp = %s err = %v", sp, err)

	_, err = s.ToStorePath(storeDir)
	tassert(t, err != nil, "store dir itself is not a store path")

	_, err = s.ToStorePath("/somewhere/else")
	tassert(t, err != nil, "expected error for outside path")
	_, ok := err.(*NotInStoreError)
	tassert(t, ok, "expected NotInStoreError, got %T", err)
}

func TestAssertStorePath(t *testing.T) {
	s, _ := setup(t)
	storeDir := s.Settings.StoreDir

	tassert(t, s.assertStorePath(filepath.Join(storeDir, "aaaa-x")) == nil, "direct child")
	tassert(t, s.assertStorePath(filepath.Join(storeDir, "aaaa-x", "bin")) != nil, "nested path")
	tassert(t, s.assertStorePath("/somewhere/else") != nil, "outside path")
}

func TestIsDerivation(t *testing.T) {
	tassert(t, isDerivation("/store/aaaa-foo.drv"), "drv suffix")
	tassert(t, !isDerivation("/store/aaaa-foo"), "plain path")
}
