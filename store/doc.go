/*

Package store implements the garbage collector of a content-addressed
package store: a directory whose immediate children are immutable
"store paths" (files, symlinks, or directory trees) that reference one
another.  The collector deletes store paths that are unreachable from a
set of roots while concurrent processes keep adding paths, pinning
temporary roots for in-progress builds, and registering permanent
roots.

Vocabulary:

- store path: an immutable object directly under the store directory;
  validity is decided by the catalog
- catalog: the validity database mapping store paths to references,
  derivers, outputs and sizes; consumed through the Catalog interface
- root: a store path considered live a priori for one collection
- permanent root: a symlink under <state>/gcroots pointing into the store
- indirect root: a symlink under <state>/gcroots/auto named after the
  sha1 of a user-chosen path outside the store, which itself symlinks
  into the store
- temp root: an entry in a per-process file <state>/temproots/<pid>,
  NUL-separated; the file's advisory lock encodes a writer/collector
  handshake
- derivation / output / deriver: a derivation produces outputs; each
  output knows its deriver; the keep-outputs and keep-derivations
  settings extend liveness along these edges and can make it cyclic
- link farm: <store>/.links, a flat directory of hard-link masters used
  for deduplication; entries with link count 1 are garbage

Coordination is entirely via advisory file locks (flock).  The global
lock <state>/gc.lock is held exclusively for the duration of a
collection and shared by writers committing new roots.  See
CollectGarbage for the phases of a collection.

*/
package store
