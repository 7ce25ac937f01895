package store

import (
	"os"
	"sort"
	"sync"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack"
)

// catalogRecord is one valid path's entry in a FileCatalog.
type catalogRecord struct {
	Info    PathInfo
	Outputs []string // set when the path is a derivation
}

// FileCatalog is a whole-file rendition of the validity catalog,
// serialized with msgpack and replaced atomically on every mutation.
// It is deliberately small: the production catalog is a database, but
// the collector only needs the Catalog contract, and this is enough to
// run a real store on disk for the CLI and the tests.
type FileCatalog struct {
	mu    sync.Mutex
	fn    string
	paths map[string]*catalogRecord
}

// OpenFileCatalog loads the catalog at fn, which need not exist yet.
func OpenFileCatalog(fn string) (c *FileCatalog, err error) {
	c = &FileCatalog{fn: fn, paths: map[string]*catalogRecord{}}
	buf, err := os.ReadFile(fn)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, errors.Wrapf(err, "reading catalog %s", fn)
	}
	if err = msgpack.Unmarshal(buf, &c.paths); err != nil {
		return nil, errors.Wrapf(err, "decoding catalog %s", fn)
	}
	return c, nil
}

// save must be called with c.mu held.
func (c *FileCatalog) save() error {
	buf, err := msgpack.Marshal(c.paths)
	if err != nil {
		return errors.Wrap(err, "encoding catalog")
	}
	return errors.Wrapf(renameio.WriteFile(c.fn, buf, 0644), "writing catalog %s", c.fn)
}

// RegisterPath makes info.Path a valid path.  For a derivation,
// outputs lists its output paths.
func (c *FileCatalog) RegisterPath(info PathInfo, outputs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths[info.Path] = &catalogRecord{Info: info, Outputs: outputs}
	return c.save()
}

func (c *FileCatalog) IsValidPath(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.paths[path]
	return ok
}

func (c *FileCatalog) QueryReferrers(path string) (referrers []string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p, rec := range c.paths {
		for _, ref := range rec.Info.References {
			if ref == path {
				referrers = append(referrers, p)
				break
			}
		}
	}
	sort.Strings(referrers)
	return
}

func (c *FileCatalog) QueryDerivationOutputs(path string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.paths[path]
	if !ok {
		return nil, errors.Errorf("path %s is not valid", path)
	}
	return append([]string(nil), rec.Outputs...), nil
}

func (c *FileCatalog) QueryValidDerivers(path string) (derivers []string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p, rec := range c.paths {
		if !isDerivation(p) {
			continue
		}
		for _, out := range rec.Outputs {
			if out == path {
				derivers = append(derivers, p)
				break
			}
		}
	}
	sort.Strings(derivers)
	return
}

func (c *FileCatalog) QueryPathInfo(path string) (PathInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.paths[path]
	if !ok {
		return PathInfo{}, errors.Errorf("path %s is not valid", path)
	}
	return rec.Info, nil
}

func (c *FileCatalog) InvalidatePathChecked(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.paths[path]; !ok {
		return errors.Errorf("path %s is not valid", path)
	}
	for p, rec := range c.paths {
		if p == path {
			continue
		}
		for _, ref := range rec.Info.References {
			if ref == path {
				return errors.Errorf("cannot invalidate path %s because it is in use by %s", path, p)
			}
		}
	}
	delete(c.paths, path)
	return c.save()
}

// TopoSortPaths returns the given set ordered referrers-first, using
// the reference edges between members of the set.  Paths unknown to
// the catalog have no edges and sort freely.
func (c *FileCatalog) TopoSortPaths(paths map[string]bool) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sorted []string
	visited := map[string]bool{}
	var visit func(p string)
	visit = func(p string) {
		if visited[p] {
			return
		}
		visited[p] = true
		if rec, ok := c.paths[p]; ok {
			for _, ref := range rec.Info.References {
				if paths[ref] && ref != p {
					visit(ref)
				}
			}
		}
		sorted = append(sorted, p)
	}
	for _, p := range sortedKeys(paths) {
		visit(p)
	}

	// visit appends references first; deletion wants referrers first
	for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	}
	return sorted, nil
}

func (c *FileCatalog) VacuumDB() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	log.Debugf("vacuuming catalog %s", c.fn)
	return c.save()
}
