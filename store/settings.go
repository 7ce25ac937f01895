package store

import "os"

// Settings holds the knobs the collector consumes.  The embedding
// process normally fills these in; DefaultSettings reads the
// conventional environment variables.
type Settings struct {
	StoreDir   string // the store itself
	StateDir   string // gc.lock, gcroots/, temproots/
	LibexecDir string // default location of the runtime root finder

	KeepOutputs           bool // liveness follows output -> deriver edges
	KeepDerivations       bool // liveness follows derivation -> output edges
	CheckRootReachability bool // warn when a new root is invisible to FindRoots
}

func DefaultSettings() (s Settings) {
	s.StoreDir = getenvDefault("NIX_STORE_DIR", "/nix/store")
	s.StateDir = getenvDefault("NIX_STATE_DIR", "/nix/var/nix")
	s.LibexecDir = getenvDefault("NIX_LIBEXEC_DIR", "/usr/libexec")
	return
}

func getenvDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
