package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"

	"github.com/sportsbitenews/nix/store"
)

func init() {
	if os.Getenv("DEBUG") == "1" {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.WarnLevel)
	}
	logrus.SetReportCaller(os.Getenv("DEBUG") == "1")
	formatter := &logrus.TextFormatter{
		CallerPrettyfier: caller(),
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyFile: "caller",
		},
	}
	formatter.TimestampFormat = "15:04:05.999999999"
	logrus.SetFormatter(formatter)
}

// caller returns string presentation of log caller which is formatted as
// `/path/to/file.go:line_number`. e.g. `/internal/app/api.go:25`
func caller() func(*runtime.Frame) (function string, file string) {
	return func(f *runtime.Frame) (function string, file string) {
		p, _ := os.Getwd()
		return "", fmt.Sprintf("%s:%d", strings.TrimPrefix(f.File, p), f.Line)
	}
}

type Opts struct {
	Init      bool
	Register  bool
	AddRoot   bool `docopt:"add-root"`
	FindRoots bool `docopt:"find-roots"`
	Gc        bool
	Delete    bool

	Path      string   `docopt:"<path>"`
	Targets   []string `docopt:"<target>"`
	StorePath string   `docopt:"<storepath>"`
	Link      string   `docopt:"<link>"`

	Refs    string `docopt:"--refs"`
	Deriver string `docopt:"--deriver"`
	Outputs string `docopt:"--outputs"`
	Size    string `docopt:"--size"`

	MaxFreed        string `docopt:"--max-freed"`
	PrintLive       bool   `docopt:"--print-live"`
	PrintDead       bool   `docopt:"--print-dead"`
	IgnoreLiveness  bool   `docopt:"--ignore-liveness"`
	KeepOutputs     bool   `docopt:"--keep-outputs"`
	KeepDerivations bool   `docopt:"--keep-derivations"`

	Indirect     bool `docopt:"--indirect"`
	AllowOutside bool `docopt:"--allow-outside"`
}

func main() {
	// see https://github.com/google/go-cmdtest
	os.Exit(run())
}

func run() (rc int) {

	usage := `nixgc - garbage collector for a content-addressed package store

Usage:
  nixgc init
  nixgc register <path> [--refs=<paths>] [--deriver=<drv>] [--outputs=<paths>] [--size=<bytes>]
  nixgc add-root <storepath> <link> [--indirect] [--allow-outside]
  nixgc find-roots
  nixgc gc [--print-live | --print-dead] [--max-freed=<bytes>] [--ignore-liveness] [--keep-outputs] [--keep-derivations]
  nixgc delete <target>...

Options:
  -h --help            Show this screen.
  --refs=<paths>       Comma-separated references of the registered path.
  --outputs=<paths>    Comma-separated output paths of a derivation.
  --size=<bytes>       Recorded nar size of the registered path.
  --max-freed=<bytes>  Stop after freeing this many bytes.

The store and state directories come from NIX_STORE_DIR and
NIX_STATE_DIR.
`
	parser := &docopt.Parser{OptionsFirst: false}
	o, _ := parser.ParseArgs(usage, os.Args[1:], "0.0")
	var opts Opts
	err := o.Bind(&opts)
	if err != nil {
		log.Error(err)
		return 22
	}
	log.Debug(opts)

	switch true {
	case opts.Init:
		s, _, err := initStore(opts)
		if err != nil {
			log.Error(err)
			return 42
		}
		fmt.Printf("initialized %s\n", s.Settings.StoreDir)
	case opts.Register:
		path, err := register(opts)
		if err != nil {
			log.Error(err)
			return 42
		}
		fmt.Printf("registered %s\n", path)
	case opts.AddRoot:
		s, _, err := openStore(opts)
		if err != nil {
			log.Error(err)
			return 42
		}
		link, err := s.AddPermRoot(opts.StorePath, opts.Link, opts.Indirect, opts.AllowOutside)
		if err != nil {
			log.Error(err)
			return 42
		}
		fmt.Println(link)
	case opts.FindRoots:
		s, _, err := openStore(opts)
		if err != nil {
			log.Error(err)
			return 42
		}
		roots, err := s.FindRoots()
		if err != nil {
			log.Error(err)
			return 42
		}
		var links []string
		for link := range roots {
			links = append(links, link)
		}
		sort.Strings(links)
		for _, link := range links {
			fmt.Printf("%s -> %s\n", link, roots[link])
		}
	case opts.Gc:
		n, err := gc(opts)
		if err != nil {
			log.Error(err)
			return 42
		}
		switch {
		case opts.PrintLive:
			fmt.Printf("%d live paths\n", n)
		case opts.PrintDead:
			fmt.Printf("%d dead paths\n", n)
		default:
			fmt.Printf("deleted %d paths\n", n)
		}
	case opts.Delete:
		s, _, err := openStore(opts)
		if err != nil {
			log.Error(err)
			return 42
		}
		options := store.GCOptions{
			Action:         store.GCDeleteSpecific,
			PathsToDelete:  opts.Targets,
			IgnoreLiveness: opts.IgnoreLiveness,
		}
		var results store.GCResults
		if err := s.CollectGarbage(context.Background(), options, &results); err != nil {
			log.Error(err)
			return 42
		}
		printPaths(results.Paths)
		fmt.Printf("deleted %d paths\n", len(results.Paths))
	}
	return 0
}

func settingsFromEnv(opts Opts) store.Settings {
	settings := store.DefaultSettings()
	settings.KeepOutputs = opts.KeepOutputs
	settings.KeepDerivations = opts.KeepDerivations
	return settings
}

func openCatalog(settings store.Settings) (*store.FileCatalog, error) {
	return store.OpenFileCatalog(filepath.Join(settings.StateDir, "catalog"))
}

func initStore(opts Opts) (*store.Store, *store.FileCatalog, error) {
	settings := settingsFromEnv(opts)
	cat, err := openCatalog(settings)
	if err != nil {
		return nil, nil, err
	}
	s, err := store.Init(settings, cat)
	return s, cat, err
}

func openStore(opts Opts) (*store.Store, *store.FileCatalog, error) {
	settings := settingsFromEnv(opts)
	cat, err := openCatalog(settings)
	if err != nil {
		return nil, nil, err
	}
	s, err := store.Open(settings, cat)
	return s, cat, err
}

// register records a path in the catalog, creating it on disk as a
// directory with a payload file when it doesn't exist yet.
func register(opts Opts) (path string, err error) {
	_, cat, err := openStore(opts)
	if err != nil {
		return
	}
	path = opts.Path

	size := uint64(0)
	if opts.Size != "" {
		size, err = strconv.ParseUint(opts.Size, 10, 64)
		if err != nil {
			return "", err
		}
	}

	if _, err = os.Lstat(path); os.IsNotExist(err) {
		if err = os.MkdirAll(path, 0755); err != nil {
			return
		}
		payload := make([]byte, size)
		if err = os.WriteFile(filepath.Join(path, "data"), payload, 0644); err != nil {
			return
		}
	}

	info := store.PathInfo{
		Path:       path,
		References: splitList(opts.Refs),
		Deriver:    opts.Deriver,
		NarSize:    size,
	}
	err = cat.RegisterPath(info, splitList(opts.Outputs))
	return
}

func gc(opts Opts) (n int, err error) {
	s, _, err := openStore(opts)
	if err != nil {
		return
	}

	options := store.GCOptions{
		Action:         store.GCDeleteDead,
		MaxFreed:       store.MaxFreedDefault,
		IgnoreLiveness: opts.IgnoreLiveness,
	}
	switch {
	case opts.PrintLive:
		options.Action = store.GCReturnLive
	case opts.PrintDead:
		options.Action = store.GCReturnDead
	}
	if opts.MaxFreed != "" {
		options.MaxFreed, err = strconv.ParseUint(opts.MaxFreed, 10, 64)
		if err != nil {
			return
		}
	}

	var results store.GCResults
	if err = s.CollectGarbage(context.Background(), options, &results); err != nil {
		return
	}
	printPaths(results.Paths)
	return len(results.Paths), nil
}

func printPaths(paths []string) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	for _, p := range sorted {
		fmt.Println(p)
	}
}

func splitList(s string) (out []string) {
	for _, part := range strings.Split(s, ",") {
		if part != "" {
			out = append(out, part)
		}
	}
	return
}
