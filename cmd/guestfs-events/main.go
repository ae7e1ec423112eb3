// Command guestfs-events opens disk images with libguestfs and prints every
// event the library emits while launching and inspecting them.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/tinyrange/guestfs"
	"github.com/tinyrange/guestfs/internal/config"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "guestfs-events: %v\n", err)
		os.Exit(1)
	}
}

// options are the command line flags. Only flags given explicitly override
// the configuration file.
type options struct {
	fs *flag.FlagSet

	configPath string
	library    string
	events     string
	trace      bool
	verbose    bool
	logLevel   string
}

func newOptions(name string, errorHandling flag.ErrorHandling) *options {
	o := &options{fs: flag.NewFlagSet(name, errorHandling)}
	o.fs.StringVar(&o.configPath, "config", os.Getenv(config.EnvConfig), "Configuration file")
	o.fs.StringVar(&o.library, "library", "", "Path of libguestfs (overrides config)")
	o.fs.StringVar(&o.events, "events", "", "Comma-separated events to print (default from config)")
	o.fs.BoolVar(&o.trace, "trace", false, "Enable libguestfs call tracing")
	o.fs.BoolVar(&o.verbose, "verbose", false, "Enable libguestfs debug messages")
	o.fs.StringVar(&o.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	o.fs.Usage = func() {
		out := o.fs.Output()
		fmt.Fprintf(out, "Usage: %s [flags] [disk.img...]\n\n", name)
		fmt.Fprintf(out, "Launch libguestfs on the given images read-only and print its events.\n\n")
		fmt.Fprintf(out, "Examples:\n")
		fmt.Fprintf(out, "  %s fedora.img\n", name)
		fmt.Fprintf(out, "  %s --events all --trace fedora.img\n\n", name)
		fmt.Fprintf(out, "Flags:\n")
		o.fs.PrintDefaults()
	}
	return o
}

// apply overrides cfg with the flags that were set and appends the
// positional drives.
func (o *options) apply(cfg *config.Config) {
	o.fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "library":
			cfg.Library = o.library
		case "events":
			cfg.Events = nil
			for _, name := range strings.Split(o.events, ",") {
				cfg.Events = append(cfg.Events, strings.ToLower(strings.TrimSpace(name)))
			}
		case "log-level":
			cfg.Log.Level = o.logLevel
		case "trace":
			cfg.Trace = o.trace
		case "verbose":
			cfg.Verbose = o.verbose
		}
	})
	cfg.Drives = append(cfg.Drives, o.fs.Args()...)
}

func run() error {
	o := newOptions(os.Args[0], flag.ExitOnError)
	o.fs.Parse(os.Args[1:])

	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	o.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()})))

	if cfg.Library != "" {
		if err := guestfs.UseLibrary(cfg.Library); err != nil {
			return err
		}
	}

	h, err := guestfs.CreateWithFlags(cfg.CreateFlags())
	if err != nil {
		return err
	}
	defer h.Close()

	tty := term.IsTerminal(int(os.Stdout.Fd()))
	width := 0
	if tty {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			width = w
		}
	}
	r := newRenderer(os.Stdout, width, tty)

	if _, err := h.SetEventCallback(r.callback, cfg.EventSet()...); err != nil {
		return fmt.Errorf("register event callback: %w", err)
	}
	if err := h.SetTrace(cfg.Trace); err != nil {
		return err
	}
	if err := h.SetVerbose(cfg.Verbose); err != nil {
		return err
	}

	v, err := h.Version()
	if err != nil {
		return err
	}
	slog.Info("libguestfs", "version", v.String())
	if !v.AtLeast("1.40") {
		slog.Warn("libguestfs is older than 1.40, some events may be missing", "version", v.Semver())
	}

	if len(cfg.Drives) > 0 {
		if err := inspect(h, cfg.Drives); err != nil {
			return err
		}
	}

	if err := h.Close(); err != nil {
		return err
	}
	r.summary()
	return nil
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if lib := os.Getenv(config.EnvLibrary); lib != "" {
		cfg.Library = lib
	}
	return cfg, nil
}

func inspect(h *guestfs.Handle, drives []string) error {
	for _, d := range drives {
		if err := h.AddDriveRO(d); err != nil {
			return err
		}
	}
	if err := h.Launch(); err != nil {
		return err
	}

	fs, err := h.ListFilesystems()
	if err != nil {
		return err
	}
	for _, dev := range slices.Sorted(maps.Keys(fs)) {
		fmt.Printf("%s: %s\n", dev, fs[dev])
	}

	roots, err := h.InspectOS()
	if err != nil {
		return err
	}
	for _, root := range roots {
		fmt.Printf("root: %s\n", root)
	}
	return h.Shutdown()
}
