// Package config loads the YAML configuration of the guestfs tools.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/tinyrange/guestfs"
	"gopkg.in/yaml.v3"
)

const (
	// EnvConfig names the configuration file.
	EnvConfig = "GUESTFS_GO_CONFIG"
	// EnvLibrary overrides the library path from the file.
	EnvLibrary = "GUESTFS_GO_LIBRARY"

	maxConfigSize = 1024 * 1024
)

type Config struct {
	// Library is the path of libguestfs. Empty means the platform default.
	Library string       `yaml:"library,omitempty"`
	Create  CreateConfig `yaml:"create"`
	Log     LogConfig    `yaml:"log"`
	// Events are libguestfs event names, or "all".
	Events  []string `yaml:"events"`
	Trace   bool     `yaml:"trace"`
	Verbose bool     `yaml:"verbose"`
	Drives  []string `yaml:"drives,omitempty"`
}

type CreateConfig struct {
	NoEnvironment bool `yaml:"no_environment"`
	NoCloseOnExit bool `yaml:"no_close_on_exit"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	c := Config{}
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	if len(c.Events) == 0 {
		c.Events = []string{"trace", "library", "appliance", "warning", "progress", "close"}
	}
	for i, ev := range c.Events {
		c.Events[i] = strings.ToLower(strings.TrimSpace(ev))
	}
}

// Validate reports unknown event names and log levels.
func (c Config) Validate() error {
	for _, name := range c.Events {
		if _, ok := guestfs.ParseEvent(name); !ok {
			return fmt.Errorf("unknown event %q", name)
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	for _, d := range c.Drives {
		if d == "" {
			return fmt.Errorf("empty drive path")
		}
	}
	return nil
}

// Load reads path. A missing file yields Default. World-writable and
// oversized files are refused.
func Load(path string) (Config, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return Default(), nil
	} else if err != nil {
		return Config{}, fmt.Errorf("stat %s: %w", path, err)
	}

	if runtime.GOOS != "windows" && info.Mode().Perm()&0002 != 0 {
		return Config{}, fmt.Errorf("%s is world-writable, refusing to load", path)
	}
	if info.Size() > maxConfigSize {
		return Config{}, fmt.Errorf("%s is too large (%d bytes)", path, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}

	slog.Debug("loaded config", "path", path, "size", info.Size())
	return c, nil
}

// FromEnv loads the file named by GUESTFS_GO_CONFIG, or the defaults, and
// applies GUESTFS_GO_LIBRARY.
func FromEnv() (Config, error) {
	c := Default()
	if path := os.Getenv(EnvConfig); path != "" {
		var err error
		if c, err = Load(path); err != nil {
			return Config{}, err
		}
	}
	if lib := os.Getenv(EnvLibrary); lib != "" {
		c.Library = lib
	}
	return c, nil
}

// CreateFlags converts the create section.
func (c Config) CreateFlags() guestfs.CreateFlags {
	return guestfs.NewCreateFlags().
		NoEnvironment(c.Create.NoEnvironment).
		NoCloseOnExit(c.Create.NoCloseOnExit)
}

// EventSet converts Events. Unknown names are skipped; Validate reports them.
func (c Config) EventSet() []guestfs.Event {
	var out []guestfs.Event
	for _, name := range c.Events {
		if ev, ok := guestfs.ParseEvent(name); ok {
			out = append(out, ev)
		}
	}
	return out
}

// LogLevel converts Log.Level, falling back to info.
func (c Config) LogLevel() slog.Level {
	l, err := parseLevel(c.Log.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// Write encodes c as YAML.
func (c Config) Write(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return enc.Close()
}
