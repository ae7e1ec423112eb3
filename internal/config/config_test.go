package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/guestfs"
)

func writeConfig(t *testing.T, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guestfs.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if err := os.Chmod(path, mode); err != nil {
		t.Fatalf("failed to chmod config: %v", err)
	}
	return path
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `library: /usr/lib64/libguestfs.so.0
create:
  no_environment: true
log:
  level: DEBUG
events: [Trace, progress, " close "]
trace: true
drives:
  - /var/lib/images/fedora.img
`, 0o644)

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	want := Config{
		Library: "/usr/lib64/libguestfs.so.0",
		Create:  CreateConfig{NoEnvironment: true},
		Log:     LogConfig{Level: "debug"},
		Events:  []string{"trace", "progress", "close"},
		Trace:   true,
		Drives:  []string{"/var/lib/images/fedora.img"},
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	if c.LogLevel() != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", c.LogLevel())
	}
	if diff := cmp.Diff([]guestfs.Event{guestfs.EventTrace, guestfs.EventProgress, guestfs.EventClose}, c.EventSet()); diff != "" {
		t.Fatalf("EventSet mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsUnknownEvent(t *testing.T) {
	path := writeConfig(t, "events: [trace, nonsense]\n", 0o644)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "nonsense") {
		t.Fatalf("Load error = %v, want unknown event", err)
	}
}

func TestLoadRejectsBadLevel(t *testing.T) {
	path := writeConfig(t, "log: {level: loud}\n", 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an invalid log level")
	}
}

func TestLoadRefusesWorldWritable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on windows")
	}
	path := writeConfig(t, "trace: true\n", 0o666)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "world-writable") {
		t.Fatalf("Load error = %v, want world-writable refusal", err)
	}
}

func TestLoadRefusesLargeFile(t *testing.T) {
	path := writeConfig(t, "trace: true\n#"+strings.Repeat("x", maxConfigSize)+"\n", 0o644)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("Load error = %v, want size refusal", err)
	}
}

func TestFromEnv(t *testing.T) {
	path := writeConfig(t, "verbose: true\nlibrary: /opt/a.so\n", 0o644)
	t.Setenv(EnvConfig, path)
	t.Setenv(EnvLibrary, "/opt/b.so")

	c, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if !c.Verbose || c.Library != "/opt/b.so" {
		t.Fatalf("FromEnv = %+v", c)
	}
}

func TestEventAllName(t *testing.T) {
	c := Default()
	c.Events = []string{"all"}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]guestfs.Event{guestfs.EventAll}, c.EventSet()); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	c := Default()
	c.Drives = []string{"a.img", "b.img"}
	c.Create.NoCloseOnExit = true

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := c.Write(path); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}
