package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")
	writeFile(t, path, "name: test-hub\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "test-hub" {
		t.Errorf("name = %q, want test-hub", cfg.Name)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.AdminPort != DefaultAdminPort {
		t.Errorf("adminPort = %d, want %d", cfg.AdminPort, DefaultAdminPort)
	}
	if cfg.Tools.Bash.TimeoutMs != DefaultBashTimeout {
		t.Errorf("bash timeout = %d, want %d", cfg.Tools.Bash.TimeoutMs, DefaultBashTimeout)
	}
	if cfg.Tools.Bash.Mode != "restricted" {
		t.Errorf("bash mode = %q, want restricted", cfg.Tools.Bash.Mode)
	}
	if cfg.Tools.Browse.Viewport.Width != DefaultViewportW {
		t.Errorf("viewport width = %d, want %d", cfg.Tools.Browse.Viewport.Width, DefaultViewportW)
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("logLevel = %q, want info", cfg.LogLevel)
	}
}

func TestDefaultPath(t *testing.T) {
	p := DefaultPath()
	if !filepath.IsAbs(p) && !strings.HasPrefix(p, ".agenthub") {
		t.Fatalf("unexpected default path %q", p)
	}
	if filepath.Base(p) != "config.yaml" {
		t.Fatalf("default path should end in config.yaml, got %q", p)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")
	writeFile(t, path, "prot: 1234\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("HUB_TEST_TOKEN", "sekrit")
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")
	writeFile(t, path, "authToken: ${HUB_TEST_TOKEN}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuthToken != "sekrit" {
		t.Errorf("authToken = %q, want sekrit", cfg.AuthToken)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.json5")
	writeFile(t, path, `{
  // comments are allowed
  port: 9100,
  name: "json-hub",
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9100 || cfg.Name != "json-hub" {
		t.Errorf("got port=%d name=%q", cfg.Port, cfg.Name)
	}
}

func TestLoadIncludeMerge(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	main := filepath.Join(dir, "hub.yaml")
	writeFile(t, base, "port: 9000\nname: base\nlogLevel: debug\n")
	writeFile(t, main, "$include: base.yaml\nname: override\n")

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("port = %d, want included 9000", cfg.Port)
	}
	if cfg.Name != "override" {
		t.Errorf("name = %q, want override from including file", cfg.Name)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("logLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	writeFile(t, a, "$include: b.yaml\n")
	writeFile(t, b, "$include: a.yaml\n")

	if _, err := Load(a); err == nil {
		t.Fatal("expected include cycle error, got nil")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"port clash", func(c *Config) { c.AdminPort = c.Port }, true},
		{"port range", func(c *Config) { c.Port = 70000 }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, true},
		{"bad bash mode", func(c *Config) { c.Tools.Bash.Mode = "yolo" }, true},
		{"bash timeout above max", func(c *Config) {
			c.Tools.Bash.TimeoutMs = 400_000
		}, true},
		{"relative allowed path", func(c *Config) {
			c.Tools.Filesystem.AllowedPaths = []string{"relative/dir"}
		}, true},
		{"absolute allowed path", func(c *Config) {
			c.Tools.Filesystem.AllowedPaths = []string{"/srv/data"}
		}, false},
		{"bad fetch allow pattern", func(c *Config) {
			c.FetchProxy.AllowedPatterns = []string{"[unterminated"}
		}, true},
		{"bad fetch block pattern", func(c *Config) {
			c.FetchProxy.BlockedPatterns = []string{"(?P<"}
		}, true},
		{"valid fetch patterns", func(c *Config) {
			c.FetchProxy.AllowedPatterns = []string{`^https://api\.example\.com/`}
			c.FetchProxy.BlockedPatterns = []string{`\.onion`}
		}, false},
		{"push without email", func(c *Config) { c.Push.Enabled = true }, true},
		{"push with email", func(c *Config) {
			c.Push.Enabled = true
			c.Push.VapidEmail = "ops@example.com"
		}, false},
		{"public bind without token", func(c *Config) { c.Host = "0.0.0.0" }, true},
		{"public bind with token", func(c *Config) {
			c.Host = "0.0.0.0"
			c.AuthToken = "tok"
		}, false},
		{"sample rate out of range", func(c *Config) {
			c.Observability.SampleRate = 1.5
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")
	writeFile(t, path, "name: before\n")

	got := make(chan *Config, 1)
	w := NewWatcher(path, func(cfg *Config) {
		select {
		case got <- cfg:
		default:
		}
	}, WithWatchDebounce(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	writeFile(t, path, "name: after\n")

	select {
	case cfg := <-got:
		if cfg.Name != "after" {
			t.Errorf("reloaded name = %q, want after", cfg.Name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcherReloadKeepsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")
	writeFile(t, path, "logLevel: loud\n")

	w := NewWatcher(path, func(cfg *Config) {
		t.Error("callback must not fire for invalid config")
	})
	if err := w.Reload(); err == nil {
		t.Fatal("expected validation error from Reload")
	}
}
