package main

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/agenthub/internal/config"
	"github.com/haasonsaas/agenthub/internal/hub"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "setup", "config", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"generic", errors.New("boom"), 1},
		{"config", &configError{errors.New("port 0 out of range")}, 2},
		{"wrapped config", &configError{errors.New("bad yaml")}, 2},
		{"bind", &hub.BindError{Addr: "127.0.0.1:8787", Err: net.ErrClosed}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Fatalf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestResolveConfigPathPrecedence(t *testing.T) {
	t.Setenv("AGENTHUB_CONFIG", "/env/config.yaml")
	if got := resolveConfigPath("/flag/config.yaml"); got != "/flag/config.yaml" {
		t.Fatalf("flag should win, got %q", got)
	}
	if got := resolveConfigPath(""); got != "/env/config.yaml" {
		t.Fatalf("env should win over default, got %q", got)
	}

	t.Setenv("AGENTHUB_CONFIG", "")
	got := resolveConfigPath("")
	if got == "" || !strings.HasSuffix(got, "config.yaml") {
		t.Fatalf("default path expected, got %q", got)
	}
}

func TestVersionCommandOutput(t *testing.T) {
	cmd := buildVersionCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("version: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "agenthub") || !strings.Contains(out, "commit") {
		t.Fatalf("unexpected version output: %q", out)
	}
}

func TestConfigSchemaOutput(t *testing.T) {
	cmd := buildConfigSchemaCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("config schema: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"adminPort", "sandboxPath", "agentStorePath"} {
		if !strings.Contains(out, want) {
			t.Fatalf("schema output missing %q", want)
		}
	}
}

func TestMaskSecret(t *testing.T) {
	if got := maskSecret(""); got != "" {
		t.Fatalf("empty secret should stay empty, got %q", got)
	}
	if got := maskSecret("hunter2"); got != "[redacted]" {
		t.Fatalf("secret not masked: %q", got)
	}
}

func TestRunSetupWritesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cmd := buildSetupCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	if err := runSetup(cmd, path, false); err != nil {
		t.Fatalf("setup: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	for _, want := range []string{"authToken", "adminToken", "port"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("starter config missing %q:\n%s", want, data)
		}
	}

	// A second run without --overwrite leaves the file alone.
	buf.Reset()
	if err := runSetup(cmd, path, false); err != nil {
		t.Fatalf("repeat setup: %v", err)
	}
	if !strings.Contains(buf.String(), "already exists") {
		t.Fatalf("expected existing-file notice, got %q", buf.String())
	}
}

func TestLoadConfigExplicitPathMissing(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for a missing explicit config path")
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("port: 9000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("port = %d, want 9000", cfg.Port)
	}
	if cfg.AdminPort != config.DefaultAdminPort {
		t.Fatalf("adminPort = %d, want default %d", cfg.AdminPort, config.DefaultAdminPort)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("port: 9000\nadminPort: 9000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Fatal("expected validation error for port collision")
	}
}

func TestGenerateTokenIsRandom(t *testing.T) {
	a := generateToken()
	b := generateToken()
	if a == "" || b == "" {
		t.Fatal("empty token")
	}
	if a == b {
		t.Fatal("tokens should differ")
	}
	if len(a) < 40 {
		t.Fatalf("token too short: %d chars", len(a))
	}
}
