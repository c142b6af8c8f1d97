// Package config defines the hub configuration surface and its loader.
//
// Configuration files are YAML (or JSON5 by extension) with environment
// variable expansion and $include composition. Unknown keys are rejected so
// typos fail at startup rather than silently disabling features.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for the agent hub daemon.
type Config struct {
	// Host and Port bind the client WebSocket listener.
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// Name identifies this hub to clients and in push payloads.
	Name string `yaml:"name" json:"name"`

	// AdminPort binds the admin listener (admin WS, /healthz, /metrics).
	AdminPort  int    `yaml:"adminPort" json:"adminPort"`
	AdminToken string `yaml:"adminToken" json:"adminToken"`

	// AuthToken is the shared secret for regular clients.
	AuthToken string `yaml:"authToken" json:"authToken"`

	// LocalhostBypassAuth skips token checks for loopback connections.
	LocalhostBypassAuth bool `yaml:"localhostBypassAuth" json:"localhostBypassAuth"`

	LogLevel string `yaml:"logLevel" json:"logLevel"`

	// SandboxPath is the parent directory for per-agent bash sandboxes.
	SandboxPath string `yaml:"sandboxPath" json:"sandboxPath"`

	// AgentStorePath is the root of the on-disk agent store.
	AgentStorePath string `yaml:"agentStorePath" json:"agentStorePath"`

	// SkillsPath is scanned for SKILL.md definitions. Empty disables skills.
	SkillsPath string `yaml:"skillsPath" json:"skillsPath"`

	Tools         ToolsConfig         `yaml:"tools" json:"tools"`
	FetchProxy    FetchProxyConfig    `yaml:"fetchProxy" json:"fetchProxy"`
	Push          PushConfig          `yaml:"push" json:"push"`
	LLM           LLMConfig           `yaml:"llm" json:"llm"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ToolsConfig groups per-tool settings.
type ToolsConfig struct {
	Bash       BashToolConfig       `yaml:"bash" json:"bash"`
	Filesystem FilesystemToolConfig `yaml:"filesystem" json:"filesystem"`
	Browse     BrowseToolConfig     `yaml:"browse" json:"browse"`
}

// BashToolConfig controls the sandboxed bash tool.
type BashToolConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Mode is "restricted" (drop to RunAsUser when set) or "unrestricted".
	Mode         string `yaml:"mode" json:"mode"`
	RunAsUser    string `yaml:"runAsUser" json:"runAsUser,omitempty"`
	TimeoutMs    int    `yaml:"timeoutMs" json:"timeoutMs"`
	MaxTimeoutMs int    `yaml:"maxTimeoutMs" json:"maxTimeoutMs"`
}

// FilesystemToolConfig controls the path-restricted filesystem tool.
type FilesystemToolConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	AllowedPaths []string `yaml:"allowedPaths" json:"allowedPaths"`
}

// BrowseToolConfig controls the headless browser pool.
type BrowseToolConfig struct {
	Enabled               bool           `yaml:"enabled" json:"enabled"`
	MaxConcurrentSessions int            `yaml:"maxConcurrentSessions" json:"maxConcurrentSessions"`
	SessionTimeoutMinutes int            `yaml:"sessionTimeoutMinutes" json:"sessionTimeoutMinutes"`
	Viewport              ViewportConfig `yaml:"viewport" json:"viewport"`
}

// ViewportConfig fixes the browser window size.
type ViewportConfig struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// FetchProxyConfig pattern-gates outbound fetches made on behalf of agents.
type FetchProxyConfig struct {
	Enabled         bool     `yaml:"enabled" json:"enabled"`
	AllowedPatterns []string `yaml:"allowedPatterns" json:"allowedPatterns"`
	BlockedPatterns []string `yaml:"blockedPatterns" json:"blockedPatterns"`
}

// PushConfig controls web push delivery.
type PushConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	VapidEmail string `yaml:"vapidEmail" json:"vapidEmail"`
}

// LLMConfig configures the default adapter wired in cmd.
type LLMConfig struct {
	APIKey    string `yaml:"apiKey" json:"apiKey,omitempty"`
	BaseURL   string `yaml:"baseUrl" json:"baseUrl,omitempty"`
	TimeoutMs int    `yaml:"timeoutMs" json:"timeoutMs"`
}

// ObservabilityConfig controls metrics and tracing exports.
type ObservabilityConfig struct {
	MetricsEnabled bool    `yaml:"metricsEnabled" json:"metricsEnabled"`
	OTLPEndpoint   string  `yaml:"otlpEndpoint" json:"otlpEndpoint,omitempty"`
	SampleRate     float64 `yaml:"sampleRate" json:"sampleRate"`
}

// Default ports and limits.
const (
	DefaultPort        = 8787
	DefaultAdminPort   = 8788
	DefaultBashTimeout = 30_000
	MaxBashTimeout     = 300_000
	DefaultLLMTimeout  = 120_000
	DefaultMaxSessions = 5
	DefaultSessionIdle = 30
	DefaultViewportW   = 1280
	DefaultViewportH   = 720
)

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agenthub"
	}
	return filepath.Join(home, ".agenthub")
}

// Default returns a configuration with every default applied, equivalent to
// loading an empty file. Used when no config file exists yet.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// DefaultPath returns the conventional config file location under the data
// directory.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

func applyDefaults(cfg *Config) {
	dataDir := defaultDataDir()
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Name == "" {
		cfg.Name = "agenthub"
	}
	if cfg.AdminPort == 0 {
		cfg.AdminPort = DefaultAdminPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SandboxPath == "" {
		cfg.SandboxPath = filepath.Join(dataDir, "sandbox")
	}
	if cfg.AgentStorePath == "" {
		cfg.AgentStorePath = filepath.Join(dataDir, "agents")
	}
	if cfg.Tools.Bash.Mode == "" {
		cfg.Tools.Bash.Mode = "restricted"
	}
	if cfg.Tools.Bash.TimeoutMs == 0 {
		cfg.Tools.Bash.TimeoutMs = DefaultBashTimeout
	}
	if cfg.Tools.Bash.MaxTimeoutMs == 0 {
		cfg.Tools.Bash.MaxTimeoutMs = MaxBashTimeout
	}
	if cfg.Tools.Browse.MaxConcurrentSessions == 0 {
		cfg.Tools.Browse.MaxConcurrentSessions = DefaultMaxSessions
	}
	if cfg.Tools.Browse.SessionTimeoutMinutes == 0 {
		cfg.Tools.Browse.SessionTimeoutMinutes = DefaultSessionIdle
	}
	if cfg.Tools.Browse.Viewport.Width == 0 {
		cfg.Tools.Browse.Viewport.Width = DefaultViewportW
	}
	if cfg.Tools.Browse.Viewport.Height == 0 {
		cfg.Tools.Browse.Viewport.Height = DefaultViewportH
	}
	if cfg.LLM.TimeoutMs == 0 {
		cfg.LLM.TimeoutMs = DefaultLLMTimeout
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}
}

// Validate checks the configuration for values the daemon cannot run with.
// A non-nil error maps to exit code 2.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		return fmt.Errorf("adminPort %d out of range", c.AdminPort)
	}
	if c.AdminPort == c.Port {
		return fmt.Errorf("adminPort must differ from port")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logLevel %q is not one of debug|info|warn|error", c.LogLevel)
	}
	switch c.Tools.Bash.Mode {
	case "restricted", "unrestricted":
	default:
		return fmt.Errorf("tools.bash.mode %q is not restricted|unrestricted", c.Tools.Bash.Mode)
	}
	if c.Tools.Bash.TimeoutMs < 0 || c.Tools.Bash.MaxTimeoutMs < 0 {
		return fmt.Errorf("tools.bash timeouts must be non-negative")
	}
	if c.Tools.Bash.TimeoutMs > c.Tools.Bash.MaxTimeoutMs {
		return fmt.Errorf("tools.bash.timeoutMs %d exceeds maxTimeoutMs %d",
			c.Tools.Bash.TimeoutMs, c.Tools.Bash.MaxTimeoutMs)
	}
	for _, p := range c.Tools.Filesystem.AllowedPaths {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("tools.filesystem.allowedPaths entry %q is not absolute", p)
		}
	}
	if c.Tools.Browse.MaxConcurrentSessions < 1 {
		return fmt.Errorf("tools.browse.maxConcurrentSessions must be at least 1")
	}
	for _, pat := range c.FetchProxy.AllowedPatterns {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("fetchProxy.allowedPatterns entry %q: %w", pat, err)
		}
	}
	for _, pat := range c.FetchProxy.BlockedPatterns {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("fetchProxy.blockedPatterns entry %q: %w", pat, err)
		}
	}
	if c.Push.Enabled && c.Push.VapidEmail == "" {
		return fmt.Errorf("push.vapidEmail is required when push is enabled")
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("observability.sampleRate %v out of [0,1]", c.Observability.SampleRate)
	}
	if !isLoopbackHost(c.Host) && c.AuthToken == "" {
		return fmt.Errorf("authToken is required when binding a non-loopback host")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1", "":
		return true
	}
	return strings.HasPrefix(host, "127.")
}
