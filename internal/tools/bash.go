package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/haasonsaas/agenthub/internal/agent"
)

const (
	defaultBashTimeout = 30 * time.Second
	maxBashTimeout     = 300 * time.Second
	maxBashOutput      = 64000
)

// BashTool runs shell commands inside a per-agent sandbox directory. The
// sandbox is an isolation boundary by ownership, not by syscall filtering: in
// restricted mode commands run as a dedicated unprivileged user whose only
// writable directory is the sandbox.
type BashTool struct {
	root       string
	restricted bool
	runAsUser  string
	timeout    time.Duration
	maxTimeout time.Duration

	mu       sync.Mutex
	prepared map[string]bool
	creds    *syscall.Credential
}

// BashConfig configures the bash tool.
type BashConfig struct {
	// SandboxRoot is the parent of all per-agent sandbox directories.
	SandboxRoot string

	// Restricted drops to RunAsUser for every command.
	Restricted bool
	RunAsUser  string

	// Timeout is the per-command default; MaxTimeout caps what an agent may
	// request. Zero values take the package defaults.
	Timeout    time.Duration
	MaxTimeout time.Duration
}

// NewBashTool creates the bash tool.
func NewBashTool(cfg BashConfig) *BashTool {
	t := &BashTool{
		root:       cfg.SandboxRoot,
		restricted: cfg.Restricted,
		runAsUser:  cfg.RunAsUser,
		timeout:    cfg.Timeout,
		maxTimeout: cfg.MaxTimeout,
		prepared:   make(map[string]bool),
	}
	if t.timeout <= 0 {
		t.timeout = defaultBashTimeout
	}
	if t.maxTimeout <= 0 {
		t.maxTimeout = maxBashTimeout
	}
	if t.timeout > t.maxTimeout {
		t.timeout = t.maxTimeout
	}
	return t
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Run a bash command in the agent's sandbox directory. Output combines stdout and stderr."
}

func (t *BashTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"cwd": map[string]interface{}{
				"type":        "string",
				"description": "Working directory relative to the sandbox root.",
			},
			"timeout_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "Timeout in seconds (default 30, max 300).",
				"minimum":     1,
			},
		},
		"required": []string{"command"},
	}
	return marshalSchema(schema)
}

func (t *BashTool) Execute(ctx context.Context, call Call) (agent.ToolOutcome, error) {
	var input struct {
		Command        string `json:"command"`
		Cwd            string `json:"cwd"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return toolError("command is required"), nil
	}

	timeout := t.timeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
		if timeout > t.maxTimeout {
			timeout = t.maxTimeout
		}
	}

	sandbox, err := t.ensureSandbox(call.AgentID)
	if err != nil {
		return toolError(fmt.Sprintf("prepare sandbox: %v", err)), nil
	}
	dir := sandbox
	if cwd := strings.TrimSpace(input.Cwd); cwd != "" {
		resolved, err := resolveWithin(sandbox, cwd)
		if err != nil {
			return toolError(err.Error()), nil
		}
		dir = resolved
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/bash", "-c", command)
	cmd.Dir = dir
	cmd.Env = t.commandEnv(sandbox)
	if t.restricted && t.runAsUser != "" {
		creds, err := t.credentials()
		if err != nil {
			return toolError(fmt.Sprintf("resolve sandbox user %s: %v", t.runAsUser, err)), nil
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: creds}
	}

	// One buffer for both streams keeps interleaving close to what a
	// terminal shows.
	output := newLimitedBuffer(maxBashOutput)
	cmd.Stdout = output
	cmd.Stderr = output

	start := time.Now()
	runErr := cmd.Run()
	timedOut := runCtx.Err() == context.DeadlineExceeded

	result := map[string]interface{}{
		"command":     command,
		"cwd":         dir,
		"output":      output.String(),
		"exit_code":   exitCode(runErr),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if timedOut {
		result["timed_out"] = true
		result["error"] = fmt.Sprintf("command timed out after %s", timeout)
	} else if runErr != nil && exitCode(runErr) == -1 {
		result["error"] = runErr.Error()
	}

	// A non-zero exit is a normal result the model reads from exit_code; a
	// kill by timeout is a failure of the call itself.
	outcome := jsonResult(result)
	outcome.IsError = timedOut
	return outcome, nil
}

// ensureSandbox creates <root>/<agentID> on first use and, in restricted
// mode, hands it to the sandbox user so dropped-privilege commands can
// write there.
func (t *BashTool) ensureSandbox(agentID string) (string, error) {
	if agentID == "" {
		return "", fmt.Errorf("missing agent id")
	}
	dir := filepath.Join(t.root, agentID)

	t.mu.Lock()
	done := t.prepared[dir]
	t.mu.Unlock()
	if done {
		return dir, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if t.restricted && t.runAsUser != "" {
		creds, err := t.credentials()
		if err != nil {
			return "", err
		}
		if err := os.Chown(dir, int(creds.Uid), int(creds.Gid)); err != nil {
			return "", fmt.Errorf("chown sandbox: %w", err)
		}
	}

	t.mu.Lock()
	t.prepared[dir] = true
	t.mu.Unlock()
	return dir, nil
}

func (t *BashTool) credentials() (*syscall.Credential, error) {
	t.mu.Lock()
	cached := t.creds
	t.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	u, err := user.Lookup(t.runAsUser)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("parse uid: %w", err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("parse gid: %w", err)
	}
	creds := &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}

	t.mu.Lock()
	t.creds = creds
	t.mu.Unlock()
	return creds, nil
}

func (t *BashTool) commandEnv(sandbox string) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "HOME="+sandbox)
	if t.restricted && t.runAsUser != "" {
		env = append(env, "USER="+t.runAsUser, "LOGNAME="+t.runAsUser)
	}
	return env
}

// resolveWithin joins a relative path onto root and rejects escapes.
func resolveWithin(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("cwd must be relative to the sandbox")
	}
	target := filepath.Clean(filepath.Join(root, rel))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("cwd escapes the sandbox")
	}
	return target, nil
}

// limitedBuffer caps captured output; writes past the limit report success
// and drop the excess.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.buf) >= b.max {
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if b.max > 0 && len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
