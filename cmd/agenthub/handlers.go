package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/agenthub/internal/adapter/anthropic"
	"github.com/haasonsaas/agenthub/internal/agent"
	"github.com/haasonsaas/agenthub/internal/browser"
	"github.com/haasonsaas/agenthub/internal/config"
	"github.com/haasonsaas/agenthub/internal/hub"
	"github.com/haasonsaas/agenthub/internal/observability"
	"github.com/haasonsaas/agenthub/internal/push"
	"github.com/haasonsaas/agenthub/internal/schedule"
	"github.com/haasonsaas/agenthub/internal/skills"
	"github.com/haasonsaas/agenthub/internal/store"
	"github.com/haasonsaas/agenthub/internal/tools"
)

// runServe implements the serve command: configuration loading, component
// wiring, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return &configError{err}
	}
	if debug {
		cfg.LogLevel = "debug"
	}

	logger, levelVar, logBus := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting agenthub",
		"version", version,
		"commit", commit,
		"config", configPath,
	)

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)

	tracer, stopTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "agenthub",
		ServiceVersion: version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		SampleRate:     cfg.Observability.SampleRate,
	})
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stopTracer(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	st, err := store.New(cfg.AgentStorePath, store.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open agent store: %w", err)
	}

	var skillMgr *skills.Manager
	if cfg.SkillsPath != "" {
		skillMgr = skills.NewManager(cfg.SkillsPath, skills.WithLogger(logger))
		if err := skillMgr.Reload(); err != nil {
			logger.Warn("initial skill scan failed", "error", err)
		}
	}

	pool := browser.NewPool(browser.Config{
		MaxSessions:    cfg.Tools.Browse.MaxConcurrentSessions,
		SessionTTL:     time.Duration(cfg.Tools.Browse.SessionTimeoutMinutes) * time.Minute,
		ViewportWidth:  cfg.Tools.Browse.Viewport.Width,
		ViewportHeight: cfg.Tools.Browse.Viewport.Height,
		ProfileDir: func(agentID string) string {
			return filepath.Join(st.Root(), agentID, "browser-profile")
		},
	}, browser.WithLogger(logger))

	fetchPolicy, err := tools.NewFetchPolicy(cfg.FetchProxy.Enabled,
		cfg.FetchProxy.AllowedPatterns, cfg.FetchProxy.BlockedPatterns)
	if err != nil {
		return &configError{err}
	}

	pipeOpts := []tools.PipelineOption{
		tools.WithLogger(logger),
		tools.WithMetrics(metrics),
		tools.WithTracer(tracer),
		tools.WithStore(st),
		tools.WithFetchPolicy(fetchPolicy),
	}
	if skillMgr != nil {
		pipeOpts = append(pipeOpts, tools.WithSkills(skillMgr))
	}
	pipe := tools.NewPipeline(pipeOpts...)

	send, err := buildAdapter(cfg)
	if err != nil {
		return err
	}

	// The registry and scheduler reference each other: runner snapshots
	// embed schedule entries, schedule fires drive runners. The scheduler
	// binds late through closures over sched.
	var sched *schedule.Scheduler
	reg := agent.NewRegistry(agent.RunnerDeps{
		Logger:  logger,
		Metrics: metrics,
		Tools:   pipe,
		Saver:   st,
		Adapter: send,
		Schedules: func(agentID string) []schedule.Entry {
			if sched == nil {
				return nil
			}
			return sched.Schedules(agentID)
		},
		EscalationEvents: func(eventName, agentID string, data any) {
			if sched == nil {
				return
			}
			sched.FireEvent(context.Background(), eventName, agentID, data)
		},
	})
	pipe.SetRegistry(reg)
	sched = schedule.NewScheduler(hub.NewGateway(reg, pipe),
		schedule.WithLogger(logger), schedule.WithMetrics(metrics))

	registerTools(cfg, pipe, st, pool, sched, fetchPolicy)

	var pushMgr *push.Manager
	if cfg.Push.Enabled {
		keys, err := push.EnsureVapidKeys(st)
		if err != nil {
			return fmt.Errorf("ensure vapid keys: %w", err)
		}
		sink := push.NewWebPushSink(keys, "mailto:"+cfg.Push.VapidEmail)
		pushMgr = push.NewManager(sink, st, cfg.Name, keys.PublicKey,
			push.WithLogger(logger), push.WithMetrics(metrics))
	}

	h, err := hub.New(hub.Options{
		Config:    cfg,
		Logger:    logger,
		LevelVar:  levelVar,
		LogBus:    logBus,
		Metrics:   metrics,
		Gatherer:  promReg,
		Registry:  reg,
		Store:     st,
		Scheduler: sched,
		Pipeline:  pipe,
		Browser:   pool,
		Push:      pushMgr,
		Reload: func() (*config.Config, error) {
			return loadConfig(configPath)
		},
	})
	if err != nil {
		return fmt.Errorf("initialize hub: %w", err)
	}

	// Create a context that cancels on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start browser pool: %w", err)
	}
	if skillMgr != nil {
		if err := skillMgr.Watch(ctx); err != nil {
			logger.Warn("skill watch unavailable", "error", err)
		}
	}

	watcher := config.NewWatcher(configPath, func(next *config.Config) {
		for _, change := range h.ApplyConfig(next) {
			logger.Info("config change applied", "change", change)
		}
	})
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	}

	// Restore before binding so the first client to connect sees every
	// persisted agent.
	restored, err := h.RestoreFromDisk()
	if err != nil {
		logger.Warn("agent restore incomplete", "error", err)
	} else if restored > 0 {
		logger.Info("agents restored", "count", restored)
	}

	if err := h.Start(ctx); err != nil {
		return err
	}

	logger.Info("agenthub started",
		"client_addr", h.ClientAddr(),
		"admin_addr", h.AdminAddr(),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	// Create a timeout context for graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop incomplete", "error", err)
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Warn("hub shutdown incomplete", "error", err)
	}
	stopRunners(shutdownCtx, reg, logger)
	h.PersistAll()
	if skillMgr != nil {
		if err := skillMgr.Close(); err != nil {
			logger.Warn("skill manager close failed", "error", err)
		}
	}
	if err := pool.Close(); err != nil {
		logger.Warn("browser pool close failed", "error", err)
	}

	logger.Info("agenthub stopped gracefully")
	return nil
}

// loadConfig reads and validates the config file at path. The default
// location is allowed to not exist yet; built-in defaults apply then.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == config.DefaultPath() {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildAdapter constructs the default Anthropic adapter. Agents that leave
// provider empty use it; named providers must match.
func buildAdapter(cfg *config.Config) (agent.SendApiRequest, error) {
	apiKey := cfg.LLM.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("no LLM API key: set llm.apiKey or ANTHROPIC_API_KEY")
	}
	a, err := anthropic.New(anthropic.Config{
		APIKey:  apiKey,
		BaseURL: cfg.LLM.BaseURL,
		Timeout: time.Duration(cfg.LLM.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, provider string, req agent.ApiRequest, emit func(agent.StreamEvent)) (*agent.FinalMessage, error) {
		if provider == "" {
			provider = anthropic.Provider
		}
		return a.Send(ctx, provider, req, emit)
	}, nil
}

// registerTools wires the built-in tools into the pipeline. Disabled tools
// register too; the hub withholds them per config, so a reload can
// re-enable without re-wiring.
func registerTools(cfg *config.Config, pipe *tools.Pipeline, st *store.AgentStore, pool *browser.Pool, sched *schedule.Scheduler, fetch *tools.FetchPolicy) {
	pipe.Register(tools.NewBashTool(tools.BashConfig{
		SandboxRoot: cfg.SandboxPath,
		Restricted:  cfg.Tools.Bash.Mode != "unrestricted",
		RunAsUser:   cfg.Tools.Bash.RunAsUser,
		Timeout:     time.Duration(cfg.Tools.Bash.TimeoutMs) * time.Millisecond,
		MaxTimeout:  time.Duration(cfg.Tools.Bash.MaxTimeoutMs) * time.Millisecond,
	}))
	pipe.Register(tools.NewFilesystemTool(cfg.Tools.Filesystem.AllowedPaths))
	pipe.Register(tools.NewBrowseTool(pool))
	pipe.Register(tools.NewHubFilesTool(st))
	pipe.Register(tools.NewRunJSTool(st, fetch))
	pipe.Register(tools.NewScheduleTool(sched))
	pipe.Register(tools.NewContextSearchTool())
	pipe.Register(tools.NewStateTool())
	pipe.Register(tools.NewStorageTool())
}

// stopRunners gracefully stops every runner, then waits for running turns
// to drain or the shutdown deadline to pass.
func stopRunners(ctx context.Context, reg *agent.Registry, logger *slog.Logger) {
	runners := reg.List()
	for _, r := range runners {
		if err := r.Stop(); err != nil {
			logger.Warn("runner stop failed", "agent", r.ID(), "error", err)
		}
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		busy := 0
		for _, r := range runners {
			if r.Busy() {
				busy++
			}
		}
		if busy == 0 {
			return
		}
		select {
		case <-ctx.Done():
			logger.Warn("shutdown deadline reached with busy runners", "count", busy)
			return
		case <-ticker.C:
		}
	}
}

// runSetup handles the setup command.
func runSetup(cmd *cobra.Command, configPath string, overwrite bool) error {
	out := cmd.OutOrStdout()

	if _, err := os.Stat(configPath); err == nil && !overwrite {
		fmt.Fprintf(out, "Config already exists: %s (use --overwrite to replace)\n", configPath)
		return nil
	}

	cfg := config.Default()
	reader := bufio.NewReader(cmd.InOrStdin())
	if term.IsTerminal(int(os.Stdin.Fd())) {
		cfg.AuthToken = promptToken(reader, "Client auth token")
		cfg.AdminToken = promptToken(reader, "Admin token")
	} else {
		cfg.AuthToken = generateToken()
		cfg.AdminToken = generateToken()
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return err
	}

	fmt.Fprintf(out, "Config written: %s\n", configPath)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  - export ANTHROPIC_API_KEY (or set llm.apiKey)")
	fmt.Fprintln(out, "  - agenthub serve")
	return nil
}

// runVersion handles the version command.
func runVersion(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "agenthub %s\n", version)
	fmt.Fprintf(out, "  commit: %s\n", commit)
	fmt.Fprintf(out, "  built:  %s\n", date)
	return nil
}

// runConfigSchema handles the config schema command.
func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// runConfigPrint handles the config print command: the effective
// configuration after includes, environment expansion, and defaults, with
// secrets masked.
func runConfigPrint(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return &configError{err}
	}

	c := *cfg
	c.AuthToken = maskSecret(c.AuthToken)
	c.AdminToken = maskSecret(c.AdminToken)
	c.LLM.APIKey = maskSecret(c.LLM.APIKey)

	data, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(data))
	return nil
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "[redacted]"
}

// promptToken prompts for a secret without echo; an empty answer generates
// a random token.
func promptToken(reader *bufio.Reader, label string) string {
	if token := promptPassword(reader, label+" (empty generates one)"); token != "" {
		return token
	}
	return generateToken()
}

// promptPassword prompts for a secret without showing input.
func promptPassword(reader *bufio.Reader, label string) string {
	fmt.Printf("%s: ", label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		text, err := term.ReadPassword(fd)
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(text))
		}
	}
	text, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

// generateToken returns a 32-byte random token, URL-safe base64 encoded.
func generateToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("agenthub-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
