package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amcp-io/amcp/internal/agent"
	"github.com/amcp-io/amcp/internal/agent/providers"
	"github.com/amcp-io/amcp/internal/bus"
	"github.com/amcp-io/amcp/internal/commands"
	"github.com/amcp-io/amcp/internal/compaction"
	"github.com/amcp-io/amcp/internal/config"
	"github.com/amcp-io/amcp/internal/hooks"
	"github.com/amcp-io/amcp/internal/mcp"
	"github.com/amcp-io/amcp/internal/observability"
	"github.com/amcp-io/amcp/internal/permissions"
	"github.com/amcp-io/amcp/internal/rules"
	"github.com/amcp-io/amcp/internal/server"
	"github.com/amcp-io/amcp/internal/sessions"
	"github.com/amcp-io/amcp/internal/skills"
	"github.com/amcp-io/amcp/internal/tasks"
	"github.com/amcp-io/amcp/internal/tools/builtin"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		host       string
		port       int
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the AMCP agent server",
		Long: `Start the AMCP agent server.

The server will:
1. Load configuration (flag path, AMCP_CONFIG, project .amcp/, then user config)
2. Initialize the LLM provider and the tool registry
3. Load agent specs, skills, slash commands, and project rules
4. Connect configured MCP servers and bridge their tools
5. Serve the HTTP, WebSocket, and SSE API

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with discovered config
  amcp serve

  # Start with custom config
  amcp serve --config /etc/amcp/production.yaml

  # Start with debug logging
  amcp serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveOptions{
				configPath: resolveConfigPath(configPath),
				host:       host,
				port:       port,
				debug:      debug,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&host, "host", "", "Bind address (overrides config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (overrides config)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")

	return cmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	return os.Getenv("AMCP_CONFIG")
}

func loadConfig(path string) (*config.Config, error) {
	workDir, _ := os.Getwd()
	return config.LoadMerged(path, workDir)
}

type serveOptions struct {
	configPath string
	host       string
	port       int
	debug      bool
}

// runServe wires the full stack and blocks until the context is cancelled
// or a termination signal arrives.
func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.host != "" {
		cfg.Server.Host = opts.host
	}
	if opts.port > 0 {
		cfg.Server.Port = opts.port
	}

	workDir := cfg.Tools.Workspace
	if workDir == "" {
		workDir, _ = os.Getwd()
	}

	logCfg := observability.DefaultLogConfig()
	if cfg.Logging.Level != "" {
		logCfg.Level = cfg.Logging.Level
	}
	if cfg.Logging.Format != "" {
		logCfg.Format = cfg.Logging.Format
	}
	if opts.debug {
		logCfg.Level = "debug"
	}
	appLogger, err := observability.NewLogger(logCfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := appLogger.Logger
	slog.SetDefault(log)

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	if cfg.Tracing.Enabled {
		_, shutdownTracer := observability.NewTracer(observability.TraceConfig{
			ServiceName:    cfg.Tracing.Service,
			ServiceVersion: version,
			Endpoint:       cfg.Tracing.Endpoint,
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracer(shutdownCtx)
		}()
	}

	eventBus := bus.NewBus()
	defer eventBus.Close()

	providerName := cfg.LLM.DefaultProvider
	providerCfg := cfg.LLM.Providers[providerName]
	provider, err := providers.New(providerName, providerCfg, cfg.LLM.DefaultModel)
	if err != nil {
		return fmt.Errorf("init provider: %w", err)
	}
	model := providerCfg.DefaultModel
	if model == "" {
		model = cfg.LLM.DefaultModel
	}

	// Asks block in the engine until a client answers through the HTTP
	// approvals endpoint or the WebSocket approve action.
	approvals := permissions.NewBroker()
	perms := permissions.NewEngine(log,
		permissions.WithBus(eventBus),
		permissions.WithAsker(approvals),
		permissions.WithDefaultMode(permissions.ParseMode(cfg.Permissions.Mode)),
	)
	perms.LoadConfig(cfg.Permissions.Rules)

	hookManager := hooks.NewManager(workDir, log)
	hookManager.Load()
	for _, path := range cfg.Hooks.Paths {
		if err := hookManager.LoadFile(path); err != nil {
			log.Warn("failed to load hooks file", "path", path, "error", err)
		}
	}

	compCfg := compaction.DefaultConfig()
	if cfg.Compaction.Strategy != "" {
		compCfg.Strategy = compaction.ParseStrategy(cfg.Compaction.Strategy)
	}
	if cfg.Compaction.ThresholdRatio > 0 {
		compCfg.ThresholdRatio = cfg.Compaction.ThresholdRatio
	}
	if cfg.Compaction.TargetRatio > 0 {
		compCfg.TargetRatio = cfg.Compaction.TargetRatio
	}
	if cfg.Compaction.PreserveLast > 0 {
		compCfg.PreserveLast = cfg.Compaction.PreserveLast
	}
	if cfg.Compaction.MaxToolResults > 0 {
		compCfg.MaxToolResults = cfg.Compaction.MaxToolResults
	}
	if cfg.Compaction.MinTokens > 0 {
		compCfg.MinTokensToCompact = cfg.Compaction.MinTokens
	}
	summarizer := &agent.ProviderSummarizer{Provider: provider, Model: model}
	compactor := compaction.New(model, compCfg, summarizer, eventBus, log)

	ruleLoader := rules.NewLoader(rules.Options{WorkDir: workDir, Logger: log})

	skillManager := skills.NewManager(skills.Options{
		ProjectRoot: workDir,
		Disabled:    cfg.Skills.Disabled,
		Logger:      log,
	})
	if err := skillManager.Discover(); err != nil {
		log.Warn("skill discovery failed", "error", err)
	}
	if err := skillManager.Watch(ctx); err != nil {
		log.Warn("skill watcher unavailable", "error", err)
	}
	defer skillManager.Close()

	commandManager := commands.NewManager(commands.Options{
		ProjectRoot: workDir,
		Disabled:    cfg.Commands.Disabled,
		Logger:      log,
	})
	if err := commandManager.Discover(); err != nil {
		log.Warn("command discovery failed", "error", err)
	}
	commands.RegisterBuiltins(commandManager, skillManager)

	registry := agent.NewRegistry()
	runtime := agent.NewRuntime(agent.Options{
		Provider:    provider,
		Registry:    registry,
		Permissions: perms,
		Hooks:       hookManager,
		Compactor:   compactor,
		Bus:         eventBus,
		Metrics:     metrics,
		Logger:      log,
		SystemContext: func() string {
			return joinSections(ruleLoader.Load(), skillManager.PromptSection())
		},
	})

	specs := agent.NewSpecRegistry(cfg.LLM.DefaultModel, providerCfg.BaseURL)
	for _, dir := range specDirs(cfg, workDir) {
		if err := specs.LoadDir(dir); err != nil {
			log.Warn("failed to load agent specs", "dir", dir, "error", err)
		}
	}

	taskManager := tasks.NewManager(tasks.Options{
		Runner:  runtime,
		Specs:   specs,
		Bus:     eventBus,
		Logger:  log,
		WorkDir: workDir,
	})
	go taskManager.Start(ctx)

	writeEnabled := cfg.Tools.WriteEnabled == nil || *cfg.Tools.WriteEnabled
	editEnabled := cfg.Tools.EditEnabled == nil || *cfg.Tools.EditEnabled
	if err := builtin.Register(registry, builtin.Options{
		WorkDir:        workDir,
		BashTimeout:    int(cfg.Tools.BashTimeout.Seconds()),
		BashMaxTimeout: int(cfg.Tools.BashMaxTimeout.Seconds()),
		ReadMaxLines:   cfg.Tools.ReadMaxLines,
		Tasks:          taskManager.ForSession(""),
		EnableWrite:    writeEnabled,
		EnableEdit:     editEnabled,
	}); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	mcpManager := mcp.NewManager(mcpConfig(cfg), registry, log)
	if err := mcpManager.Start(ctx); err != nil {
		log.Warn("MCP startup incomplete", "error", err)
	}
	defer func() { _ = mcpManager.Stop() }()

	maxSessions := cfg.Sessions.Max
	if maxSessions <= 0 {
		maxSessions = cfg.Server.MaxSessions
	}
	store := sessions.NewStore(cfg.Sessions.HistoryDir, cfg.Sessions.Persist, log)
	sessionManager := sessions.NewManager(sessions.Options{
		Runner:       runtime,
		Specs:        specs,
		Bus:          eventBus,
		Store:        store,
		Logger:       log,
		WorkDir:      workDir,
		DefaultAgent: cfg.Agent.DefaultAgent,
		MaxSessions:  maxSessions,
	})

	expiry := sessions.NewExpiry(sessionManager, cfg.Sessions.IdleExpiry, log)
	if err := expiry.Start(); err != nil {
		log.Warn("session expiry disabled", "error", err)
	}
	defer expiry.Stop()

	var corsOrigins []string
	if cfg.Server.EnableCORS && cfg.Server.AllowedOrigin != "" {
		corsOrigins = append(corsOrigins, cfg.Server.AllowedOrigin)
	}

	srv := server.New(server.Options{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		Version:       version,
		Bus:           eventBus,
		Sessions:      sessionManager,
		Tools:         registry,
		Specs:         specs,
		Commands:      commandManager,
		Skills:        skillManager,
		Rules:         ruleLoader,
		Approvals:     approvals,
		Metrics:       metrics,
		Logger:        log,
		CORSOrigins:   corsOrigins,
		ShutdownGrace: cfg.Server.DrainGrace,
	})

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(signalCtx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	log.Info("server started",
		"addr", srv.Addr(),
		"version", version,
		"provider", providerName,
		"model", model,
	)

	<-signalCtx.Done()
	log.Info("shutting down")

	grace := cfg.Server.DrainGrace
	if grace <= 0 {
		grace = server.DefaultShutdownGrace
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// specDirs lists the agent spec directories in ascending precedence:
// user config, project, then the explicitly configured directory.
func specDirs(cfg *config.Config, workDir string) []string {
	dirs := []string{
		filepath.Join(config.UserConfigDir(), "agents"),
		filepath.Join(workDir, ".amcp", "agents"),
	}
	if cfg.Agent.SpecsDir != "" {
		dirs = append(dirs, cfg.Agent.SpecsDir)
	}
	return dirs
}

// mcpConfig converts the application config section into the client's
// connection config. Servers without an explicit enabled flag auto-start.
func mcpConfig(cfg *config.Config) *mcp.Config {
	out := &mcp.Config{Enabled: len(cfg.MCP.Servers) > 0}
	for _, sc := range cfg.MCP.Servers {
		enabled := sc.Enabled == nil || *sc.Enabled
		out.Servers = append(out.Servers, &mcp.ServerConfig{
			Name:      sc.Name,
			Command:   sc.Command,
			Args:      sc.Args,
			Env:       sc.Env,
			URL:       sc.URL,
			AutoStart: enabled,
		})
	}
	return out
}

func joinSections(sections ...string) string {
	var out string
	for _, s := range sections {
		if s == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += s
	}
	return out
}
