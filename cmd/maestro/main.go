// Command maestro runs the multi-agent orchestration server.
//
// Usage:
//
//	maestro serve --config config.yaml
//	maestro validate --config config.yaml
//	maestro version
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/maestro/pkg/agent"
	"github.com/kadirpekel/maestro/pkg/artifacts"
	"github.com/kadirpekel/maestro/pkg/auth"
	"github.com/kadirpekel/maestro/pkg/config"
	"github.com/kadirpekel/maestro/pkg/conversation"
	"github.com/kadirpekel/maestro/pkg/llms"
	"github.com/kadirpekel/maestro/pkg/logger"
	"github.com/kadirpekel/maestro/pkg/observability"
	"github.com/kadirpekel/maestro/pkg/server"
	"github.com/kadirpekel/maestro/pkg/store"
	"github.com/kadirpekel/maestro/pkg/streaming"
	"github.com/kadirpekel/maestro/pkg/tool"
	"github.com/kadirpekel/maestro/pkg/tool/builtin"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the orchestration server."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("maestro version %s\n", version)
	return nil
}

// ValidateCmd checks a configuration file without starting the server.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}
	if _, err := config.Load(cli.Config); err != nil {
		return err
	}
	fmt.Printf("%s: configuration is valid\n", cli.Config)
	return nil
}

// ServeCmd starts the server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)."`
	Watch bool `help:"Watch config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		// Fatal before the listener opens: the only non-zero exit path.
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	if err := initLogging(cli, cfg); err != nil {
		return err
	}

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Observability)
	if err != nil {
		slog.Warn("Tracing disabled", "error", err)
	} else {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				slog.Warn("Tracer shutdown failed", "error", err)
			}
		}()
	}
	metrics := observability.NewMetrics()

	// Persistence is optional: a missing or unreachable database drops the
	// process into degraded mode, never fails startup.
	var st store.Store
	degraded := false
	if cfg.Database.URL == "" {
		degraded = true
		slog.Warn("No database configured, running in degraded mode (no persistence)")
		st = store.Noop()
	} else if sqlStore, err := store.Open(cfg.Database); err != nil {
		degraded = true
		slog.Warn("Database unavailable, running in degraded mode (no persistence)", "error", err)
		st = store.Noop()
	} else {
		st = sqlStore
		defer st.Close()
	}

	tools := tool.NewRegistry()
	if err := builtin.Register(tools); err != nil {
		return fmt.Errorf("failed to register built-in tools: %w", err)
	}
	slog.Info("Tools registered", "count", tools.Count())

	providers := llms.NewRegistry()
	if err := providers.Register("openai", llms.NewOpenAIProvider(cfg.LLM, metrics)); err != nil {
		return fmt.Errorf("failed to register llm provider: %w", err)
	}
	provider, err := providers.Resolve(cfg.LLM.Provider)
	if err != nil {
		return fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}

	agents := agent.NewRegistry(agent.RegistryConfig{
		Store:    st,
		Tools:    tools,
		Provider: provider,
		Metrics:  metrics,
		Runtime:  cfg.Runtime,
		LLM:      cfg.LLM,
	})
	if err := agents.LoadFromStore(ctx); err != nil {
		slog.Warn("Failed to warm agent cache", "error", err)
	}

	conv := conversation.NewManager(st)
	stream := streaming.NewHandler(conv, agents, metrics, cfg.Runtime.TurnDeadline)

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}
	artifactStore, err := artifacts.NewStore(cfg.Artifacts)
	if err != nil {
		return err
	}

	if c.Watch && cli.Config != "" {
		watcher, err := config.NewWatcher(cli.Config, func(next *config.Config) {
			agents.SetRuntime(next.Runtime)
			stream.SetTurnDeadline(next.Runtime.TurnDeadline)
		})
		if err != nil {
			slog.Warn("Config watch disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	srv := server.New(server.Options{
		Config:    cfg,
		Agents:    agents,
		Tools:     tools,
		Conv:      conv,
		Stream:    stream,
		Auth:      authSvc,
		Artifacts: artifactStore,
		Metrics:   metrics,
		Degraded:  degraded,
	})

	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func initLogging(cli *CLI, cfg *config.Config) error {
	levelStr := cli.LogLevel
	if levelStr == "" {
		levelStr = cfg.Logging.Level
	}
	level, _ := logger.ParseLevel(levelStr)

	format := cli.LogFormat
	if format == "" {
		format = cfg.Logging.Format
	}

	output := os.Stderr
	path := cli.LogFile
	if path == "" {
		path = cfg.Logging.File
	}
	if path != "" {
		file, _, err := logger.OpenLogFile(path)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
	}

	logger.Init(level, output, format)
	return nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("maestro"),
		kong.Description("Multi-agent orchestration runtime."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
