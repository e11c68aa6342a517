package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/altermind/altermind/internal/agent"
	"github.com/altermind/altermind/internal/browser"
	"github.com/altermind/altermind/internal/config"
	"github.com/altermind/altermind/internal/gateway"
	"github.com/altermind/altermind/internal/providers"
	"github.com/altermind/altermind/internal/store"
	storedb "github.com/altermind/altermind/internal/store/db"
	"github.com/altermind/altermind/internal/stream"
	"github.com/altermind/altermind/internal/tools"
	"github.com/altermind/altermind/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	path := cfgFile
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(flushCtx)
	}()

	// Durable store + runtime settings.
	if err := os.MkdirAll(config.DataDir(), 0o755); err != nil {
		slog.Error("create data dir failed", "error", err)
		os.Exit(1)
	}
	st, err := storedb.Open(cfg.DSN())
	if err != nil {
		slog.Error("open store failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		slog.Error("migrate failed", "error", err)
		os.Exit(1)
	}
	settings := store.NewCachedSettings(storedb.NewSettingsStore(st))

	stopWatch, err := config.Watch(path, settings.Invalidate)
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	// Providers.
	providerReg := providers.NewRegistry()
	if key := cfg.Providers.AnthropicAPIKey; key != "" {
		providerReg.Register(providers.NewAnthropicProvider(key,
			providers.WithAnthropicBaseURL(cfg.Providers.AnthropicBaseURL)))
	}
	if key := cfg.Providers.OpenAIAPIKey; key != "" {
		providerReg.Register(providers.NewOpenAIProvider(key,
			providers.WithOpenAIBaseURL(cfg.Providers.OpenAIBaseURL)))
	}

	// Per-session browser resources.
	browserMgr := browser.NewManager(
		&browser.ExecLauncher{HomeDir: cfg.Browser.HomeDir},
		cfg.IdleTTL(),
		cfg.Browser.TokenDir,
	)
	defer browserMgr.DestroyAll()
	images := browser.NewImageBuffer()

	// Tools.
	toolReg := tools.NewRegistry()
	toolReg.Register(tools.NewBrowserTool(browserMgr, images))
	toolReg.Register(tools.NewVisionTool(st, providerReg, images))
	toolReg.Register(tools.NewShellTool(cfg.Workspace))
	toolReg.Register(tools.NewHistoryTool(st))

	// The loop and its stream registry.
	loop := agent.NewLoop(agent.Config{
		Store:     st,
		Settings:  settings,
		Streams:   stream.NewRegistry(),
		Providers: providerReg,
		Tools:     toolReg,
	})

	srv := gateway.NewServer(gateway.Deps{
		Config:   cfg,
		Store:    st,
		Settings: settings,
		Loop:     loop,
		Browsers: browserMgr,
		Images:   images,
	})

	if err := srv.Start(ctx); err != nil {
		slog.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}
