// Command convene runs the multi-agent orchestration server: an Admin AI
// coordinator, worker agents, and a websocket gateway for clients.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/convene-ai/convene/internal/agent"
	"github.com/convene-ai/convene/internal/config"
	"github.com/convene-ai/convene/internal/cycle"
	"github.com/convene-ai/convene/internal/gateway"
	"github.com/convene-ai/convene/internal/interaction"
	"github.com/convene-ai/convene/internal/keyring"
	"github.com/convene-ai/convene/internal/lifecycle"
	"github.com/convene-ai/convene/internal/metrics"
	"github.com/convene-ai/convene/internal/orchestrator"
	"github.com/convene-ai/convene/internal/prompt"
	"github.com/convene-ai/convene/internal/provider"
	"github.com/convene-ai/convene/internal/registry"
	"github.com/convene-ai/convene/internal/session"
	"github.com/convene-ai/convene/internal/state"
	"github.com/convene-ai/convene/internal/tools"
)

var version = "0.1.0"

func main() {
	configPath := flag.String("config", "convene.json", "path to the JSON config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("convene", version)
		return
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	logger.Info("convene starting", "version", version, "tier", string(cfg.ModelTier))

	reg := registry.New(cfg.ModelTier, logger)
	keys := keyring.New(filepath.Join(cfg.Server.DataDir, "key_quarantine.json"), logger)
	for name, pc := range cfg.Providers {
		var p provider.Provider
		switch pc.Type {
		case "ollama":
			p = provider.NewOllama(name, pc.BaseURL)
		default:
			p = provider.NewOpenAICompat(name, pc.BaseURL)
		}
		reg.Register(registry.Entry{Provider: p, FreeMarker: pc.FreeMarker, Local: pc.Local})
		keys.SetKeys(name, pc.APIKeys)
	}

	prompts, err := prompt.Load(cfg.PromptsPath)
	if err != nil {
		return err
	}
	tracker := metrics.New(filepath.Join(cfg.Server.DataDir, "model_metrics.json"), logger)

	sandboxRoot := filepath.Join(cfg.Server.DataDir, "sandboxes")
	sharedRoot := filepath.Join(cfg.Server.DataDir, "shared")
	for _, dir := range []string{sandboxRoot, sharedRoot} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	table := agent.NewTable()
	teams := state.New()
	exec := tools.NewExecutor(logger, tools.NewSendMessage(), tools.NewFileSystem(), tools.NewManageTeam())
	life := lifecycle.New(table, teams, reg, tracker, prompts, exec, sandboxRoot, logger)
	inter := interaction.New(table, teams, life, logger)
	sess := session.New(cfg.Session.ProjectsDir, sandboxRoot, table, teams, logger)
	life.SetGuard(sess)

	gw := gateway.New(cfg.Gateway, logger)
	cyc := cycle.New(reg, keys, tracker, prompts, exec, inter, life, gw, cfg.Cycle, sharedRoot, logger)
	orch := orchestrator.New(cfg, table, teams, reg, life, cyc, sess, tracker, gw, logger)
	gw.SetRuntime(orch)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Bootstrap(ctx); err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error {
		logger.Info("gateway listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shCtx)
	})

	err = g.Wait()

	// Best-effort snapshot so a restart picks up where we left off.
	if path, serr := orch.SaveSession("", ""); serr != nil {
		logger.Error("shutdown snapshot failed", "error", serr)
	} else {
		logger.Info("session saved", "path", path)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("convene stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
