package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/agentstream/internal/api"
	"github.com/mattjoyce/agentstream/internal/config"
	"github.com/mattjoyce/agentstream/internal/engine"
	"github.com/mattjoyce/agentstream/internal/hub"
	"github.com/mattjoyce/agentstream/internal/pipeline"
	"github.com/mattjoyce/agentstream/internal/provider"
	"github.com/mattjoyce/agentstream/internal/scheduler"
	"github.com/mattjoyce/agentstream/internal/storage"
	"github.com/mattjoyce/agentstream/internal/store"
	"github.com/mattjoyce/agentstream/internal/stream"
	"github.com/mattjoyce/agentstream/internal/tools"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "chat":
		err = runChat(os.Args[2:])
	case "trigger":
		err = runTrigger(os.Args[2:])
	case "schedule":
		err = runSchedule(os.Args[2:])
	case "version":
		fmt.Printf("agentstream %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: agentstream <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  serve     Start the streaming service")
	fmt.Fprintln(os.Stderr, "  chat      Open an interactive session over WebSocket")
	fmt.Fprintln(os.Stderr, "  trigger   Send an external message")
	fmt.Fprintln(os.Stderr, "  schedule  Schedule or cancel a delayed message")
	fmt.Fprintln(os.Stderr, "  version   Print version")
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Service.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting agentstream", "version", version, "config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	ledger := store.NewLedger(store.NewRunStore(db), store.NewStepStore(db))

	chatModel, err := provider.NewChatModel(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("create llm provider: %w", err)
	}

	systemPrompt, err := engine.LoadSystemPrompt(cfg.Agent.WorkspaceDir, cfg.Agent.PromptFiles)
	if err != nil {
		return fmt.Errorf("load system prompt: %w", err)
	}
	if err := os.MkdirAll(cfg.Agent.WorkspaceDir, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	agent, err := engine.NewAgent(ctx, chatModel, tools.Build(cfg.Agent.WorkspaceDir, cfg.Agent.ShellTimeout), cfg.Agent, systemPrompt, logger)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	registry := hub.NewRegistry(logger)
	broadcaster := hub.NewBroadcaster(registry, logger)
	translator := stream.NewTranslator(cfg.Display.ToolErrorLimit, logger)
	pipe := pipeline.New(agent, translator, broadcaster, ledger, logger)

	sched := scheduler.New(func(ctx context.Context, p scheduler.Payload) {
		trig := pipeline.Trigger{Message: p.Message, Source: p.Source, Silent: p.Silent}
		if err := pipe.HandleTrigger(ctx, trig); err != nil {
			logger.Error("scheduled trigger failed", "source", p.Source, "error", err)
		}
	}, logger)
	sched.Start(ctx)

	srv := api.New(api.Config{
		Listen:          cfg.API.Listen,
		Token:           cfg.API.Token,
		AllowedOrigins:  cfg.API.AllowedOrigins,
		OutboxSize:      cfg.API.OutboxSize,
		WriteTimeout:    cfg.API.WriteTimeout,
		MaxMessageBytes: cfg.API.MaxMessageBytes,
		AgentName:       cfg.Agent.Name,
	}, registry, pipe, sched, ledger, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		sched.Stop()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("shutdown complete")
		return nil
	}
	return err
}
