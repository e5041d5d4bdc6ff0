package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/chatfold/internal/event"
	"github.com/user/chatfold/internal/notify"
	"github.com/user/chatfold/internal/projector"
	"github.com/user/chatfold/internal/prompt"
	"github.com/user/chatfold/internal/retention"
	"github.com/user/chatfold/internal/runtime"
	"github.com/user/chatfold/internal/runtime/tools"
	"github.com/user/chatfold/internal/server"
	"github.com/user/chatfold/internal/storage"
	"github.com/user/chatfold/internal/types"
	"github.com/user/chatfold/pkg/llm"
	"github.com/user/chatfold/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chatfold daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "chatfold.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Durable storage
	store, err := storage.Open(filepath.Join(cfg.DataDir, "chatfold.db"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	// Event log and projector
	log := event.NewLog()
	proj := projector.New(log, store,
		projector.WithDebounce(time.Duration(cfg.Projector.DebounceMS)*time.Millisecond),
		projector.WithPerUserSize(cfg.Projector.PerUserCleanupSize),
		projector.WithGlobalSize(cfg.Projector.CleanupSize),
	)

	// LLM provider
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})

	// Prompt engine
	engine, err := prompt.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return fmt.Errorf("create prompt engine: %w", err)
	}

	// Tool registry
	registry := runtime.NewRegistry()
	registry.Register(tools.NewReadURL())

	// Runtime and turn queue
	rt := runtime.New(provider, engine, log, store, registry, cfg.MaxToolRounds)
	queue := runtime.NewQueue(int64(cfg.MaxConcurrent))
	queue.SetProcessor(rt.ProcessTurn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue.Start(ctx)
	defer queue.Stop()

	// Notifications
	notifyReg := notify.NewRegistry()
	if cfg.Telegram.Token != "" {
		if _, err := notify.NewTelegram(cfg.Telegram.Token, notifyReg); err != nil {
			return fmt.Errorf("create telegram notifier: %w", err)
		}
		slog.Info("telegram notifier started")
	} else {
		slog.Warn("telegram notifier disabled (no token)")
	}
	for uid, dest := range cfg.Telegram.Destinations {
		notifyReg.SetDestination(types.UserID(uid), dest)
	}
	unwatch := notifyReg.Watch(log, func(uid types.UserID, chatID types.ChatID, messageID types.MessageID) (string, error) {
		c, err := rt.Materialize(ctx, uid, chatID)
		if err != nil {
			return "", err
		}
		msg := c.Find(messageID)
		if msg == nil {
			return "", fmt.Errorf("message %s not found in chat %s", messageID, chatID)
		}
		return msg.Text, nil
	})
	defer unwatch()

	// Retention sweep
	maxAge, err := time.ParseDuration(cfg.Retention.MaxAge)
	if err != nil {
		return fmt.Errorf("parse retention max_age: %w", err)
	}
	sweeper := retention.New(store, cfg.Retention.Schedule, maxAge)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start retention sweeper: %w", err)
	}
	defer sweeper.Stop()

	// HTTP server
	srv := server.New(log, store, rt, queue)
	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: srv,
	}
	go func() {
		slog.Info("http server started", "listen", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	slog.Info("chatfold started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"max_tool_rounds", cfg.MaxToolRounds,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	queue.WaitIdle(10 * time.Second)

	// Drain buffered increments before the process exits.
	proj.Close(shutdownCtx)
	return nil
}
