package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iammorganparry/recall/internal/api"
	"github.com/iammorganparry/recall/internal/archive"
	"github.com/iammorganparry/recall/internal/config"
	"github.com/iammorganparry/recall/internal/embedding"
	"github.com/iammorganparry/recall/internal/extract"
	"github.com/iammorganparry/recall/internal/memory"
	"github.com/iammorganparry/recall/internal/restore"
	"github.com/iammorganparry/recall/internal/search"
	"github.com/iammorganparry/recall/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

var (
	dataDirFlag string
	projectFlag string
	jsonOutput  bool
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "recall",
		Short:         "Durable, searchable long-term memory for a coding assistant",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "data directory (overrides RECALL_DATA_DIR)")
	cmd.PersistentFlags().StringVar(&projectFlag, "project", "", "project scope (empty for global)")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(archiveCmd())
	cmd.AddCommand(searchCmd())
	cmd.AddCommand(statsCmd())
	cmd.AddCommand(restoreCmd())
	cmd.AddCommand(deleteCmd())
	cmd.AddCommand(deleteProjectCmd())
	cmd.AddCommand(mcpCmd())
	return cmd
}

func newLogger(w io.Writer, level string, asJSON bool) *slog.Logger {
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
	opts := &slog.HandlerOptions{Level: lvl}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// app holds everything a command needs.
type app struct {
	cfg    *config.Config
	opener *store.Opener
	store  *store.Store
	svc    *memory.Service
	health api.HealthChecker
	logger *slog.Logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dataDirFlag != "" {
		cfg.DataDir = dataDirFlag
	}
	return cfg, nil
}

func openApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	opener := store.NewOpener(cfg.Store())
	st, err := opener.Get()
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	logOpenReport(logger, st.Report())

	var provider embedding.Provider
	var health api.HealthChecker
	switch cfg.EmbeddingProvider {
	case config.ProviderHash:
		provider = embedding.NewHashProvider(cfg.EmbeddingDim)
	default:
		ollama := embedding.NewOllamaClient(cfg.OllamaBaseURL, cfg.EmbeddingModel)
		provider = ollama
		health = ollama
	}
	emb := embedding.NewService(provider, cfg.Embedding(), logger)

	engine := search.NewEngine(st,
		search.WithWeights(cfg.VectorWeight, cfg.KeywordWeight),
		search.WithHalfLife(cfg.HalfLife()),
	)
	svc := memory.NewService(
		st,
		emb,
		engine,
		archive.NewPipeline(st, emb, extract.New(cfg.Extract()), cfg.TurnWindow, logger),
		restore.NewBuilder(st, engine, emb, cfg.RestoreBudget),
		logger,
	)
	return &app{cfg: cfg, opener: opener, store: st, svc: svc, health: health, logger: logger}, nil
}

func (a *app) Close() error {
	return a.opener.Close()
}

func logOpenReport(logger *slog.Logger, r store.OpenReport) {
	for _, w := range r.Warnings {
		logger.Warn("backup failed", "detail", w)
	}
	for _, rej := range r.Rejected {
		logger.Warn("rejected store file", "path", rej.Path, "error", rej.Err)
	}
	switch {
	case r.Recovered():
		logger.Warn("store recovered from backup", "backup", r.Backup)
	case r.Reset():
		logger.Warn("store reset to empty", "rejected", len(r.Rejected))
	default:
		logger.Debug("store opened", "source", r.Source, "backup_created", r.BackupCreated)
	}
}

// withApp loads config, opens the store, and runs fn with a text logger on
// stderr.
func withApp(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.LogLevel, false)
	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
