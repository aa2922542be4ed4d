// Package cli implements the klaster command tree.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"klaster/internal/cluster"
	"klaster/internal/config"
	"klaster/internal/source"
	"klaster/internal/store"
	"klaster/internal/viz"
)

// Version is stamped by the build.
var Version = "dev"

var (
	cfgFile string
	cfg     config.Config
	actor   string
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "klaster",
	Short: "Cluster embedding collections and curate the results",
	Long: `klaster runs clustering sessions over embedding artifacts and keeps the
results editable: clusters can be deleted, merged, split, and renamed after
the fact, with every point assignment reconstructed on demand from the
stored centroids.

Example usage:
  klaster run --source emb.vecz --algorithm kmeans --clusters 8
  klaster sessions
  klaster merge <session-id> 2 5
  klaster scatter <session-id>`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		logger = newLogger(cfg.LogLevel)
		if actor == "" {
			actor = os.Getenv("USER")
		}
		return nil
	},
}

// Execute runs the command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.klaster/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "", "acting user (default is $USER)")

	rootCmd.AddCommand(versionCmd)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// stack is the wired storage and engine layers for one command invocation.
type stack struct {
	store    store.Store
	engine   *cluster.Engine
	pipeline *cluster.Pipeline
}

func openStack() (*stack, error) {
	st, err := store.NewStore(store.StoreConfig{DBPath: cfg.DBPath})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	src := source.NewCachingSource(source.NewFileSource(), 0)
	sheets := viz.NewGridRenderer(cfg.SheetColumns, cfg.SheetRows, cfg.SheetThumbSize, cfg.SheetFormat)
	eng := cluster.NewEngine(st, src, cfg, sheets, logger)
	pipe := cluster.NewPipeline(st, src, eng, cfg, logger)
	return &stack{store: st, engine: eng, pipeline: pipe}, nil
}

func (s *stack) Close() {
	if err := s.store.Close(); err != nil {
		logger.Warn("closing store", "error", err)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the klaster version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("klaster", Version)
	},
}
