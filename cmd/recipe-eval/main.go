// Package main provides the recipe-eval command line tool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ricesearch/recipe-eval/internal/bus"
	"github.com/ricesearch/recipe-eval/internal/config"
	"github.com/ricesearch/recipe-eval/internal/history"
	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
	"github.com/ricesearch/recipe-eval/internal/pkg/logger"
	"github.com/ricesearch/recipe-eval/internal/ranker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "recipe-eval",
		Short: "Recipe Eval - compare lexical retrieval on a recipe corpus",
		Long: `Recipe Eval runs a fixed query set against an Elasticsearch recipe index
under TF-IDF and BM25 scoring, scores both runs against graded relevance
judgments (Precision@k, Recall@k, MAP) and writes a comparison report.

Run 'recipe-eval compare' to run the evaluation.
Run 'recipe-eval --help' for available commands.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		compareCmd(),
		searchCmd(),
		indexCmd(),
		labelCmd(),
		scoreRunCmd(),
		historyCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command error to the process status: 2 for bad input, 3 for
// a non-fatal failure such as a missing document, 1 for everything else.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.IsValidation(err):
		return 2
	case !errors.IsFatal(err):
		return 3
	default:
		return 1
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("recipe-eval %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}

// app carries the loaded configuration and logger of one command.
type app struct {
	cfg *config.Config
	log *logger.Logger
}

func loadApp(cmd *cobra.Command) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	return &app{cfg: cfg, log: logger.New(level, cfg.Log.Format)}, nil
}

// signalContext is cancelled on interrupt.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (a *app) elasticConfig() ranker.ElasticConfig {
	e := a.cfg.Engine
	return ranker.ElasticConfig{
		URLs:         e.URLList(),
		Index:        e.Index,
		Fields:       e.Fields,
		Username:     e.Username,
		Password:     e.Password,
		Timeout:      e.Timeout(),
		QPS:          e.QPS,
		DocCacheSize: e.DocCacheSize,
	}
}

// openRanker connects to the index and wraps it in the configured search
// cache. A Redis cache that cannot be reached falls back to memory.
func (a *app) openRanker(ctx context.Context) (ranker.Ranker, error) {
	es, err := ranker.OpenElastic(ctx, a.elasticConfig(), a.log)
	if err != nil {
		return nil, err
	}

	var store ranker.ResultStore
	switch a.cfg.Cache.Type {
	case "memory":
		store, err = ranker.NewMemoryStore(a.cfg.Cache.Size)
	case "redis":
		store, err = ranker.NewRedisStore(a.cfg.Cache.RedisURL, a.cfg.Cache.TTLDuration())
		if err != nil {
			a.log.Warn("Redis search cache unavailable, using memory cache", "error", err)
			store, err = ranker.NewMemoryStore(a.cfg.Cache.Size)
		}
	default:
		return es, nil
	}
	if err != nil {
		es.Close()
		return nil, err
	}

	a.log.Debug("Search cache enabled", "type", a.cfg.Cache.Type, "namespace", es.Namespace())
	return ranker.NewCached(es, store, es.Namespace(), a.log), nil
}

func (a *app) openBus() (bus.Bus, error) {
	return bus.NewBus(a.cfg.Bus, a.log)
}

// openHistory returns nil when report history is disabled.
func (a *app) openHistory() (history.Store, error) {
	if !a.cfg.History.Enabled {
		return nil, nil
	}
	store, err := history.NewRedisStore(a.cfg.History.RedisURL, a.cfg.History.Retention())
	if err != nil {
		return nil, err
	}
	return store, nil
}

// logCacheStats reports search cache effectiveness when rk is cached.
func (a *app) logCacheStats(rk ranker.Ranker) {
	if c, ok := rk.(*ranker.Cached); ok {
		s := c.Stats()
		a.log.Info("Search cache", "hits", s.Hits, "misses", s.Misses)
	}
}
