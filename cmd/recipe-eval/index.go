package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ricesearch/recipe-eval/internal/config"
	"github.com/ricesearch/recipe-eval/internal/corpus"
	"github.com/ricesearch/recipe-eval/internal/ranker"
	"github.com/ricesearch/recipe-eval/internal/search"
)

func indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index <corpus-dir>",
		Short: "Load a JSON recipe collection into the index",
		Long: `Read every .json and .jsonl file under corpus-dir, each holding documents
of the form {"id", "contents", "title", "ingredients"}, create the index if
missing and bulk-load the documents.

The index serves a fixed set of scoring modes, each a BM25 similarity declared
when the index is created: TF-IDF, BM25(1.2, 0.75), the configured evaluation
and labeling parameters and the search defaults. Add more with --bm25 k1:b.
Searching under any other mode fails until the index is rebuilt.

An index that already holds documents is left alone unless --force is set,
which drops and recreates it.`,
		Args: cobra.ExactArgs(1),
		RunE: runIndex,
	}

	cmd.Flags().Bool("force", false, "drop and recreate an index that already has documents")
	cmd.Flags().StringArray("bm25", nil, "extra BM25 scoring as k1:b (repeatable)")
	cmd.Flags().Int("bulk-size", 0, "documents per bulk request (overrides config)")
	cmd.Flags().Int("workers", 0, "concurrent bulk requests (overrides config)")
	cmd.Flags().Bool("no-progress", false, "disable progress bar")

	return cmd
}

func runIndex(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	bulkSize, _ := cmd.Flags().GetInt("bulk-size")
	workers, _ := cmd.Flags().GetInt("workers")
	noProgress, _ := cmd.Flags().GetBool("no-progress")
	extra, _ := cmd.Flags().GetStringArray("bm25")

	modes, err := indexModes(a.cfg, extra)
	if err != nil {
		return err
	}

	if bulkSize <= 0 {
		bulkSize = a.cfg.Engine.BulkSize
	}
	if workers <= 0 {
		workers = a.cfg.Engine.BulkWorkers
	}

	ctx, cancel := signalContext()
	defer cancel()

	docs, err := corpus.LoadDir(args[0])
	if err != nil {
		return err
	}
	a.log.Info("Read corpus", "dir", args[0], "documents", len(docs))

	client, err := ranker.NewElasticClient(a.elasticConfig())
	if err != nil {
		return err
	}
	defer client.Stop()

	ix := corpus.NewIndexer(client, corpus.Config{
		Index:    a.cfg.Engine.Index,
		BulkSize: bulkSize,
		Workers:  workers,
		Force:    force,
		Modes:    modes,
		Timeout:  a.cfg.Engine.Timeout(),
	}, a.log)
	if !noProgress {
		ix.SetProgress(os.Stderr)
	}

	stats, err := ix.Load(ctx, docs)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if stats.Skipped {
		fmt.Fprintf(out, "Index already exists: %s holds %d documents (use --force to reload)\n", a.cfg.Engine.Index, stats.Existing)
		return nil
	}
	fmt.Fprintf(out, "Indexed %d documents into %s", stats.Indexed, a.cfg.Engine.Index)
	if stats.Failed > 0 || stats.Invalid > 0 {
		fmt.Fprintf(out, " (%d failed, %d without id)", stats.Failed, stats.Invalid)
	}
	fmt.Fprintln(out)
	return nil
}

// indexModes lists the scorings a new index must serve: the comparison
// modes, canonical BM25, labeling and search defaults, plus extra "k1:b"
// pairs.
func indexModes(cfg *config.Config, extra []string) ([]ranker.Mode, error) {
	sd := search.DefaultConfig()
	modes := []ranker.Mode{
		ranker.TFIDF(),
		ranker.BM25(ranker.DefaultK1, ranker.DefaultB),
		ranker.BM25(cfg.Evaluation.BM25K1, cfg.Evaluation.BM25B),
		ranker.BM25(cfg.Labeling.K1, cfg.Labeling.B),
		ranker.BM25(sd.K1, sd.B),
	}
	for _, pair := range extra {
		k1s, bs, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid --bm25 %q: want k1:b", pair)
		}
		k1, err := strconv.ParseFloat(strings.TrimSpace(k1s), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --bm25 %q: %w", pair, err)
		}
		b, err := strconv.ParseFloat(strings.TrimSpace(bs), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --bm25 %q: %w", pair, err)
		}
		m := ranker.BM25(k1, b)
		if err := m.Validate(); err != nil {
			return nil, err
		}
		modes = append(modes, m)
	}
	return ranker.Scorings(modes...), nil
}
