package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ricesearch/recipe-eval/internal/evaluation"
	"github.com/ricesearch/recipe-eval/internal/labeling"
)

func labelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "label",
		Short: "Generate qrels from title overlap",
		Long: `Search every query with BM25 (k1=0.9, b=0.4 by default) and grade the top
documents by how many query words appear in their title: 2 for two or more,
1 for one, 0 otherwise. The grades are a rough stand-in for human judgments.`,
		RunE: runLabel,
	}

	cmd.Flags().String("queries", "", "query file (overrides config)")
	cmd.Flags().StringP("output", "o", "", "qrels file to write (defaults to the configured qrels file)")
	cmd.Flags().String("format", "", "qrels format: simple or trec (overrides config)")
	cmd.Flags().Int("depth", 0, "documents judged per query (overrides config)")
	cmd.Flags().Bool("no-progress", false, "disable progress bar")

	return cmd
}

func runLabel(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	ev := &a.cfg.Evaluation
	lc := &a.cfg.Labeling

	if v, _ := cmd.Flags().GetString("queries"); v != "" {
		ev.QueriesFile = v
	}
	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = ev.QrelsFile
	}
	if v, _ := cmd.Flags().GetString("format"); v != "" {
		ev.QrelsFormat = v
	}
	if v, _ := cmd.Flags().GetInt("depth"); v > 0 {
		lc.Depth = v
	}
	noProgress, _ := cmd.Flags().GetBool("no-progress")

	if err := a.cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	queries, err := evaluation.LoadQueries(ev.QueriesFile, ev.QueryIDStart)
	if err != nil {
		return err
	}

	rk, err := a.openRanker(ctx)
	if err != nil {
		return err
	}
	defer rk.Close()

	l := labeling.New(rk, labeling.Config{K1: lc.K1, B: lc.B, Depth: lc.Depth}, a.log)
	if !noProgress {
		l.SetProgress(os.Stderr)
	}

	qrels, err := l.Label(ctx, queries)
	if err != nil {
		return err
	}

	if err := evaluation.WriteQrelsFile(output, ev.QrelsFormat, qrels); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d judgments for %d queries to %s\n", qrels.NumJudgments(), len(qrels), output)
	return nil
}
