package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ricesearch/recipe-eval/internal/evaluation"
	"github.com/ricesearch/recipe-eval/internal/ranker"
)

func scoreRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score-run <run-file>...",
		Short: "Score existing TREC run files against the qrels",
		Long: `Read one or more TREC run files (qid Q0 docid rank score run) and compute
Precision@k, Recall@k and MAP for each, without contacting the index.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runScoreRun,
	}

	cmd.Flags().String("qrels", "", "qrels file (overrides config)")
	cmd.Flags().String("qrels-format", "", "qrels format: simple or trec (overrides config)")
	cmd.Flags().IntP("top-k", "k", 0, "rank cutoff (overrides config)")
	cmd.Flags().Bool("per-query", false, "print per-query metrics")
	cmd.Flags().StringP("output", "o", "", "also write a report file")

	return cmd
}

func runScoreRun(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	ev := &a.cfg.Evaluation

	if v, _ := cmd.Flags().GetString("qrels"); v != "" {
		ev.QrelsFile = v
	}
	if v, _ := cmd.Flags().GetString("qrels-format"); v != "" {
		ev.QrelsFormat = v
	}
	if v, _ := cmd.Flags().GetInt("top-k"); v > 0 {
		ev.TopK = v
	}
	perQuery, _ := cmd.Flags().GetBool("per-query")
	output, _ := cmd.Flags().GetString("output")

	if err := a.cfg.Validate(); err != nil {
		return err
	}

	qrels, err := evaluation.LoadQrels(ev.QrelsFile, ev.QrelsFormat, a.log)
	if err != nil {
		return err
	}

	runs := make([]evaluation.ModeRun, 0, len(args))
	numQueries := 0
	for _, path := range args {
		results, err := evaluation.LoadRun(path)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		run := evaluation.ModeRun{
			Mode:    ranker.Mode{Name: name, Label: name},
			Results: results,
			Metrics: evaluation.Evaluate(name, results, qrels, ev.TopK, ev.RelevanceThreshold),
		}
		if perQuery {
			run.PerQuery = evaluation.PerQuery(results, qrels, ev.TopK, ev.RelevanceThreshold)
		}
		runs = append(runs, run)
		numQueries = max(numQueries, len(results))
		a.log.Info("Scored run", "file", path, "queries", len(results))
	}

	report := evaluation.NewReport(runs, numQueries, qrels, ev.TopK)

	out := cmd.OutOrStdout()
	if err := evaluation.WriteSummary(out, report); err != nil {
		return err
	}

	if perQuery {
		for _, run := range runs {
			fmt.Fprintf(out, "\n%s\n", run.Mode.Name)
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "QUERY\tRETURNED\tP@K\tR@K\tAP")
			for _, q := range run.PerQuery {
				fmt.Fprintf(tw, "%s\t%d\t%.4f\t%s\t%s\n", q.QueryID, q.Returned, q.Precision,
					scored(q.Recall, q.RecallScored), scored(q.AveragePrecision, q.APScored))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
		}
	}

	if output != "" {
		if err := evaluation.WriteReportFile(output, report); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nResults saved to: %s\n", output)
	}
	return nil
}

// scored formats a metric that may have been skipped for a query.
func scored(v float64, ok bool) string {
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%.4f", v)
}
