package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ricesearch/recipe-eval/internal/evaluation"
	"github.com/ricesearch/recipe-eval/internal/history"
	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
)

func compareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare TF-IDF and BM25 retrieval on the query set",
		Long: `Run every query under TF-IDF (BM25 with k1=0, b=0) and BM25, score both
runs against the qrels and write the comparison report.

On a search failure the failing stage is printed and no report is written.`,
		RunE: runCompare,
	}

	cmd.Flags().String("queries", "", "query file (overrides config)")
	cmd.Flags().String("qrels", "", "qrels file (overrides config)")
	cmd.Flags().String("qrels-format", "", "qrels format: simple or trec (overrides config)")
	cmd.Flags().IntP("top-k", "k", 0, "rank cutoff (overrides config)")
	cmd.Flags().Float64("k1", 0, "BM25 k1 (overrides config)")
	cmd.Flags().Float64("b", 0, "BM25 b (overrides config)")
	cmd.Flags().StringP("output", "o", "", "report file (overrides config)")
	cmd.Flags().String("run-dir", "", "write TREC run files to this directory")
	cmd.Flags().Bool("per-query", false, "include per-query metrics in the report")
	cmd.Flags().Int("samples", -1, "number of sample queries to print (overrides config)")
	cmd.Flags().Bool("no-progress", false, "disable progress bars")

	return cmd
}

func runCompare(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	ev := &a.cfg.Evaluation
	flags := cmd.Flags()

	if v, _ := flags.GetString("queries"); v != "" {
		ev.QueriesFile = v
	}
	if v, _ := flags.GetString("qrels"); v != "" {
		ev.QrelsFile = v
	}
	if v, _ := flags.GetString("qrels-format"); v != "" {
		ev.QrelsFormat = v
	}
	if flags.Changed("top-k") {
		ev.TopK, _ = flags.GetInt("top-k")
	}
	if flags.Changed("k1") {
		ev.BM25K1, _ = flags.GetFloat64("k1")
	}
	if flags.Changed("b") {
		ev.BM25B, _ = flags.GetFloat64("b")
	}
	if v, _ := flags.GetString("output"); v != "" {
		ev.ReportFile = v
	}
	if v, _ := flags.GetString("run-dir"); v != "" {
		ev.RunDir = v
	}
	if v, _ := flags.GetInt("samples"); v >= 0 {
		ev.SampleQueries = v
	}
	perQuery, _ := flags.GetBool("per-query")
	noProgress, _ := flags.GetBool("no-progress")

	if err := a.cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	queries, err := evaluation.LoadQueries(ev.QueriesFile, ev.QueryIDStart)
	if err != nil {
		return err
	}
	a.log.Info("Loaded queries", "count", queries.Len(), "file", ev.QueriesFile)

	qrels, err := evaluation.LoadQrels(ev.QrelsFile, ev.QrelsFormat, a.log)
	if err != nil {
		return err
	}
	a.log.Info("Loaded qrels",
		"judged_queries", len(qrels),
		"judgments", qrels.NumJudgments(),
		"file", ev.QrelsFile,
	)

	rk, err := a.openRanker(ctx)
	if err != nil {
		return err
	}
	defer rk.Close()

	store, err := a.openHistory()
	if err != nil {
		a.log.Warn("Report history unavailable", "error", err)
	}
	if store != nil {
		defer store.Close()
	}

	b, err := a.openBus()
	if err != nil {
		return err
	}
	// Closed before the history store so in-flight handlers can finish.
	defer b.Close()

	if store != nil {
		if err := history.Subscribe(ctx, b, store, a.log); err != nil {
			a.log.Warn("Report history subscription failed", "error", err)
		}
	}

	opts := []evaluation.Option{evaluation.WithBus(b)}
	if !noProgress {
		opts = append(opts, evaluation.WithProgress(os.Stderr))
	}

	runner := evaluation.NewRunner(rk, evaluation.RunnerConfig{
		TopK:               ev.TopK,
		RelevanceThreshold: ev.RelevanceThreshold,
		Modes:              evaluation.DefaultModes(ev.BM25K1, ev.BM25B),
		PerQuery:           perQuery,
	}, a.log, opts...)

	cmp, err := runner.Compare(ctx, queries, qrels)
	if err != nil {
		stage := errors.Stage(err)
		switch {
		case stage != "":
		case errors.IsValidation(err):
			stage = "validation"
		default:
			stage = "compare"
		}
		fmt.Fprintf(os.Stderr, "Comparison failed at %s: %v\n", stage, err)
		return err
	}
	a.logCacheStats(rk)

	out := cmd.OutOrStdout()
	if err := evaluation.WriteSummary(out, cmp.Report); err != nil {
		return err
	}

	if ev.SampleQueries > 0 {
		fmt.Fprintln(out)
		if err := evaluation.WriteSamples(ctx, out, rk, cmp.Runs[0].Results, queries, ev.SampleQueries, ev.SampleResults); err != nil {
			return err
		}
	}

	if err := evaluation.WriteReportFile(ev.ReportFile, cmp.Report); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nResults saved to: %s\n", ev.ReportFile)

	if ev.RunDir != "" {
		paths, err := evaluation.WriteRunFiles(ev.RunDir, cmp.Runs)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintf(out, "Run file: %s\n", p)
		}
	}

	runner.PublishReport(ctx, cmp.Report)
	return nil
}
