package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ricesearch/recipe-eval/internal/bus"
	"github.com/ricesearch/recipe-eval/internal/evaluation"
	"github.com/ricesearch/recipe-eval/internal/history"
)

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past comparison reports",
		Long: `List comparison reports recorded in the Redis report history, newest first.
With --event-log the reports are read from a bus event log file instead.`,
		RunE: runHistory,
	}

	cmd.Flags().Int("limit", 20, "maximum number of reports (0 = all)")
	cmd.Flags().Duration("since", 0, "only reports newer than this (e.g. 168h)")
	cmd.Flags().String("event-log", "", "read reports from this event log instead of Redis")
	cmd.Flags().Bool("json", false, "print reports as JSON")

	cmd.AddCommand(historyReplayCmd(), historyImportCmd())
	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	sinceAgo, _ := cmd.Flags().GetDuration("since")
	eventLog, _ := cmd.Flags().GetString("event-log")
	asJSON, _ := cmd.Flags().GetBool("json")

	var since time.Time
	if sinceAgo > 0 {
		since = time.Now().Add(-sinceAgo)
	}

	ctx, cancel := signalContext()
	defer cancel()

	var reports []*evaluation.Report
	if eventLog != "" {
		reports, err = reportsFromEventLog(eventLog, since, limit)
	} else {
		if !a.cfg.History.Enabled {
			return fmt.Errorf("report history is disabled (set history.enabled or use --event-log)")
		}
		var store history.Store
		store, err = a.openHistory()
		if err != nil {
			return err
		}
		defer store.Close()
		reports, err = store.List(ctx, since, limit)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}
	return writeHistory(out, reports)
}

// reportsFromEventLog decodes report events from a log, newest first.
func reportsFromEventLog(path string, since time.Time, limit int) ([]*evaluation.Report, error) {
	events, err := bus.ReadEventLog(path, since, 0)
	if err != nil {
		return nil, err
	}

	var reports []*evaluation.Report
	for i := len(events) - 1; i >= 0; i-- {
		rec := events[i]
		if rec.Topic != bus.TopicReportCompleted {
			continue
		}
		r, err := history.DecodeReport(rec.Event.Payload)
		if err != nil {
			continue
		}
		reports = append(reports, r)
		if limit > 0 && len(reports) == limit {
			break
		}
	}
	return reports, nil
}

func writeHistory(w io.Writer, reports []*evaluation.Report) error {
	if len(reports) == 0 {
		_, err := fmt.Fprintln(w, "No reports recorded")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tCREATED\tQUERIES\tCUTOFF\tMODE\tP@K\tR@K\tMAP")
	for _, r := range reports {
		s := history.Summarize(r)
		for i, m := range s.Modes {
			id, created, queries, cutoff := "", "", "", ""
			if i == 0 {
				id = s.RunID
				created = s.CreatedAt.Local().Format(time.DateTime)
				queries = fmt.Sprint(s.Queries)
				cutoff = r.EvaluationMetric
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.4f\t%.4f\t%.4f\n",
				id, created, queries, cutoff, m.Metrics.Name, m.Metrics.Precision, m.Metrics.Recall, m.Metrics.MAP)
		}
	}
	return tw.Flush()
}

func historyReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <event-log>",
		Short: "Republish recorded report events onto the configured bus",
		Long: `Read report events from an event log and publish them again, so a report
history or Kafka consumer that was offline can catch up.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			sinceAgo, _ := cmd.Flags().GetDuration("since")
			var since time.Time
			if sinceAgo > 0 {
				since = time.Now().Add(-sinceAgo)
			}

			ctx, cancel := signalContext()
			defer cancel()

			events, err := bus.ReadEventLog(args[0], since, 0)
			if err != nil {
				return err
			}

			// Replaying into the same log would duplicate every event.
			busCfg := a.cfg.Bus
			busCfg.EventLog = ""
			b, err := bus.NewBus(busCfg, a.log)
			if err != nil {
				return err
			}
			defer b.Close()

			store, err := a.openHistory()
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
				if err := history.Subscribe(ctx, b, store, a.log); err != nil {
					return err
				}
			}

			n, err := bus.Replay(ctx, b, events, bus.TopicReportCompleted)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d report events\n", n)
			return nil
		},
	}

	cmd.Flags().Duration("since", 0, "only events newer than this (e.g. 168h)")
	return cmd
}

func historyImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <report-file>...",
		Short: "Record saved report files in the report history",
		Long: `Load comparison reports written by 'compare' and save them in the Redis
report history, e.g. to backfill runs made while history was disabled.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			if !a.cfg.History.Enabled {
				return fmt.Errorf("report history is disabled (set history.enabled)")
			}

			ctx, cancel := signalContext()
			defer cancel()

			store, err := a.openHistory()
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := importReports(ctx, store, args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d reports\n", n)
			return nil
		},
	}
}

// importReports saves report files in store. Reports written before run ids
// existed get a new id and the file's modification time.
func importReports(ctx context.Context, store history.Store, paths []string) (int, error) {
	for i, path := range paths {
		report, err := evaluation.ReadReportFile(path)
		if err != nil {
			return i, err
		}
		if report.RunID == "" {
			report.RunID = uuid.NewString()
		}
		if report.CreatedAt.IsZero() {
			info, err := os.Stat(path)
			if err != nil {
				return i, err
			}
			report.CreatedAt = info.ModTime().UTC()
		}
		if err := store.Save(ctx, report); err != nil {
			return i, fmt.Errorf("saving %s: %w", path, err)
		}
	}
	return len(paths), nil
}
