package evaluation

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/google/uuid"

	"github.com/ricesearch/recipe-eval/internal/bus"
	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
	"github.com/ricesearch/recipe-eval/internal/pkg/logger"
	"github.com/ricesearch/recipe-eval/internal/ranker"
)

// DefaultTopK is the default ranking cutoff.
const DefaultTopK = 10

// eventSource identifies the runner on the bus.
const eventSource = "evaluation.runner"

// RunnerConfig controls a comparison.
type RunnerConfig struct {
	// TopK is both the search depth and the metric cutoff.
	TopK int

	// RelevanceThreshold is the minimum grade counted by precision and recall.
	RelevanceThreshold int

	// Modes are evaluated in order. Defaults to TF-IDF then BM25(1.2, 0.75).
	Modes []ranker.Mode

	// PerQuery adds per-query metric rows to the report.
	PerQuery bool
}

// DefaultModes returns TF-IDF followed by BM25 with the given parameters.
func DefaultModes(k1, b float64) []ranker.Mode {
	return []ranker.Mode{ranker.TFIDF(), ranker.BM25(k1, b)}
}

func (c *RunnerConfig) applyDefaults() {
	if c.TopK == 0 {
		c.TopK = DefaultTopK
	}
	if c.RelevanceThreshold == 0 {
		c.RelevanceThreshold = DefaultRelevanceThreshold
	}
	if len(c.Modes) == 0 {
		c.Modes = DefaultModes(ranker.DefaultK1, ranker.DefaultB)
	}
}

func (c RunnerConfig) validate() error {
	if c.TopK <= 0 {
		return errors.ValidationError(fmt.Sprintf("top_k must be positive, got %d", c.TopK))
	}
	if c.RelevanceThreshold < 0 {
		return errors.ValidationError(fmt.Sprintf("relevance threshold must be non-negative, got %d", c.RelevanceThreshold))
	}
	seen := make(map[string]bool, len(c.Modes))
	for _, m := range c.Modes {
		if err := m.Validate(); err != nil {
			return err
		}
		if seen[m.Name] {
			return errors.ValidationError(fmt.Sprintf("duplicate mode %q", m.Name))
		}
		seen[m.Name] = true
	}
	return nil
}

// Option configures a Runner.
type Option func(*Runner)

// WithBus publishes lifecycle events to b.
func WithBus(b bus.Bus) Option {
	return func(r *Runner) { r.bus = b }
}

// WithProgress renders a progress bar per mode on w.
func WithProgress(w io.Writer) Option {
	return func(r *Runner) { r.progress = w }
}

// WithClock overrides the report timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// Runner runs every query of a set under each scoring mode and scores the
// rankings. Queries are issued one at a time in set order; the ranker is
// never called concurrently.
type Runner struct {
	ranker   ranker.Ranker
	cfg      RunnerConfig
	log      *logger.Logger
	bus      bus.Bus
	progress io.Writer
	now      func() time.Time
}

// NewRunner creates a runner. Zero config fields take their defaults.
func NewRunner(rk ranker.Ranker, cfg RunnerConfig, log *logger.Logger, opts ...Option) *Runner {
	if log == nil {
		log = logger.Default()
	}
	cfg.applyDefaults()

	r := &Runner{
		ranker: rk,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *Runner) Config() RunnerConfig {
	return r.cfg
}

// Comparison is the outcome of a full run.
type Comparison struct {
	Report *Report
	Runs   []ModeRun
}

// Run returns the run of the named mode.
func (c *Comparison) Run(name string) (ModeRun, bool) {
	for _, run := range c.Runs {
		if run.Mode.Name == name {
			return run, true
		}
	}
	return ModeRun{}, false
}

// Compare runs all modes over queries and scores them against qrels.
//
// The first failing search aborts the comparison. The error carries the
// failing stage ("search:<mode>") and query id; no report is produced.
// The report is not announced on the bus; see PublishReport.
func (r *Runner) Compare(ctx context.Context, queries QuerySet, qrels Qrels) (*Comparison, error) {
	if queries.Len() == 0 {
		return nil, errors.EmptyQuerySetError()
	}
	if err := r.cfg.validate(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log := r.log.With("run_id", runID)

	modeNames := make([]string, len(r.cfg.Modes))
	for i, m := range r.cfg.Modes {
		modeNames[i] = m.Name
	}
	r.publish(ctx, bus.TopicRunStarted, runID, RunStarted{
		RunID:      runID,
		Modes:      modeNames,
		NumQueries: queries.Len(),
		TopK:       r.cfg.TopK,
	})

	log.Info("Comparing retrieval algorithms",
		"modes", modeNames,
		"queries", queries.Len(),
		"judged_queries", len(qrels),
		"top_k", r.cfg.TopK,
	)

	runs := make([]ModeRun, 0, len(r.cfg.Modes))
	for i, mode := range r.cfg.Modes {
		log.Info(fmt.Sprintf("[%d/%d] Running %s retrieval", i+1, len(r.cfg.Modes), mode.Label))

		results, err := r.runMode(ctx, mode, queries)
		if err != nil {
			log.Error("Comparison aborted", "stage", errors.Stage(err), "error", err)
			return nil, err
		}

		run := ModeRun{
			Mode:    mode,
			Results: results,
			Metrics: Evaluate(mode.Label, results, qrels, r.cfg.TopK, r.cfg.RelevanceThreshold),
		}
		if r.cfg.PerQuery {
			run.PerQuery = PerQuery(results, qrels, r.cfg.TopK, r.cfg.RelevanceThreshold)
		}
		runs = append(runs, run)

		log.Info("Mode completed",
			"mode", mode.Name,
			"precision", run.Metrics.Precision,
			"recall", run.Metrics.Recall,
			"map", run.Metrics.MAP,
		)
		r.publish(ctx, bus.TopicModeCompleted, runID, ModeCompleted{RunID: runID, Mode: mode, Metrics: run.Metrics})
	}

	report := NewReport(runs, queries.Len(), qrels, r.cfg.TopK)
	report.RunID = runID
	report.CreatedAt = r.now().UTC()

	return &Comparison{Report: report, Runs: runs}, nil
}

// runMode searches every query under one mode.
func (r *Runner) runMode(ctx context.Context, mode ranker.Mode, queries QuerySet) (Results, error) {
	log := r.log.WithMode(mode.Name)

	var bar *pb.ProgressBar
	if r.progress != nil {
		bar = pb.New(queries.Len()).
			SetWriter(r.progress).
			Set("prefix", fmt.Sprintf("Searching with %s ", mode.Label)).
			Start()
		defer bar.Finish()
	}

	results := make(Results, queries.Len())
	for _, q := range queries.Queries() {
		hits, err := r.ranker.Search(ctx, q.Text, r.cfg.TopK, mode)
		if err != nil {
			return nil, searchError(mode, q, err)
		}

		results[q.Key()] = dedupe(ranker.Truncate(hits, r.cfg.TopK))
		log.WithQuery(q.Key()).Debug("Searched", "hits", len(results[q.Key()]))

		if bar != nil {
			bar.Increment()
		}
	}
	return results, nil
}

// PublishReport announces a finished report on TopicReportCompleted. Call it
// once the report has been saved, so subscribers such as the report history
// never record a run whose artifact was not written.
func (r *Runner) PublishReport(ctx context.Context, report *Report) {
	r.publish(ctx, bus.TopicReportCompleted, report.RunID, report)
}

func (r *Runner) publish(ctx context.Context, topic, runID string, payload any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, topic, bus.NewEvent(topic, eventSource, runID, payload)); err != nil {
		r.log.WithError(err).Warn("Failed to publish event", "topic", topic)
	}
}

// searchError tags a ranker failure with the stage and query. An unavailable
// index keeps its code; anything else becomes SEARCH_FAILED.
func searchError(mode ranker.Mode, q Query, err error) error {
	code := errors.CodeSearchFailed
	if errors.IsIndexUnavailable(err) {
		code = errors.CodeIndexUnavailable
	}
	return errors.Wrap(code, fmt.Sprintf("%s search failed for query %s", mode.Label, q.Key()), err).
		WithDetail(errors.DetailStage, "search:"+mode.Name).
		WithDetail(errors.DetailQueryID, q.Key())
}

// dedupe drops repeated doc ids, keeping the first occurrence.
func dedupe(hits []ranker.Hit) []ranker.Hit {
	seen := make(map[string]bool, len(hits))
	out := make([]ranker.Hit, 0, len(hits))
	for _, h := range hits {
		if seen[h.DocID] {
			continue
		}
		seen[h.DocID] = true
		out = append(out, h)
	}
	return out
}

// RunStarted is the payload of TopicRunStarted.
type RunStarted struct {
	RunID      string   `json:"run_id"`
	Modes      []string `json:"modes"`
	NumQueries int      `json:"num_queries"`
	TopK       int      `json:"top_k"`
}

// ModeCompleted is the payload of TopicModeCompleted.
type ModeCompleted struct {
	RunID   string      `json:"run_id"`
	Mode    ranker.Mode `json:"mode"`
	Metrics ModeMetrics `json:"metrics"`
}
