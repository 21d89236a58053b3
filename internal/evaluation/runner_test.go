package evaluation

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ricesearch/recipe-eval/internal/bus"
	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
	"github.com/ricesearch/recipe-eval/internal/pkg/logger"
	"github.com/ricesearch/recipe-eval/internal/ranker"
	"github.com/ricesearch/recipe-eval/internal/ranker/rankertest"
)

func newFixture() (*rankertest.Ranker, QuerySet, Qrels) {
	rk := rankertest.New()
	rk.Set("tfidf", "apple pie", "d3", "d1", "d2")
	rk.Set("bm25", "apple pie", "d1", "d3", "d2")
	rk.Set("tfidf", "tomato soup", "s9")
	rk.Set("bm25", "tomato soup", "s1", "s9")

	queries := NewQuerySet([]string{"apple pie", "tomato soup"}, 1)
	qrels := Qrels{
		"1": {"d1": 2, "d2": 1, "d3": 0},
		"2": {"s1": 1},
	}
	return rk, queries, qrels
}

func TestRunner_Compare(t *testing.T) {
	rk, queries, qrels := newFixture()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runner := NewRunner(rk, RunnerConfig{TopK: 3}, logger.Discard(), WithClock(func() time.Time { return fixed }))

	cmp, err := runner.Compare(context.Background(), queries, qrels)
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}

	report := cmp.Report
	if len(report.AlgorithmComparison) != 2 {
		t.Fatalf("report has %d modes, want 2", len(report.AlgorithmComparison))
	}
	if report.AlgorithmComparison[0].Key != "tfidf" || report.AlgorithmComparison[1].Key != "bm25" {
		t.Errorf("mode order = %v", report.AlgorithmComparison)
	}
	if report.NumQueries != 2 || report.NumQrels != 2 {
		t.Errorf("counts = %d/%d", report.NumQueries, report.NumQrels)
	}
	if report.EvaluationMetric != "k=3" {
		t.Errorf("EvaluationMetric = %q", report.EvaluationMetric)
	}
	if report.RunID == "" || !report.CreatedAt.Equal(fixed) {
		t.Errorf("run id / created_at = %q / %v", report.RunID, report.CreatedAt)
	}

	// tfidf: q1 [d3 d1 d2] P=2/3 R=1 AP=(1/2+2/3)/2; q2 [s9] P=0 R=0, AP skipped.
	tfidf, _ := report.AlgorithmComparison.Get("tfidf")
	if tfidf.Name != "TF-IDF" {
		t.Errorf("tfidf name = %q", tfidf.Name)
	}
	if !approx(tfidf.Precision, (2.0/3.0+0)/2) {
		t.Errorf("tfidf precision = %v", tfidf.Precision)
	}
	if !approx(tfidf.Recall, 0.5) {
		t.Errorf("tfidf recall = %v", tfidf.Recall)
	}
	if !approx(tfidf.MAP, (0.5+2.0/3.0)/2) {
		t.Errorf("tfidf MAP = %v", tfidf.MAP)
	}

	// bm25: q1 [d1 d3 d2] P=2/3 R=1 AP=5/6; q2 [s1 s9] P=1/3 R=1 AP=1.
	bm25, _ := report.AlgorithmComparison.Get("bm25")
	if !approx(bm25.Precision, (2.0/3.0+1.0/3.0)/2) {
		t.Errorf("bm25 precision = %v", bm25.Precision)
	}
	if !approx(bm25.Recall, 1) {
		t.Errorf("bm25 recall = %v", bm25.Recall)
	}
	if !approx(bm25.MAP, (5.0/6.0+1)/2) {
		t.Errorf("bm25 MAP = %v", bm25.MAP)
	}

	// Queries are issued in order, one mode at a time.
	wantCalls := []rankertest.Call{
		{Query: "apple pie", K: 3, Mode: "tfidf"},
		{Query: "tomato soup", K: 3, Mode: "tfidf"},
		{Query: "apple pie", K: 3, Mode: "bm25"},
		{Query: "tomato soup", K: 3, Mode: "bm25"},
	}
	if len(rk.Calls) != len(wantCalls) {
		t.Fatalf("calls = %v", rk.Calls)
	}
	for i := range wantCalls {
		if rk.Calls[i] != wantCalls[i] {
			t.Errorf("call %d = %+v, want %+v", i, rk.Calls[i], wantCalls[i])
		}
	}

	run, ok := cmp.Run("bm25")
	if !ok || len(run.Results) != 2 {
		t.Fatalf("bm25 run = %+v", run)
	}
	for key := range run.Results {
		if _, ok := queries.Lookup(key); !ok {
			t.Errorf("results key %q is not a query id", key)
		}
	}
}

func TestRunner_EmptyQuerySet(t *testing.T) {
	rk := rankertest.New()
	runner := NewRunner(rk, RunnerConfig{}, logger.Discard())

	_, err := runner.Compare(context.Background(), NewQuerySet(nil, 1), Qrels{})
	if !errors.HasCode(err, errors.CodeEmptyQuerySet) {
		t.Fatalf("expected EMPTY_QUERY_SET, got %v", err)
	}
	if rk.SearchCount() != 0 {
		t.Error("no searches expected for an empty set")
	}
}

func TestRunner_SearchFailureAborts(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"engine error", errors.SearchFailedError("boom", nil), errors.CodeSearchFailed},
		{"plain error", context.DeadlineExceeded, errors.CodeSearchFailed},
		{"index gone", errors.IndexUnavailableError("recipes", nil), errors.CodeIndexUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rk, queries, qrels := newFixture()
			rk.FailOn["tomato soup"] = tt.err

			b := &recordingBus{}
			runner := NewRunner(rk, RunnerConfig{TopK: 3}, logger.Discard(), WithBus(b))

			cmp, err := runner.Compare(context.Background(), queries, qrels)
			if cmp != nil {
				t.Error("no comparison should be returned on failure")
			}
			if !errors.HasCode(err, tt.wantCode) {
				t.Fatalf("error = %v, want code %s", err, tt.wantCode)
			}
			if got := errors.Stage(err); got != "search:tfidf" {
				t.Errorf("Stage() = %q, want search:tfidf", got)
			}
			appErr, _ := errors.As(err)
			if appErr.Details[errors.DetailQueryID] != "2" {
				t.Errorf("query_id detail = %q", appErr.Details[errors.DetailQueryID])
			}

			// The first mode failed, so BM25 never ran.
			if rk.SearchCount() != 2 {
				t.Errorf("searches = %d, want 2", rk.SearchCount())
			}
			if b.count(bus.TopicReportCompleted) != 0 {
				t.Error("no report event expected after a failure")
			}
		})
	}
}

func TestRunner_DedupAndTruncate(t *testing.T) {
	rk := rankertest.New()
	rk.Results["tfidf"] = map[string][]ranker.Hit{
		"q": {{DocID: "a", Score: 3}, {DocID: "a", Score: 2}, {DocID: "b", Score: 1}, {DocID: "c", Score: 0.5}},
	}
	rk.Set("bm25", "q", "a")

	runner := NewRunner(rk, RunnerConfig{TopK: 3}, logger.Discard())
	cmp, err := runner.Compare(context.Background(), NewQuerySet([]string{"q"}, 1), Qrels{"1": {"a": 1}})
	if err != nil {
		t.Fatal(err)
	}

	run, _ := cmp.Run("tfidf")
	got := run.Results["1"]
	if len(got) != 2 || got[0].DocID != "a" || got[0].Score != 3 || got[1].DocID != "b" {
		t.Errorf("results = %v, want [a b] with first occurrence kept", got)
	}
}

func TestRunner_ConfigValidation(t *testing.T) {
	_, queries, qrels := newFixture()

	tests := []struct {
		name string
		cfg  RunnerConfig
	}{
		{"negative k", RunnerConfig{TopK: -1}},
		{"invalid mode", RunnerConfig{Modes: []ranker.Mode{ranker.BM25(1.2, 3)}}},
		{"duplicate mode", RunnerConfig{Modes: []ranker.Mode{ranker.TFIDF(), ranker.TFIDF()}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := NewRunner(rankertest.New(), tt.cfg, logger.Discard())
			if _, err := runner.Compare(context.Background(), queries, qrels); !errors.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestRunner_Defaults(t *testing.T) {
	runner := NewRunner(rankertest.New(), RunnerConfig{}, nil)
	cfg := runner.Config()

	if cfg.TopK != 10 || cfg.RelevanceThreshold != 1 {
		t.Errorf("defaults = %+v", cfg)
	}
	if len(cfg.Modes) != 2 || cfg.Modes[0] != ranker.TFIDF() || cfg.Modes[1] != ranker.BM25(1.2, 0.75) {
		t.Errorf("default modes = %v", cfg.Modes)
	}
}

func TestRunner_PublishesEvents(t *testing.T) {
	rk, queries, qrels := newFixture()
	b := &recordingBus{}

	runner := NewRunner(rk, RunnerConfig{TopK: 3, PerQuery: true}, logger.Discard(), WithBus(b))
	cmp, err := runner.Compare(context.Background(), queries, qrels)
	if err != nil {
		t.Fatal(err)
	}

	if b.count(bus.TopicRunStarted) != 1 || b.count(bus.TopicModeCompleted) != 2 {
		t.Errorf("events = %v", b.topics())
	}
	if b.count(bus.TopicReportCompleted) != 0 {
		t.Fatalf("report announced before it was saved: %v", b.topics())
	}

	runner.PublishReport(context.Background(), cmp.Report)
	if b.count(bus.TopicReportCompleted) != 1 {
		t.Errorf("events after PublishReport = %v", b.topics())
	}
	for _, e := range b.events {
		if e.CorrelationID != cmp.Report.RunID {
			t.Errorf("event %s correlation = %q, want run id", e.Type, e.CorrelationID)
		}
	}

	last := b.events[len(b.events)-1]
	if report, ok := last.Payload.(*Report); !ok || report != cmp.Report {
		t.Errorf("report event payload = %T", last.Payload)
	}

	if len(cmp.Report.PerQuery["bm25"]) != 2 {
		t.Errorf("per query rows = %v", cmp.Report.PerQuery)
	}
}

func TestRunner_PublishFailureIsNotFatal(t *testing.T) {
	rk, queries, qrels := newFixture()
	runner := NewRunner(rk, RunnerConfig{TopK: 3}, logger.Discard(), WithBus(&recordingBus{fail: true}))

	cmp, err := runner.Compare(context.Background(), queries, qrels)
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	runner.PublishReport(context.Background(), cmp.Report)
}

func TestRunner_Progress(t *testing.T) {
	rk, queries, qrels := newFixture()
	var buf bytes.Buffer

	runner := NewRunner(rk, RunnerConfig{TopK: 3}, logger.Discard(), WithProgress(&buf))
	if _, err := runner.Compare(context.Background(), queries, qrels); err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("Searching with BM25")) {
		t.Errorf("progress output missing mode label: %q", buf.String())
	}
}

type recordingBus struct {
	mu     sync.Mutex
	events []bus.Event
	fail   bool
}

func (b *recordingBus) Publish(_ context.Context, _ string, e bus.Event) error {
	if b.fail {
		return errors.ServiceUnavailableError("bus", nil)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, bus.Handler) error { return nil }
func (b *recordingBus) Close() error                                        { return nil }

func (b *recordingBus) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == topic {
			n++
		}
	}
	return n
}

func (b *recordingBus) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}
