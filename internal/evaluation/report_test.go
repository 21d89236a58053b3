package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
	"github.com/ricesearch/recipe-eval/internal/ranker"
	"github.com/ricesearch/recipe-eval/internal/ranker/rankertest"
)

func sampleReport() *Report {
	runs := []ModeRun{
		{Mode: ranker.TFIDF(), Metrics: ModeMetrics{Name: "TF-IDF", Precision: 0.1, Recall: 0.25, MAP: 0.3}},
		{Mode: ranker.BM25(1.2, 0.75), Metrics: ModeMetrics{Name: "BM25", Precision: 0.2, Recall: 0.5, MAP: 0.6}},
	}
	r := NewReport(runs, 30, Qrels{"1": {"a": 1}, "2": {"b": 0}}, 10)
	r.RunID = "run-1"
	r.CreatedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return r
}

func TestReport_JSONShape(t *testing.T) {
	data, err := json.Marshal(sampleReport())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	s := string(data)

	for _, want := range []string{
		`"algorithm_comparison":{"tfidf":{"name":"TF-IDF","precision@k":0.1,"recall@k":0.25,"MAP":0.3},"bm25":{`,
		`"num_queries":30`,
		`"num_qrels":2`,
		`"evaluation_metric":"k=10"`,
		`"run_id":"run-1"`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("report JSON missing %s\n%s", want, s)
		}
	}
	if strings.Contains(s, "per_query") {
		t.Error("per_query should be omitted when empty")
	}
}

func TestReport_FileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "report.json")
	original := sampleReport()

	if err := WriteReportFile(path, original); err != nil {
		t.Fatalf("WriteReportFile() error = %v", err)
	}

	loaded, err := ReadReportFile(path)
	if err != nil {
		t.Fatalf("ReadReportFile() error = %v", err)
	}

	if len(loaded.AlgorithmComparison) != 2 || loaded.AlgorithmComparison[0].Key != "tfidf" {
		t.Errorf("mode order lost: %v", loaded.AlgorithmComparison)
	}
	bm25, ok := loaded.AlgorithmComparison.Get("bm25")
	if !ok || bm25 != original.AlgorithmComparison[1].Metrics {
		t.Errorf("bm25 = %+v", bm25)
	}
	if loaded.RunID != "run-1" || !loaded.CreatedAt.Equal(original.CreatedAt) {
		t.Errorf("metadata = %q %v", loaded.RunID, loaded.CreatedAt)
	}

	if _, err := ReadReportFile(filepath.Join(t.TempDir(), "nope.json")); !errors.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestAlgorithmComparison_UnmarshalErrors(t *testing.T) {
	var a AlgorithmComparison
	for _, input := range []string{`[]`, `{"x":1}`, `"s"`} {
		if err := json.Unmarshal([]byte(input), &a); err == nil {
			t.Errorf("Unmarshal(%s) should fail", input)
		}
	}
	if err := json.Unmarshal([]byte(`{}`), &a); err != nil || len(a) != 0 {
		t.Errorf("Unmarshal({}) = %v, %v", a, err)
	}
}

func TestWriteSummary(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSummary(&buf, sampleReport()); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	lines := strings.Split(out, "\n")
	if !strings.HasPrefix(lines[2], "Algorithm       Precision@10") {
		t.Errorf("header = %q", lines[2])
	}
	if !strings.HasPrefix(lines[3], "TF-IDF          0.1000") {
		t.Errorf("tfidf row = %q", lines[3])
	}
	if !strings.HasPrefix(lines[4], "BM25            0.2000               0.5000               0.6000") {
		t.Errorf("bm25 row = %q", lines[4])
	}
}

func TestWriteSamples(t *testing.T) {
	rk := rankertest.New()
	rk.AddDoc("r1", map[string]any{"title": "Apple Pie"})
	rk.AddDoc("r2", map[string]any{"contents": "untitled"})

	queries := NewQuerySet([]string{"apple pie", "soup", "bread", "cake"}, 1)
	results := Results{
		"1": {{DocID: "r1", Score: 7.25}, {DocID: "r2", Score: 3}, {DocID: "gone", Score: 1}},
		"2": {},
	}

	var buf bytes.Buffer
	if err := WriteSamples(context.Background(), &buf, rk, results, queries, 3, 2); err != nil {
		t.Fatalf("WriteSamples() error = %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		`Query 1: "apple pie"`,
		"1. Apple Pie\n   Score: 7.2500",
		"2. No title",
		`Query 3: "bread"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "cake") {
		t.Error("only the first 3 queries should be printed")
	}
	if strings.Contains(out, "3. ") {
		t.Error("only 2 results per query should be printed")
	}
}

func TestWriteSamples_FetchError(t *testing.T) {
	queries := NewQuerySet([]string{"q"}, 1)
	results := Results{"1": {{DocID: "x"}}}

	err := WriteSamples(context.Background(), &bytes.Buffer{}, failingFetcher{}, results, queries, 1, 1)
	if !errors.IsIndexUnavailable(err) {
		t.Errorf("expected INDEX_UNAVAILABLE, got %v", err)
	}
}

type failingFetcher struct{}

func (failingFetcher) FetchRaw(context.Context, string) (*ranker.Document, error) {
	return nil, errors.IndexUnavailableError("recipes", nil)
}
