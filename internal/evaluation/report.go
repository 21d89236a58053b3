package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
	"github.com/ricesearch/recipe-eval/internal/ranker"
)

// Report is the persisted comparison artifact.
type Report struct {
	AlgorithmComparison AlgorithmComparison       `json:"algorithm_comparison"`
	NumQueries          int                       `json:"num_queries"`
	NumQrels            int                       `json:"num_qrels"` // judged queries, not judgment lines
	EvaluationMetric    string                    `json:"evaluation_metric"`
	RunID               string                    `json:"run_id,omitempty"`
	CreatedAt           time.Time                 `json:"created_at"`
	PerQuery            map[string][]QueryMetrics `json:"per_query,omitempty"`
}

// NewReport builds a report from completed mode runs.
func NewReport(runs []ModeRun, numQueries int, qrels Qrels, k int) *Report {
	r := &Report{
		AlgorithmComparison: make(AlgorithmComparison, 0, len(runs)),
		NumQueries:          numQueries,
		NumQrels:            len(qrels),
		EvaluationMetric:    "k=" + strconv.Itoa(k),
	}
	for _, run := range runs {
		r.AlgorithmComparison = append(r.AlgorithmComparison, ModeEntry{Key: run.Mode.Name, Metrics: run.Metrics})
		if len(run.PerQuery) > 0 {
			if r.PerQuery == nil {
				r.PerQuery = make(map[string][]QueryMetrics)
			}
			r.PerQuery[run.Mode.Name] = run.PerQuery
		}
	}
	return r
}

// ModeEntry is one algorithm in a report.
type ModeEntry struct {
	Key     string
	Metrics ModeMetrics
}

// AlgorithmComparison is an ordered set of mode metrics. It encodes as a
// JSON object whose keys keep run order.
type AlgorithmComparison []ModeEntry

// Get returns the metrics recorded under key.
func (a AlgorithmComparison) Get(key string) (ModeMetrics, bool) {
	for _, e := range a {
		if e.Key == key {
			return e.Metrics, true
		}
	}
	return ModeMetrics{}, false
}

func (a AlgorithmComparison) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(e.Metrics)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (a *AlgorithmComparison) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("algorithm_comparison: expected object, got %v", tok)
	}

	out := AlgorithmComparison{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("algorithm_comparison: expected key, got %v", tok)
		}
		var m ModeMetrics
		if err := dec.Decode(&m); err != nil {
			return fmt.Errorf("algorithm_comparison.%s: %w", key, err)
		}
		out = append(out, ModeEntry{Key: key, Metrics: m})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*a = out
	return nil
}

// WriteReportFile writes the report as indented JSON.
func WriteReportFile(path string, report *Report) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating report directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

// ReadReportFile loads a report written by WriteReportFile.
func ReadReportFile(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundError(fmt.Sprintf("report %s", path))
		}
		return nil, fmt.Errorf("reading report: %w", err)
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	return &r, nil
}

// WriteSummary prints the results table.
func WriteSummary(w io.Writer, report *Report) error {
	k := strings.TrimPrefix(report.EvaluationMetric, "k=")

	var b strings.Builder
	b.WriteString("RESULTS SUMMARY\n\n")
	fmt.Fprintf(&b, "%-15s %-20s %-20s %-10s\n", "Algorithm", "Precision@"+k, "Recall@"+k, "MAP")
	for _, e := range report.AlgorithmComparison {
		m := e.Metrics
		fmt.Fprintf(&b, "%-15s %-20.4f %-20.4f %-10.4f\n", m.Name, m.Precision, m.Recall, m.MAP)
	}
	fmt.Fprintf(&b, "\nQueries: %d  Judged queries: %d\n", report.NumQueries, report.NumQrels)

	_, err := io.WriteString(w, b.String())
	return err
}

// DocumentFetcher loads stored documents for display.
type DocumentFetcher interface {
	FetchRaw(ctx context.Context, docID string) (*ranker.Document, error)
}

// WriteSamples prints the top nResults titles of the first nQueries queries.
// Documents that cannot be fetched are shown as "No title".
func WriteSamples(ctx context.Context, w io.Writer, fetcher DocumentFetcher, results Results, queries QuerySet, nQueries, nResults int) error {
	var b strings.Builder
	b.WriteString("SAMPLE SEARCH RESULTS\n")

	for _, q := range queries.Head(nQueries) {
		fmt.Fprintf(&b, "\nQuery %s: %q\n", q.Key(), q.Text)
		b.WriteString(strings.Repeat("-", 80))
		b.WriteByte('\n')

		hits := ranker.Truncate(results[q.Key()], nResults)
		for i, h := range hits {
			title := "No title"
			doc, err := fetcher.FetchRaw(ctx, h.DocID)
			switch {
			case err == nil && doc.Title() != "":
				title = doc.Title()
			case errors.IsFatal(err):
				return err
			}
			fmt.Fprintf(&b, "%d. %s\n", i+1, title)
			fmt.Fprintf(&b, "   Score: %.4f\n", h.Score)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
