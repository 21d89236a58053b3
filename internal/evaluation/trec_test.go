package evaluation

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
	"github.com/ricesearch/recipe-eval/internal/ranker"
)

func TestWriteRun(t *testing.T) {
	results := Results{
		"2":  {{DocID: "b", Score: 1.5}},
		"1":  {{DocID: "a", Score: 3}, {DocID: "c", Score: 2}},
		"10": {},
	}

	var buf bytes.Buffer
	if err := WriteRun(&buf, results, "bm25"); err != nil {
		t.Fatal(err)
	}

	want := "1 Q0 a 1 3.000000 bm25\n1 Q0 c 2 2.000000 bm25\n2 Q0 b 1 1.500000 bm25\n"
	if buf.String() != want {
		t.Errorf("WriteRun() = %q, want %q", buf.String(), want)
	}
}

func TestRun_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	runs := []ModeRun{
		{Mode: ranker.TFIDF(), Results: Results{"1": {{DocID: "a", Score: 2}, {DocID: "b", Score: 1}}}},
		{Mode: ranker.BM25(1.2, 0.75), Results: Results{"1": {{DocID: "b", Score: 9}}, "2": {{DocID: "c", Score: 4}}}},
	}

	paths, err := WriteRunFiles(dir, runs)
	if err != nil {
		t.Fatalf("WriteRunFiles() error = %v", err)
	}
	if len(paths) != 2 || filepath.Base(paths[1]) != "bm25.run" {
		t.Fatalf("paths = %v", paths)
	}

	loaded, err := LoadRun(paths[0])
	if err != nil {
		t.Fatalf("LoadRun() error = %v", err)
	}
	got := loaded["1"]
	if len(got) != 2 || got[0].DocID != "a" || got[1].DocID != "b" || got[0].Score != 2 {
		t.Errorf("loaded = %v", got)
	}

	bm25, _ := LoadRun(paths[1])
	if len(bm25) != 2 {
		t.Errorf("bm25 run topics = %d", len(bm25))
	}
}

func TestReadRun_OrdersByRankAndDedupes(t *testing.T) {
	input := strings.Join([]string{
		"7 Q0 third 3 1.0 x",
		"7 Q0 first 1 3.0 x",
		"7 Q0 second 2 2.0 x",
		"7 Q0 first 4 0.5 x",
	}, "\n") + "\n"

	results, err := ReadRun(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}

	got := results["7"]
	if len(got) != 3 || got[0].DocID != "first" || got[1].DocID != "second" || got[2].DocID != "third" {
		t.Errorf("ReadRun() = %v", got)
	}
}

func TestLoadRun_Missing(t *testing.T) {
	if _, err := LoadRun(filepath.Join(t.TempDir(), "none.run")); !errors.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestScoreRunFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.run")
	os.WriteFile(path, []byte("1 Q0 d1 1 5 r\n1 Q0 d3 2 4 r\n1 Q0 d2 3 3 r\n"), 0o644)

	results, err := LoadRun(path)
	if err != nil {
		t.Fatal(err)
	}

	m := Evaluate("run", results, Qrels{"1": {"d1": 2, "d2": 1, "d3": 0}}, 3, 1)
	if !approx(m.Precision, 2.0/3.0) || !approx(m.Recall, 1) || !approx(m.MAP, (1+2.0/3.0)/2) {
		t.Errorf("metrics from run file = %+v", m)
	}
}
