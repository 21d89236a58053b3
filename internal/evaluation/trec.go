package evaluation

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/hscells/trecresults"

	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
	"github.com/ricesearch/recipe-eval/internal/ranker"
)

// RunFileExt is the extension of exported run files.
const RunFileExt = ".run"

// toTREC converts results into TREC run lines, ranks starting at 1.
func toTREC(results Results, runName string) trecresults.ResultList {
	var list trecresults.ResultList
	for _, qid := range sortedKeys(results) {
		for i, h := range results[qid] {
			list = append(list, &trecresults.Result{
				Topic:     qid,
				Iteration: "Q0",
				DocId:     h.DocID,
				Rank:      int64(i + 1),
				Score:     h.Score,
				RunName:   runName,
			})
		}
	}
	return list
}

// WriteRun writes results as "qid Q0 docid rank score runname" lines.
func WriteRun(w io.Writer, results Results, runName string) error {
	bw := bufio.NewWriter(w)
	for _, r := range toTREC(results, runName) {
		if _, err := fmt.Fprintf(bw, "%s %s %s %d %.6f %s\n", r.Topic, r.Iteration, r.DocId, r.Rank, r.Score, r.RunName); err != nil {
			return fmt.Errorf("writing run: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing run: %w", err)
	}
	return nil
}

// WriteRunFiles writes one <mode>.run file per mode run into dir.
func WriteRunFiles(dir string, runs []ModeRun) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}

	paths := make([]string, 0, len(runs))
	for _, run := range runs {
		path := filepath.Join(dir, run.Mode.Name+RunFileExt)
		f, err := os.Create(path)
		if err != nil {
			return paths, fmt.Errorf("creating run file: %w", err)
		}
		err = WriteRun(f, run.Results, run.Mode.Name)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// ReadRun parses a TREC run. Each topic's hits are ordered by rank, with
// the file order kept for equal ranks. Repeated documents keep their first
// position.
func ReadRun(r io.Reader) (Results, error) {
	file, err := trecresults.ResultsFromReader(r)
	if err != nil {
		return nil, errors.ValidationError(fmt.Sprintf("parsing trec run: %v", err))
	}

	results := make(Results, len(file.Results))
	for topic, list := range file.Results {
		sorted := make(trecresults.ResultList, 0, len(list))
		for _, res := range list {
			if res != nil {
				sorted = append(sorted, res)
			}
		}
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Rank < sorted[j].Rank
		})

		hits := make([]ranker.Hit, len(sorted))
		for i, res := range sorted {
			hits[i] = ranker.Hit{DocID: res.DocId, Score: res.Score}
		}
		results[topic] = dedupe(hits)
	}
	return results, nil
}

// LoadRun reads a run file.
func LoadRun(path string) (Results, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundError(fmt.Sprintf("run file %s", path))
		}
		return nil, fmt.Errorf("opening run: %w", err)
	}
	defer f.Close()
	return ReadRun(f)
}
