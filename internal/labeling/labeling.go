// Package labeling derives graded relevance judgments automatically from
// title overlap with the query. The grades are a crude proxy: a recipe is
// judged by its title only, so they bootstrap evaluation when no human
// judgments exist.
package labeling

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cheggaaa/pb/v3"

	"github.com/ricesearch/recipe-eval/internal/evaluation"
	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
	"github.com/ricesearch/recipe-eval/internal/pkg/logger"
	"github.com/ricesearch/recipe-eval/internal/ranker"
)

// Grades assigned by title overlap.
const (
	GradeNone    = 0
	GradePartial = 1
	GradeFull    = 2
)

// Config holds the retrieval parameters used to pick candidates.
type Config struct {
	K1    float64
	B     float64
	Depth int
}

// DefaultConfig returns BM25(0.9, 0.4) to depth 10.
func DefaultConfig() Config {
	return Config{K1: 0.9, B: 0.4, Depth: 10}
}

// Labeler judges the top candidates of every query.
type Labeler struct {
	ranker   ranker.Ranker
	cfg      Config
	log      *logger.Logger
	progress io.Writer
}

// New creates a labeler. A zero depth takes the default.
func New(rk ranker.Ranker, cfg Config, log *logger.Logger) *Labeler {
	if log == nil {
		log = logger.Default()
	}
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultConfig().Depth
	}
	return &Labeler{ranker: rk, cfg: cfg, log: log}
}

// SetProgress enables a progress bar on w.
func (l *Labeler) SetProgress(w io.Writer) {
	l.progress = w
}

// Grade scores a title against a query: 2 when at least two distinct query
// words appear as title words, 1 for one, 0 otherwise. Matching is
// case-insensitive on whitespace-separated words.
func Grade(query, title string) int {
	titleWords := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(title)) {
		titleWords[w] = true
	}

	seen := make(map[string]bool)
	overlap := 0
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if seen[w] {
			continue
		}
		seen[w] = true
		if titleWords[w] {
			overlap++
		}
	}

	switch {
	case overlap >= 2:
		return GradeFull
	case overlap == 1:
		return GradePartial
	default:
		return GradeNone
	}
}

// Label searches every query and grades each retrieved document. Every
// retrieved document gets a judgment, including grade 0. A document whose
// stored fields are missing is judged 0.
func (l *Labeler) Label(ctx context.Context, queries evaluation.QuerySet) (evaluation.Qrels, error) {
	if queries.Len() == 0 {
		return nil, errors.EmptyQuerySetError()
	}

	mode := ranker.BM25(l.cfg.K1, l.cfg.B)
	if err := mode.Validate(); err != nil {
		return nil, err
	}

	var bar *pb.ProgressBar
	if l.progress != nil {
		bar = pb.New(queries.Len()).
			SetWriter(l.progress).
			Set("prefix", "Labeling ").
			Start()
		defer bar.Finish()
	}

	qrels := make(evaluation.Qrels)
	for _, q := range queries.Queries() {
		hits, err := l.ranker.Search(ctx, q.Text, l.cfg.Depth, mode)
		if err != nil {
			return nil, errors.Wrap(errors.CodeSearchFailed, fmt.Sprintf("labeling search failed for query %s", q.Key()), err).
				WithDetail(errors.DetailStage, "label").
				WithDetail(errors.DetailQueryID, q.Key())
		}

		for _, h := range ranker.Truncate(hits, l.cfg.Depth) {
			title, err := l.title(ctx, h.DocID)
			if err != nil {
				return nil, err
			}
			qrels.Add(evaluation.RelevanceJudgment{
				QueryID:   q.Key(),
				DocID:     h.DocID,
				Relevance: Grade(q.Text, title),
			})
		}

		if bar != nil {
			bar.Increment()
		}
	}

	l.log.Info("Generated qrels",
		"queries", queries.Len(),
		"judged_queries", len(qrels),
		"judgments", qrels.NumJudgments(),
	)
	return qrels, nil
}

func (l *Labeler) title(ctx context.Context, docID string) (string, error) {
	doc, err := l.ranker.FetchRaw(ctx, docID)
	switch {
	case err == nil:
		return doc.Title(), nil
	case !errors.IsFatal(err):
		l.log.WithError(err).Warn("Document not found, grading as not relevant", "doc_id", docID)
		return "", nil
	default:
		return "", err
	}
}
