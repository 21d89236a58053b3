// Package ranker adapts an external full-text search engine to the ranked
// retrieval contract used by evaluation: search a query under a BM25-family
// scoring mode and fetch stored documents for display.
package ranker

import (
	"context"
	"fmt"
	"math"

	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
)

// Canonical BM25 parameters.
const (
	DefaultK1 = 1.2
	DefaultB  = 0.75
)

// Mode selects the scoring parameters of the engine's BM25-family scorer.
type Mode struct {
	// Name is the stable key used in reports and run files (e.g. "bm25").
	Name string `json:"name"`

	// Label is the human-readable algorithm name (e.g. "BM25").
	Label string `json:"label"`

	// K1 controls term frequency saturation. Zero disables it.
	K1 float64 `json:"k1"`

	// B controls document length normalisation, in [0,1].
	B float64 `json:"b"`
}

// TFIDF returns the mode that degenerates BM25 into a plain tf-idf score.
func TFIDF() Mode {
	return Mode{Name: "tfidf", Label: "TF-IDF", K1: 0, B: 0}
}

// BM25 returns a BM25 mode with the given parameters.
func BM25(k1, b float64) Mode {
	return Mode{Name: "bm25", Label: "BM25", K1: k1, B: b}
}

// Validate checks that the parameters are usable by a BM25 scorer.
func (m Mode) Validate() error {
	if m.Name == "" {
		return errors.ValidationError("mode name is required")
	}
	if m.K1 < 0 || math.IsNaN(m.K1) || math.IsInf(m.K1, 0) {
		return errors.ValidationError(fmt.Sprintf("mode %s: k1 must be a finite non-negative number, got %v", m.Name, m.K1))
	}
	if m.B < 0 || m.B > 1 || math.IsNaN(m.B) {
		return errors.ValidationError(fmt.Sprintf("mode %s: b must be between 0 and 1, got %v", m.Name, m.B))
	}
	return nil
}

// SameScoring reports whether two modes produce identical scores.
func (m Mode) SameScoring(other Mode) bool {
	return m.K1 == other.K1 && m.B == other.B
}

func (m Mode) String() string {
	return fmt.Sprintf("%s(k1=%g,b=%g)", m.Name, m.K1, m.B)
}

// Hit is a single ranked document.
type Hit struct {
	DocID string  `json:"doc_id"`
	Score float64 `json:"score"`
}

// Document is the raw stored form of an indexed document.
type Document struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Field returns a stored field as a string, or "" when absent.
func (d *Document) Field(name string) string {
	if d == nil || d.Fields == nil {
		return ""
	}
	v, ok := d.Fields[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Title returns the document title field.
func (d *Document) Title() string {
	return d.Field("title")
}

// Ranker is the capability interface of the external search engine.
//
// Implementations return at most k hits ordered by descending score, keeping
// the engine's own order for ties, and never modify indexed documents.
type Ranker interface {
	// Search runs query with the given scoring mode and returns at most k hits.
	Search(ctx context.Context, query string, k int, mode Mode) ([]Hit, error)

	// FetchRaw returns the stored fields of a document.
	FetchRaw(ctx context.Context, docID string) (*Document, error)

	// Close releases engine resources.
	Close() error
}

// Truncate returns at most k hits.
func Truncate(hits []Hit, k int) []Hit {
	if k >= 0 && len(hits) > k {
		return hits[:k]
	}
	return hits
}

func validateSearch(k int, mode Mode) error {
	if k <= 0 {
		return errors.ValidationError(fmt.Sprintf("k must be positive, got %d", k))
	}
	return mode.Validate()
}
