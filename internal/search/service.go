// Package search provides ad-hoc recipe search over the ranker, resolving
// hits to their stored titles and ingredients for display.
package search

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
	"github.com/ricesearch/recipe-eval/internal/pkg/logger"
	"github.com/ricesearch/recipe-eval/internal/ranker"
)

// Service provides search capabilities.
type Service struct {
	ranker ranker.Ranker
	log    *logger.Logger
	cfg    Config
}

// Config configures the search service.
type Config struct {
	// DefaultTopK is the default number of results to return.
	DefaultTopK int

	// K1 and B are the BM25 parameters used when a request sets none.
	K1 float64
	B  float64

	// PreviewLength caps the ingredient preview in characters.
	PreviewLength int
}

// DefaultConfig returns the parameters of the interactive recipe search.
func DefaultConfig() Config {
	return Config{
		DefaultTopK:   10,
		K1:            0.9,
		B:             0.4,
		PreviewLength: 200,
	}
}

// NewService creates a new search service.
func NewService(rk ranker.Ranker, log *logger.Logger, cfg Config) *Service {
	if log == nil {
		log = logger.Default()
	}
	def := DefaultConfig()
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = def.DefaultTopK
	}
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = def.PreviewLength
	}
	return &Service{ranker: rk, log: log, cfg: cfg}
}

// Request represents a search request.
type Request struct {
	// Query is the search query text.
	Query string `json:"query"`

	// TopK is the number of results to return.
	TopK int `json:"top_k,omitempty"`

	// K1 and B override the configured BM25 parameters.
	K1 *float64 `json:"k1,omitempty"`
	B  *float64 `json:"b,omitempty"`
}

// Result represents a single search result.
type Result struct {
	Rank        int     `json:"rank"`
	DocID       string  `json:"doc_id"`
	Title       string  `json:"title"`
	Ingredients string  `json:"ingredients,omitempty"`
	Score       float64 `json:"score"`
}

// Response represents a search response.
type Response struct {
	Query    string         `json:"query"`
	Mode     ranker.Mode    `json:"mode"`
	Results  []Result       `json:"results"`
	Metadata SearchMetadata `json:"metadata"`
}

// SearchMetadata contains timing information.
type SearchMetadata struct {
	// SearchTimeMs is the total time in milliseconds.
	SearchTimeMs int64 `json:"search_time_ms"`

	// RetrievalTimeMs is the engine search time.
	RetrievalTimeMs int64 `json:"retrieval_time_ms"`

	// FetchTimeMs is the time spent loading stored documents.
	FetchTimeMs int64 `json:"fetch_time_ms"`
}

// Search runs a BM25 search and resolves each hit to its stored document.
// Hits whose document cannot be found keep an empty title.
func (s *Service) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, errors.ValidationError("query is required")
	}

	topK := req.TopK
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}

	mode := ranker.BM25(s.cfg.K1, s.cfg.B)
	if req.K1 != nil {
		mode.K1 = *req.K1
	}
	if req.B != nil {
		mode.B = *req.B
	}

	retrievalStart := time.Now()
	hits, err := s.ranker.Search(ctx, query, topK, mode)
	if err != nil {
		return nil, err
	}
	retrievalTime := time.Since(retrievalStart)

	fetchStart := time.Now()
	results := make([]Result, 0, len(hits))
	for i, h := range hits {
		r := Result{Rank: i + 1, DocID: h.DocID, Score: h.Score}

		doc, err := s.ranker.FetchRaw(ctx, h.DocID)
		switch {
		case err == nil:
			r.Title = doc.Title()
			r.Ingredients = doc.Field("ingredients")
		case !errors.IsFatal(err):
			s.log.Debug("Stored document missing", "doc_id", h.DocID)
		default:
			return nil, err
		}
		results = append(results, r)
	}

	return &Response{
		Query:   query,
		Mode:    mode,
		Results: results,
		Metadata: SearchMetadata{
			SearchTimeMs:    time.Since(start).Milliseconds(),
			RetrievalTimeMs: retrievalTime.Milliseconds(),
			FetchTimeMs:     time.Since(fetchStart).Milliseconds(),
		},
	}, nil
}

// WriteResults prints a response as a numbered list with an ingredient
// preview under each title.
func (s *Service) WriteResults(w io.Writer, resp *Response) error {
	if len(resp.Results) == 0 {
		_, err := fmt.Fprintf(w, "No results for %q\n", resp.Query)
		return err
	}

	if _, err := fmt.Fprintf(w, "Found %d results for %q\n\n", len(resp.Results), resp.Query); err != nil {
		return err
	}
	for _, r := range resp.Results {
		title := r.Title
		if title == "" {
			title = "No title"
		}
		if _, err := fmt.Fprintf(w, "%d. %s\n   Score: %.4f\n", r.Rank, title, r.Score); err != nil {
			return err
		}
		if r.Ingredients != "" {
			if _, err := fmt.Fprintf(w, "   Ingredients: %s\n", preview(r.Ingredients, s.cfg.PreviewLength)); err != nil {
				return err
			}
		}
	}
	return nil
}

func preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
