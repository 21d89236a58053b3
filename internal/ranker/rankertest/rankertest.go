// Package rankertest provides an in-memory Ranker for tests.
package rankertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
	"github.com/ricesearch/recipe-eval/internal/ranker"
)

// Call records a single Search invocation.
type Call struct {
	Query string
	K     int
	Mode  string
}

// Ranker returns canned hit lists keyed by mode name and query text.
type Ranker struct {
	mu sync.Mutex

	// Results maps mode name to query text to hits.
	Results map[string]map[string][]ranker.Hit

	// Docs are returned by FetchRaw.
	Docs map[string]*ranker.Document

	// FailOn makes Search fail for the given query text.
	FailOn map[string]error

	Calls  []Call
	Closed bool
}

var _ ranker.Ranker = (*Ranker)(nil)

// New creates an empty fake ranker.
func New() *Ranker {
	return &Ranker{
		Results: make(map[string]map[string][]ranker.Hit),
		Docs:    make(map[string]*ranker.Document),
		FailOn:  make(map[string]error),
	}
}

// Set registers hits for the given mode and query. Scores descend with rank.
func (r *Ranker) Set(mode, query string, docIDs ...string) *Ranker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Results[mode] == nil {
		r.Results[mode] = make(map[string][]ranker.Hit)
	}
	hits := make([]ranker.Hit, len(docIDs))
	for i, id := range docIDs {
		hits[i] = ranker.Hit{DocID: id, Score: float64(len(docIDs) - i)}
	}
	r.Results[mode][query] = hits
	return r
}

// SetAll registers the same hits for the query under every given mode.
func (r *Ranker) SetAll(modes []string, query string, docIDs ...string) *Ranker {
	for _, m := range modes {
		r.Set(m, query, docIDs...)
	}
	return r
}

// AddDoc registers a stored document.
func (r *Ranker) AddDoc(id string, fields map[string]any) *Ranker {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Docs[id] = &ranker.Document{ID: id, Fields: fields}
	return r
}

func (r *Ranker) Search(_ context.Context, query string, k int, mode ranker.Mode) ([]ranker.Hit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Calls = append(r.Calls, Call{Query: query, K: k, Mode: mode.Name})

	if err, ok := r.FailOn[query]; ok {
		return nil, err
	}

	hits := r.Results[mode.Name][query]
	out := make([]ranker.Hit, len(hits))
	copy(out, hits)
	return ranker.Truncate(out, k), nil
}

func (r *Ranker) FetchRaw(_ context.Context, docID string) (*ranker.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.Docs[docID]
	if !ok {
		return nil, errors.NotFoundError(fmt.Sprintf("document %s", docID))
	}
	return doc, nil
}

func (r *Ranker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Closed = true
	return nil
}

// SearchCount returns the number of Search calls made.
func (r *Ranker) SearchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}
