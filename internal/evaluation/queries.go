package evaluation

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
)

// DefaultQueryIDStart is the id given to the first query of a set.
const DefaultQueryIDStart = 1

// QuerySet is an ordered, immutable list of queries. Ids are assigned by
// position starting at the set's offset.
type QuerySet struct {
	queries []Query
}

// NewQuerySet assigns ids start, start+1, ... to texts in order.
func NewQuerySet(texts []string, start int) QuerySet {
	queries := make([]Query, len(texts))
	for i, text := range texts {
		queries[i] = Query{ID: start + i, Text: text}
	}
	return QuerySet{queries: queries}
}

// ReadQueries reads one query per line. Lines are trimmed and blank lines
// skipped; skipped lines do not consume an id.
func ReadQueries(r io.Reader, start int) (QuerySet, error) {
	var texts []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			texts = append(texts, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return QuerySet{}, fmt.Errorf("reading queries: %w", err)
	}
	return NewQuerySet(texts, start), nil
}

// LoadQueries reads a query file.
func LoadQueries(path string, start int) (QuerySet, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return QuerySet{}, errors.NotFoundError(fmt.Sprintf("query file %s", path))
		}
		return QuerySet{}, fmt.Errorf("opening queries: %w", err)
	}
	defer f.Close()
	return ReadQueries(f, start)
}

// Len returns the number of queries.
func (s QuerySet) Len() int {
	return len(s.queries)
}

// Queries returns a copy of the queries in order.
func (s QuerySet) Queries() []Query {
	out := make([]Query, len(s.queries))
	copy(out, s.queries)
	return out
}

// Lookup finds a query by key.
func (s QuerySet) Lookup(key string) (Query, bool) {
	for _, q := range s.queries {
		if q.Key() == key {
			return q, true
		}
	}
	return Query{}, false
}

// Head returns at most n queries from the start of the set.
func (s QuerySet) Head(n int) []Query {
	if n > len(s.queries) {
		n = len(s.queries)
	}
	if n < 0 {
		n = 0
	}
	out := make([]Query, n)
	copy(out, s.queries[:n])
	return out
}
