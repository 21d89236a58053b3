package evaluation

import (
	"sort"
	"strconv"

	"github.com/ricesearch/recipe-eval/internal/ranker"
)

// RelevanceJudgment is a single graded query-document pair.
type RelevanceJudgment struct {
	QueryID   string `json:"query_id"`
	DocID     string `json:"doc_id"`
	Relevance int    `json:"relevance"` // 0=not relevant, 1=partially, 2=relevant
}

// Qrels maps query id to doc id to relevance grade. A doc missing from the
// inner map has grade 0. Treat as read-only once loaded.
type Qrels map[string]map[string]int

// Grade returns the relevance grade of docID for queryID.
func (q Qrels) Grade(queryID, docID string) int {
	return q[queryID][docID]
}

// Add records a judgment; a later judgment for the same pair replaces the
// earlier one.
func (q Qrels) Add(j RelevanceJudgment) {
	if q[j.QueryID] == nil {
		q[j.QueryID] = make(map[string]int)
	}
	q[j.QueryID][j.DocID] = j.Relevance
}

// NumJudgments returns the total number of query-document pairs.
func (q Qrels) NumJudgments() int {
	n := 0
	for _, docs := range q {
		n += len(docs)
	}
	return n
}

// Relevant counts documents judged at or above threshold for queryID.
func (q Qrels) Relevant(queryID string, threshold int) int {
	n := 0
	for _, g := range q[queryID] {
		if g >= threshold {
			n++
		}
	}
	return n
}

// Judgments returns all pairs ordered by query id then doc id.
func (q Qrels) Judgments() []RelevanceJudgment {
	out := make([]RelevanceJudgment, 0, q.NumJudgments())
	for _, qid := range sortedKeys(q) {
		docs := q[qid]
		ids := make([]string, 0, len(docs))
		for id := range docs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			out = append(out, RelevanceJudgment{QueryID: qid, DocID: id, Relevance: docs[id]})
		}
	}
	return out
}

// Results maps query id to its ranked hits.
type Results map[string][]ranker.Hit

// Query is a free-text query with its positional id.
type Query struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

// Key returns the id as used in qrels and results maps.
func (q Query) Key() string {
	return strconv.Itoa(q.ID)
}

// ModeMetrics holds the aggregate metrics of one scoring mode.
type ModeMetrics struct {
	Name      string  `json:"name"`
	Precision float64 `json:"precision@k"`
	Recall    float64 `json:"recall@k"`
	MAP       float64 `json:"MAP"`
}

// QueryMetrics holds per-query metric values. Skipped metrics are false in
// the corresponding Scored flag and zero in the value.
type QueryMetrics struct {
	QueryID          string  `json:"query_id"`
	Judged           bool    `json:"judged"`
	Returned         int     `json:"returned"`
	Precision        float64 `json:"precision@k"`
	Recall           float64 `json:"recall@k"`
	RecallScored     bool    `json:"recall_scored"`
	AveragePrecision float64 `json:"ap"`
	APScored         bool    `json:"ap_scored"`
}

// ModeRun is the outcome of running one scoring mode over a query set.
type ModeRun struct {
	Mode     ranker.Mode    `json:"mode"`
	Results  Results        `json:"-"`
	Metrics  ModeMetrics    `json:"metrics"`
	PerQuery []QueryMetrics `json:"per_query,omitempty"`
}

// sortedKeys orders query ids numerically when both parse as integers and
// lexically otherwise, so "2" sorts before "10".
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return lessQueryID(keys[i], keys[j])
	})
	return keys
}

func lessQueryID(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		if ai != bi {
			return ai < bi
		}
		return a < b
	case aerr == nil:
		return true
	case berr == nil:
		return false
	default:
		return a < b
	}
}
