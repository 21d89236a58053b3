package evaluation

import (
	"gonum.org/v1/gonum/stat"

	"github.com/ricesearch/recipe-eval/internal/ranker"
)

// Metric names as they appear in reports.
const (
	MetricPrecision = "precision@k"
	MetricRecall    = "recall@k"
	MetricMAP       = "MAP"
)

// DefaultRelevanceThreshold is the minimum grade counted as relevant by
// precision and recall.
const DefaultRelevanceThreshold = 1

// PrecisionAtK returns mean Precision@k over queries present in qrels.
//
// The denominator is always k, so short lists are penalised. A judged query
// with no hits still contributes 0. Queries missing from qrels are skipped.
func PrecisionAtK(results Results, qrels Qrels, k, threshold int) float64 {
	if k <= 0 {
		return 0
	}

	scores := make([]float64, 0, len(results))
	for _, qid := range sortedKeys(results) {
		judged, ok := qrels[qid]
		if !ok {
			continue
		}
		scores = append(scores, float64(relevantInTopK(results[qid], judged, k, threshold))/float64(k))
	}
	return mean(scores)
}

// RecallAtK returns mean Recall@k. Queries with no document graded at or
// above threshold are skipped.
func RecallAtK(results Results, qrels Qrels, k, threshold int) float64 {
	if k <= 0 {
		return 0
	}

	scores := make([]float64, 0, len(results))
	for _, qid := range sortedKeys(results) {
		judged, ok := qrels[qid]
		if !ok {
			continue
		}
		total := qrels.Relevant(qid, threshold)
		if total == 0 {
			continue
		}
		scores = append(scores, float64(relevantInTopK(results[qid], judged, k, threshold))/float64(total))
	}
	return mean(scores)
}

// MeanAveragePrecision returns MAP@k. A hit is relevant when its grade is
// strictly positive, independent of the precision/recall threshold. Queries
// with no relevant hit in the top k are skipped.
func MeanAveragePrecision(results Results, qrels Qrels, k int) float64 {
	if k <= 0 {
		return 0
	}

	scores := make([]float64, 0, len(results))
	for _, qid := range sortedKeys(results) {
		judged, ok := qrels[qid]
		if !ok {
			continue
		}
		if ap, scored := AveragePrecision(results[qid], judged, k); scored {
			scores = append(scores, ap)
		}
	}
	return mean(scores)
}

// AveragePrecision returns the average precision of hits cut at k and
// whether any relevant hit was found.
func AveragePrecision(hits []ranker.Hit, judged map[string]int, k int) (float64, bool) {
	relevant := 0
	sum := 0.0
	for i, h := range ranker.Truncate(hits, k) {
		if judged[h.DocID] > 0 {
			relevant++
			sum += float64(relevant) / float64(i+1)
		}
	}
	if relevant == 0 {
		return 0, false
	}
	return sum / float64(relevant), true
}

// PerQuery returns metric values for every query in results, in query id
// order.
func PerQuery(results Results, qrels Qrels, k, threshold int) []QueryMetrics {
	rows := make([]QueryMetrics, 0, len(results))
	for _, qid := range sortedKeys(results) {
		hits := results[qid]
		row := QueryMetrics{QueryID: qid, Returned: len(ranker.Truncate(hits, k))}

		judged, ok := qrels[qid]
		if ok && k > 0 {
			row.Judged = true
			found := relevantInTopK(hits, judged, k, threshold)
			row.Precision = float64(found) / float64(k)
			if total := qrels.Relevant(qid, threshold); total > 0 {
				row.Recall = float64(found) / float64(total)
				row.RecallScored = true
			}
			row.AveragePrecision, row.APScored = AveragePrecision(hits, judged, k)
		}
		rows = append(rows, row)
	}
	return rows
}

// Metric is an aggregate measure over a results map.
type Metric interface {
	Name() string
	Score(results Results, qrels Qrels) float64
}

// PrecisionAt is Precision@K as a Metric.
type PrecisionAt struct {
	K         int
	Threshold int
}

func (m PrecisionAt) Name() string { return MetricPrecision }

func (m PrecisionAt) Score(results Results, qrels Qrels) float64 {
	return PrecisionAtK(results, qrels, m.K, m.Threshold)
}

// RecallAt is Recall@K as a Metric.
type RecallAt struct {
	K         int
	Threshold int
}

func (m RecallAt) Name() string { return MetricRecall }

func (m RecallAt) Score(results Results, qrels Qrels) float64 {
	return RecallAtK(results, qrels, m.K, m.Threshold)
}

// MAPAt is MAP@K as a Metric.
type MAPAt struct {
	K int
}

func (m MAPAt) Name() string { return MetricMAP }

func (m MAPAt) Score(results Results, qrels Qrels) float64 {
	return MeanAveragePrecision(results, qrels, m.K)
}

// StandardMetrics returns the three report metrics.
func StandardMetrics(k, threshold int) []Metric {
	return []Metric{
		PrecisionAt{K: k, Threshold: threshold},
		RecallAt{K: k, Threshold: threshold},
		MAPAt{K: k},
	}
}

// Evaluate scores results with the standard metrics.
func Evaluate(name string, results Results, qrels Qrels, k, threshold int) ModeMetrics {
	m := ModeMetrics{Name: name}
	for _, metric := range StandardMetrics(k, threshold) {
		v := metric.Score(results, qrels)
		switch metric.Name() {
		case MetricPrecision:
			m.Precision = v
		case MetricRecall:
			m.Recall = v
		case MetricMAP:
			m.MAP = v
		}
	}
	return m
}

func relevantInTopK(hits []ranker.Hit, judged map[string]int, k, threshold int) int {
	n := 0
	for _, h := range ranker.Truncate(hits, k) {
		if judged[h.DocID] >= threshold {
			n++
		}
	}
	return n
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}
