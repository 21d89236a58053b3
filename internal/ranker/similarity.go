package ranker

import (
	"sort"
	"strconv"
	"strings"
)

// SimilarityName returns the name of the index similarity that scores mode.
// The parameters are part of the name, so every (k1, b) pair has exactly one
// similarity: BM25(1.2, 0.75) is "bm25_k1_1p2_b_0p75".
func SimilarityName(m Mode) string {
	return "bm25_k1_" + param(m.K1) + "_b_" + param(m.B)
}

func param(v float64) string {
	return strings.ReplaceAll(strconv.FormatFloat(v, 'f', -1, 64), ".", "p")
}

// ModeField returns the sub-field of field indexed under the similarity of
// mode. A multi_match boost suffix ("title^2") is kept on the result.
func ModeField(field string, m Mode) string {
	name, boost, _ := strings.Cut(field, "^")
	out := name + "." + SimilarityName(m)
	if boost != "" {
		out += "^" + boost
	}
	return out
}

// Scorings returns modes with duplicate (k1, b) pairs removed, sorted by
// similarity name.
func Scorings(modes ...Mode) []Mode {
	seen := make(map[string]bool, len(modes))
	out := make([]Mode, 0, len(modes))
	for _, m := range modes {
		name := SimilarityName(m)
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return SimilarityName(out[i]) < SimilarityName(out[j])
	})
	return out
}

// SimilaritySettings declares one BM25 similarity per mode, for the
// "index.similarity" section of index settings.
func SimilaritySettings(modes []Mode) map[string]any {
	sims := make(map[string]any, len(modes))
	for _, m := range modes {
		sims[SimilarityName(m)] = map[string]any{
			"type": "BM25",
			"k1":   m.K1,
			"b":    m.B,
		}
	}
	return sims
}

// ScoredSubfields returns the multi-field definitions that index a text
// field once per mode similarity.
func ScoredSubfields(modes []Mode) map[string]any {
	fields := make(map[string]any, len(modes))
	for _, m := range modes {
		name := SimilarityName(m)
		fields[name] = map[string]any{"type": "text", "similarity": name}
	}
	return fields
}
