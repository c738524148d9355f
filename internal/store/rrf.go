package store

import "sort"

// RRFConstant is the reciprocal rank fusion smoothing parameter.
// k=60 is the widely validated default (Azure AI Search, OpenSearch).
const RRFConstant = 60

// RankedList is one signal's results, best-first, with a fusion weight.
// TieBreak marks the list whose pre-fusion scores break fused-score
// ties; hybrid callers mark the vector list.
type RankedList struct {
	Results  []SearchResult
	Weight   float64
	TieBreak bool
}

// FuseRanked combines any number of ranked lists with reciprocal rank
// fusion:
//
//	score(d) = sum over lists containing d of weight_i / (k + rank_i(d))
//
// Only lists a document appears in contribute to its score. Fused
// scores are min-max normalized into [0,1]; when every score is equal
// all results map to 1.0. Ties break by the best pre-fusion score from
// the TieBreak list, then by ID, so ordering is deterministic.
func FuseRanked(lists []RankedList, topK int) []SearchResult {
	type fused struct {
		result   SearchResult
		score    float64
		tieScore float64
	}

	merged := make(map[string]*fused)
	for _, list := range lists {
		for rank, r := range list.Results {
			entry, ok := merged[r.ID]
			if !ok {
				entry = &fused{result: r}
				merged[r.ID] = entry
			}
			if entry.result.Text == "" {
				entry.result.Text = r.Text
			}
			if entry.result.Metadata == nil {
				entry.result.Metadata = r.Metadata
			}
			if len(r.MatchedTerms) > 0 {
				entry.result.MatchedTerms = r.MatchedTerms
			}
			entry.score += list.Weight / float64(RRFConstant+rank+1)
			if list.TieBreak && r.Score > entry.tieScore {
				entry.tieScore = r.Score
			}
		}
	}
	if len(merged) == 0 {
		return []SearchResult{}
	}

	ordered := make([]*fused, 0, len(merged))
	for _, entry := range merged {
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.tieScore != b.tieScore {
			return a.tieScore > b.tieScore
		}
		return a.result.ID < b.result.ID
	})

	minScore := ordered[len(ordered)-1].score
	maxScore := ordered[0].score
	span := maxScore - minScore
	out := make([]SearchResult, 0, len(ordered))
	for _, entry := range ordered {
		r := entry.result
		if span > 0 {
			r.Score = clampScore((entry.score - minScore) / span)
		} else {
			r.Score = 1.0
		}
		out = append(out, r)
	}
	if topK > 0 && topK < len(out) {
		out = out[:topK]
	}
	return out
}
