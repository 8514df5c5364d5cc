// Package selection ranks pool structures by disagreement and picks the ones
// to send for labeling.
package selection

import (
	"sort"

	"github.com/san-kum/mlipal/internal/errs"
)

// Pick is one selected structure.
type Pick struct {
	Index int     `json:"i"`
	Score float64 `json:"score"`
}

// TopK returns the indices of the k highest scores, highest first, with ties
// broken by ascending index. k larger than len(scores) selects everything;
// k <= 0 selects nothing.
func TopK(scores []float64, k int) []int {
	picks := Rank(scores)
	if k < len(picks) {
		picks = picks[:max(k, 0)]
	}
	out := make([]int, len(picks))
	for i, p := range picks {
		out[i] = p.Index
	}
	return out
}

// Rank orders every score descending, ties by ascending index.
func Rank(scores []float64) []Pick {
	picks := make([]Pick, len(scores))
	for i, s := range scores {
		picks[i] = Pick{Index: i, Score: s}
	}
	sort.SliceStable(picks, func(i, j int) bool {
		if picks[i].Score != picks[j].Score {
			return picks[i].Score > picks[j].Score
		}
		return picks[i].Index < picks[j].Index
	})
	return picks
}

// Options control Select.
type Options struct {
	K int
	// Cutoff, when positive, restricts selection to scores strictly above it.
	// Same units as the scores.
	Cutoff float64
}

// Select applies TopK after the optional cutoff filter. Asking for a
// selection when nothing qualifies is a data integrity error.
func Select(scores []float64, opts Options) ([]Pick, error) {
	if opts.K <= 0 {
		return nil, errs.Configf("select", "k must be positive, got %d", opts.K)
	}
	if len(scores) == 0 {
		return nil, errs.Integrityf("select", "pool is empty")
	}
	var out []Pick
	for _, p := range Rank(scores) {
		if opts.Cutoff > 0 && !(p.Score > opts.Cutoff) {
			continue
		}
		out = append(out, p)
		if len(out) == opts.K {
			break
		}
	}
	if len(out) == 0 {
		return nil, errs.Integrityf("select", "no structures above cutoff %g", opts.Cutoff)
	}
	return out, nil
}

// Indices extracts the structure indices of picks.
func Indices(picks []Pick) []int {
	out := make([]int, len(picks))
	for i, p := range picks {
		out[i] = p.Index
	}
	return out
}
