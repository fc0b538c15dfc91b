// Package resolver implements the Name Resolver (spec.md section 4.4):
// human name -> rid resolution with autopick / margin / ambiguity semantics.
// The similarity measure is hand-rolled over the standard library, grounded
// on the teacher's own string-processing style in
// internal/keywordextractor/extractor.go -- no example repo in the pack
// imports a third-party fuzzy-match library for this gateway's resolver to
// exercise (see DESIGN.md).
package resolver

import (
	"context"
	"sort"

	"github.com/lanhue/gateway/internal/apperrors"
	"github.com/lanhue/gateway/internal/model"
)

// CandidateLister is the store-shaped dependency the resolver needs.
type CandidateLister interface {
	ListNameCandidates(ctx context.Context, rtype string) ([]model.NameCandidate, error)
}

// Thresholds holds the three config-driven cutoffs (spec.md section 4.4).
type Thresholds struct {
	Autopick float64
	Match    float64
	Margin   float64
}

// Resolver resolves (rtype, query_name) pairs against the store's name
// candidates.
type Resolver struct {
	store      CandidateLister
	thresholds Thresholds
}

// New builds a Resolver.
func New(store CandidateLister, thresholds Thresholds) *Resolver {
	return &Resolver{store: store, thresholds: thresholds}
}

// Scored is one ranked candidate.
type Scored struct {
	Rid     string  `json:"rid"`
	Display string  `json:"name"`
	Score   float64 `json:"score"`
}

// Resolve implements the decision tree from spec.md section 4.4.
func (r *Resolver) Resolve(ctx context.Context, rtype, queryName string) (string, error) {
	norm := model.NormalizeName(queryName)

	candidates, err := r.store.ListNameCandidates(ctx, rtype)
	if err != nil {
		return "", apperrors.Internal(err)
	}
	if len(candidates) == 0 {
		return "", apperrors.New("not_found", "no resources of this type to match against", map[string]interface{}{"rtype": rtype})
	}

	scored := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, Scored{Rid: c.Rid, Display: c.Display, Score: similarity(norm, c.NameNorm)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	best := scored[0]
	if best.Score >= r.thresholds.Autopick {
		return best.Rid, nil
	}
	second := 0.0 // no runner-up candidate: treat as maximally far, so a
	// lone candidate above match_threshold always clears the margin check.
	if len(scored) > 1 {
		second = scored[1].Score
	}
	if best.Score >= r.thresholds.Match && best.Score-second >= r.thresholds.Margin {
		return best.Rid, nil
	}

	top := scored
	if len(top) > 5 {
		top = top[:5]
	}
	details := map[string]interface{}{"candidates": top}
	return "", apperrors.New("ambiguous_name", "no confident unique match", details)
}

// similarity computes a longest-common-subsequence ratio in [0.0, 1.0],
// symmetric and 1.0 iff the strings are equal (spec.md section 4.4 step 4).
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	l := lcsLength(a, b)
	return (2.0 * float64(l)) / float64(len(a)+len(b))
}

// lcsLength is the classic O(len(a)*len(b)) dynamic-programming longest
// common subsequence length, operating on runes so multi-byte characters
// count as single units.
func lcsLength(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	n, m := len(ra), len(rb)
	prev := make([]int, m+1)
	curr := make([]int, m+1)
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[m]
}
