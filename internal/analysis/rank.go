// Package analysis turns raw engine search statistics into ranked,
// fully-resolved position evaluations.
package analysis

import (
	"sort"

	"github.com/freeeve/evalgen/internal/engine"
)

// Rank sorts a copy of the stat set into the engine's own move-selection
// order: visits, then Q, then policy, all descending. The slice index plus
// one is the move's rank; ranks form a strict total order over the set.
func Rank(stats []engine.MoveStat) []engine.MoveStat {
	ranked := make([]engine.MoveStat, len(stats))
	copy(ranked, stats)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Visits != b.Visits {
			return a.Visits > b.Visits
		}
		if a.Q != b.Q {
			return a.Q > b.Q
		}
		return a.Policy > b.Policy
	})
	return ranked
}

// RankOf returns the 1-based rank of a move within a ranked set, or 0 when
// the move is absent.
func RankOf(ranked []engine.MoveStat, move string) int {
	for i, s := range ranked {
		if s.Move == move {
			return i + 1
		}
	}
	return 0
}

// TotalVisits sums visit counts over the whole stat set.
func TotalVisits(stats []engine.MoveStat) int {
	total := 0
	for _, s := range stats {
		total += s.Visits
	}
	return total
}

// VisitsOnBetter sums the visits spent on moves ranked strictly ahead of
// the played move: the search effort that favored alternatives. Zero for
// the top-ranked move.
func VisitsOnBetter(ranked []engine.MoveStat, playedRank int) int {
	waste := 0
	for i := 0; i < playedRank-1 && i < len(ranked); i++ {
		waste += ranked[i].Visits
	}
	return waste
}
