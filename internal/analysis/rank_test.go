package analysis

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/freeeve/evalgen/internal/engine"
)

func TestRankOrdering(t *testing.T) {
	stats := []engine.MoveStat{
		{Move: "a2a3", Visits: 1, Policy: 0.01, Q: -0.1},
		{Move: "e2e4", Visits: 60, Policy: 0.22, Q: 0.05},
		{Move: "d2d4", Visits: 30, Policy: 0.21, Q: 0.04},
		{Move: "g1f3", Visits: 30, Policy: 0.11, Q: 0.06}, // ties d2d4 on visits, wins on Q
		{Move: "c2c4", Visits: 30, Policy: 0.15, Q: 0.04}, // ties d2d4 on visits and Q, wins on policy
	}
	ranked := Rank(stats)
	want := []string{"e2e4", "g1f3", "c2c4", "d2d4", "a2a3"}
	for i, move := range want {
		if ranked[i].Move != move {
			t.Errorf("rank %d = %s, want %s", i+1, ranked[i].Move, move)
		}
	}
	// Input order is untouched.
	if stats[0].Move != "a2a3" {
		t.Error("Rank mutated its input")
	}
}

func TestRankIsPermutation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	stats := make([]engine.MoveStat, 20)
	for i := range stats {
		stats[i] = engine.MoveStat{
			Move:   fmt.Sprintf("m%02d", i),
			Visits: rng.Intn(5), // plenty of visit-count ties
			Policy: rng.Float64(),
			Q:      rng.Float64()*2 - 1,
		}
	}
	ranked := Rank(stats)
	if len(ranked) != len(stats) {
		t.Fatalf("ranked %d moves, want %d", len(ranked), len(stats))
	}
	seen := map[string]bool{}
	for _, s := range ranked {
		if seen[s.Move] {
			t.Fatalf("move %s ranked twice", s.Move)
		}
		seen[s.Move] = true
	}
	for i := 1; i < len(ranked); i++ {
		a, b := ranked[i-1], ranked[i]
		if a.Visits < b.Visits {
			t.Fatalf("rank %d has fewer visits than rank %d", i, i+1)
		}
		if a.Visits == b.Visits && a.Q < b.Q {
			t.Fatalf("visit tie at rank %d broken against Q order", i)
		}
		if a.Visits == b.Visits && a.Q == b.Q && a.Policy < b.Policy {
			t.Fatalf("visit+Q tie at rank %d broken against policy order", i)
		}
	}
}

func TestMetrics(t *testing.T) {
	ranked := Rank([]engine.MoveStat{
		{Move: "e2e4", Visits: 60},
		{Move: "d2d4", Visits: 30},
		{Move: "g1f3", Visits: 8},
		{Move: "a2a3", Visits: 2},
	})
	if got := TotalVisits(ranked); got != 100 {
		t.Errorf("TotalVisits = %d, want 100", got)
	}
	if got := VisitsOnBetter(ranked, 1); got != 0 {
		t.Errorf("VisitsOnBetter(rank 1) = %d, want 0", got)
	}
	if got := VisitsOnBetter(ranked, 3); got != 90 {
		t.Errorf("VisitsOnBetter(rank 3) = %d, want 90", got)
	}
	if got := VisitsOnBetter(ranked, 4); got != 98 {
		t.Errorf("VisitsOnBetter(rank 4) = %d, want 98", got)
	}
}

func TestRankOf(t *testing.T) {
	ranked := Rank([]engine.MoveStat{
		{Move: "e2e4", Visits: 10},
		{Move: "d2d4", Visits: 5},
	})
	if r := RankOf(ranked, "d2d4"); r != 2 {
		t.Errorf("RankOf(d2d4) = %d, want 2", r)
	}
	if r := RankOf(ranked, "h7h5"); r != 0 {
		t.Errorf("RankOf(absent) = %d, want 0", r)
	}
}

func TestSingleMoveSet(t *testing.T) {
	ranked := Rank([]engine.MoveStat{{Move: "e8g8", Visits: 100, Policy: 1, Q: 0.3}})
	if len(ranked) != 1 || RankOf(ranked, "e8g8") != 1 {
		t.Fatalf("single-move set misranked: %+v", ranked)
	}
	if VisitsOnBetter(ranked, 1) != 0 {
		t.Error("single move has no better alternatives")
	}
}
