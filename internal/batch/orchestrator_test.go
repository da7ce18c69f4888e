package batch_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/malbrecht/chess"
	"github.com/rs/zerolog"

	"github.com/freeeve/evalgen/internal/analysis"
	"github.com/freeeve/evalgen/internal/batch"
	"github.com/freeeve/evalgen/internal/dataset"
	"github.com/freeeve/evalgen/internal/engine"
	"github.com/freeeve/evalgen/internal/walker"
)

const testPGN = `[Event "Resume Cup"]
[White "One"]
[Black "Two"]
[Result "1-0"]

1. e4 e5 2. Nf3 1-0

[Event "Resume Cup"]
[White "Three"]
[Black "Four"]
[Result "0-1"]

1. d4 Nf6 0-1
`

// stubSession fabricates a complete verbose report for any position: every
// legal move gets distinct visits and a WDL, so the analyzer never needs a
// focused search.
type stubSession struct {
	failures *int // shared countdown of searches to fail first
	closed   bool
}

func (s *stubSession) Search(fen string, b engine.Budget) (*engine.Result, error) {
	if s.failures != nil && *s.failures > 0 {
		*s.failures--
		return nil, engine.ErrSessionDead
	}
	board, err := chess.ParseFen(fen)
	if err != nil {
		return nil, err
	}
	legal := board.LegalMoves()
	stats := make([]engine.MoveStat, len(legal))
	for i, m := range legal {
		stats[i] = engine.MoveStat{
			Move:   m.Uci(board),
			Visits: 100 - i,
			Policy: 0.5,
			Q:      0.1,
			WDL:    [3]int{300, 400, 300},
			HasWDL: true,
		}
	}
	return &engine.Result{Stats: stats, BestMove: stats[0].Move}, nil
}

func (s *stubSession) SearchMoves(fen string, b engine.Budget, move string) (*engine.Result, error) {
	return s.Search(fen, b)
}

func (s *stubSession) Close() error {
	s.closed = true
	return nil
}

type env struct {
	out     string
	factory batch.SessionFactory
	created int
}

func newEnv(t *testing.T, failures int) *env {
	t.Helper()
	e := &env{out: filepath.Join(t.TempDir(), "out.jsonl")}
	e.factory = func() (batch.Session, error) {
		e.created++
		var fp *int
		if failures > 0 {
			fp = &failures
		}
		return &stubSession{failures: fp}, nil
	}
	return e
}

func run(t *testing.T, e *env, cfg batch.Config) error {
	t.Helper()
	w, err := walker.New(strings.NewReader(testPGN), zerolog.Nop())
	if err != nil {
		t.Fatalf("walker: %v", err)
	}
	out, cp, err := dataset.OpenWriter(e.out, zerolog.Nop())
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer out.Close()

	cfg.Logger = zerolog.Nop()
	an := &analysis.Analyzer{
		Budget:        engine.Budget{Kind: engine.BudgetNodes, Value: 100},
		MaxCandidates: 5,
		Log:           zerolog.Nop(),
	}
	return batch.New(cfg, an, e.factory).Run(context.Background(), w, out, cp)
}

func countKinds(t *testing.T, path string) (games, positions int) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		switch {
		case strings.Contains(line, `"kind":"game"`):
			games++
		case strings.Contains(line, `"kind":"position"`):
			positions++
		}
	}
	return
}

func TestRunFullBatch(t *testing.T) {
	e := newEnv(t, 0)
	if err := run(t, e, batch.Config{FlushEvery: 2}); err != nil {
		t.Fatalf("run: %v", err)
	}

	games, positions := countKinds(t, e.out)
	if games != 2 || positions != 5 {
		t.Errorf("output = %d games, %d positions; want 2 and 5", games, positions)
	}
	cp, err := dataset.LoadCheckpoint(dataset.CheckpointPath(e.out))
	if err != nil || cp == nil {
		t.Fatalf("checkpoint: %+v, %v", cp, err)
	}
	if cp.GameIndex != 2 || cp.Ply != 2 || cp.Positions != 5 {
		t.Errorf("checkpoint = %+v, want game=2 ply=2 positions=5", cp)
	}
	if e.created != 1 {
		t.Errorf("sessions created = %d, want 1 for the whole run", e.created)
	}
}

func TestRunResumeProducesCompleteOutput(t *testing.T) {
	e := newEnv(t, 0)
	// First run stops after one game, as if the batch crashed between games.
	if err := run(t, e, batch.Config{MaxGames: 1}); err != nil {
		t.Fatalf("partial run: %v", err)
	}
	if games, positions := countKinds(t, e.out); games != 1 || positions != 3 {
		t.Fatalf("partial output = %d games, %d positions; want 1 and 3", games, positions)
	}

	// Restart over the same input completes the rest without duplicates.
	if err := run(t, e, batch.Config{}); err != nil {
		t.Fatalf("resume run: %v", err)
	}
	games, positions := countKinds(t, e.out)
	if games != 2 || positions != 5 {
		t.Errorf("resumed output = %d games, %d positions; want 2 and 5", games, positions)
	}
}

func TestRunIdempotentWhenComplete(t *testing.T) {
	e := newEnv(t, 0)
	if err := run(t, e, batch.Config{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	before, err := os.ReadFile(e.out)
	if err != nil {
		t.Fatal(err)
	}

	if err := run(t, e, batch.Config{}); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	after, err := os.ReadFile(e.out)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("re-running a completed batch changed the output")
	}
}

func TestRunRecoversFromSessionFault(t *testing.T) {
	// The first two searches die; the orchestrator rebuilds the session and
	// retries the position.
	e := newEnv(t, 2)
	if err := run(t, e, batch.Config{MaxRetries: 3}); err != nil {
		t.Fatalf("run: %v", err)
	}
	games, positions := countKinds(t, e.out)
	if games != 2 || positions != 5 {
		t.Errorf("output = %d games, %d positions; want everything despite faults", games, positions)
	}
	if e.created < 3 {
		t.Errorf("sessions created = %d, want at least 3 (original + 2 rebuilds)", e.created)
	}
}

func TestRunGivesUpAfterRetryBudget(t *testing.T) {
	// More failures than the retry budget: the first position is recorded
	// as failed, the batch continues.
	e := newEnv(t, 2)
	if err := run(t, e, batch.Config{MaxRetries: 1}); err != nil {
		t.Fatalf("run: %v", err)
	}
	games, positions := countKinds(t, e.out)
	if games != 2 || positions != 4 {
		t.Errorf("output = %d games, %d positions; want 2 and 4 (one position skipped)", games, positions)
	}
}

func TestRunShardsPartitionGames(t *testing.T) {
	e := newEnv(t, 0)
	if err := run(t, e, batch.Config{ShardIndex: 0, ShardCount: 2}); err != nil {
		t.Fatalf("run shard 0: %v", err)
	}
	games, positions := countKinds(t, e.out)
	if games != 1 || positions != 3 {
		t.Errorf("shard 0 output = %d games, %d positions; want only game 1", games, positions)
	}

	e2 := newEnv(t, 0)
	if err := run(t, e2, batch.Config{ShardIndex: 1, ShardCount: 2}); err != nil {
		t.Fatalf("run shard 1: %v", err)
	}
	games, positions = countKinds(t, e2.out)
	if games != 1 || positions != 2 {
		t.Errorf("shard 1 output = %d games, %d positions; want only game 2", games, positions)
	}
}

func TestRunCancelledContextFlushes(t *testing.T) {
	e := newEnv(t, 0)
	w, err := walker.New(strings.NewReader(testPGN), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	out, cp, err := dataset.OpenWriter(e.out, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	an := &analysis.Analyzer{Budget: engine.Budget{Kind: engine.BudgetNodes, Value: 10}, MaxCandidates: 5, Log: zerolog.Nop()}
	err = batch.New(batch.Config{Logger: zerolog.Nop()}, an, e.factory).Run(ctx, w, out, cp)
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
