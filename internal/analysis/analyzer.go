package analysis

import (
	"errors"
	"fmt"

	"github.com/malbrecht/chess"
	"github.com/rs/zerolog"

	"github.com/freeeve/evalgen/internal/dataset"
	"github.com/freeeve/evalgen/internal/engine"
)

// Data errors mark positions that cannot be evaluated because the source
// game is corrupt, as opposed to session failures. The batch records a
// diagnostic and moves on.
var (
	ErrIllegalMove = errors.New("played move is illegal in this position")
	ErrNoStats     = errors.New("engine reported no statistics for played move")
)

// IsDataError reports whether an analysis failure is a per-position data
// problem rather than a session fault worth retrying.
func IsDataError(err error) bool {
	return errors.Is(err, ErrIllegalMove) || errors.Is(err, ErrNoStats)
}

// Searcher is the slice of the engine session the analyzer needs.
type Searcher interface {
	Search(fen string, b engine.Budget) (*engine.Result, error)
	SearchMoves(fen string, b engine.Budget, move string) (*engine.Result, error)
}

// Analyzer resolves one position at a time into a PositionRecord.
type Analyzer struct {
	Budget        engine.Budget
	MaxCandidates int
	Log           zerolog.Logger
}

// Analyze runs the primary search for the position, recovers the played
// move's statistics with at most one focused follow-up search when the
// primary report left them incomplete, and returns the ranked record.
// Session failures pass through; corrupt-source conditions return data
// errors (see IsDataError).
func (a *Analyzer) Analyze(s Searcher, board *chess.Board, played chess.Move, ply int) (*dataset.PositionRecord, error) {
	fen := board.Fen()
	playedUci := played.Uci(board)

	if !isLegal(board, played) {
		return nil, fmt.Errorf("%s at ply %d (%s): %w", playedUci, ply, fen, ErrIllegalMove)
	}

	res, err := s.Search(fen, a.Budget)
	if err != nil {
		return nil, err
	}
	stats := res.Stats

	// The engine's verbose output covers every explored legal move, but the
	// WDL distribution only rides on MultiPV lines. A played move outside
	// that window needs one focused search: entirely absent means the
	// recovered stat stands in whole, otherwise only the missing WDL is
	// taken and the primary search's visit counts are kept.
	stat, found := res.Stat(playedUci)
	if !found || !stat.HasWDL {
		a.Log.Debug().
			Str("move", playedUci).
			Int("ply", ply).
			Bool("absent", !found).
			Msg("played move outside reporting window, running focused search")
		focused, err := s.SearchMoves(fen, a.Budget, playedUci)
		if err != nil {
			return nil, err
		}
		fstat, fok := focused.Stat(playedUci)
		switch {
		case !found && fok:
			stat = fstat
			stats = append(stats, stat)
		case !found:
			return nil, fmt.Errorf("%s at ply %d: %w", playedUci, ply, ErrNoStats)
		case fok && fstat.HasWDL:
			stat.WDL = fstat.WDL
			stat.HasWDL = true
			stats = patchWDL(stats, playedUci, fstat.WDL)
		}
	}

	ranked := Rank(stats)
	playedRank := RankOf(ranked, playedUci)

	rec := &dataset.PositionRecord{
		Ply:            ply,
		FEN:            fen,
		ToMove:         toMove(board),
		TotalVisits:    TotalVisits(ranked),
		VisitsOnBetter: VisitsOnBetter(ranked, playedRank),
	}

	limit := a.MaxCandidates
	if limit <= 0 || limit > len(ranked) {
		limit = len(ranked)
	}
	for i := 0; i < limit; i++ {
		rec.Candidates = append(rec.Candidates, moveEval(board, ranked[i], i+1))
	}
	// A played move ranked past the candidate cap still appears, so every
	// record carries its evaluation in full.
	if playedRank > limit {
		rec.Candidates = append(rec.Candidates, moveEval(board, ranked[playedRank-1], playedRank))
	}
	rec.PlayedMove = moveEval(board, ranked[playedRank-1], playedRank)

	return rec, nil
}

func isLegal(board *chess.Board, m chess.Move) bool {
	for _, legal := range board.LegalMoves() {
		if legal == m {
			return true
		}
	}
	return false
}

func toMove(board *chess.Board) string {
	if board.SideToMove == chess.White {
		return "white"
	}
	return "black"
}

// moveEval renders a ranked stat for output, converting the move to SAN.
// Unparseable engine output falls back to the raw UCI string.
func moveEval(board *chess.Board, s engine.MoveStat, rank int) dataset.MoveEval {
	san := s.Move
	if m, err := board.ParseMove(s.Move); err == nil {
		san = m.San(board)
	}
	ev := dataset.MoveEval{
		Move:   san,
		Rank:   rank,
		Visits: s.Visits,
		Policy: s.Policy,
		QValue: s.Q,
	}
	if s.HasWDL {
		ev.WDL = []int{s.WDL[0], s.WDL[1], s.WDL[2]}
	}
	return ev
}

func patchWDL(stats []engine.MoveStat, move string, wdl [3]int) []engine.MoveStat {
	for i := range stats {
		if stats[i].Move == move {
			stats[i].WDL = wdl
			stats[i].HasWDL = true
		}
	}
	return stats
}
