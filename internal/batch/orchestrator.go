// Package batch drives the full analysis run: games from the walker through
// the position analyzer into the incremental writer, with checkpointed
// resume and bounded session recovery.
package batch

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/evalgen/internal/analysis"
	"github.com/freeeve/evalgen/internal/dataset"
	"github.com/freeeve/evalgen/internal/walker"
)

// Session is an engine session as the orchestrator sees it: searchable and
// closeable. A session that returns an error from a search is discarded and
// replaced, never reused.
type Session interface {
	analysis.Searcher
	Close() error
}

// SessionFactory constructs a fresh engine session.
type SessionFactory func() (Session, error)

// Config tunes one orchestrator instance. Shards partition the input by
// game index; instances share nothing and each owns its output file.
type Config struct {
	FlushEvery int // positions per durable flush; default 1
	MaxRetries int // session rebuilds per position before giving up
	MaxGames   int // 0 = unlimited
	ShardIndex int
	ShardCount int // 0 or 1 = unsharded
	Logger     zerolog.Logger
}

// Orchestrator runs one shard of the batch with one engine session at a
// time.
type Orchestrator struct {
	cfg        Config
	analyzer   *analysis.Analyzer
	newSession SessionFactory
	log        zerolog.Logger

	positionsDone   int64
	positionsFailed int64
	gamesDone       int64
}

// New creates an orchestrator.
func New(cfg Config, analyzer *analysis.Analyzer, newSession SessionFactory) *Orchestrator {
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 1
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	return &Orchestrator{
		cfg:        cfg,
		analyzer:   analyzer,
		newSession: newSession,
		log:        cfg.Logger.With().Int("shard", cfg.ShardIndex).Logger(),
	}
}

// mine reports whether a game index belongs to this shard.
func (o *Orchestrator) mine(gameIndex int) bool {
	return (gameIndex-1)%o.cfg.ShardCount == o.cfg.ShardIndex
}

// Run drives the batch to completion. Output I/O errors and unrecoverable
// session construction failures are fatal; per-game and per-position data
// problems are diagnostics. A cancelled context flushes what is complete
// and returns ctx.Err().
func (o *Orchestrator) Run(ctx context.Context, w *walker.Walker, out *dataset.Writer, cp *dataset.Checkpoint) error {
	session, err := o.newSession()
	if err != nil {
		return fmt.Errorf("start engine session: %w", err)
	}
	defer func() {
		if session != nil {
			session.Close()
		}
	}()

	start := time.Now()
	lastLog := start

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		game, err := w.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read games: %w", err)
		}
		if !o.mine(game.Index) {
			continue
		}
		if cp.SkipGame(game.Index) {
			continue
		}
		if o.cfg.MaxGames > 0 && o.gamesDone >= int64(o.cfg.MaxGames) {
			o.log.Info().Int64("games", o.gamesDone).Msg("reached max games limit")
			break
		}

		resuming := cp != nil && game.Index == cp.GameIndex
		if resuming && cp.Ply >= len(game.Positions) {
			// Fully covered by the checkpoint; nothing to redo.
			continue
		}
		if !resuming {
			if err := out.AppendGame(gameRecord(game)); err != nil {
				return err
			}
		}

		lastDone := 0
		if resuming {
			lastDone = cp.Ply
		}
		pending := 0
		for _, pos := range game.Positions {
			if resuming && pos.Ply <= cp.Ply {
				continue
			}
			if err := ctx.Err(); err != nil {
				if ferr := out.Flush(game.Index, lastDone); ferr != nil {
					return ferr
				}
				return err
			}

			rec, aerr := o.analyzePosition(ctx, &session, game, pos)
			if aerr != nil {
				return aerr
			}
			if rec != nil {
				rec.GameIndex = game.Index
				if err := out.AppendPosition(rec); err != nil {
					return err
				}
			}
			lastDone = pos.Ply
			pending++

			if pending >= o.cfg.FlushEvery {
				if err := out.Flush(game.Index, lastDone); err != nil {
					return err
				}
				pending = 0
			}

			if time.Since(lastLog) > 10*time.Second {
				elapsed := time.Since(start)
				o.log.Info().
					Int64("games", o.gamesDone).
					Int64("positions", o.positionsDone).
					Int64("failed", o.positionsFailed).
					Float64("positions_per_sec", float64(o.positionsDone)/elapsed.Seconds()).
					Msg("batch progress")
				lastLog = time.Now()
			}
		}

		if err := out.Flush(game.Index, lastDone); err != nil {
			return err
		}
		o.gamesDone++
		o.log.Debug().
			Int("game", game.Index).
			Int("plies", len(game.Positions)).
			Str("white", game.Meta.White).
			Str("black", game.Meta.Black).
			Msg("game complete")
	}

	elapsed := time.Since(start)
	o.log.Info().
		Int64("games", o.gamesDone).
		Int64("positions", o.positionsDone).
		Int64("failed", o.positionsFailed).
		Int64("total_written", out.Positions()).
		Dur("elapsed", elapsed).
		Msg("batch complete")
	return nil
}

// analyzePosition analyzes one position, rebuilding the engine session and
// retrying on session faults up to the configured bound. Data errors and
// exhausted retries yield a (nil, nil) skip; only session construction and
// context failures propagate.
func (o *Orchestrator) analyzePosition(ctx context.Context, session *Session, game *walker.Game, pos walker.Position) (*dataset.PositionRecord, error) {
	rec, err := o.analyzer.Analyze(*session, pos.Board, pos.Played, pos.Ply)
	for attempt := 1; err != nil && !analysis.IsDataError(err); attempt++ {
		o.log.Warn().
			Err(err).
			Int("game", game.Index).
			Int("ply", pos.Ply).
			Int("attempt", attempt).
			Msg("session fault, restarting engine")
		(*session).Close()
		*session = nil

		fresh, serr := o.newSession()
		if serr != nil {
			return nil, fmt.Errorf("restart engine session: %w", serr)
		}
		*session = fresh

		if attempt > o.cfg.MaxRetries {
			break
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		rec, err = o.analyzer.Analyze(*session, pos.Board, pos.Played, pos.Ply)
	}

	if err != nil {
		o.positionsFailed++
		evt := o.log.Warn().
			Int("game", game.Index).
			Int("ply", pos.Ply).
			Str("played", pos.PlayedSAN).
			Err(err)
		if analysis.IsDataError(err) {
			evt.Msg("skipping position: corrupt source data")
		} else {
			evt.Msg("skipping position: retries exhausted")
		}
		return nil, nil
	}

	o.positionsDone++
	return rec, nil
}

func gameRecord(g *walker.Game) *dataset.GameRecord {
	return &dataset.GameRecord{
		GameIndex: g.Index,
		Event:     g.Meta.Event,
		Site:      g.Meta.Site,
		Date:      g.Meta.Date,
		Round:     g.Meta.Round,
		White:     g.Meta.White,
		WhiteElo:  g.Meta.WhiteElo,
		Black:     g.Meta.Black,
		BlackElo:  g.Meta.BlackElo,
		Result:    g.Meta.Result,
		ECO:       g.Meta.ECO,
	}
}
