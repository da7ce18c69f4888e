// Package walker replays PGN games into a stream of positions with the move
// played at each ply, tagged with the game's header metadata.
package walker

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/malbrecht/chess"
	"github.com/malbrecht/chess/pgn"
	"github.com/rs/zerolog"
)

// Meta is the header metadata of one source game.
type Meta struct {
	Event    string
	Site     string
	Date     string
	Round    string
	White    string
	Black    string
	WhiteElo int
	BlackElo int
	Result   string
	ECO      string
}

// Position is one ply of a replayed game: the board before the move and the
// move the player chose there.
type Position struct {
	Ply       int
	Board     *chess.Board
	Played    chess.Move
	PlayedSAN string
	FEN       string
}

// Game is a fully replayed source game.
type Game struct {
	Index     int // 1-based position in the source file, stable across runs
	Meta      Meta
	Positions []Position
}

// Walker iterates the games of one PGN source. Malformed games are skipped
// with a diagnostic; Next only fails at end of stream or on unreadable
// input.
type Walker struct {
	games   []*pgn.Game
	db      pgn.DB
	idx     int
	skipped int
	log     zerolog.Logger
}

// Open reads a PGN file, transparently decompressing .zst input.
func Open(path string, log zerolog.Logger) (*Walker, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("zstd %s: %w", path, err)
		}
		defer dec.Close()
		r = dec
	}
	return New(r, log)
}

// New parses a PGN stream. Tag-section errors are logged and the affected
// games dropped; movetext is parsed lazily per game in Next.
func New(r io.Reader, log zerolog.Logger) (*Walker, error) {
	text, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pgn: %w", err)
	}
	w := &Walker{log: log.With().Str("component", "walker").Logger()}
	for _, perr := range w.db.Parse(string(text)) {
		w.log.Warn().Err(perr).Msg("unparseable game dropped")
	}
	w.games = w.db.Games
	if len(w.games) == 0 {
		return nil, fmt.Errorf("no games found in input")
	}
	return w, nil
}

// Games returns the number of games that parsed a tag section.
func (w *Walker) Games() int { return len(w.games) }

// Skipped returns the number of games dropped for malformed movetext.
func (w *Walker) Skipped() int { return w.skipped }

// Next replays and returns the next game, or io.EOF when the source is
// exhausted. Games with malformed movetext are skipped, not fatal.
func (w *Walker) Next() (*Game, error) {
	for w.idx < len(w.games) {
		g := w.games[w.idx]
		w.idx++
		index := w.idx

		if err := w.db.ParseMoves(g); err != nil {
			w.skipped++
			w.log.Warn().
				Err(err).
				Int("game", index).
				Str("white", g.Tags["White"]).
				Str("black", g.Tags["Black"]).
				Msg("skipping malformed game")
			continue
		}

		game := &Game{Index: index, Meta: metaFromTags(g.Tags)}
		ply := 0
		for n := g.Root.Next; n != nil; n = n.Next {
			ply++
			before := n.Parent.Board
			game.Positions = append(game.Positions, Position{
				Ply:       ply,
				Board:     before,
				Played:    n.Move,
				PlayedSAN: n.Move.San(before),
				FEN:       before.Fen(),
			})
		}
		if len(game.Positions) == 0 {
			w.skipped++
			w.log.Warn().Int("game", index).Msg("skipping game without moves")
			continue
		}
		return game, nil
	}
	return nil, io.EOF
}

func metaFromTags(tags map[string]string) Meta {
	return Meta{
		Event:    tags["Event"],
		Site:     tags["Site"],
		Date:     tags["Date"],
		Round:    tags["Round"],
		White:    tags["White"],
		Black:    tags["Black"],
		WhiteElo: parseElo(tags["WhiteElo"]),
		BlackElo: parseElo(tags["BlackElo"]),
		Result:   tags["Result"],
		ECO:      tags["ECO"],
	}
}

// parseElo tolerates the "?" and "-" placeholders PGN archives use.
func parseElo(s string) int {
	if s == "" || s == "?" || s == "-" {
		return 0
	}
	r, _ := strconv.Atoi(s)
	return r
}
