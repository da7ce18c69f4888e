package engine

import (
	"regexp"
	"strconv"
	"strings"
)

// MoveStat holds one legal move's search statistics as reported by the
// engine's verbose move output, plus the WDL distribution when the move fell
// inside the MultiPV reporting window.
type MoveStat struct {
	Move   string  // UCI notation, e.g. "e2e4", "e7e8q"
	Visits int     // N: node visits allocated to the move
	Policy float64 // P: network prior, as a fraction (0..1)
	Q      float64 // Q: value estimate from side to move's perspective
	WDL    [3]int  // win/draw/loss in permille
	HasWDL bool
}

// EventKind discriminates parsed protocol lines.
type EventKind int

const (
	EventNone EventKind = iota
	EventVerboseStat
	EventPVWDL
	EventBestMove
)

// Event is one typed protocol observation. Exactly the fields implied by
// Kind are populated.
type Event struct {
	Kind EventKind
	Stat MoveStat // EventVerboseStat
	Move string   // EventPVWDL: first pv move; EventBestMove: best move
	WDL  [3]int   // EventPVWDL
}

// Verbose move stat lines look like:
//
//	info string e2e4  (322 ) N:      45 (+ 0) (P: 22.84%) (WDL: ...) (Q:  0.04660) ...
//
// The summary "info string node ..." line does not match the move pattern.
var (
	verboseRe  = regexp.MustCompile(`^info string ([a-h][1-8][a-h][1-8][qrbn]?)\s.*N:\s+(\d+).*\(P:\s+([0-9.]+)%\).*\(Q:\s+(-?[0-9.]+)\)`)
	wdlRe      = regexp.MustCompile(`\bwdl (\d+) (\d+) (\d+)`)
	pvRe       = regexp.MustCompile(` pv (\S+)`)
	bestmoveRe = regexp.MustCompile(`^bestmove (\S+)`)
)

// ParseLine classifies one engine output line. Lines that carry no move
// statistics (readyok, id, plain info, chatter) return ok=false.
func ParseLine(line string) (Event, bool) {
	line = strings.TrimSpace(line)

	if m := bestmoveRe.FindStringSubmatch(line); m != nil {
		return Event{Kind: EventBestMove, Move: m[1]}, true
	}

	if m := verboseRe.FindStringSubmatch(line); m != nil {
		visits, _ := strconv.Atoi(m[2])
		policyPct, _ := strconv.ParseFloat(m[3], 64)
		q, _ := strconv.ParseFloat(m[4], 64)
		return Event{
			Kind: EventVerboseStat,
			Stat: MoveStat{
				Move:   m[1],
				Visits: visits,
				Policy: policyPct / 100,
				Q:      q,
			},
		}, true
	}

	// MultiPV lines carry the WDL distribution for the pv's first move.
	if strings.Contains(line, "multipv") {
		pv := pvRe.FindStringSubmatch(line)
		wdl := wdlRe.FindStringSubmatch(line)
		if pv == nil || wdl == nil {
			return Event{}, false
		}
		var dist [3]int
		for i := 0; i < 3; i++ {
			dist[i], _ = strconv.Atoi(wdl[i+1])
		}
		return Event{Kind: EventPVWDL, Move: pv[1], WDL: dist}, true
	}

	return Event{}, false
}

// Result is the reduced outcome of one search: the full verbose stat set in
// engine report order, and the move the engine settled on.
type Result struct {
	Stats    []MoveStat
	BestMove string
}

// Stat returns the statistics for a move by UCI notation.
func (r *Result) Stat(move string) (MoveStat, bool) {
	for _, s := range r.Stats {
		if s.Move == move {
			return s, true
		}
	}
	return MoveStat{}, false
}

// resultBuilder accumulates events into a Result. Verbose stats overwrite
// earlier ones for the same move (the engine re-reports as search deepens);
// WDL rides in from multipv lines and survives stat overwrites.
type resultBuilder struct {
	order []string
	stats map[string]*MoveStat
}

func newResultBuilder() *resultBuilder {
	return &resultBuilder{stats: make(map[string]*MoveStat)}
}

func (b *resultBuilder) stat(move string) *MoveStat {
	if s, ok := b.stats[move]; ok {
		return s
	}
	s := &MoveStat{Move: move}
	b.stats[move] = s
	b.order = append(b.order, move)
	return s
}

// apply folds one event into the accumulated state. Returns true on the
// search terminator.
func (b *resultBuilder) apply(ev Event) bool {
	switch ev.Kind {
	case EventVerboseStat:
		s := b.stat(ev.Stat.Move)
		s.Visits = ev.Stat.Visits
		s.Policy = ev.Stat.Policy
		s.Q = ev.Stat.Q
	case EventPVWDL:
		s := b.stat(ev.Move)
		s.WDL = ev.WDL
		s.HasWDL = true
	case EventBestMove:
		return true
	}
	return false
}

func (b *resultBuilder) result(best string) *Result {
	res := &Result{BestMove: best, Stats: make([]MoveStat, 0, len(b.order))}
	for _, move := range b.order {
		res.Stats = append(res.Stats, *b.stats[move])
	}
	return res
}
