// Package dataset defines the output record types and the incremental,
// crash-safe JSON Lines writer that persists them.
package dataset

// Line kinds. Every output line is one JSON object carrying a kind
// discriminator, so the file stays appendable and each line stands alone.
const (
	KindGame     = "game"
	KindPosition = "position"
)

// MoveEval is one move's ranked evaluation. Moves are rendered in SAN;
// policy is a fraction, q_value is from the side to move's perspective and
// wdl is a win/draw/loss permille triple (absent when the engine never
// reported one for the move).
type MoveEval struct {
	Move   string  `json:"move"`
	Rank   int     `json:"rank"`
	Visits int     `json:"visits"`
	Policy float64 `json:"policy"`
	QValue float64 `json:"q_value"`
	WDL    []int   `json:"wdl,omitempty"`
}

// PositionRecord is the evaluation of a single position plus the move that
// was played there.
type PositionRecord struct {
	Kind           string     `json:"kind"`
	GameIndex      int        `json:"game_index"`
	Ply            int        `json:"ply"`
	FEN            string     `json:"fen"`
	ToMove         string     `json:"to_move"`
	TotalVisits    int        `json:"total_visits"`
	VisitsOnBetter int        `json:"visits_on_better"`
	PlayedMove     MoveEval   `json:"played_move"`
	Candidates     []MoveEval `json:"candidate_moves"`
}

// GameRecord carries the header metadata of one source game. Position lines
// reference it through game_index.
type GameRecord struct {
	Kind      string `json:"kind"`
	GameIndex int    `json:"game_index"`
	Event     string `json:"event,omitempty"`
	Site      string `json:"site,omitempty"`
	Date      string `json:"date,omitempty"`
	Round     string `json:"round,omitempty"`
	White     string `json:"white"`
	WhiteElo  int    `json:"white_elo,omitempty"`
	Black     string `json:"black"`
	BlackElo  int    `json:"black_elo,omitempty"`
	Result    string `json:"result"`
	ECO       string `json:"eco,omitempty"`
}
