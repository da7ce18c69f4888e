// Package engine drives an external UCI chess engine process (lc0) and
// reduces its verbose search output into per-move statistics.
package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// State is the lifecycle phase of a Session.
type State int

const (
	StateUninitialized State = iota
	StateHandshaking
	StateReady
	StateSearching
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateSearching:
		return "searching"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// ErrSessionDead marks fatal session failures: handshake timeout, unexpected
// process exit, broken pipes. A dead session is never reused; the caller
// constructs a fresh one.
var ErrSessionDead = errors.New("engine session dead")

// Config configures an engine session.
type Config struct {
	Path             string            // engine executable
	Weights          string            // network weights file, passed as --weights=
	ExtraArgs        []string          // extra engine command-line arguments
	Options          map[string]string // UCI options applied after the handshake
	MultiPV          int               // reporting window; default 10
	HandshakeTimeout time.Duration     // uciok/readyok wait bound; default 60s
	QuitTimeout      time.Duration     // grace period before kill; default 5s
	Logger           zerolog.Logger
}

// Session owns one engine subprocess and its protocol streams. It is not
// safe for concurrent use; one search runs at a time and the caller blocks
// until the result terminator is read.
type Session struct {
	cfg   Config
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
	state State
	log   zerolog.Logger
}

// Start spawns the engine process and performs the UCI handshake, leaving
// the session Ready. On any failure the process is terminated before
// returning.
func Start(cfg Config) (*Session, error) {
	if cfg.MultiPV == 0 {
		cfg.MultiPV = 10
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 60 * time.Second
	}
	if cfg.QuitTimeout == 0 {
		cfg.QuitTimeout = 5 * time.Second
	}

	args := make([]string, 0, len(cfg.ExtraArgs)+1)
	if cfg.Weights != "" {
		args = append(args, "--weights="+cfg.Weights)
	}
	args = append(args, cfg.ExtraArgs...)

	cmd := exec.Command(cfg.Path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout: %w", err)
	}
	// lc0 writes some diagnostics to stderr; fold them into the same line
	// stream the way the protocol reader expects.
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine %s: %w", cfg.Path, err)
	}

	s := newSession(cfg, stdin, stdout, cmd)
	if err := s.handshake(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// newSession wires a session onto existing streams. cmd may be nil in tests.
func newSession(cfg Config, stdin io.WriteCloser, stdout io.Reader, cmd *exec.Cmd) *Session {
	s := &Session{
		cfg:   cfg,
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string, 256),
		state: StateUninitialized,
		log:   cfg.Logger.With().Str("component", "engine").Logger(),
	}
	go s.readLines(stdout)
	return s
}

// readLines pumps engine output into the line channel until EOF. The channel
// close is how the session observes process death.
func (s *Session) readLines(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.log.Debug().Str("line", line).Msg("engine")
		s.lines <- line
	}
	close(s.lines)
}

// State reports the current lifecycle phase.
func (s *Session) State() State { return s.state }

func (s *Session) send(cmd string) error {
	s.log.Debug().Str("cmd", cmd).Msg("send")
	if _, err := io.WriteString(s.stdin, cmd+"\n"); err != nil {
		s.state = StateTerminated
		return fmt.Errorf("write %q: %v: %w", cmd, err, ErrSessionDead)
	}
	return nil
}

// readLine returns the next engine line. A zero timeout blocks until the
// line arrives or the process exits; searches are bounded by their budget,
// not by the session.
func (s *Session) readLine(timeout time.Duration) (string, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case line, ok := <-s.lines:
		if !ok {
			s.state = StateTerminated
			return "", fmt.Errorf("engine process exited unexpectedly: %w", ErrSessionDead)
		}
		return line, nil
	case <-expired:
		s.state = StateTerminated
		return "", fmt.Errorf("engine unresponsive after %s: %w", timeout, ErrSessionDead)
	}
}

// waitFor discards lines until one starts with the marker.
func (s *Session) waitFor(marker string, timeout time.Duration) error {
	for {
		line, err := s.readLine(timeout)
		if err != nil {
			return fmt.Errorf("waiting for %q: %w", marker, err)
		}
		if strings.HasPrefix(line, marker) {
			return nil
		}
	}
}

// handshake identifies the engine and applies options.
// VerboseMoveStats and UCI_ShowWDL are forced on unless explicitly
// configured: the stat collection depends on them.
func (s *Session) handshake() error {
	s.state = StateHandshaking

	if err := s.send("uci"); err != nil {
		return err
	}
	if err := s.waitFor("uciok", s.cfg.HandshakeTimeout); err != nil {
		return err
	}

	opts := map[string]string{
		"VerboseMoveStats": "true",
		"UCI_ShowWDL":      "true",
		"MultiPV":          fmt.Sprint(s.cfg.MultiPV),
	}
	for name, value := range s.cfg.Options {
		opts[name] = value
	}
	names := make([]string, 0, len(opts))
	for name := range opts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.send(fmt.Sprintf("setoption name %s value %s", name, opts[name])); err != nil {
			return err
		}
	}

	if err := s.send("isready"); err != nil {
		return err
	}
	if err := s.waitFor("readyok", s.cfg.HandshakeTimeout); err != nil {
		return err
	}

	s.state = StateReady
	s.log.Info().Str("path", s.cfg.Path).Int("multipv", s.cfg.MultiPV).Msg("engine ready")
	return nil
}

// reset clears the engine's search tree so statistics from a prior position
// cannot leak into the next one.
func (s *Session) reset() error {
	if err := s.send("ucinewgame"); err != nil {
		return err
	}
	if err := s.send("isready"); err != nil {
		return err
	}
	return s.waitFor("readyok", s.cfg.HandshakeTimeout)
}

// Search resets the search tree, loads the position and runs one search at
// the given budget, blocking until the bestmove terminator.
func (s *Session) Search(fen string, b Budget) (*Result, error) {
	return s.search(fen, b, "", true)
}

// SearchMoves runs a focused search restricted to a single move, without a
// tree reset: it always follows a primary search of the same position.
func (s *Session) SearchMoves(fen string, b Budget, move string) (*Result, error) {
	return s.search(fen, b, move, false)
}

func (s *Session) search(fen string, b Budget, searchMoves string, resetTree bool) (*Result, error) {
	if s.state != StateReady {
		return nil, fmt.Errorf("search in state %s: %w", s.state, ErrSessionDead)
	}
	s.state = StateSearching

	if resetTree {
		if err := s.reset(); err != nil {
			return nil, err
		}
	}
	if err := s.send("position fen " + fen); err != nil {
		return nil, err
	}
	goCmd := "go " + b.GoArgs()
	if searchMoves != "" {
		goCmd += " searchmoves " + searchMoves
	}
	if err := s.send(goCmd); err != nil {
		return nil, err
	}

	builder := newResultBuilder()
	for {
		line, err := s.readLine(0)
		if err != nil {
			return nil, err
		}
		ev, ok := ParseLine(line)
		if !ok {
			continue
		}
		if done := builder.apply(ev); done {
			s.state = StateReady
			return builder.result(ev.Move), nil
		}
	}
}

// Close shuts the engine down: quit, bounded grace period, then kill. It is
// safe to call in any state, repeatedly, and on all exit paths.
func (s *Session) Close() error {
	if s.state == StateTerminated && s.cmd == nil {
		return nil
	}
	prev := s.state
	s.state = StateTerminating

	if prev != StateTerminated {
		_ = s.send("quit")
	}
	_ = s.stdin.Close()

	if s.cmd != nil && s.cmd.Process != nil {
		done := make(chan error, 1)
		go func() { done <- s.cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(s.cfg.QuitTimeout):
			s.log.Warn().Dur("grace", s.cfg.QuitTimeout).Msg("engine ignored quit, killing")
			_ = s.cmd.Process.Kill()
			<-done
		}
	}

	// Drain the reader so its goroutine exits.
	for range s.lines {
	}
	s.state = StateTerminated
	s.cmd = nil
	return nil
}
