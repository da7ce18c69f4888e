package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var timeNow = time.Now

// Writer appends records to a JSON Lines output file. Records buffer in
// memory until Flush, which pushes them to stable storage and only then
// advances the checkpoint, so a crash can lose the unflushed tail but never
// corrupt flushed output.
type Writer struct {
	path   string
	cpPath string
	f      *os.File
	buf    *bufio.Writer
	cp     Checkpoint
	log    zerolog.Logger
}

// OpenWriter opens (or resumes) an output file. When a checkpoint exists the
// output is truncated back to the checkpointed offset, dropping any tail
// that was appended but never flushed durably, and the returned checkpoint
// tells the caller where to resume. A fresh run returns a nil checkpoint.
func OpenWriter(path string, log zerolog.Logger) (*Writer, *Checkpoint, error) {
	cpPath := CheckpointPath(path)
	cp, err := LoadCheckpoint(cpPath)
	if err != nil {
		return nil, nil, err
	}

	w := &Writer{
		path:   path,
		cpPath: cpPath,
		log:    log.With().Str("component", "writer").Str("out", path).Logger(),
	}

	if cp == nil {
		// No checkpoint: any pre-existing file is an artifact of a run that
		// never flushed. Start over.
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("create output %s: %w", path, err)
		}
		w.f = f
		w.buf = bufio.NewWriter(f)
		return w, nil, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open output %s for resume: %w", path, err)
	}
	if err := f.Truncate(cp.Offset); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("truncate output to checkpoint: %w", err)
	}
	if _, err := f.Seek(cp.Offset, 0); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("seek output to checkpoint: %w", err)
	}
	w.f = f
	w.buf = bufio.NewWriter(f)
	w.cp = *cp
	w.log.Info().
		Int("game", cp.GameIndex).
		Int("ply", cp.Ply).
		Int64("offset", cp.Offset).
		Int64("positions", cp.Positions).
		Msg("resuming from checkpoint")
	return w, cp, nil
}

func (w *Writer) append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.buf.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append to %s: %w", w.path, err)
	}
	return nil
}

// AppendGame buffers a game header line.
func (w *Writer) AppendGame(rec *GameRecord) error {
	rec.Kind = KindGame
	return w.append(rec)
}

// AppendPosition buffers a position record line.
func (w *Writer) AppendPosition(rec *PositionRecord) error {
	rec.Kind = KindPosition
	if err := w.append(rec); err != nil {
		return err
	}
	w.cp.Positions++
	return nil
}

// Positions returns the number of position records written, flushed or not.
func (w *Writer) Positions() int64 { return w.cp.Positions }

// Flush pushes buffered records to stable storage, then advances the
// checkpoint to cover everything up to (gameIndex, ply).
func (w *Writer) Flush(gameIndex, ply int) error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", w.path, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", w.path, err)
	}
	offset, err := w.f.Seek(0, 1)
	if err != nil {
		return fmt.Errorf("stat %s: %w", w.path, err)
	}

	w.cp.GameIndex = gameIndex
	w.cp.Ply = ply
	w.cp.Offset = offset
	w.cp.UpdatedAt = timeNow()
	if err := w.cp.save(w.cpPath); err != nil {
		return err
	}
	w.log.Debug().Int("game", gameIndex).Int("ply", ply).Int64("offset", offset).Msg("flushed")
	return nil
}

// Close releases the file handle. It does not flush: the orchestrator
// decides what is durable.
func (w *Writer) Close() error {
	return w.f.Close()
}
