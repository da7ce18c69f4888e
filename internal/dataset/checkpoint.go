package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// Checkpoint records the durable high-water mark of a run. Offset is the
// flushed byte length of the output file; anything beyond it is an unflushed
// tail that a restart discards. GameIndex/Ply name the last position whose
// outcome (record or skip diagnostic) is covered by Offset.
type Checkpoint struct {
	GameIndex int       `json:"game_index"`
	Ply       int       `json:"ply"`
	Offset    int64     `json:"offset"`
	Positions int64     `json:"positions"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckpointPath derives the checkpoint file name for an output path.
func CheckpointPath(outPath string) string { return outPath + ".checkpoint" }

// LoadCheckpoint reads a checkpoint file. A missing file returns (nil, nil):
// the run starts fresh.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	if cp.Offset < 0 || cp.GameIndex < 0 || cp.Ply < 0 {
		return nil, fmt.Errorf("checkpoint %s is corrupt: %+v", path, cp)
	}
	return &cp, nil
}

// SkipGame reports whether a whole game was completed before this
// checkpoint was taken.
func (c *Checkpoint) SkipGame(gameIndex int) bool {
	return c != nil && gameIndex < c.GameIndex
}

// SkipPosition reports whether a position's outcome is already covered.
func (c *Checkpoint) SkipPosition(gameIndex, ply int) bool {
	if c == nil {
		return false
	}
	return gameIndex < c.GameIndex || (gameIndex == c.GameIndex && ply <= c.Ply)
}

// save writes the checkpoint durably: temp file, sync, rename.
func (c *Checkpoint) save(path string) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}
