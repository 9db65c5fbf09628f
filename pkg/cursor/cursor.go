// Package cursor persists, per external chain, the height of the last block whose logs have been fully processed.
package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var ErrRegression = errors.New("cursor can only move forward")

// state is the on-disk representation. Unknown fields are ignored on load, so newer files stay readable.
type state struct {
	Chain     string    `json:"chain"`
	Height    int64     `json:"height"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Cursor is owned by a single watcher.
type Cursor struct {
	path  string
	chain string

	mu     sync.Mutex
	height int64
}

// Path returns the cursor file of chain under dir.
func Path(dir, chain string) string {
	return filepath.Join(dir, chain+"_cursor.json")
}

// Open loads the cursor of chain from dir. A missing or empty file is initialized so that the first block to
// process is start.
func Open(dir, chain string, start uint64) (*Cursor, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	c := &Cursor{path: Path(dir, chain), chain: chain, height: int64(start) - 1}

	b, err := os.ReadFile(c.path)
	switch {
	case errors.Is(err, os.ErrNotExist) || (err == nil && len(b) == 0):
		if err := c.write(c.height); err != nil {
			return nil, err
		}
		return c, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read cursor %s: %w", c.path, err)
	}

	var s state
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("failed to parse cursor %s: %w", c.path, err)
	}
	if s.Chain != "" && s.Chain != chain {
		return nil, fmt.Errorf("cursor %s belongs to chain %q, not %q", c.path, s.Chain, chain)
	}
	c.height = s.Height
	return c, nil
}

// Next returns the first block that has not been processed yet.
func (c *Cursor) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(c.height + 1)
}

// Height returns the last processed block, or -1 if nothing was processed yet and the start height is 0.
func (c *Cursor) Height() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// Advance records height as fully processed and persists it before returning.
func (c *Cursor) Advance(height uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int64(height) < c.height {
		return fmt.Errorf("%w: %d < %d", ErrRegression, height, c.height)
	}
	if int64(height) == c.height {
		return nil
	}
	if err := c.write(int64(height)); err != nil {
		return err
	}
	c.height = int64(height)
	return nil
}

// write replaces the cursor file atomically.
func (c *Cursor) write(height int64) error {
	b, err := json.Marshal(&state{Chain: c.chain, Height: height, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cursor file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync cursor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cursor: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("failed to replace cursor %s: %w", c.path, err)
	}
	return nil
}
