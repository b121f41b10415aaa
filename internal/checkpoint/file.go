package checkpoint

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/Iron-Ham/ragents/internal/errors"
)

// FileName is the checkpoint file inside each run directory.
const FileName = "checkpoint.json"

// FileStore keeps the latest checkpoint of each run in
// <dir>/<run_id>/checkpoint.json.
type FileStore struct {
	dir   string
	locks *keyedMutex
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir, locks: newKeyedMutex()}, nil
}

// Dir returns the store root.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the checkpoint file of a run.
func (s *FileStore) Path(runID string) string {
	return filepath.Join(s.dir, runID, FileName)
}

// Save implements Store. The write is atomic: data goes to a temporary file
// that is renamed into place while the run directory is flocked.
func (s *FileStore) Save(ctx context.Context, c Checkpoint) error {
	if err := ValidRunID(c.RunID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(c)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(c.RunID)
	defer unlock()

	runDir := filepath.Join(s.dir, c.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}

	return withDirLock(runDir, func() error {
		if prev, err := s.read(c.RunID); err == nil {
			if c.Revision <= prev.Revision {
				return stale(c.RunID, c.Revision, prev.Revision)
			}
		} else if !errors.Is(err, errors.ErrCheckpointNotFound) {
			return err
		}

		target := filepath.Join(runDir, FileName)
		tmp := target + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return fmt.Errorf("write temp file: %w", err)
		}
		if err := os.Rename(tmp, target); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("rename temp file: %w", err)
		}
		return nil
	})
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, runID string) (Checkpoint, error) {
	if err := ValidRunID(runID); err != nil {
		return Checkpoint{}, err
	}
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}

	unlock := s.locks.Lock(runID)
	defer unlock()

	runDir := filepath.Join(s.dir, runID)
	if _, err := os.Stat(runDir); os.IsNotExist(err) {
		return Checkpoint{}, notFound(runID)
	}

	var c Checkpoint
	err := withDirLock(runDir, func() error {
		var err error
		c, err = s.read(runID)
		return err
	})
	return c, err
}

func (s *FileStore) read(runID string) (Checkpoint, error) {
	data, err := os.ReadFile(s.Path(runID))
	if os.IsNotExist(err) {
		return Checkpoint{}, notFound(runID)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	return decode(data)
}

// List implements Store. Run directories are discovered with a glob, and
// unreadable checkpoints are skipped.
func (s *FileStore) List(ctx context.Context) ([]Summary, error) {
	matches, err := doublestar.Glob(os.DirFS(s.dir), "*/"+FileName)
	if err != nil {
		return nil, fmt.Errorf("glob checkpoints: %w", err)
	}

	var out []Summary
	for _, m := range matches {
		runID, _, _ := strings.Cut(m, "/")
		c, err := s.Load(ctx, runID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		out = append(out, c.Summarize())
	}
	sortSummaries(out)
	return out, nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, runID string) error {
	if err := ValidRunID(runID); err != nil {
		return err
	}
	unlock := s.locks.Lock(runID)
	defer unlock()

	runDir := filepath.Join(s.dir, runID)
	if _, err := os.Stat(runDir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound(runID)
		}
		return err
	}
	if err := os.RemoveAll(runDir); err != nil {
		return fmt.Errorf("remove run directory: %w", err)
	}
	return nil
}

// sortSummaries orders runs most recently updated first.
func sortSummaries(out []Summary) {
	slices.SortFunc(out, func(a, b Summary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.RunID, b.RunID)
	})
}
