package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore keeps checkpoints in process memory. Snapshots are deep
// copied on the way in and out. Writes are serialized per run; different
// runs never wait on each other.
type MemoryStore struct {
	runs  sync.Map // run ID -> Checkpoint
	locks *keyedMutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: newKeyedMutex()}
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, c Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}

	unlock := s.locks.Lock(c.RunID)
	defer unlock()
	if v, ok := s.runs.Load(c.RunID); ok {
		if prev := v.(Checkpoint); c.Revision <= prev.Revision {
			return stale(c.RunID, c.Revision, prev.Revision)
		}
	}
	c.State = c.State.Clone()
	s.runs.Store(c.RunID, c)
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, runID string) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	v, ok := s.runs.Load(runID)
	if !ok {
		return Checkpoint{}, notFound(runID)
	}
	c := v.(Checkpoint)
	c.State = c.State.Clone()
	return c, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Summary, 0)
	s.runs.Range(func(_, v any) bool {
		out = append(out, v.(Checkpoint).Summarize())
		return true
	})
	sortSummaries(out)
	return out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(runID)
	defer unlock()
	if _, loaded := s.runs.LoadAndDelete(runID); !loaded {
		return notFound(runID)
	}
	return nil
}
