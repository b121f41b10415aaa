package metrics

import (
	"context"
	"time"

	"github.com/Iron-Ham/ragents/internal/checkpoint"
)

// instrumentedStore times every checkpoint operation.
type instrumentedStore struct {
	next checkpoint.Store
	m    *Metrics
}

// InstrumentStore wraps store so its operations are recorded in m.
func (m *Metrics) InstrumentStore(store checkpoint.Store) checkpoint.Store {
	return &instrumentedStore{next: store, m: m}
}

func (s *instrumentedStore) Save(ctx context.Context, c checkpoint.Checkpoint) error {
	start := time.Now()
	err := s.next.Save(ctx, c)
	s.m.observeCheckpoint("save", start, err)
	return err
}

func (s *instrumentedStore) Load(ctx context.Context, runID string) (checkpoint.Checkpoint, error) {
	start := time.Now()
	c, err := s.next.Load(ctx, runID)
	s.m.observeCheckpoint("load", start, err)
	return c, err
}

func (s *instrumentedStore) List(ctx context.Context) ([]checkpoint.Summary, error) {
	start := time.Now()
	out, err := s.next.List(ctx)
	s.m.observeCheckpoint("list", start, err)
	return out, err
}

func (s *instrumentedStore) Delete(ctx context.Context, runID string) error {
	start := time.Now()
	err := s.next.Delete(ctx, runID)
	s.m.observeCheckpoint("delete", start, err)
	return err
}
