package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Iron-Ham/ragents/internal/errors"
	"github.com/Iron-Ham/ragents/internal/state"
)

// Schema identifies the checkpoint envelope format.
const Schema = "ragents.checkpoint/v1"

// Checkpoint is a durable snapshot of a run.
type Checkpoint struct {
	Schema    string              `json:"schema"`
	RunID     string              `json:"run_id"`
	Revision  int64               `json:"revision"`
	State     state.WorkflowState `json:"state_snapshot"`
	Timestamp time.Time           `json:"timestamp"`
}

// New wraps a deep copy of s in a checkpoint envelope.
func New(s state.WorkflowState, now time.Time) Checkpoint {
	return Checkpoint{
		Schema:    Schema,
		RunID:     s.RunID,
		Revision:  s.Revision,
		State:     s.Clone(),
		Timestamp: now,
	}
}

// Validate checks the envelope is self-consistent.
func (c Checkpoint) Validate() error {
	if c.Schema != Schema {
		return errors.NewValidationError("unsupported checkpoint schema").WithField("schema").WithValue(c.Schema)
	}
	if c.RunID == "" || c.RunID != c.State.RunID {
		return errors.NewValidationError("run id does not match snapshot").WithField("run_id").WithValue(c.RunID)
	}
	if c.Revision != c.State.Revision {
		return errors.NewValidationError("revision does not match snapshot").WithField("revision").WithValue(c.Revision)
	}
	return nil
}

// Summary describes the latest checkpoint of a run.
type Summary struct {
	RunID          string       `json:"run_id"`
	Task           string       `json:"task"`
	Status         state.Status `json:"status"`
	Revision       int64        `json:"revision"`
	IterationCount int          `json:"iteration_count"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Summarize returns the summary of c.
func (c Checkpoint) Summarize() Summary {
	return Summary{
		RunID:          c.RunID,
		Task:           c.State.Task,
		Status:         c.State.Status,
		Revision:       c.Revision,
		IterationCount: c.State.IterationCount,
		UpdatedAt:      c.Timestamp,
	}
}

// Store persists checkpoints.
type Store interface {
	// Save stores c if its revision is newer than the stored one.
	Save(ctx context.Context, c Checkpoint) error
	// Load returns the latest checkpoint of a run, or ErrCheckpointNotFound.
	Load(ctx context.Context, runID string) (Checkpoint, error)
	// List returns the latest checkpoint summary of every run.
	List(ctx context.Context) ([]Summary, error)
	// Delete removes every checkpoint of a run.
	Delete(ctx context.Context, runID string) error
}

func encode(c Checkpoint) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Checkpoint{}, err
	}
	return c, nil
}

func notFound(runID string) error {
	return fmt.Errorf("run %s: %w", runID, errors.ErrCheckpointNotFound)
}

func stale(runID string, rev, stored int64) error {
	return fmt.Errorf("run %s: revision %d does not advance stored revision %d: %w",
		runID, rev, stored, errors.ErrStaleCheckpoint)
}

// ValidRunID rejects IDs that could escape a store directory.
func ValidRunID(runID string) error {
	if runID == "" || runID == "." || runID == ".." {
		return errors.NewValidationError("invalid run id").WithField("run_id").WithValue(runID)
	}
	for _, r := range runID {
		if !(r == '-' || r == '_' || r == '.' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')) {
			return errors.NewValidationError("invalid run id").WithField("run_id").WithValue(runID)
		}
	}
	return nil
}
