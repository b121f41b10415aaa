package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the write, create and rename events of one save.
const watchDebounce = 50 * time.Millisecond

// Watch calls fn with the current checkpoint of runID and then with every
// newer revision saved by any process, until fn returns false, ctx is done,
// or the run is deleted. Revisions saved in quick succession may be
// coalesced into the latest one.
func (s *FileStore) Watch(ctx context.Context, runID string, fn func(Checkpoint) bool) error {
	if err := ValidRunID(runID); err != nil {
		return err
	}
	runDir := filepath.Join(s.dir, runID)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch before the first load so no save slips between the two.
	if err := watcher.Add(runDir); err != nil {
		if _, lerr := s.Load(ctx, runID); lerr != nil {
			return lerr
		}
		return fmt.Errorf("watch %s: %w", runDir, err)
	}

	cp, err := s.Load(ctx, runID)
	if err != nil {
		return err
	}
	last := cp.Revision
	if !fn(cp) {
		return nil
	}

	debounce := time.NewTimer(0)
	<-debounce.C
	defer debounce.Stop()

	target := s.Path(runID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name == runDir && ev.Op&fsnotify.Remove != 0 {
				return notFound(runID)
			}
			if ev.Name != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce.Reset(watchDebounce)

		case <-debounce.C:
			cp, err := s.Load(ctx, runID)
			if err != nil {
				return err
			}
			if cp.Revision <= last {
				continue
			}
			last = cp.Revision
			if !fn(cp) {
				return nil
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watching %s: %w", runID, err)
		}
	}
}
