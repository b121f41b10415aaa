package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const lockFileName = "checkpoint.lock"

// withDirLock runs fn while holding an exclusive flock(2) on
// dir/checkpoint.lock, so several ragents processes can share one
// checkpoint directory.
func withDirLock(dir string, fn func() error) error {
	f, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("flock %s: %w", dir, err)
	}
	defer func() { _ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }()

	return fn()
}
