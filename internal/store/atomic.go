package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// atomicWrite writes data to path via a temp file in the same directory
// followed by a rename, so readers never observe a partial write. The
// parent directory is created if needed.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	// Rename is atomic within one filesystem, which the same-directory
	// temp file guarantees.
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}
	tmp = nil
	return nil
}

// withPlanLock runs fn while holding an exclusive flock on the plan's
// lock file, serializing persistence writers across goroutines and
// processes.
func withPlanLock(planDir string, fn func() error) error {
	if err := os.MkdirAll(planDir, 0o755); err != nil {
		return fmt.Errorf("create plan directory: %w", err)
	}
	lock := flock.New(filepath.Join(planDir, ".lock"))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire plan lock: %w", err)
	}
	defer lock.Unlock()
	return fn()
}
