package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WorktreeResult reports the outcome of acquiring a worktree.
type WorktreeResult struct {
	// Reused is true when an existing worktree at the path was kept.
	Reused bool
	// BaseCommit is the commit the worktree is detached at. For a reused
	// worktree this is its current HEAD, which may differ from the
	// requested base.
	BaseCommit string
	// TotalMs is the wall time the acquisition took.
	TotalMs int64
}

// CreateWorktree adds a new detached worktree at path, checked out at the
// given commit.
func (c *Client) CreateWorktree(ctx context.Context, path, commit string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("git: worktree parent dir: %w", err)
	}
	if _, err := c.run(ctx, c.RepoPath, "worktree", "add", "--detach", path, commit); err != nil {
		return fmt.Errorf("git: worktree add %s at %s: %w", path, shortSHA(commit), err)
	}
	return nil
}

// CreateOrReuseDetached acquires a detached worktree at path. If a
// registered worktree already exists there it is reused as-is (its HEAD is
// preserved so a retry keeps prior work); otherwise a fresh worktree is
// created at baseCommit. additionalSymlinkDirs names repository-relative
// directories (build caches, dependency trees) to link from the main
// checkout into a fresh worktree instead of letting jobs rebuild them.
func (c *Client) CreateOrReuseDetached(ctx context.Context, path, baseCommit string, additionalSymlinkDirs []string) (*WorktreeResult, error) {
	start := time.Now()

	if c.worktreeRegistered(ctx, path) {
		head, err := c.Head(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("git: reuse worktree %s: %w", path, err)
		}
		return &WorktreeResult{
			Reused:     true,
			BaseCommit: head,
			TotalMs:    time.Since(start).Milliseconds(),
		}, nil
	}

	// A stale directory without a registered worktree blocks worktree add.
	if _, err := os.Stat(path); err == nil {
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("git: clear stale worktree dir %s: %w", path, err)
		}
		// Drop any leftover registration for the removed directory.
		_, _ = c.run(ctx, c.RepoPath, "worktree", "prune")
	}

	if err := c.CreateWorktree(ctx, path, baseCommit); err != nil {
		return nil, err
	}
	c.linkSharedDirs(path, additionalSymlinkDirs)
	return &WorktreeResult{
		Reused:     false,
		BaseCommit: baseCommit,
		TotalMs:    time.Since(start).Milliseconds(),
	}, nil
}

// linkSharedDirs symlinks the named repository directories into a fresh
// worktree. Best-effort: a missing source or an unsupported filesystem
// skips the link rather than failing the acquisition.
func (c *Client) linkSharedDirs(worktreePath string, dirs []string) {
	for _, dir := range dirs {
		source := filepath.Join(c.RepoPath, dir)
		if _, err := os.Stat(source); err != nil {
			continue
		}
		target := filepath.Join(worktreePath, dir)
		if _, err := os.Lstat(target); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			continue
		}
		_ = os.Symlink(source, target)
	}
}

// RemoveWorktree removes the worktree at path. Safe removal only: a
// worktree with uncommitted changes is left in place and an error is
// returned.
func (c *Client) RemoveWorktree(ctx context.Context, path string) error {
	dirty, err := c.HasUncommittedChanges(ctx, path)
	if err == nil && dirty {
		return fmt.Errorf("git: worktree %s has uncommitted changes, not removing", path)
	}
	if _, err := c.run(ctx, c.RepoPath, "worktree", "remove", path); err != nil {
		return fmt.Errorf("git: worktree remove %s: %w", path, err)
	}
	return nil
}

// worktreeRegistered reports whether path is a registered worktree of the
// repository.
func (c *Client) worktreeRegistered(ctx context.Context, path string) bool {
	out, err := c.run(ctx, c.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "worktree "); ok {
			if filepath.Clean(rest) == filepath.Clean(abs) {
				return true
			}
		}
	}
	return false
}

// Merge merges commit into the worktree at dir with a merge commit.
func (c *Client) Merge(ctx context.Context, dir, commit, message string) error {
	if _, err := c.run(ctx, dir, "merge", "--no-ff", "-m", message, commit); err != nil {
		return fmt.Errorf("git: merge %s: %w", shortSHA(commit), err)
	}
	return nil
}

// MergeAbort aborts an in-progress merge in dir.
func (c *Client) MergeAbort(ctx context.Context, dir string) error {
	if _, err := c.run(ctx, dir, "merge", "--abort"); err != nil {
		return fmt.Errorf("git: merge --abort: %w", err)
	}
	return nil
}
