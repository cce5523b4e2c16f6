package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harrison/foreman/internal/git"
	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/store"
)

// indexLockRetries bounds retries when the host repository's index.lock
// is contended; the backoff is linear.
const indexLockRetries = 3

// riLock returns the mutex serializing reverse-integration merges for a
// plan. Concurrent merges racing on the target tip could each commit
// against a stale tip and silently drop the other's update; serialized
// merges always observe the latest tip.
func (e *Engine) riLock(planID string) *sync.Mutex {
	mu, _ := e.riLocks.LoadOrStore(planID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// mergeToTarget merges a leaf's completed commit into the plan's target
// branch using a no-checkout merge, then moves the branch ref. The whole
// operation holds the plan's RI lock.
func (e *Engine) mergeToTarget(ctx context.Context, plan *models.PlanInstance, completedCommit string, log *store.ExecutionLog) error {
	mu := e.riLock(plan.ID)
	mu.Lock()
	defer mu.Unlock()

	target := plan.TargetBranch
	targetTip, err := e.Git.ResolveRef(ctx, target)
	if err != nil {
		return fmt.Errorf("resolve target branch %s: %w", target, err)
	}

	mergeResult, err := e.Git.MergeWithoutCheckout(ctx, targetTip, completedCommit)
	if err != nil {
		return err
	}

	var mergeCommit string
	if mergeResult.Success() {
		message := fmt.Sprintf("Merge %.8s into %s", completedCommit, target)
		mergeCommit, err = e.Git.CommitTree(ctx, mergeResult.TreeSHA, []string{targetTip, completedCommit}, message)
		if err != nil {
			return err
		}
	} else {
		mergeCommit, err = e.resolveConflicts(ctx, targetTip, completedCommit, mergeResult.Conflicts, log)
		if err != nil {
			return err
		}
	}

	updated, err := e.updateTargetBranch(ctx, plan, target, mergeCommit, log)
	if err != nil {
		return err
	}
	if !updated && log != nil {
		log.Append(models.PhaseMergeRI, "warn",
			fmt.Sprintf("merge commit %.8s exists but %s was not updated; reset manually", mergeCommit, target))
	}

	if e.Config != nil && e.Config.PushOnSuccess && updated {
		// Push failures never fail the merge.
		if err := e.Git.Push(ctx, target); err != nil && log != nil {
			log.Append(models.PhaseMergeRI, "warn", "push failed: "+err.Error())
		}
	}
	return nil
}

// resolveConflicts hands a conflicted merge to the configured resolver,
// or fails with the conflicting files when none is configured.
func (e *Engine) resolveConflicts(ctx context.Context, ours, theirs string, files []string, log *store.ExecutionLog) (string, error) {
	if e.Resolver == nil {
		return "", fmt.Errorf("merge conflicts in %s", strings.Join(files, ", "))
	}
	if log != nil {
		log.Append(models.PhaseMergeRI, "info",
			"resolving merge conflicts in "+strings.Join(files, ", "))
	}
	mergeCommit, err := e.Resolver.Resolve(ctx, ours, theirs, files)
	if err != nil {
		return "", fmt.Errorf("conflict resolution failed: %w", err)
	}
	return mergeCommit, nil
}

// updateTargetBranch moves the branch ref to the merge commit. When the
// user has the target branch checked out in the main repository, the
// working tree is reset instead, stashing dirty state first. Returns
// whether the branch was actually moved.
func (e *Engine) updateTargetBranch(ctx context.Context, plan *models.PlanInstance, target, mergeCommit string, log *store.ExecutionLog) (bool, error) {
	current, err := e.Git.CurrentBranch(ctx)
	if err != nil {
		return false, err
	}

	if current != target {
		err := e.retryOnIndexLock(func() error {
			return e.Git.UpdateRef(ctx, target, mergeCommit)
		})
		return err == nil, err
	}

	// The user is sitting on the target branch: reset it, preserving any
	// dirty state around the reset.
	repo := plan.RepoPath
	dirty, err := e.Git.HasUncommittedChanges(ctx, repo)
	if err != nil {
		return false, err
	}

	stashed := false
	if dirty {
		if e.onlyOrchestratorGitignoreDirty(ctx, repo) {
			// Our own .gitignore block is not worth a stash; discard it.
			if err := e.Git.CheckoutFile(ctx, repo, ".gitignore"); err != nil {
				return false, err
			}
		} else {
			ok, stashErr := e.Git.StashPush(ctx, repo, "foreman: before reverse integration")
			if stashErr != nil {
				// The merge commit exists even though the working tree
				// could not be saved; report unmoved, not failed.
				if log != nil {
					log.Append(models.PhaseMergeRI, "warn", "stash failed: "+stashErr.Error())
				}
				return false, nil
			}
			stashed = ok
		}
	}

	if err := e.retryOnIndexLock(func() error {
		return e.Git.ResetHard(ctx, repo, mergeCommit)
	}); err != nil {
		return false, err
	}

	if stashed {
		if err := e.Git.StashPop(ctx, repo); err != nil {
			if e.stashIsOnlyOrchestratorGitignore(ctx, repo) {
				if dropErr := e.Git.StashDrop(ctx, repo); dropErr == nil {
					return true, nil
				}
			}
			if log != nil {
				log.Append(models.PhaseMergeRI, "warn",
					"stash pop conflicted; stash left for manual resolution: "+err.Error())
			}
		}
	}
	return true, nil
}

// onlyOrchestratorGitignoreDirty reports whether the repository's only
// dirty file is .gitignore and its diff contains nothing but the
// orchestrator-owned block.
func (e *Engine) onlyOrchestratorGitignoreDirty(ctx context.Context, repo string) bool {
	files, err := e.Git.DirtyFiles(ctx, repo)
	if err != nil || len(files) != 1 || files[0] != ".gitignore" {
		return false
	}
	diff, err := e.Git.FileDiff(ctx, repo, ".gitignore")
	if err != nil {
		return false
	}
	return git.IsDiffOnlyOrchestratorChanges(diff)
}

// stashIsOnlyOrchestratorGitignore reports whether the most recent stash
// holds nothing but orchestrator-owned .gitignore changes, making it safe
// to drop after a pop conflict.
func (e *Engine) stashIsOnlyOrchestratorGitignore(ctx context.Context, repo string) bool {
	patch, err := e.Git.StashShowPatch(ctx, repo)
	if err != nil {
		return false
	}
	if !strings.Contains(patch, ".gitignore") {
		return false
	}
	return git.IsDiffOnlyOrchestratorChanges(patch)
}

// retryOnIndexLock retries fn on index.lock contention with a linear
// backoff; any other error propagates immediately.
func (e *Engine) retryOnIndexLock(fn func() error) error {
	var err error
	for attempt := 1; attempt <= indexLockRetries; attempt++ {
		err = fn()
		if err == nil || !strings.Contains(err.Error(), "index.lock") {
			return err
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	return err
}
