package engine

import (
	"context"

	"github.com/harrison/foreman/internal/models"
)

// cleanupEligibleWorktrees removes the worktree of every succeeded node
// whose consumers have all consumed its work. Cleanup is best-effort:
// failures are logged and never propagate.
func (e *Engine) cleanupEligibleWorktrees(ctx context.Context, plan *models.PlanInstance) {
	for id, state := range plan.NodeStates {
		if state.Status != models.StatusSucceeded || state.WorktreeCleanedUp || state.WorktreePath == "" {
			continue
		}
		// The snapshot worktree's lifecycle belongs to the
		// snapshot-validation node, never to this sweep.
		if plan.Snapshot != nil && state.WorktreePath == plan.Snapshot.WorktreePath {
			continue
		}
		if !allConsumersConsumed(plan, id, state) {
			continue
		}
		e.cleanupWorktree(ctx, plan, id, state)
	}
}

// allConsumersConsumed reports whether everything downstream of a node
// has taken what it needs: a leaf's consumer is the target branch (or
// nobody), a non-leaf's consumers are its dependents.
func allConsumersConsumed(plan *models.PlanInstance, nodeID string, state *models.NodeExecutionState) bool {
	if plan.IsLeaf(nodeID) {
		if plan.TargetBranch == "" {
			return true
		}
		return state.MergedToTarget
	}
	node := plan.Node(nodeID)
	for _, dependent := range node.Dependents {
		if !state.HasConsumed(dependent) {
			return false
		}
	}
	return true
}

func (e *Engine) cleanupWorktree(ctx context.Context, plan *models.PlanInstance, nodeID string, state *models.NodeExecutionState) {
	if state.WorktreePath == "" || state.WorktreeCleanedUp {
		return
	}
	if err := e.Git.RemoveWorktree(ctx, state.WorktreePath); err != nil {
		e.Log.Debugf("cleanup worktree %s: %v", state.WorktreePath, err)
		return
	}
	state.WorktreeCleanedUp = true
	e.persist(plan)
}
