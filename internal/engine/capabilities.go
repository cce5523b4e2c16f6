package engine

import (
	"context"

	"github.com/harrison/foreman/internal/agent"
	"github.com/harrison/foreman/internal/git"
	"github.com/harrison/foreman/internal/proc"
)

// GitCapability is the slice of git behavior the engine consumes. It is
// implemented by *git.Client; tests substitute fakes.
type GitCapability interface {
	ResolveRef(ctx context.Context, ref string) (string, error)
	Head(ctx context.Context, dir string) (string, error)
	CurrentBranch(ctx context.Context) (string, error)
	UpdateRef(ctx context.Context, branch, commit string) error
	Push(ctx context.Context, branch string) error

	StageAll(ctx context.Context, dir string) error
	Commit(ctx context.Context, dir, message string) (string, error)
	HasUncommittedChanges(ctx context.Context, dir string) (bool, error)
	DirtyFiles(ctx context.Context, dir string) ([]string, error)
	FileDiff(ctx context.Context, dir, path string) (string, error)
	ResetHard(ctx context.Context, dir, commit string) error
	CheckoutFile(ctx context.Context, dir, path string) error

	StashPush(ctx context.Context, dir, message string) (bool, error)
	StashPop(ctx context.Context, dir string) error
	StashDrop(ctx context.Context, dir string) error
	StashShowPatch(ctx context.Context, dir string) (string, error)

	CreateOrReuseDetached(ctx context.Context, path, baseCommit string, additionalSymlinkDirs []string) (*git.WorktreeResult, error)
	RemoveWorktree(ctx context.Context, path string) error
	Merge(ctx context.Context, dir, commit, message string) error
	MergeWithoutCheckout(ctx context.Context, ours, theirs string) (*git.MergeTreeResult, error)
	CommitTree(ctx context.Context, treeSHA string, parents []string, message string) (string, error)
	CommitsBetween(ctx context.Context, base, to string) ([]git.CommitDetail, error)

	EnsureOrchestratorGitIgnore(ctx context.Context, dir string) error
}

// ProcessRunner runs supervised subprocesses. Implemented by
// *proc.Supervisor.
type ProcessRunner interface {
	Run(ctx context.Context, req proc.Request) (*proc.Result, error)
}

// AgentInvoker runs the external agent. Implemented by *agent.Runner.
type AgentInvoker interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// ConflictResolver optionally resolves reverse-integration merge
// conflicts with an AI subprocess. Nil disables resolution.
type ConflictResolver interface {
	// Resolve attempts to resolve the conflicting files of a merge of
	// theirs into ours and returns the sha of the resolved merge commit.
	Resolve(ctx context.Context, ours, theirs string, files []string) (string, error)
}
