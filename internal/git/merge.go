package git

import (
	"context"
	"fmt"
	"strings"
)

// MergeTreeResult is the outcome of a no-checkout merge. Either TreeSHA is
// set (clean merge) or Conflicts lists the conflicting paths.
type MergeTreeResult struct {
	TreeSHA   string
	Conflicts []string
}

// Success reports whether the merge produced a tree without conflicts.
func (r *MergeTreeResult) Success() bool {
	return len(r.Conflicts) == 0 && r.TreeSHA != ""
}

// MergeWithoutCheckout merges two commits using `git merge-tree
// --write-tree`, producing a tree object without touching any working
// tree. On conflict the result carries the conflicting file list instead.
func (c *Client) MergeWithoutCheckout(ctx context.Context, ours, theirs string) (*MergeTreeResult, error) {
	exitCode, stdout, stderr, err := c.runSilent(ctx, c.RepoPath,
		"merge-tree", "--write-tree", "--name-only", "--no-messages", ours, theirs)
	if err != nil {
		return nil, fmt.Errorf("git: merge-tree %s %s: %w", shortSHA(ours), shortSHA(theirs), err)
	}

	lines := splitLines(stdout)
	switch exitCode {
	case 0:
		if len(lines) == 0 {
			return nil, fmt.Errorf("git: merge-tree produced no output: %s", strings.TrimSpace(stderr))
		}
		return &MergeTreeResult{TreeSHA: lines[0]}, nil
	case 1:
		// First line is the partial tree, remaining lines name the
		// conflicted files.
		result := &MergeTreeResult{}
		if len(lines) > 1 {
			result.Conflicts = lines[1:]
		} else {
			result.Conflicts = []string{"(unknown)"}
		}
		return result, nil
	default:
		return nil, fmt.Errorf("git: merge-tree %s %s failed (exit %d): %s",
			shortSHA(ours), shortSHA(theirs), exitCode, strings.TrimSpace(stderr))
	}
}

// CommitTree creates a commit object for the given tree with the given
// parents and returns its sha.
func (c *Client) CommitTree(ctx context.Context, treeSHA string, parents []string, message string) (string, error) {
	args := []string{"commit-tree", treeSHA, "-m", message}
	for _, parent := range parents {
		args = append(args, "-p", parent)
	}
	out, err := c.run(ctx, c.RepoPath, args...)
	if err != nil {
		return "", fmt.Errorf("git: commit-tree %s: %w", treeSHA, err)
	}
	return strings.TrimSpace(out), nil
}

// ListConflicts lists unmerged paths in dir during an in-progress merge.
func (c *Client) ListConflicts(ctx context.Context, dir string) ([]string, error) {
	out, err := c.run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("git: list conflicts: %w", err)
	}
	return splitLines(out), nil
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
