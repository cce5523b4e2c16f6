package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ignoreMarker identifies the block of .gitignore lines owned by the
// orchestrator. Lines inside the block can be discarded without user
// consultation; anything else in .gitignore belongs to the user.
const ignoreMarker = "# foreman-managed (do not edit)"

// managedPatterns are the ignore patterns the orchestrator maintains.
var managedPatterns = []string{
	".orchestrator/",
	".foreman/",
}

// EnsureOrchestratorGitIgnore appends the orchestrator-owned ignore block
// to dir's .gitignore if it is not already present.
func (c *Client) EnsureOrchestratorGitIgnore(ctx context.Context, dir string) error {
	path := filepath.Join(dir, ".gitignore")
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("git: read .gitignore: %w", err)
	}
	if strings.Contains(string(existing), ignoreMarker) {
		return nil
	}

	var b strings.Builder
	b.Write(existing)
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		b.WriteString("\n")
	}
	b.WriteString(ignoreMarker + "\n")
	for _, pattern := range managedPatterns {
		b.WriteString(pattern + "\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("git: write .gitignore: %w", err)
	}
	return nil
}

// IsDiffOnlyOrchestratorChanges reports whether a .gitignore diff consists
// solely of orchestrator-owned lines, added or removed: the marker line and
// the managed patterns. Such a diff is safe to discard instead of stashing.
func IsDiffOnlyOrchestratorChanges(diff string) bool {
	sawChange := false
	for _, line := range strings.Split(diff, "\n") {
		if !strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "-") {
			continue
		}
		if strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---") {
			continue
		}
		content := strings.TrimSpace(line[1:])
		if content == "" {
			continue
		}
		if !isManagedIgnoreLine(content) {
			return false
		}
		sawChange = true
	}
	return sawChange
}

func isManagedIgnoreLine(content string) bool {
	if content == ignoreMarker {
		return true
	}
	for _, pattern := range managedPatterns {
		if content == pattern {
			return true
		}
	}
	return false
}
