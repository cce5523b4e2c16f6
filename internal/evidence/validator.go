// Package evidence validates the per-job evidence files jobs write into
// their worktrees under .orchestrator/evidence/. An evidence file is a
// small JSON record a job leaves behind to describe what it did; the
// validator enforces the required shape before the record is trusted.
package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// CurrentVersion is the only evidence format version accepted.
const CurrentVersion = 1

// Evidence is a parsed evidence record.
type Evidence struct {
	Version   int    `json:"version"`
	NodeID    string `json:"nodeId"`
	Timestamp string `json:"timestamp"`
	Summary   string `json:"summary"`
	Type      string `json:"type,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
}

// Result reports the outcome of validating one evidence file.
type Result struct {
	Valid    bool
	Problems []string
	Evidence *Evidence
}

// ValidateFile reads and validates the evidence file at path.
func ValidateFile(path string) Result {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{Problems: []string{fmt.Sprintf("read %s: %v", path, err)}}
	}
	return Validate(data)
}

// Validate checks raw evidence bytes against the required format: a JSON
// object with version 1, a node id, an ISO8601 timestamp, and a non-empty
// summary. Any deviation yields Valid=false with the problems listed.
func Validate(data []byte) Result {
	var ev Evidence
	if err := json.Unmarshal(data, &ev); err != nil {
		return Result{Problems: []string{fmt.Sprintf("not a JSON object: %v", err)}}
	}

	var problems []string
	if ev.Version != CurrentVersion {
		problems = append(problems, fmt.Sprintf("version must be %d, got %d", CurrentVersion, ev.Version))
	}
	if ev.NodeID == "" {
		problems = append(problems, "nodeId is required")
	}
	if ev.Timestamp == "" {
		problems = append(problems, "timestamp is required")
	} else if _, err := time.Parse(time.RFC3339, ev.Timestamp); err != nil {
		problems = append(problems, fmt.Sprintf("timestamp is not ISO8601: %v", err))
	}
	if strings.TrimSpace(ev.Summary) == "" {
		problems = append(problems, "summary must be non-empty")
	}

	if len(problems) > 0 {
		return Result{Problems: problems, Evidence: &ev}
	}
	return Result{Valid: true, Evidence: &ev}
}
