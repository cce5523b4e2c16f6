// Package store persists plan state to disk. Each plan owns a directory
// under the storage root holding plan.json (the serialized PlanInstance),
// per-node spec files, and per-attempt spec snapshots; execution logs live
// under logs/<planId>/ at the storage root.
// Writes are atomic (temp file + rename) and serialized per plan with a
// file lock, so concurrent job tasks never interleave partial saves.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/harrison/foreman/internal/models"
)

// Store reads and writes plan state under a root directory.
type Store struct {
	Root string
}

// New creates a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create root %s: %w", dir, err)
	}
	return &Store{Root: dir}, nil
}

// PlanDir returns the directory owned by a plan.
func (s *Store) PlanDir(planID string) string {
	return filepath.Join(s.Root, planID)
}

// SpecsDir returns the finalized-specs directory for a node.
func (s *Store) SpecsDir(planID, nodeID string) string {
	return filepath.Join(s.PlanDir(planID), "specs", nodeID)
}

// AttemptDir returns the per-attempt snapshot directory for a node.
func (s *Store) AttemptDir(planID, nodeID string, attempt int) string {
	return filepath.Join(s.SpecsDir(planID, nodeID), "attempts", strconv.Itoa(attempt))
}

// LogPath returns the raw execution log path for one attempt.
func (s *Store) LogPath(planID, nodeID string, attempt int) string {
	return filepath.Join(s.Root, "logs", planID, nodeID, strconv.Itoa(attempt)+".log")
}

// SavePlan serializes the plan to plan.json atomically, holding the
// plan's writer lock.
func (s *Store) SavePlan(plan *models.PlanInstance) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal plan %s: %w", plan.ID, err)
	}
	planDir := s.PlanDir(plan.ID)
	return withPlanLock(planDir, func() error {
		if err := atomicWrite(filepath.Join(planDir, "plan.json"), data); err != nil {
			return fmt.Errorf("store: save plan %s: %w", plan.ID, err)
		}
		return nil
	})
}

// LoadPlan reads one plan's plan.json.
func (s *Store) LoadPlan(planID string) (*models.PlanInstance, error) {
	data, err := os.ReadFile(filepath.Join(s.PlanDir(planID), "plan.json"))
	if err != nil {
		return nil, fmt.Errorf("store: load plan %s: %w", planID, err)
	}
	var plan models.PlanInstance
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("store: parse plan %s: %w", planID, err)
	}
	return &plan, nil
}

// LoadAll reads every stored plan. Unreadable plan directories are
// skipped and reported in the returned problem list rather than failing
// the whole load; startup should see as much state as survives.
func (s *Store) LoadAll() ([]*models.PlanInstance, []error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("store: read root: %w", err)}
	}

	var plans []*models.PlanInstance
	var problems []error
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "logs" {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.Root, entry.Name(), "plan.json")); err != nil {
			continue
		}
		plan, err := s.LoadPlan(entry.Name())
		if err != nil {
			problems = append(problems, err)
			continue
		}
		plans = append(plans, plan)
	}
	return plans, problems
}

// DeletePlan removes a plan's directory and its logs.
func (s *Store) DeletePlan(planID string) error {
	if err := os.RemoveAll(s.PlanDir(planID)); err != nil {
		return fmt.Errorf("store: delete plan %s: %w", planID, err)
	}
	if err := os.RemoveAll(filepath.Join(s.Root, "logs", planID)); err != nil {
		return fmt.Errorf("store: delete plan logs %s: %w", planID, err)
	}
	return nil
}

// SaveNodeSpecs writes the finalized specs for a node.
func (s *Store) SaveNodeSpecs(planID string, node *models.PlanNode) error {
	return s.writeSpecs(s.SpecsDir(planID, node.ID), node.Work, node.Prechecks, node.Postchecks)
}

// SnapshotAttemptSpecs writes the per-attempt copy of a node's specs, so
// the exact inputs of each attempt survive later retries with new specs.
func (s *Store) SnapshotAttemptSpecs(planID string, node *models.PlanNode, attempt int) error {
	return s.writeSpecs(s.AttemptDir(planID, node.ID, attempt), node.Work, node.Prechecks, node.Postchecks)
}

// SaveAttemptMetrics writes an attempt's usage metrics next to its spec
// snapshot and returns the file path, which attempt records carry as
// their work reference once flattened.
func (s *Store) SaveAttemptMetrics(planID, nodeID string, attempt int, metrics *models.AgentMetrics) (string, error) {
	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return "", fmt.Errorf("store: marshal metrics: %w", err)
	}
	path := filepath.Join(s.AttemptDir(planID, nodeID, attempt), "metrics.json")
	if err := atomicWrite(path, data); err != nil {
		return "", fmt.Errorf("store: write metrics: %w", err)
	}
	return path, nil
}

func (s *Store) writeSpecs(dir string, work, prechecks, postchecks *models.WorkSpec) error {
	files := map[string]*models.WorkSpec{
		"work.json":       work,
		"prechecks.json":  prechecks,
		"postchecks.json": postchecks,
	}
	for name, spec := range files {
		if spec == nil {
			continue
		}
		data, err := json.MarshalIndent(spec, "", "  ")
		if err != nil {
			return fmt.Errorf("store: marshal spec %s: %w", name, err)
		}
		if err := atomicWrite(filepath.Join(dir, name), data); err != nil {
			return fmt.Errorf("store: write spec %s: %w", name, err)
		}
	}
	return nil
}
