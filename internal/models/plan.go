package models

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/foreman/internal/dag"
)

// JobSpec describes one job in a plan, keyed by a stable user-chosen
// producer id. Dependencies reference other jobs by producer id.
type JobSpec struct {
	ProducerID       string    `yaml:"producer_id" json:"producerId"`
	Name             string    `yaml:"name,omitempty" json:"name,omitempty"`
	Task             string    `yaml:"task" json:"task"`
	Work             *WorkSpec `yaml:"work,omitempty" json:"work,omitempty"`
	Prechecks        *WorkSpec `yaml:"prechecks,omitempty" json:"prechecks,omitempty"`
	Postchecks       *WorkSpec `yaml:"postchecks,omitempty" json:"postchecks,omitempty"`
	Dependencies     []string  `yaml:"depends_on,omitempty" json:"dependencies,omitempty"`
	ExpectsNoChanges bool      `yaml:"expects_no_changes,omitempty" json:"expectsNoChanges,omitempty"`
	AutoHeal         *bool     `yaml:"auto_heal,omitempty" json:"autoHeal,omitempty"`
	Group            string    `yaml:"group,omitempty" json:"group,omitempty"`
}

// PlanSpec is the immutable input describing a plan: an ordered list of
// jobs plus the repository and branch configuration.
type PlanSpec struct {
	Name                  string    `yaml:"name,omitempty" json:"name,omitempty"`
	Jobs                  []JobSpec `yaml:"jobs" json:"jobs"`
	RepoPath              string    `yaml:"repo_path,omitempty" json:"repoPath,omitempty"`
	BaseBranch            string    `yaml:"base_branch" json:"baseBranch"`
	TargetBranch          string    `yaml:"target_branch,omitempty" json:"targetBranch,omitempty"`
	MaxParallel           int       `yaml:"max_parallel,omitempty" json:"maxParallel,omitempty"`
	CleanUpSuccessfulWork bool      `yaml:"clean_up_successful_work,omitempty" json:"cleanUpSuccessfulWork,omitempty"`

	// SnapshotValidation, when present, injects a final validation job
	// that depends on every user leaf and runs this spec in a dedicated
	// snapshot worktree. With a target branch configured, reverse
	// integration then happens through that job alone.
	SnapshotValidation *WorkSpec `yaml:"snapshot_validation,omitempty" json:"snapshotValidation,omitempty"`
}

// SnapshotProducerID is the reserved producer id of the auto-injected
// snapshot-validation job.
const SnapshotProducerID = "snapshot-validation"

// Validate checks the spec for structural problems: missing fields,
// duplicate or unknown producer ids, dependency cycles, and malformed
// work specs. A spec that passes never reaches the engine in an
// unexecutable shape.
func (p *PlanSpec) Validate() error {
	if len(p.Jobs) == 0 {
		return errors.New("plan has no jobs")
	}
	if p.BaseBranch == "" {
		return errors.New("plan requires a base branch")
	}

	if err := p.SnapshotValidation.Validate(); err != nil {
		return fmt.Errorf("snapshot validation: %w", err)
	}

	graph := make(dag.Graph, len(p.Jobs))
	for i := range p.Jobs {
		job := &p.Jobs[i]
		if job.ProducerID == "" {
			return fmt.Errorf("job %d has no producer id", i)
		}
		if job.ProducerID == SnapshotProducerID {
			return fmt.Errorf("producer id %q is reserved", SnapshotProducerID)
		}
		if _, dup := graph[job.ProducerID]; dup {
			return fmt.Errorf("duplicate producer id %q", job.ProducerID)
		}
		if job.Task == "" {
			return fmt.Errorf("job %s has no task description", job.ProducerID)
		}
		for _, spec := range []*WorkSpec{job.Work, job.Prechecks, job.Postchecks} {
			if err := spec.Validate(); err != nil {
				return fmt.Errorf("job %s: %w", job.ProducerID, err)
			}
		}
		graph[job.ProducerID] = job.Dependencies
	}

	if err := dag.Validate(graph); err != nil {
		return err
	}
	if dag.HasCycle(graph) {
		return errors.New("plan contains a dependency cycle")
	}
	return nil
}

// SnapshotInfo carries the state of a plan's snapshot-validation worktree,
// when a snapshot chain is configured.
type SnapshotInfo struct {
	NodeID       string `json:"nodeId,omitempty"`
	WorktreePath string `json:"worktreePath,omitempty"`
	BaseCommit   string `json:"baseCommit,omitempty"`
	Branch       string `json:"branch,omitempty"`
}

// PlanInstance is the mutable, persisted runtime form of a plan. Nodes and
// their execution states are held in maps keyed by node id; the instance
// is only mutated through the lifecycle manager and the execution engine.
type PlanInstance struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	RepoPath              string `json:"repoPath"`
	BaseBranch            string `json:"baseBranch"`
	TargetBranch          string `json:"targetBranch,omitempty"`
	MaxParallel           int    `json:"maxParallel,omitempty"`
	CleanUpSuccessfulWork bool   `json:"cleanUpSuccessfulWork,omitempty"`

	// BaseCommitAtStart is captured exactly once, on the first fresh
	// worktree created for the plan.
	BaseCommitAtStart string        `json:"baseCommitAtStart,omitempty"`
	Snapshot          *SnapshotInfo `json:"snapshot,omitempty"`

	Roots  []string `json:"roots"`
	Leaves []string `json:"leaves"`

	Nodes      map[string]*PlanNode           `json:"nodes"`
	NodeStates map[string]*NodeExecutionState `json:"nodeStates"`

	WorkSummary  JobWorkSummary `json:"workSummary"`
	IsPaused     bool           `json:"isPaused,omitempty"`
	ResumeAfter  string         `json:"resumeAfterPlan,omitempty"`
	WorktreeRoot string         `json:"worktreeRoot"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// NewPlanInstance instantiates a validated spec: assigns node ids, maps
// producer-id dependencies to node ids, computes dependents, roots, and
// leaves. Roots and leaves are ordered by producer id.
func NewPlanInstance(spec *PlanSpec, worktreeRoot string) (*PlanInstance, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	plan := &PlanInstance{
		ID:                    uuid.NewString(),
		Name:                  spec.Name,
		RepoPath:              spec.RepoPath,
		BaseBranch:            spec.BaseBranch,
		TargetBranch:          spec.TargetBranch,
		MaxParallel:           spec.MaxParallel,
		CleanUpSuccessfulWork: spec.CleanUpSuccessfulWork,
		Nodes:                 make(map[string]*PlanNode, len(spec.Jobs)),
		NodeStates:            make(map[string]*NodeExecutionState, len(spec.Jobs)),
		WorktreeRoot:          worktreeRoot,
		CreatedAt:             time.Now().UTC(),
	}
	if plan.Name == "" {
		plan.Name = "plan-" + plan.ID[:8]
	}

	idByProducer := make(map[string]string, len(spec.Jobs))
	for _, job := range spec.Jobs {
		idByProducer[job.ProducerID] = uuid.NewString()
	}

	graph := make(dag.Graph, len(spec.Jobs))
	for _, job := range spec.Jobs {
		id := idByProducer[job.ProducerID]
		deps := make([]string, 0, len(job.Dependencies))
		for _, dep := range job.Dependencies {
			deps = append(deps, idByProducer[dep])
		}
		name := job.Name
		if name == "" {
			name = job.ProducerID
		}
		autoHeal := true
		if job.AutoHeal != nil {
			autoHeal = *job.AutoHeal
		}
		plan.Nodes[id] = &PlanNode{
			ID:               id,
			ProducerID:       job.ProducerID,
			Name:             name,
			Task:             job.Task,
			Dependencies:     deps,
			Work:             job.Work,
			Prechecks:        job.Prechecks,
			Postchecks:       job.Postchecks,
			ExpectsNoChanges: job.ExpectsNoChanges,
			AutoHeal:         autoHeal,
			Group:            job.Group,
		}
		plan.NodeStates[id] = NewNodeExecutionState()
		graph[id] = deps
	}

	// Inject the snapshot-validation leaf: it depends on every user
	// leaf, runs in a dedicated snapshot worktree, and becomes the sole
	// leaf the reverse-integration path sees.
	if spec.SnapshotValidation != nil {
		snapID := uuid.NewString()
		userLeaves := dag.Leaves(graph, plan.ProducerLess)
		worktree := filepath.Join(worktreeRoot, "snapshot")
		plan.Nodes[snapID] = &PlanNode{
			ID:                   snapID,
			ProducerID:           SnapshotProducerID,
			Name:                 "snapshot validation",
			Task:                 "Validate the combined result of every job before it reaches the target branch",
			Dependencies:         userLeaves,
			Work:                 spec.SnapshotValidation,
			AutoHeal:             true,
			AssignedWorktreePath: worktree,
		}
		plan.NodeStates[snapID] = NewNodeExecutionState()
		graph[snapID] = userLeaves
		plan.Snapshot = &SnapshotInfo{
			NodeID:       snapID,
			WorktreePath: worktree,
			Branch:       spec.TargetBranch,
		}
	}

	rev := dag.Reverse(graph)
	for id, node := range plan.Nodes {
		node.Dependents = rev[id]
	}

	less := plan.ProducerLess
	plan.Roots = dag.Roots(graph, less)
	plan.Leaves = dag.Leaves(graph, less)
	return plan, nil
}

// Graph returns the dependency graph over node ids.
func (p *PlanInstance) Graph() dag.Graph {
	g := make(dag.Graph, len(p.Nodes))
	for id, node := range p.Nodes {
		g[id] = node.Dependencies
	}
	return g
}

// ProducerLess orders node ids by their producer id, ascending. Used as
// the deterministic tie-break everywhere an ordering over nodes is needed.
func (p *PlanInstance) ProducerLess(a, b string) bool {
	na, nb := p.Nodes[a], p.Nodes[b]
	if na == nil || nb == nil {
		return a < b
	}
	if na.ProducerID != nb.ProducerID {
		return na.ProducerID < nb.ProducerID
	}
	return a < b
}

// IsLeaf reports whether the node id is one of the plan's leaves.
func (p *PlanInstance) IsLeaf(nodeID string) bool {
	for _, id := range p.Leaves {
		if id == nodeID {
			return true
		}
	}
	return false
}

// State returns the execution state for a node id, or nil if unknown.
func (p *PlanInstance) State(nodeID string) *NodeExecutionState {
	return p.NodeStates[nodeID]
}

// Node returns the node for an id, or nil if unknown.
func (p *PlanInstance) Node(nodeID string) *PlanNode {
	return p.Nodes[nodeID]
}
