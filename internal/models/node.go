package models

import "time"

// PlanNode is one job inside a plan instance. Nodes reference each other
// by id only; dependents are computed from dependencies when the plan is
// instantiated, never stored as back-pointers into other nodes.
type PlanNode struct {
	ID                   string    `json:"id"`
	ProducerID           string    `json:"producerId"`
	Name                 string    `json:"name"`
	Task                 string    `json:"task"`
	Dependencies         []string  `json:"dependencies"` // node ids
	Dependents           []string  `json:"dependents"`   // node ids
	Work                 *WorkSpec `json:"work,omitempty"`
	Prechecks            *WorkSpec `json:"prechecks,omitempty"`
	Postchecks           *WorkSpec `json:"postchecks,omitempty"`
	ExpectsNoChanges     bool      `json:"expectsNoChanges,omitempty"`
	AutoHeal             bool      `json:"autoHeal"`
	AssignedWorktreePath string    `json:"assignedWorktreePath,omitempty"`
	Group                string    `json:"group,omitempty"`
}

// PerformsWork reports whether the node's work spec would actually run
// something. Nodes that perform no work do not count against parallelism.
func (n *PlanNode) PerformsWork() bool {
	return !n.Work.IsNoOp()
}

// AttemptRecord is the durable record of one attempt at executing a node.
// While an attempt is running, Logs and WorkUsed hold inline data; once it
// completes they are flattened to the LogsRef/WorkRef file references and
// cleared, so long-running plans do not accumulate attempt output in memory.
type AttemptRecord struct {
	AttemptNumber int           `json:"attemptNumber"`
	Trigger       TriggerType   `json:"triggerType"`
	Status        AttemptStatus `json:"status"`
	StartedAt     time.Time     `json:"startedAt"`
	EndedAt       *time.Time    `json:"endedAt,omitempty"`

	FailedPhase ExecutionPhase `json:"failedPhase,omitempty"`
	Error       string         `json:"error,omitempty"`
	ExitCode    *int           `json:"exitCode,omitempty"`

	StepStatuses map[ExecutionPhase]StepStatus    `json:"stepStatuses,omitempty"`
	PhaseTiming  map[ExecutionPhase]time.Duration `json:"phaseTiming,omitempty"`

	// Inline while running; flattened to refs on completion.
	Logs     string        `json:"logs,omitempty"`
	LogsRef  string        `json:"logsRef,omitempty"`
	WorkUsed *AgentMetrics `json:"workUsed,omitempty"`
	WorkRef  string        `json:"workRef,omitempty"`

	LogFilePath     string                           `json:"logFilePath,omitempty"`
	BaseCommit      string                           `json:"baseCommit,omitempty"`
	CompletedCommit string                           `json:"completedCommit,omitempty"`
	Metrics         *AgentMetrics                    `json:"metrics,omitempty"`
	PhaseMetrics    map[ExecutionPhase]*AgentMetrics `json:"phaseMetrics,omitempty"`
	StateHistory    []string                         `json:"stateHistory,omitempty"`
}

// NodeExecutionState is the mutable execution state of a node, persisted
// alongside the plan. It is owned by the engine task executing the node;
// the only cross-node mutation is the append-only ConsumedByDependents.
type NodeExecutionState struct {
	Status   NodeStatus `json:"status"`
	Attempts int        `json:"attempts"`
	// Version increments on every state-machine transition; concurrent
	// transition attempts on the same node fail the loser.
	Version int64 `json:"version"`

	WorktreePath    string     `json:"worktreePath,omitempty"`
	BaseCommit      string     `json:"baseCommit,omitempty"`
	CompletedCommit string     `json:"completedCommit,omitempty"`
	Error           string     `json:"error,omitempty"`
	LastAttempt     *time.Time `json:"lastAttempt,omitempty"`

	StepStatuses   map[ExecutionPhase]StepStatus `json:"stepStatuses,omitempty"`
	AttemptHistory []AttemptRecord               `json:"attemptHistory,omitempty"`

	WorkSummary           *JobWorkSummary                  `json:"workSummary,omitempty"`
	AggregatedWorkSummary *JobWorkSummary                  `json:"aggregatedWorkSummary,omitempty"`
	Metrics               *AgentMetrics                    `json:"metrics,omitempty"`
	PhaseMetrics          map[ExecutionPhase]*AgentMetrics `json:"phaseMetrics,omitempty"`

	AgentSessionID  string         `json:"agentSessionId,omitempty"`
	PID             int            `json:"pid,omitempty"`
	ResumeFromPhase ExecutionPhase `json:"resumeFromPhase,omitempty"`

	AutoHealAttempted    map[ExecutionPhase]int `json:"autoHealAttempted,omitempty"`
	ConsumedByDependents []string               `json:"consumedByDependents,omitempty"`
	MergedToTarget       bool                   `json:"mergedToTarget,omitempty"`
	WorktreeCleanedUp    bool                   `json:"worktreeCleanedUp,omitempty"`
	ForceFailMessage     string                 `json:"forceFailMessage,omitempty"`
	ForceFailed          bool                   `json:"forceFailed,omitempty"`
}

// NewNodeExecutionState returns the initial state for a freshly created node.
func NewNodeExecutionState() *NodeExecutionState {
	return &NodeExecutionState{
		Status:            StatusPending,
		StepStatuses:      make(map[ExecutionPhase]StepStatus),
		AutoHealAttempted: make(map[ExecutionPhase]int),
	}
}

// CurrentAttempt returns a pointer to the most recent attempt record, or
// nil if no attempt has been made.
func (s *NodeExecutionState) CurrentAttempt() *AttemptRecord {
	if len(s.AttemptHistory) == 0 {
		return nil
	}
	return &s.AttemptHistory[len(s.AttemptHistory)-1]
}

// HasConsumed reports whether the dependent has already acknowledged
// consuming this node's completed commit.
func (s *NodeExecutionState) HasConsumed(dependentID string) bool {
	for _, id := range s.ConsumedByDependents {
		if id == dependentID {
			return true
		}
	}
	return false
}

// MarkConsumed appends the dependent to ConsumedByDependents. Appends are
// deduplicated, making acknowledgement idempotent.
func (s *NodeExecutionState) MarkConsumed(dependentID string) {
	if !s.HasConsumed(dependentID) {
		s.ConsumedByDependents = append(s.ConsumedByDependents, dependentID)
	}
}
