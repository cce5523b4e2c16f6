package models

// CommitDetail describes one commit produced by a job.
type CommitDetail struct {
	Hash          string   `json:"hash"`
	ShortHash     string   `json:"shortHash"`
	Message       string   `json:"message"`
	FilesAdded    []string `json:"filesAdded,omitempty"`
	FilesModified []string `json:"filesModified,omitempty"`
	FilesDeleted  []string `json:"filesDeleted,omitempty"`
}

// JobWorkSummary aggregates the work a job (or a whole plan) produced.
type JobWorkSummary struct {
	Commits       int            `json:"commits"`
	FilesAdded    int            `json:"filesAdded"`
	FilesModified int            `json:"filesModified"`
	FilesDeleted  int            `json:"filesDeleted"`
	CommitDetails []CommitDetail `json:"commitDetails,omitempty"`
}

// AddCommit appends a commit's details and updates the aggregate counters.
func (s *JobWorkSummary) AddCommit(detail CommitDetail) {
	s.Commits++
	s.FilesAdded += len(detail.FilesAdded)
	s.FilesModified += len(detail.FilesModified)
	s.FilesDeleted += len(detail.FilesDeleted)
	s.CommitDetails = append(s.CommitDetails, detail)
}

// Merge folds another summary into this one.
func (s *JobWorkSummary) Merge(other *JobWorkSummary) {
	if other == nil {
		return
	}
	s.Commits += other.Commits
	s.FilesAdded += other.FilesAdded
	s.FilesModified += other.FilesModified
	s.FilesDeleted += other.FilesDeleted
	s.CommitDetails = append(s.CommitDetails, other.CommitDetails...)
}

// AgentMetrics captures usage reported by an agent invocation.
type AgentMetrics struct {
	PremiumRequests    int     `json:"premiumRequests"`
	APITimeSeconds     float64 `json:"apiTimeSeconds"`
	SessionTimeSeconds float64 `json:"sessionTimeSeconds"`
	DurationMs         int64   `json:"durationMs"`
}

// Add accumulates another metrics sample into this one.
func (m *AgentMetrics) Add(other *AgentMetrics) {
	if other == nil {
		return
	}
	m.PremiumRequests += other.PremiumRequests
	m.APITimeSeconds += other.APITimeSeconds
	m.SessionTimeSeconds += other.SessionTimeSeconds
	m.DurationMs += other.DurationMs
}
