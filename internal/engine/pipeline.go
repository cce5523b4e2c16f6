package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harrison/foreman/internal/agent"
	"github.com/harrison/foreman/internal/evidence"
	"github.com/harrison/foreman/internal/git"
	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/proc"
	"github.com/harrison/foreman/internal/store"
)

// instructionsDir is where agent instructions files are projected inside
// a worktree.
const instructionsDir = ".github/instructions"

// evidenceDir is where jobs may leave evidence records inside a worktree.
const evidenceDir = ".orchestrator/evidence"

// PipelineRequest carries everything one attempt needs: the node, the
// resolved merge inputs, resume state, and the callbacks that mirror
// progress into the running attempt record.
type PipelineRequest struct {
	Plan *models.PlanInstance
	Node *models.PlanNode

	WorktreePath      string
	BaseCommit        string
	DependencyCommits []string
	AttemptNumber     int
	AgentSessionID    string

	ResumeFromPhase      models.ExecutionPhase
	PreviousStepStatuses map[models.ExecutionPhase]models.StepStatus

	RepoPath          string
	TargetBranch      string // set only for leaf nodes
	BaseCommitAtStart string
	SnapshotBranch    string
	SpecsDir          string
	// SymlinkDirs are repository directories linked into a fresh
	// worktree instead of being rebuilt per job.
	SymlinkDirs []string

	ProjectWorktreeContext bool

	Log *store.ExecutionLog

	OnProgress      func(step string)
	OnStepStatus    func(phase models.ExecutionPhase, status models.StepStatus)
	OnPID           func(pid int)
	OnWorktreeReady func(result *git.WorktreeResult)

	// MergeRI performs the serialized reverse-integration merge of the
	// completed commit. Nil (non-leaf or no target branch) marks the
	// phase skipped.
	MergeRI func(ctx context.Context, completedCommit string) error
}

// PipelineResult is the outcome of running the phases of one attempt.
type PipelineResult struct {
	StepStatuses map[models.ExecutionPhase]models.StepStatus
	PhaseTiming  map[models.ExecutionPhase]time.Duration
	PhaseMetrics map[models.ExecutionPhase]*models.AgentMetrics
	Metrics      *models.AgentMetrics

	CompletedCommit string
	SessionID       string

	// Failure details; FailedPhase is empty on success.
	FailedPhase models.ExecutionPhase
	Err         error
	ExitCode    *int

	// Recovery directives surfaced by the failing spec or the agent.
	NoAutoHeal              bool
	OverrideResumeFromPhase models.ExecutionPhase
	ForceFailed             bool
	ForceFailMessage        string
}

// Failed reports whether a phase before merge-ri failed.
func (r *PipelineResult) Failed() bool {
	return r.FailedPhase != ""
}

// Pipeline executes the seven phases of one job attempt inside one
// worktree.
type Pipeline struct {
	Git   GitCapability
	Proc  ProcessRunner
	Agent AgentInvoker
}

// Run executes the attempt's phases in order. Phases preceding
// ResumeFromPhase whose previous status is success are not re-run; their
// status is carried forward. The first failing phase stops the pipeline
// (merge-ri excepted: its failure is recorded and surfaced through the
// step status for the engine to judge).
func (p *Pipeline) Run(ctx context.Context, req *PipelineRequest) *PipelineResult {
	res := &PipelineResult{
		StepStatuses: make(map[models.ExecutionPhase]models.StepStatus),
		PhaseTiming:  make(map[models.ExecutionPhase]time.Duration),
		PhaseMetrics: make(map[models.ExecutionPhase]*models.AgentMetrics),
		Metrics:      &models.AgentMetrics{},
		SessionID:    req.AgentSessionID,
	}

	for _, phase := range models.PhaseOrder {
		if ctx.Err() != nil {
			return p.fail(req, res, phase, ctx.Err(), nil)
		}
		if p.skipForResume(req, phase) {
			res.StepStatuses[phase] = models.StepSuccess
			if phase == models.PhaseMergeFI {
				// The worktree must still be (re)acquired so later
				// phases have a checkout to run in.
				if err := p.acquireWorktree(ctx, req); err != nil {
					return p.fail(req, res, phase, err, nil)
				}
			}
			continue
		}

		start := time.Now()
		var err error
		switch phase {
		case models.PhaseMergeFI:
			err = p.runMergeFI(ctx, req, res)
		case models.PhaseSetup:
			err = p.runSetup(req, res)
		case models.PhasePrechecks:
			err = p.runWorkPhase(ctx, req, res, phase, req.Node.Prechecks)
		case models.PhaseWork:
			err = p.runWorkPhase(ctx, req, res, phase, req.Node.Work)
		case models.PhaseCommit:
			err = p.runCommit(ctx, req, res)
		case models.PhasePostchecks:
			err = p.runWorkPhase(ctx, req, res, phase, req.Node.Postchecks)
		case models.PhaseMergeRI:
			p.runMergeRI(ctx, req, res)
			continue
		}
		res.PhaseTiming[phase] = time.Since(start)

		if err != nil {
			return p.fail(req, res, phase, err, res.ExitCode)
		}
	}
	return res
}

// skipForResume reports whether a phase is carried forward from the
// previous attempt instead of re-run.
func (p *Pipeline) skipForResume(req *PipelineRequest, phase models.ExecutionPhase) bool {
	if req.ResumeFromPhase == "" {
		return false
	}
	if models.PhaseIndex(phase) >= models.PhaseIndex(req.ResumeFromPhase) {
		return false
	}
	return req.PreviousStepStatuses[phase] == models.StepSuccess
}

func (p *Pipeline) setStatus(req *PipelineRequest, res *PipelineResult, phase models.ExecutionPhase, status models.StepStatus) {
	res.StepStatuses[phase] = status
	if req.OnStepStatus != nil {
		req.OnStepStatus(phase, status)
	}
	if req.Log != nil {
		req.Log.Append(phase, "status", string(status))
	}
}

func (p *Pipeline) fail(req *PipelineRequest, res *PipelineResult, phase models.ExecutionPhase, err error, exitCode *int) *PipelineResult {
	p.setStatus(req, res, phase, models.StepFailed)
	res.FailedPhase = phase
	res.Err = err
	res.ExitCode = exitCode
	if req.Log != nil {
		req.Log.Append(phase, "error", err.Error())
	}
	return res
}

// --- merge-fi ---

func (p *Pipeline) acquireWorktree(ctx context.Context, req *PipelineRequest) error {
	result, err := p.Git.CreateOrReuseDetached(ctx, req.WorktreePath, req.BaseCommit, req.SymlinkDirs)
	if err != nil {
		return fmt.Errorf("acquire worktree: %w", err)
	}
	if req.OnWorktreeReady != nil {
		req.OnWorktreeReady(result)
	}
	return nil
}

func (p *Pipeline) runMergeFI(ctx context.Context, req *PipelineRequest, res *PipelineResult) error {
	p.setStatus(req, res, models.PhaseMergeFI, models.StepRunning)
	if req.OnProgress != nil {
		req.OnProgress("forward integration")
	}

	if err := p.acquireWorktree(ctx, req); err != nil {
		return err
	}

	for _, commit := range req.DependencyCommits {
		message := fmt.Sprintf("Merge dependency %.8s into %s", commit, req.Node.Name)
		if err := p.Git.Merge(ctx, req.WorktreePath, commit, message); err != nil {
			return fmt.Errorf("forward integration of %.8s: %w", commit, err)
		}
		if req.Log != nil {
			req.Log.Append(models.PhaseMergeFI, "info", fmt.Sprintf("merged dependency %.8s", commit))
		}
	}

	if err := p.Git.EnsureOrchestratorGitIgnore(ctx, req.WorktreePath); err != nil && req.Log != nil {
		req.Log.Append(models.PhaseMergeFI, "warn", err.Error())
	}

	p.setStatus(req, res, models.PhaseMergeFI, models.StepSuccess)
	return nil
}

// --- setup ---

// runSetup projects the context skill into the worktree so an agent
// picking up the job knows what it is working on. Always overwrites.
func (p *Pipeline) runSetup(req *PipelineRequest, res *PipelineResult) error {
	p.setStatus(req, res, models.PhaseSetup, models.StepRunning)

	dir := filepath.Join(req.WorktreePath, instructionsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Job: %s\n\n", req.Node.Name)
	fmt.Fprintf(&b, "## Task\n\n%s\n", req.Node.Task)
	if req.ProjectWorktreeContext {
		fmt.Fprintf(&b, "\n## Worktree\n\n%s\n", req.WorktreePath)
	}
	path := filepath.Join(dir, "context.instructions.md")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("setup: write context skill: %w", err)
	}

	p.setStatus(req, res, models.PhaseSetup, models.StepSuccess)
	return nil
}

// --- prechecks / work / postchecks ---

func (p *Pipeline) runWorkPhase(ctx context.Context, req *PipelineRequest, res *PipelineResult, phase models.ExecutionPhase, spec *models.WorkSpec) error {
	if spec.IsNoOp() {
		p.setStatus(req, res, phase, models.StepSkipped)
		return nil
	}
	p.setStatus(req, res, phase, models.StepRunning)
	if req.OnProgress != nil {
		req.OnProgress(string(phase))
	}

	var err error
	switch spec.Kind() {
	case models.WorkShell:
		err = p.runShell(ctx, req, res, phase, spec.Shell)
	case models.WorkProcess:
		err = p.runProcess(ctx, req, res, phase, spec.Process)
	case models.WorkAgent:
		err = p.runAgent(ctx, req, res, phase, spec.Agent)
	}

	if err != nil {
		p.applyOnFailure(res, spec.OnFailure)
		return err
	}
	p.setStatus(req, res, phase, models.StepSuccess)
	return nil
}

// applyOnFailure folds a failing spec's onFailure directives into the
// result for the engine's recovery decision.
func (p *Pipeline) applyOnFailure(res *PipelineResult, onFailure *models.OnFailureSpec) {
	if onFailure == nil {
		return
	}
	if onFailure.ForceFail {
		res.ForceFailed = true
		res.NoAutoHeal = true
		res.ForceFailMessage = "failed phase is configured to force-fail"
	}
	if onFailure.NoAutoHeal {
		res.NoAutoHeal = true
	}
	if onFailure.ResumeFromPhase != "" {
		res.OverrideResumeFromPhase = onFailure.ResumeFromPhase
	}
}

func (p *Pipeline) runShell(ctx context.Context, req *PipelineRequest, res *PipelineResult, phase models.ExecutionPhase, spec *models.ShellSpec) error {
	result, err := p.Proc.Run(ctx, proc.Request{
		Shell:   true,
		Command: spec.Command,
		Cwd:     req.WorktreePath,
		Timeout: time.Duration(spec.TimeoutSeconds) * time.Second,
		OnStart: req.OnPID,
		OnLine:  p.lineLogger(req, phase),
	})
	if err != nil {
		return err
	}
	return p.checkProcResult(phase, result, res)
}

func (p *Pipeline) runProcess(ctx context.Context, req *PipelineRequest, res *PipelineResult, phase models.ExecutionPhase, spec *models.ProcessSpec) error {
	cwd := spec.Cwd
	if cwd == "" {
		cwd = req.WorktreePath
	}
	result, err := p.Proc.Run(ctx, proc.Request{
		Executable: spec.Executable,
		Args:       spec.Args,
		Env:        spec.Env,
		Cwd:        cwd,
		Timeout:    time.Duration(spec.TimeoutSeconds) * time.Second,
		OnStart:    req.OnPID,
		OnLine:     p.lineLogger(req, phase),
	})
	if err != nil {
		return err
	}
	return p.checkProcResult(phase, result, res)
}

func (p *Pipeline) checkProcResult(phase models.ExecutionPhase, result *proc.Result, res *PipelineResult) error {
	if result.ExitCode == 0 && !result.Killed() {
		return nil
	}
	code := result.ExitCode
	res.ExitCode = &code
	if result.Killed() {
		return fmt.Errorf("%s killed by signal %s", phase, result.Signal)
	}
	if result.TimedOut {
		return fmt.Errorf("%s timed out (exit %d)", phase, result.ExitCode)
	}
	detail := lastLines(result.Stderr, 3)
	if detail == "" {
		detail = lastLines(result.Stdout, 3)
	}
	return fmt.Errorf("%s exited with code %d: %s", phase, result.ExitCode, detail)
}

func (p *Pipeline) runAgent(ctx context.Context, req *PipelineRequest, res *PipelineResult, phase models.ExecutionPhase, spec *models.AgentSpec) error {
	instructionsFile, err := p.writeInstructions(req, phase, spec.Instructions)
	if err != nil {
		return err
	}

	allowedFolders := append([]string{}, spec.AllowedFolders...)
	allowedFolders = append(allowedFolders, req.WorktreePath)
	if req.SpecsDir != "" {
		allowedFolders = append(allowedFolders, req.SpecsDir)
	}

	previousSession := ""
	if spec.ResumeSession {
		previousSession = req.AgentSessionID
	}

	result, err := p.Agent.Run(ctx, agent.Request{
		Cwd:               req.WorktreePath,
		InstructionsFile:  instructionsFile,
		AllowedFolders:    dedupe(allowedFolders),
		AllowedURLs:       spec.AllowedURLs,
		PreviousSessionID: previousSession,
		ModelTier:         spec.ModelTier,
		OnStart:           req.OnPID,
		OnLine:            p.lineLogger(req, phase),
	})
	if err != nil {
		return err
	}

	if result.SessionID != "" {
		res.SessionID = result.SessionID
	}
	if result.Metrics != nil {
		res.PhaseMetrics[phase] = result.Metrics
		res.Metrics.Add(result.Metrics)
	}
	if result.NoAutoHeal {
		res.NoAutoHeal = true
	}
	if !result.Success {
		code := result.ExitCode
		res.ExitCode = &code
		message := result.Error
		if message == "" {
			message = fmt.Sprintf("agent exited with code %d", result.ExitCode)
		}
		return fmt.Errorf("%s: %s", phase, message)
	}
	return nil
}

// writeInstructions projects the phase's instructions file into the
// worktree, replacing any previous version.
func (p *Pipeline) writeInstructions(req *PipelineRequest, phase models.ExecutionPhase, instructions string) (string, error) {
	dir := filepath.Join(req.WorktreePath, instructionsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("instructions dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.instructions.md", req.Node.ProducerID, phase)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(instructions), 0o644); err != nil {
		return "", fmt.Errorf("write instructions: %w", err)
	}
	return path, nil
}

// --- commit ---

func (p *Pipeline) runCommit(ctx context.Context, req *PipelineRequest, res *PipelineResult) error {
	p.setStatus(req, res, models.PhaseCommit, models.StepRunning)

	p.validateEvidence(req)

	if err := p.Git.StageAll(ctx, req.WorktreePath); err != nil {
		return err
	}
	dirty, err := p.Git.HasUncommittedChanges(ctx, req.WorktreePath)
	if err != nil {
		return err
	}
	if !dirty {
		// No new work: carry the base commit forward so downstream
		// consumers still see the upstream FI state.
		res.CompletedCommit = req.BaseCommit
		if req.Log != nil {
			req.Log.Append(models.PhaseCommit, "info", "no changes, carrying base commit forward")
		}
		p.setStatus(req, res, models.PhaseCommit, models.StepSuccess)
		return nil
	}

	message := fmt.Sprintf("%s (attempt %d)", req.Node.Name, req.AttemptNumber)
	sha, err := p.Git.Commit(ctx, req.WorktreePath, message)
	if err != nil {
		return err
	}
	res.CompletedCommit = sha
	p.setStatus(req, res, models.PhaseCommit, models.StepSuccess)
	return nil
}

// validateEvidence checks the job's evidence record when one was left in
// the worktree. Evidence is advisory: a bad record is logged, never fatal.
func (p *Pipeline) validateEvidence(req *PipelineRequest) {
	path := filepath.Join(req.WorktreePath, evidenceDir, req.Node.ID+".json")
	if _, err := os.Stat(path); err != nil {
		return
	}
	result := evidence.ValidateFile(path)
	if req.Log == nil {
		return
	}
	if result.Valid {
		req.Log.Append(models.PhaseCommit, "info", "evidence: "+result.Evidence.Summary)
	} else {
		req.Log.Append(models.PhaseCommit, "warn",
			"invalid evidence record: "+strings.Join(result.Problems, "; "))
	}
}

// --- merge-ri ---

func (p *Pipeline) runMergeRI(ctx context.Context, req *PipelineRequest, res *PipelineResult) {
	if req.MergeRI == nil {
		p.setStatus(req, res, models.PhaseMergeRI, models.StepSkipped)
		return
	}
	p.setStatus(req, res, models.PhaseMergeRI, models.StepRunning)
	if req.OnProgress != nil {
		req.OnProgress("reverse integration")
	}

	start := time.Now()
	err := req.MergeRI(ctx, res.CompletedCommit)
	res.PhaseTiming[models.PhaseMergeRI] = time.Since(start)

	if err != nil {
		// The engine reads the step status and fails the node; the
		// pipeline itself completed.
		if req.Log != nil {
			req.Log.Append(models.PhaseMergeRI, "error", err.Error())
		}
		p.setStatus(req, res, models.PhaseMergeRI, models.StepFailed)
		return
	}
	p.setStatus(req, res, models.PhaseMergeRI, models.StepSuccess)
}

// --- helpers ---

func (p *Pipeline) lineLogger(req *PipelineRequest, phase models.ExecutionPhase) func(string) {
	if req.Log == nil {
		return nil
	}
	return func(line string) {
		req.Log.Append(phase, "output", line)
	}
}

func lastLines(out string, n int) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, item := range items {
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
