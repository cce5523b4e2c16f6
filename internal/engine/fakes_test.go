package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harrison/foreman/internal/agent"
	"github.com/harrison/foreman/internal/config"
	"github.com/harrison/foreman/internal/git"
	"github.com/harrison/foreman/internal/logger"
	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/proc"
	"github.com/harrison/foreman/internal/store"
)

// fakeGit is an in-memory git capability: refs, per-directory heads, and
// a dirtiness flag per directory stand in for real repositories.
type fakeGit struct {
	mu sync.Mutex

	refs    map[string]string // ref name -> sha
	heads   map[string]string // worktree dir -> sha
	dirty   map[string]bool   // worktree dir -> has uncommitted changes
	current string            // checked-out branch in the main repo

	commitSeq int
	merges    []string // "dir<-sha" in merge order
	removed   []string // removed worktree paths
	refMoves  []string // "branch->sha" in update order
	symlinked []string // symlink dirs requested at acquisition
	riWindows []riWindow

	conflictFiles []string // non-empty forces merge-tree conflicts
	mergeErr      error    // forced FI merge failure
	updateRefErr  error
}

type riWindow struct {
	start, end time.Time
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		refs:  map[string]string{"main": "base0000"},
		heads: make(map[string]string),
		dirty: make(map[string]bool),
	}
}

func (f *fakeGit) nextSHA(prefix string) string {
	f.commitSeq++
	return fmt.Sprintf("%s%04d", prefix, f.commitSeq)
}

func (f *fakeGit) ResolveRef(_ context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sha, ok := f.refs[ref]; ok {
		return sha, nil
	}
	return ref, nil
}

func (f *fakeGit) Head(_ context.Context, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sha, ok := f.heads[dir]
	if !ok {
		return "", fmt.Errorf("no worktree at %s", dir)
	}
	return sha, nil
}

func (f *fakeGit) CurrentBranch(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

func (f *fakeGit) UpdateRef(_ context.Context, branch, commit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateRefErr != nil {
		return f.updateRefErr
	}
	f.refs[branch] = commit
	f.refMoves = append(f.refMoves, branch+"->"+commit)
	return nil
}

func (f *fakeGit) Push(context.Context, string) error { return nil }

func (f *fakeGit) StageAll(context.Context, string) error { return nil }

func (f *fakeGit) Commit(_ context.Context, dir, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sha := f.nextSHA("c")
	f.heads[dir] = sha
	f.dirty[dir] = false
	return sha, nil
}

func (f *fakeGit) HasUncommittedChanges(_ context.Context, dir string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty[dir], nil
}

func (f *fakeGit) DirtyFiles(context.Context, string) ([]string, error)      { return nil, nil }
func (f *fakeGit) FileDiff(context.Context, string, string) (string, error)  { return "", nil }
func (f *fakeGit) ResetHard(context.Context, string, string) error           { return nil }
func (f *fakeGit) CheckoutFile(context.Context, string, string) error        { return nil }
func (f *fakeGit) StashPush(context.Context, string, string) (bool, error)   { return false, nil }
func (f *fakeGit) StashPop(context.Context, string) error                    { return nil }
func (f *fakeGit) StashDrop(context.Context, string) error                   { return nil }
func (f *fakeGit) StashShowPatch(context.Context, string) (string, error)    { return "", nil }
func (f *fakeGit) EnsureOrchestratorGitIgnore(context.Context, string) error { return nil }

func (f *fakeGit) CreateOrReuseDetached(_ context.Context, path, baseCommit string, additionalSymlinkDirs []string) (*git.WorktreeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symlinked = append(f.symlinked, additionalSymlinkDirs...)
	if head, ok := f.heads[path]; ok {
		return &git.WorktreeResult{Reused: true, BaseCommit: head}, nil
	}
	f.heads[path] = baseCommit
	return &git.WorktreeResult{Reused: false, BaseCommit: baseCommit}, nil
}

func (f *fakeGit) RemoveWorktree(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.heads, path)
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeGit) Merge(_ context.Context, dir, commit, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mergeErr != nil {
		return f.mergeErr
	}
	f.merges = append(f.merges, dir+"<-"+commit)
	f.heads[dir] = f.nextSHA("m")
	return nil
}

func (f *fakeGit) MergeWithoutCheckout(_ context.Context, ours, theirs string) (*git.MergeTreeResult, error) {
	f.mu.Lock()
	window := riWindow{start: time.Now()}
	conflicts := f.conflictFiles
	f.mu.Unlock()

	// Hold the "merge" open briefly so overlapping RI merges would be
	// visible in the recorded windows.
	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	window.end = time.Now()
	f.riWindows = append(f.riWindows, window)
	if len(conflicts) > 0 {
		return &git.MergeTreeResult{Conflicts: conflicts}, nil
	}
	return &git.MergeTreeResult{TreeSHA: "tree-" + ours + "-" + theirs}, nil
}

func (f *fakeGit) CommitTree(_ context.Context, _ string, _ []string, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextSHA("merge"), nil
}

func (f *fakeGit) CommitsBetween(_ context.Context, base, to string) ([]git.CommitDetail, error) {
	if base == to || to == "" {
		return nil, nil
	}
	return []git.CommitDetail{{
		Hash:          to,
		ShortHash:     to[:min(8, len(to))],
		Message:       "work",
		FilesModified: []string{"out.txt"},
	}}, nil
}

// fakeProc delegates to a per-test hook.
type fakeProc struct {
	mu    sync.Mutex
	calls []proc.Request
	hook  func(req proc.Request) *proc.Result
}

func (f *fakeProc) Run(_ context.Context, req proc.Request) (*proc.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	hook := f.hook
	f.mu.Unlock()
	if req.OnStart != nil {
		req.OnStart(4242)
	}
	if hook == nil {
		return &proc.Result{}, nil
	}
	return hook(req), nil
}

// fakeAgent delegates to a per-test hook.
type fakeAgent struct {
	mu    sync.Mutex
	calls []agent.Request
	hook  func(req agent.Request) *agent.Result
}

func (f *fakeAgent) Run(_ context.Context, req agent.Request) (*agent.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	hook := f.hook
	f.mu.Unlock()
	if hook == nil {
		return &agent.Result{Success: true}, nil
	}
	return hook(req), nil
}

func (f *fakeAgent) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// testRig bundles an engine with its fakes and a real store on a temp dir.
type testRig struct {
	engine *Engine
	git    *fakeGit
	proc   *fakeProc
	agent  *fakeAgent
	bus    *Bus
	store  *store.Store
	events []Event
	evMu   sync.Mutex
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	rig := &testRig{
		git:   newFakeGit(),
		proc:  &fakeProc{},
		agent: &fakeAgent{},
		bus:   NewBus(),
		store: st,
	}
	rig.bus.Subscribe(func(e Event) {
		rig.evMu.Lock()
		rig.events = append(rig.events, e)
		rig.evMu.Unlock()
	})
	rig.engine = &Engine{
		Git:    rig.git,
		Proc:   rig.proc,
		Agent:  rig.agent,
		Store:  st,
		Bus:    rig.bus,
		Config: config.Default(),
		Log:    logger.NewConsoleWriter(io.Discard, logger.LevelError),
	}
	return rig
}

func (r *testRig) eventsOfType(typ EventType) []Event {
	r.evMu.Lock()
	defer r.evMu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// buildPlan instantiates a plan from job specs with the given settings.
func buildPlan(t *testing.T, worktreeRoot string, mutate func(*models.PlanSpec), jobs ...models.JobSpec) *models.PlanInstance {
	t.Helper()
	spec := &models.PlanSpec{
		Name:       "test-plan",
		BaseBranch: "main",
		Jobs:       jobs,
	}
	if mutate != nil {
		mutate(spec)
	}
	plan, err := models.NewPlanInstance(spec, worktreeRoot)
	require.NoError(t, err)
	return plan
}

func shellJob(id, command string, deps ...string) models.JobSpec {
	return models.JobSpec{
		ProducerID:   id,
		Task:         "task " + id,
		Work:         &models.WorkSpec{Shell: &models.ShellSpec{Command: command}},
		Dependencies: deps,
	}
}

func agentJob(id, instructions string, deps ...string) models.JobSpec {
	return models.JobSpec{
		ProducerID:   id,
		Task:         "task " + id,
		Work:         &models.WorkSpec{Agent: &models.AgentSpec{Instructions: instructions}},
		Dependencies: deps,
	}
}

func nodeByProducer(t *testing.T, plan *models.PlanInstance, producerID string) *models.PlanNode {
	t.Helper()
	for _, node := range plan.Nodes {
		if node.ProducerID == producerID {
			return node
		}
	}
	t.Fatalf("no node with producer id %s", producerID)
	return nil
}

// runNode drives one node from pending through the engine, the way the
// pump would.
func runNode(t *testing.T, rig *testRig, plan *models.PlanInstance, sm *StateMachine, producerID string) {
	t.Helper()
	node := nodeByProducer(t, plan, producerID)
	sm.RecomputeReadiness()
	require.NoError(t, sm.Transition(node.ID, models.StatusScheduled, "test"))
	rig.engine.ExecuteJobNode(context.Background(), plan, sm, node)
}
