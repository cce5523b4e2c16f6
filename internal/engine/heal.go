package engine

import (
	"fmt"
	"strings"

	"github.com/harrison/foreman/internal/models"
)

// recoveryAction is the engine's verdict on a failed attempt.
type recoveryAction int

const (
	recoveryNone recoveryAction = iota
	// recoveryRetrySameSpec re-runs the failed phase with the same spec
	// as a sub-attempt (agent killed externally).
	recoveryRetrySameSpec
	// recoveryHealSwap replaces the failed shell/process spec with a
	// heal agent and runs a new attempt.
	recoveryHealSwap
	// recoveryOverride re-runs from the phase the failing spec directed.
	recoveryOverride
)

// windowsCrashCodes are the platform exit codes treated as an external
// kill of an agent: access violation, stack overflow, heap corruption.
// Other platform-specific crash codes are normal failures.
var windowsCrashCodes = map[int]bool{
	0xC0000005: true,
	0xC00000FD: true,
	0xC0000374: true,
}

// healablePhases are the only phases the auto-heal policy covers.
var healablePhases = map[models.ExecutionPhase]bool{
	models.PhasePrechecks:  true,
	models.PhaseWork:       true,
	models.PhasePostchecks: true,
}

// decideRecovery applies the auto-retry decision table to a failed
// attempt. Every returned action other than recoveryNone consumes one
// unit of the failed phase's heal budget.
func (e *Engine) decideRecovery(node *models.PlanNode, state *models.NodeExecutionState, result *PipelineResult) recoveryAction {
	if result.ForceFailed {
		return recoveryNone
	}

	phase := result.FailedPhase
	if state.AutoHealAttempted[phase] >= e.maxAutoHeal() {
		return recoveryNone
	}

	// An explicit resume override wins over the heal paths, unless the
	// executor flagged the failure as not recoverable.
	if result.OverrideResumeFromPhase != "" {
		if result.NoAutoHeal {
			return recoveryNone
		}
		return recoveryOverride
	}
	if result.NoAutoHeal {
		return recoveryNone
	}
	if !healablePhases[phase] || !node.AutoHeal {
		return recoveryNone
	}

	switch phaseSpec(node, phase).Kind() {
	case models.WorkShell, models.WorkProcess:
		return recoveryHealSwap
	case models.WorkAgent:
		if isExternalKill(result) {
			return recoveryRetrySameSpec
		}
	}
	return recoveryNone
}

// isExternalKill reports whether an agent died from outside rather than
// failing its task: killed by a signal, or exiting with a known Windows
// crash code.
func isExternalKill(result *PipelineResult) bool {
	if result.Err != nil && strings.Contains(result.Err.Error(), "killed by signal") {
		return true
	}
	if result.ExitCode != nil && windowsCrashCodes[*result.ExitCode] {
		return true
	}
	return false
}

func (e *Engine) maxAutoHeal() int {
	if e.Config != nil && e.Config.AutoHeal.MaxAttempts > 0 {
		return e.Config.AutoHeal.MaxAttempts
	}
	return 4
}

// buildHealSpec constructs the agent spec that replaces a failed
// shell/process phase. Prechecks and work heals fix the error and re-run
// the original command; postchecks heals diagnose, and must exit with
// failure if the check itself is wrong. The heal agent inherits the
// union of the sandbox of every agent spec the node carries.
func (e *Engine) buildHealSpec(node *models.PlanNode, result *PipelineResult, run *attemptRun) *models.WorkSpec {
	phase := result.FailedPhase
	failedSpec := phaseSpec(node, phase)

	var b strings.Builder
	fmt.Fprintf(&b, "# Recover job %q\n\n", node.Name)
	fmt.Fprintf(&b, "The %s phase of this job failed", phase)
	if result.Err != nil {
		fmt.Fprintf(&b, " with:\n\n```\n%s\n```\n", result.Err.Error())
	} else {
		b.WriteString(".\n")
	}
	if run.log != nil {
		fmt.Fprintf(&b, "\nThe full failure log is at `%s`.\n", run.log.Path())
	}
	if command := describeCommand(failedSpec); command != "" {
		fmt.Fprintf(&b, "\nThe failing command was:\n\n```\n%s\n```\n", command)
	}

	if phase == models.PhasePostchecks {
		b.WriteString("\nDiagnose why the check failed. Fix the underlying problem if the code is wrong.")
		b.WriteString(" If the check itself is wrong, do not paper over it: exit with a failure status.\n")
	} else {
		b.WriteString("\nFix the error, then re-run the failing command and make sure it passes before exiting.\n")
	}

	folders, urls := unionAgentSandbox(node)
	return &models.WorkSpec{Agent: &models.AgentSpec{
		Instructions:   b.String(),
		AllowedFolders: folders,
		AllowedURLs:    urls,
	}}
}

// unionAgentSandbox collects the allowed folders and URLs of every agent
// spec the node's phases carry.
func unionAgentSandbox(node *models.PlanNode) ([]string, []string) {
	var folders, urls []string
	for _, spec := range []*models.WorkSpec{node.Prechecks, node.Work, node.Postchecks} {
		if spec == nil || spec.Agent == nil {
			continue
		}
		folders = append(folders, spec.Agent.AllowedFolders...)
		urls = append(urls, spec.Agent.AllowedURLs...)
	}
	return dedupe(folders), dedupe(urls)
}

func describeCommand(spec *models.WorkSpec) string {
	switch spec.Kind() {
	case models.WorkShell:
		return spec.Shell.Command
	case models.WorkProcess:
		return strings.TrimSpace(spec.Process.Executable + " " + strings.Join(spec.Process.Args, " "))
	}
	return ""
}

// phaseSpec returns the node's spec for a phase.
func phaseSpec(node *models.PlanNode, phase models.ExecutionPhase) *models.WorkSpec {
	switch phase {
	case models.PhasePrechecks:
		return node.Prechecks
	case models.PhasePostchecks:
		return node.Postchecks
	default:
		return node.Work
	}
}

// setPhaseSpec replaces the node's spec for a phase. Subsequent heals
// build on whatever the phase carries now.
func setPhaseSpec(node *models.PlanNode, phase models.ExecutionPhase, spec *models.WorkSpec) {
	switch phase {
	case models.PhasePrechecks:
		node.Prechecks = spec
	case models.PhasePostchecks:
		node.Postchecks = spec
	default:
		node.Work = spec
	}
}
