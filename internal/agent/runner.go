// Package agent invokes the external AI agent as a subprocess. The agent
// is opaque to the engine: it receives an instructions file and a sandbox
// (allowed folders and URLs) and reports success or failure plus a session
// id and usage metrics on stdout.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/proc"
)

// DefaultBin is the agent executable resolved from PATH when no explicit
// path is configured.
const DefaultBin = "copilot-agent"

// Runner is a reusable client for agent invocations. Create once, use for
// many runs; it is safe for concurrent use.
type Runner struct {
	// Bin is the agent executable. Defaults to DefaultBin.
	Bin string
	// Timeout bounds a single invocation. Zero means no limit.
	Timeout time.Duration

	proc proc.Supervisor
}

// Request describes one agent invocation.
type Request struct {
	Cwd               string
	InstructionsFile  string
	AllowedFolders    []string
	AllowedURLs       []string
	PreviousSessionID string
	ModelTier         string

	// OnStart receives the agent subprocess PID.
	OnStart func(pid int)
	// OnLine receives each output line for live logging.
	OnLine func(line string)
}

// Result is the parsed outcome of an agent invocation.
type Result struct {
	Success    bool                 `json:"success"`
	ExitCode   int                  `json:"exitCode,omitempty"`
	SessionID  string               `json:"sessionId,omitempty"`
	Error      string               `json:"error,omitempty"`
	Metrics    *models.AgentMetrics `json:"metrics,omitempty"`
	NoAutoHeal bool                 `json:"noAutoHeal,omitempty"`
}

// envelope is the JSON document the agent prints on a stdout line after
// its progress output; the last line that parses as JSON is used.
type envelope struct {
	SessionID  string `json:"session_id"`
	NoAutoHeal bool   `json:"no_auto_heal"`
	Usage      *struct {
		PremiumRequests    int     `json:"premium_requests"`
		APITimeSeconds     float64 `json:"api_time_seconds"`
		SessionTimeSeconds float64 `json:"session_time_seconds"`
	} `json:"usage"`
}

// Run invokes the agent and parses its result. A failing agent returns a
// Result with Success=false rather than an error; errors are reserved for
// failures to launch or supervise the subprocess.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	bin := r.Bin
	if bin == "" {
		bin = DefaultBin
	}

	args := []string{"--instructions", req.InstructionsFile}
	for _, folder := range req.AllowedFolders {
		args = append(args, "--allow-folder", folder)
	}
	for _, url := range req.AllowedURLs {
		args = append(args, "--allow-url", url)
	}
	if req.PreviousSessionID != "" {
		args = append(args, "--resume", req.PreviousSessionID)
	}
	if req.ModelTier != "" {
		args = append(args, "--model", req.ModelTier)
	}

	started := time.Now()
	procResult, err := r.proc.Run(ctx, proc.Request{
		Executable: bin,
		Args:       args,
		Cwd:        req.Cwd,
		Timeout:    r.Timeout,
		OnStart:    req.OnStart,
		OnLine:     req.OnLine,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}

	result := &Result{
		Success:  procResult.ExitCode == 0 && !procResult.Killed(),
		ExitCode: procResult.ExitCode,
	}
	if procResult.Killed() {
		// Surface the signal so the engine can distinguish an external
		// kill from an agent-reported failure.
		result.Error = "killed by signal " + procResult.Signal
	} else if procResult.ExitCode != 0 {
		result.Error = lastNonEmptyLine(procResult.Stderr)
		if result.Error == "" {
			result.Error = fmt.Sprintf("agent exited with code %d", procResult.ExitCode)
		}
	}

	if env := parseEnvelope(procResult.Stdout); env != nil {
		result.SessionID = env.SessionID
		result.NoAutoHeal = env.NoAutoHeal
		if env.Usage != nil {
			result.Metrics = &models.AgentMetrics{
				PremiumRequests:    env.Usage.PremiumRequests,
				APITimeSeconds:     env.Usage.APITimeSeconds,
				SessionTimeSeconds: env.Usage.SessionTimeSeconds,
			}
		}
	}
	if result.Metrics == nil {
		result.Metrics = &models.AgentMetrics{}
	}
	result.Metrics.DurationMs = time.Since(started).Milliseconds()
	return result, nil
}

// parseEnvelope scans stdout from the end for the agent's JSON result
// line. Agents print free-form progress first; the envelope is last.
func parseEnvelope(stdout string) *envelope {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(line), &env); err == nil {
			return &env
		}
	}
	return nil
}

func lastNonEmptyLine(out string) string {
	lines := strings.Split(out, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
