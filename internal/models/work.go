package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ShellSpec runs a single command through the platform shell.
type ShellSpec struct {
	Command        string `yaml:"command" json:"command"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" json:"timeoutSeconds,omitempty"`
}

// ProcessSpec executes a binary directly, without a shell.
type ProcessSpec struct {
	Executable     string            `yaml:"executable" json:"executable"`
	Args           []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env            map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Cwd            string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	TimeoutSeconds int               `yaml:"timeout_seconds,omitempty" json:"timeoutSeconds,omitempty"`
}

// AgentSpec invokes the external agent subprocess with an instructions file.
type AgentSpec struct {
	Instructions   string   `yaml:"instructions" json:"instructions"`
	AllowedFolders []string `yaml:"allowed_folders,omitempty" json:"allowedFolders,omitempty"`
	AllowedURLs    []string `yaml:"allowed_urls,omitempty" json:"allowedUrls,omitempty"`
	ModelTier      string   `yaml:"model_tier,omitempty" json:"modelTier,omitempty"`
	ResumeSession  bool     `yaml:"resume_session,omitempty" json:"resumeSession,omitempty"`
}

// OnFailureSpec directs how a phase failure is handled before the
// auto-heal policy runs.
type OnFailureSpec struct {
	// ForceFail fails the node immediately, bypassing recovery.
	ForceFail bool `yaml:"force_fail,omitempty" json:"forceFail,omitempty"`
	// NoAutoHeal suppresses the auto-heal swap for this spec.
	NoAutoHeal bool `yaml:"no_auto_heal,omitempty" json:"noAutoHeal,omitempty"`
	// ResumeFromPhase re-runs the attempt starting at the named phase.
	ResumeFromPhase ExecutionPhase `yaml:"resume_from_phase,omitempty" json:"resumeFromPhase,omitempty"`
}

// WorkKind identifies the variant carried by a WorkSpec.
type WorkKind string

// Work kinds.
const (
	WorkShell   WorkKind = "shell"
	WorkProcess WorkKind = "process"
	WorkAgent   WorkKind = "agent"
	WorkNone    WorkKind = "none"
)

// WorkSpec is a tagged variant: exactly one of Shell, Process, or Agent is
// set. A WorkSpec with no variant is a no-op (the phase is skipped).
type WorkSpec struct {
	Shell     *ShellSpec     `yaml:"shell,omitempty" json:"shell,omitempty"`
	Process   *ProcessSpec   `yaml:"process,omitempty" json:"process,omitempty"`
	Agent     *AgentSpec     `yaml:"agent,omitempty" json:"agent,omitempty"`
	OnFailure *OnFailureSpec `yaml:"on_failure,omitempty" json:"onFailure,omitempty"`
}

// Kind returns the variant tag of the spec.
func (w *WorkSpec) Kind() WorkKind {
	switch {
	case w == nil:
		return WorkNone
	case w.Shell != nil:
		return WorkShell
	case w.Process != nil:
		return WorkProcess
	case w.Agent != nil:
		return WorkAgent
	}
	return WorkNone
}

// IsNoOp reports whether running the spec would do nothing.
func (w *WorkSpec) IsNoOp() bool {
	switch w.Kind() {
	case WorkShell:
		return strings.TrimSpace(w.Shell.Command) == ""
	case WorkProcess:
		return strings.TrimSpace(w.Process.Executable) == ""
	case WorkAgent:
		return strings.TrimSpace(w.Agent.Instructions) == ""
	}
	return true
}

// Validate checks that the spec carries at most one variant, that a
// process variant names an executable, and that an on_failure resume
// phase is a known phase. A spec with no variant is valid (a no-op).
func (w *WorkSpec) Validate() error {
	if w == nil {
		return nil
	}
	count := 0
	if w.Shell != nil {
		count++
	}
	if w.Process != nil {
		count++
	}
	if w.Agent != nil {
		count++
	}
	if count > 1 {
		return errors.New("work spec has more than one variant set")
	}
	if w.Process != nil && strings.TrimSpace(w.Process.Executable) == "" {
		return errors.New("process spec requires an executable")
	}
	if p := w.OnFailure; p != nil && p.ResumeFromPhase != "" && PhaseIndex(p.ResumeFromPhase) < 0 {
		return fmt.Errorf("on_failure resume_from_phase %q is not a known phase", p.ResumeFromPhase)
	}
	return nil
}

// agentPrefix marks a stringly-typed agent work spec: "@agent <instructions>".
const agentPrefix = "@agent"

// NormalizeWorkSpec converts legacy stringly-typed work definitions into a
// canonical WorkSpec:
//   - "@agent <instructions>" becomes an agent spec
//   - a JSON object string is parsed as a WorkSpec (snake_case keys accepted)
//   - any other non-empty string becomes a shell spec
//
// An empty string yields nil (no work).
func NormalizeWorkSpec(raw string) (*WorkSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, agentPrefix) {
		instructions := strings.TrimSpace(strings.TrimPrefix(raw, agentPrefix))
		if instructions == "" {
			return nil, errors.New("agent work spec has no instructions")
		}
		return &WorkSpec{Agent: &AgentSpec{Instructions: instructions}}, nil
	}
	if strings.HasPrefix(raw, "{") {
		spec := &WorkSpec{}
		if err := json.Unmarshal([]byte(normalizeJSONKeys(raw)), spec); err != nil {
			return nil, fmt.Errorf("parse work spec JSON: %w", err)
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		return spec, nil
	}
	return &WorkSpec{Shell: &ShellSpec{Command: raw}}, nil
}

// UnmarshalYAML accepts both the canonical mapping form and the legacy
// string forms handled by NormalizeWorkSpec.
func (w *WorkSpec) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err == nil {
		spec, err := NormalizeWorkSpec(raw)
		if err != nil {
			return err
		}
		if spec != nil {
			*w = *spec
		}
		return nil
	}

	type workAlias WorkSpec
	alias := (*workAlias)(w)
	if err := unmarshal(alias); err != nil {
		return err
	}
	return w.Validate()
}

// snakeToCamel maps the snake_case key names accepted on the wire to the
// canonical semantic names used by the JSON tags above.
var snakeToCamel = map[string]string{
	"timeout_seconds":   "timeoutSeconds",
	"allowed_folders":   "allowedFolders",
	"allowed_urls":      "allowedUrls",
	"model_tier":        "modelTier",
	"resume_session":    "resumeSession",
	"on_failure":        "onFailure",
	"force_fail":        "forceFail",
	"no_auto_heal":      "noAutoHeal",
	"resume_from_phase": "resumeFromPhase",
}

// normalizeJSONKeys rewrites snake_case keys in a JSON object string to the
// canonical camelCase names. Unknown keys pass through unchanged.
func normalizeJSONKeys(raw string) string {
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return raw
	}
	normalized := normalizeKeyMap(decoded)
	out, err := json.Marshal(normalized)
	if err != nil {
		return raw
	}
	return string(out)
}

func normalizeKeyMap(m map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		key := k
		if camel, ok := snakeToCamel[k]; ok {
			key = camel
		}
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(v, &nested); err == nil && len(nested) > 0 {
			encoded, err := json.Marshal(normalizeKeyMap(nested))
			if err == nil {
				v = encoded
			}
		}
		out[key] = v
	}
	return out
}
