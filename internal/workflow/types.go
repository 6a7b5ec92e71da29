package workflow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownWorkflow = errors.New("unknown workflow")
	ErrStepFailed      = errors.New("workflow step failed")
	// ErrNoCollaborator is a step error when no registered component provides a capability.
	ErrNoCollaborator = errors.New("no component provides capability")
)

// Args are the caller-supplied workflow arguments.
type Args map[string]any

// Handler implements one workflow.
type Handler func(ctx context.Context, run *Run, args Args) error

type StepResult struct {
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Output   any           `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result is the outcome of one workflow execution. Success means the handler
// returned without error; Degraded means at least one step failed.
type Result struct {
	Workflow  string                `json:"workflow"`
	Success   bool                  `json:"success"`
	Degraded  bool                  `json:"degraded,omitempty"`
	Steps     map[string]StepResult `json:"steps"`
	StepOrder []string              `json:"step_order"`
	Output    map[string]any        `json:"output,omitempty"`
	Error     string                `json:"error,omitempty"`
	Err       error                 `json:"-"`
	StartedAt time.Time             `json:"started_at"`
	Duration  time.Duration         `json:"duration"`
}

// WorkflowStats aggregates executions of one workflow.
type WorkflowStats struct {
	Executions   uint64        `json:"executions"`
	Failures     uint64        `json:"failures"`
	LastRun      time.Time     `json:"last_run"`
	LastSuccess  bool          `json:"last_success"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

type Stats struct {
	Executions  uint64                   `json:"executions"`
	Failures    uint64                   `json:"failures"`
	Registered  []string                 `json:"registered"`
	PerWorkflow map[string]WorkflowStats `json:"per_workflow"`
}

type Config struct {
	// DefaultSymbols are analyzed by full_analysis when args carry none.
	DefaultSymbols []string
	// Timeout bounds one execution; 0 means no limit beyond the caller's ctx.
	Timeout time.Duration
}
