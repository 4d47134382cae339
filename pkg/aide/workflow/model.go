// Package workflow executes persistent DAGs of typed steps. Execution
// is event-driven: after every step settles, the engine re-selects the
// eligible frontier and submits it through the work queue. State is
// rewritten to one file per workflow on every transition, so a crash
// loses at most the in-flight step.
package workflow

import (
	"time"
)

// Status of a workflow.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// StepType discriminates step semantics.
type StepType string

const (
	StepLLM         StepType = "llm"
	StepTool        StepType = "tool"
	StepWaitInput   StepType = "wait_input"
	StepConditional StepType = "conditional"
	StepDelay       StepType = "delay"
)

// StepStatus tracks one step's lifecycle.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Default per-type timeouts.
const (
	defaultToolTimeout  = 30 * time.Second
	defaultInputTimeout = 24 * time.Hour
)

// Step is one node of the DAG. Placeholders of the form
// {{context.<stepId>.<field>}} in Prompt, Command, Question and
// Condition are substituted from earlier steps' outputs.
type Step struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	Type       StepType `json:"type"`
	DependsOn  []string `json:"depends_on,omitempty"`
	MaxRetries int      `json:"max_retries,omitempty"`
	TimeoutSec int      `json:"timeout_sec,omitempty"`

	// llm
	Prompt string `json:"prompt,omitempty"`
	Model  string `json:"model,omitempty"`

	// tool: argv array, never a shell string.
	Command []string `json:"command,omitempty"`

	// wait_input
	Question string `json:"question,omitempty"`

	// conditional
	Condition   string   `json:"condition,omitempty"`
	SkipOnFalse []string `json:"skip_on_false,omitempty"`

	// delay
	DelaySec int `json:"delay_sec,omitempty"`

	// Rollback command (argv) run when this step fails permanently.
	Rollback []string `json:"rollback,omitempty"`

	// Runtime state.
	Status      StepStatus     `json:"status"`
	Attempts    int            `json:"attempts"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	SkipReason  string         `json:"skip_reason,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// settled reports whether the step has reached a terminal state.
func (s *Step) settled() bool {
	switch s.Status {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// Workflow is the persisted unit, one JSON file each.
type Workflow struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Status         Status  `json:"status"`
	Steps          []*Step `json:"steps"`
	Peer           string  `json:"peer,omitempty"` // user the workflow talks to
	CostUSD        float64 `json:"cost_usd"`
	MaxDurationSec int     `json:"max_duration_sec,omitempty"`

	// WaitingStep is set while status is paused on a wait_input step.
	WaitingStep string `json:"waiting_step,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (w *Workflow) step(id string) *Step {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// eligible returns steps whose dependencies are all completed or
// skipped and which have not run yet.
func (w *Workflow) eligible() []*Step {
	var out []*Step
	for _, s := range w.Steps {
		if s.Status != StepPending {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			d := w.step(dep)
			if d == nil || (d.Status != StepCompleted && d.Status != StepSkipped) {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, s)
		}
	}
	return out
}

// descendants returns ids of every step reachable from the given ids.
func (w *Workflow) descendants(roots []string) []string {
	want := make(map[string]bool, len(roots))
	for _, r := range roots {
		want[r] = true
	}
	// Propagate until fixpoint; DAGs are small.
	changed := true
	for changed {
		changed = false
		for _, s := range w.Steps {
			if want[s.ID] {
				continue
			}
			for _, dep := range s.DependsOn {
				if want[dep] {
					want[s.ID] = true
					changed = true
					break
				}
			}
		}
	}
	out := make([]string, 0, len(want))
	for id := range want {
		out = append(out, id)
	}
	return out
}

// terminal reports whether no further advancement is possible: nothing
// is running and the eligible frontier is empty. Pending steps stranded
// behind a failed dependency count as unreachable.
func (w *Workflow) terminal() bool {
	for _, s := range w.Steps {
		if s.Status == StepRunning {
			return false
		}
	}
	return len(w.eligible()) == 0
}

// anyFailed reports whether a step failed permanently.
func (w *Workflow) anyFailed() bool {
	for _, s := range w.Steps {
		if s.Status == StepFailed {
			return true
		}
	}
	return false
}

// contextMap builds the interpolation view: stepID → output fields.
func (w *Workflow) contextMap() map[string]map[string]any {
	out := make(map[string]map[string]any, len(w.Steps))
	for _, s := range w.Steps {
		if s.Output != nil {
			out[s.ID] = s.Output
		}
	}
	return out
}
