package metadata

import (
	"encoding/json"

	"github.com/expr-lang/expr/vm"
)

// StepGoto handles "end", {"goto":"step_id"}, and {"actions":[...],"goto":"step_id"}
// in JSON. Inline actions run before control jumps to Goto.
type StepGoto struct {
	Goto    string
	Actions []WorkflowAction
}

func (s *StepGoto) UnmarshalJSON(data []byte) error {
	// Try string first ("end")
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		s.Goto = str
		s.Actions = nil
		return nil
	}
	// Try object {"actions": [...], "goto": "step_id"}
	var obj struct {
		Goto    string           `json:"goto"`
		Actions []WorkflowAction `json:"actions"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	s.Goto = obj.Goto
	s.Actions = obj.Actions
	return nil
}

func (s StepGoto) MarshalJSON() ([]byte, error) {
	if s.Goto == "end" && len(s.Actions) == 0 {
		return json.Marshal("end")
	}
	return json.Marshal(struct {
		Actions []WorkflowAction `json:"actions,omitempty"`
		Goto    string           `json:"goto"`
	}{Actions: s.Actions, Goto: s.Goto})
}

// WorkflowTrigger defines when a workflow starts. An empty From matches a
// transition into To from any prior state.
type WorkflowTrigger struct {
	Type   string `json:"type"` // "state_change"
	Entity string `json:"entity"`
	Field  string `json:"field,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
}

// Key returns the registry lookup key for a state_change trigger.
func (t WorkflowTrigger) Key() string {
	return t.Entity + ":" + t.Field + ":" + t.To
}

// MatchesFrom reports whether the trigger fires for the given prior state.
func (t WorkflowTrigger) MatchesFrom(from string) bool {
	return t.From == "" || t.From == from
}

// WorkflowAssignee defines who is assigned to an approval step.
type WorkflowAssignee struct {
	Type string `json:"type"`            // "relation", "role", "fixed"
	Path string `json:"path,omitempty"`  // for type=relation
	Role string `json:"role,omitempty"`  // for type=role
	User string `json:"user,omitempty"`  // for type=fixed
}

// WorkflowAction defines an action to execute within a workflow step.
type WorkflowAction struct {
	Type     string `json:"type"`                // "set_field", "webhook", "send_event", "create_record"
	Entity   string `json:"entity,omitempty"`
	RecordID string `json:"record_id,omitempty"` // context path expression e.g. "context.record_id"
	Field    string `json:"field,omitempty"`
	Value    any    `json:"value,omitempty"`
	URL      string `json:"url,omitempty"`
	Method   string `json:"method,omitempty"`
	Event    string `json:"event,omitempty"`
}

// WorkflowStep represents a single step in the workflow.
type WorkflowStep struct {
	ID string `json:"id"`
	// Type is "action", "condition", or "approval".
	Type string `json:"type"`

	// Action step fields
	Actions []WorkflowAction `json:"actions,omitempty"`
	Then    *StepGoto        `json:"then,omitempty"`

	// Condition step fields
	Expression          string      `json:"expression,omitempty"`
	CompiledExpression  *vm.Program `json:"-"`
	OnTrue              *StepGoto   `json:"on_true,omitempty"`
	OnFalse             *StepGoto   `json:"on_false,omitempty"`

	// Approval step fields
	Assignee  *WorkflowAssignee `json:"assignee,omitempty"`
	Timeout   string            `json:"timeout,omitempty"` // e.g. "72h", "48h"
	OnApprove *StepGoto         `json:"on_approve,omitempty"`
	OnReject  *StepGoto         `json:"on_reject,omitempty"`
	OnTimeout *StepGoto         `json:"on_timeout,omitempty"`
}

// Workflow represents a workflow definition from the _workflows table.
type Workflow struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Trigger WorkflowTrigger   `json:"trigger"`
	Context map[string]string `json:"context"`
	Steps   []WorkflowStep    `json:"steps"`
	Active  bool              `json:"active"`
}

// WorkflowHistoryEntry records what happened at each step.
type WorkflowHistoryEntry struct {
	Step   string `json:"step"`
	Status string `json:"status"` // "completed", "approved", "rejected", "timed_out"
	By     string `json:"by,omitempty"`
	At     string `json:"at"`
}

// WorkflowInstance represents a running or completed workflow instance.
type WorkflowInstance struct {
	ID                  string                 `json:"id"`
	WorkflowID          string                 `json:"workflow_id"`
	WorkflowName        string                 `json:"workflow_name"`
	Status              string                 `json:"status"` // "running", "waiting_approval", "completed", "failed", "cancelled"
	CurrentStep         string                 `json:"current_step"`
	CurrentStepDeadline *string                `json:"current_step_deadline,omitempty"`
	Context             map[string]any         `json:"context"`
	History             []WorkflowHistoryEntry `json:"history"`
	CreatedAt           string                 `json:"created_at,omitempty"`
	UpdatedAt           string                 `json:"updated_at,omitempty"`
}

// FindStep returns the step with the given ID, or nil if not found.
func (w *Workflow) FindStep(id string) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}
