package engine

import (
	"context"
	"fmt"
	"testing"

	"forge-backend/internal/metadata"
	"forge-backend/internal/store"
)

// recordingActionExecutor captures executed actions for assertions.
type recordingActionExecutor struct {
	executed []string
}

func (r *recordingActionExecutor) Execute(_ context.Context, _ store.Querier, _ store.Dialect,
	_ *metadata.Registry, _ *metadata.WorkflowInstance, action *metadata.WorkflowAction) error {
	r.executed = append(r.executed, fmt.Sprintf("%s:%s", action.Type, action.Field))
	return nil
}

func TestApprovalStepExecutor_SetsWaitingApproval(t *testing.T) {
	instance := &metadata.WorkflowInstance{
		ID:     "i1",
		Status: "running",
	}
	step := &metadata.WorkflowStep{
		ID:      "mgr_approval",
		Type:    "approval",
		Timeout: "72h",
	}

	executor := &ApprovalStepExecutor{}
	result, err := executor.Execute(context.Background(), nil, nil, nil, instance, step)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Paused {
		t.Error("expected paused result")
	}
	if instance.Status != "waiting_approval" {
		t.Errorf("expected status waiting_approval, got %s", instance.Status)
	}
	if instance.CurrentStepDeadline == nil {
		t.Error("expected deadline to be set from timeout")
	}
}

func TestConditionStepExecutor_RunsBranchInlineActions(t *testing.T) {
	recorder := &recordingActionExecutor{}
	ectx := &StepExecutorContext{
		ActionExecutors: map[string]ActionExecutor{"set_field": recorder},
		Evaluator:       NewExprLangEvaluator(),
	}

	instance := &metadata.WorkflowInstance{
		ID:      "i1",
		Status:  "running",
		Context: map[string]any{"amount": 20000},
	}
	step := &metadata.WorkflowStep{
		ID:         "check_amount",
		Type:       "condition",
		Expression: "context.amount > 10000",
		OnTrue: &metadata.StepGoto{
			Goto: "finance_approval",
			Actions: []metadata.WorkflowAction{
				{Type: "set_field", Field: "flagged", Value: true},
			},
		},
		OnFalse: &metadata.StepGoto{Goto: "approved"},
	}

	executor := &ConditionStepExecutor{}
	result, err := executor.Execute(context.Background(), nil, nil, ectx, instance, step)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NextGoto != "finance_approval" {
		t.Errorf("expected goto finance_approval, got %s", result.NextGoto)
	}
	if len(recorder.executed) != 1 || recorder.executed[0] != "set_field:flagged" {
		t.Errorf("expected on_true inline action to run, got %v", recorder.executed)
	}
}

func TestActionStepExecutor_RunsThenInlineActions(t *testing.T) {
	recorder := &recordingActionExecutor{}
	ectx := &StepExecutorContext{
		ActionExecutors: map[string]ActionExecutor{"set_field": recorder},
	}

	instance := &metadata.WorkflowInstance{ID: "i1", Status: "running"}
	step := &metadata.WorkflowStep{
		ID:   "notify",
		Type: "action",
		Actions: []metadata.WorkflowAction{
			{Type: "set_field", Field: "notified", Value: true},
		},
		Then: &metadata.StepGoto{
			Goto: "end",
			Actions: []metadata.WorkflowAction{
				{Type: "set_field", Field: "closed", Value: true},
			},
		},
	}

	executor := &ActionStepExecutor{}
	result, err := executor.Execute(context.Background(), nil, nil, ectx, instance, step)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NextGoto != "end" {
		t.Errorf("expected goto end, got %s", result.NextGoto)
	}
	want := []string{"set_field:notified", "set_field:closed"}
	if len(recorder.executed) != 2 || recorder.executed[0] != want[0] || recorder.executed[1] != want[1] {
		t.Errorf("expected step then slot actions in order %v, got %v", want, recorder.executed)
	}
}

func TestRunSlotActions_NilSlot(t *testing.T) {
	if err := runSlotActions(context.Background(), nil, nil, nil, nil, nil, nil); err != nil {
		t.Errorf("expected nil slot to be a no-op, got %v", err)
	}
}
