package engine

import (
	"context"
	"strings"
	"testing"

	"forge-backend/internal/metadata"
	"forge-backend/internal/store"
)

// memWorkflowStore keeps a single instance in memory and records every
// persist's expected prior status.
type memWorkflowStore struct {
	instance      *metadata.WorkflowInstance
	persistedFrom []string
}

func (m *memWorkflowStore) CreateInstance(_ context.Context, _ store.Querier, _ store.Dialect, data WorkflowInstanceData) (string, error) {
	m.instance = &metadata.WorkflowInstance{
		ID:           "i1",
		WorkflowID:   data.WorkflowID,
		WorkflowName: data.WorkflowName,
		Status:       "running",
		CurrentStep:  data.CurrentStep,
		Context:      data.Context,
		History:      []metadata.WorkflowHistoryEntry{},
	}
	return "i1", nil
}

func (m *memWorkflowStore) LoadInstance(_ context.Context, _ store.Querier, _ store.Dialect, id string) (*metadata.WorkflowInstance, error) {
	return m.instance, nil
}

func (m *memWorkflowStore) PersistInstance(_ context.Context, _ store.Querier, _ store.Dialect, instance *metadata.WorkflowInstance, fromStatus string) error {
	m.persistedFrom = append(m.persistedFrom, fromStatus)
	m.instance = instance
	return nil
}

func (m *memWorkflowStore) ListPending(_ context.Context, _ store.Querier, _ store.Dialect) ([]*metadata.WorkflowInstance, error) {
	return nil, nil
}

func (m *memWorkflowStore) FindTimedOut(_ context.Context, _ store.Querier, _ store.Dialect) ([]*metadata.WorkflowInstance, error) {
	return nil, nil
}

func (m *memWorkflowStore) DeleteInstance(_ context.Context, _ store.Querier, _ store.Dialect, id string) error {
	m.instance = nil
	return nil
}

func approvalWorkflowRegistry(t *testing.T) *metadata.Registry {
	t.Helper()
	reg := metadata.NewRegistry()
	reg.LoadWorkflows([]*metadata.Workflow{
		{
			ID:   "wf-1",
			Name: "po_approval",
			Trigger: metadata.WorkflowTrigger{
				Type: "state_change", Entity: "purchase_order",
				Field: "status", To: "pending",
			},
			Steps: []metadata.WorkflowStep{
				{
					ID:   "mgr_approval",
					Type: "approval",
					OnApprove: &metadata.StepGoto{
						Goto: "end",
						Actions: []metadata.WorkflowAction{
							{Type: "set_field", Field: "approved_by", Value: "manager"},
						},
					},
					OnReject: &metadata.StepGoto{Goto: "notify_rejection"},
				},
				{
					ID:   "notify_rejection",
					Type: "action",
					Actions: []metadata.WorkflowAction{
						{Type: "set_field", Field: "rejected", Value: true},
					},
					Then: &metadata.StepGoto{Goto: "end"},
				},
			},
			Active: true,
		},
	})
	return reg
}

func newTestWFEngine(reg *metadata.Registry, wfStore WorkflowStore, recorder *recordingActionExecutor) *WFEngine {
	return NewWFEngine(
		nil, nil, reg, wfStore,
		DefaultStepExecutors(),
		map[string]ActionExecutor{"set_field": recorder},
		NewExprLangEvaluator(),
	)
}

func TestResolveAction_RequiresWaitingApproval(t *testing.T) {
	reg := approvalWorkflowRegistry(t)
	wfStore := &memWorkflowStore{
		instance: &metadata.WorkflowInstance{
			ID: "i1", WorkflowName: "po_approval",
			Status: "running", CurrentStep: "mgr_approval",
		},
	}
	engine := newTestWFEngine(reg, wfStore, &recordingActionExecutor{})

	_, err := engine.ResolveAction(context.Background(), "i1", "approved", "u1")
	if err == nil {
		t.Fatal("expected error for instance not awaiting approval")
	}
	if !strings.Contains(err.Error(), "not awaiting approval") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestResolveAction_ApproveRunsInlineActionsAndCompletes(t *testing.T) {
	reg := approvalWorkflowRegistry(t)
	wfStore := &memWorkflowStore{
		instance: &metadata.WorkflowInstance{
			ID: "i1", WorkflowName: "po_approval",
			Status: "waiting_approval", CurrentStep: "mgr_approval",
			History: []metadata.WorkflowHistoryEntry{},
		},
	}
	recorder := &recordingActionExecutor{}
	engine := newTestWFEngine(reg, wfStore, recorder)

	instance, err := engine.ResolveAction(context.Background(), "i1", "approved", "mgr-7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if instance.Status != "completed" {
		t.Errorf("expected completed, got %s", instance.Status)
	}
	if len(recorder.executed) != 1 || recorder.executed[0] != "set_field:approved_by" {
		t.Errorf("expected on_approve inline action to run, got %v", recorder.executed)
	}
	if len(wfStore.persistedFrom) == 0 || wfStore.persistedFrom[0] != "waiting_approval" {
		t.Errorf("expected persist guarded on waiting_approval, got %v", wfStore.persistedFrom)
	}
	if len(instance.History) == 0 || instance.History[0].Status != "approved" || instance.History[0].By != "mgr-7" {
		t.Errorf("expected approved history entry, got %+v", instance.History)
	}
}

func TestResolveAction_RejectAdvancesToNextStep(t *testing.T) {
	reg := approvalWorkflowRegistry(t)
	wfStore := &memWorkflowStore{
		instance: &metadata.WorkflowInstance{
			ID: "i1", WorkflowName: "po_approval",
			Status: "waiting_approval", CurrentStep: "mgr_approval",
			History: []metadata.WorkflowHistoryEntry{},
		},
	}
	recorder := &recordingActionExecutor{}
	engine := newTestWFEngine(reg, wfStore, recorder)

	instance, err := engine.ResolveAction(context.Background(), "i1", "rejected", "mgr-7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if instance.Status != "completed" {
		t.Errorf("expected completed after rejection path, got %s", instance.Status)
	}
	if len(recorder.executed) != 1 || recorder.executed[0] != "set_field:rejected" {
		t.Errorf("expected notify_rejection action to run, got %v", recorder.executed)
	}
	if len(wfStore.persistedFrom) == 0 || wfStore.persistedFrom[0] != "waiting_approval" {
		t.Errorf("expected persist guarded on waiting_approval, got %v", wfStore.persistedFrom)
	}
}
