package engine

import (
	"context"
	"errors"
	"testing"

	"forge-backend/internal/store"
)

const workflowInstancesDDL = `CREATE TABLE _workflow_instances (
	id TEXT PRIMARY KEY,
	workflow_id TEXT,
	workflow_name TEXT,
	status TEXT NOT NULL DEFAULT 'running',
	current_step TEXT,
	current_step_deadline TEXT,
	context TEXT,
	history TEXT,
	created_at TEXT DEFAULT (datetime('now')),
	updated_at TEXT DEFAULT (datetime('now'))
)`

func TestPersistInstance_CompareAndSwap(t *testing.T) {
	db := newSQLiteDB(t)
	dialect := &store.SQLiteDialect{}
	mustExec(t, db, workflowInstancesDDL)

	wfStore := &SQLWorkflowStore{}
	id, err := wfStore.CreateInstance(context.Background(), db, dialect, WorkflowInstanceData{
		WorkflowID:   "wf-1",
		WorkflowName: "po_approval",
		CurrentStep:  "mgr_approval",
		Context:      map[string]any{"record_id": "po-1"},
	})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}

	instance, err := wfStore.LoadInstance(context.Background(), db, dialect, id)
	if err != nil {
		t.Fatalf("load instance: %v", err)
	}

	// Swap running -> waiting_approval succeeds
	instance.Status = "waiting_approval"
	if err := wfStore.PersistInstance(context.Background(), db, dialect, instance, "running"); err != nil {
		t.Fatalf("persist from running: %v", err)
	}

	// A second writer still assuming 'running' loses the race
	instance.Status = "completed"
	err = wfStore.PersistInstance(context.Background(), db, dialect, instance, "running")
	if !errors.Is(err, ErrInstanceConflict) {
		t.Fatalf("expected ErrInstanceConflict, got %v", err)
	}

	// The stored row is untouched by the losing update
	reloaded, err := wfStore.LoadInstance(context.Background(), db, dialect, id)
	if err != nil {
		t.Fatalf("reload instance: %v", err)
	}
	if reloaded.Status != "waiting_approval" {
		t.Errorf("expected status waiting_approval, got %s", reloaded.Status)
	}
}

func TestDeleteInstance(t *testing.T) {
	db := newSQLiteDB(t)
	dialect := &store.SQLiteDialect{}
	mustExec(t, db, workflowInstancesDDL,
		`INSERT INTO _workflow_instances (id, workflow_id, workflow_name, status, context, history)
		 VALUES ('i1', 'wf-1', 'po_approval', 'completed', '{}', '[]')`,
	)

	wfStore := &SQLWorkflowStore{}
	if err := wfStore.DeleteInstance(context.Background(), db, dialect, "i1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	err := wfStore.DeleteInstance(context.Background(), db, dialect, "i1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing instance, got %v", err)
	}
}

func TestListPending_OnlyWaitingApproval(t *testing.T) {
	db := newSQLiteDB(t)
	dialect := &store.SQLiteDialect{}
	mustExec(t, db, workflowInstancesDDL,
		`INSERT INTO _workflow_instances (id, workflow_id, workflow_name, status, current_step, context, history)
		 VALUES ('i1', 'wf-1', 'po_approval', 'waiting_approval', 'mgr_approval', '{}', '[]')`,
		`INSERT INTO _workflow_instances (id, workflow_id, workflow_name, status, current_step, context, history)
		 VALUES ('i2', 'wf-1', 'po_approval', 'running', 'notify', '{}', '[]')`,
		`INSERT INTO _workflow_instances (id, workflow_id, workflow_name, status, current_step, context, history)
		 VALUES ('i3', 'wf-1', 'po_approval', 'completed', NULL, '{}', '[]')`,
	)

	wfStore := &SQLWorkflowStore{}
	pending, err := wfStore.ListPending(context.Background(), db, dialect)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending instance, got %d", len(pending))
	}
	if pending[0].ID != "i1" {
		t.Errorf("expected i1, got %s", pending[0].ID)
	}
}

func TestFindTimedOut_OnlyWaitingApproval(t *testing.T) {
	db := newSQLiteDB(t)
	dialect := &store.SQLiteDialect{}
	mustExec(t, db, workflowInstancesDDL,
		`INSERT INTO _workflow_instances (id, workflow_id, workflow_name, status, current_step, current_step_deadline, context, history)
		 VALUES ('i1', 'wf-1', 'po_approval', 'waiting_approval', 'mgr_approval', '2020-01-01T00:00:00Z', '{}', '[]')`,
		`INSERT INTO _workflow_instances (id, workflow_id, workflow_name, status, current_step, current_step_deadline, context, history)
		 VALUES ('i2', 'wf-1', 'po_approval', 'running', 'notify', '2020-01-01T00:00:00Z', '{}', '[]')`,
		`INSERT INTO _workflow_instances (id, workflow_id, workflow_name, status, current_step, current_step_deadline, context, history)
		 VALUES ('i3', 'wf-1', 'po_approval', 'waiting_approval', 'mgr_approval', '2099-01-01T00:00:00Z', '{}', '[]')`,
	)

	wfStore := &SQLWorkflowStore{}
	timedOut, err := wfStore.FindTimedOut(context.Background(), db, dialect)
	if err != nil {
		t.Fatalf("find timed out: %v", err)
	}
	if len(timedOut) != 1 {
		t.Fatalf("expected 1 timed-out instance, got %d", len(timedOut))
	}
	if timedOut[0].ID != "i1" {
		t.Errorf("expected i1, got %s", timedOut[0].ID)
	}
}
