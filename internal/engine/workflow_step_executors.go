package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"forge-backend/internal/metadata"
	"forge-backend/internal/store"
)

// StepResult represents the outcome of executing a workflow step.
type StepResult struct {
	Paused   bool
	NextGoto string
}

// StepExecutorContext provides dependencies that step executors need.
type StepExecutorContext struct {
	ActionExecutors map[string]ActionExecutor
	Evaluator       ExpressionEvaluator
	Registry        *metadata.Registry
}

// StepExecutor handles execution of a single workflow step type.
type StepExecutor interface {
	Execute(ctx context.Context, q store.Querier, dialect store.Dialect, ectx *StepExecutorContext, instance *metadata.WorkflowInstance, step *metadata.WorkflowStep) (*StepResult, error)
}

// runSlotActions executes the inline actions attached to a goto slot
// (then / on_true / on_false / on_approve / on_reject / on_timeout)
// before control jumps to the slot's target.
func runSlotActions(ctx context.Context, q store.Querier, dialect store.Dialect,
	executors map[string]ActionExecutor, reg *metadata.Registry,
	instance *metadata.WorkflowInstance, slot *metadata.StepGoto) error {

	if slot == nil {
		return nil
	}
	for i := range slot.Actions {
		action := &slot.Actions[i]
		executor, ok := executors[action.Type]
		if !ok {
			log.Printf("WARN: unknown workflow action type: %s", action.Type)
			continue
		}
		if err := executor.Execute(ctx, q, dialect, reg, instance, action); err != nil {
			return fmt.Errorf("action %s: %w", action.Type, err)
		}
	}
	return nil
}

// ActionStepExecutor runs all actions in an action step sequentially.
type ActionStepExecutor struct{}

func (e *ActionStepExecutor) Execute(ctx context.Context, q store.Querier, dialect store.Dialect, ectx *StepExecutorContext,
	instance *metadata.WorkflowInstance, step *metadata.WorkflowStep) (*StepResult, error) {

	for _, action := range step.Actions {
		executor, ok := ectx.ActionExecutors[action.Type]
		if !ok {
			log.Printf("WARN: unknown workflow action type: %s", action.Type)
			continue
		}
		if err := executor.Execute(ctx, q, dialect, ectx.Registry, instance, &action); err != nil {
			return nil, fmt.Errorf("action %s: %w", action.Type, err)
		}
	}

	instance.History = append(instance.History, metadata.WorkflowHistoryEntry{
		Step:   step.ID,
		Status: "completed",
		At:     time.Now().UTC().Format(time.RFC3339),
	})

	if err := runSlotActions(ctx, q, dialect, ectx.ActionExecutors, ectx.Registry, instance, step.Then); err != nil {
		return nil, err
	}

	next := ""
	if step.Then != nil {
		next = step.Then.Goto
	}
	return &StepResult{Paused: false, NextGoto: next}, nil
}

// ConditionStepExecutor evaluates a boolean expression and branches.
type ConditionStepExecutor struct{}

func (e *ConditionStepExecutor) Execute(ctx context.Context, q store.Querier, dialect store.Dialect, ectx *StepExecutorContext,
	instance *metadata.WorkflowInstance, step *metadata.WorkflowStep) (*StepResult, error) {

	if step.Expression == "" {
		return nil, fmt.Errorf("condition step %s has no expression", step.ID)
	}

	env := map[string]any{
		"context": instance.Context,
	}

	isTrue, err := ectx.Evaluator.EvaluateBool(step.Expression, env)
	if err != nil {
		return nil, err
	}

	status := "on_false"
	branch := step.OnFalse
	if isTrue {
		status = "on_true"
		branch = step.OnTrue
	}

	instance.History = append(instance.History, metadata.WorkflowHistoryEntry{
		Step:   step.ID,
		Status: status,
		At:     time.Now().UTC().Format(time.RFC3339),
	})

	if err := runSlotActions(ctx, q, dialect, ectx.ActionExecutors, ectx.Registry, instance, branch); err != nil {
		return nil, err
	}

	next := ""
	if branch != nil {
		next = branch.Goto
	}
	return &StepResult{Paused: false, NextGoto: next}, nil
}

// ApprovalStepExecutor pauses the workflow and optionally sets a deadline.
type ApprovalStepExecutor struct{}

func (e *ApprovalStepExecutor) Execute(_ context.Context, _ store.Querier, _ store.Dialect, _ *StepExecutorContext,
	instance *metadata.WorkflowInstance, step *metadata.WorkflowStep) (*StepResult, error) {

	if step.Timeout != "" {
		duration, err := time.ParseDuration(step.Timeout)
		if err == nil {
			deadline := time.Now().UTC().Add(duration).Format(time.RFC3339)
			instance.CurrentStepDeadline = &deadline
		}
	}

	instance.Status = "waiting_approval"
	return &StepResult{Paused: true, NextGoto: ""}, nil
}

// DefaultStepExecutors returns the built-in set of step executors.
func DefaultStepExecutors() map[string]StepExecutor {
	return map[string]StepExecutor{
		"action":    &ActionStepExecutor{},
		"condition": &ConditionStepExecutor{},
		"approval":  &ApprovalStepExecutor{},
	}
}
