package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"forge-backend/internal/instrument"
	"forge-backend/internal/metadata"
)

// TransitionWebhook is an inline transition webhook collected during a write.
// It fires after the transaction commits, never before.
type TransitionWebhook struct {
	URL    string
	Method string
}

// EvaluateStateMachines checks all active state machines for the entity.
// Returns validation errors if a transition is invalid, a guard fails, or the
// caller lacks a required role. Mutates fields with set_field actions on
// successful transitions, and returns any inline webhooks the transition
// scheduled for post-commit dispatch.
func EvaluateStateMachines(ctx context.Context, reg *metadata.Registry, entityName string, fields map[string]any, old map[string]any, isCreate bool, user *metadata.UserContext) ([]TransitionWebhook, []ErrorDetail) {
	_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "state_machine", "state.transition")
	defer span.End()
	span.SetEntity(entityName, "")

	machines := reg.GetStateMachinesForEntity(entityName)
	if len(machines) == 0 {
		span.SetStatus("ok")
		return nil, nil
	}

	var hooks []TransitionWebhook
	var errs []ErrorDetail

	for _, sm := range machines {
		smHooks, smErrs := evaluateStateMachine(sm, fields, old, isCreate, user)
		hooks = append(hooks, smHooks...)
		errs = append(errs, smErrs...)
	}

	if len(errs) > 0 {
		span.SetStatus("error")
		return nil, errs
	}
	span.SetStatus("ok")
	return hooks, nil
}

func evaluateStateMachine(sm *metadata.StateMachine, fields map[string]any, old map[string]any, isCreate bool, user *metadata.UserContext) ([]TransitionWebhook, []ErrorDetail) {
	newState, hasNewState := fields[sm.Field]
	if !hasNewState {
		return nil, nil // state field not in payload, no transition
	}

	newStateStr := fmt.Sprintf("%v", newState)

	if isCreate {
		// On create, validate initial state if defined
		if sm.Definition.Initial != "" && newStateStr != sm.Definition.Initial {
			return nil, []ErrorDetail{{
				Field:   sm.Field,
				Rule:    "state_machine",
				Message: fmt.Sprintf("Initial state must be '%s', got '%s'", sm.Definition.Initial, newStateStr),
			}}
		}
		// Execute actions for initial state (find a transition with empty from or skip)
		return nil, nil
	}

	// Update: find matching transition
	oldState := ""
	if v, ok := old[sm.Field]; ok && v != nil {
		oldState = fmt.Sprintf("%v", v)
	}

	if oldState == newStateStr {
		return nil, nil // no state change
	}

	transition := FindTransition(sm, oldState, newStateStr)
	if transition == nil {
		return nil, []ErrorDetail{{
			Field:   sm.Field,
			Rule:    "state_machine",
			Message: fmt.Sprintf("Invalid transition from '%s' to '%s'", oldState, newStateStr),
		}}
	}

	// Role gate: a transition with a role list requires the caller to hold one
	if len(transition.Roles) > 0 && !hasAnyRole(user, transition.Roles) {
		return nil, []ErrorDetail{{
			Field:   sm.Field,
			Rule:    "state_machine",
			Message: fmt.Sprintf("Transition from '%s' to '%s' requires one of roles: %s", oldState, newStateStr, strings.Join(transition.Roles, ", ")),
		}}
	}

	// Evaluate guard
	if transition.Guard != "" {
		env := map[string]any{
			"record": fields,
			"old":    old,
			"action": "update",
			"user":   exprUser(user),
		}
		blocked, err := EvaluateGuard(transition, env)
		if err != nil {
			return nil, []ErrorDetail{{
				Field:   sm.Field,
				Rule:    "state_machine",
				Message: fmt.Sprintf("Guard evaluation error: %v", err),
			}}
		}
		if blocked {
			msg := fmt.Sprintf("Transition from '%s' to '%s' blocked by guard", oldState, newStateStr)
			return nil, []ErrorDetail{{
				Field:   sm.Field,
				Rule:    "state_machine",
				Message: msg,
			}}
		}
	}

	// Execute actions
	return ExecuteActions(transition, fields), nil
}

// FindTransition finds a matching transition for the given old and new state.
func FindTransition(sm *metadata.StateMachine, oldState, newState string) *metadata.Transition {
	for i := range sm.Definition.Transitions {
		t := &sm.Definition.Transitions[i]
		if t.To != newState {
			continue
		}
		if t.AllowsFrom(oldState) {
			return t
		}
	}
	return nil
}

func hasAnyRole(user *metadata.UserContext, roles []string) bool {
	if user == nil {
		return false
	}
	for _, r := range roles {
		if user.HasRole(r) {
			return true
		}
	}
	return false
}

// EvaluateGuard compiles and runs a guard expression.
// Returns true if the guard BLOCKS the transition (expression evaluates to false).
// Guard semantics: expression returns true = transition allowed, false = blocked.
func EvaluateGuard(transition *metadata.Transition, env map[string]any) (bool, error) {
	prog, ok := transition.CompiledGuard.(*vm.Program)
	if !ok || prog == nil {
		compiled, err := expr.Compile(transition.Guard, expr.AsBool())
		if err != nil {
			return false, fmt.Errorf("compile guard: %w", err)
		}
		transition.CompiledGuard = compiled
		prog = compiled
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate guard: %w", err)
	}

	allowed, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("guard did not return bool")
	}

	return !allowed, nil // blocked = !allowed
}

// ExecuteActions runs transition actions, mutating fields for set_field actions.
// Inline webhook actions are not dispatched here; they are returned so the
// caller can fire them once the surrounding transaction has committed.
func ExecuteActions(transition *metadata.Transition, fields map[string]any) []TransitionWebhook {
	var hooks []TransitionWebhook
	for _, action := range transition.Actions {
		switch action.Type {
		case "set_field":
			val := action.Value
			if s, ok := val.(string); ok && s == "now" {
				val = time.Now().UTC().Format(time.RFC3339)
			}
			fields[action.Field] = val

		case "webhook":
			hooks = append(hooks, TransitionWebhook{URL: action.URL, Method: action.Method})

		case "create_record":
			log.Printf("STUB: create_record action for entity %s (not yet implemented)", action.Entity)

		case "send_event":
			log.Printf("STUB: send_event action '%s' (not yet implemented)", action.Event)
		}
	}
	return hooks
}

// FireTransitionWebhooks dispatches inline transition webhooks, fire-and-forget.
// A rolled-back write never reaches here.
func FireTransitionWebhooks(hooks []TransitionWebhook, record map[string]any) {
	if len(hooks) == 0 {
		return
	}
	body, _ := json.Marshal(record)
	for _, h := range hooks {
		go func(h TransitionWebhook) {
			result := DispatchWebhookDirect(context.Background(), h.URL, h.Method, nil, body)
			if result.Error != "" {
				log.Printf("WARN: state machine webhook %s %s failed: %s", h.Method, h.URL, result.Error)
			} else if result.StatusCode < 200 || result.StatusCode >= 300 {
				log.Printf("WARN: state machine webhook %s %s returned HTTP %d", h.Method, h.URL, result.StatusCode)
			}
		}(h)
	}
}
