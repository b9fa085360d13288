package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
)

// LoadAll reads all metadata from the database and populates the registry.
// Every section is read first, then installed in one swap, so concurrent
// readers never see entities from the new set paired with rules from the old.
func LoadAll(ctx context.Context, db *sql.DB, reg *Registry) error {
	entities, err := loadEntities(ctx, db)
	if err != nil {
		return fmt.Errorf("load entities: %w", err)
	}

	relations, err := loadRelations(ctx, db)
	if err != nil {
		return fmt.Errorf("load relations: %w", err)
	}

	rules, err := loadRules(ctx, db)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	machines, err := loadStateMachines(ctx, db)
	if err != nil {
		return fmt.Errorf("load state machines: %w", err)
	}

	workflows, err := loadWorkflows(ctx, db)
	if err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}

	permissions, err := loadPermissions(ctx, db)
	if err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}

	webhooks, err := loadWebhooks(ctx, db)
	if err != nil {
		return fmt.Errorf("load webhooks: %w", err)
	}

	reg.Install(Snapshot{
		Entities:      entities,
		Relations:     relations,
		Rules:         rules,
		StateMachines: machines,
		Workflows:     workflows,
		Permissions:   permissions,
		Webhooks:      webhooks,
	})

	log.Printf("Loaded %d entities, %d relations, %d rules, %d state machines, %d workflows, %d permissions, %d webhooks into registry",
		len(entities), len(relations), len(rules), len(machines), len(workflows), len(permissions), len(webhooks))
	return nil
}

// Reload is an alias for LoadAll, called after admin mutations.
func Reload(ctx context.Context, db *sql.DB, reg *Registry) error {
	return LoadAll(ctx, db, reg)
}

func loadEntities(ctx context.Context, db *sql.DB) ([]*Entity, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, definition FROM _entities ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		var name string
		var defJSON []byte
		if err := rows.Scan(&name, &defJSON); err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}

		var entity Entity
		if err := json.Unmarshal(defJSON, &entity); err != nil {
			log.Printf("WARN: skipping entity %s (invalid JSON): %v", name, err)
			continue
		}
		entities = append(entities, &entity)
	}
	return entities, rows.Err()
}

func loadRelations(ctx context.Context, db *sql.DB) ([]*Relation, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, definition FROM _relations ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var relations []*Relation
	for rows.Next() {
		var name string
		var defJSON []byte
		if err := rows.Scan(&name, &defJSON); err != nil {
			return nil, fmt.Errorf("scan relation row: %w", err)
		}

		var rel Relation
		if err := json.Unmarshal(defJSON, &rel); err != nil {
			log.Printf("WARN: skipping relation %s (invalid JSON): %v", name, err)
			continue
		}
		relations = append(relations, &rel)
	}
	return relations, rows.Err()
}

func loadRules(ctx context.Context, db *sql.DB) ([]*Rule, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, entity, hook, type, definition, priority, active FROM _rules ORDER BY entity, priority")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		var r Rule
		var defJSON []byte
		if err := rows.Scan(&r.ID, &r.Entity, &r.Hook, &r.Type, &defJSON, &r.Priority, &r.Active); err != nil {
			return nil, fmt.Errorf("scan rule row: %w", err)
		}
		if err := json.Unmarshal(defJSON, &r.Definition); err != nil {
			log.Printf("WARN: skipping rule %s (invalid JSON): %v", r.ID, err)
			continue
		}
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

func loadStateMachines(ctx context.Context, db *sql.DB) ([]*StateMachine, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, entity, field, definition, active FROM _state_machines ORDER BY entity")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var machines []*StateMachine
	for rows.Next() {
		var sm StateMachine
		var defJSON []byte
		if err := rows.Scan(&sm.ID, &sm.Entity, &sm.Field, &defJSON, &sm.Active); err != nil {
			return nil, fmt.Errorf("scan state machine row: %w", err)
		}
		if err := json.Unmarshal(defJSON, &sm.Definition); err != nil {
			log.Printf("WARN: skipping state machine %s (invalid JSON): %v", sm.ID, err)
			continue
		}
		machines = append(machines, &sm)
	}
	return machines, rows.Err()
}

func loadWorkflows(ctx context.Context, db *sql.DB) ([]*Workflow, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, name, trigger, context, steps, active FROM _workflows ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		var wf Workflow
		var triggerJSON, contextJSON, stepsJSON []byte
		if err := rows.Scan(&wf.ID, &wf.Name, &triggerJSON, &contextJSON, &stepsJSON, &wf.Active); err != nil {
			return nil, fmt.Errorf("scan workflow row: %w", err)
		}
		if err := json.Unmarshal(triggerJSON, &wf.Trigger); err != nil {
			log.Printf("WARN: skipping workflow %s (invalid trigger JSON): %v", wf.Name, err)
			continue
		}
		if err := json.Unmarshal(contextJSON, &wf.Context); err != nil {
			log.Printf("WARN: skipping workflow %s (invalid context JSON): %v", wf.Name, err)
			continue
		}
		if err := json.Unmarshal(stepsJSON, &wf.Steps); err != nil {
			log.Printf("WARN: skipping workflow %s (invalid steps JSON): %v", wf.Name, err)
			continue
		}
		workflows = append(workflows, &wf)
	}
	return workflows, rows.Err()
}

func loadPermissions(ctx context.Context, db *sql.DB) ([]*Permission, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, entity, action, roles, conditions FROM _permissions ORDER BY entity, action")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var permissions []*Permission
	for rows.Next() {
		var p Permission
		var rolesRaw any
		var condJSON []byte
		if err := rows.Scan(&p.ID, &p.Entity, &p.Action, &rolesRaw, &condJSON); err != nil {
			return nil, fmt.Errorf("scan permission row: %w", err)
		}
		p.Roles = ParseStringArray(rolesRaw)
		if len(condJSON) > 0 {
			if err := json.Unmarshal(condJSON, &p.Conditions); err != nil {
				log.Printf("WARN: skipping permission %s (invalid conditions JSON): %v", p.ID, err)
				continue
			}
		}
		permissions = append(permissions, &p)
	}
	return permissions, rows.Err()
}

func loadWebhooks(ctx context.Context, db *sql.DB) ([]*Webhook, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, entity, hook, url, method, headers, condition, async, retry, active FROM _webhooks ORDER BY entity, hook")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []*Webhook
	for rows.Next() {
		var wh Webhook
		var headersJSON, retryJSON []byte
		if err := rows.Scan(&wh.ID, &wh.Entity, &wh.Hook, &wh.URL, &wh.Method,
			&headersJSON, &wh.Condition, &wh.Async, &retryJSON, &wh.Active); err != nil {
			return nil, fmt.Errorf("scan webhook row: %w", err)
		}
		if len(headersJSON) > 0 {
			if err := json.Unmarshal(headersJSON, &wh.Headers); err != nil {
				log.Printf("WARN: skipping webhook %s (invalid headers JSON): %v", wh.ID, err)
				continue
			}
		}
		if len(retryJSON) > 0 {
			if err := json.Unmarshal(retryJSON, &wh.Retry); err != nil {
				log.Printf("WARN: skipping webhook %s (invalid retry JSON): %v", wh.ID, err)
				continue
			}
		}
		if wh.Retry.MaxAttempts == 0 {
			wh.Retry = WebhookRetry{MaxAttempts: 3, Backoff: "exponential"}
		}
		webhooks = append(webhooks, &wh)
	}
	return webhooks, rows.Err()
}
