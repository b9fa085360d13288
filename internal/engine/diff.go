package engine

import (
	"context"
	"fmt"
	"strings"

	"forge-backend/internal/metadata"
	"forge-backend/internal/store"
)

// ExecuteChildWrite dispatches to the appropriate write mode handler.
// Inline transition webhooks from child state machines accumulate in hooks
// so the caller can fire them after commit.
func ExecuteChildWrite(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, parentID any, rw *RelationWrite, user *metadata.UserContext, hooks *[]TransitionWebhook) error {
	if rw.Relation.IsManyToMany() {
		return executeManyToManyWrite(ctx, q, dialect, reg, parentID, rw)
	}
	return executeOneToManyWrite(ctx, q, dialect, reg, parentID, rw, user, hooks)
}

func executeOneToManyWrite(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, parentID any, rw *RelationWrite, user *metadata.UserContext, hooks *[]TransitionWebhook) error {
	rel := rw.Relation
	targetEntity := reg.GetEntity(rel.Target)
	if targetEntity == nil {
		return fmt.Errorf("unknown target entity: %s", rel.Target)
	}

	switch rw.WriteMode {
	case "replace":
		return executeReplaceWrite(ctx, q, dialect, reg, targetEntity, rel, parentID, rw.Data, user, hooks)
	case "append":
		return executeAppendWrite(ctx, q, dialect, reg, targetEntity, rel, parentID, rw.Data, user, hooks)
	default:
		return executeDiffWrite(ctx, q, dialect, reg, targetEntity, rel, parentID, rw.Data, user, hooks)
	}
}

func executeDiffWrite(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, targetEntity *metadata.Entity, rel *metadata.Relation, parentID any, data []map[string]any, user *metadata.UserContext, hooks *[]TransitionWebhook) error {
	pkField := targetEntity.PrimaryKey.Field

	existing, err := fetchCurrentChildren(ctx, q, dialect, targetEntity, rel, parentID)
	if err != nil {
		return err
	}
	existingByPK := indexByPK(existing, pkField)

	for _, row := range data {
		if del, ok := row["_delete"]; ok && del == true {
			pk := row[pkField]
			if pk != nil {
				if err := deleteChild(ctx, q, dialect, targetEntity, pk); err != nil {
					return err
				}
			}
			continue
		}

		pk := row[pkField]
		if pk != nil {
			// PK present but not among current children: leave alone in diff mode
			if old, exists := existingByPK[fmt.Sprintf("%v", pk)]; exists {
				if err := writeChildRecord(ctx, q, dialect, reg, targetEntity, rel, parentID, pk, old, row, user, hooks); err != nil {
					return err
				}
			}
		} else {
			if err := writeChildRecord(ctx, q, dialect, reg, targetEntity, rel, parentID, nil, nil, row, user, hooks); err != nil {
				return err
			}
		}
	}

	return nil
}

func executeReplaceWrite(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, targetEntity *metadata.Entity, rel *metadata.Relation, parentID any, data []map[string]any, user *metadata.UserContext, hooks *[]TransitionWebhook) error {
	pkField := targetEntity.PrimaryKey.Field

	existing, err := fetchCurrentChildren(ctx, q, dialect, targetEntity, rel, parentID)
	if err != nil {
		return err
	}
	existingByPK := indexByPK(existing, pkField)
	seen := make(map[string]bool)

	for _, row := range data {
		pk := row[pkField]
		if pk != nil {
			pkStr := fmt.Sprintf("%v", pk)
			if old, exists := existingByPK[pkStr]; exists {
				seen[pkStr] = true
				if err := writeChildRecord(ctx, q, dialect, reg, targetEntity, rel, parentID, pk, old, row, user, hooks); err != nil {
					return err
				}
			}
		} else {
			if err := writeChildRecord(ctx, q, dialect, reg, targetEntity, rel, parentID, nil, nil, row, user, hooks); err != nil {
				return err
			}
		}
	}

	// Rows absent from the payload are removed: the payload is the post-state
	for pkStr, old := range existingByPK {
		if !seen[pkStr] {
			if err := deleteChild(ctx, q, dialect, targetEntity, old[pkField]); err != nil {
				return err
			}
		}
	}

	return nil
}

func executeAppendWrite(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, targetEntity *metadata.Entity, rel *metadata.Relation, parentID any, data []map[string]any, user *metadata.UserContext, hooks *[]TransitionWebhook) error {
	pkField := targetEntity.PrimaryKey.Field

	for _, row := range data {
		if row[pkField] != nil {
			continue // append mode never touches existing rows
		}
		if err := writeChildRecord(ctx, q, dialect, reg, targetEntity, rel, parentID, nil, nil, row, user, hooks); err != nil {
			return err
		}
	}
	return nil
}

// writeChildRecord runs a single child row through the same pipeline as a
// top-level write: rules, state machines, slug, file resolution, then the
// SQL write and any deeper nested relations.
func writeChildRecord(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, entity *metadata.Entity, rel *metadata.Relation, parentID, childID any, old map[string]any, body map[string]any, user *metadata.UserContext, hooks *[]TransitionWebhook) error {
	isCreate := childID == nil

	payload := make(map[string]any, len(body))
	for k, v := range body {
		if k == "_delete" {
			continue
		}
		payload[k] = v
	}
	fields, grandchildren, unknown := SeparateFieldsAndRelations(entity, reg, payload)
	if len(unknown) > 0 {
		return NewAppError("UNKNOWN_FIELD", 422,
			fmt.Sprintf("Unknown field or relation on %s: %s", entity.Name, strings.Join(unknown, ", ")))
	}

	// The committed parent PK always wins over whatever the payload carried
	fields[rel.TargetKey] = parentID

	if validationErrs := ValidateFields(entity, fields, isCreate); len(validationErrs) > 0 {
		return ValidationError(validationErrs)
	}
	if old == nil {
		old = map[string]any{}
	}
	if ruleErrs := EvaluateRules(ctx, reg, entity.Name, "before_write", fields, old, isCreate, user); len(ruleErrs) > 0 {
		return ValidationError(ruleErrs)
	}
	childHooks, smErrs := EvaluateStateMachines(ctx, reg, entity.Name, fields, old, isCreate, user)
	if len(smErrs) > 0 {
		return ValidationError(smErrs)
	}
	if hooks != nil {
		*hooks = append(*hooks, childHooks...)
	}
	if err := autoGenerateSlug(ctx, q, entity, dialect, fields, isCreate, old, childID); err != nil {
		return err
	}
	if err := resolveFileFields(ctx, q, entity, fields, dialect); err != nil {
		return err
	}

	var newID any
	if isCreate {
		sql, params := BuildInsertSQL(entity, fields, dialect)
		row, err := store.QueryRow(ctx, q, sql, params...)
		if err != nil {
			return fmt.Errorf("insert %s: %w", entity.Table, err)
		}
		newID = row[entity.PrimaryKey.Field]
	} else {
		newID = childID
		sql, params := BuildUpdateSQL(entity, childID, fields, dialect)
		if sql != "" {
			if _, err := store.Exec(ctx, q, sql, params...); err != nil {
				return fmt.Errorf("update %s: %w", entity.Table, err)
			}
		}
	}

	for _, gc := range grandchildren {
		if err := ExecuteChildWrite(ctx, q, dialect, reg, newID, gc, user, hooks); err != nil {
			return err
		}
	}
	return nil
}

// Many-to-many writes operate on the join table and never recurse into
// target rows; those are managed as independent entities.
func executeManyToManyWrite(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, parentID any, rw *RelationWrite) error {
	rel := rw.Relation
	targetEntity := reg.GetEntity(rel.Target)
	if targetEntity == nil {
		return fmt.Errorf("unknown target entity: %s", rel.Target)
	}
	targetPKField := targetEntity.PrimaryKey.Field

	switch rw.WriteMode {
	case "replace":
		// Delete all current join rows, insert all incoming
		pb := dialect.NewParamBuilder()
		delSQL := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", rel.JoinTable, rel.SourceJoinKey, pb.Add(parentID))
		if _, err := store.Exec(ctx, q, delSQL, pb.Params()...); err != nil {
			return fmt.Errorf("delete join rows: %w", err)
		}
		for _, row := range rw.Data {
			targetID := joinTargetID(row, targetPKField)
			if targetID == nil {
				continue
			}
			if err := insertJoinRow(ctx, q, dialect, rel, parentID, targetID); err != nil {
				return err
			}
		}

	case "append":
		for _, row := range rw.Data {
			targetID := joinTargetID(row, targetPKField)
			if targetID == nil {
				continue
			}
			pb := dialect.NewParamBuilder()
			sql := fmt.Sprintf(
				"INSERT INTO %s (%s, %s) VALUES (%s, %s) ON CONFLICT DO NOTHING",
				rel.JoinTable, rel.SourceJoinKey, rel.TargetJoinKey, pb.Add(parentID), pb.Add(targetID))
			if _, err := store.Exec(ctx, q, sql, pb.Params()...); err != nil {
				return fmt.Errorf("insert join row: %w", err)
			}
		}

	default: // diff
		pb := dialect.NewParamBuilder()
		currentSQL := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
			rel.TargetJoinKey, rel.JoinTable, rel.SourceJoinKey, pb.Add(parentID))
		currentRows, err := store.QueryRows(ctx, q, currentSQL, pb.Params()...)
		if err != nil {
			return fmt.Errorf("fetch current join rows: %w", err)
		}
		currentTargets := make(map[string]bool)
		for _, r := range currentRows {
			if v := r[rel.TargetJoinKey]; v != nil {
				currentTargets[fmt.Sprintf("%v", v)] = true
			}
		}

		for _, row := range rw.Data {
			targetID := joinTargetID(row, targetPKField)
			if targetID == nil {
				continue
			}

			if del, ok := row["_delete"]; ok && del == true {
				pb := dialect.NewParamBuilder()
				delSQL := fmt.Sprintf("DELETE FROM %s WHERE %s = %s AND %s = %s",
					rel.JoinTable, rel.SourceJoinKey, pb.Add(parentID), rel.TargetJoinKey, pb.Add(targetID))
				if _, err := store.Exec(ctx, q, delSQL, pb.Params()...); err != nil {
					return fmt.Errorf("delete join row: %w", err)
				}
				continue
			}

			if !currentTargets[fmt.Sprintf("%v", targetID)] {
				if err := insertJoinRow(ctx, q, dialect, rel, parentID, targetID); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// Helper functions

func joinTargetID(row map[string]any, targetPKField string) any {
	if id := row[targetPKField]; id != nil {
		return id
	}
	return row["id"]
}

func fetchCurrentChildren(ctx context.Context, q store.Querier, dialect store.Dialect, entity *metadata.Entity, rel *metadata.Relation, parentID any) ([]map[string]any, error) {
	columns := strings.Join(entity.FieldNames(), ", ")
	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s", columns, entity.Table, rel.TargetKey, pb.Add(parentID))
	if entity.SoftDelete {
		sql += " AND deleted_at IS NULL"
	}
	return store.QueryRows(ctx, q, sql, pb.Params()...)
}

func indexByPK(rows []map[string]any, pkField string) map[string]map[string]any {
	m := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		if pk := row[pkField]; pk != nil {
			m[fmt.Sprintf("%v", pk)] = row
		}
	}
	return m
}

func deleteChild(ctx context.Context, q store.Querier, dialect store.Dialect, entity *metadata.Entity, id any) error {
	if entity.SoftDelete {
		sql, params := BuildSoftDeleteSQL(entity, id, dialect)
		if _, err := store.Exec(ctx, q, sql, params...); err != nil {
			return fmt.Errorf("soft delete %s: %w", entity.Table, err)
		}
		return nil
	}
	sql, params := BuildHardDeleteSQL(entity, id, dialect)
	if _, err := store.Exec(ctx, q, sql, params...); err != nil {
		return fmt.Errorf("hard delete %s: %w", entity.Table, err)
	}
	return nil
}

func insertJoinRow(ctx context.Context, q store.Querier, dialect store.Dialect, rel *metadata.Relation, sourceID, targetID any) error {
	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (%s, %s)",
		rel.JoinTable, rel.SourceJoinKey, rel.TargetJoinKey, pb.Add(sourceID), pb.Add(targetID))
	if _, err := store.Exec(ctx, q, sql, pb.Params()...); err != nil {
		return fmt.Errorf("insert join row in %s: %w", rel.JoinTable, err)
	}
	return nil
}
