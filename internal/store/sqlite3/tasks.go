package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/mhismail3/tron/internal/service"
	"github.com/worldline-go/types"
)

// ─── Tasks ───

var taskColumns = []any{
	"id", "title", "description", "status",
	"project_id", "area_id", "session_id",
	"depends_on", "tags", "metadata",
	"created_at", "updated_at", "completed_at",
}

func scanTask(scan func(dest ...any) error) (*service.Task, error) {
	var t service.Task
	var metadata string
	if err := scan(
		&t.ID, &t.Title, &t.Description, &t.Status,
		&t.ProjectID, &t.AreaID, &t.SessionID,
		&t.DependsOn, &t.Tags, &metadata,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	); err != nil {
		return nil, err
	}

	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal task metadata for %q: %w", t.ID, err)
		}
	}

	return &t, nil
}

func marshalMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}

	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal task metadata: %w", err)
	}

	return string(raw), nil
}

func (s *SQLite) CreateTask(ctx context.Context, t service.Task) (*service.Task, error) {
	if t.Status == "" {
		t.Status = service.TaskStatusInbox
	}

	if err := s.checkDependencyCycle(ctx, "", t.DependsOn); err != nil {
		return nil, err
	}

	// A nil slice would be written as NULL; the columns are NOT NULL.
	if t.DependsOn == nil {
		t.DependsOn = types.Slice[string]{}
	}
	if t.Tags == nil {
		t.Tags = types.Slice[string]{}
	}

	t.ID = service.NewID(service.PrefixTask)
	now := nowRFC3339()
	t.CreatedAt = now
	t.UpdatedAt = now

	metadata, err := marshalMetadata(t.Metadata)
	if err != nil {
		return nil, err
	}

	query, args, err := s.goqu.Insert(s.tableTasks).Rows(
		goqu.Record{
			"id":          t.ID,
			"title":       t.Title,
			"description": t.Description,
			"status":      t.Status,
			"project_id":  t.ProjectID,
			"area_id":     t.AreaID,
			"session_id":  t.SessionID,
			"depends_on":  t.DependsOn,
			"tags":        t.Tags,
			"metadata":    metadata,
			"created_at":  t.CreatedAt,
			"updated_at":  t.UpdatedAt,
		},
	).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert task query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("create task %q: %w", t.Title, err)
	}

	if err := s.appendTaskActivity(ctx, t.ID, "created", t.Title, t.SessionID); err != nil {
		return nil, err
	}

	return &t, nil
}

func (s *SQLite) GetTask(ctx context.Context, id string) (*service.Task, error) {
	query, _, err := s.goqu.From(s.tableTasks).
		Select(taskColumns...).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get task query: %w", err)
	}

	t, err := scanTask(s.db.QueryRowContext(ctx, query).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", service.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %q: %w", id, err)
	}

	return t, nil
}

func (s *SQLite) ListTasks(ctx context.Context, filter service.TaskFilter) ([]service.Task, error) {
	ds := s.goqu.From(s.tableTasks).
		Select(taskColumns...).
		Order(goqu.I("created_at").Asc())

	if filter.Status != "" {
		ds = ds.Where(goqu.I("status").Eq(filter.Status))
	}
	if filter.ProjectID != "" {
		ds = ds.Where(goqu.I("project_id").Eq(filter.ProjectID))
	}
	if filter.AreaID != "" {
		ds = ds.Where(goqu.I("area_id").Eq(filter.AreaID))
	}
	if filter.SessionID != "" {
		ds = ds.Where(goqu.I("session_id").Eq(filter.SessionID))
	}
	if filter.Limit > 0 {
		ds = ds.Limit(uint(filter.Limit))
	}

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list tasks query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var result []service.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		result = append(result, *t)
	}

	return result, rows.Err()
}

func (s *SQLite) UpdateTask(ctx context.Context, id string, t service.Task) (*service.Task, error) {
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.checkDependencyCycle(ctx, id, t.DependsOn); err != nil {
		return nil, err
	}

	metadata, err := marshalMetadata(t.Metadata)
	if err != nil {
		return nil, err
	}

	rec := goqu.Record{
		"title":       t.Title,
		"description": t.Description,
		"status":      t.Status,
		"project_id":  t.ProjectID,
		"area_id":     t.AreaID,
		"session_id":  t.SessionID,
		"depends_on":  t.DependsOn,
		"tags":        t.Tags,
		"metadata":    metadata,
		"updated_at":  nowRFC3339(),
	}

	if t.Status == service.TaskStatusDone && current.Status != service.TaskStatusDone {
		rec["completed_at"] = nowRFC3339()
	}

	query, args, err := s.goqu.Update(s.tableTasks).Set(rec).
		Where(goqu.I("id").Eq(id)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update task query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("update task %q: %w", id, err)
	}

	if t.Status != current.Status {
		if err := s.appendTaskActivity(ctx, id, "status", t.Status, t.SessionID); err != nil {
			return nil, err
		}
	}

	return s.GetTask(ctx, id)
}

func (s *SQLite) DeleteTask(ctx context.Context, id string) error {
	activityQuery, _, err := s.goqu.Delete(s.tableTaskActivity).
		Where(goqu.I("task_id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete task activity query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, activityQuery); err != nil {
		return fmt.Errorf("delete task activity %q: %w", id, err)
	}

	query, _, err := s.goqu.Delete(s.tableTasks).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete task query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete task %q: %w", id, err)
	}

	return nil
}

func (s *SQLite) appendTaskActivity(ctx context.Context, taskID, kind, detail, sessionID string) error {
	query, _, err := s.goqu.Insert(s.tableTaskActivity).Rows(
		goqu.Record{
			"id":         service.NewID(service.PrefixTask),
			"task_id":    taskID,
			"kind":       kind,
			"detail":     detail,
			"session_id": sessionID,
			"created_at": nowRFC3339(),
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert task activity query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("append task activity: %w", err)
	}

	return nil
}

func (s *SQLite) ListTaskActivity(ctx context.Context, taskID string) ([]service.TaskActivity, error) {
	query, _, err := s.goqu.From(s.tableTaskActivity).
		Select("id", "task_id", "kind", "detail", "session_id", "created_at").
		Where(goqu.I("task_id").Eq(taskID)).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list task activity query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list task activity: %w", err)
	}
	defer rows.Close()

	var result []service.TaskActivity
	for rows.Next() {
		var a service.TaskActivity
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Kind, &a.Detail, &a.SessionID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task activity row: %w", err)
		}
		result = append(result, a)
	}

	return result, rows.Err()
}

// checkDependencyCycle walks the dependency graph from each proposed
// dependency; reaching taskID again means the edge would close a cycle.
func (s *SQLite) checkDependencyCycle(ctx context.Context, taskID string, dependsOn types.Slice[string]) error {
	if len(dependsOn) == 0 || taskID == "" {
		return nil
	}

	visited := make(map[string]bool)
	queue := append([]string{}, dependsOn...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if id == taskID {
			return fmt.Errorf("%w: task %s", service.ErrDependencyCycle, taskID)
		}
		if visited[id] {
			continue
		}
		visited[id] = true

		t, err := s.GetTask(ctx, id)
		if err != nil {
			if errors.Is(err, service.ErrNotFound) {
				return fmt.Errorf("%w: dependency %s does not exist", service.ErrNotFound, id)
			}

			return err
		}

		queue = append(queue, t.DependsOn...)
	}

	return nil
}

// ─── Projects ───

func (s *SQLite) CreateProject(ctx context.Context, p service.Project) (*service.Project, error) {
	if p.Status == "" {
		p.Status = "active"
	}

	p.ID = service.NewID(service.PrefixProject)
	now := nowRFC3339()
	p.CreatedAt = now
	p.UpdatedAt = now

	query, args, err := s.goqu.Insert(s.tableProjects).Rows(
		goqu.Record{
			"id":          p.ID,
			"name":        p.Name,
			"description": p.Description,
			"area_id":     p.AreaID,
			"status":      p.Status,
			"tags":        p.Tags,
			"created_at":  p.CreatedAt,
			"updated_at":  p.UpdatedAt,
		},
	).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert project query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("create project %q: %w", p.Name, err)
	}

	return &p, nil
}

func (s *SQLite) GetProject(ctx context.Context, id string) (*service.Project, error) {
	query, _, err := s.goqu.From(s.tableProjects).
		Select("id", "name", "description", "area_id", "status", "tags", "created_at", "updated_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get project query: %w", err)
	}

	var p service.Project
	err = s.db.QueryRowContext(ctx, query).Scan(
		&p.ID, &p.Name, &p.Description, &p.AreaID, &p.Status, &p.Tags, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %s", service.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get project %q: %w", id, err)
	}

	return &p, nil
}

func (s *SQLite) ListProjects(ctx context.Context) ([]service.Project, error) {
	query, _, err := s.goqu.From(s.tableProjects).
		Select("id", "name", "description", "area_id", "status", "tags", "created_at", "updated_at").
		Order(goqu.I("name").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list projects query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var result []service.Project
	for rows.Next() {
		var p service.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.AreaID, &p.Status, &p.Tags, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		result = append(result, p)
	}

	return result, rows.Err()
}

func (s *SQLite) UpdateProject(ctx context.Context, id string, p service.Project) (*service.Project, error) {
	query, args, err := s.goqu.Update(s.tableProjects).Set(
		goqu.Record{
			"name":        p.Name,
			"description": p.Description,
			"area_id":     p.AreaID,
			"status":      p.Status,
			"tags":        p.Tags,
			"updated_at":  nowRFC3339(),
		},
	).Where(goqu.I("id").Eq(id)).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update project query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update project %q: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: project %s", service.ErrNotFound, id)
	}

	return s.GetProject(ctx, id)
}

func (s *SQLite) DeleteProject(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableProjects).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete project query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete project %q: %w", id, err)
	}

	return nil
}

// ─── Areas ───

func (s *SQLite) CreateArea(ctx context.Context, a service.Area) (*service.Area, error) {
	a.ID = service.NewID(service.PrefixArea)
	now := nowRFC3339()
	a.CreatedAt = now
	a.UpdatedAt = now

	query, _, err := s.goqu.Insert(s.tableAreas).Rows(
		goqu.Record{
			"id":          a.ID,
			"name":        a.Name,
			"description": a.Description,
			"created_at":  a.CreatedAt,
			"updated_at":  a.UpdatedAt,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert area query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create area %q: %w", a.Name, err)
	}

	return &a, nil
}

func (s *SQLite) ListAreas(ctx context.Context) ([]service.Area, error) {
	query, _, err := s.goqu.From(s.tableAreas).
		Select("id", "name", "description", "created_at", "updated_at").
		Order(goqu.I("name").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list areas query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list areas: %w", err)
	}
	defer rows.Close()

	var result []service.Area
	for rows.Next() {
		var a service.Area
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan area row: %w", err)
		}
		result = append(result, a)
	}

	return result, rows.Err()
}

func (s *SQLite) DeleteArea(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableAreas).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete area query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete area %q: %w", id, err)
	}

	return nil
}
