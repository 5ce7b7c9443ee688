package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/doug-martin/goqu/v9"
	"github.com/mhismail3/tron/internal/service"
)

// ─── Workspace CRUD ───

type workspaceRow struct {
	ID             string `db:"id"`
	Path           string `db:"path"`
	Name           string `db:"name"`
	CreatedAt      string `db:"created_at"`
	LastActivityAt string `db:"last_activity_at"`
}

func (r workspaceRow) record() *service.Workspace {
	return &service.Workspace{
		ID:             r.ID,
		Path:           r.Path,
		Name:           r.Name,
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.LastActivityAt,
	}
}

func (s *SQLite) CreateWorkspace(ctx context.Context, path, name string) (*service.Workspace, error) {
	if name == "" {
		name = filepath.Base(path)
	}

	id := service.NewID(service.PrefixWorkspace)
	now := nowRFC3339()

	query, _, err := s.goqu.Insert(s.tableWorkspaces).Rows(
		goqu.Record{
			"id":               id,
			"path":             path,
			"name":             name,
			"created_at":       now,
			"last_activity_at": now,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert workspace query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create workspace %q: %w", path, err)
	}

	return &service.Workspace{
		ID:             id,
		Path:           path,
		Name:           name,
		CreatedAt:      now,
		LastActivityAt: now,
	}, nil
}

func (s *SQLite) GetOrCreateWorkspace(ctx context.Context, path string) (*service.Workspace, error) {
	ws, err := s.GetWorkspaceByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	if ws != nil {
		return ws, nil
	}

	return s.CreateWorkspace(ctx, path, "")
}

func (s *SQLite) GetWorkspaceByPath(ctx context.Context, path string) (*service.Workspace, error) {
	query, _, err := s.goqu.From(s.tableWorkspaces).
		Select("id", "path", "name", "created_at", "last_activity_at").
		Where(goqu.I("path").Eq(path)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get workspace query: %w", err)
	}

	var row workspaceRow
	err = s.db.QueryRowContext(ctx, query).Scan(&row.ID, &row.Path, &row.Name, &row.CreatedAt, &row.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace by path %q: %w", path, err)
	}

	return row.record(), nil
}

func (s *SQLite) GetWorkspace(ctx context.Context, id string) (*service.Workspace, error) {
	query, _, err := s.goqu.From(s.tableWorkspaces).
		Select("id", "path", "name", "created_at", "last_activity_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get workspace query: %w", err)
	}

	var row workspaceRow
	err = s.db.QueryRowContext(ctx, query).Scan(&row.ID, &row.Path, &row.Name, &row.CreatedAt, &row.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, service.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace %q: %w", id, err)
	}

	return row.record(), nil
}

func (s *SQLite) ListWorkspaces(ctx context.Context) ([]service.Workspace, error) {
	query, _, err := s.goqu.From(s.tableWorkspaces).
		Select("id", "path", "name", "created_at", "last_activity_at").
		Order(goqu.I("last_activity_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list workspaces query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var result []service.Workspace
	for rows.Next() {
		var row workspaceRow
		if err := rows.Scan(&row.ID, &row.Path, &row.Name, &row.CreatedAt, &row.LastActivityAt); err != nil {
			return nil, fmt.Errorf("scan workspace row: %w", err)
		}
		result = append(result, *row.record())
	}

	return result, rows.Err()
}

// touchWorkspace bumps last_activity_at inside an existing transaction.
func (s *SQLite) touchWorkspace(ctx context.Context, tx *sql.Tx, id string) error {
	query, _, err := s.goqu.Update(s.tableWorkspaces).Set(
		goqu.Record{"last_activity_at": nowRFC3339()},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build touch workspace query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("touch workspace %q: %w", id, err)
	}

	return nil
}
