package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/mhismail3/tron/internal/service"
)

// ─── Branch CRUD ───

type branchRow struct {
	ID             string `db:"id"`
	SessionID      string `db:"session_id"`
	Name           string `db:"name"`
	Description    string `db:"description"`
	RootEventID    string `db:"root_event_id"`
	HeadEventID    string `db:"head_event_id"`
	IsDefault      bool   `db:"is_default"`
	CreatedAt      string `db:"created_at"`
	LastActivityAt string `db:"last_activity_at"`
}

func (r branchRow) record() *service.Branch {
	return &service.Branch{
		ID:             r.ID,
		SessionID:      r.SessionID,
		Name:           r.Name,
		Description:    r.Description,
		RootEventID:    r.RootEventID,
		HeadEventID:    r.HeadEventID,
		IsDefault:      r.IsDefault,
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.LastActivityAt,
	}
}

var branchColumns = []any{
	"id", "session_id", "name", "description",
	"root_event_id", "head_event_id", "is_default",
	"created_at", "last_activity_at",
}

func (s *SQLite) CreateBranch(ctx context.Context, b service.Branch) (*service.Branch, error) {
	b.ID = service.NewID(service.PrefixBranch)
	now := nowRFC3339()
	b.CreatedAt = now
	b.LastActivityAt = now

	query, _, err := s.goqu.Insert(s.tableBranches).Rows(
		goqu.Record{
			"id":               b.ID,
			"session_id":       b.SessionID,
			"name":             b.Name,
			"description":      b.Description,
			"root_event_id":    b.RootEventID,
			"head_event_id":    b.HeadEventID,
			"is_default":       b.IsDefault,
			"created_at":       b.CreatedAt,
			"last_activity_at": b.LastActivityAt,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert branch query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create branch %q: %w", b.Name, err)
	}

	return &b, nil
}

func (s *SQLite) GetBranch(ctx context.Context, id string) (*service.Branch, error) {
	query, _, err := s.goqu.From(s.tableBranches).
		Select(branchColumns...).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get branch query: %w", err)
	}

	var row branchRow
	err = s.db.QueryRowContext(ctx, query).Scan(
		&row.ID, &row.SessionID, &row.Name, &row.Description,
		&row.RootEventID, &row.HeadEventID, &row.IsDefault,
		&row.CreatedAt, &row.LastActivityAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: branch %s", service.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get branch %q: %w", id, err)
	}

	return row.record(), nil
}

func (s *SQLite) ListBranches(ctx context.Context, sessionID string) ([]service.Branch, error) {
	query, _, err := s.goqu.From(s.tableBranches).
		Select(branchColumns...).
		Where(goqu.I("session_id").Eq(sessionID)).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list branches query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	var result []service.Branch
	for rows.Next() {
		var row branchRow
		if err := rows.Scan(
			&row.ID, &row.SessionID, &row.Name, &row.Description,
			&row.RootEventID, &row.HeadEventID, &row.IsDefault,
			&row.CreatedAt, &row.LastActivityAt,
		); err != nil {
			return nil, fmt.Errorf("scan branch row: %w", err)
		}
		result = append(result, *row.record())
	}

	return result, rows.Err()
}

func (s *SQLite) UpdateBranchHead(ctx context.Context, id, headEventID string) error {
	query, _, err := s.goqu.Update(s.tableBranches).Set(
		goqu.Record{
			"head_event_id":    headEventID,
			"last_activity_at": nowRFC3339(),
		},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update branch head query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("update branch head %q: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: branch %s", service.ErrNotFound, id)
	}

	return nil
}

// SetDefaultBranch makes branchID the session's single default,
// clearing any sibling defaults in the same transaction.
func (s *SQLite) SetDefaultBranch(ctx context.Context, sessionID, branchID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	clearQuery, _, err := s.goqu.Update(s.tableBranches).Set(
		goqu.Record{"is_default": false},
	).Where(goqu.I("session_id").Eq(sessionID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build clear defaults query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, clearQuery); err != nil {
		return fmt.Errorf("clear default branches: %w", err)
	}

	setQuery, _, err := s.goqu.Update(s.tableBranches).Set(
		goqu.Record{"is_default": true},
	).Where(goqu.I("id").Eq(branchID), goqu.I("session_id").Eq(sessionID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build set default query: %w", err)
	}

	res, err := tx.ExecContext(ctx, setQuery)
	if err != nil {
		return fmt.Errorf("set default branch %q: %w", branchID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: branch %s in session %s", service.ErrNotFound, branchID, sessionID)
	}

	return tx.Commit()
}

func (s *SQLite) DeleteBranch(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableBranches).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete branch query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete branch %q: %w", id, err)
	}

	return nil
}
