package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/mhismail3/tron/internal/service"
	"github.com/worldline-go/types"
)

// ─── Session Queries ───

type sessionRow struct {
	ID                  string  `db:"id"`
	WorkspaceID         string  `db:"workspace_id"`
	WorkingDirectory    string  `db:"working_directory"`
	LatestModel         string  `db:"latest_model"`
	Title               string  `db:"title"`
	Status              string  `db:"status"`
	RootEventID         string  `db:"root_event_id"`
	HeadEventID         string  `db:"head_event_id"`
	EventCount          int64   `db:"event_count"`
	MessageCount        int64   `db:"message_count"`
	TurnCount           int64   `db:"turn_count"`
	InputTokens         int64   `db:"input_tokens"`
	OutputTokens        int64   `db:"output_tokens"`
	LastTurnInputTokens int64   `db:"last_turn_input_tokens"`
	CacheReadTokens     int64   `db:"cache_read_tokens"`
	CacheCreationTokens int64   `db:"cache_creation_tokens"`
	Cost                float64 `db:"cost"`
	ParentSessionID     string  `db:"parent_session_id"`
	ForkFromEventID     string  `db:"fork_from_event_id"`
	SpawningSessionID   string  `db:"spawning_session_id"`
	SpawnType           string  `db:"spawn_type"`
	SpawnTask           string  `db:"spawn_task"`
	Tags                types.Slice[string]    `db:"tags"`
	CreatedAt           string                 `db:"created_at"`
	LastActivityAt      string                 `db:"last_activity_at"`
	EndedAt             types.Null[types.Time] `db:"ended_at"`
}

var sessionColumns = []any{
	"id", "workspace_id", "working_directory", "latest_model", "title", "status",
	"root_event_id", "head_event_id",
	"event_count", "message_count", "turn_count",
	"input_tokens", "output_tokens", "last_turn_input_tokens",
	"cache_read_tokens", "cache_creation_tokens", "cost",
	"parent_session_id", "fork_from_event_id",
	"spawning_session_id", "spawn_type", "spawn_task",
	"tags", "created_at", "last_activity_at", "ended_at",
}

func (r *sessionRow) record() *service.Session {
	return &service.Session{
		ID:                  r.ID,
		WorkspaceID:         r.WorkspaceID,
		WorkingDirectory:    r.WorkingDirectory,
		LatestModel:         r.LatestModel,
		Title:               r.Title,
		Status:              r.Status,
		RootEventID:         r.RootEventID,
		HeadEventID:         r.HeadEventID,
		EventCount:          r.EventCount,
		MessageCount:        r.MessageCount,
		TurnCount:           r.TurnCount,
		InputTokens:         r.InputTokens,
		OutputTokens:        r.OutputTokens,
		LastTurnInputTokens: r.LastTurnInputTokens,
		CacheReadTokens:     r.CacheReadTokens,
		CacheCreationTokens: r.CacheCreationTokens,
		Cost:                r.Cost,
		ParentSessionID:     r.ParentSessionID,
		ForkFromEventID:     r.ForkFromEventID,
		SpawningSessionID:   r.SpawningSessionID,
		SpawnType:           r.SpawnType,
		SpawnTask:           r.SpawnTask,
		Tags:                r.Tags,
		CreatedAt:           r.CreatedAt,
		LastActivityAt:      r.LastActivityAt,
		EndedAt:             r.EndedAt,
	}
}

func (s *SQLite) scanSession(scan func(dest ...any) error) (*service.Session, error) {
	var row sessionRow
	if err := scan(
		&row.ID, &row.WorkspaceID, &row.WorkingDirectory, &row.LatestModel, &row.Title, &row.Status,
		&row.RootEventID, &row.HeadEventID,
		&row.EventCount, &row.MessageCount, &row.TurnCount,
		&row.InputTokens, &row.OutputTokens, &row.LastTurnInputTokens,
		&row.CacheReadTokens, &row.CacheCreationTokens, &row.Cost,
		&row.ParentSessionID, &row.ForkFromEventID,
		&row.SpawningSessionID, &row.SpawnType, &row.SpawnTask,
		&row.Tags, &row.CreatedAt, &row.LastActivityAt, &row.EndedAt,
	); err != nil {
		return nil, err
	}

	return row.record(), nil
}

func (s *SQLite) GetSession(ctx context.Context, id string) (*service.Session, error) {
	query, _, err := s.goqu.From(s.tableSessions).
		Select(sessionColumns...).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get session query: %w", err)
	}

	sess, err := s.scanSession(s.db.QueryRowContext(ctx, query).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", service.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %q: %w", id, err)
	}

	return sess, nil
}

func (s *SQLite) ListSessions(ctx context.Context, workspaceID string, limit, offset int) ([]service.Session, error) {
	ds := s.goqu.From(s.tableSessions).
		Select(sessionColumns...).
		Order(goqu.I("last_activity_at").Desc())

	if workspaceID != "" {
		ds = ds.Where(goqu.I("workspace_id").Eq(workspaceID))
	}
	if limit > 0 {
		ds = ds.Limit(uint(limit)).Offset(uint(offset))
	}

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list sessions query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []service.Session
	for rows.Next() {
		sess, err := s.scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		result = append(result, *sess)
	}

	return result, rows.Err()
}

// ─── Session Updates ───

func (s *SQLite) updateSession(ctx context.Context, id string, rec goqu.Record) error {
	rec["last_activity_at"] = nowRFC3339()

	query, _, err := s.goqu.Update(s.tableSessions).Set(rec).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build update session query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("update session %q: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", service.ErrSessionNotFound, id)
	}

	return nil
}

func (s *SQLite) EndSession(ctx context.Context, id, reason string) error {
	_ = reason // recorded via a session.end event by the caller

	return s.updateSession(ctx, id, goqu.Record{
		"status":   service.SessionStatusEnded,
		"ended_at": nowRFC3339(),
	})
}

func (s *SQLite) ClearSessionEnded(ctx context.Context, id string) error {
	return s.updateSession(ctx, id, goqu.Record{
		"status":   service.SessionStatusActive,
		"ended_at": nil,
	})
}

func (s *SQLite) UpdateLatestModel(ctx context.Context, id, model string) error {
	return s.updateSession(ctx, id, goqu.Record{"latest_model": model})
}

func (s *SQLite) UpdateSessionTitle(ctx context.Context, id, title string) error {
	return s.updateSession(ctx, id, goqu.Record{"title": title})
}

func (s *SQLite) UpdateSessionSpawnInfo(ctx context.Context, id string, info service.SpawnInfo) error {
	return s.updateSession(ctx, id, goqu.Record{
		"spawning_session_id": info.SpawningSessionID,
		"spawn_type":          info.SpawnType,
		"spawn_task":          info.SpawnTask,
	})
}
