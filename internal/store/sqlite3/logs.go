package sqlite3

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/mhismail3/tron/internal/service"
)

// ─── Structured Logs ───

var logColumns = []any{
	"id", "timestamp", "level", "component", "message",
	"session_id", "workspace_id", "event_id", "turn",
	"trace_id", "parent_trace_id", "depth",
	"data", "error_message", "error_stack",
}

func scanLog(scan func(dest ...any) error) (*service.LogEntry, error) {
	var e service.LogEntry
	if err := scan(
		&e.ID, &e.Timestamp, &e.Level, &e.Component, &e.Message,
		&e.SessionID, &e.WorkspaceID, &e.EventID, &e.Turn,
		&e.TraceID, &e.ParentTraceID, &e.Depth,
		&e.Data, &e.ErrorMessage, &e.ErrorStack,
	); err != nil {
		return nil, err
	}

	return &e, nil
}

func (s *SQLite) AppendLog(ctx context.Context, entry service.LogEntry) (*service.LogEntry, error) {
	entry.ID = service.NewID(service.PrefixLog)
	if entry.Timestamp == "" {
		entry.Timestamp = nowRFC3339()
	}

	query, _, err := s.goqu.Insert(s.tableLogs).Rows(
		goqu.Record{
			"id":              entry.ID,
			"timestamp":       entry.Timestamp,
			"level":           entry.Level,
			"component":       entry.Component,
			"message":         entry.Message,
			"session_id":      entry.SessionID,
			"workspace_id":    entry.WorkspaceID,
			"event_id":        entry.EventID,
			"turn":            entry.Turn,
			"trace_id":        entry.TraceID,
			"parent_trace_id": entry.ParentTraceID,
			"depth":           entry.Depth,
			"data":            entry.Data,
			"error_message":   entry.ErrorMessage,
			"error_stack":     entry.ErrorStack,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert log query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("append log: %w", err)
	}

	ftsQuery := fmt.Sprintf("INSERT INTO %s (log_id, message, component) VALUES (?, ?, ?)", s.ftsLogs())
	if _, err := s.db.ExecContext(ctx, ftsQuery, entry.ID, entry.Message, entry.Component); err != nil {
		return nil, fmt.Errorf("index log: %w", err)
	}

	return &entry, nil
}

func (s *SQLite) QueryLogs(ctx context.Context, q service.LogQuery) ([]service.LogEntry, error) {
	ds := s.goqu.From(s.tableLogs).
		Select(logColumns...).
		Order(goqu.I("timestamp").Desc())

	if q.SessionID != "" {
		ds = ds.Where(goqu.I("session_id").Eq(q.SessionID))
	}
	if q.Level != "" {
		ds = ds.Where(goqu.I("level").Eq(q.Level))
	}
	if q.Component != "" {
		ds = ds.Where(goqu.I("component").Eq(q.Component))
	}
	if q.TraceID != "" {
		ds = ds.Where(goqu.I("trace_id").Eq(q.TraceID))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	ds = ds.Limit(uint(limit)).Offset(uint(q.Offset))

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query logs query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var result []service.LogEntry
	for rows.Next() {
		e, err := scanLog(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		result = append(result, *e)
	}

	return result, rows.Err()
}

func (s *SQLite) SearchLogs(ctx context.Context, query string, limit int) ([]service.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	ftsQuery := fmt.Sprintf(`
SELECT log_id FROM %[1]s WHERE %[1]s MATCH ? ORDER BY bm25(%[1]s) LIMIT ?`, s.ftsLogs())

	rows, err := s.db.QueryContext(ctx, ftsQuery, "message : "+escapeFTSQuery(query), limit)
	if err != nil {
		return nil, fmt.Errorf("search logs: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan log id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, nil
	}

	selectQuery, _, err := s.goqu.From(s.tableLogs).
		Select(logColumns...).
		Where(goqu.I("id").In(ids)).
		Order(goqu.I("timestamp").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build log select query: %w", err)
	}

	logRows, err := s.db.QueryContext(ctx, selectQuery)
	if err != nil {
		return nil, fmt.Errorf("read matched logs: %w", err)
	}
	defer logRows.Close()

	var result []service.LogEntry
	for logRows.Next() {
		e, err := scanLog(logRows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		result = append(result, *e)
	}

	return result, logRows.Err()
}

// PruneLogs removes rows older than the retention window and their FTS
// mirrors.
func (s *SQLite) PruneLogs(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)

	ftsQuery := fmt.Sprintf(
		"DELETE FROM %s WHERE log_id IN (SELECT id FROM %s WHERE timestamp < ?)",
		s.ftsLogs(), s.prefix+"logs",
	)
	if _, err := s.db.ExecContext(ctx, ftsQuery, cutoff); err != nil {
		return 0, fmt.Errorf("deindex pruned logs: %w", err)
	}

	query, _, err := s.goqu.Delete(s.tableLogs).
		Where(goqu.I("timestamp").Lt(cutoff)).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build prune logs query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("prune logs: %w", err)
	}

	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return pruned, nil
}
