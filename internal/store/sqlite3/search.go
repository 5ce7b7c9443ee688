package sqlite3

import (
	"context"
	"fmt"
	"strings"

	"github.com/mhismail3/tron/internal/service"
)

// ─── Full-Text Search ───

const defaultSearchLimit = 50

// SearchContent runs an FTS5 MATCH over indexed event content, ranked
// by bm25, with marked snippets.
func (s *SQLite) SearchContent(ctx context.Context, query string, opts service.SearchOptions) ([]service.SearchHit, error) {
	return s.searchFTS(ctx, "{content tool_name} : "+escapeFTSQuery(query), opts)
}

// SearchByToolName restricts the match to the tool_name column.
func (s *SQLite) SearchByToolName(ctx context.Context, toolName string, opts service.SearchOptions) ([]service.SearchHit, error) {
	return s.searchFTS(ctx, "tool_name : "+escapeFTSQuery(toolName), opts)
}

func (s *SQLite) searchFTS(ctx context.Context, match string, opts service.SearchOptions) ([]service.SearchHit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var conds []string
	args := []any{match}

	if opts.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.WorkspaceID != "" {
		conds = append(conds, "workspace_id = ?")
		args = append(args, opts.WorkspaceID)
	}
	if len(opts.Types) > 0 {
		placeholders := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, "type IN ("+strings.Join(placeholders, ", ")+")")
	}

	where := ""
	if len(conds) > 0 {
		where = " AND " + strings.Join(conds, " AND ")
	}

	args = append(args, limit, opts.Offset)

	query := fmt.Sprintf(`
SELECT event_id, session_id, type, tool_name,
       snippet(%[1]s, 4, '<mark>', '</mark>', '…', 24),
       bm25(%[1]s)
FROM %[1]s
WHERE %[1]s MATCH ?%[2]s
ORDER BY bm25(%[1]s)
LIMIT ? OFFSET ?`,
		s.ftsEvents(), where,
	)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	defer rows.Close()

	var result []service.SearchHit
	for rows.Next() {
		var hit service.SearchHit
		var eventType string
		if err := rows.Scan(&hit.EventID, &hit.SessionID, &eventType, &hit.ToolName, &hit.Snippet, &hit.Rank); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		hit.Type = service.EventType(eventType)
		result = append(result, hit)
	}

	return result, rows.Err()
}

// ReindexByType drops and rebuilds the FTS rows for every event of one
// type. Used after extractor changes in migrations.
func (s *SQLite) ReindexByType(ctx context.Context, eventType service.EventType) (int64, error) {
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE type = ?", s.ftsEvents())
	if _, err := s.db.ExecContext(ctx, deleteQuery, string(eventType)); err != nil {
		return 0, fmt.Errorf("deindex type %q: %w", eventType, err)
	}

	selectQuery := fmt.Sprintf("SELECT %s FROM %s WHERE type = ? ORDER BY session_id, sequence", eventColumnList, s.prefix+"events")

	return s.reindexRows(ctx, selectQuery, string(eventType))
}

// RebuildSessionIndex reconstructs a session's FTS rows from its
// events; the result is identical to live-path indexing.
func (s *SQLite) RebuildSessionIndex(ctx context.Context, sessionID string) (int64, error) {
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE session_id = ?", s.ftsEvents())
	if _, err := s.db.ExecContext(ctx, deleteQuery, sessionID); err != nil {
		return 0, fmt.Errorf("deindex session %q: %w", sessionID, err)
	}

	selectQuery := fmt.Sprintf("SELECT %s FROM %s WHERE session_id = ? ORDER BY sequence", eventColumnList, s.prefix+"events")

	return s.reindexRows(ctx, selectQuery, sessionID)
}

func (s *SQLite) reindexRows(ctx context.Context, selectQuery string, arg any) (int64, error) {
	rows, err := s.db.QueryContext(ctx, selectQuery, arg)
	if err != nil {
		return 0, fmt.Errorf("read events for reindex: %w", err)
	}

	var events []service.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan event row: %w", err)
		}
		events = append(events, *e)
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var indexed int64
	for i := range events {
		content, toolName, ok := service.ExtractSearchText(&events[i])
		if !ok {
			continue
		}

		insert := fmt.Sprintf(
			"INSERT INTO %s (event_id, session_id, workspace_id, type, content, tool_name) VALUES (?, ?, ?, ?, ?, ?)",
			s.ftsEvents(),
		)
		e := &events[i]
		if _, err := tx.ExecContext(ctx, insert, e.ID, e.SessionID, e.WorkspaceID, string(e.Type), content, toolName); err != nil {
			return 0, fmt.Errorf("reindex event %s: %w", e.ID, err)
		}
		indexed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	return indexed, nil
}

// escapeFTSQuery quotes each term so user input cannot inject FTS5
// query syntax.
func escapeFTSQuery(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}

	return strings.Join(terms, " ")
}
