package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/mhismail3/tron/internal/service"
)

// ─── Event Rows ───

type eventRow struct {
	ID                  string `db:"id"`
	ParentID            string `db:"parent_id"`
	SessionID           string `db:"session_id"`
	WorkspaceID         string `db:"workspace_id"`
	Timestamp           string `db:"timestamp"`
	Type                string `db:"type"`
	Sequence            int64  `db:"sequence"`
	Depth               int64  `db:"depth"`
	Turn                int    `db:"turn"`
	Role                string `db:"role"`
	ToolName            string `db:"tool_name"`
	ToolCallID          string `db:"tool_call_id"`
	InputTokens         int64  `db:"input_tokens"`
	OutputTokens        int64  `db:"output_tokens"`
	CacheReadTokens     int64  `db:"cache_read_tokens"`
	CacheCreationTokens int64  `db:"cache_creation_tokens"`
	Payload             string `db:"payload"`
}

var eventColumns = []any{
	"id", "parent_id", "session_id", "workspace_id", "timestamp", "type",
	"sequence", "depth", "turn", "role", "tool_name", "tool_call_id",
	"input_tokens", "output_tokens", "cache_read_tokens", "cache_creation_tokens",
	"payload",
}

const eventColumnList = "id, parent_id, session_id, workspace_id, timestamp, type, " +
	"sequence, depth, turn, role, tool_name, tool_call_id, " +
	"input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, payload"

func scanEvent(scan func(dest ...any) error) (*service.Event, error) {
	var row eventRow
	if err := scan(
		&row.ID, &row.ParentID, &row.SessionID, &row.WorkspaceID, &row.Timestamp, &row.Type,
		&row.Sequence, &row.Depth, &row.Turn, &row.Role, &row.ToolName, &row.ToolCallID,
		&row.InputTokens, &row.OutputTokens, &row.CacheReadTokens, &row.CacheCreationTokens,
		&row.Payload,
	); err != nil {
		return nil, err
	}

	e := &service.Event{
		ID:          row.ID,
		ParentID:    row.ParentID,
		SessionID:   row.SessionID,
		WorkspaceID: row.WorkspaceID,
		Timestamp:   row.Timestamp,
		Type:        service.EventType(row.Type),
		Sequence:    row.Sequence,
		Depth:       row.Depth,
		Turn:        row.Turn,
		Role:        row.Role,
		ToolName:    row.ToolName,
		ToolCallID:  row.ToolCallID,
		Payload:     json.RawMessage(row.Payload),
	}

	if row.InputTokens != 0 || row.OutputTokens != 0 || row.CacheReadTokens != 0 || row.CacheCreationTokens != 0 {
		e.TokenUsage = &service.TokenUsage{
			Input:         row.InputTokens,
			Output:        row.OutputTokens,
			CacheRead:     row.CacheReadTokens,
			CacheCreation: row.CacheCreationTokens,
		}
	}

	return e, nil
}

func (s *SQLite) insertEventTx(ctx context.Context, tx *sql.Tx, e *service.Event) error {
	var usage service.TokenUsage
	if e.TokenUsage != nil {
		usage = *e.TokenUsage
	}

	query, _, err := s.goqu.Insert(s.tableEvents).Rows(
		goqu.Record{
			"id":                    e.ID,
			"parent_id":             e.ParentID,
			"session_id":            e.SessionID,
			"workspace_id":          e.WorkspaceID,
			"timestamp":             e.Timestamp,
			"type":                  string(e.Type),
			"sequence":              e.Sequence,
			"depth":                 e.Depth,
			"turn":                  e.Turn,
			"role":                  e.Role,
			"tool_name":             e.ToolName,
			"tool_call_id":          e.ToolCallID,
			"input_tokens":          usage.Input,
			"output_tokens":         usage.Output,
			"cache_read_tokens":     usage.CacheRead,
			"cache_creation_tokens": usage.CacheCreation,
			"payload":               string(e.Payload),
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert event query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: session %s sequence %d", service.ErrSequenceRace, e.SessionID, e.Sequence)
		}

		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}

	return nil
}

func (s *SQLite) indexEventTx(ctx context.Context, tx *sql.Tx, e *service.Event) error {
	content, toolName, ok := service.ExtractSearchText(e)
	if !ok {
		return nil
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (event_id, session_id, workspace_id, type, content, tool_name) VALUES (?, ?, ?, ?, ?, ?)",
		s.ftsEvents(),
	)

	if _, err := tx.ExecContext(ctx, query, e.ID, e.SessionID, e.WorkspaceID, string(e.Type), content, toolName); err != nil {
		return fmt.Errorf("index event %s: %w", e.ID, err)
	}

	return nil
}

// ─── Session Creation ───

func (s *SQLite) CreateSession(ctx context.Context, req service.CreateSessionRequest) (*service.SessionWithRoot, error) {
	if req.WorkspaceID == "" {
		return nil, errors.New("workspace id is required")
	}

	sessionID := service.NewID(service.PrefixSession)
	now := nowRFC3339()

	payload, err := service.MarshalPayload(service.SessionStartPayload{
		WorkingDirectory: req.WorkingDirectory,
		Model:            req.Model,
		Title:            req.Title,
		Tags:             req.Tags,
	})
	if err != nil {
		return nil, err
	}

	root := &service.Event{
		ID:          service.NewID(service.PrefixEvent),
		SessionID:   sessionID,
		WorkspaceID: req.WorkspaceID,
		Timestamp:   now,
		Type:        service.EventSessionStart,
		Sequence:    0,
		Depth:       0,
		Payload:     payload,
	}

	tagsJSON, err := json.Marshal(req.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal session tags: %w", err)
	}
	if req.Tags == nil {
		tagsJSON = []byte("[]")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	insertQuery, _, err := s.goqu.Insert(s.tableSessions).Rows(
		goqu.Record{
			"id":                sessionID,
			"workspace_id":      req.WorkspaceID,
			"working_directory": req.WorkingDirectory,
			"latest_model":      req.Model,
			"title":             req.Title,
			"status":            service.SessionStatusActive,
			"root_event_id":     root.ID,
			"head_event_id":     root.ID,
			"event_count":       1,
			"tags":              string(tagsJSON),
			"created_at":        now,
			"last_activity_at":  now,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert session query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, insertQuery); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	if err := s.insertEventTx(ctx, tx, root); err != nil {
		return nil, err
	}

	if err := s.touchWorkspace(ctx, tx, req.WorkspaceID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &service.SessionWithRoot{Session: sess, RootEvent: root}, nil
}

// ─── Append ───

func (s *SQLite) AppendEvent(ctx context.Context, req service.AppendRequest) (*service.Event, error) {
	mu := s.sessionLock(req.SessionID)
	mu.Lock()
	defer mu.Unlock()

	return s.appendEventLocked(ctx, req)
}

func (s *SQLite) appendEventLocked(ctx context.Context, req service.AppendRequest) (*service.Event, error) {
	if req.Type.IsRoot() {
		return nil, fmt.Errorf("%w: %s events are created with the session", service.ErrInvalidParent, req.Type)
	}
	if req.ParentID == "" {
		return nil, fmt.Errorf("%w: parent is required for %s", service.ErrInvalidParent, req.Type)
	}

	payload, err := service.MarshalPayload(req.Payload)
	if err != nil {
		return nil, err
	}

	sess, err := s.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	parent, err := s.GetEvent(ctx, req.ParentID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return nil, fmt.Errorf("%w: parent %s does not exist", service.ErrInvalidParent, req.ParentID)
		}

		return nil, err
	}

	if parent.SessionID != req.SessionID {
		return nil, fmt.Errorf("%w: parent %s belongs to session %s", service.ErrInvalidParent, parent.ID, parent.SessionID)
	}

	e := &service.Event{
		ID:          service.NewID(service.PrefixEvent),
		ParentID:    parent.ID,
		SessionID:   req.SessionID,
		WorkspaceID: sess.WorkspaceID,
		Timestamp:   nowRFC3339(),
		Type:        req.Type,
		Sequence:    sess.EventCount,
		Depth:       parent.Depth + 1,
		Turn:        req.Turn,
		Payload:     payload,
	}

	if err := service.ExtractColumns(e); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.insertEventTx(ctx, tx, e); err != nil {
		return nil, err
	}

	update := goqu.Record{
		"head_event_id":    e.ID,
		"event_count":      sess.EventCount + 1,
		"last_activity_at": e.Timestamp,
	}

	if e.Type.IsMessage() {
		update["message_count"] = sess.MessageCount + 1
	}

	if e.Type == service.EventMessageAssistant {
		var p service.MessageAssistantPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", service.ErrInvalidPayload, err)
		}

		if p.TokenUsage != nil {
			update["input_tokens"] = sess.InputTokens + p.TokenUsage.Input
			update["output_tokens"] = sess.OutputTokens + p.TokenUsage.Output
			update["cache_read_tokens"] = sess.CacheReadTokens + p.TokenUsage.CacheRead
			update["cache_creation_tokens"] = sess.CacheCreationTokens + p.TokenUsage.CacheCreation
			update["last_turn_input_tokens"] = p.TokenUsage.Input
		}

		if p.StopReason == service.StopEndTurn {
			update["turn_count"] = sess.TurnCount + 1
		}
	}

	if e.Type == service.EventConfigModelSwitch {
		var p service.ConfigModelSwitchPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", service.ErrInvalidPayload, err)
		}
		update["latest_model"] = p.Model
	}

	// Guard against a concurrent append between the session read and
	// this update: the head must still be what we computed from.
	updateQuery, _, err := s.goqu.Update(s.tableSessions).Set(update).
		Where(goqu.I("id").Eq(req.SessionID), goqu.I("event_count").Eq(sess.EventCount)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update session counters query: %w", err)
	}

	res, err := tx.ExecContext(ctx, updateQuery)
	if err != nil {
		return nil, fmt.Errorf("update session counters: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: session %s head moved", service.ErrSequenceRace, req.SessionID)
	}

	if err := s.indexEventTx(ctx, tx, e); err != nil {
		return nil, err
	}

	if err := s.touchWorkspace(ctx, tx, sess.WorkspaceID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return e, nil
}

// ─── Fork ───

func (s *SQLite) ForkSession(ctx context.Context, sourceEventID string, opts service.ForkOptions) (*service.SessionWithRoot, error) {
	source, err := s.GetEvent(ctx, sourceEventID)
	if err != nil {
		return nil, err
	}

	switch source.Type {
	case service.EventMessageUser, service.EventMessageAssistant:
	default:
		return nil, fmt.Errorf("%w: fork source must be a settled message boundary, got %s", service.ErrInvalidParent, source.Type)
	}

	sourceSession, err := s.GetSession(ctx, source.SessionID)
	if err != nil {
		return nil, err
	}

	model := opts.Model
	if model == "" {
		model = sourceSession.LatestModel
	}

	sessionID := service.NewID(service.PrefixSession)
	now := nowRFC3339()

	payload, err := service.MarshalPayload(service.SessionForkPayload{
		SourceSessionID: source.SessionID,
		SourceEventID:   source.ID,
		Title:           opts.Title,
		Model:           model,
	})
	if err != nil {
		return nil, err
	}

	root := &service.Event{
		ID:          service.NewID(service.PrefixEvent),
		ParentID:    source.ID,
		SessionID:   sessionID,
		WorkspaceID: sourceSession.WorkspaceID,
		Timestamp:   now,
		Type:        service.EventSessionFork,
		Sequence:    0,
		Depth:       source.Depth + 1,
		Payload:     payload,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	insertQuery, _, err := s.goqu.Insert(s.tableSessions).Rows(
		goqu.Record{
			"id":                 sessionID,
			"workspace_id":       sourceSession.WorkspaceID,
			"working_directory":  sourceSession.WorkingDirectory,
			"latest_model":       model,
			"title":              opts.Title,
			"status":             service.SessionStatusActive,
			"root_event_id":      root.ID,
			"head_event_id":      root.ID,
			"event_count":        1,
			"parent_session_id":  source.SessionID,
			"fork_from_event_id": source.ID,
			"spawn_type":         service.SpawnTypeFork,
			"created_at":         now,
			"last_activity_at":   now,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert fork session query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, insertQuery); err != nil {
		return nil, fmt.Errorf("create fork session: %w", err)
	}

	if err := s.insertEventTx(ctx, tx, root); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &service.SessionWithRoot{Session: sess, RootEvent: root}, nil
}

// ─── Event Queries ───

func (s *SQLite) GetEvent(ctx context.Context, id string) (*service.Event, error) {
	query, _, err := s.goqu.From(s.tableEvents).
		Select(eventColumns...).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get event query: %w", err)
	}

	e, err := scanEvent(s.db.QueryRowContext(ctx, query).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: event %s", service.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get event %q: %w", id, err)
	}

	return e, nil
}

func (s *SQLite) queryEvents(ctx context.Context, ds *goqu.SelectDataset, op string) ([]service.Event, error) {
	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build %s query: %w", op, err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var result []service.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		result = append(result, *e)
	}

	return result, rows.Err()
}

func (s *SQLite) GetEventsBySession(ctx context.Context, sessionID string, limit, offset int) ([]service.Event, error) {
	ds := s.goqu.From(s.tableEvents).
		Select(eventColumns...).
		Where(goqu.I("session_id").Eq(sessionID)).
		Order(goqu.I("sequence").Asc())

	if limit > 0 {
		ds = ds.Limit(uint(limit)).Offset(uint(offset))
	}

	return s.queryEvents(ctx, ds, "list events")
}

func (s *SQLite) GetEventsByTypes(ctx context.Context, sessionID string, eventTypes []service.EventType) ([]service.Event, error) {
	typeStrs := make([]string, len(eventTypes))
	for i, t := range eventTypes {
		typeStrs[i] = string(t)
	}

	ds := s.goqu.From(s.tableEvents).
		Select(eventColumns...).
		Where(goqu.I("session_id").Eq(sessionID), goqu.I("type").In(typeStrs)).
		Order(goqu.I("sequence").Asc())

	return s.queryEvents(ctx, ds, "list events by type")
}

func (s *SQLite) GetEventsSince(ctx context.Context, sessionID string, sequence int64) ([]service.Event, error) {
	ds := s.goqu.From(s.tableEvents).
		Select(eventColumns...).
		Where(goqu.I("session_id").Eq(sessionID), goqu.I("sequence").Gt(sequence)).
		Order(goqu.I("sequence").Asc())

	return s.queryEvents(ctx, ds, "list events since")
}

func (s *SQLite) GetEventRange(ctx context.Context, sessionID string, lo, hi int64) ([]service.Event, error) {
	ds := s.goqu.From(s.tableEvents).
		Select(eventColumns...).
		Where(
			goqu.I("session_id").Eq(sessionID),
			goqu.I("sequence").Gte(lo),
			goqu.I("sequence").Lte(hi),
		).
		Order(goqu.I("sequence").Asc())

	return s.queryEvents(ctx, ds, "list event range")
}

func (s *SQLite) GetLatestEvent(ctx context.Context, sessionID string) (*service.Event, error) {
	query, _, err := s.goqu.From(s.tableEvents).
		Select(eventColumns...).
		Where(goqu.I("session_id").Eq(sessionID)).
		Order(goqu.I("sequence").Desc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build latest event query: %w", err)
	}

	e, err := scanEvent(s.db.QueryRowContext(ctx, query).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no events for session %s", service.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get latest event: %w", err)
	}

	return e, nil
}

// GetAncestors returns the inclusive parent chain of an event in
// root-first order. The chain crosses session boundaries at fork roots,
// materializing the effective history of a forked session.
func (s *SQLite) GetAncestors(ctx context.Context, eventID string) ([]service.Event, error) {
	query := fmt.Sprintf(`
WITH RECURSIVE chain AS (
    SELECT %[1]s FROM %[2]s WHERE id = ?
    UNION ALL
    SELECT %[3]s FROM %[2]s e JOIN chain c ON e.id = c.parent_id
)
SELECT %[1]s FROM chain ORDER BY depth ASC`,
		eventColumnList,
		s.prefix+"events",
		prefixColumns("e.", eventColumnList),
	)

	rows, err := s.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("list ancestors: %w", err)
	}
	defer rows.Close()

	var result []service.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan ancestor row: %w", err)
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("%w: event %s", service.ErrNotFound, eventID)
	}

	return result, nil
}

func (s *SQLite) GetChildren(ctx context.Context, eventID string) ([]service.Event, error) {
	ds := s.goqu.From(s.tableEvents).
		Select(eventColumns...).
		Where(goqu.I("parent_id").Eq(eventID)).
		Order(goqu.I("sequence").Asc())

	return s.queryEvents(ctx, ds, "list children")
}

func (s *SQLite) GetDescendants(ctx context.Context, eventID string) ([]service.Event, error) {
	query := fmt.Sprintf(`
WITH RECURSIVE sub AS (
    SELECT %[1]s FROM %[2]s WHERE parent_id = ?
    UNION ALL
    SELECT %[3]s FROM %[2]s e JOIN sub c ON e.parent_id = c.id
)
SELECT %[1]s FROM sub ORDER BY depth ASC, sequence ASC`,
		eventColumnList,
		s.prefix+"events",
		prefixColumns("e.", eventColumnList),
	)

	rows, err := s.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("list descendants: %w", err)
	}
	defer rows.Close()

	var result []service.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan descendant row: %w", err)
		}
		result = append(result, *e)
	}

	return result, rows.Err()
}

// ─── Event Deletion ───

func (s *SQLite) DeleteEvent(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableEvents).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete event query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete event %q: %w", id, err)
	}

	ftsQuery := fmt.Sprintf("DELETE FROM %s WHERE event_id = ?", s.ftsEvents())
	if _, err := s.db.ExecContext(ctx, ftsQuery, id); err != nil {
		return fmt.Errorf("deindex event %q: %w", id, err)
	}

	return nil
}

func (s *SQLite) DeleteEventsBySession(ctx context.Context, sessionID string) error {
	ftsQuery := fmt.Sprintf("DELETE FROM %s WHERE session_id = ?", s.ftsEvents())
	if _, err := s.db.ExecContext(ctx, ftsQuery, sessionID); err != nil {
		return fmt.Errorf("deindex session %q: %w", sessionID, err)
	}

	query, _, err := s.goqu.Delete(s.tableEvents).
		Where(goqu.I("session_id").Eq(sessionID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete session events query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete events for session %q: %w", sessionID, err)
	}

	s.releaseSessionLockEntry(sessionID)

	return nil
}

// prefixColumns qualifies each column in a comma-separated list with
// the given table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + strings.TrimSpace(p)
	}

	return strings.Join(parts, ", ")
}
