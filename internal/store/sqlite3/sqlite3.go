package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mhismail3/tron/internal/config"
	"github.com/mhismail3/tron/internal/service"

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
)

var DefaultTablePrefix = "tron_"

// SQLite implements the full event-store contract.
var _ service.EventStore = (*SQLite)(nil)

type SQLite struct {
	db     *sql.DB
	goqu   *goqu.Database
	prefix string

	tableWorkspaces   exp.IdentifierExpression
	tableSessions     exp.IdentifierExpression
	tableEvents       exp.IdentifierExpression
	tableBranches     exp.IdentifierExpression
	tableBlobs        exp.IdentifierExpression
	tableLogs         exp.IdentifierExpression
	tableTasks        exp.IdentifierExpression
	tableProjects     exp.IdentifierExpression
	tableAreas        exp.IdentifierExpression
	tableTaskActivity exp.IdentifierExpression

	// appendMu guards sessionMus; each session's mutex serializes
	// sequence allocation so counters and head_event_id cannot diverge
	// from the inserted row.
	appendMu   sync.Mutex
	sessionMus map[string]*sync.Mutex
}

func New(ctx context.Context, cfg *config.StoreSQLite) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}

	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	// /////////////////////////////////////////////
	// Run migrations.
	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}

	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}

	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}
	// /////////////////////////////////////////////

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()

		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()

		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("connected to store sqlite")

	dbGoqu := goqu.New("sqlite3", db)

	return &SQLite{
		db:     db,
		goqu:   dbGoqu,
		prefix: tablePrefix,

		tableWorkspaces:   goqu.T(tablePrefix + "workspaces"),
		tableSessions:     goqu.T(tablePrefix + "sessions"),
		tableEvents:       goqu.T(tablePrefix + "events"),
		tableBranches:     goqu.T(tablePrefix + "branches"),
		tableBlobs:        goqu.T(tablePrefix + "blobs"),
		tableLogs:         goqu.T(tablePrefix + "logs"),
		tableTasks:        goqu.T(tablePrefix + "tasks"),
		tableProjects:     goqu.T(tablePrefix + "projects"),
		tableAreas:        goqu.T(tablePrefix + "areas"),
		tableTaskActivity: goqu.T(tablePrefix + "task_activity"),

		sessionMus: make(map[string]*sync.Mutex),
	}, nil
}

func (s *SQLite) Close() {
	if s.db == nil {
		return
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Error("checkpoint sqlite wal", "error", err)
	}

	if err := s.db.Close(); err != nil {
		slog.Error("close store sqlite connection", "error", err)
	}
}

// sessionLock returns the per-session append mutex, creating it on
// first use.
func (s *SQLite) sessionLock(sessionID string) *sync.Mutex {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	mu, ok := s.sessionMus[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		s.sessionMus[sessionID] = mu
	}

	return mu
}

// releaseSessionLockEntry drops the mutex entry for an evicted session.
func (s *SQLite) releaseSessionLockEntry(sessionID string) {
	s.appendMu.Lock()
	delete(s.sessionMus, sessionID)
	s.appendMu.Unlock()
}

// ─── Helpers ───

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (s *SQLite) ftsEvents() string {
	return s.prefix + "events_fts"
}

func (s *SQLite) ftsLogs() string {
	return s.prefix + "logs_fts"
}
