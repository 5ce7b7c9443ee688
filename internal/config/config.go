package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Store  Store  `cfg:"store"`
	Server Server `cfg:"server"`
	Engine Engine `cfg:"engine"`

	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// RequestTimeout is a configured request deadline. Accepts extended
	// duration syntax ("90s", "2m", "1h30m"). The server does not apply
	// it to dispatched RPC requests; client-side deadlines are set by
	// tronclient.Config.RequestTimeout.
	RequestTimeout string `cfg:"request_timeout" default:"60s"`

	// PushBuffer bounds the per-connection event push channel. When
	// full, cosmetic stream deltas are dropped; boundary events are
	// never dropped.
	PushBuffer int `cfg:"push_buffer" default:"256"`
}

// Engine tunes the turn orchestrator and context manager.
type Engine struct {
	// MaxTurns is the hard cap on provider reinvocations within one
	// prompt.
	MaxTurns int `cfg:"max_turns" default:"25"`

	// ContextWindow is the model context window in tokens used by the
	// context manager; the same value applies to every model.
	ContextWindow int64 `cfg:"context_window" default:"200000"`

	// CompactThreshold is the fraction of the context window at which
	// compaction is suggested.
	CompactThreshold float64 `cfg:"compact_threshold" default:"0.85"`

	// ToolTimeout bounds a single tool execution.
	ToolTimeout string `cfg:"tool_timeout" default:"120s"`

	// MaxActiveSessions bounds the LRU of in-memory session slots.
	MaxActiveSessions int `cfg:"max_active_sessions" default:"64"`

	// LogRetention prunes persisted application logs older than this.
	LogRetention string `cfg:"log_retention" default:"168h"`

	// MaintenanceInterval is the period of the blob GC / log prune
	// sweep.
	MaintenanceInterval string `cfg:"maintenance_interval" default:"1h"`
}

type Store struct {
	SQLite *StoreSQLite `cfg:"sqlite"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("TRON_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}

// Duration parses an extended duration string, falling back to def on
// empty input.
func Duration(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}

	d, err := str2duration.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", value, err)
	}

	return d, nil
}
