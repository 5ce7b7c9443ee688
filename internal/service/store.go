package service

import (
	"context"
	"time"
)

// AppendRequest describes one event append. ParentID may be empty only
// for root event types; Payload must match the declared Type.
type AppendRequest struct {
	SessionID string
	ParentID  string
	Type      EventType
	Payload   any
	Turn      int
}

// CreateSessionRequest creates a session and its session.start root
// event atomically.
type CreateSessionRequest struct {
	WorkspaceID      string
	WorkingDirectory string
	Model            string
	Title            string
	Tags             []string
}

// ForkOptions tune a session fork.
type ForkOptions struct {
	Title string
	Model string
}

// SessionWithRoot pairs a freshly created session with its root event.
type SessionWithRoot struct {
	Session   *Session
	RootEvent *Event
}

// WorkspaceStorer manages workspace rows.
type WorkspaceStorer interface {
	CreateWorkspace(ctx context.Context, path, name string) (*Workspace, error)
	GetOrCreateWorkspace(ctx context.Context, path string) (*Workspace, error)
	GetWorkspaceByPath(ctx context.Context, path string) (*Workspace, error)
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	ListWorkspaces(ctx context.Context) ([]Workspace, error)
}

// SessionStorer manages session rows. Counter and head mutation happens
// only through EventStorer.AppendEvent.
type SessionStorer interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, workspaceID string, limit, offset int) ([]Session, error)
	EndSession(ctx context.Context, id, reason string) error
	ClearSessionEnded(ctx context.Context, id string) error
	UpdateLatestModel(ctx context.Context, id, model string) error
	UpdateSessionTitle(ctx context.Context, id, title string) error
	UpdateSessionSpawnInfo(ctx context.Context, id string, info SpawnInfo) error
}

// EventStorer is the append-only DAG over session events.
type EventStorer interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionWithRoot, error)
	AppendEvent(ctx context.Context, req AppendRequest) (*Event, error)
	ForkSession(ctx context.Context, sourceEventID string, opts ForkOptions) (*SessionWithRoot, error)

	GetEvent(ctx context.Context, id string) (*Event, error)
	GetEventsBySession(ctx context.Context, sessionID string, limit, offset int) ([]Event, error)
	GetEventsByTypes(ctx context.Context, sessionID string, types []EventType) ([]Event, error)
	GetEventsSince(ctx context.Context, sessionID string, sequence int64) ([]Event, error)
	GetEventRange(ctx context.Context, sessionID string, lo, hi int64) ([]Event, error)
	GetLatestEvent(ctx context.Context, sessionID string) (*Event, error)
	GetAncestors(ctx context.Context, eventID string) ([]Event, error)
	GetChildren(ctx context.Context, eventID string) ([]Event, error)
	GetDescendants(ctx context.Context, eventID string) ([]Event, error)

	DeleteEvent(ctx context.Context, id string) error
	DeleteEventsBySession(ctx context.Context, sessionID string) error
}

// BlobStorer is the content-addressed binary store.
type BlobStorer interface {
	StoreBlob(ctx context.Context, content []byte, mimeType string) (*Blob, error)
	GetBlob(ctx context.Context, id string) (*Blob, error)
	GetBlobByHash(ctx context.Context, hash string) (*Blob, error)
	GetBlobContent(ctx context.Context, id string) ([]byte, error)
	IncrementBlobRef(ctx context.Context, id string) error
	DecrementBlobRef(ctx context.Context, id string) error
	DeleteUnreferencedBlobs(ctx context.Context) (int64, error)
}

// BranchStorer manages named heads over the event DAG.
type BranchStorer interface {
	CreateBranch(ctx context.Context, b Branch) (*Branch, error)
	GetBranch(ctx context.Context, id string) (*Branch, error)
	ListBranches(ctx context.Context, sessionID string) ([]Branch, error)
	UpdateBranchHead(ctx context.Context, id, headEventID string) error
	SetDefaultBranch(ctx context.Context, sessionID, branchID string) error
	DeleteBranch(ctx context.Context, id string) error
}

// SearchStorer is the FTS index over event content.
type SearchStorer interface {
	SearchContent(ctx context.Context, query string, opts SearchOptions) ([]SearchHit, error)
	SearchByToolName(ctx context.Context, toolName string, opts SearchOptions) ([]SearchHit, error)
	ReindexByType(ctx context.Context, eventType EventType) (int64, error)
	RebuildSessionIndex(ctx context.Context, sessionID string) (int64, error)
}

// LogStorer persists structured application logs.
type LogStorer interface {
	AppendLog(ctx context.Context, entry LogEntry) (*LogEntry, error)
	QueryLogs(ctx context.Context, q LogQuery) ([]LogEntry, error)
	SearchLogs(ctx context.Context, query string, limit int) ([]LogEntry, error)
	PruneLogs(ctx context.Context, retention time.Duration) (int64, error)
}

// TaskStorer manages PARA tasks, projects and areas.
type TaskStorer interface {
	CreateTask(ctx context.Context, t Task) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
	UpdateTask(ctx context.Context, id string, t Task) (*Task, error)
	DeleteTask(ctx context.Context, id string) error
	ListTaskActivity(ctx context.Context, taskID string) ([]TaskActivity, error)

	CreateProject(ctx context.Context, p Project) (*Project, error)
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	UpdateProject(ctx context.Context, id string, p Project) (*Project, error)
	DeleteProject(ctx context.Context, id string) error

	CreateArea(ctx context.Context, a Area) (*Area, error)
	ListAreas(ctx context.Context) ([]Area, error)
	DeleteArea(ctx context.Context, id string) error
}

// EventStore is the unified contract over all repositories. The sqlite
// backend satisfies it; everything downstream depends on this interface
// so tests can swap in a fresh database initialized through the same
// migrations. The store tests open a database file in a temporary
// directory, not an in-memory (`:memory:`) database.
type EventStore interface {
	WorkspaceStorer
	SessionStorer
	EventStorer
	BlobStorer
	BranchStorer
	SearchStorer
	LogStorer
	TaskStorer

	Close()
}
