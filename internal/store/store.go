// Package store defines the persisted-state contract shared by the sqlite
// and in-memory backends: orchestration records, pending hooks, attempt
// counters, session change sets, cache entries, and the check-mode dedup
// window.
package store

import (
	"context"
	"time"

	"han/internal/cache"
)

// OrchestrationStatus is the lifecycle state of an Orchestration Record.
type OrchestrationStatus string

const (
	StatusPending   OrchestrationStatus = "pending"
	StatusRunning   OrchestrationStatus = "running"
	StatusCompleted OrchestrationStatus = "completed"
	StatusFailed    OrchestrationStatus = "failed"
	StatusCancelled OrchestrationStatus = "cancelled"
)

// Orchestration is one invocation's durable record.
type Orchestration struct {
	ID          string
	SessionID   string
	EventType   string
	ProjectRoot string
	Status      OrchestrationStatus
	Degraded    bool
	TotalTasks  int
	LogPath     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PendingHook is a queued, not-yet-executed task under an orchestration.
type PendingHook struct {
	ID              int64
	OrchestrationID string
	Plugin          string
	Hook            string
	Directory       string
	Command         string
	IfChanged       []string // nil when the hook is not cacheable
}

// AttemptCounter tracks consecutive failures for a (session, plugin, hook, directory) tuple.
type AttemptCounter struct {
	SessionID       string
	Plugin          string
	Hook            string
	Directory       string
	ConsecutiveFail int
	MaxAttempts     int
}

// CheckDedupEntry is the last logged check-mode output for a key, used to
// suppress repeated identical reports within the dedup window.
type CheckDedupEntry struct {
	Key        string
	OutputHash string
	LoggedAt   time.Time
}

// DedupWindow is how long an identical check-mode report is suppressed.
const DedupWindow = 5 * time.Minute

// OrchestrationStore persists Orchestration Records.
type OrchestrationStore interface {
	// CreateOrchestration inserts a new record. Per the data model, it also
	// cancels any still-running orchestration for the same session ID.
	CreateOrchestration(ctx context.Context, o Orchestration) error
	GetOrchestration(ctx context.Context, id string) (*Orchestration, error)
	UpdateOrchestrationStatus(ctx context.Context, id string, status OrchestrationStatus) error
	SetOrchestrationDegraded(ctx context.Context, id string, degraded bool) error
	ActiveOrchestrationForSession(ctx context.Context, sessionID string) (*Orchestration, error)
}

// PendingHookStore persists the --check/--wait worklist.
type PendingHookStore interface {
	QueuePendingHooks(ctx context.Context, orchestrationID string, hooks []PendingHook) error
	ListPendingHooks(ctx context.Context, orchestrationID string) ([]PendingHook, error)
	ClearPendingHooks(ctx context.Context, orchestrationID string) error
}

// AttemptStore persists per-hook consecutive-failure counters.
type AttemptStore interface {
	GetAttemptCounter(ctx context.Context, sessionID, plugin, hook, directory string) (*AttemptCounter, error)
	IncrementAttempt(ctx context.Context, sessionID, plugin, hook, directory string, maxAttempts int) (*AttemptCounter, error)
	ResetAttempt(ctx context.Context, sessionID, plugin, hook, directory string) error
}

// SessionStore records which files a session's tool calls have touched, and
// resolves the currently active session.
type SessionStore interface {
	RecordSessionFileChange(ctx context.Context, sessionID, absPath string) error
	ActiveSessionID(ctx context.Context) (string, error)
}

// CheckDedupStore suppresses repeated identical check-mode reports.
type CheckDedupStore interface {
	// ShouldReport returns false when an identical outputHash was logged for
	// key within DedupWindow, and records this attempt as the new entry when
	// it returns true.
	ShouldReport(ctx context.Context, key, outputHash string) (bool, error)
}

// Store is the full persistence contract the orchestrator depends on.
type Store interface {
	OrchestrationStore
	PendingHookStore
	AttemptStore
	SessionStore
	CheckDedupStore
	cache.Store
	cache.SessionChanges

	Close() error
}
