package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openfroyo/ignite/pkg/engine"
	"github.com/openfroyo/ignite/pkg/telemetry"
)

// DefaultDeployment scopes journals opened without a deployment id.
const DefaultDeployment = "default"

// RunRecord is a persisted run report.
type RunRecord struct {
	ID         string           `json:"id"`
	Deployment string           `json:"deployment"`
	Module     string           `json:"module"`
	Status     engine.RunStatus `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	Duration   time.Duration    `json:"duration"`
	Summary    engine.Summary   `json:"summary"`

	// Report is the full report; it is only populated by GetRun.
	Report *engine.Report `json:"report,omitempty"`
}

// HistoryEntry is one journal write as recorded in the append-only history.
type HistoryEntry struct {
	Seq       int64              `json:"seq"`
	ActionID  string             `json:"action_id"`
	Status    engine.EntryStatus `json:"status"`
	Result    json.RawMessage    `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	Attempts  int                `json:"attempts"`
	Handle    string             `json:"handle,omitempty"`
	WrittenAt time.Time          `json:"written_at"`
}

// Store is a durable journal that also keeps run history and lifecycle events.
type Store interface {
	engine.Journal
	engine.RunRecorder

	// GetRun returns a recorded run with its full report.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns returns the most recent runs first.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)

	// History returns every write recorded for an action, oldest first.
	History(ctx context.Context, actionID string) ([]HistoryEntry, error)

	// AppendEvent persists a lifecycle event.
	AppendEvent(ctx context.Context, event telemetry.Event) error

	// ListEvents returns the events of a run in timestamp order.
	ListEvents(ctx context.Context, runID string, limit int) ([]telemetry.Event, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	Deployment      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
