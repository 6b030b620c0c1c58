package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/ignite/pkg/engine"
	"github.com/openfroyo/ignite/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteJournal implements Store on SQLite. The journal table holds the
// authoritative latest entry per action; every accepted write is also
// appended to journal_history.
type SQLiteJournal struct {
	db         *sql.DB
	path       string
	deployment string
	cfg        Config
}

var _ Store = (*SQLiteJournal)(nil)

// NewSQLiteJournal creates a new SQLite journal. Call Init and Migrate before use.
func NewSQLiteJournal(cfg Config) (*SQLiteJournal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.Deployment == "" {
		cfg.Deployment = DefaultDeployment
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// each connection to :memory: is a separate database
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteJournal{
		path:       cfg.Path,
		deployment: cfg.Deployment,
		cfg:        cfg,
	}, nil
}

// OpenSQLiteJournal creates, initializes and migrates a journal.
func OpenSQLiteJournal(ctx context.Context, cfg Config) (*SQLiteJournal, error) {
	s, err := NewSQLiteJournal(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection with WAL mode and a busy timeout.
func (s *SQLiteJournal) Init(ctx context.Context) error {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)&_txlock=immediate",
		s.path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteJournal) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded migrations.
func (s *SQLiteJournal) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Deployment returns the deployment id this journal is scoped to.
func (s *SQLiteJournal) Deployment() string {
	return s.deployment
}

// Get implements engine.Journal.
func (s *SQLiteJournal) Get(ctx context.Context, actionID string) (*engine.JournalEntry, error) {
	query := `
		SELECT action_id, status, result, error, attempts, args, handle, updated_at
		FROM journal
		WHERE deployment = ? AND action_id = ?
	`

	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, s.deployment, actionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get journal entry %s: %w", actionID, err)
	}
	return entry, nil
}

// Put implements engine.Journal. The upsert never replaces a success row, so
// Success stays terminal even with several writers on the same database.
func (s *SQLiteJournal) Put(ctx context.Context, entry *engine.JournalEntry) error {
	if entry == nil || entry.ActionID == "" {
		return fmt.Errorf("journal entry requires an action id")
	}
	if err := entry.Status.Validate(); err != nil {
		return err
	}

	updatedAt := entry.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO journal (deployment, action_id, status, result, error, attempts, args, handle, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(deployment, action_id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			attempts = excluded.attempts,
			args = excluded.args,
			handle = excluded.handle,
			updated_at = excluded.updated_at
		WHERE journal.status <> 'success'
	`

	res, err := tx.ExecContext(ctx, query,
		s.deployment,
		entry.ActionID,
		entry.Status,
		nullJSON(entry.Result),
		entry.Error,
		entry.Attempts,
		nullJSON(entry.Args),
		entry.Handle,
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to write journal entry %s: %w", entry.ActionID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", entry.ActionID, engine.ErrSuccessTerminal)
	}

	historyQuery := `
		INSERT INTO journal_history (deployment, action_id, status, result, error, attempts, handle, written_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, historyQuery,
		s.deployment,
		entry.ActionID,
		entry.Status,
		nullJSON(entry.Result),
		entry.Error,
		entry.Attempts,
		entry.Handle,
		formatTime(updatedAt),
	); err != nil {
		return fmt.Errorf("failed to append journal history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit journal entry %s: %w", entry.ActionID, err)
	}
	return nil
}

// All implements engine.Journal. Entries are sorted by action id.
func (s *SQLiteJournal) All(ctx context.Context) ([]engine.JournalEntry, error) {
	query := `
		SELECT action_id, status, result, error, attempts, args, handle, updated_at
		FROM journal
		WHERE deployment = ?
		ORDER BY action_id
	`

	rows, err := s.db.QueryContext(ctx, query, s.deployment)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal entries: %w", err)
	}
	defer rows.Close()

	entries := make([]engine.JournalEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal entries: %w", err)
	}

	return entries, nil
}

// History implements Store.
func (s *SQLiteJournal) History(ctx context.Context, actionID string) ([]HistoryEntry, error) {
	query := `
		SELECT id, action_id, status, result, error, attempts, handle, written_at
		FROM journal_history
		WHERE deployment = ? AND action_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, s.deployment, actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal history: %w", err)
	}
	defer rows.Close()

	history := make([]HistoryEntry, 0)
	for rows.Next() {
		var (
			h         HistoryEntry
			result    sql.NullString
			writtenAt string
		)
		if err := rows.Scan(&h.Seq, &h.ActionID, &h.Status, &result, &h.Error, &h.Attempts, &h.Handle, &writtenAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal history: %w", err)
		}
		if result.Valid {
			h.Result = json.RawMessage(result.String)
		}
		if h.WrittenAt, err = parseTime(writtenAt); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal history: %w", err)
	}

	return history, nil
}

// RecordRun implements engine.RunRecorder.
func (s *SQLiteJournal) RecordRun(ctx context.Context, report *engine.Report) error {
	summary, err := json.Marshal(report.Summary())
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}

	query := `
		INSERT INTO runs (id, deployment, module, status, started_at, duration_ms, summary, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		report.RunID,
		s.deployment,
		report.Module,
		report.Status,
		formatTime(report.StartedAt),
		report.Duration.Milliseconds(),
		string(summary),
		string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	return nil
}

// GetRun implements Store.
func (s *SQLiteJournal) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `
		SELECT id, deployment, module, status, started_at, duration_ms, summary, report
		FROM runs
		WHERE id = ? AND deployment = ?
	`

	var body string
	record, err := scanRun(s.db.QueryRowContext(ctx, query, id, s.deployment), &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	record.Report = &engine.Report{}
	if err := json.Unmarshal([]byte(body), record.Report); err != nil {
		return nil, fmt.Errorf("failed to decode run report: %w", err)
	}
	return record, nil
}

// ListRuns implements Store.
func (s *SQLiteJournal) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, deployment, module, status, started_at, duration_ms, summary, ''
		FROM runs
		WHERE deployment = ?
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, s.deployment, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]RunRecord, 0)
	for rows.Next() {
		var body string
		record, err := scanRun(rows, &body)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// AppendEvent implements Store.
func (s *SQLiteJournal) AppendEvent(ctx context.Context, event telemetry.Event) error {
	var data interface{}
	if len(event.Data) > 0 {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		data = string(raw)
	}

	query := `
		INSERT INTO events (id, deployment, run_id, action_id, type, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		s.deployment,
		event.RunID,
		event.ActionID,
		event.Type,
		event.Level,
		event.Message,
		data,
		formatTime(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents implements Store.
func (s *SQLiteJournal) ListEvents(ctx context.Context, runID string, limit int) ([]telemetry.Event, error) {
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT id, run_id, action_id, type, level, message, data, timestamp
		FROM events
		WHERE deployment = ? AND run_id = ?
		ORDER BY timestamp, rowid
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, s.deployment, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := make([]telemetry.Event, 0)
	for rows.Next() {
		var (
			e         telemetry.Event
			data      sql.NullString
			timestamp string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.ActionID, &e.Type, &e.Level, &e.Message, &data, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		if e.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// EventSubscriber returns a telemetry subscriber that persists every event.
func (s *SQLiteJournal) EventSubscriber(logger *telemetry.Logger) telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		if err := s.AppendEvent(context.Background(), event); err != nil {
			logger.WithError(err).Warn("failed to persist event")
		}
	}
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteJournal) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*engine.JournalEntry, error) {
	var (
		entry     engine.JournalEntry
		result    sql.NullString
		args      sql.NullString
		updatedAt string
	)
	if err := row.Scan(
		&entry.ActionID,
		&entry.Status,
		&result,
		&entry.Error,
		&entry.Attempts,
		&args,
		&entry.Handle,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	if result.Valid {
		entry.Result = json.RawMessage(result.String)
	}
	if args.Valid {
		entry.Args = json.RawMessage(args.String)
	}
	t, err := parseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	entry.UpdatedAt = t
	return &entry, nil
}

func scanRun(row rowScanner, body *string) (*RunRecord, error) {
	var (
		record     RunRecord
		startedAt  string
		durationMS int64
		summary    string
	)
	if err := row.Scan(
		&record.ID,
		&record.Deployment,
		&record.Module,
		&record.Status,
		&startedAt,
		&durationMS,
		&summary,
		body,
	); err != nil {
		return nil, err
	}
	t, err := parseTime(startedAt)
	if err != nil {
		return nil, err
	}
	record.StartedAt = t
	record.Duration = time.Duration(durationMS) * time.Millisecond
	if err := json.Unmarshal([]byte(summary), &record.Summary); err != nil {
		return nil, fmt.Errorf("failed to decode run summary: %w", err)
	}
	return &record, nil
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// timeLayout has fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
