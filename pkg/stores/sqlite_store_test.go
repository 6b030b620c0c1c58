package stores

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/ignite/pkg/engine"
	"github.com/openfroyo/ignite/pkg/telemetry"
)

// setupTestStore creates a migrated SQLite journal in a temp directory.
func setupTestStore(t *testing.T, deployment string) *SQLiteJournal {
	t.Helper()

	store, err := OpenSQLiteJournal(context.Background(), Config{
		Path:       filepath.Join(t.TempDir(), "journal.db"),
		Deployment: deployment,
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteJournal(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// migrating twice is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if store.Deployment() != DefaultDeployment {
		t.Errorf("expected default deployment, got %s", store.Deployment())
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t, "")
	ctx := context.Background()

	for _, table := range []string{"journal", "journal_history", "runs", "events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestNewSQLiteJournal_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteJournal(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestJournalGetPutAll(t *testing.T) {
	store := setupTestStore(t, "")
	ctx := context.Background()

	entry, err := store.Get(ctx, "M#Counter")
	if err != nil || entry != nil {
		t.Fatalf("expected absent entry, got %+v, %v", entry, err)
	}

	if err := store.Put(ctx, &engine.JournalEntry{
		ActionID: "M#Counter",
		Status:   engine.EntryPending,
		Attempts: 1,
		Args:     json.RawMessage(`[]`),
	}); err != nil {
		t.Fatalf("failed to put pending: %v", err)
	}
	if err := store.Put(ctx, &engine.JournalEntry{
		ActionID: "M#Counter",
		Status:   engine.EntrySuccess,
		Result:   json.RawMessage(`"0xabc"`),
		Attempts: 1,
		Handle:   "tx-1",
	}); err != nil {
		t.Fatalf("failed to put success: %v", err)
	}
	if err := store.Put(ctx, &engine.JournalEntry{
		ActionID: "M#Counter.incBy",
		Status:   engine.EntryFailed,
		Error:    "reverted",
		Attempts: 3,
	}); err != nil {
		t.Fatalf("failed to put failed: %v", err)
	}

	got, err := store.Get(ctx, "M#Counter")
	if err != nil {
		t.Fatalf("failed to get entry: %v", err)
	}
	if got.Status != engine.EntrySuccess || string(got.Result) != `"0xabc"` || got.Handle != "tx-1" {
		t.Errorf("unexpected entry: %+v", got)
	}
	if got.Args != nil {
		t.Errorf("expected args to be replaced by the latest write, got %s", got.Args)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("expected updated_at to be set")
	}

	all, err := store.All(ctx)
	if err != nil {
		t.Fatalf("failed to list entries: %v", err)
	}
	if len(all) != 2 || all[0].ActionID != "M#Counter" || all[1].Error != "reverted" {
		t.Errorf("unexpected entries: %+v", all)
	}
}

func TestJournalSuccessIsTerminal(t *testing.T) {
	store := setupTestStore(t, "")
	ctx := context.Background()

	_ = store.Put(ctx, &engine.JournalEntry{ActionID: "M#A", Status: engine.EntrySuccess, Result: json.RawMessage(`1`), Attempts: 1})

	err := store.Put(ctx, &engine.JournalEntry{ActionID: "M#A", Status: engine.EntryFailed, Attempts: 2})
	if !errors.Is(err, engine.ErrSuccessTerminal) {
		t.Fatalf("expected ErrSuccessTerminal, got: %v", err)
	}

	got, _ := store.Get(ctx, "M#A")
	if got.Status != engine.EntrySuccess || got.Attempts != 1 {
		t.Errorf("success entry was overwritten: %+v", got)
	}

	history, _ := store.History(ctx, "M#A")
	if len(history) != 1 {
		t.Errorf("rejected write must not reach history, got %d rows", len(history))
	}
}

func TestJournalRejectsInvalidStatus(t *testing.T) {
	store := setupTestStore(t, "")
	if err := store.Put(context.Background(), &engine.JournalEntry{ActionID: "M#A", Status: "done"}); err == nil {
		t.Error("expected error for invalid status")
	}
}

func TestJournalHistory(t *testing.T) {
	store := setupTestStore(t, "")
	ctx := context.Background()

	writes := []engine.JournalEntry{
		{ActionID: "M#A", Status: engine.EntryPending, Attempts: 1},
		{ActionID: "M#A", Status: engine.EntryFailed, Error: "timeout", Attempts: 1},
		{ActionID: "M#A", Status: engine.EntryPending, Attempts: 2},
		{ActionID: "M#A", Status: engine.EntrySuccess, Result: json.RawMessage(`"0x1"`), Attempts: 2},
	}
	for i := range writes {
		if err := store.Put(ctx, &writes[i]); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	history, err := store.History(ctx, "M#A")
	if err != nil {
		t.Fatalf("failed to read history: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 history rows, got %d", len(history))
	}
	for i, h := range history {
		if h.Status != writes[i].Status || h.Attempts != writes[i].Attempts {
			t.Errorf("row %d: expected %s/%d, got %s/%d", i, writes[i].Status, writes[i].Attempts, h.Status, h.Attempts)
		}
	}
	if history[1].Error != "timeout" || string(history[3].Result) != `"0x1"` {
		t.Errorf("unexpected history payloads: %+v", history)
	}
}

func TestJournalDeploymentScope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	staging, err := OpenSQLiteJournal(ctx, Config{Path: path, Deployment: "staging"})
	if err != nil {
		t.Fatalf("failed to open staging: %v", err)
	}
	defer staging.Close()
	prod, err := OpenSQLiteJournal(ctx, Config{Path: path, Deployment: "prod"})
	if err != nil {
		t.Fatalf("failed to open prod: %v", err)
	}
	defer prod.Close()

	_ = staging.Put(ctx, &engine.JournalEntry{ActionID: "M#A", Status: engine.EntrySuccess, Attempts: 1})

	if entry, _ := prod.Get(ctx, "M#A"); entry != nil {
		t.Errorf("entry leaked across deployments: %+v", entry)
	}
	if err := prod.Put(ctx, &engine.JournalEntry{ActionID: "M#A", Status: engine.EntryPending, Attempts: 1}); err != nil {
		t.Errorf("independent deployment rejected write: %v", err)
	}
}

func TestJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	first, err := OpenSQLiteJournal(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	_ = first.Put(ctx, &engine.JournalEntry{ActionID: "M#A", Status: engine.EntrySuccess, Result: json.RawMessage(`"0x1"`), Attempts: 1})
	_ = first.Close()

	second, err := OpenSQLiteJournal(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to reopen: %v", err)
	}
	defer second.Close()

	entry, err := second.Get(ctx, "M#A")
	if err != nil || entry == nil || entry.Status != engine.EntrySuccess {
		t.Errorf("expected durable success entry, got %+v, %v", entry, err)
	}
}

func TestJournalConcurrentPuts(t *testing.T) {
	store := setupTestStore(t, "")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry := &engine.JournalEntry{
				ActionID: "M#A" + string(rune('a'+i)),
				Status:   engine.EntryPending,
				Attempts: 1,
			}
			if err := store.Put(ctx, entry); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent put failed: %v", err)
	}
	all, _ := store.All(ctx)
	if len(all) != 16 {
		t.Errorf("expected 16 entries, got %d", len(all))
	}
}

func TestRunRecords(t *testing.T) {
	store := setupTestStore(t, "")
	ctx := context.Background()
	start := time.Now().Add(-time.Minute)

	reports := []*engine.Report{
		{
			RunID:     "run-1",
			Module:    "M",
			Status:    engine.RunStatusPartial,
			StartedAt: start,
			Duration:  1500 * time.Millisecond,
			Actions: []engine.ActionReport{
				{ID: "M#A", Kind: engine.ActionCreate, Outcome: engine.OutcomeFailed, Attempts: 3, Error: "boom"},
				{ID: "M#B", Kind: engine.ActionCreate, Outcome: engine.OutcomeSucceeded, Attempts: 1},
			},
		},
		{
			RunID:     "run-2",
			Module:    "M",
			Status:    engine.RunStatusSucceeded,
			StartedAt: start.Add(30 * time.Second),
			Actions: []engine.ActionReport{
				{ID: "M#A", Kind: engine.ActionCreate, Outcome: engine.OutcomeSucceeded, Attempts: 4},
				{ID: "M#B", Kind: engine.ActionCreate, Outcome: engine.OutcomeAlreadySucceeded, Attempts: 1},
			},
		},
	}
	for _, r := range reports {
		if err := store.RecordRun(ctx, r); err != nil {
			t.Fatalf("failed to record run: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-2" {
		t.Fatalf("expected newest run first, got %+v", runs)
	}
	if runs[1].Summary.Failed != 1 || runs[1].Duration != 1500*time.Millisecond {
		t.Errorf("unexpected summary: %+v", runs[1])
	}
	if runs[0].Report != nil {
		t.Error("list must not load full reports")
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Report == nil || len(run.Report.Actions) != 2 || run.Report.Actions[0].Error != "boom" {
		t.Errorf("unexpected report: %+v", run.Report)
	}

	if _, err := store.GetRun(ctx, "missing"); err == nil {
		t.Error("expected error for missing run")
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t, "")
	ctx := context.Background()

	publisher, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	publisher.Subscribe(store.EventSubscriber(telemetry.NewNopLogger()), nil)

	_ = publisher.PublishRunStarted("run-1", "M", 2)
	_ = publisher.PublishActionRetrying("run-1", "M#A", "timeout", 1, time.Second)
	_ = publisher.PublishActionStarted("run-2", "M#A", "create", 1)

	events, err := store.ListEvents(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != telemetry.EventTypeRunStarted || events[1].ActionID != "M#A" {
		t.Errorf("unexpected events: %+v", events)
	}
	if events[1].Data["reason"] != "timeout" {
		t.Errorf("expected event data to round trip, got %+v", events[1].Data)
	}
}

func TestExecutorOverSQLite(t *testing.T) {
	store := setupTestStore(t, "")
	ctx := context.Background()

	b := engine.NewModuleBuilder("M")
	counter := b.Contract("Counter", nil)
	b.Call(counter, "incBy", []interface{}{5})
	m, err := b.Build()
	if err != nil {
		t.Fatalf("failed to build module: %v", err)
	}

	backend := &countingBackend{}
	exec := engine.NewExecutor(backend, store, engine.WithRunRecorder(store))

	for i := 0; i < 2; i++ {
		report, err := exec.Run(ctx, m)
		if err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
		if report.Status != engine.RunStatusSucceeded {
			t.Fatalf("run %d: expected succeeded, got %s", i, report.Status)
		}
	}

	if backend.submits != 2 {
		t.Errorf("expected 2 submissions across both runs, got %d", backend.submits)
	}
	runs, _ := store.ListRuns(ctx, 10)
	if len(runs) != 2 || runs[0].Summary.AlreadySucceeded != 2 {
		t.Errorf("unexpected run history: %+v", runs)
	}
}

type countingBackend struct {
	mu      sync.Mutex
	submits int
}

func (b *countingBackend) Submit(ctx context.Context, sub *engine.Submission) (engine.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits++
	return engine.Handle(sub.ActionID), nil
}

func (b *countingBackend) AwaitConfirmation(ctx context.Context, h engine.Handle) (*engine.Confirmation, error) {
	raw, _ := json.Marshal("0x" + string(h))
	return &engine.Confirmation{Result: raw}, nil
}
