package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/ignite/pkg/telemetry"
)

// fakeBackend is a scripted Backend. Creates confirm with "addr:<id>", reads
// confirm with 42 and invokes confirm with the method name.
type fakeBackend struct {
	mu sync.Mutex

	submissions []Submission
	pending     map[Handle]Submission

	failSubmit  map[string]int
	failConfirm map[string]int
	permanent   map[string]bool

	confirmDelay time.Duration
	started      chan string
	block        map[string]chan struct{}

	inflight    int
	maxInflight int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		pending:     make(map[Handle]Submission),
		failSubmit:  make(map[string]int),
		failConfirm: make(map[string]int),
		permanent:   make(map[string]bool),
		block:       make(map[string]chan struct{}),
	}
}

func (f *fakeBackend) Submit(ctx context.Context, sub *Submission) (Handle, error) {
	f.mu.Lock()
	f.submissions = append(f.submissions, *sub)
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	block := f.block[sub.ActionID]
	started := f.started
	f.mu.Unlock()

	if started != nil {
		started <- sub.ActionID
	}
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.permanent[sub.ActionID] {
		f.inflight--
		return "", NewPermanentError("rejected by backend", nil)
	}
	if f.failSubmit[sub.ActionID] > 0 {
		f.failSubmit[sub.ActionID]--
		f.inflight--
		return "", errors.New("connection reset")
	}
	handle := Handle(fmt.Sprintf("%s/%d", sub.ActionID, sub.Attempt))
	f.pending[handle] = *sub
	return handle, nil
}

func (f *fakeBackend) AwaitConfirmation(ctx context.Context, handle Handle) (*Confirmation, error) {
	if f.confirmDelay > 0 {
		time.Sleep(f.confirmDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--

	sub, ok := f.pending[handle]
	if !ok {
		return nil, fmt.Errorf("unknown handle %s", handle)
	}
	delete(f.pending, handle)

	if f.failConfirm[sub.ActionID] > 0 {
		f.failConfirm[sub.ActionID]--
		return nil, NewTransientError("confirmation timed out", nil)
	}

	var result interface{}
	switch sub.Kind {
	case ActionCreate:
		result = "addr:" + sub.ActionID
	case ActionRead:
		result = 42
	default:
		result = sub.Method
	}
	raw, _ := json.Marshal(result)
	return &Confirmation{Result: raw, BlockRef: "1"}, nil
}

func (f *fakeBackend) submissionsFor(id string) []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Submission, 0)
	for _, s := range f.submissions {
		if s.ActionID == id {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeBackend) totalSubmissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

// resumableBackend additionally recognizes handles recorded by an earlier process.
type resumableBackend struct {
	*fakeBackend
}

func (r resumableBackend) Resumable(ctx context.Context, handle Handle) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[handle]
	return ok, nil
}

type recordingGate struct {
	err   error
	plans []*ExecutionPlan
}

func (g *recordingGate) Check(ctx context.Context, m *Module, plan *ExecutionPlan) error {
	g.plans = append(g.plans, plan)
	return g.err
}

type recordingRecorder struct {
	mu      sync.Mutex
	reports []*Report
}

func (r *recordingRecorder) RecordRun(ctx context.Context, report *Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

func testOptions() Options {
	return Options{
		MaxParallel:    4,
		MaxAttempts:    3,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		AttemptTimeout: 5 * time.Second,
	}
}

func counterModule(t *testing.T) *Module {
	t.Helper()
	b := NewModuleBuilder("M")
	counter := b.Contract("Counter", nil)
	b.Call(counter, "incBy", []interface{}{5})
	b.Return("counter", counter)
	m, err := b.Build()
	if err != nil {
		t.Fatalf("Failed to build module: %v", err)
	}
	return m
}

func mustRun(t *testing.T, e *Executor, ctx context.Context, m *Module) *Report {
	t.Helper()
	report, err := e.Run(ctx, m)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	return report
}

func TestExecutor_CounterScenario(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	journal := NewMemoryJournal()
	m := counterModule(t)

	exec := NewExecutor(backend, journal, WithOptions(testOptions()))
	report := mustRun(t, exec, ctx, m)

	if report.Status != RunStatusSucceeded {
		t.Fatalf("Expected succeeded, got %s: %+v", report.Status, report.Actions)
	}
	if backend.totalSubmissions() != 2 {
		t.Fatalf("Expected 2 submissions, got %d", backend.totalSubmissions())
	}

	calls := backend.submissionsFor("M#Counter.incBy")
	if len(calls) != 1 {
		t.Fatalf("Expected one incBy submission, got %d", len(calls))
	}
	if calls[0].Target != "addr:M#Counter" {
		t.Errorf("Expected target resolved to created address, got %v", calls[0].Target)
	}
	if len(calls[0].Args) != 1 || calls[0].Args[0] != 5 {
		t.Errorf("Expected literal argument 5, got %v", calls[0].Args)
	}

	entries, _ := journal.All(ctx)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 journal entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.Status != EntrySuccess || entry.Attempts != 1 {
			t.Errorf("Unexpected entry: %+v", entry)
		}
	}
	inc, _ := journal.Get(ctx, "M#Counter.incBy")
	if string(inc.Args) != "[5]" {
		t.Errorf("Expected recorded args [5], got %s", inc.Args)
	}

	// second run against the same journal
	second := mustRun(t, NewExecutor(backend, journal, WithOptions(testOptions())), ctx, m)
	if backend.totalSubmissions() != 2 {
		t.Errorf("Expected no new submissions, got %d total", backend.totalSubmissions())
	}
	for _, a := range second.Actions {
		if a.Outcome != OutcomeAlreadySucceeded {
			t.Errorf("Expected %s to be already succeeded, got %s", a.ID, a.Outcome)
		}
	}
	if second.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", second.Status)
	}
}

func TestExecutor_RetryThenSucceed(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.failSubmit["M#Counter.incBy"] = 2
	journal := NewMemoryJournal()

	report := mustRun(t, NewExecutor(backend, journal, WithOptions(testOptions())), ctx, counterModule(t))

	inc, _ := report.Action("M#Counter.incBy")
	if inc.Outcome != OutcomeSucceeded || inc.Attempts != 3 {
		t.Errorf("Expected success after 3 attempts, got %+v", inc)
	}

	entry, _ := journal.Get(ctx, "M#Counter.incBy")
	if entry.Status != EntrySuccess || entry.Attempts != 3 {
		t.Errorf("Expected Success with attempts=3, got %+v", entry)
	}
	if n := len(backend.submissionsFor("M#Counter")); n != 1 {
		t.Errorf("Expected a single Counter submission, got %d", n)
	}
}

func TestExecutor_ConfirmationFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.failConfirm["M#Counter"] = 1
	journal := NewMemoryJournal()

	report := mustRun(t, NewExecutor(backend, journal, WithOptions(testOptions())), ctx, counterModule(t))

	if report.Status != RunStatusSucceeded {
		t.Fatalf("Expected succeeded, got %s", report.Status)
	}
	entry, _ := journal.Get(ctx, "M#Counter")
	if entry.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", entry.Attempts)
	}
}

func TestExecutor_CeilingExhausted(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.failSubmit["M#Counter"] = 100
	journal := NewMemoryJournal()

	report := mustRun(t, NewExecutor(backend, journal, WithOptions(testOptions())), ctx, counterModule(t))

	if n := len(backend.submissionsFor("M#Counter")); n != 3 {
		t.Errorf("Expected 3 submissions, got %d", n)
	}
	entry, _ := journal.Get(ctx, "M#Counter")
	if entry.Status != EntryFailed || entry.Attempts != 3 || entry.Error == "" {
		t.Errorf("Expected one terminal Failed entry with attempts=3, got %+v", entry)
	}

	counter, _ := report.Action("M#Counter")
	if counter.Outcome != OutcomeFailed || counter.Attempts != 3 {
		t.Errorf("Unexpected counter report: %+v", counter)
	}
	inc, _ := report.Action("M#Counter.incBy")
	if inc.Outcome != OutcomeDependencyFailed || inc.BlockedBy != "M#Counter" {
		t.Errorf("Expected dependency_failed, got %+v", inc)
	}
	if n := len(backend.submissionsFor("M#Counter.incBy")); n != 0 {
		t.Errorf("Dependent was submitted %d times", n)
	}
	if e, _ := journal.Get(ctx, "M#Counter.incBy"); e != nil {
		t.Errorf("Dependent must not be journaled, got %+v", e)
	}
	if report.Status != RunStatusFailed {
		t.Errorf("Expected failed, got %s", report.Status)
	}
}

func TestExecutor_AttemptsContinueAcrossRuns(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.failSubmit["M#Counter"] = 3
	journal := NewMemoryJournal()
	m := counterModule(t)

	mustRun(t, NewExecutor(backend, journal, WithOptions(testOptions())), ctx, m)
	report := mustRun(t, NewExecutor(backend, journal, WithOptions(testOptions())), ctx, m)

	entry, _ := journal.Get(ctx, "M#Counter")
	if entry.Status != EntrySuccess || entry.Attempts != 4 {
		t.Errorf("Expected Success at attempt 4, got %+v", entry)
	}
	if report.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", report.Status)
	}
}

func TestExecutor_PermanentErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.permanent["M#Counter"] = true

	report := mustRun(t, NewExecutor(backend, NewMemoryJournal(), WithOptions(testOptions())), ctx, counterModule(t))

	counter, _ := report.Action("M#Counter")
	if counter.Attempts != 1 || counter.Outcome != OutcomeFailed {
		t.Errorf("Expected a single failed attempt, got %+v", counter)
	}
}

func TestExecutor_PartialFailureIsolation(t *testing.T) {
	ctx := context.Background()
	b := NewModuleBuilder("M")
	bad := b.Contract("Bad", nil)
	b.Call(bad, "setup", nil)
	good := b.Contract("Good", nil)
	b.Call(good, "setup", nil)
	m, err := b.Build()
	if err != nil {
		t.Fatalf("Failed to build module: %v", err)
	}

	backend := newFakeBackend()
	backend.permanent["M#Bad"] = true

	report := mustRun(t, NewExecutor(backend, NewMemoryJournal(), WithOptions(testOptions())), ctx, m)

	want := map[string]Outcome{
		"M#Bad":        OutcomeFailed,
		"M#Bad.setup":  OutcomeDependencyFailed,
		"M#Good":       OutcomeSucceeded,
		"M#Good.setup": OutcomeSucceeded,
	}
	for id, outcome := range want {
		got, ok := report.Action(id)
		if !ok || got.Outcome != outcome {
			t.Errorf("%s: expected %s, got %+v", id, outcome, got)
		}
	}
	if report.Status != RunStatusPartial {
		t.Errorf("Expected partial, got %s", report.Status)
	}
	if len(report.Failed()) != 2 || len(report.Succeeded()) != 2 {
		t.Errorf("Unexpected summary: %+v", report.Summary())
	}
}

func TestExecutor_FailureDoesNotBlockPastSatisfiedActions(t *testing.T) {
	ctx := context.Background()
	b := NewModuleBuilder("M")
	bad := b.Contract("Bad", nil)
	b.Call(bad, "setup", nil)
	mid := b.Contract("Mid", nil, After(bad))
	b.Call(mid, "setup", nil)
	m, err := b.Build()
	if err != nil {
		t.Fatalf("Failed to build module: %v", err)
	}

	journal := NewMemoryJournal()
	_ = journal.Put(ctx, &JournalEntry{ActionID: "M#Mid", Status: EntrySuccess, Result: json.RawMessage(`"addr:M#Mid"`), Attempts: 1})

	backend := newFakeBackend()
	backend.permanent["M#Bad"] = true
	release := make(chan struct{})
	backend.block["M#Mid.setup"] = release

	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	tel := telemetry.Nop()
	tel.Events = events

	var (
		mu      sync.Mutex
		skipped []string
		once    sync.Once
	)
	events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		skipped = append(skipped, e.ActionID)
		mu.Unlock()
		// M#Mid.setup stays in flight until the failure of M#Bad has been handled.
		if e.ActionID == "M#Bad.setup" {
			once.Do(func() { close(release) })
		}
	}, telemetry.FilterByType(telemetry.EventTypeActionSkipped))

	exec := NewExecutor(backend, journal, WithOptions(testOptions()), WithTelemetry(tel))
	report := mustRun(t, exec, ctx, m)

	want := map[string]Outcome{
		"M#Bad":       OutcomeFailed,
		"M#Bad.setup": OutcomeDependencyFailed,
		"M#Mid":       OutcomeAlreadySucceeded,
		"M#Mid.setup": OutcomeSucceeded,
	}
	for id, outcome := range want {
		got, ok := report.Action(id)
		if !ok || got.Outcome != outcome {
			t.Errorf("%s: expected %s, got %+v", id, outcome, got)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(skipped) != 1 || skipped[0] != "M#Bad.setup" {
		t.Errorf("Expected only M#Bad.setup to be skipped, got %v", skipped)
	}
	if got := len(backend.submissionsFor("M#Mid.setup")); got != 1 {
		t.Errorf("Expected one submission of M#Mid.setup, got %d", got)
	}
}

func TestExecutor_RespectsMaxParallel(t *testing.T) {
	ctx := context.Background()
	b := NewModuleBuilder("M")
	for i := 0; i < 8; i++ {
		b.Contract(fmt.Sprintf("C%d", i), nil)
	}
	m, _ := b.Build()

	backend := newFakeBackend()
	backend.confirmDelay = 10 * time.Millisecond
	opts := testOptions()
	opts.MaxParallel = 2

	report := mustRun(t, NewExecutor(backend, NewMemoryJournal(), WithOptions(opts)), ctx, m)

	if report.Status != RunStatusSucceeded {
		t.Fatalf("Expected succeeded, got %s", report.Status)
	}
	if backend.maxInflight > 2 {
		t.Errorf("Expected at most 2 in flight, saw %d", backend.maxInflight)
	}
}

func TestExecutor_CancellationLetsInflightFinish(t *testing.T) {
	b := NewModuleBuilder("M")
	b.Contract("First", nil)
	b.Contract("Second", nil)
	m, _ := b.Build()

	backend := newFakeBackend()
	release := make(chan struct{})
	backend.block["M#First"] = release
	backend.started = make(chan string, 4)
	journal := NewMemoryJournal()

	opts := testOptions()
	opts.MaxParallel = 1

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-backend.started
		cancel()
		close(release)
	}()

	report := mustRun(t, NewExecutor(backend, journal, WithOptions(opts)), ctx, m)

	first, _ := report.Action("M#First")
	if first.Outcome != OutcomeSucceeded {
		t.Errorf("In-flight action must complete, got %+v", first)
	}
	entry, _ := journal.Get(context.Background(), "M#First")
	if entry == nil || entry.Status != EntrySuccess {
		t.Errorf("Expected Success entry for in-flight action, got %+v", entry)
	}

	second, _ := report.Action("M#Second")
	if second.Outcome != OutcomeCancelled {
		t.Errorf("Expected cancelled, got %+v", second)
	}
	if n := len(backend.submissionsFor("M#Second")); n != 0 {
		t.Errorf("Cancelled action was submitted %d times", n)
	}
	if report.Status != RunStatusCancelled {
		t.Errorf("Expected cancelled, got %s", report.Status)
	}
}

func TestExecutor_ResumesRecordedHandle(t *testing.T) {
	ctx := context.Background()
	fake := newFakeBackend()
	fake.pending["M#Counter/1"] = Submission{ActionID: "M#Counter", Kind: ActionCreate, Attempt: 1}
	fake.inflight = 1
	backend := resumableBackend{fake}

	journal := NewMemoryJournal()
	_ = journal.Put(ctx, &JournalEntry{ActionID: "M#Counter", Status: EntryPending, Attempts: 1, Handle: "M#Counter/1"})

	report := mustRun(t, NewExecutor(backend, journal, WithOptions(testOptions())), ctx, counterModule(t))

	if n := len(fake.submissionsFor("M#Counter")); n != 0 {
		t.Errorf("Expected recorded submission to be awaited, got %d new submissions", n)
	}
	counter, _ := report.Action("M#Counter")
	if counter.Outcome != OutcomeSucceeded || counter.Attempts != 1 {
		t.Errorf("Unexpected report: %+v", counter)
	}
	if report.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", report.Status)
	}
}

func TestExecutor_PendingWithoutResumerIsResubmitted(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	journal := NewMemoryJournal()
	_ = journal.Put(ctx, &JournalEntry{ActionID: "M#Counter", Status: EntryPending, Attempts: 1, Handle: "lost"})

	mustRun(t, NewExecutor(backend, journal, WithOptions(testOptions())), ctx, counterModule(t))

	entry, _ := journal.Get(ctx, "M#Counter")
	if entry.Status != EntrySuccess || entry.Attempts != 2 {
		t.Errorf("Expected resubmission as attempt 2, got %+v", entry)
	}
}

func TestExecutor_ReferenceAction(t *testing.T) {
	ctx := context.Background()
	b := NewModuleBuilder("M")
	oracle := b.ContractAt("Oracle", "0xabc")
	price := b.StaticCall(oracle, "latestPrice", nil)
	b.Contract("Market", []interface{}{oracle, price})
	m, _ := b.Build()

	backend := newFakeBackend()
	report := mustRun(t, NewExecutor(backend, NewMemoryJournal(), WithOptions(testOptions())), ctx, m)

	if report.Status != RunStatusSucceeded {
		t.Fatalf("Expected succeeded, got %s: %+v", report.Status, report.Actions)
	}
	if n := len(backend.submissionsFor("M#Oracle")); n != 0 {
		t.Errorf("Reference must not be submitted, got %d", n)
	}
	market := backend.submissionsFor("M#Market")
	if len(market) != 1 || market[0].Args[0] != "0xabc" || market[0].Args[1] != float64(42) {
		t.Errorf("Unexpected market submission: %+v", market)
	}
}

func TestExecutor_DryRun(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	journal := NewMemoryJournal()
	opts := testOptions()
	opts.DryRun = true

	report := mustRun(t, NewExecutor(backend, journal, WithOptions(opts)), ctx, counterModule(t))

	if backend.totalSubmissions() != 0 || journal.Writes() != 0 {
		t.Errorf("Dry run touched backend or journal")
	}
	if report.Status != RunStatusPlanned || report.Summary().Planned != 2 {
		t.Errorf("Unexpected dry-run report: %+v", report)
	}
}

func TestExecutor_PlanGateVeto(t *testing.T) {
	backend := newFakeBackend()
	gate := &recordingGate{err: NewPermanentError("denied", nil).WithCode(ErrCodePolicyDenied)}

	_, err := NewExecutor(backend, NewMemoryJournal(), WithOptions(testOptions()), WithPlanGate(gate)).
		Run(context.Background(), counterModule(t))

	if !HasCode(err, ErrCodePolicyDenied) {
		t.Errorf("Expected %s, got: %v", ErrCodePolicyDenied, err)
	}
	if backend.totalSubmissions() != 0 {
		t.Error("Backend was called despite the veto")
	}
	if len(gate.plans) != 1 || len(gate.plans[0].ToExecute) != 2 {
		t.Errorf("Gate did not see the plan: %+v", gate.plans)
	}
}

func TestExecutor_CycleAbortsBeforeSubmission(t *testing.T) {
	m, err := NewModule("M", []Action{
		{ID: "M#A", Kind: ActionCreate, Module: "M", ContractType: "A", After: []string{"M#B"}},
		{ID: "M#B", Kind: ActionCreate, Module: "M", ContractType: "B", After: []string{"M#A"}},
		{ID: "M#C", Kind: ActionCreate, Module: "M", ContractType: "C"},
	}, nil)
	if err != nil {
		t.Fatalf("Failed to build module: %v", err)
	}

	backend := newFakeBackend()
	_, err = NewExecutor(backend, NewMemoryJournal(), WithOptions(testOptions())).Run(context.Background(), m)
	if !HasCode(err, ErrCodeCycleDetected) {
		t.Errorf("Expected %s, got: %v", ErrCodeCycleDetected, err)
	}
	if backend.totalSubmissions() != 0 {
		t.Error("Cyclic module must not execute any subset")
	}
}

func TestExecutor_RecordsRun(t *testing.T) {
	recorder := &recordingRecorder{}
	report := mustRun(t, NewExecutor(newFakeBackend(), NewMemoryJournal(),
		WithOptions(testOptions()), WithRunRecorder(recorder)), context.Background(), counterModule(t))

	if len(recorder.reports) != 1 || recorder.reports[0].RunID != report.RunID {
		t.Errorf("Expected the report to be recorded, got %+v", recorder.reports)
	}
}

func TestExecutor_NoBackend(t *testing.T) {
	if _, err := NewExecutor(nil, NewMemoryJournal()).Run(context.Background(), counterModule(t)); err == nil {
		t.Error("Expected error without backend")
	}
}
