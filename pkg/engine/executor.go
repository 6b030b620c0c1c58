package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/ignite/pkg/telemetry"
)

// Options configures an Executor.
type Options struct {
	// MaxParallel bounds the number of actions in flight at once.
	MaxParallel int

	// MaxAttempts is the per-run attempt ceiling for one action.
	MaxAttempts int

	// BaseBackoff is the delay before the first retry.
	BaseBackoff time.Duration

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration

	// AttemptTimeout bounds one submit and confirmation round trip. Zero disables it.
	AttemptTimeout time.Duration

	// DryRun plans and checks policy without touching the backend or the journal.
	DryRun bool
}

// DefaultOptions returns the executor defaults.
func DefaultOptions() Options {
	return Options{
		MaxParallel:    10,
		MaxAttempts:    3,
		BaseBackoff:    time.Second,
		MaxBackoff:     30 * time.Second,
		AttemptTimeout: 2 * time.Minute,
	}
}

func (o Options) normalize() Options {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 10
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 32 * o.BaseBackoff
	}
	return o
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithOptions replaces the executor options.
func WithOptions(opts Options) ExecutorOption {
	return func(e *Executor) {
		e.opts = opts
	}
}

// WithTelemetry attaches logging, tracing, metrics and events.
func WithTelemetry(t *telemetry.Telemetry) ExecutorOption {
	return func(e *Executor) {
		if t != nil {
			e.tel = t
		}
	}
}

// WithPlanGate installs a gate that is consulted before any backend interaction.
func WithPlanGate(g PlanGate) ExecutorOption {
	return func(e *Executor) {
		e.gate = g
	}
}

// WithRunRecorder persists every finished report.
func WithRunRecorder(r RunRecorder) ExecutorOption {
	return func(e *Executor) {
		e.recorder = r
	}
}

// Executor drives the actions of a module to completion against a backend,
// recording every attempt in the journal.
type Executor struct {
	backend  Backend
	journal  *guardedJournal
	resolver *Resolver
	gate     PlanGate
	recorder RunRecorder
	opts     Options
	tel      *telemetry.Telemetry
}

// NewExecutor creates an executor over backend and journal.
func NewExecutor(backend Backend, journal Journal, opts ...ExecutorOption) *Executor {
	e := &Executor{
		backend:  backend,
		journal:  newGuardedJournal(journal),
		resolver: NewResolver(),
		opts:     DefaultOptions(),
		tel:      telemetry.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.opts = e.opts.normalize()
	return e
}

// Plan computes the execution plan of m against the current journal.
func (e *Executor) Plan(ctx context.Context, m *Module) (*ExecutionPlan, error) {
	plan, _, err := e.plan(ctx, m)
	return plan, err
}

func (e *Executor) plan(ctx context.Context, m *Module) (*ExecutionPlan, map[string]JournalEntry, error) {
	snapshot, err := e.journal.All(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read journal: %w", err)
	}
	plan, err := e.resolver.Plan(m, snapshot)
	if err != nil {
		return nil, nil, err
	}
	entries := make(map[string]JournalEntry, len(snapshot))
	for _, entry := range snapshot {
		entries[entry.ActionID] = entry
	}
	return plan, entries, nil
}

// run holds the state of one Run call.
type run struct {
	id      string
	module  *Module
	plan    *ExecutionPlan
	started time.Time
	reports map[string]ActionReport
	log     *telemetry.Logger
}

// Run executes m. Planning and policy errors are returned before anything is
// submitted; execution failures are contained per action and reported in the
// returned Report.
func (e *Executor) Run(ctx context.Context, m *Module) (*Report, error) {
	if e.backend == nil && !e.opts.DryRun {
		return nil, NewPermanentError("executor has no backend", nil).WithCode(ErrCodeValidation)
	}

	plan, entries, err := e.plan(ctx, m)
	if err != nil {
		return nil, err
	}

	if e.gate != nil {
		if err := e.gate.Check(ctx, m, plan); err != nil {
			return nil, err
		}
	}

	r := &run{
		id:      uuid.New().String(),
		module:  m,
		plan:    plan,
		started: time.Now(),
		reports: make(map[string]ActionReport, m.Len()),
	}
	r.log = e.tel.Logger.NewComponentLogger("executor").WithRunID(r.id).WithModule(m.Name())

	ctx, span := e.tel.Tracer.StartRunSpan(ctx, r.id, m.Name())
	defer span.End()

	e.tel.Metrics.RecordRunStarted(m.Name())
	_ = e.tel.Events.PublishRunStarted(r.id, m.Name(), m.Len())
	r.log.Infof("run started: %d action(s), %d already satisfied", m.Len(), len(plan.Satisfied))

	for _, id := range plan.Satisfied {
		entry := entries[id]
		r.reports[id] = ActionReport{
			ID:       id,
			Kind:     m.action(id).Kind,
			Outcome:  OutcomeAlreadySucceeded,
			Attempts: entry.Attempts,
			Result:   entry.Result,
		}
	}

	if e.opts.DryRun {
		for _, id := range plan.ToExecute {
			r.reports[id] = ActionReport{
				ID:       id,
				Kind:     m.action(id).Kind,
				Outcome:  OutcomePlanned,
				Attempts: entries[id].Attempts,
			}
		}
	} else {
		e.schedule(ctx, r)
	}

	report := e.finish(ctx, r)
	span.SetAttributes(telemetry.AttrRunStatus.String(string(report.Status)))
	return report, nil
}

// attemptResult is sent from a worker back to the dispatcher.
type attemptResult struct {
	id     string
	report ActionReport
}

// schedule dispatches ready actions to a bounded set of workers. An action is
// ready once every dependency has a Success entry. Failed actions block their
// transitive dependents; independent branches keep running.
func (e *Executor) schedule(ctx context.Context, r *run) {
	plan := r.plan

	done := make(map[string]bool, len(plan.Order))
	for _, id := range plan.Satisfied {
		done[id] = true
	}

	remaining := make(map[string]int, len(plan.ToExecute))
	for _, id := range plan.ToExecute {
		for _, dep := range plan.Nodes[id].Dependencies {
			if !done[dep] {
				remaining[id]++
			}
		}
	}

	position := make(map[string]int, len(plan.Order))
	for i, id := range plan.Order {
		position[id] = i
	}

	queue := e.resolver.Ready(plan, done)
	results := make(chan attemptResult)
	sem := semaphore.NewWeighted(int64(e.opts.MaxParallel))
	inflight := 0

	for {
		for len(queue) > 0 && ctx.Err() == nil && sem.TryAcquire(1) {
			id := queue[0]
			queue = queue[1:]
			inflight++
			go func(id string) {
				report := e.executeAction(ctx, r, id)
				sem.Release(1)
				results <- attemptResult{id: id, report: report}
			}(id)
		}

		if inflight == 0 {
			break
		}

		res := <-results
		inflight--
		r.reports[res.id] = res.report
		e.tel.Metrics.RecordActionOutcome(string(res.report.Kind), string(res.report.Outcome))

		if res.report.Outcome.IsSuccess() {
			done[res.id] = true
			for _, dependent := range plan.Nodes[res.id].Dependents {
				remaining[dependent]--
				if remaining[dependent] == 0 {
					queue = insertByPosition(queue, dependent, position)
				}
			}
			continue
		}

		for _, dependent := range e.resolver.BlockedDependents(plan, res.id, done) {
			if _, reported := r.reports[dependent]; reported {
				continue
			}
			reason := fmt.Sprintf("dependency %s failed", res.id)
			r.reports[dependent] = ActionReport{
				ID:        dependent,
				Kind:      r.module.action(dependent).Kind,
				Outcome:   OutcomeDependencyFailed,
				Error:     reason,
				BlockedBy: res.id,
			}
			e.tel.Metrics.RecordActionOutcome(string(r.module.action(dependent).Kind), string(OutcomeDependencyFailed))
			_ = e.tel.Events.PublishActionSkipped(r.id, dependent, string(OutcomeDependencyFailed), reason)
			r.log.WithActionID(dependent).Warnf("not submitted: %s", reason)
		}
	}
}

// insertByPosition inserts id into queue keeping plan order.
func insertByPosition(queue []string, id string, position map[string]int) []string {
	i := len(queue)
	for j, queued := range queue {
		if position[queued] > position[id] {
			i = j
			break
		}
	}
	queue = append(queue, "")
	copy(queue[i+1:], queue[i:])
	queue[i] = id
	return queue
}

// executeAction runs the attempt loop for one action. Work started here uses a
// context detached from cancellation so every attempt ends with a terminal
// journal write; cancellation only suppresses further retries.
func (e *Executor) executeAction(ctx context.Context, r *run, id string) ActionReport {
	action := r.module.action(id)
	log := r.log.WithActionID(id)
	workCtx := context.WithoutCancel(ctx)

	e.tel.Metrics.AddInflight(1)
	defer e.tel.Metrics.AddInflight(-1)

	report := ActionReport{ID: id, Kind: action.Kind, Outcome: OutcomeFailed}

	entry, err := e.journal.Get(workCtx, id)
	if err != nil {
		report.Error = fmt.Sprintf("failed to read journal: %v", err)
		log.WithError(err).Error("journal read failed")
		return report
	}

	attempts := 0
	if entry != nil {
		attempts = entry.Attempts
		if entry.Status == EntrySuccess {
			report.Outcome = OutcomeAlreadySucceeded
			report.Attempts = entry.Attempts
			report.Result = entry.Result
			return report
		}
		if entry.Status == EntryPending && entry.Handle != "" {
			if resumed, ok := e.resume(workCtx, r, action, entry); ok {
				return resumed
			}
		}
	}

	sub, argsJSON, err := e.prepare(workCtx, action)
	if err != nil {
		report.Attempts = attempts
		report.Error = err.Error()
		e.writeFailed(workCtx, log, action.ID, attempts, argsJSON, "", err)
		return report
	}

	b := e.newBackoff()
	for try := 1; ; try++ {
		attempts++
		sub.Attempt = attempts
		report.Attempts = attempts

		_ = e.tel.Events.PublishActionStarted(r.id, id, string(action.Kind), attempts)
		log.WithField("attempt", attempts).Debug("attempt started")

		conf, handle, err := e.attempt(workCtx, r, action, sub, argsJSON)
		if err == nil {
			success := &JournalEntry{
				ActionID: id,
				Status:   EntrySuccess,
				Result:   conf.Result,
				Attempts: attempts,
				Args:     argsJSON,
				Handle:   string(handle),
			}
			if werr := e.put(workCtx, success); werr != nil {
				report.Error = fmt.Sprintf("confirmed but not recorded: %v", werr)
				log.WithError(werr).Error("failed to record success")
				return report
			}
			e.tel.Metrics.RecordAttempt(string(action.Kind), "success")
			_ = e.tel.Events.PublishActionSucceeded(r.id, id, attempts)
			log.WithField("attempt", attempts).Info("action confirmed")

			report.Outcome = OutcomeSucceeded
			report.Result = conf.Result
			report.Error = ""
			return report
		}

		e.tel.Metrics.RecordAttempt(string(action.Kind), "failure")
		e.recordError(err)
		e.writeFailed(workCtx, log, id, attempts, argsJSON, handle, err)
		report.Error = err.Error()

		if !IsRetryable(err) || try >= e.opts.MaxAttempts || ctx.Err() != nil {
			_ = e.tel.Events.PublishActionFailed(r.id, id, err.Error(), attempts)
			log.WithError(err).WithField("attempts", attempts).Error("action failed")
			return report
		}

		delay := e.nextDelay(b, err)
		_ = e.tel.Events.PublishActionRetrying(r.id, id, err.Error(), attempts, delay)
		log.WithError(err).WithField("attempt", attempts).Warnf("retrying in %s", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			_ = e.tel.Events.PublishActionFailed(r.id, id, err.Error(), attempts)
			return report
		}
	}
}

// attempt performs one submission. The Pending entry is written before the
// backend sees the action and rewritten with the handle once it is known.
func (e *Executor) attempt(
	ctx context.Context,
	r *run,
	action *Action,
	sub *Submission,
	argsJSON json.RawMessage,
) (*Confirmation, Handle, error) {
	if e.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.AttemptTimeout)
		defer cancel()
	}

	ctx, span := e.tel.Tracer.StartActionSpan(ctx, action.ID, string(action.Kind), sub.Attempt)
	defer span.End()

	pending := &JournalEntry{
		ActionID: action.ID,
		Status:   EntryPending,
		Attempts: sub.Attempt,
		Args:     argsJSON,
	}
	if err := e.put(ctx, pending); err != nil {
		telemetry.RecordError(span, err)
		return nil, "", NewPermanentError("failed to record pending entry", err).
			WithCode(ErrCodeInternal).WithAction(action.ID)
	}

	if action.Kind == ActionReference {
		result, err := json.Marshal(action.Address)
		if err != nil {
			return nil, "", NewPermanentError("failed to encode address", err).WithAction(action.ID)
		}
		telemetry.RecordSuccess(span)
		return &Confirmation{Result: result}, "", nil
	}

	submitCtx, submitSpan := e.tel.Tracer.StartBackendSpan(ctx, "submit", action.ID)
	timer := telemetry.NewTimer()
	handle, err := e.backend.Submit(submitCtx, sub)
	e.tel.Metrics.RecordBackendCall("submit", timer.Duration(), err)
	telemetry.RecordError(submitSpan, err)
	submitSpan.End()
	if err != nil {
		err = classifyBackendError(err, ErrCodeBackendSubmission, "submit", action.ID)
		telemetry.RecordError(span, err)
		return nil, "", err
	}

	pending.Handle = string(handle)
	if err := e.put(ctx, pending); err != nil {
		// the submission is in flight; keep awaiting it
		r.log.WithActionID(action.ID).WithError(err).Warn("failed to record submission handle")
	}

	awaitCtx, awaitSpan := e.tel.Tracer.StartBackendSpan(ctx, "await_confirmation", action.ID)
	timer = telemetry.NewTimer()
	conf, err := e.backend.AwaitConfirmation(awaitCtx, handle)
	e.tel.Metrics.RecordBackendCall("await_confirmation", timer.Duration(), err)
	telemetry.RecordError(awaitSpan, err)
	awaitSpan.End()
	if err != nil {
		err = classifyBackendError(err, ErrCodeBackendConfirmation, "await_confirmation", action.ID)
		telemetry.RecordError(span, err)
		return nil, handle, err
	}
	if conf == nil {
		conf = &Confirmation{}
	}

	telemetry.RecordSuccess(span)
	return conf, handle, nil
}

// resume awaits a submission recorded by an interrupted run instead of
// submitting the action again. It reports false when the handle cannot be
// resumed; the interrupted attempt is then closed with a Failed entry.
func (e *Executor) resume(ctx context.Context, r *run, action *Action, entry *JournalEntry) (ActionReport, bool) {
	resumer, ok := e.backend.(HandleResumer)
	if !ok {
		return ActionReport{}, false
	}
	log := r.log.WithActionID(action.ID).WithField("handle", entry.Handle)

	known, err := resumer.Resumable(ctx, Handle(entry.Handle))
	if err != nil || !known {
		log.Debug("recorded submission is not resumable")
		return ActionReport{}, false
	}

	log.Info("resuming recorded submission")
	conf, err := e.backend.AwaitConfirmation(ctx, Handle(entry.Handle))
	if err != nil {
		err = classifyBackendError(err, ErrCodeBackendConfirmation, "await_confirmation", action.ID)
		e.writeFailed(ctx, log, action.ID, entry.Attempts, entry.Args, Handle(entry.Handle), err)
		return ActionReport{}, false
	}
	if conf == nil {
		conf = &Confirmation{}
	}

	success := &JournalEntry{
		ActionID: action.ID,
		Status:   EntrySuccess,
		Result:   conf.Result,
		Attempts: entry.Attempts,
		Args:     entry.Args,
		Handle:   entry.Handle,
	}
	if err := e.put(ctx, success); err != nil {
		log.WithError(err).Error("failed to record resumed success")
		return ActionReport{}, false
	}
	_ = e.tel.Events.PublishActionSucceeded(r.id, action.ID, entry.Attempts)

	return ActionReport{
		ID:       action.ID,
		Kind:     action.Kind,
		Outcome:  OutcomeSucceeded,
		Attempts: entry.Attempts,
		Result:   conf.Result,
	}, true
}

// prepare resolves the action's futures from the journal into a submission.
func (e *Executor) prepare(ctx context.Context, action *Action) (*Submission, json.RawMessage, error) {
	results := make(map[string]json.RawMessage)
	for _, dep := range action.Dependencies() {
		entry, err := e.journal.Get(ctx, dep)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read journal entry of %s: %w", dep, err)
		}
		if entry == nil || entry.Status != EntrySuccess {
			return nil, nil, NewPermanentError(fmt.Sprintf("dependency %s has no success entry", dep), nil).
				WithCode(ErrCodeDependencyFailed).WithAction(action.ID)
		}
		results[dep] = entry.Result
	}

	sub := &Submission{
		ActionID:     action.ID,
		Kind:         action.Kind,
		ContractType: action.ContractType,
		Method:       action.Method,
		Args:         make([]interface{}, len(action.Args)),
	}
	if action.Target != nil {
		target, err := action.Target.Resolve(results)
		if err != nil {
			return nil, nil, err
		}
		sub.Target = target
	}
	for i, arg := range action.Args {
		v, err := arg.Resolve(results)
		if err != nil {
			return nil, nil, err
		}
		sub.Args[i] = v
	}

	argsJSON, err := json.Marshal(sub.Args)
	if err != nil {
		return nil, nil, NewPermanentError("failed to encode arguments", err).
			WithCode(ErrCodeValidation).WithAction(action.ID)
	}
	return sub, argsJSON, nil
}

func (e *Executor) put(ctx context.Context, entry *JournalEntry) error {
	if err := e.journal.Put(ctx, entry); err != nil {
		return err
	}
	e.tel.Metrics.RecordJournalWrite(string(entry.Status))
	return nil
}

func (e *Executor) writeFailed(
	ctx context.Context,
	log *telemetry.Logger,
	actionID string,
	attempts int,
	args json.RawMessage,
	handle Handle,
	cause error,
) {
	failed := &JournalEntry{
		ActionID: actionID,
		Status:   EntryFailed,
		Error:    cause.Error(),
		Attempts: attempts,
		Args:     args,
		Handle:   string(handle),
	}
	if err := e.put(ctx, failed); err != nil {
		log.WithError(err).Error("failed to record failed attempt")
	}
}

func (e *Executor) recordError(err error) {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		e.tel.Metrics.RecordError(string(engineErr.Class), engineErr.Code)
	}
}

func (e *Executor) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.BaseBackoff
	b.MaxInterval = e.opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.Reset()
	return b
}

// nextDelay returns the next backoff interval; throttled errors wait twice as long.
func (e *Executor) nextDelay(b *backoff.ExponentialBackOff, err error) time.Duration {
	delay := b.NextBackOff()
	if delay < 0 {
		delay = e.opts.MaxBackoff
	}
	if IsThrottled(err) {
		delay *= 2
	}
	if e.opts.MaxBackoff > 0 && delay > e.opts.MaxBackoff {
		delay = e.opts.MaxBackoff
	}
	return delay
}

// finish assembles the report in plan order and records it.
func (e *Executor) finish(ctx context.Context, r *run) *Report {
	report := &Report{
		RunID:     r.id,
		Module:    r.module.Name(),
		StartedAt: r.started,
		Actions:   make([]ActionReport, 0, len(r.plan.Order)),
	}

	for _, id := range r.plan.Order {
		ar, ok := r.reports[id]
		if !ok {
			ar = ActionReport{
				ID:      id,
				Kind:    r.module.action(id).Kind,
				Outcome: OutcomeCancelled,
				Error:   "run cancelled before the action started",
			}
			e.tel.Metrics.RecordActionOutcome(string(ar.Kind), string(OutcomeCancelled))
			_ = e.tel.Events.PublishActionSkipped(r.id, id, string(OutcomeCancelled), ar.Error)
		}
		report.Actions = append(report.Actions, ar)
	}

	report.Duration = time.Since(r.started)
	report.Status = runStatus(report, e.opts.DryRun)

	e.tel.Metrics.RecordRunCompleted(string(report.Status), report.Duration)
	_ = e.tel.Events.PublishRunCompleted(r.id, string(report.Status), report.Duration)

	s := report.Summary()
	r.log.WithFields(map[string]interface{}{
		"status":            report.Status,
		"succeeded":         s.Succeeded,
		"already_succeeded": s.AlreadySucceeded,
		"failed":            s.Failed,
		"dependency_failed": s.DependencyFailed,
		"cancelled":         s.Cancelled,
	}).Info("run finished")

	if e.recorder != nil {
		if err := e.recorder.RecordRun(context.WithoutCancel(ctx), report); err != nil {
			r.log.WithError(err).Warn("failed to record run")
		}
	}

	return report
}

func runStatus(report *Report, dryRun bool) RunStatus {
	if dryRun {
		return RunStatusPlanned
	}
	s := report.Summary()
	switch {
	case s.Cancelled > 0:
		return RunStatusCancelled
	case s.Failed+s.DependencyFailed == 0:
		return RunStatusSucceeded
	case s.Succeeded+s.AlreadySucceeded > 0:
		return RunStatusPartial
	default:
		return RunStatusFailed
	}
}
