package engine

import "context"

// Handle identifies a submission to a backend.
type Handle string

// Backend performs actions against the remote system. Both calls may be slow
// and may fail; errors are retried according to their EngineError class, and
// plain errors are treated as transient.
type Backend interface {
	// Submit sends one attempt of an action and returns its handle.
	Submit(ctx context.Context, sub *Submission) (Handle, error)

	// AwaitConfirmation blocks until the submission is confirmed or rejected.
	AwaitConfirmation(ctx context.Context, handle Handle) (*Confirmation, error)
}

// HandleResumer is implemented by backends that can tell whether a handle
// recorded before a crash is still known. A resumable handle is awaited
// instead of resubmitting the action.
type HandleResumer interface {
	Resumable(ctx context.Context, handle Handle) (bool, error)
}

// PlanGate inspects a plan before any backend interaction and may veto the run.
type PlanGate interface {
	Check(ctx context.Context, m *Module, plan *ExecutionPlan) error
}

// RunRecorder persists finished run reports.
type RunRecorder interface {
	RecordRun(ctx context.Context, report *Report) error
}
