package engine

import (
	"encoding/json"
	"fmt"
)

// ActionKind discriminates the declared actions of a module.
type ActionKind string

const (
	// ActionCreate instantiates a named contract type with constructor arguments.
	ActionCreate ActionKind = "create"

	// ActionInvoke calls a state-changing method on a created or referenced contract.
	ActionInvoke ActionKind = "invoke"

	// ActionRead queries a value from a contract; used only as input to other actions.
	ActionRead ActionKind = "read"

	// ActionReference binds an already deployed contract at a known address.
	ActionReference ActionKind = "reference"
)

// Validate checks if the action kind is valid.
func (k ActionKind) Validate() error {
	switch k {
	case ActionCreate, ActionInvoke, ActionRead, ActionReference:
		return nil
	default:
		return fmt.Errorf("invalid action kind: %s", k)
	}
}

// NeedsTarget reports whether actions of this kind operate on another action's result.
func (k ActionKind) NeedsTarget() bool {
	return k == ActionInvoke || k == ActionRead
}

// EntryStatus is the status recorded in a journal entry.
type EntryStatus string

const (
	// EntryPending is written before an action is submitted to the backend.
	EntryPending EntryStatus = "pending"

	// EntrySuccess is terminal: the backend confirmed the action.
	EntrySuccess EntryStatus = "success"

	// EntryFailed records a failed attempt; a later run may supersede it.
	EntryFailed EntryStatus = "failed"
)

// IsTerminal returns true if the status ends an attempt.
func (s EntryStatus) IsTerminal() bool {
	return s == EntrySuccess || s == EntryFailed
}

// Validate checks if the entry status is valid.
func (s EntryStatus) Validate() error {
	switch s {
	case EntryPending, EntrySuccess, EntryFailed:
		return nil
	default:
		return fmt.Errorf("invalid entry status: %s", s)
	}
}

// Outcome is the per-action result of a single executor run.
type Outcome string

const (
	// OutcomeSucceeded means the action was confirmed during this run.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeAlreadySucceeded means the journal already held a Success entry.
	OutcomeAlreadySucceeded Outcome = "already_succeeded"

	// OutcomeFailed means the attempt ceiling was reached or the error was permanent.
	OutcomeFailed Outcome = "failed"

	// OutcomeDependencyFailed means an ancestor failed; the action was never submitted.
	OutcomeDependencyFailed Outcome = "dependency_failed"

	// OutcomeCancelled means the run was cancelled before the action started.
	OutcomeCancelled Outcome = "cancelled"

	// OutcomePlanned is reported by dry runs for actions that would execute.
	OutcomePlanned Outcome = "planned"
)

// IsSuccess returns true for outcomes that leave a Success entry in the journal.
func (o Outcome) IsSuccess() bool {
	return o == OutcomeSucceeded || o == OutcomeAlreadySucceeded
}

// RunStatus represents the overall status of an executor run.
type RunStatus string

const (
	// RunStatusSucceeded indicates every action ended in Success.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial indicates some actions succeeded and some did not.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates no action succeeded during the run.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPlanned is the status of a dry run.
	RunStatusPlanned RunStatus = "planned"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s != ""
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusSucceeded, RunStatusPartial, RunStatusFailed,
		RunStatusCancelled, RunStatusPlanned:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for ActionKind.
func (k ActionKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(k))
}

// UnmarshalJSON implements custom JSON unmarshaling for ActionKind.
func (k *ActionKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	kind := ActionKind(s)
	if err := kind.Validate(); err != nil {
		return err
	}
	*k = kind
	return nil
}

// UnmarshalJSON implements custom JSON unmarshaling for EntryStatus.
func (s *EntryStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := EntryStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}
