// Package protocol defines the JSON-lines protocol spoken between the ignite
// engine and an out-of-process backend such as ignite-devnode.
//
// The backend announces itself with READY, then answers every CMD with
// exactly one DONE or ERROR carrying the command id. Commands may be
// answered out of order. EXIT is sent once before the backend terminates.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the backend is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand indicates a command from the engine
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent indicates a progress event from the backend
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates successful completion
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates an error occurred
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the backend is exiting
	MessageTypeExit MessageType = "EXIT"
)

// CommandType represents the type of command to execute.
type CommandType string

const (
	// CommandTypeSubmit submits one attempt of an action
	CommandTypeSubmit CommandType = "submit"
	// CommandTypeAwait waits for the confirmation of a submission
	CommandTypeAwait CommandType = "await"
	// CommandTypeResumable asks whether a handle is still known
	CommandTypeResumable CommandType = "resumable"
	// CommandTypePing checks liveness
	CommandTypePing CommandType = "ping"
)

// Error codes carried by ERROR messages.
const (
	CodeInvalidCommand = "INVALID_COMMAND"
	CodeThrottled      = "THROTTLED"
	CodeRejected       = "REJECTED"
	CodeUnavailable    = "UNAVAILABLE"
)

// Message is the base message structure for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the backend is ready to receive commands.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Network  string            `json:"network"`
	PID      int               `json:"pid"`
	Caps     map[string]bool   `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CommandMessage contains a command to execute.
type CommandMessage struct {
	ID      string          `json:"id"`
	Type    CommandType     `json:"type"`
	Timeout int             `json:"timeout"` // seconds
	Params  json.RawMessage `json:"params"`
}

// EventMessage contains progress information while a command runs.
type EventMessage struct {
	CommandID string            `json:"command_id"`
	Level     string            `json:"level"` // info, warn, debug
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DoneMessage indicates successful command completion.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage indicates an error occurred.
type ErrorMessage struct {
	CommandID  string            `json:"command_id,omitempty"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	Retryable  bool              `json:"retryable"`
	RetryAfter int               `json:"retry_after,omitempty"` // seconds
}

// ExitMessage is sent before the backend terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// SubmitParams carries one attempt of an action.
type SubmitParams struct {
	ActionID     string        `json:"action_id"`
	Kind         string        `json:"kind"`
	ContractType string        `json:"contract_type,omitempty"`
	Target       interface{}   `json:"target,omitempty"`
	Method       string        `json:"method,omitempty"`
	Args         []interface{} `json:"args"`
	Attempt      int           `json:"attempt"`
}

// SubmitResult returns the handle of an accepted submission.
type SubmitResult struct {
	Handle string `json:"handle"`
}

// HandleParams names a submission handle.
type HandleParams struct {
	Handle string `json:"handle"`
}

// AwaitResult is the confirmation of a submission.
type AwaitResult struct {
	Result   json.RawMessage `json:"result,omitempty"`
	BlockRef string          `json:"block_ref,omitempty"`
}

// ResumableResult reports whether a handle is still known to the backend.
type ResumableResult struct {
	Known bool `json:"known"`
}

// Validation methods

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeSubmit, CommandTypeAwait, CommandTypeResumable, CommandTypePing:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	validLevels := map[string]bool{"info": true, "warn": true, "debug": true}
	if !validLevels[evt.Level] {
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}

// Validate checks if the submit params are complete.
func (p *SubmitParams) Validate() error {
	if p.ActionID == "" {
		return fmt.Errorf("action ID is required")
	}
	if p.Kind == "" {
		return fmt.Errorf("action kind is required")
	}
	if p.Attempt <= 0 {
		return fmt.Errorf("attempt must be positive")
	}
	return nil
}
