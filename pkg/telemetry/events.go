package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle event emitted while a deployment runs.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// ActionID is the associated action ID, if applicable.
	ActionID string `json:"action_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted      = "run.started"
	EventTypeRunCompleted    = "run.completed"
	EventTypeActionStarted   = "action.started"
	EventTypeActionSucceeded = "action.succeeded"
	EventTypeActionFailed    = "action.failed"
	EventTypeActionRetrying  = "action.retrying"
	EventTypeActionSkipped   = "action.skipped"
	EventTypePolicyViolation = "policy.violation"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Async publishers deliver
// from a single goroutine, so subscribers see events in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Source == "" {
		event.Source = "engine"
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, module string, actions int) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		RunID:   runID,
		Message: fmt.Sprintf("Run %s of module %s started", runID, module),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"module":  module,
			"actions": actions,
		},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, status string, duration time.Duration) error {
	level := EventLevelInfo
	if status != "succeeded" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		RunID:   runID,
		Message: fmt.Sprintf("Run %s completed with status: %s", runID, status),
		Level:   level,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishActionStarted publishes an action attempt started event.
func (ep *EventPublisher) PublishActionStarted(runID, actionID, kind string, attempt int) error {
	return ep.Publish(Event{
		Type:     EventTypeActionStarted,
		RunID:    runID,
		ActionID: actionID,
		Message:  fmt.Sprintf("Action %s started (%s, attempt %d)", actionID, kind, attempt),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"kind":    kind,
			"attempt": attempt,
		},
	})
}

// PublishActionSucceeded publishes an action confirmed event.
func (ep *EventPublisher) PublishActionSucceeded(runID, actionID string, attempt int) error {
	return ep.Publish(Event{
		Type:     EventTypeActionSucceeded,
		RunID:    runID,
		ActionID: actionID,
		Message:  fmt.Sprintf("Action %s confirmed", actionID),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"attempt": attempt,
		},
	})
}

// PublishActionRetrying publishes a retry event.
func (ep *EventPublisher) PublishActionRetrying(runID, actionID, reason string, attempt int, delay time.Duration) error {
	return ep.Publish(Event{
		Type:     EventTypeActionRetrying,
		RunID:    runID,
		ActionID: actionID,
		Message:  fmt.Sprintf("Action %s failed attempt %d, retrying in %s: %s", actionID, attempt, delay, reason),
		Level:    EventLevelWarning,
		Data: map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.Seconds(),
			"reason":  reason,
		},
	})
}

// PublishActionFailed publishes an action failed event.
func (ep *EventPublisher) PublishActionFailed(runID, actionID, reason string, attempts int) error {
	return ep.Publish(Event{
		Type:     EventTypeActionFailed,
		RunID:    runID,
		ActionID: actionID,
		Message:  fmt.Sprintf("Action %s failed after %d attempt(s): %s", actionID, attempts, reason),
		Level:    EventLevelError,
		Data: map[string]interface{}{
			"attempts": attempts,
			"reason":   reason,
		},
	})
}

// PublishActionSkipped publishes an event for an action that will not run.
func (ep *EventPublisher) PublishActionSkipped(runID, actionID, outcome, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypeActionSkipped,
		RunID:    runID,
		ActionID: actionID,
		Message:  fmt.Sprintf("Action %s %s: %s", actionID, outcome, reason),
		Level:    EventLevelWarning,
		Data: map[string]interface{}{
			"outcome": outcome,
			"reason":  reason,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(actionID, policyName, reason, severity string) error {
	return ep.Publish(Event{
		Type:     EventTypePolicyViolation,
		Source:   "policy_engine",
		ActionID: actionID,
		Message:  fmt.Sprintf("Policy %s: %s", policyName, reason),
		Level:    EventLevelError,
		Data: map[string]interface{}{
			"policy":   policyName,
			"reason":   reason,
			"severity": severity,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events until shutdown, then drains the buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
