package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ArgumentKind discriminates the Argument tagged union.
type ArgumentKind string

const (
	// ArgLiteral is a plain JSON-encodable value.
	ArgLiteral ArgumentKind = "literal"

	// ArgFuture refers to the result of another action.
	ArgFuture ArgumentKind = "future"

	// ArgList is an ordered list of arguments.
	ArgList ArgumentKind = "list"

	// ArgMap is a string-keyed map of arguments.
	ArgMap ArgumentKind = "map"
)

// Argument is a constructor or call argument. Futures may be nested inside
// lists and maps; every nested future contributes a dependency edge.
type Argument struct {
	Kind    ArgumentKind        `json:"kind"`
	Literal interface{}         `json:"literal,omitempty"`
	Ref     string              `json:"ref,omitempty"`
	List    []Argument          `json:"list,omitempty"`
	Map     map[string]Argument `json:"map,omitempty"`
}

// Literal returns a literal argument.
func Literal(v interface{}) Argument {
	return Argument{Kind: ArgLiteral, Literal: v}
}

// Ref returns an argument referring to the result of the action with the given id.
func Ref(actionID string) Argument {
	return Argument{Kind: ArgFuture, Ref: actionID}
}

// References returns the action ids referenced by the argument, depth first.
func (a Argument) References() []string {
	switch a.Kind {
	case ArgFuture:
		return []string{a.Ref}
	case ArgList:
		var refs []string
		for _, item := range a.List {
			refs = append(refs, item.References()...)
		}
		return refs
	case ArgMap:
		var refs []string
		for _, key := range sortedKeys(a.Map) {
			refs = append(refs, a.Map[key].References()...)
		}
		return refs
	default:
		return nil
	}
}

// Resolve replaces every future with the decoded result found in results.
func (a Argument) Resolve(results map[string]json.RawMessage) (interface{}, error) {
	switch a.Kind {
	case ArgLiteral, "":
		return a.Literal, nil
	case ArgFuture:
		raw, ok := results[a.Ref]
		if !ok {
			return nil, NewPermanentError(fmt.Sprintf("future %s has no recorded result", a.Ref), nil).
				WithCode(ErrCodeUnknownFuture)
		}
		var v interface{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("failed to decode result of %s: %w", a.Ref, err)
			}
		}
		return v, nil
	case ArgList:
		out := make([]interface{}, len(a.List))
		for i, item := range a.List {
			v, err := item.Resolve(results)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case ArgMap:
		out := make(map[string]interface{}, len(a.Map))
		for k, item := range a.Map {
			v, err := item.Resolve(results)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown argument kind: %s", a.Kind)
	}
}

func (a Argument) clone() Argument {
	out := Argument{Kind: a.Kind, Literal: a.Literal, Ref: a.Ref}
	if a.List != nil {
		out.List = make([]Argument, len(a.List))
		for i, item := range a.List {
			out.List[i] = item.clone()
		}
	}
	if a.Map != nil {
		out.Map = make(map[string]Argument, len(a.Map))
		for k, item := range a.Map {
			out.Map[k] = item.clone()
		}
	}
	return out
}

// Action is one declared unit of work.
type Action struct {
	// ID is the stable journal key: "<module>#<local name>".
	ID string `json:"id"`

	// Kind discriminates create, invoke, read and reference actions.
	Kind ActionKind `json:"kind"`

	// Module is the name of the module that declared the action.
	Module string `json:"module"`

	// ContractType is the resource type for create and reference actions.
	ContractType string `json:"contract_type,omitempty"`

	// Target refers to the contract an invoke or read action operates on.
	Target *Argument `json:"target,omitempty"`

	// Method is the method name for invoke and read actions.
	Method string `json:"method,omitempty"`

	// Args are the constructor or call arguments.
	Args []Argument `json:"args,omitempty"`

	// Address is the known address of a reference action.
	Address string `json:"address,omitempty"`

	// After lists ordering-only dependencies.
	After []string `json:"after,omitempty"`

	// Index is the declaration order within the module.
	Index int `json:"index"`
}

// Dependencies returns the unique ids this action depends on, in first-reference order.
func (a *Action) Dependencies() []string {
	seen := make(map[string]bool)
	deps := make([]string, 0)
	add := func(ids []string) {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				deps = append(deps, id)
			}
		}
	}
	if a.Target != nil {
		add(a.Target.References())
	}
	for _, arg := range a.Args {
		add(arg.References())
	}
	add(a.After)
	return deps
}

// Describe returns a short human-readable summary such as "Counter.incBy".
func (a *Action) Describe() string {
	switch a.Kind {
	case ActionInvoke, ActionRead:
		target := ""
		if a.Target != nil && a.Target.Kind == ArgFuture {
			target = localName(a.Target.Ref)
		}
		return fmt.Sprintf("%s.%s", target, a.Method)
	default:
		return a.ContractType
	}
}

func (a *Action) clone() *Action {
	out := *a
	if a.Target != nil {
		t := a.Target.clone()
		out.Target = &t
	}
	if a.Args != nil {
		out.Args = make([]Argument, len(a.Args))
		for i, arg := range a.Args {
			out.Args[i] = arg.clone()
		}
	}
	if a.After != nil {
		out.After = append([]string(nil), a.After...)
	}
	return &out
}

// Future is a placeholder for the eventual result of an action.
type Future struct {
	id     string
	module string
}

// ID returns the id of the action that produces the future's value.
func (f Future) ID() string {
	return f.id
}

// Module returns the name of the module that declared the producing action.
func (f Future) Module() string {
	return f.module
}

// IsZero reports whether the future was never returned by a builder.
func (f Future) IsZero() bool {
	return f.id == ""
}

// Module is an immutable, named collection of actions.
type Module struct {
	name    string
	actions []*Action
	index   map[string]int
	results map[string]string
	imports []string
}

// NewModule validates actions and freezes them into a Module. Actions keep
// their given order; Index is reassigned to match it.
func NewModule(name string, actions []Action, results map[string]string, imports ...string) (*Module, error) {
	if name == "" {
		return nil, NewPermanentError("module name is required", nil).WithCode(ErrCodeValidation)
	}

	m := &Module{
		name:    name,
		actions: make([]*Action, 0, len(actions)),
		index:   make(map[string]int, len(actions)),
		results: make(map[string]string, len(results)),
		imports: append([]string(nil), imports...),
	}

	for i := range actions {
		action := actions[i].clone()
		if action.ID == "" {
			return nil, NewPermanentError("action has empty ID", nil).WithCode(ErrCodeValidation)
		}
		if err := action.Kind.Validate(); err != nil {
			return nil, NewPermanentError(err.Error(), nil).
				WithCode(ErrCodeValidation).WithAction(action.ID)
		}
		if _, exists := m.index[action.ID]; exists {
			return nil, NewPermanentError(fmt.Sprintf("duplicate action identifier: %s", action.ID), nil).
				WithCode(ErrCodeDuplicateIdentifier).WithAction(action.ID)
		}
		action.Index = i
		m.index[action.ID] = i
		m.actions = append(m.actions, action)
	}

	for _, action := range m.actions {
		if action.Kind.NeedsTarget() && (action.Target == nil || action.Method == "") {
			return nil, NewPermanentError(fmt.Sprintf("%s action requires a target and a method", action.Kind), nil).
				WithCode(ErrCodeValidation).WithAction(action.ID)
		}
		for _, dep := range action.Dependencies() {
			if _, ok := m.index[dep]; !ok {
				return nil, NewPermanentError(fmt.Sprintf("action %s references unknown action %s", action.ID, dep), nil).
					WithCode(ErrCodeUnknownFuture).WithAction(action.ID)
			}
		}
	}

	for resultName, id := range results {
		if _, ok := m.index[id]; !ok {
			return nil, NewPermanentError(fmt.Sprintf("result %q references unknown action %s", resultName, id), nil).
				WithCode(ErrCodeUnknownFuture)
		}
		m.results[resultName] = id
	}

	return m, nil
}

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// Len returns the number of actions.
func (m *Module) Len() int { return len(m.actions) }

// Actions returns copies of the actions in declaration order.
func (m *Module) Actions() []Action {
	out := make([]Action, len(m.actions))
	for i, a := range m.actions {
		out[i] = *a.clone()
	}
	return out
}

// Action returns a copy of the action with the given id.
func (m *Module) Action(id string) (Action, bool) {
	i, ok := m.index[id]
	if !ok {
		return Action{}, false
	}
	return *m.actions[i].clone(), true
}

// Results returns the named futures exported by the module.
func (m *Module) Results() map[string]Future {
	out := make(map[string]Future, len(m.results))
	for name, id := range m.results {
		out[name] = Future{id: id, module: m.actions[m.index[id]].Module}
	}
	return out
}

// Imports returns the names of submodules merged into this module.
func (m *Module) Imports() []string {
	return append([]string(nil), m.imports...)
}

func (m *Module) action(id string) *Action {
	return m.actions[m.index[id]]
}

// JournalEntry records the latest execution state of one action.
type JournalEntry struct {
	// ActionID is the journal key.
	ActionID string `json:"action_id"`

	// Status is pending, success or failed.
	Status EntryStatus `json:"status"`

	// Result is the backend-confirmed result; for creates, the resource address.
	Result json.RawMessage `json:"result,omitempty"`

	// Error is the retained error message of a failed attempt.
	Error string `json:"error,omitempty"`

	// Attempts is the cumulative attempt counter and never decreases.
	Attempts int `json:"attempts"`

	// Args are the resolved arguments submitted with the latest attempt.
	Args json.RawMessage `json:"args,omitempty"`

	// Handle is the backend submission handle of the latest attempt.
	Handle string `json:"handle,omitempty"`

	// UpdatedAt is when the entry was written.
	UpdatedAt time.Time `json:"updated_at"`
}

// GraphNode describes one action in the dependency graph.
type GraphNode struct {
	ID           string   `json:"id"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// ExecutionPlan is the deterministic linearization of a module, partitioned
// against a journal snapshot.
type ExecutionPlan struct {
	// Module is the planned module's name.
	Module string `json:"module"`

	// Order lists every action in topological order, ties broken by declaration order.
	Order []string `json:"order"`

	// Levels groups actions by depth from the roots.
	Levels [][]string `json:"levels"`

	// Satisfied lists actions with a Success entry, in plan order.
	Satisfied []string `json:"satisfied"`

	// ToExecute lists every other action, in plan order.
	ToExecute []string `json:"to_execute"`

	// Nodes maps action ids to their graph position.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Results holds recorded results of satisfied actions.
	Results map[string]json.RawMessage `json:"-"`
}

// Position returns the index of id in Order, or -1.
func (p *ExecutionPlan) Position(id string) int {
	for i, candidate := range p.Order {
		if candidate == id {
			return i
		}
	}
	return -1
}

// IsSatisfied reports whether id already has a Success entry.
func (p *ExecutionPlan) IsSatisfied(id string) bool {
	_, ok := p.Results[id]
	return ok
}

// Submission is what the executor hands to a backend for one attempt.
type Submission struct {
	ActionID     string        `json:"action_id"`
	Kind         ActionKind    `json:"kind"`
	ContractType string        `json:"contract_type,omitempty"`
	Target       interface{}   `json:"target,omitempty"`
	Method       string        `json:"method,omitempty"`
	Args         []interface{} `json:"args"`
	Attempt      int           `json:"attempt"`
}

// Confirmation is the backend's confirmed result for a submission.
type Confirmation struct {
	// Result is the action's value: the address for creates, the return value otherwise.
	Result json.RawMessage `json:"result"`

	// BlockRef is an opaque backend reference such as a block number.
	BlockRef string `json:"block_ref,omitempty"`
}

// ActionReport is the per-action line of a run report.
type ActionReport struct {
	ID       string          `json:"id"`
	Kind     ActionKind      `json:"kind"`
	Outcome  Outcome         `json:"outcome"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`

	// BlockedBy names the failed ancestor for dependency_failed actions.
	BlockedBy string `json:"blocked_by,omitempty"`
}

// Summary counts the outcomes of a run.
type Summary struct {
	Total            int `json:"total"`
	Succeeded        int `json:"succeeded"`
	AlreadySucceeded int `json:"already_succeeded"`
	Failed           int `json:"failed"`
	DependencyFailed int `json:"dependency_failed"`
	Cancelled        int `json:"cancelled"`
	Planned          int `json:"planned"`
}

// Report is the result of an executor run.
type Report struct {
	RunID     string         `json:"run_id"`
	Module    string         `json:"module"`
	Status    RunStatus      `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Actions   []ActionReport `json:"actions"`
}

// Summary counts outcomes across all actions.
func (r *Report) Summary() Summary {
	s := Summary{Total: len(r.Actions)}
	for _, a := range r.Actions {
		switch a.Outcome {
		case OutcomeSucceeded:
			s.Succeeded++
		case OutcomeAlreadySucceeded:
			s.AlreadySucceeded++
		case OutcomeFailed:
			s.Failed++
		case OutcomeDependencyFailed:
			s.DependencyFailed++
		case OutcomeCancelled:
			s.Cancelled++
		case OutcomePlanned:
			s.Planned++
		}
	}
	return s
}

// Succeeded returns the ids of actions that have a Success entry after the run.
func (r *Report) Succeeded() []string {
	return r.idsWhere(func(a ActionReport) bool { return a.Outcome.IsSuccess() })
}

// Failed returns the ids of actions that did not reach Success.
func (r *Report) Failed() []string {
	return r.idsWhere(func(a ActionReport) bool {
		return a.Outcome == OutcomeFailed || a.Outcome == OutcomeDependencyFailed
	})
}

// HasFailures reports whether any action failed or was blocked by a failure.
func (r *Report) HasFailures() bool {
	return len(r.Failed()) > 0
}

// Action returns the report line for id.
func (r *Report) Action(id string) (ActionReport, bool) {
	for _, a := range r.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return ActionReport{}, false
}

func (r *Report) idsWhere(pred func(ActionReport) bool) []string {
	ids := make([]string, 0)
	for _, a := range r.Actions {
		if pred(a) {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
