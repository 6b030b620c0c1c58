package engine

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"strings"
)

// Resolver orders the actions of a module and partitions them against a
// journal snapshot. It is stateless and safe for concurrent use.
type Resolver struct{}

// NewResolver creates a new resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// graph is the dependency graph of one module.
type graph struct {
	module *Module

	// dependents maps action IDs to the actions that depend on them
	dependents map[string][]string

	// dependencies maps action IDs to the actions they depend on
	dependencies map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int
}

// Plan computes the execution plan for m. Entries in snapshot with Success
// status mark their actions as satisfied; everything else is to be executed.
func (r *Resolver) Plan(m *Module, snapshot []JournalEntry) (*ExecutionPlan, error) {
	if m == nil {
		return nil, NewPermanentError("module is nil", nil).WithCode(ErrCodeValidation)
	}

	g := newGraph(m)

	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	order, levels := g.sort()
	if len(order) != m.Len() {
		return nil, NewPermanentError("failed to order all actions - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	plan := &ExecutionPlan{
		Module:    m.Name(),
		Order:     order,
		Levels:    make([][]string, 0),
		Satisfied: make([]string, 0),
		ToExecute: make([]string, 0),
		Nodes:     make(map[string]*GraphNode, m.Len()),
		Results:   make(map[string]json.RawMessage),
	}

	for _, id := range order {
		level := levels[id]
		for len(plan.Levels) <= level {
			plan.Levels = append(plan.Levels, make([]string, 0))
		}
		plan.Levels[level] = append(plan.Levels[level], id)
		plan.Nodes[id] = &GraphNode{
			ID:           id,
			Level:        level,
			Dependencies: append([]string{}, g.dependencies[id]...),
			Dependents:   append([]string{}, g.dependents[id]...),
		}
	}

	succeeded := make(map[string]json.RawMessage)
	for _, entry := range snapshot {
		if entry.Status == EntrySuccess {
			succeeded[entry.ActionID] = entry.Result
		}
	}
	for _, id := range order {
		if result, ok := succeeded[id]; ok {
			plan.Satisfied = append(plan.Satisfied, id)
			plan.Results[id] = result
		} else {
			plan.ToExecute = append(plan.ToExecute, id)
		}
	}

	return plan, nil
}

// Ready returns the ids from plan.ToExecute whose dependencies are all in done,
// in plan order. Actions already in done are skipped.
func (r *Resolver) Ready(plan *ExecutionPlan, done map[string]bool) []string {
	ready := make([]string, 0)
	for _, id := range plan.ToExecute {
		if done[id] {
			continue
		}
		satisfied := true
		for _, dep := range plan.Nodes[id].Dependencies {
			if !done[dep] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}
	return ready
}

// TransitiveDependents returns every action reachable from id, in plan order.
func (r *Resolver) TransitiveDependents(plan *ExecutionPlan, id string) []string {
	return r.BlockedDependents(plan, id, nil)
}

// BlockedDependents returns the actions that can no longer run because id
// failed, in plan order. The walk stops at actions in done: they already have
// a Success entry, so their own dependents do not wait on id through them.
func (r *Resolver) BlockedDependents(plan *ExecutionPlan, id string, done map[string]bool) []string {
	reached := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dependent := range plan.Nodes[current].Dependents {
			if reached[dependent] || done[dependent] {
				continue
			}
			reached[dependent] = true
			stack = append(stack, dependent)
		}
	}
	out := make([]string, 0, len(reached))
	for _, candidate := range plan.Order {
		if reached[candidate] {
			out = append(out, candidate)
		}
	}
	return out
}

func newGraph(m *Module) *graph {
	g := &graph{
		module:       m,
		dependents:   make(map[string][]string, m.Len()),
		dependencies: make(map[string][]string, m.Len()),
		inDegree:     make(map[string]int, m.Len()),
	}
	for _, action := range m.actions {
		g.dependents[action.ID] = make([]string, 0)
		g.inDegree[action.ID] = 0
	}
	for _, action := range m.actions {
		deps := action.Dependencies()
		g.dependencies[action.ID] = deps
		for _, dep := range deps {
			// dependency must complete before action can start
			g.dependents[dep] = append(g.dependents[dep], action.ID)
			g.inDegree[action.ID]++
		}
	}
	return g
}

// detectCycles uses depth-first search in declaration order to find a cycle
// and reports the ids that participate in it.
func (g *graph) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, action := range g.module.actions {
		if visited[action.ID] {
			continue
		}
		if cycle := g.detectCyclesUtil(action.ID, visited, recStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
				nil,
			).WithCode(ErrCodeCycleDetected).WithDetail("cycle", cycle)
		}
	}
	return nil
}

func (g *graph) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range g.dependents[nodeID] {
		if !visited[dependent] {
			if cycle := g.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]string{}, path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// sort runs Kahn's algorithm. Among ready actions the one declared first is
// emitted first, so identical modules always produce identical orders.
func (g *graph) sort() ([]string, map[string]int) {
	inDegree := make(map[string]int, len(g.inDegree))
	for id, degree := range g.inDegree {
		inDegree[id] = degree
	}
	levels := make(map[string]int, len(g.inDegree))

	ready := &indexHeap{}
	for _, action := range g.module.actions {
		if inDegree[action.ID] == 0 {
			heap.Push(ready, action.Index)
		}
	}

	order := make([]string, 0, g.module.Len())
	for ready.Len() > 0 {
		action := g.module.actions[heap.Pop(ready).(int)]
		order = append(order, action.ID)
		for _, dependent := range g.dependents[action.ID] {
			if levels[action.ID]+1 > levels[dependent] {
				levels[dependent] = levels[action.ID] + 1
			}
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				heap.Push(ready, g.module.index[dependent])
			}
		}
	}
	return order, levels
}

// indexHeap is a min-heap of declaration indexes.
type indexHeap []int

func (h indexHeap) Len() int            { return len(h) }
func (h indexHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ToDOT generates a DOT format representation of the plan for visualization.
// Satisfied actions are drawn grey. The output can be rendered with Graphviz tools.
func (p *ExecutionPlan) ToDOT(m *Module) string {
	var sb strings.Builder

	sb.WriteString("digraph Deployment {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range p.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			action, _ := m.Action(id)
			color := getKindColor(action.Kind)
			if p.IsSatisfied(id) {
				color = "lightgray"
			}
			label := fmt.Sprintf("%s\\n%s", id, action.Kind)
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, color))
		}

		sb.WriteString("  }\n\n")
	}

	for _, id := range p.Order {
		action, _ := m.Action(id)
		after := make(map[string]bool, len(action.After))
		for _, dep := range action.After {
			after[dep] = true
		}
		for _, dep := range p.Nodes[id].Dependencies {
			style := "style=solid, color=black"
			if after[dep] {
				style = "style=dotted, color=gray"
			}
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n", dep, id, style))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// getKindColor returns a color for visualizing action kinds.
func getKindColor(kind ActionKind) string {
	switch kind {
	case ActionCreate:
		return "lightgreen"
	case ActionInvoke:
		return "lightblue"
	case ActionRead:
		return "lightyellow"
	case ActionReference:
		return "white"
	default:
		return "white"
	}
}
