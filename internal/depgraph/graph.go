// Package depgraph builds the in-memory dependency DAG over a set of
// tasks and answers the scheduling questions the orchestrator asks of it:
// which tasks participate in a cycle, what the parallel execution levels
// are, and which tasks form serial chains that can share one worktree.
//
// The graph is pure and immutable once built; callers rebuild it from the
// task store on every orchestration iteration.
package depgraph

import (
	"sort"

	"github.com/maestro-cli/maestro/internal/logging"
	"github.com/maestro-cli/maestro/internal/task"
)

// Graph holds adjacency both ways plus the set of nodes detected to
// participate in a dependency cycle.
type Graph struct {
	nodes map[string]*task.Task
	deps  map[string][]string // task -> its dependencies
	rdeps map[string][]string // dependency -> its dependents
	cycle map[string]bool
	order []string // node IDs in insertion order, for determinism
}

// Build constructs a Graph from the given tasks. Dependencies on IDs not
// present among the tasks are dropped with a warning, unless the ID is in
// knownIDs (tasks known to exist outside this subgraph, e.g. already
// archived terminal tasks), in which case the edge is dropped silently.
func Build(tasks []*task.Task, knownIDs map[string]bool, logger *logging.Logger) *Graph {
	g := &Graph{
		nodes: make(map[string]*task.Task, len(tasks)),
		deps:  make(map[string][]string, len(tasks)),
		rdeps: make(map[string][]string, len(tasks)),
		cycle: make(map[string]bool),
	}
	for _, t := range tasks {
		g.nodes[t.ID] = t
		g.order = append(g.order, t.ID)
	}
	sort.Strings(g.order)

	for _, id := range g.order {
		t := g.nodes[id]
		for _, dep := range t.Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				if !knownIDs[dep] {
					logger.Warn("dropping dependency on missing task", "task_id", id, "missing_dep", dep)
				}
				continue
			}
			g.deps[id] = append(g.deps[id], dep)
			g.rdeps[dep] = append(g.rdeps[dep], id)
		}
	}

	g.detectCycles()
	return g
}

// Task returns the task for an ID, or nil.
func (g *Graph) Task(id string) *task.Task {
	return g.nodes[id]
}

// Dependencies returns the in-graph dependencies of a task.
func (g *Graph) Dependencies(id string) []string {
	return g.deps[id]
}

// Dependents returns the tasks that depend on the given task.
func (g *Graph) Dependents(id string) []string {
	return g.rdeps[id]
}

// detectCycles runs a DFS with an explicit recursion stack. When a back
// edge is found, every node on the stack from the back-edge target onward
// is part of a cycle; all such nodes across all back edges are collected,
// not just one witness.
func (g *Graph) detectCycles() {
	const (
		white = 0 // unvisited
		grey  = 1 // on recursion stack
		black = 2 // finished
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.deps[id] {
			switch color[dep] {
			case white:
				visit(dep)
			case grey:
				// Back edge: mark every stack node from dep to here.
				for i := len(stack) - 1; i >= 0; i-- {
					g.cycle[stack[i]] = true
					if stack[i] == dep {
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range g.order {
		if color[id] == white {
			visit(id)
		}
	}
}

// CyclicNodes returns the IDs of all tasks participating in any cycle,
// sorted for determinism. These tasks are unschedulable.
func (g *Graph) CyclicNodes() []string {
	ids := make([]string, 0, len(g.cycle))
	for id := range g.cycle {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Unschedulable returns true if the task is part of a dependency cycle.
func (g *Graph) Unschedulable(id string) bool {
	return g.cycle[id]
}

// Levels groups schedulable tasks into parallel execution levels via
// Kahn's algorithm: level 0 holds tasks with no remaining in-edges among
// the schedulable set, level 1 holds tasks unblocked once level 0 is gone,
// and so on. Cyclic tasks are excluded. IDs within a level are sorted.
func (g *Graph) Levels() [][]string {
	inDegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		if g.cycle[id] {
			continue
		}
		inDegree[id] = 0
	}
	for _, id := range g.order {
		if g.cycle[id] {
			continue
		}
		for _, dep := range g.deps[id] {
			if g.cycle[dep] {
				continue
			}
			inDegree[id]++
		}
	}

	var levels [][]string
	var current []string
	for id, deg := range inDegree {
		if deg == 0 {
			current = append(current, id)
		}
	}

	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)

		var next []string
		for _, id := range current {
			for _, dependent := range g.rdeps[id] {
				if _, ok := inDegree[dependent]; !ok {
					continue
				}
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
			delete(inDegree, id)
		}
		current = next
	}

	return levels
}

// SerialChains returns all maximal paths A→B→…→K of length >= 2 in which
// each link joins a node whose only dependent is the next node to a node
// whose only dependency is the previous one. Endpoints may carry other
// edges; a head may fan in and a tail may fan out. Chains are hints to
// the worker pool that the whole path can reuse a single worktree
// sequentially.
func (g *Graph) SerialChains() [][]string {
	// follows reports whether b extends a chain through a: a's sole
	// dependent is b and b's sole dependency is a.
	follows := func(a, b string) bool {
		if g.cycle[a] || g.cycle[b] {
			return false
		}
		return len(g.rdeps[a]) == 1 && g.rdeps[a][0] == b && len(g.deps[b]) == 1
	}

	// A chain starts at a node that links forward but is not itself the
	// continuation of an earlier link.
	startsChain := func(id string) bool {
		if g.cycle[id] || len(g.rdeps[id]) != 1 {
			return false
		}
		if len(g.deps[id]) == 1 && follows(g.deps[id][0], id) {
			return false
		}
		return follows(id, g.rdeps[id][0])
	}

	var chains [][]string
	for _, id := range g.order {
		if !startsChain(id) {
			continue
		}
		chain := []string{id}
		current := id
		for len(g.rdeps[current]) == 1 && follows(current, g.rdeps[current][0]) {
			current = g.rdeps[current][0]
			chain = append(chain, current)
		}
		chains = append(chains, chain)
	}
	return chains
}
