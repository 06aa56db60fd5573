package sqlagent

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Graph is a mutable builder for stage pipelines.
// Use NewGraph to create a graph, then chain AddStage, AddEdge,
// AddConditionalEdge, and SetEntry calls to define the topology.
//
// Graph is NOT thread-safe during building. Construct it from a single
// goroutine, then call Compile() to create an immutable CompiledGraph
// that can be safely shared.
//
// Example:
//
//	graph := sqlagent.NewGraph().
//	    AddStage("route", routeStage).
//	    AddStage("generate_query", generateStage).
//	    AddConditionalEdge("route", routeFn).
//	    AddEdge("generate_query", sqlagent.END).
//	    SetEntry("route")
//
//	compiled, err := graph.Compile()
type Graph struct {
	mu               sync.RWMutex
	stages           map[string]StageFunc
	edges            map[string][]string
	conditionalEdges map[string]RouteFunc
	entryPoint       string
}

// NewGraph creates a new graph builder.
func NewGraph() *Graph {
	return &Graph{
		stages:           make(map[string]StageFunc),
		edges:            make(map[string][]string),
		conditionalEdges: make(map[string]RouteFunc),
	}
}

// AddStage adds a named stage to the graph.
// Returns the graph for method chaining.
//
// Panics if:
//   - id is empty
//   - id is the reserved word "END" or "__end__" (case-insensitive)
//   - id contains whitespace (space, tab, newline)
//   - fn is nil
//   - id already exists in the graph
func (g *Graph) AddStage(id string, fn StageFunc) *Graph {
	if id == "" {
		panic("sqlagent: stage ID cannot be empty")
	}

	idLower := strings.ToLower(id)
	if idLower == "end" || idLower == "__end__" {
		panic("sqlagent: stage ID cannot be reserved word 'END'")
	}

	if strings.ContainsAny(id, " \t\n\r") {
		panic("sqlagent: stage ID cannot contain whitespace")
	}

	if fn == nil {
		panic("sqlagent: stage function cannot be nil")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.stages[id]; exists {
		panic(fmt.Sprintf("sqlagent: duplicate stage ID: %s", id))
	}

	g.stages[id] = fn
	return g
}

// AddEdge adds an unconditional edge from one stage to another.
// The target can be a stage ID or sqlagent.END.
// Returns the graph for method chaining.
//
// Edge validation happens at Compile() time, not here.
func (g *Graph) AddEdge(from, to string) *Graph {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.edges[from] = append(g.edges[from], to)
	return g
}

// AddConditionalEdge adds a conditional edge where a RouteFunc determines
// the next stage at runtime based on state.
// Returns the graph for method chaining.
//
// A stage can have either simple edges or a conditional edge, not both.
// If both are present, the conditional edge takes precedence.
func (g *Graph) AddConditionalEdge(from string, route RouteFunc) *Graph {
	if route == nil {
		panic("sqlagent: route function cannot be nil")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.conditionalEdges[from] = route
	return g
}

// SetEntry designates the entry point stage.
// This must be called before Compile().
// Returns the graph for method chaining.
func (g *Graph) SetEntry(id string) *Graph {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.entryPoint = id
	return g
}

// Compile validates the graph and creates an executable CompiledGraph.
// Returns an error if validation fails. Multiple errors are joined.
//
// Validation checks (in order):
//  1. Entry point must be set
//  2. Entry point must reference an existing stage
//  3. All edge sources must reference existing stages
//  4. All edge targets must reference existing stages or END
//  5. A path from the entry point to END must exist
//
// Unreachable stages are logged as warnings but do not fail compilation.
func (g *Graph) Compile() (*CompiledGraph, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var errs []error

	if g.entryPoint == "" {
		errs = append(errs, ErrNoEntryPoint)
	} else if _, exists := g.stages[g.entryPoint]; !exists {
		errs = append(errs, fmt.Errorf("%w: %s", ErrEntryNotFound, g.entryPoint))
	}

	for from, targets := range g.edges {
		if from != END {
			if _, exists := g.stages[from]; !exists {
				if _, hasConditional := g.conditionalEdges[from]; !hasConditional {
					errs = append(errs, fmt.Errorf("%w: edge source '%s' does not exist", ErrStageNotFound, from))
				}
			}
		}

		for _, to := range targets {
			if to != END {
				if _, exists := g.stages[to]; !exists {
					errs = append(errs, fmt.Errorf("%w: edge target '%s' does not exist", ErrStageNotFound, to))
				}
			}
		}
	}

	for from := range g.conditionalEdges {
		if _, exists := g.stages[from]; !exists {
			errs = append(errs, fmt.Errorf("%w: conditional edge source '%s' does not exist", ErrStageNotFound, from))
		}
	}

	if g.entryPoint != "" {
		if _, exists := g.stages[g.entryPoint]; exists {
			if !g.hasPathToEnd() {
				errs = append(errs, ErrNoPathToEnd)
			}
		}
	}

	g.warnUnreachableStages()

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return g.buildCompiledGraph(), nil
}

// hasPathToEnd checks if there's a path from entry to END using reverse
// reachability. Stages with conditional edges are assumed to potentially
// reach END, since the route function may return it.
func (g *Graph) hasPathToEnd() bool {
	canReachEnd := make(map[string]bool)
	canReachEnd[END] = true

	changed := true
	for changed {
		changed = false

		for from, targets := range g.edges {
			if canReachEnd[from] {
				continue
			}
			for _, to := range targets {
				if canReachEnd[to] {
					canReachEnd[from] = true
					changed = true
					break
				}
			}
		}

		for from := range g.conditionalEdges {
			if !canReachEnd[from] {
				canReachEnd[from] = true
				changed = true
			}
		}
	}

	return canReachEnd[g.entryPoint]
}

// warnUnreachableStages logs warnings for stages not reachable from entry.
func (g *Graph) warnUnreachableStages() {
	if g.entryPoint == "" {
		return
	}

	reachable := g.findReachableStages()

	for stageID := range g.stages {
		if !reachable[stageID] {
			slog.Warn("stage is unreachable from entry", "stage_id", stageID)
		}
	}
}

// findReachableStages returns the set of stages reachable from the entry
// point. Conditional edge targets are unknown at compile time, so every
// stage is treated as reachable from a conditional source.
func (g *Graph) findReachableStages() map[string]bool {
	reachable := make(map[string]bool)

	if g.entryPoint == "" {
		return reachable
	}

	queue := []string{g.entryPoint}
	reachable[g.entryPoint] = true

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, target := range g.edges[current] {
			if target != END && !reachable[target] {
				reachable[target] = true
				queue = append(queue, target)
			}
		}

		if _, hasConditional := g.conditionalEdges[current]; hasConditional {
			for stageID := range g.stages {
				if !reachable[stageID] {
					reachable[stageID] = true
					queue = append(queue, stageID)
				}
			}
		}
	}

	return reachable
}

// buildCompiledGraph creates the immutable CompiledGraph from the builder.
func (g *Graph) buildCompiledGraph() *CompiledGraph {
	stages := make(map[string]StageFunc, len(g.stages))
	for id, fn := range g.stages {
		stages[id] = fn
	}

	edges := make(map[string][]string, len(g.edges))
	for from, targets := range g.edges {
		edges[from] = make([]string, len(targets))
		copy(edges[from], targets)
	}

	conditionalEdges := make(map[string]RouteFunc, len(g.conditionalEdges))
	for from, route := range g.conditionalEdges {
		conditionalEdges[from] = route
	}

	return &CompiledGraph{
		stages:           stages,
		edges:            edges,
		conditionalEdges: conditionalEdges,
		entryPoint:       g.entryPoint,
	}
}

// CompiledGraph is an immutable, validated stage pipeline.
// It is safe for concurrent use; a single CompiledGraph can serve many
// sessions simultaneously.
type CompiledGraph struct {
	stages           map[string]StageFunc
	edges            map[string][]string
	conditionalEdges map[string]RouteFunc
	entryPoint       string
}

// EntryPoint returns the graph's entry stage ID.
func (cg *CompiledGraph) EntryPoint() string {
	return cg.entryPoint
}

// StageIDs returns the IDs of all stages in the graph.
func (cg *CompiledGraph) StageIDs() []string {
	ids := make([]string, 0, len(cg.stages))
	for id := range cg.stages {
		ids = append(ids, id)
	}
	return ids
}

func (cg *CompiledGraph) getStage(id string) (StageFunc, bool) {
	fn, ok := cg.stages[id]
	return fn, ok
}

func (cg *CompiledGraph) getRoute(id string) (RouteFunc, bool) {
	route, ok := cg.conditionalEdges[id]
	return route, ok
}

func (cg *CompiledGraph) getEdges(id string) []string {
	return cg.edges[id]
}
