package pipeline

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// ValidateGraph checks that every dependency refers to a chunk in the same
// input slice and that the dependency edges form a DAG. Returns the chunk
// IDs in a valid topological order.
func ValidateGraph(inputs []ChunkInput) ([]string, error) {
	ids := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		if in.ID == "" {
			return nil, fmt.Errorf("chunk %q has no ID", in.Title)
		}
		if ids[in.ID] {
			return nil, fmt.Errorf("duplicate chunk ID %q", in.ID)
		}
		ids[in.ID] = true
	}

	for _, in := range inputs {
		for _, depID := range in.DependsOn {
			if !ids[depID] {
				return nil, fmt.Errorf("chunk %q depends on unknown chunk %q", in.ID, depID)
			}
		}
	}

	// Build edges for topological sort. Chunks without dependencies get an
	// edge from nil so they still appear in the result.
	var edges []toposort.Edge
	for _, in := range inputs {
		if len(in.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, in.ID})
			continue
		}
		for _, depID := range in.DependsOn {
			edges = append(edges, toposort.Edge{depID, in.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("chunk graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(inputs))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(inputs) {
		missing := []string{}
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		for _, in := range inputs {
			if !found[in.ID] {
				missing = append(missing, in.ID)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d chunks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// StableOrder returns the inputs in a topological order that is stable with
// respect to the input slice: among chunks whose dependencies are already
// placed, the one appearing first in the input wins. This is the creation
// order stores persist, which makes ready-chunk selection deterministic.
// Callers must run ValidateGraph first; a cyclic input returns an error.
func StableOrder(inputs []ChunkInput) ([]ChunkInput, error) {
	index := make(map[string]int, len(inputs))
	for i, in := range inputs {
		index[in.ID] = i
	}

	indegree := make([]int, len(inputs))
	dependents := make(map[string][]int, len(inputs))
	for i, in := range inputs {
		indegree[i] = len(in.DependsOn)
		for _, depID := range in.DependsOn {
			dependents[depID] = append(dependents[depID], i)
		}
	}

	placed := make([]bool, len(inputs))
	ordered := make([]ChunkInput, 0, len(inputs))
	for len(ordered) < len(inputs) {
		next := -1
		for i := range inputs {
			if !placed[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			return nil, fmt.Errorf("chunk graph contains cycle")
		}
		placed[next] = true
		ordered = append(ordered, inputs[next])
		for _, dep := range dependents[inputs[next].ID] {
			indegree[dep]--
		}
	}
	return ordered, nil
}

// GraphDepth returns the length of the longest dependency chain. Used to
// bound the number of rounds a pipeline can take.
func GraphDepth(chunks []*Chunk) int {
	depth := make(map[string]int, len(chunks))
	byID := make(map[string]*Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	var visit func(id string) int
	visit = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		c, ok := byID[id]
		if !ok {
			return 0
		}
		// Mark before recursing so a cycle can't loop forever.
		depth[id] = 1
		max := 0
		for _, depID := range c.DependsOn {
			if d := visit(depID); d > max {
				max = d
			}
		}
		depth[id] = max + 1
		return depth[id]
	}

	max := 0
	for _, c := range chunks {
		if d := visit(c.ID); d > max {
			max = d
		}
	}
	return max
}
