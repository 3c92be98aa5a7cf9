package scheduler

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// ValidatePlan checks a freshly decomposed chunk set for consistency
// errors before any scheduling begins. A dangling dependency or a cycle
// would otherwise stall the task forever with no visible error, so plans
// are rejected up front instead.
//
// Returns the topological order of chunk IDs on success. Scheduling does
// not depend on this order (availability is recomputed every cycle), but
// it is useful for logging and deterministic test assertions.
func ValidatePlan(chunks []*Chunk) ([]string, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("chunk plan is empty")
	}

	byID := make(map[string]*Chunk, len(chunks))
	for _, c := range chunks {
		if c.ID == "" {
			return nil, fmt.Errorf("chunk with empty ID in plan")
		}
		if _, dup := byID[c.ID]; dup {
			return nil, fmt.Errorf("duplicate chunk ID %q in plan", c.ID)
		}
		if len(c.Files) == 0 {
			return nil, fmt.Errorf("chunk %q declares no files", c.ID)
		}
		byID[c.ID] = c
	}

	for _, c := range chunks {
		for _, dep := range c.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("chunk %q depends on unknown chunk %q", c.ID, dep)
			}
			if dep == c.ID {
				return nil, fmt.Errorf("chunk %q depends on itself", c.ID)
			}
		}
	}

	// Edge (dep, chunk) means dep must come before chunk. Chunks without
	// dependencies get a nil source edge so toposort still includes them.
	var edges []toposort.Edge
	for _, c := range chunks {
		if len(c.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, c.ID})
			continue
		}
		for _, dep := range c.DependsOn {
			edges = append(edges, toposort.Edge{dep, c.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("chunk plan contains cycle: %w", err)
	}

	order := make([]string, 0, len(chunks))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(chunks) {
		var missing []string
		seen := make(map[string]bool, len(order))
		for _, id := range order {
			seen[id] = true
		}
		for id := range byID {
			if !seen[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d chunks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}
