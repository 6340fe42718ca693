// Package graph validates directed graphs of named nodes and orders them.
// It backs two checks: conditional workflows must not loop (edges point at
// possible next steps) and agents initialize after what they depend on
// (edges point at dependencies).
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrCycle is returned when the graph contains a cycle.
	ErrCycle = errors.New("cycle detected")

	// ErrUnknownNode is returned when an edge targets a node that was never added.
	ErrUnknownNode = errors.New("unknown node")
)

// CycleError carries the offending path, first node repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCycle
}

// Graph is a directed graph keyed by node name. Insertion order is kept so
// validation reports the same cycle on every run. Graph is not safe for
// concurrent mutation; build it, then query it.
type Graph struct {
	edges map[string][]string
	order []string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{edges: make(map[string][]string)}
}

// AddNode adds name with edges to targets. Adding an existing node replaces
// its edges. Duplicate and empty targets are dropped.
func (g *Graph) AddNode(name string, targets ...string) {
	if _, exists := g.edges[name]; !exists {
		g.order = append(g.order, name)
	}
	seen := make(map[string]bool, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	g.edges[name] = out
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// Edges returns a copy of the targets of name, or nil if name is unknown.
func (g *Graph) Edges(name string) []string {
	targets, ok := g.edges[name]
	if !ok {
		return nil
	}
	out := make([]string, len(targets))
	copy(out, targets)
	return out
}

// Validate checks that every edge targets a known node and that the graph is
// acyclic.
func (g *Graph) Validate() error {
	for _, name := range g.order {
		for _, t := range g.edges[name] {
			if _, ok := g.edges[t]; !ok {
				return fmt.Errorf("%w: %q refers to %q", ErrUnknownNode, name, t)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.order))
	var path []string

	var visit func(n string) error
	visit = func(n string) error {
		switch state[n] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, p := range path {
				if p == n {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), n)
			return &CycleError{Path: cycle}
		}

		state[n] = visiting
		path = append(path, n)
		for _, t := range g.edges[n] {
			if err := visit(t); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[n] = done
		return nil
	}

	for _, name := range g.order {
		if state[name] == unvisited {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Levels groups nodes so that each node appears after every node it has an
// edge to. Level 0 holds nodes without edges. Nodes inside a level are
// independent of each other and sorted by name.
func (g *Graph) Levels() ([][]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if len(g.order) == 0 {
		return nil, nil
	}

	pending := make(map[string]int, len(g.order))
	dependents := make(map[string][]string)
	for _, name := range g.order {
		pending[name] = len(g.edges[name])
		for _, t := range g.edges[name] {
			dependents[t] = append(dependents[t], name)
		}
	}

	var levels [][]string
	for len(pending) > 0 {
		var level []string
		for name, n := range pending {
			if n == 0 {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			return nil, ErrCycle
		}
		sort.Strings(level)

		for _, name := range level {
			delete(pending, name)
			for _, d := range dependents[name] {
				pending[d]--
			}
		}
		levels = append(levels, level)
	}
	return levels, nil
}
