// Package graph implements the GraphValidator (C1) and TopologicalScheduler
// (C2): validating a workflow DAG and producing a deterministic node order.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Node is one vertex of a workflow DAG. Type resolution follows the
// precedence in §4.1: Type, then DataType, then DataBlockType, then
// ConfigBlockType.
type Node struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type,omitempty"`
	DataType        string                 `json:"dataType,omitempty"`
	DataBlockType   string                 `json:"dataBlockType,omitempty"`
	ConfigBlockType string                 `json:"configBlockType,omitempty"`
	Category        string                 `json:"category,omitempty"` // e.g. "ACTION", "TRIGGER"; used by the terminal check
	Config          map[string]interface{} `json:"config,omitempty"`
	OutputFields    map[string]string      `json:"outputFields,omitempty"` // field name -> primitive type tag
	InputFields     map[string]string      `json:"inputFields,omitempty"`
}

// Edge is a directed dependency from Source's output to Target's input.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// ResolveType returns the node's block type following §4.1 precedence,
// unmodified (case and separators are normalized by NormalizeType when
// comparing, not here).
func (n Node) ResolveType() string {
	switch {
	case n.Type != "":
		return n.Type
	case n.DataType != "":
		return n.DataType
	case n.DataBlockType != "":
		return n.DataBlockType
	default:
		return n.ConfigBlockType
	}
}

// NormalizeType lower-cases a type string and treats '-' and '_' as
// equivalent, per §4.1 point 1.
func NormalizeType(t string) string {
	t = strings.ToLower(t)
	t = strings.ReplaceAll(t, "-", "_")
	return t
}

// HandlerRegistry reports whether a normalized type string has a registered
// handler, and optionally validates a node's config.
type HandlerRegistry interface {
	IsRegistered(normalizedType string) bool
	ValidateConfig(normalizedType string, config map[string]interface{}, userID string) []string
}

// ValidationError is one fatal failure raised by the validator (§4.1).
type ValidationError struct {
	NodeID  string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("node %s: %s", e.NodeID, e.Message)
}

// ValidationWarning is a non-fatal type-compatibility mismatch (§4.1 point 7).
type ValidationWarning struct {
	EdgeID  string
	Message string
}

// CycleError reports the vertex at which a cycle was detected.
type CycleError struct {
	NodeID string
}

func (e CycleError) Error() string {
	return fmt.Sprintf("cycle detected at node %s", e.NodeID)
}

// OrphanError reports a node with no incident edges in a multi-node graph.
type OrphanError struct {
	NodeID string
}

func (e OrphanError) Error() string {
	return fmt.Sprintf("orphan node %s", e.NodeID)
}

// TerminalCategoryError reports a terminal node whose category is not allowed.
type TerminalCategoryError struct {
	NodeID   string
	Category string
}

func (e TerminalCategoryError) Error() string {
	return fmt.Sprintf("terminal node %s has disallowed category %q", e.NodeID, e.Category)
}

// ValidationResult is the batch outcome of Validate: fatal Errors (any
// non-empty slice means the graph is rejected) plus non-fatal Warnings.
type ValidationResult struct {
	Errors   []error
	Warnings []ValidationWarning
}

// OK reports whether the graph was accepted (no fatal errors).
func (r ValidationResult) OK() bool {
	return len(r.Errors) == 0
}

var primitiveTags = map[string]string{
	"string": "string", "number": "number", "boolean": "boolean",
	"array": "array", "object": "object", "enum": "string",
}

// Validate runs the GraphValidator checks of §4.1 in order and returns as
// soon as one check reports fatal errors, so later checks do not run. The
// per-node checks, the orphan check and the terminal check each report every
// violation they find; the cycle check reports the first cycle found. A graph
// that passes every fatal check also gets its non-fatal type-compatibility
// warnings.
func Validate(nodes []Node, edges []Edge, registry HandlerRegistry, userID string, allowedTerminalCategories []string) ValidationResult {
	var result ValidationResult

	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			result.Errors = append(result.Errors, ValidationError{Message: "node missing id"})
			continue
		}
		resolved := n.ResolveType()
		if resolved == "" {
			result.Errors = append(result.Errors, ValidationError{NodeID: n.ID, Message: "node has no resolvable type"})
			continue
		}
		byID[n.ID] = n

		normalized := NormalizeType(resolved)
		if registry != nil {
			if !registry.IsRegistered(normalized) {
				result.Errors = append(result.Errors, ValidationError{NodeID: n.ID, Message: fmt.Sprintf("no handler registered for type %q", resolved)})
				continue
			}
			if errs := registry.ValidateConfig(normalized, n.Config, userID); len(errs) > 0 {
				for _, msg := range errs {
					result.Errors = append(result.Errors, ValidationError{NodeID: n.ID, Message: msg})
				}
			}
		}
	}

	if len(result.Errors) > 0 {
		return result
	}

	adjacency := make(map[string][]string, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	hasIncident := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range edges {
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
		inDegree[e.Target]++
		hasIncident[e.Source] = true
		hasIncident[e.Target] = true
	}

	if cyc, ok := detectCycle(nodes, adjacency); ok {
		result.Errors = append(result.Errors, CycleError{NodeID: cyc})
		return result
	}

	if len(nodes) > 1 {
		ids := make([]string, 0, len(nodes))
		for _, n := range nodes {
			ids = append(ids, n.ID)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if !hasIncident[id] {
				result.Errors = append(result.Errors, OrphanError{NodeID: id})
			}
		}
		if len(result.Errors) > 0 {
			return result
		}
	}

	allowed := make(map[string]bool, len(allowedTerminalCategories))
	for _, c := range allowedTerminalCategories {
		allowed[strings.ToUpper(c)] = true
	}
	terminalIDs := make([]string, 0)
	for _, n := range nodes {
		if len(adjacency[n.ID]) == 0 {
			terminalIDs = append(terminalIDs, n.ID)
		}
	}
	sort.Strings(terminalIDs)
	for _, id := range terminalIDs {
		n := byID[id]
		if len(allowed) > 0 && !allowed[strings.ToUpper(n.Category)] {
			result.Errors = append(result.Errors, TerminalCategoryError{NodeID: id, Category: n.Category})
		}
	}
	if len(result.Errors) > 0 {
		return result
	}

	sortedEdges := append([]Edge(nil), edges...)
	sort.Slice(sortedEdges, func(i, j int) bool { return sortedEdges[i].ID < sortedEdges[j].ID })
	for _, e := range sortedEdges {
		src, srcOK := byID[e.Source]
		dst, dstOK := byID[e.Target]
		if !srcOK || !dstOK {
			continue
		}
		for field, srcTag := range src.OutputFields {
			dstTag, ok := dst.InputFields[field]
			if !ok {
				continue
			}
			if primitiveTags[srcTag] != primitiveTags[dstTag] {
				result.Warnings = append(result.Warnings, ValidationWarning{
					EdgeID: e.ID,
					Message: fmt.Sprintf("field %q: %s produces %s but %s expects %s; consider inserting a transform node",
						field, src.ID, srcTag, dst.ID, dstTag),
				})
			}
		}
	}

	return result
}

// detectCycle runs a depth-first search with a recursion-stack set, per §4.1
// point 4, returning the vertex where a back-edge was found.
func detectCycle(nodes []Node, adjacency map[string][]string) (string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))

	order := make([]string, 0, len(nodes))
	for _, n := range nodes {
		order = append(order, n.ID)
	}
	sort.Strings(order)

	var visit func(id string) (string, bool)
	visit = func(id string) (string, bool) {
		color[id] = gray
		neighbors := append([]string(nil), adjacency[id]...)
		sort.Strings(neighbors)
		for _, next := range neighbors {
			switch color[next] {
			case gray:
				return next, true
			case white:
				if cyc, found := visit(next); found {
					return cyc, true
				}
			}
		}
		color[id] = black
		return "", false
	}

	for _, id := range order {
		if color[id] == white {
			if cyc, found := visit(id); found {
				return cyc, true
			}
		}
	}
	return "", false
}

// TopologicalSort runs Kahn's algorithm with a deterministic ascending
// node-id tie-break among zero in-degree nodes (§4.2, P1/P2). It also
// returns the direct-parent dependency map used to route node inputs.
//
// Edges whose source or target is not in nodes are ignored. If fewer nodes
// are emitted than supplied, the graph contains a cycle; CycleOrOrphanError
// is returned.
func TopologicalSort(nodes []Node, edges []Edge) ([]string, map[string][]string, error) {
	inDegree := make(map[string]int, len(nodes))
	adjacency := make(map[string][]string, len(nodes))
	parents := make(map[string][]string, len(nodes))
	known := make(map[string]bool, len(nodes))

	for _, n := range nodes {
		inDegree[n.ID] = 0
		known[n.ID] = true
	}
	for _, e := range edges {
		if !known[e.Source] || !known[e.Target] {
			continue
		}
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
		inDegree[e.Target]++
		parents[e.Target] = append(parents[e.Target], e.Source)
	}
	for _, plist := range parents {
		sort.Strings(plist)
	}

	ready := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if inDegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	sort.Strings(ready)

	result := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		result = append(result, id)

		next := append([]string(nil), adjacency[id]...)
		sort.Strings(next)
		for _, target := range next {
			inDegree[target]--
			if inDegree[target] == 0 {
				ready = append(ready, target)
			}
		}
	}

	if len(result) != len(nodes) {
		return nil, nil, CycleOrOrphanError{}
	}

	return result, parents, nil
}

// CycleOrOrphanError is raised defensively by TopologicalSort when the
// emitted order is shorter than the node set (§4.2).
type CycleOrOrphanError struct{}

func (CycleOrOrphanError) Error() string {
	return "topological sort produced fewer nodes than supplied: cycle or dangling edge"
}
