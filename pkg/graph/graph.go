// Package graph models the physical dataflow graph (PDG): concrete node
// descriptors, producer→consumer and container→child edges, and the
// assignment of every node to the manager that will host it. The builder in
// this package translates a logical pipeline description into a PDG.
package graph

import (
	"fmt"

	dfmserrors "github.com/cnwangfeng/dfms/pkg/errors"
	"github.com/cnwangfeng/dfms/pkg/storage"
)

// Kind selects the node flavor a descriptor instantiates.
type Kind string

const (
	// KindData is a plain data node driven by external writes
	KindData Kind = "data"

	// KindContainer is an AND-join barrier over child nodes
	KindContainer Kind = "container"

	// KindApp is a consumer node wrapping application logic
	KindApp Kind = "app"
)

// NodeSpec describes one node of the PDG.
type NodeSpec struct {
	// OID is the logical, pipeline-level identifier, unique within a graph
	OID string `json:"oid"`

	// Kind selects the node flavor
	Kind Kind `json:"kind"`

	// Host is the ID of the manager assigned to host the node
	Host string `json:"host"`

	// ExpectedSize, when positive, auto-finalizes the node at that many bytes
	ExpectedSize int64 `json:"expectedSize,omitempty"`

	// Storage selects the byte-buffer backend
	Storage storage.Kind `json:"storage,omitempty"`

	// App names the application logic for KindApp nodes
	App string `json:"app,omitempty"`

	// AppConfig carries per-stage logic configuration
	AppConfig map[string]string `json:"appConfig,omitempty"`
}

// Edge is a directed edge between two nodes, identified by OID.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is a physical dataflow graph ready for submission.
type Graph struct {
	// Name labels the graph for logging
	Name string `json:"name"`

	// Nodes are the node descriptors, in creation order
	Nodes []NodeSpec `json:"nodes"`

	// Consumes holds producer→consumer edges
	Consumes []Edge `json:"consumes"`

	// Children holds container→child edges
	Children []Edge `json:"children"`
}

// Node returns the descriptor with the given OID.
func (g *Graph) Node(oid string) (*NodeSpec, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].OID == oid {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// Hosts returns the distinct manager IDs referenced by the graph, in first
// appearance order.
func (g *Graph) Hosts() []string {
	seen := make(map[string]bool)
	var hosts []string
	for _, spec := range g.Nodes {
		if !seen[spec.Host] {
			seen[spec.Host] = true
			hosts = append(hosts, spec.Host)
		}
	}
	return hosts
}

// Roots returns the OIDs of the nodes driven by external writes: data nodes
// with no producer of their own.
func (g *Graph) Roots() []string {
	consumed := make(map[string]bool)
	for _, e := range g.Consumes {
		consumed[e.To] = true
	}
	var roots []string
	for _, spec := range g.Nodes {
		if spec.Kind == KindData && !consumed[spec.OID] {
			roots = append(roots, spec.OID)
		}
	}
	return roots
}

// Validate checks the structural invariants of the graph: unique and
// declared OIDs, consumer edges registered at most once, app and container
// kinds wired consistently, and an acyclic edge set.
func (g *Graph) Validate() error {
	byOID := make(map[string]Kind, len(g.Nodes))
	for _, spec := range g.Nodes {
		if spec.OID == "" {
			return constructionError("node with empty oid")
		}
		if _, dup := byOID[spec.OID]; dup {
			return constructionError("duplicate node %s", spec.OID)
		}
		if spec.Kind == KindApp && spec.App == "" {
			return constructionError("app node %s names no application logic", spec.OID)
		}
		byOID[spec.OID] = spec.Kind
	}

	seenConsume := make(map[Edge]bool)
	for _, e := range g.Consumes {
		if err := g.checkEdge(byOID, e); err != nil {
			return err
		}
		if seenConsume[e] {
			return constructionError("consumer edge %s->%s registered twice", e.From, e.To)
		}
		seenConsume[e] = true
		if byOID[e.To] != KindApp {
			return constructionError("consumer edge %s->%s targets non-app node", e.From, e.To)
		}
	}

	seenChild := make(map[Edge]bool)
	for _, e := range g.Children {
		if err := g.checkEdge(byOID, e); err != nil {
			return err
		}
		if seenChild[e] {
			return constructionError("child edge %s->%s registered twice", e.From, e.To)
		}
		seenChild[e] = true
		if byOID[e.From] != KindContainer {
			return constructionError("child edge %s->%s from non-container node", e.From, e.To)
		}
	}

	return g.checkAcyclic(byOID)
}

func (g *Graph) checkEdge(byOID map[string]Kind, e Edge) error {
	if _, ok := byOID[e.From]; !ok {
		return constructionError("edge references undeclared node %s", e.From)
	}
	if _, ok := byOID[e.To]; !ok {
		return constructionError("edge references undeclared node %s", e.To)
	}
	if e.From == e.To {
		return constructionError("node %s cannot depend on itself", e.From)
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm over the dataflow direction: producer
// before consumer, child before container.
func (g *Graph) checkAcyclic(byOID map[string]Kind) error {
	indeg := make(map[string]int, len(byOID))
	out := make(map[string][]string, len(byOID))
	for oid := range byOID {
		indeg[oid] = 0
	}
	addEdge := func(from, to string) {
		out[from] = append(out[from], to)
		indeg[to]++
	}
	for _, e := range g.Consumes {
		addEdge(e.From, e.To)
	}
	for _, e := range g.Children {
		// data flows child → container
		addEdge(e.To, e.From)
	}

	queue := make([]string, 0, len(indeg))
	for oid, d := range indeg {
		if d == 0 {
			queue = append(queue, oid)
		}
	}
	visited := 0
	for len(queue) > 0 {
		oid := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range out[oid] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(indeg) {
		return constructionError("graph contains a cycle")
	}
	return nil
}

func constructionError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", dfmserrors.ErrGraphConstruction, fmt.Sprintf(format, args...))
}
