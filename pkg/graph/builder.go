package graph

import (
	"fmt"

	"github.com/cnwangfeng/dfms/pkg/storage"
)

// Stage is one step of a logical pipeline.
type Stage struct {
	// Name labels the stage; instance OIDs are derived from it
	Name string

	// App names the application logic run by the stage. The first stage has
	// no app: its nodes receive external writes.
	App string

	// Config is passed to the application logic factory
	Config map[string]string

	// Width is the number of parallel instances; zero means one
	Width int

	// Host is an explicit placement hint overriding the placement policy
	Host string

	// ExpectedSize, when positive, auto-finalizes the stage's nodes
	ExpectedSize int64

	// Storage selects the stage's byte-buffer backend
	Storage storage.Kind
}

// Pipeline is a logical, manager-agnostic pipeline description.
type Pipeline struct {
	Name   string
	Stages []Stage
}

// Placement assigns a node to one of the available managers.
type Placement interface {
	Assign(oid string) string
}

// RoundRobin cycles node assignments over a fixed list of manager IDs.
type RoundRobin struct {
	managers []string
	next     int
}

// NewRoundRobin creates the default placement policy.
func NewRoundRobin(managers []string) *RoundRobin {
	return &RoundRobin{managers: managers}
}

// Assign implements Placement.
func (r *RoundRobin) Assign(string) string {
	if len(r.managers) == 0 {
		return ""
	}
	id := r.managers[r.next%len(r.managers)]
	r.next++
	return id
}

// Build translates a logical pipeline into a physical dataflow graph.
// Consecutive stages are wired producer→consumer; a wide stage feeding a
// single-instance stage is joined through an implicit container node whose
// children are the wide stage's instances. The resulting graph is validated
// before it is returned.
func Build(p Pipeline, placement Placement) (*Graph, error) {
	if len(p.Stages) == 0 {
		return nil, constructionError("pipeline %s has no stages", p.Name)
	}
	if p.Stages[0].App != "" {
		return nil, constructionError("first stage %s must be a data stage", p.Stages[0].Name)
	}
	if placement == nil {
		return nil, constructionError("pipeline %s has no placement policy", p.Name)
	}

	g := &Graph{Name: p.Name}
	var prev []string

	for i, stage := range p.Stages {
		if stage.Name == "" {
			return nil, constructionError("stage %d of %s has no name", i, p.Name)
		}
		if i > 0 && stage.App == "" {
			return nil, constructionError("stage %s names no application logic", stage.Name)
		}
		width := stage.Width
		if width <= 0 {
			width = 1
		}

		kind := KindData
		if stage.App != "" {
			kind = KindApp
		}
		current := make([]string, 0, width)
		for j := 0; j < width; j++ {
			oid := stage.Name
			if width > 1 {
				oid = fmt.Sprintf("%s.%d", stage.Name, j)
			}
			g.Nodes = append(g.Nodes, NodeSpec{
				OID:          oid,
				Kind:         kind,
				Host:         assign(placement, stage.Host, oid),
				ExpectedSize: stage.ExpectedSize,
				Storage:      stage.Storage,
				App:          stage.App,
				AppConfig:    stage.Config,
			})
			current = append(current, oid)
		}

		switch {
		case i == 0:
		case len(prev) == len(current):
			for j := range current {
				g.Consumes = append(g.Consumes, Edge{From: prev[j], To: current[j]})
			}
		case len(prev) == 1:
			// fan-out: every instance consumes the single upstream node
			for _, oid := range current {
				g.Consumes = append(g.Consumes, Edge{From: prev[0], To: oid})
			}
		case len(current) == 1:
			// fan-in: barrier container over the upstream instances
			joinOID := fmt.Sprintf("%s.join", stage.Name)
			g.Nodes = append(g.Nodes, NodeSpec{
				OID:  joinOID,
				Kind: KindContainer,
				Host: assign(placement, stage.Host, joinOID),
			})
			for _, childOID := range prev {
				g.Children = append(g.Children, Edge{From: joinOID, To: childOID})
			}
			g.Consumes = append(g.Consumes, Edge{From: joinOID, To: current[0]})
		default:
			return nil, constructionError("cannot wire stage %s: width %d after width %d",
				stage.Name, len(current), len(prev))
		}
		prev = current
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func assign(placement Placement, hint, oid string) string {
	if hint != "" {
		return hint
	}
	return placement.Assign(oid)
}
