// Package stage defines the fixed, linear pipeline of intake stages and the
// advance/stay transition rule that moves a session through it.
package stage

import (
	"errors"
	"fmt"
)

// ErrConfiguration is returned for graphs that cannot be run: unknown stage
// names, missing or duplicate terminals, cycles, or unreachable stages.
// It is fatal at startup and never a per-turn condition.
var ErrConfiguration = errors.New("stage configuration error")

// Name identifies a stage.
type Name string

// Stage is one node of the pipeline.
type Stage struct {
	Name      Name   `json:"name" yaml:"name"`
	Successor Name   `json:"successor,omitempty" yaml:"successor,omitempty"`
	Terminal  bool   `json:"terminal,omitempty" yaml:"terminal,omitempty"`
	Title     string `json:"title,omitempty" yaml:"title,omitempty"`
}

// Outcome is the result of applying a handler signal to a stage.
type Outcome struct {
	Stage     Name `json:"stage"`
	Advanced  bool `json:"advanced"`
	Completed bool `json:"completed"`
}

// Graph is an immutable stage pipeline. The first stage is the entry; exactly
// one stage is terminal.
type Graph struct {
	stages   []Stage
	index    map[Name]int
	entry    Name
	terminal Name
}

// New validates stages and builds a Graph. Stages are ordered as given; the
// successor chain starting at the first stage must visit every stage exactly
// once and end at the terminal.
func New(stages []Stage) (*Graph, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: no stages defined", ErrConfiguration)
	}

	g := &Graph{
		stages: make([]Stage, len(stages)),
		index:  make(map[Name]int, len(stages)),
		entry:  stages[0].Name,
	}
	copy(g.stages, stages)

	terminals := 0
	for i, s := range g.stages {
		if s.Name == "" {
			return nil, fmt.Errorf("%w: stage[%d] has no name", ErrConfiguration, i)
		}
		if _, dup := g.index[s.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate stage %q", ErrConfiguration, s.Name)
		}
		g.index[s.Name] = i
		if s.Terminal {
			if s.Successor != "" {
				return nil, fmt.Errorf("%w: terminal stage %q must not have a successor", ErrConfiguration, s.Name)
			}
			terminals++
			g.terminal = s.Name
		}
	}
	if terminals != 1 {
		return nil, fmt.Errorf("%w: expected exactly one terminal stage, found %d", ErrConfiguration, terminals)
	}

	for _, s := range g.stages {
		if s.Terminal {
			continue
		}
		if s.Successor == "" {
			return nil, fmt.Errorf("%w: stage %q has no successor", ErrConfiguration, s.Name)
		}
		if _, ok := g.index[s.Successor]; !ok {
			return nil, fmt.Errorf("%w: stage %q names unknown successor %q", ErrConfiguration, s.Name, s.Successor)
		}
	}

	visited := make(map[Name]bool, len(g.stages))
	cur := g.entry
	for {
		if visited[cur] {
			return nil, fmt.Errorf("%w: cycle through stage %q", ErrConfiguration, cur)
		}
		visited[cur] = true
		s := g.stages[g.index[cur]]
		if s.Terminal {
			break
		}
		cur = s.Successor
	}
	if len(visited) != len(g.stages) {
		for _, s := range g.stages {
			if !visited[s.Name] {
				return nil, fmt.Errorf("%w: stage %q is unreachable from entry %q", ErrConfiguration, s.Name, g.entry)
			}
		}
	}

	return g, nil
}

// Linear builds a graph where each name advances to the next and the last
// name is terminal.
func Linear(names ...Name) (*Graph, error) {
	stages := make([]Stage, len(names))
	for i, n := range names {
		stages[i] = Stage{Name: n}
		if i == len(names)-1 {
			stages[i].Terminal = true
		} else {
			stages[i].Successor = names[i+1]
		}
	}
	return New(stages)
}

// Entry returns the stage every new session starts at.
func (g *Graph) Entry() Name { return g.entry }

// Terminal returns the terminal stage.
func (g *Graph) Terminal() Name { return g.terminal }

// Len returns the number of stages.
func (g *Graph) Len() int { return len(g.stages) }

// Stages returns a copy of the stages in pipeline order.
func (g *Graph) Stages() []Stage {
	out := make([]Stage, len(g.stages))
	copy(out, g.stages)
	return out
}

// Lookup returns the stage with the given name.
func (g *Graph) Lookup(name Name) (Stage, bool) {
	i, ok := g.index[name]
	if !ok {
		return Stage{}, false
	}
	return g.stages[i], true
}

// Index returns the position of name in the pipeline, or -1.
func (g *Graph) Index(name Name) int {
	if i, ok := g.index[name]; ok {
		return i
	}
	return -1
}

// IsTerminal reports whether name is the terminal stage.
func (g *Graph) IsTerminal(name Name) bool {
	return name == g.terminal
}

// Transition applies a handler's advance/stay signal to the current stage.
// Non-terminal stages move to their successor on advance and stay otherwise.
// The terminal stage always yields itself with Completed set.
func (g *Graph) Transition(current Name, advance bool) (Outcome, error) {
	i, ok := g.index[current]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: unknown stage %q", ErrConfiguration, current)
	}
	s := g.stages[i]
	if s.Terminal {
		return Outcome{Stage: s.Name, Completed: true}, nil
	}
	if !advance {
		return Outcome{Stage: s.Name}, nil
	}
	return Outcome{Stage: s.Successor, Advanced: true}, nil
}
