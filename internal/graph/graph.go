// Package graph builds the stage dependency DAG from a pipeline definition
// and validates it: unknown dependencies and cycles are configuration errors
// caught before any dispatch.
package graph

import (
	"fmt"
	"sort"

	"github.com/vk/stagerunner/internal/pipeline"
)

// StageGraph is the validated stage DAG. It is immutable after Build.
type StageGraph struct {
	stages     []*pipeline.Stage
	byName     map[string]*pipeline.Stage
	deps       map[string][]string
	dependents map[string][]string
}

// Build constructs the stage graph. Dependency edges come from each stage's
// dependsOn list, with one default: a stage that declares no dependsOn field
// at all implicitly depends on the stage immediately before it in
// declaration order (sequential-by-default). An explicitly empty list makes
// the stage a root, eligible to start as soon as the run begins.
func Build(def *pipeline.Definition) (*StageGraph, error) {
	g := &StageGraph{
		stages:     def.Stages,
		byName:     make(map[string]*pipeline.Stage, len(def.Stages)),
		deps:       make(map[string][]string, len(def.Stages)),
		dependents: make(map[string][]string, len(def.Stages)),
	}

	for _, stage := range def.Stages {
		if _, dup := g.byName[stage.Name]; dup {
			return nil, &pipeline.ConfigError{Detail: fmt.Sprintf("duplicate stage name %q", stage.Name)}
		}
		g.byName[stage.Name] = stage
	}

	for i, stage := range def.Stages {
		var deps []string
		switch {
		case stage.DependsOnSet:
			for _, dep := range stage.DependsOn {
				if dep == stage.Name {
					return nil, &pipeline.CycleError{Cycle: []string{stage.Name}}
				}
				if _, ok := g.byName[dep]; !ok {
					return nil, &pipeline.UnknownDependencyError{Stage: stage.Name, Missing: dep}
				}
				deps = append(deps, dep)
			}
		case i > 0:
			deps = []string{def.Stages[i-1].Name}
		}
		sort.Strings(deps)
		g.deps[stage.Name] = deps
		for _, dep := range deps {
			g.dependents[dep] = append(g.dependents[dep], stage.Name)
		}
	}
	for name := range g.dependents {
		sort.Strings(g.dependents[name])
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &pipeline.CycleError{Cycle: cycle}
	}
	return g, nil
}

// Stages returns all stages in declaration order.
func (g *StageGraph) Stages() []*pipeline.Stage {
	return g.stages
}

// Stage returns the stage with the given name, if it exists.
func (g *StageGraph) Stage(name string) (*pipeline.Stage, bool) {
	s, ok := g.byName[name]
	return s, ok
}

// Dependencies returns the names of the stages the given stage waits for,
// including any implicit sequential edge.
func (g *StageGraph) Dependencies(name string) []string {
	return g.deps[name]
}

// Dependents returns the names of the stages that wait for the given stage.
func (g *StageGraph) Dependents(name string) []string {
	return g.dependents[name]
}

// Roots returns the stages with no dependencies, in declaration order.
func (g *StageGraph) Roots() []string {
	var roots []string
	for _, stage := range g.stages {
		if len(g.deps[stage.Name]) == 0 {
			roots = append(roots, stage.Name)
		}
	}
	return roots
}

// findCycle runs a depth-first search over the dependency edges and returns
// the members of the first cycle found, in traversal order, or nil. The
// explicit stack is kept so the error can name every stage on the cycle,
// not just the one that closed it.
func (g *StageGraph) findCycle() []string {
	visiting := make(map[string]bool)
	visited := make(map[string]bool)
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		visiting[name] = true
		stack = append(stack, name)
		for _, dep := range g.deps[name] {
			if visiting[dep] {
				// Slice the stack from the first occurrence of dep:
				// that suffix is exactly the cycle.
				for i, s := range stack {
					if s == dep {
						return append([]string(nil), stack[i:]...)
					}
				}
			}
			if !visited[dep] {
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		delete(visiting, name)
		visited[name] = true
		return nil
	}

	for _, stage := range g.stages {
		if !visited[stage.Name] {
			if cycle := visit(stage.Name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
