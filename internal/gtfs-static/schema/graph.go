package schema

import (
	"fmt"
	"slices"
)

// Graph is the dependency DAG over entity types: an edge A -> B means rows of
// A reference rows of B, so B must be committed first.
type Graph struct {
	deps   map[EntityType][]EntityType
	levels [][]EntityType
}

var dependencies = buildGraph(EntityTypes, tables)

// Dependencies returns the graph derived from the table references.
func Dependencies() *Graph {
	return dependencies
}

// CommitLevels groups the entity types so every type only depends on types
// in earlier levels. Types within a level have no mutual dependency.
func CommitLevels() [][]EntityType {
	return dependencies.Levels()
}

// CommitOrder flattens CommitLevels.
func CommitOrder() []EntityType {
	return dependencies.Order()
}

func buildGraph(order []EntityType, tables map[EntityType]Table) *Graph {
	g := &Graph{deps: make(map[EntityType][]EntityType, len(order))}
	for _, entity := range order {
		g.deps[entity] = nil
		for _, col := range tables[entity].References() {
			target := col.Ref.Entity
			if target == entity || slices.Contains(g.deps[entity], target) {
				continue
			}
			g.deps[entity] = append(g.deps[entity], target)
		}
	}

	levels, err := layer(order, g.deps)
	if err != nil {
		panic(err)
	}
	g.levels = levels
	return g
}

// layer is Kahn's algorithm emitting one level per round. Ties keep the
// relative order of types in order, so the result is deterministic.
func layer(order []EntityType, deps map[EntityType][]EntityType) ([][]EntityType, error) {
	placed := make(map[EntityType]bool, len(order))
	var levels [][]EntityType
	for len(placed) < len(order) {
		var level []EntityType
		for _, entity := range order {
			if placed[entity] {
				continue
			}
			ready := true
			for _, dep := range deps[entity] {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, entity)
			}
		}
		if len(level) == 0 {
			return nil, fmt.Errorf("schema: dependency cycle among entity types")
		}
		for _, entity := range level {
			placed[entity] = true
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// DependsOn returns the types entity references directly.
func (g *Graph) DependsOn(entity EntityType) []EntityType {
	return slices.Clone(g.deps[entity])
}

func (g *Graph) Levels() [][]EntityType {
	out := make([][]EntityType, len(g.levels))
	for i, level := range g.levels {
		out[i] = slices.Clone(level)
	}
	return out
}

func (g *Graph) Order() []EntityType {
	var order []EntityType
	for _, level := range g.levels {
		order = append(order, level...)
	}
	return order
}
