package libdeps

import (
	"errors"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var ErrDependencyCycle = errors.New("cyclic native library dependencies")

// Graph records which shipped libraries depend on which others.
// Edges point from a library to the libraries it needs.
type Graph struct {
	deps map[string]map[string]struct{}
}

func NewGraph() *Graph {
	return &Graph{deps: make(map[string]map[string]struct{})}
}

func (g *Graph) AddLibrary(name string) {
	if _, found := g.deps[name]; !found {
		g.deps[name] = make(map[string]struct{})
	}
}

// AddDependency records that lib needs dep. Both are added to the graph.
func (g *Graph) AddDependency(lib string, dep string) {
	g.AddLibrary(lib)
	g.AddLibrary(dep)
	if lib != dep {
		g.deps[lib][dep] = struct{}{}
	}
}

func (g *Graph) Len() int {
	return len(g.deps)
}

// NextIndependent returns the smallest library (by name) that depends on nothing.
func (g *Graph) NextIndependent() (string, bool) {
	var candidates []string
	for lib, deps := range g.deps {
		if len(deps) == 0 {
			candidates = append(candidates, lib)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	slices.Sort(candidates)
	return candidates[0], true
}

func (g *Graph) remove(lib string) {
	delete(g.deps, lib)
	for _, deps := range g.deps {
		delete(deps, lib)
	}
}

// Order returns a load order in which every library follows its dependencies.
// On a cycle the libraries left over are appended by name and
// ErrDependencyCycle is returned together with the complete list.
// The graph is consumed.
func (g *Graph) Order() ([]string, error) {
	order := make([]string, 0, len(g.deps))
	for {
		lib, found := g.NextIndependent()
		if !found {
			break
		}
		order = append(order, lib)
		g.remove(lib)
	}

	if len(g.deps) == 0 {
		return order, nil
	}

	leftovers := maps.Keys(g.deps)
	slices.Sort(leftovers)
	order = append(order, leftovers...)
	return order, fmt.Errorf("%w: %v", ErrDependencyCycle, leftovers)
}
