package plugins

import (
	"sort"

	"github.com/riftsec/auditcore/internal/auditerrors"
)

// computeOrder builds a dependency order over every testing plugin in
// byName: declared Dependencies must precede their dependent, and every
// plugin at an earlier Stage implicitly precedes every plugin at a later
// Stage. A topological sort by Kahn's algorithm detects cycles.
func computeOrder(byName map[string]*Info) ([]string, error) {
	testing := make([]string, 0, len(byName))
	for name, info := range byName {
		if info.Descriptor.Category == CategoryTesting {
			testing = append(testing, name)
		}
	}
	sort.Strings(testing) // deterministic base order before topo-sorting

	edges := make(map[string][]string) // node -> nodes that must come after it
	indeg := make(map[string]int)
	for _, name := range testing {
		indeg[name] = 0
	}

	addEdge := func(before, after string) {
		edges[before] = append(edges[before], after)
		indeg[after]++
	}

	for _, name := range testing {
		info := byName[name]
		for _, dep := range info.Descriptor.Dependencies {
			if _, ok := byName[dep]; !ok {
				return nil, auditerrors.Config("plugin " + name + " declares unknown dependency " + dep)
			}
			addEdge(dep, name)
		}
	}
	for _, a := range testing {
		for _, b := range testing {
			if a == b {
				continue
			}
			if byName[a].Descriptor.Stage < byName[b].Descriptor.Stage {
				addEdge(a, b)
			}
		}
	}

	// Kahn's algorithm, seeded deterministically so ties break by name.
	var ready []string
	for _, name := range testing {
		if indeg[name] == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		var newlyReady []string
		for _, next := range edges[n] {
			indeg[next]--
			if indeg[next] == 0 {
				newlyReady = append(newlyReady, next)
			}
		}
		sort.Strings(newlyReady)
		ready = mergeSorted(ready, newlyReady)
	}

	if len(order) != len(testing) {
		return nil, auditerrors.Config("plugin dependency graph contains a cycle")
	}
	return order, nil
}

// mergeSorted merges two already-sorted string slices, keeping the result
// sorted (ready is a small priority queue substitute; O(n) merge is fine
// at plugin-registry scale).
func mergeSorted(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
