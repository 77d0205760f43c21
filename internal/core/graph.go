package core

import (
	"container/heap"
	"sort"
)

// Graph is the validated dependency DAG of a pipeline's jobs.
type Graph struct {
	jobs       []*Job
	index      map[string]int
	dependents map[string][]string
	order      []*Job
}

// BuildGraph validates the needs relation of jobs and computes a
// deterministic topological order. Ties are broken by declaration order.
func BuildGraph(jobs []*Job) (*Graph, error) {
	g := &Graph{
		jobs:       jobs,
		index:      make(map[string]int, len(jobs)),
		dependents: make(map[string][]string, len(jobs)),
	}
	for i, j := range jobs {
		if _, dup := g.index[j.ID]; dup {
			return nil, invalidf("duplicate job id %q", j.ID)
		}
		g.index[j.ID] = i
	}
	for _, j := range jobs {
		seen := make(map[string]bool, len(j.Needs))
		for _, need := range j.Needs {
			if need == j.ID {
				return nil, &CyclicDependencyError{Path: []string{j.ID, j.ID}}
			}
			if _, ok := g.index[need]; !ok {
				return nil, invalidf("job %q needs unknown job %q", j.ID, need)
			}
			if seen[need] {
				return nil, invalidf("job %q lists %q in needs more than once", j.ID, need)
			}
			seen[need] = true
			g.dependents[need] = append(g.dependents[need], j.ID)
		}
	}
	if path := g.findCycle(); path != nil {
		return nil, &CyclicDependencyError{Path: path}
	}
	g.order = g.topoOrder()
	return g, nil
}

// Order returns jobs in topological order.
func (g *Graph) Order() []*Job { return g.order }

// Jobs returns jobs in declaration order.
func (g *Graph) Jobs() []*Job { return g.jobs }

// Job returns the job with id, or nil.
func (g *Graph) Job(id string) *Job {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.jobs[i]
}

// Downstream returns every job that transitively needs id, in topological order.
func (g *Graph) Downstream(id string) []string {
	reach := make(map[string]bool)
	stack := append([]string(nil), g.dependents[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reach[n] {
			continue
		}
		reach[n] = true
		stack = append(stack, g.dependents[n]...)
	}
	var out []string
	for _, j := range g.order {
		if reach[j.ID] {
			out = append(out, j.ID)
		}
	}
	return out
}

func (g *Graph) topoOrder() []*Job {
	indegree := make([]int, len(g.jobs))
	for i, j := range g.jobs {
		indegree[i] = len(j.Needs)
	}
	ready := &indexHeap{}
	for i, d := range indegree {
		if d == 0 {
			heap.Push(ready, i)
		}
	}
	order := make([]*Job, 0, len(g.jobs))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		order = append(order, g.jobs[i])
		for _, dep := range g.dependents[g.jobs[i].ID] {
			k := g.index[dep]
			indegree[k]--
			if indegree[k] == 0 {
				heap.Push(ready, k)
			}
		}
	}
	return order
}

const (
	unvisited = iota
	visiting
	visited
)

// findCycle walks jobs in declaration order, following needs in declared
// order, and returns the first back edge found as a closed path.
func (g *Graph) findCycle() []string {
	color := make(map[string]int, len(g.jobs))
	var stack []string
	var walk func(id string) []string
	walk = func(id string) []string {
		color[id] = visiting
		stack = append(stack, id)
		for _, need := range g.jobs[g.index[id]].Needs {
			switch color[need] {
			case visiting:
				start := 0
				for i, s := range stack {
					if s == need {
						start = i
						break
					}
				}
				path := append([]string(nil), stack[start:]...)
				return append(path, need)
			case unvisited:
				if p := walk(need); p != nil {
					return p
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = visited
		return nil
	}
	for _, j := range g.jobs {
		if color[j.ID] == unvisited {
			if p := walk(j.ID); p != nil {
				return p
			}
		}
	}
	return nil
}

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// sortedKeys is shared by matrix and context code.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
