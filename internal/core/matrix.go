package core

import (
	"strings"
)

// AxisValue binds one matrix axis to one of its values.
type AxisValue struct {
	Name  string
	Value string
}

// Combination is one element of a matrix's Cartesian product, in axis
// declaration order.
type Combination []AxisValue

// Map returns the combination keyed by axis name.
func (c Combination) Map() map[string]string {
	m := make(map[string]string, len(c))
	for _, av := range c {
		m[av.Name] = av.Value
	}
	return m
}

// Label renders the values as "(a, b)", or "" for the empty combination.
func (c Combination) Label() string {
	if len(c) == 0 {
		return ""
	}
	vals := make([]string, len(c))
	for i, av := range c {
		vals[i] = av.Value
	}
	return "(" + strings.Join(vals, ", ") + ")"
}

func (c Combination) matches(partial map[string]string) bool {
	if len(partial) == 0 {
		return false
	}
	m := c.Map()
	for k, v := range partial {
		if m[k] != v {
			return false
		}
	}
	return true
}

// Expand returns the Cartesian product of the axes minus exclusions. The
// first declared axis varies slowest. A nil matrix yields one empty
// combination.
func (m *Matrix) Expand() []Combination {
	if m == nil || len(m.Axes) == 0 {
		return []Combination{{}}
	}
	combos := []Combination{{}}
	for _, axis := range m.Axes {
		next := make([]Combination, 0, len(combos)*len(axis.Values))
		for _, prefix := range combos {
			for _, v := range axis.Values {
				c := make(Combination, len(prefix), len(prefix)+1)
				copy(c, prefix)
				next = append(next, append(c, AxisValue{Name: axis.Name, Value: v}))
			}
		}
		combos = next
	}

	out := combos[:0]
outer:
	for _, c := range combos {
		for _, ex := range m.Exclude {
			if c.matches(ex) {
				continue outer
			}
		}
		out = append(out, c)
	}
	return out
}

// ExpandJob creates the pending instances of job, one per matrix combination.
func ExpandJob(job *Job) []*Instance {
	combos := job.Matrix.Expand()
	out := make([]*Instance, len(combos))
	for i, c := range combos {
		out[i] = newInstance(job, i, c)
	}
	return out
}
