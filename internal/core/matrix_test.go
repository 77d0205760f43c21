package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandJob_OuterAxisVariesSlowest(t *testing.T) {
	p := mustParse(t, ciPipeline)
	tests, _ := p.Job("tests")

	insts := ExpandJob(tests)
	got := make([]string, len(insts))
	for i, inst := range insts {
		got[i] = inst.ID()
		assert.Equal(t, StatePending, inst.State())
		assert.Equal(t, i, inst.Index)
	}
	assert.Equal(t, []string{
		"tests (3.7, ubuntu-latest)",
		"tests (3.7, macos-latest)",
		"tests (3.8, ubuntu-latest)",
		"tests (3.8, macos-latest)",
		"tests (3.9, ubuntu-latest)",
		"tests (3.9, macos-latest)",
	}, got)
	assert.Equal(t, map[string]string{"python-version": "3.7", "os": "macos-latest"}, insts[1].Matrix.Map())
}

func TestExpandJob_NoMatrixYieldsOneInstance(t *testing.T) {
	insts := ExpandJob(&Job{ID: "linting", Steps: []*Step{{Index: 0}}})
	require.Len(t, insts, 1)
	assert.Equal(t, "linting", insts[0].ID())
	assert.Empty(t, insts[0].Matrix)
}

func TestMatrixExpand_Exclude(t *testing.T) {
	m := &Matrix{
		Axes: []Axis{
			{Name: "go", Values: []string{"1.22", "1.23"}},
			{Name: "os", Values: []string{"linux", "darwin", "windows"}},
		},
		Exclude: []map[string]string{
			{"go": "1.22", "os": "windows"},
			{"os": "darwin"},
		},
	}
	var labels []string
	for _, c := range m.Expand() {
		labels = append(labels, c.Label())
	}
	assert.Equal(t, []string{"(1.22, linux)", "(1.23, linux)", "(1.23, windows)"}, labels)
}
