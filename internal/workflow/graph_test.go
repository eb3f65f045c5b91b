package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func steps(ids map[string][]string) []Step {
	out := make([]Step, 0, len(ids))
	for id, deps := range ids {
		out = append(out, Step{ID: id, Name: id, Dependencies: deps})
	}
	return out
}

func TestDependencyGraph_UnknownDependency(t *testing.T) {
	_, err := NewDependencyGraph([]Step{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"missing"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestDependencyGraph_CycleDetection(t *testing.T) {
	g, err := NewDependencyGraph(steps(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"b"},
	}))
	require.NoError(t, err)
	assert.NoError(t, g.ValidateAcyclic())

	g, err = NewDependencyGraph(steps(map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
	}))
	require.NoError(t, err)
	err = g.ValidateAcyclic()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDependencyCycle)
}

func TestDependencyGraph_TopologicalOrder(t *testing.T) {
	// a -> b -> d
	//   -> c -> d
	g, err := NewDependencyGraph(steps(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	}))
	require.NoError(t, err)

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Len(t, order, 4)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["a"], pos["c"])
	assert.Less(t, pos["b"], pos["d"])
	assert.Less(t, pos["c"], pos["d"])
}

func TestDependencyGraph_TopologicalOrderRejectsCycle(t *testing.T) {
	g, err := NewDependencyGraph(steps(map[string][]string{
		"a": {"b"},
		"b": {"a"},
	}))
	require.NoError(t, err)

	_, err = g.TopologicalOrder()
	assert.ErrorIs(t, err, ErrDependencyCycle)
}

func TestDependencyGraph_Ready(t *testing.T) {
	g, err := NewDependencyGraph(steps(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a", "b"},
	}))
	require.NoError(t, err)

	done := map[string]bool{}
	assert.True(t, g.Ready("a", done))
	assert.False(t, g.Ready("b", done))
	assert.False(t, g.Ready("c", done))

	done["a"] = true
	assert.True(t, g.Ready("b", done))
	assert.False(t, g.Ready("c", done))

	done["b"] = true
	assert.True(t, g.Ready("c", done))

	assert.False(t, g.Ready("nope", done))
}

func TestDependencyGraph_Dependencies(t *testing.T) {
	g, err := NewDependencyGraph(steps(map[string][]string{
		"a": nil,
		"b": {"a"},
	}))
	require.NoError(t, err)

	assert.Empty(t, g.Dependencies("a"))
	assert.Equal(t, []string{"a"}, g.Dependencies("b"))
	assert.Nil(t, g.Dependencies("missing"))
}
