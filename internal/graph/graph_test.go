package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stagerunner/internal/pipeline"
)

func stage(name string) *pipeline.Stage {
	return &pipeline.Stage{Name: name}
}

func stageDeps(name string, deps ...string) *pipeline.Stage {
	if deps == nil {
		deps = []string{}
	}
	return &pipeline.Stage{Name: name, DependsOn: deps, DependsOnSet: true}
}

func TestBuild_ImplicitSequentialEdges(t *testing.T) {
	def := &pipeline.Definition{Stages: []*pipeline.Stage{
		stage("Lint"), stage("Build"), stage("Test"),
	}}

	g, err := Build(def)
	require.NoError(t, err)

	assert.Empty(t, g.Dependencies("Lint"))
	assert.Equal(t, []string{"Lint"}, g.Dependencies("Build"))
	assert.Equal(t, []string{"Build"}, g.Dependencies("Test"))
	assert.Equal(t, []string{"Build"}, g.Dependents("Lint"))
	assert.Equal(t, []string{"Lint"}, g.Roots())
}

func TestBuild_ExplicitEmptyOverridesImplicitEdge(t *testing.T) {
	// Docs appears after Build in declaration order but declares an
	// explicitly empty dependsOn, so it is a root and runs concurrently
	// with Build.
	def := &pipeline.Definition{Stages: []*pipeline.Stage{
		stage("Build"),
		stageDeps("Docs"),
	}}

	g, err := Build(def)
	require.NoError(t, err)
	assert.Empty(t, g.Dependencies("Docs"))
	assert.Equal(t, []string{"Build", "Docs"}, g.Roots())
}

func TestBuild_ExplicitDependencies(t *testing.T) {
	def := &pipeline.Definition{Stages: []*pipeline.Stage{
		stage("Build"),
		stage("Test"),
		stageDeps("Deploy", "Test", "Build"),
	}}

	g, err := Build(def)
	require.NoError(t, err)
	assert.Equal(t, []string{"Build", "Test"}, g.Dependencies("Deploy"))
}

func TestBuild_UnknownDependency(t *testing.T) {
	def := &pipeline.Definition{Stages: []*pipeline.Stage{
		stage("Build"),
		stageDeps("Deploy", "Release"),
	}}

	_, err := Build(def)
	var unknownErr *pipeline.UnknownDependencyError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "Deploy", unknownErr.Stage)
	assert.Equal(t, "Release", unknownErr.Missing)
	assert.True(t, errors.Is(err, pipeline.ErrConfig))
}

func TestBuild_DuplicateStageName(t *testing.T) {
	def := &pipeline.Definition{Stages: []*pipeline.Stage{
		stage("Build"), stage("Build"),
	}}

	_, err := Build(def)
	var cfgErr *pipeline.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestBuild_CycleNamesEveryMember(t *testing.T) {
	t.Run("two stage cycle", func(t *testing.T) {
		def := &pipeline.Definition{Stages: []*pipeline.Stage{
			stageDeps("A", "B"),
			stageDeps("B", "A"),
		}}

		_, err := Build(def)
		var cycleErr *pipeline.CycleError
		require.ErrorAs(t, err, &cycleErr)
		assert.ElementsMatch(t, []string{"A", "B"}, cycleErr.Cycle)
		assert.True(t, errors.Is(err, pipeline.ErrConfig))
	})

	t.Run("three stage cycle with an uninvolved stage", func(t *testing.T) {
		def := &pipeline.Definition{Stages: []*pipeline.Stage{
			stageDeps("Outside"),
			stageDeps("A", "C"),
			stageDeps("B", "A"),
			stageDeps("C", "B"),
		}}

		_, err := Build(def)
		var cycleErr *pipeline.CycleError
		require.ErrorAs(t, err, &cycleErr)
		assert.ElementsMatch(t, []string{"A", "B", "C"}, cycleErr.Cycle)
		assert.NotContains(t, cycleErr.Cycle, "Outside")
	})

	t.Run("self dependency", func(t *testing.T) {
		def := &pipeline.Definition{Stages: []*pipeline.Stage{
			stageDeps("A", "A"),
		}}

		_, err := Build(def)
		var cycleErr *pipeline.CycleError
		require.ErrorAs(t, err, &cycleErr)
		assert.Equal(t, []string{"A"}, cycleErr.Cycle)
	})
}
