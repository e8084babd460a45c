package runctx

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stagerunner/internal/pipeline"
)

func TestVars_ClosestScopeWins(t *testing.T) {
	constants := NewVars(map[string]string{"branch": "main", "py": "3.8", "buildId": "42"})
	jobScope := constants.Overlay(map[string]string{"py": "3.9"})
	stepScope := jobScope.Overlay(map[string]string{"py": "3.10", "step": "install"})

	v, ok := stepScope.Lookup("py")
	require.True(t, ok)
	assert.Equal(t, "3.10", v)

	v, ok = jobScope.Lookup("py")
	require.True(t, ok)
	assert.Equal(t, "3.9", v)

	v, ok = stepScope.Lookup("branch")
	require.True(t, ok)
	assert.Equal(t, "main", v)

	_, ok = constants.Lookup("step")
	assert.False(t, ok)

	flat := stepScope.Flatten()
	assert.Equal(t, map[string]string{
		"branch": "main", "py": "3.10", "buildId": "42", "step": "install",
	}, flat)

	// Sibling overlays are isolated.
	sibling := jobScope.Overlay(map[string]string{"py": "3.12"})
	v, _ = sibling.Lookup("py")
	assert.Equal(t, "3.12", v)
	v, _ = stepScope.Lookup("py")
	assert.Equal(t, "3.10", v)
}

func TestRecorder_MonotonicTerminalStatus(t *testing.T) {
	r := NewRecorder()
	r.Register("Build/test/step1", KindStep)

	require.True(t, r.Set("Build/test/step1", pipeline.Running))
	require.True(t, r.Set("Build/test/step1", pipeline.Canceled))

	// Cancellation wins the race: a late success report never lands.
	assert.False(t, r.Set("Build/test/step1", pipeline.Succeeded))
	st, ok := r.Status("Build/test/step1")
	require.True(t, ok)
	assert.Equal(t, pipeline.Canceled, st)

	assert.False(t, r.Set("unknown", pipeline.Running))
}

func TestRecorder_TransitionLogOrder(t *testing.T) {
	r := NewRecorder()
	r.Register("a", KindStage)
	r.Register("b", KindStage)

	r.Set("a", pipeline.Running)
	r.Set("b", pipeline.Running)
	r.Set("a", pipeline.Succeeded)
	r.Set("b", pipeline.Failed)

	log := r.Transitions()
	require.Len(t, log, 4)
	for i, tr := range log {
		assert.Equal(t, uint64(i+1), tr.Seq, "logical clock must be dense and monotonic")
	}
	assert.Equal(t, "a", log[0].Unit)
	assert.Equal(t, pipeline.Pending, log[0].From)
	assert.Equal(t, pipeline.Running, log[0].To)
	assert.Equal(t, pipeline.Failed, log[3].To)
}

func TestBuildResult_TotalAndAggregated(t *testing.T) {
	started := time.Now()
	r := NewRecorder()
	r.Register("S1", KindStage)
	r.Register("S1/j", KindJob)
	r.Register("S1/j/step1", KindStep)
	r.Register("S1/j/step2", KindStep)
	r.Register("S2", KindStage)

	r.Set("S1", pipeline.Running)
	r.Set("S1/j", pipeline.Running)
	r.Set("S1/j/step1", pipeline.Running)
	r.Set("S1/j/step1", pipeline.Failed)
	r.SetError("S1/j/step1", errors.New("exit status 1"))
	r.Set("S1/j/step2", pipeline.Skipped)
	r.Set("S1/j", pipeline.Failed)
	r.Set("S1", pipeline.Failed)
	r.Set("S2", pipeline.Skipped)

	result := r.BuildResult("run-1", "demo", started, time.Now())

	// Every declared unit appears exactly once, in registration order.
	ids := make([]string, len(result.Units))
	for i, u := range result.Units {
		ids[i] = u.ID
	}
	assert.Equal(t, []string{"S1", "S1/j", "S1/j/step1", "S1/j/step2", "S2"}, ids)

	assert.Equal(t, pipeline.Failed, result.Status)
	assert.Equal(t, "exit status 1", result.Units[2].Error)
}

func TestBuildResult_SkipsAloneDoNotFail(t *testing.T) {
	r := NewRecorder()
	r.Register("S1", KindStage)
	r.Register("S2", KindStage)
	r.Set("S1", pipeline.Running)
	r.Set("S1", pipeline.Succeeded)
	r.Set("S2", pipeline.Skipped)

	result := r.BuildResult("run-2", "demo", time.Now(), time.Now())
	assert.Equal(t, pipeline.Succeeded, result.Status)
}

func TestBuildResult_CanceledWithoutFailure(t *testing.T) {
	r := NewRecorder()
	r.Register("S1", KindStage)
	r.Set("S1", pipeline.Running)
	r.Set("S1", pipeline.Canceled)

	result := r.BuildResult("run-3", "demo", time.Now(), time.Now())
	assert.Equal(t, pipeline.Canceled, result.Status)
}
