package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stagerunner/internal/pipeline"
)

func dispatch(t *testing.T, pool *LocalPool, ctx context.Context, payload Payload) Completion {
	t.Helper()
	h, err := pool.Acquire(ctx, "default")
	require.NoError(t, err)
	defer pool.Release(h)

	done, err := pool.Dispatch(ctx, h, payload)
	require.NoError(t, err)
	select {
	case c := <-done:
		return c
	case <-time.After(10 * time.Second):
		t.Fatal("payload did not complete")
		return Completion{}
	}
}

func TestLocalPool_ScriptSuccess(t *testing.T) {
	pool := NewLocalPool(1)
	c := dispatch(t, pool, context.Background(), Payload{
		Kind:   pipeline.StepScript,
		Script: "true",
	})
	assert.Equal(t, pipeline.Succeeded, c.Status)
	assert.NoError(t, c.Err)
}

func TestLocalPool_ScriptFailure(t *testing.T) {
	pool := NewLocalPool(1)
	c := dispatch(t, pool, context.Background(), Payload{
		Kind:   pipeline.StepScript,
		Script: "exit 3",
	})
	assert.Equal(t, pipeline.Failed, c.Status)
	assert.ErrorContains(t, c.Err, "code 3")
}

func TestLocalPool_ScriptEnvAndOutputs(t *testing.T) {
	pool := NewLocalPool(1)
	c := dispatch(t, pool, context.Background(), Payload{
		Kind:   pipeline.StepScript,
		Script: `echo "##vso[task.setvariable variable=wheelName]pkg-$PY_VERSION.whl"`,
		Env:    map[string]string{"PY_VERSION": "3.9"},
	})
	require.Equal(t, pipeline.Succeeded, c.Status)
	assert.Equal(t, map[string]string{"wheelName": "pkg-3.9.whl"}, c.Outputs)
}

func TestLocalPool_TaskDispatch(t *testing.T) {
	pool := NewLocalPool(1)
	pool.RegisterTask("echo", func(ctx context.Context, with, env map[string]string) (map[string]string, error) {
		return map[string]string{"echoed": with["value"]}, nil
	})

	c := dispatch(t, pool, context.Background(), Payload{
		Kind: pipeline.StepTask,
		Task: "echo",
		With: map[string]string{"value": "hello"},
	})
	require.Equal(t, pipeline.Succeeded, c.Status)
	assert.Equal(t, "hello", c.Outputs["echoed"])

	t.Run("unknown task fails", func(t *testing.T) {
		c := dispatch(t, pool, context.Background(), Payload{
			Kind: pipeline.StepTask,
			Task: "nope",
		})
		assert.Equal(t, pipeline.Failed, c.Status)
	})
}

func TestLocalPool_CancellationWinsOverLateCompletion(t *testing.T) {
	pool := NewLocalPool(1)
	ctx, cancel := context.WithCancel(context.Background())

	h, err := pool.Acquire(ctx, "default")
	require.NoError(t, err)
	defer pool.Release(h)

	done, err := pool.Dispatch(ctx, h, Payload{
		Kind:   pipeline.StepScript,
		Script: "sleep 30",
	})
	require.NoError(t, err)

	cancel()
	select {
	case c := <-done:
		assert.Equal(t, pipeline.Canceled, c.Status)
		assert.Error(t, c.Err)
	case <-time.After(10 * time.Second):
		t.Fatal("canceled payload did not complete")
	}
}

func TestLocalPool_CancellationStopsBackgroundChildren(t *testing.T) {
	pool := NewLocalPool(1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h, err := pool.Acquire(ctx, "default")
	require.NoError(t, err)
	defer pool.Release(h)

	// The backgrounded sleep inherits the output pipes; the deadline must
	// still end the payload promptly, not after the child's natural exit.
	start := time.Now()
	done, err := pool.Dispatch(ctx, h, Payload{
		Kind:   pipeline.StepScript,
		Script: "sleep 30 & sleep 30",
	})
	require.NoError(t, err)

	select {
	case c := <-done:
		assert.Equal(t, pipeline.Canceled, c.Status)
	case <-time.After(20 * time.Second):
		t.Fatal("canceled payload did not complete")
	}
	assert.Less(t, time.Since(start), 15*time.Second)
}

func TestLocalPool_CapacityBlocksAcquire(t *testing.T) {
	pool := NewLocalPool(1)
	h, err := pool.Acquire(context.Background(), "default")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, "default")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	pool.Release(h)
	h2, err := pool.Acquire(context.Background(), "default")
	require.NoError(t, err)
	pool.Release(h2)
}
