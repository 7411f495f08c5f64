package executor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/worker-core/internal/value"
	"github.com/streamspace-dev/worker-core/internal/workerrors"
)

func TestDispatchInvokesHandlerWithContractArgs(t *testing.T) {
	var gotArgs []value.Value
	var gotCtx TaskContext
	var gotSampling SamplingConfig
	var gotKwargs map[string]value.Value

	e := New(map[string]Handler{
		"cleanup": func(args []value.Value, taskCtx TaskContext, sampling SamplingConfig, kwargs map[string]value.Value) error {
			gotArgs = args
			gotCtx = taskCtx
			gotSampling = sampling
			gotKwargs = kwargs
			return nil
		},
	})

	taskCtx := TaskContext{Queue: "worker:queue:default", TaskName: "cleanup"}
	sampling := SamplingConfig{DefaultSampling: 100}
	kwargs := map[string]value.Value{"force": value.Bool(true)}

	err := e.Dispatch("cleanup", []value.Value{value.Int(277)}, taskCtx, sampling, kwargs)
	require.NoError(t, err)

	require.Len(t, gotArgs, 1)
	i, _ := gotArgs[0].AsInt()
	assert.Equal(t, int64(277), i)
	assert.Equal(t, "cleanup", gotCtx.TaskName)
	assert.Equal(t, 100, gotSampling.DefaultSampling)
	assert.Contains(t, gotKwargs, "force")
}

func TestDispatchPropagatesHandlerError(t *testing.T) {
	e := New(map[string]Handler{
		"trial_run": func([]value.Value, TaskContext, SamplingConfig, map[string]value.Value) error {
			return errors.New("handler failed")
		},
	})

	err := e.Dispatch("trial_run", nil, TaskContext{}, SamplingConfig{}, nil)
	assert.EqualError(t, err, "handler failed")
}

func TestDispatchUnknownTaskPanics(t *testing.T) {
	e := New(nil)

	defer func() {
		rec := recover()
		require.NotNil(t, rec)
		err, ok := rec.(error)
		require.True(t, ok)
		assert.ErrorIs(t, err, workerrors.ErrUnknownTask)
	}()

	_ = e.Dispatch("does_not_exist", nil, TaskContext{}, SamplingConfig{}, nil)
}

func TestKnownTaskNames(t *testing.T) {
	e := New(map[string]Handler{
		"check_and_notify": func([]value.Value, TaskContext, SamplingConfig, map[string]value.Value) error { return nil },
		"trial_run":        func([]value.Value, TaskContext, SamplingConfig, map[string]value.Value) error { return nil },
		"cleanup":          func([]value.Value, TaskContext, SamplingConfig, map[string]value.Value) error { return nil },
	})

	assert.ElementsMatch(t, []string{"check_and_notify", "trial_run", "cleanup"}, e.KnownTaskNames())
}
