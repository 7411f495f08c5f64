// Package tasks provides the three well-known task handlers the worker
// dispatches by name. Concrete check execution (HTTP/JMX/SQL probes,
// notification delivery) is out of scope here — these are the
// dispatch-contract-conformant stand-ins a host application replaces
// with real implementations; see executor.Handler for the contract.
package tasks

import (
	"github.com/rs/zerolog"

	"github.com/streamspace-dev/worker-core/internal/executor"
	"github.com/streamspace-dev/worker-core/internal/value"
)

// Handlers builds the fixed { check_and_notify, trial_run, cleanup }
// handler table, logging each dispatch at debug level. A host
// application wires its own check-execution engine behind these names
// before passing the table to executor.New.
func Handlers(logger zerolog.Logger) map[string]executor.Handler {
	return map[string]executor.Handler{
		"check_and_notify": checkAndNotify(logger),
		"trial_run":        trialRun(logger),
		"cleanup":          cleanup(logger),
	}
}

// checkAndNotify is the stand-in for check evaluation and notification
// (the first positional arg is the check/alert definition): it logs the
// dispatch and returns nil; no check is evaluated and nothing is notified.
func checkAndNotify(logger zerolog.Logger) executor.Handler {
	return func(args []value.Value, taskCtx executor.TaskContext, sampling executor.SamplingConfig, kwargs map[string]value.Value) error {
		logger.Debug().
			Str("task", taskCtx.TaskName).
			Int("args", len(args)).
			Msg("check_and_notify dispatched")
		return nil
	}
}

// trialRun is the stand-in for an interactive trial run of a check
// definition: it logs the dispatch and returns nil; no check is evaluated.
func trialRun(logger zerolog.Logger) executor.Handler {
	return func(args []value.Value, taskCtx executor.TaskContext, sampling executor.SamplingConfig, kwargs map[string]value.Value) error {
		logger.Debug().Str("task", taskCtx.TaskName).Msg("trial_run dispatched")
		return nil
	}
}

// cleanup is the stand-in for periodic worker-local housekeeping: it logs
// the dispatch and returns nil; no state is cleaned up.
func cleanup(logger zerolog.Logger) executor.Handler {
	return func(args []value.Value, taskCtx executor.TaskContext, sampling executor.SamplingConfig, kwargs map[string]value.Value) error {
		logger.Debug().Str("task", taskCtx.TaskName).Msg("cleanup dispatched")
		return nil
	}
}
