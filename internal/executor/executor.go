// Package executor resolves a task name to its handler and invokes it
// with the Task Record's positional arguments plus the synthesised task
// context and sampling config.
//
// Grounded on the teacher's CommandHandler table in
// agent_handlers.go/agent_message_handler.go (a fixed map from a string
// command name to a Handle(payload) implementation) and on
// zmon_worker_monitor/workflow.py's known_tasks dict
// (`{'check_and_notify': check_and_notify, 'trial_run': trial_run,
// 'cleanup': cleanup}`). The concrete check-execution bodies those names
// named are out of scope (spec's "concrete check implementations" live
// outside this module); handlers here fulfill only the dispatch
// contract and are meant to be replaced by real implementations supplied
// by the host application.
package executor

import (
	"fmt"

	"github.com/streamspace-dev/worker-core/internal/value"
	"github.com/streamspace-dev/worker-core/internal/workerrors"
)

// SamplingConfig is the refreshed sampling-rate snapshot threaded
// through every dispatch, as decoded from the broker consumer.
type SamplingConfig struct {
	DefaultSampling int
	CriticalChecks  []string
	WorkerSampling  map[string]int
}

// TaskProperties mirrors the Task Record's metadata surfaced to a
// handler via the task context.
type TaskProperties struct {
	Task      string
	ID        string
	Expires   string
	TimeLimit [2]float64
	UTC       bool
}

// TaskContext is the per-dispatch context object handlers receive.
type TaskContext struct {
	Queue          string
	TaskName       string
	DeliveryInfo   map[string]interface{}
	TaskProperties TaskProperties
}

// Handler is the fixed-signature contract every dispatchable task
// implements: positional args, the synthesised task context, the
// current sampling config, and the Task Record's named (kwargs)
// parameters.
type Handler func(args []value.Value, taskCtx TaskContext, sampling SamplingConfig, kwargs map[string]value.Value) error

// Executor dispatches by task name over a fixed handler table.
type Executor struct {
	handlers map[string]Handler
}

// New builds an Executor from a handler table. Passing the three
// well-known task names is the caller's responsibility; an empty table
// is valid (e.g. in tests exercising only the dispatch contract).
func New(handlers map[string]Handler) *Executor {
	table := make(map[string]Handler, len(handlers))
	for name, h := range handlers {
		table[name] = h
	}
	return &Executor{handlers: table}
}

// Dispatch resolves taskname and invokes its handler. An unknown task
// name is a fatal programming error at the dispatch site: the broker
// only ever forwards task names a trusted producer emitted, so reaching
// here with an unrecognized name means the handler table and the
// producer have drifted apart, not a data-validation failure — it
// panics rather than returning an error a caller might swallow. The
// broker consumer recovers this panic at its dispatch call site and
// folds it into the same error path as any other handler failure, so a
// single unknown task is tagged and logged rather than crashing the
// worker process.
func (e *Executor) Dispatch(taskname string, args []value.Value, taskCtx TaskContext, sampling SamplingConfig, kwargs map[string]value.Value) error {
	handler, ok := e.handlers[taskname]
	if !ok {
		panic(fmt.Errorf("%w: %q", workerrors.ErrUnknownTask, taskname))
	}
	return handler(args, taskCtx, sampling, kwargs)
}

// KnownTaskNames lists the handler table's task names, for diagnostics
// and tests.
func (e *Executor) KnownTaskNames() []string {
	names := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		names = append(names, name)
	}
	return names
}
