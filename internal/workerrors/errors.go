// Package workerrors centralizes the worker core's error taxonomy:
// configuration errors, broker/decode errors, and the plugin-fatal
// family that must surface to the process exit path.
package workerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Configuration errors.
var (
	ErrMissingRPCHost      = errors.New("RPC server host is required")
	ErrMissingRPCPath      = errors.New("RPC server path is required")
	ErrInvalidSamplingRate = errors.New("sampling rate must be between 0 and 100")
)

// Broker/decode errors.
var (
	ErrIdleLoop            = errors.New("no task received before pop timeout")
	ErrUnknownBodyEncoding = errors.New("unknown body_encoding")
	ErrDecodeEnvelope      = errors.New("failed to decode task envelope")
	ErrMissingTimeLimit    = errors.New("task record missing timelimit")
)

// Executor errors.
var ErrUnknownTask = errors.New("unknown task name")

// PluginFatalError is the base of the plugin-fatal family (spec: "Plugin
// fatal (missing requirements, interface mismatch, duplicate name, double
// collect)"). It always carries enough text in Error() to name the
// offending plugin(s), and preserves any wrapped cause so the original
// exception chain survives (errors.Unwrap).
type PluginFatalError struct {
	Msg string
	Err error
}

func (e *PluginFatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *PluginFatalError) Unwrap() error { return e.Err }

// NewAlreadyCollectedError reports a second Collect() call on the same
// registry instance.
func NewAlreadyCollectedError() *PluginFatalError {
	return &PluginFatalError{Msg: "plugin registry: collect() already called on this instance"}
}

// NewDuplicatePluginError reports a (name, category) collision.
func NewDuplicatePluginError(name, category string) *PluginFatalError {
	return &PluginFatalError{
		Msg: fmt.Sprintf("plugin registry: duplicate plugin %q in category %q", name, category),
	}
}

// NewInterfaceMismatchError reports a plugin object that does not satisfy
// its declared category's capability interface.
func NewInterfaceMismatchError(name, category string) *PluginFatalError {
	return &PluginFatalError{
		Msg: fmt.Sprintf("plugin registry: plugin %q does not satisfy category %q interface", name, category),
	}
}

// NewUnsatisfiedRequirementsError reports every missing dependency name
// for a single plugin in one message, per spec: "the raised message must
// contain all N names (not just the first)".
func NewUnsatisfiedRequirementsError(name string, missing []string) *PluginFatalError {
	return &PluginFatalError{
		Msg: fmt.Sprintf("plugin registry: plugin %q has unsatisfied requirements: %s", name, strings.Join(missing, ", ")),
	}
}

// NewPluginInstantiationError wraps an underlying error (failed to open a
// dynamic plugin, failed factory call, etc.) while naming the plugin.
func NewPluginInstantiationError(name string, cause error) *PluginFatalError {
	return &PluginFatalError{
		Msg: fmt.Sprintf("plugin registry: failed to instantiate plugin %q", name),
		Err: cause,
	}
}
