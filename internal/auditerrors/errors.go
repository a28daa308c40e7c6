// Package auditerrors provides the error taxonomy used across the audit
// orchestration core.
//
// The taxonomy mirrors the one the core's lifecycle distinguishes between:
//   - Config: invalid targets, bad plugin descriptor, unknown plugin name,
//     cyclic dependencies. Surfaced pre-audit; aborts.
//   - Scope: a target is unresolvable with DNS expansion requested. Aborts
//     the audit during bootstrap.
//   - NetworkOutOfScope: raised from a network call to a host the scope
//     rejects. Plugin-observable, never fatal.
//   - Network: connection, TLS, timeout. Plugin-observable; the core does
//     not retry.
//   - Plugin: an uncaught exception surfaced from a plugin callback.
//     Captured by the worker, turned into a CONTROL/ERROR message; never
//     propagates past the worker boundary.
//   - Fatal: orchestrator-process failures (database write error, bus
//     closed). Terminates the orchestrator.
package auditerrors

import (
	"errors"
	"fmt"
)

// Code identifies which branch of the taxonomy an AuditError belongs to.
type Code string

const (
	CodeConfig            Code = "CONFIG"
	CodeScope             Code = "SCOPE"
	CodeNetworkOutOfScope Code = "NETWORK_OUT_OF_SCOPE"
	CodeNetwork           Code = "NETWORK"
	CodePlugin            Code = "PLUGIN"
	CodeFatal             Code = "FATAL"
)

// AuditError is the standard error shape used throughout the core.
//
// It carries a machine-readable Code, a human Message, optional Details
// (the wrapped error or extra context) and, for PluginError, the plugin
// name and a serialized traceback — everything the worker isolation
// contract (spec §4.7) needs to forward as a CONTROL/ERROR payload.
type AuditError struct {
	Code       Code
	Message    string
	Details    string
	PluginName string
	Traceback  string
	wrapped    error
}

func (e *AuditError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AuditError) Unwrap() error { return e.wrapped }

func new_(code Code, message string) *AuditError {
	return &AuditError{Code: code, Message: message}
}

func wrap(code Code, message string, err error) *AuditError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return &AuditError{Code: code, Message: message, Details: details, wrapped: err}
}

// Config reports an invalid target, descriptor, plugin name, or dependency cycle.
func Config(message string) *AuditError { return new_(CodeConfig, message) }

// ConfigWrap wraps an underlying error as a Config error.
func ConfigWrap(message string, err error) *AuditError { return wrap(CodeConfig, message, err) }

// Scope reports a target that could not be resolved while DNS expansion was requested.
func Scope(message string) *AuditError { return new_(CodeScope, message) }

// NetworkOutOfScope reports a network call rejected by the scope evaluator.
func NetworkOutOfScope(host string) *AuditError {
	return new_(CodeNetworkOutOfScope, fmt.Sprintf("host %q is out of scope", host))
}

// Network reports a connection, TLS, or timeout failure observed by a plugin.
func Network(message string, err error) *AuditError { return wrap(CodeNetwork, message, err) }

// Plugin reports an uncaught exception from a plugin callback.
func Plugin(pluginName, message, traceback string) *AuditError {
	return &AuditError{Code: CodePlugin, Message: message, PluginName: pluginName, Traceback: traceback}
}

// Fatal reports an orchestrator-process failure (database write error, bus closed).
func Fatal(message string, err error) *AuditError { return wrap(CodeFatal, message, err) }

// FatalMsg reports an orchestrator-process failure without an underlying error.
func FatalMsg(message string) *AuditError { return new_(CodeFatal, message) }

// Is reports whether err is an AuditError of the given code.
func Is(err error, code Code) bool {
	var ae *AuditError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}
