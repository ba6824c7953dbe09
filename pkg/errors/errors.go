// Coded errors for the plotter host
//
// Every failure that crosses a package boundary is a *PlotError carrying
// an ErrorCode, so the supervisor and the API server can map failures to
// user-visible events without string matching.
//
// Copyright (C) 2026  AxiDraw Go Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import "fmt"

// ErrorCode is the category of a failure.
type ErrorCode string

const (
	// ErrProtocol is a malformed or rejected EBB reply. Fatal to the
	// current plot.
	ErrProtocol ErrorCode = "PROTOCOL"

	// ErrTransport is a serial read/write failure or disconnect.
	ErrTransport ErrorCode = "TRANSPORT"

	// ErrInvalidPlan is a plan that failed deserialization or violated a
	// structural invariant at ingest.
	ErrInvalidPlan ErrorCode = "INVALID_PLAN"

	// ErrPlotInProgress is a plot request while another plot is running.
	ErrPlotInProgress ErrorCode = "PLOT_IN_PROGRESS"

	// ErrCapability is firmware too old for a requested feature with no
	// possible downgrade.
	ErrCapability ErrorCode = "CAPABILITY_MISMATCH"

	// ErrPlannerAssertion is a violated motion invariant at construction
	// time. Indicates a planner bug.
	ErrPlannerAssertion ErrorCode = "PLANNER_ASSERTION"
)

// PlotError is the error type crossing package boundaries in the host.
type PlotError struct {
	Code    ErrorCode
	Message string

	// Command is the EBB command involved, when one is.
	Command string

	// Err is the wrapped cause, when there is one.
	Err error
}

func (e *PlotError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Command, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PlotError) Unwrap() error {
	return e.Err
}

// SetCommand attaches the EBB command the failure belongs to.
func (e *PlotError) SetCommand(cmd string) *PlotError {
	e.Command = cmd
	return e
}

// New creates a PlotError with no underlying cause.
func New(code ErrorCode, message string) *PlotError {
	return &PlotError{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code ErrorCode, message string) *PlotError {
	return &PlotError{Code: code, Message: message, Err: err}
}

// Is reports whether err is a PlotError with the given code.
func Is(err error, code ErrorCode) bool {
	if pe, ok := err.(*PlotError); ok {
		return pe.Code == code
	}
	return false
}

// IsFatalToPlot reports whether the error should abort the current plot
// and recycle the serial port.
func IsFatalToPlot(err error) bool {
	return Is(err, ErrProtocol) ||
		Is(err, ErrTransport) ||
		Is(err, ErrPlannerAssertion) ||
		Is(err, ErrCapability)
}

// ProtocolError reports a malformed or rejected EBB reply.
func ProtocolError(command, reply string) *PlotError {
	return New(ErrProtocol, fmt.Sprintf("unexpected reply %q", reply)).
		SetCommand(command)
}

// TransportError reports a serial transport failure.
func TransportError(op string, err error) *PlotError {
	return Wrap(err, ErrTransport, fmt.Sprintf("serial %s failed", op))
}

// InvalidPlanError reports a plan that failed validation.
func InvalidPlanError(reason string) *PlotError {
	return New(ErrInvalidPlan, reason)
}

// PlotInProgressError reports a rejected concurrent plot request.
func PlotInProgressError() *PlotError {
	return New(ErrPlotInProgress, "a plot is already in progress")
}

// CapabilityError reports firmware missing a required feature.
func CapabilityError(feature, version string) *PlotError {
	return New(ErrCapability, fmt.Sprintf("firmware %s does not support %s", version, feature))
}

// PlannerAssertionError reports a violated motion invariant.
func PlannerAssertionError(message string) *PlotError {
	return New(ErrPlannerAssertion, message)
}
