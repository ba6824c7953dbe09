package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := ProtocolError("QM", "!8 Err: Unknown command")
	want := `[PROTOCOL:QM] unexpected reply "!8 Err: Unknown command"`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := New(ErrInvalidPlan, "plan is not a JSON array")
	if got := bare.Error(); got != "[INVALID_PLAN] plan is not a JSON array" {
		t.Errorf("Error() = %q", got)
	}
}

func TestIs(t *testing.T) {
	err := TransportError("read", fmt.Errorf("EOF"))
	if !Is(err, ErrTransport) {
		t.Error("transport error did not match its code")
	}
	if Is(err, ErrProtocol) {
		t.Error("transport error matched the wrong code")
	}
	if Is(nil, ErrTransport) {
		t.Error("nil matched a code")
	}
	if Is(fmt.Errorf("plain"), ErrTransport) {
		t.Error("plain error matched a code")
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("read /dev/ttyACM0: input/output error")
	err := Wrap(cause, ErrTransport, "serial read failed")
	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable through errors.Is")
	}
	if errors.Unwrap(err) != cause {
		t.Error("Unwrap did not return the cause")
	}
}

func TestSetCommand(t *testing.T) {
	err := New(ErrProtocol, "bad reply").SetCommand("LM")
	if err.Command != "LM" {
		t.Errorf("Command = %q", err.Command)
	}
	if got := err.Error(); got != "[PROTOCOL:LM] bad reply" {
		t.Errorf("Error() = %q", got)
	}
}

func TestIsFatalToPlot(t *testing.T) {
	fatal := []*PlotError{
		ProtocolError("LM", "!8"),
		TransportError("write", fmt.Errorf("broken pipe")),
		PlannerAssertionError("negative duration"),
		CapabilityError("LM", "2.4.5"),
	}
	for _, err := range fatal {
		if !IsFatalToPlot(err) {
			t.Errorf("%v should abort the plot", err)
		}
	}
	if IsFatalToPlot(PlotInProgressError()) {
		t.Error("plot-in-progress should not abort the running plot")
	}
	if IsFatalToPlot(InvalidPlanError("bad plan")) {
		t.Error("invalid plan should only reject the request")
	}
}
