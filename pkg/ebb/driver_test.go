package ebb

import (
	"context"
	"math"
	"strconv"
	"strings"
	"testing"
	"time"

	"axidraw-go/pkg/device"
	"axidraw-go/pkg/errors"
	"axidraw-go/pkg/geom"
	"axidraw-go/pkg/motion"
	"axidraw-go/pkg/planner"
)

// ebbScript answers like a healthy EBB running the given firmware.
func ebbScript(version string) func(string) []string {
	return func(cmd string) []string {
		switch commandName(cmd) {
		case "V":
			return []string{"EBBv13_and_above EB Firmware Version " + version}
		case "QM":
			return []string{"QM,0,0,0,0,0"}
		default:
			return []string{"OK"}
		}
	}
}

func newTestDriver(t *testing.T, version string, cfg Config) (*Driver, *fakePort) {
	t.Helper()
	port := newFakePort(ebbScript(version))
	d := NewDriver(port, cfg)
	t.Cleanup(func() { d.Close() })
	return d, port
}

// motionCommands filters the command stream down to motion commands.
func motionCommands(cmds []string, name string) []string {
	var out []string
	for _, c := range cmds {
		if commandName(c) == name {
			out = append(out, c)
		}
	}
	return out
}

func TestQueryVersionCaches(t *testing.T) {
	d, port := newTestDriver(t, "2.6.2", DefaultConfig())

	v1, err := d.QueryVersion()
	if err != nil {
		t.Fatalf("QueryVersion failed: %v", err)
	}
	v2, err := d.QueryVersion()
	if err != nil {
		t.Fatalf("QueryVersion failed: %v", err)
	}
	if v1 != v2 {
		t.Errorf("cached version changed: %v vs %v", v1, v2)
	}
	if got := motionCommands(port.commands(), "V"); len(got) != 1 {
		t.Errorf("expected one V query, got %d", len(got))
	}
}

func TestEnableDisableMotors(t *testing.T) {
	d, port := newTestDriver(t, "2.6.2", Config{MicrostepMode: 3, PenServoPin: 4})

	if err := d.EnableMotors(); err != nil {
		t.Fatalf("EnableMotors failed: %v", err)
	}
	if err := d.DisableMotors(); err != nil {
		t.Fatalf("DisableMotors failed: %v", err)
	}
	cmds := port.commands()
	if cmds[0] != "EM,3,3" {
		t.Errorf("expected EM,3,3 first, got %q", cmds[0])
	}
	if cmds[1] != "EM,0,0" {
		t.Errorf("expected EM,0,0, got %q", cmds[1])
	}
}

func TestMotorsOffUsesSRWhenSupported(t *testing.T) {
	d, port := newTestDriver(t, "2.6.2", DefaultConfig())
	if err := d.MotorsOff(); err != nil {
		t.Fatalf("MotorsOff failed: %v", err)
	}
	if got := motionCommands(port.commands(), "SR"); len(got) != 1 || got[0] != "SR,60000000,0" {
		t.Errorf("expected SR,60000000,0, got %v", got)
	}
}

func TestMotorsOffFallsBackToDisable(t *testing.T) {
	d, port := newTestDriver(t, "2.5.3", DefaultConfig())
	if err := d.MotorsOff(); err != nil {
		t.Fatalf("MotorsOff failed: %v", err)
	}
	cmds := port.commands()
	if len(motionCommands(cmds, "SR")) != 0 {
		t.Error("SR sent to firmware without SR support")
	}
	if got := motionCommands(cmds, "EM"); len(got) != 1 || got[0] != "EM,0,0" {
		t.Errorf("expected EM,0,0 fallback, got %v", got)
	}
}

func TestSetServoPowerTimeoutGated(t *testing.T) {
	d, _ := newTestDriver(t, "2.5.9", DefaultConfig())
	err := d.SetServoPowerTimeout(time.Minute, false)
	if !errors.Is(err, errors.ErrCapability) {
		t.Errorf("expected capability error, got %v", err)
	}
}

func TestSetPenPos(t *testing.T) {
	d, port := newTestDriver(t, "2.6.2", Config{MicrostepMode: 1, PenServoPin: 5})
	if err := d.SetPenPos(20000, 0.5, 0); err != nil {
		t.Fatalf("SetPenPos failed: %v", err)
	}
	if got := port.commands()[0]; got != "S2,20000,5,0,500" {
		t.Errorf("unexpected command %q", got)
	}
}

func TestExecutePenMotionRate(t *testing.T) {
	d, port := newTestDriver(t, "2.6.2", DefaultConfig())
	pm := motion.PenMotion{InitialPos: 8000, FinalPos: 7000, Duration: 0.12}
	if err := d.ExecutePenMotion(pm); err != nil {
		t.Fatalf("ExecutePenMotion failed: %v", err)
	}
	// 1000 counts over 120 ms at 24 ms per servo cycle is rate 200.
	if got := port.commands()[0]; got != "S2,7000,4,200,120" {
		t.Errorf("unexpected command %q", got)
	}
}

// planStroke builds a realistic multi-block stroke in step units.
func planStroke(t *testing.T, points []geom.Vec2) *motion.XYMotion {
	t.Helper()
	prof := device.AccelProfile{
		Acceleration:    1000,
		MaxVelocity:     250,
		CorneringFactor: 0.6,
	}
	m, err := planner.PlanStroke(points, prof)
	if err != nil {
		t.Fatalf("PlanStroke failed: %v", err)
	}
	return m
}

func lmField(t *testing.T, cmd string, idx int) int64 {
	t.Helper()
	fields := strings.Split(cmd, ",")
	if len(fields) != 7 {
		t.Fatalf("malformed LM command %q", cmd)
	}
	v, err := strconv.ParseInt(fields[idx], 10, 64)
	if err != nil {
		t.Fatalf("malformed LM field in %q: %v", cmd, err)
	}
	return v
}

func TestLMStepConservation(t *testing.T) {
	d, port := newTestDriver(t, "2.6.2", DefaultConfig())

	points := []geom.Vec2{
		{X: 0, Y: 0}, {X: 200, Y: 0}, {X: 200, Y: 130},
		{X: 37.5, Y: 91.2}, {X: 0, Y: 0},
	}
	m := planStroke(t, points)
	if err := d.ExecuteXYMotion(m); err != nil {
		t.Fatalf("ExecuteXYMotion failed: %v", err)
	}

	var sum1, sum2 int64
	for _, cmd := range motionCommands(port.commands(), "LM") {
		sum1 += lmField(t, cmd, 2)
		sum2 += lmField(t, cmd, 5)
	}

	// Net displacement is zero (closed path), so the emitted steps on
	// both motor axes must cancel to within the carried residual.
	if math.Abs(float64(sum1)) >= 1 {
		t.Errorf("axis 1 steps do not conserve: %d", sum1)
	}
	if math.Abs(float64(sum2)) >= 1 {
		t.Errorf("axis 2 steps do not conserve: %d", sum2)
	}
}

func TestLMStepConservationOpenPath(t *testing.T) {
	d, port := newTestDriver(t, "2.6.2", Config{MicrostepMode: 2, PenServoPin: 4})

	points := []geom.Vec2{{X: 0, Y: 0}, {X: 33.3, Y: 0}, {X: 33.3, Y: 77.7}}
	m := planStroke(t, points)
	if err := d.ExecuteXYMotion(m); err != nil {
		t.Fatalf("ExecuteXYMotion failed: %v", err)
	}

	var sum1, sum2 int64
	for _, cmd := range motionCommands(port.commands(), "LM") {
		sum1 += lmField(t, cmd, 2)
		sum2 += lmField(t, cmd, 5)
	}

	mult := d.StepMultiplier()
	end := points[len(points)-1]
	want1 := (end.X + end.Y) * mult
	want2 := (end.X - end.Y) * mult
	if math.Abs(float64(sum1)-want1) >= 1 {
		t.Errorf("axis 1: emitted %d steps, ideal %.2f", sum1, want1)
	}
	if math.Abs(float64(sum2)-want2) >= 1 {
		t.Errorf("axis 2: emitted %d steps, ideal %.2f", sum2, want2)
	}
}

func TestXMFallbackStepConservation(t *testing.T) {
	d, port := newTestDriver(t, "2.4.5", DefaultConfig())

	points := []geom.Vec2{{X: 0, Y: 0}, {X: 120, Y: 45.5}, {X: 60.25, Y: 90}}
	m := planStroke(t, points)
	if err := d.ExecuteXYMotion(m); err != nil {
		t.Fatalf("ExecuteXYMotion failed: %v", err)
	}

	cmds := port.commands()
	if n := len(motionCommands(cmds, "LM")); n != 0 {
		t.Fatalf("LM sent to firmware without LM support (%d commands)", n)
	}

	var sx, sy int64
	for _, cmd := range motionCommands(cmds, "XM") {
		fields := strings.Split(cmd, ",")
		if len(fields) != 4 {
			t.Fatalf("malformed XM command %q", cmd)
		}
		durMs, err := strconv.Atoi(fields[1])
		if err != nil || durMs < 1 {
			t.Fatalf("bad XM duration in %q", cmd)
		}
		x, _ := strconv.ParseInt(fields[2], 10, 64)
		y, _ := strconv.ParseInt(fields[3], 10, 64)
		sx += x
		sy += y
	}

	mult := d.StepMultiplier()
	end := points[len(points)-1]
	if math.Abs(float64(sx)-end.X*mult) >= 1 {
		t.Errorf("X: emitted %d steps, ideal %.2f", sx, end.X*mult)
	}
	if math.Abs(float64(sy)-end.Y*mult) >= 1 {
		t.Errorf("Y: emitted %d steps, ideal %.2f", sy, end.Y*mult)
	}
}

func TestZeroStepBlockSkipped(t *testing.T) {
	d, port := newTestDriver(t, "2.6.2", DefaultConfig())
	if _, err := d.QueryVersion(); err != nil {
		t.Fatalf("QueryVersion failed: %v", err)
	}

	// Sub-step displacement: nothing to emit yet.
	b := motion.Block{
		Accel:    0,
		Duration: 0.001,
		VInitial: 10,
		P1:       geom.Vec2{X: 0, Y: 0},
		P2:       geom.Vec2{X: 0.01, Y: 0},
	}
	if err := d.moveBlockLM(b); err != nil {
		t.Fatalf("moveBlockLM failed: %v", err)
	}
	if got := motionCommands(port.commands(), "LM"); len(got) != 0 {
		t.Errorf("expected no LM for sub-step block, got %v", got)
	}
}

func TestQueryMotionParsing(t *testing.T) {
	port := newFakePort(func(cmd string) []string {
		return []string{"QM,1,1,0,1,1"}
	})
	d := NewDriver(port, DefaultConfig())
	defer d.Close()

	st, err := d.QueryMotion()
	if err != nil {
		t.Fatalf("QueryMotion failed: %v", err)
	}
	if !st.GlobalBusy || !st.CommandBusy || st.Motor1Moving || !st.Motor2Moving || !st.FIFOPending {
		t.Errorf("unexpected status %+v", st)
	}
	if st.Idle() {
		t.Error("busy status reported idle")
	}
}

func TestWaitIdlePollsUntilDrained(t *testing.T) {
	remaining := 3
	port := newFakePort(func(cmd string) []string {
		if commandName(cmd) != "QM" {
			return []string{"OK"}
		}
		if remaining > 0 {
			remaining--
			return []string{"QM,1,1,1,1,1"}
		}
		return []string{"QM,0,0,0,0,0"}
	})
	d := NewDriver(port, DefaultConfig())
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle failed: %v", err)
	}
	if remaining != 0 {
		t.Errorf("WaitIdle returned with %d busy polls outstanding", remaining)
	}
}

func TestWaitIdleHonoursContext(t *testing.T) {
	port := newFakePort(func(cmd string) []string {
		return []string{"QM,1,1,1,1,1"}
	})
	d := NewDriver(port, DefaultConfig())
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.WaitIdle(ctx); err == nil {
		t.Error("expected context deadline error")
	}
}

func TestHome(t *testing.T) {
	d, port := newTestDriver(t, "2.6.2", DefaultConfig())
	if err := d.Home(4000); err != nil {
		t.Fatalf("Home failed: %v", err)
	}
	if got := port.commands()[0]; got != "HM,4000" {
		t.Errorf("unexpected command %q", got)
	}
}
