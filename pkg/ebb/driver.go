// EBB motion driver
//
// Translates planned motions into EBB commands. The planner emits
// continuous step coordinates; the EBB accepts integer microsteps, so
// the driver carries the fractional remainder between moves and folds
// it into the next command. Firmware version decides the motion path:
// one LM per constant-acceleration block on 2.5.3 and newer, otherwise
// XM resampled at a fixed time step.
//
// Copyright (C) 2026  AxiDraw Go Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ebb

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"axidraw-go/pkg/errors"
	"axidraw-go/pkg/log"
	"axidraw-go/pkg/metrics"
	"axidraw-go/pkg/motion"
)

const (
	// lmTickRate is the EBB's motion ISR frequency in Hz. LM rate values
	// are fixed-point fractions of 2^31 per tick.
	lmTickRate = 25000

	// lmRateScale converts microsteps/s to LM rate units.
	lmRateScale = float64(1<<31) / lmTickRate

	// xmTimestep is the resampling interval for the XM fallback path.
	xmTimestep = 15 * time.Millisecond

	// servoRateTick is the servo pulse update period in milliseconds:
	// S2 rates are servo counts per 24 ms channel cycle.
	servoRateTick = 24
)

// Config parameterises a driver for one device.
type Config struct {
	// MicrostepMode is the EM microstepping mode, 1 (16x) through 5 (1x).
	MicrostepMode int

	// PenServoPin is the EBB output pin driving the pen servo.
	PenServoPin int
}

// DefaultConfig returns the stock driver configuration: full 16x
// microstepping and the standard servo header.
func DefaultConfig() Config {
	return Config{MicrostepMode: 1, PenServoPin: 4}
}

// Driver executes motions on an EBB over a line connection.
type Driver struct {
	conn *Conn
	cfg  Config

	version    Version
	hasVersion bool

	// stepMult scales planner step units to device microsteps for the
	// configured microstepping mode.
	stepMult float64

	// err1 and err2 carry the sub-step residual for the two emitted
	// integer channels: motor axes on the LM path, X/Y deltas on the
	// XM path. A plan runs entirely on one path so the frames never mix.
	err1, err2 float64

	logger *log.Logger
	m      *metrics.PlotterMetrics
}

// NewDriver wraps a byte transport in an EBB driver.
func NewDriver(rw io.ReadWriteCloser, cfg Config) *Driver {
	if cfg.MicrostepMode < 1 || cfg.MicrostepMode > 5 {
		cfg.MicrostepMode = 1
	}
	return &Driver{
		conn:     NewConn(rw),
		cfg:      cfg,
		stepMult: float64(int(1) << (5 - cfg.MicrostepMode)),
		logger:   log.GetLogger("ebb"),
		m:        metrics.Plotter(),
	}
}

// Conn exposes the underlying line connection.
func (d *Driver) Conn() *Conn {
	return d.conn
}

// StepMultiplier returns the planner-step to microstep scale for the
// configured microstepping mode.
func (d *Driver) StepMultiplier() float64 {
	return d.stepMult
}

// Close tears down the connection.
func (d *Driver) Close() error {
	return d.conn.Close()
}

func (d *Driver) execute(cmd string) error {
	d.m.CommandsTotal.Inc(metrics.Labels{"cmd": commandName(cmd)})
	if err := d.conn.Execute(cmd); err != nil {
		d.m.CommandErrors.Inc(nil)
		return err
	}
	return nil
}

func (d *Driver) query(cmd string) (string, error) {
	d.m.CommandsTotal.Inc(metrics.Labels{"cmd": commandName(cmd)})
	reply, err := d.conn.Query(cmd)
	if err != nil {
		d.m.CommandErrors.Inc(nil)
		return "", err
	}
	return reply, nil
}

func commandName(cmd string) string {
	if i := strings.IndexByte(cmd, ','); i >= 0 {
		return cmd[:i]
	}
	return cmd
}

// QueryVersion fetches and caches the firmware version.
func (d *Driver) QueryVersion() (Version, error) {
	if d.hasVersion {
		return d.version, nil
	}
	reply, err := d.query("V")
	if err != nil {
		return Version{}, err
	}
	v, err := ParseVersion(reply)
	if err != nil {
		return Version{}, err
	}
	d.version = v
	d.hasVersion = true
	d.logger.Info("EBB firmware %s (LM=%v SR=%v)", v, v.SupportsLM(), v.SupportsSR())
	return v, nil
}

// EnableMotors powers the steppers at the configured microstepping mode
// and resets the sub-step residual: a fresh enable means a fresh step
// frame.
func (d *Driver) EnableMotors() error {
	d.err1, d.err2 = 0, 0
	return d.execute(fmt.Sprintf("EM,%d,%d", d.cfg.MicrostepMode, d.cfg.MicrostepMode))
}

// DisableMotors cuts stepper power so the carriage moves freely.
func (d *Driver) DisableMotors() error {
	return d.execute("EM,0,0")
}

// MotorsOff releases the motors at the end of a plot. Firmware with SR
// gets a servo power-off timeout so the pen servo stops buzzing;
// older firmware falls back to a plain disable.
func (d *Driver) MotorsOff() error {
	v, err := d.QueryVersion()
	if err != nil {
		return err
	}
	if v.SupportsSR() {
		return d.execute("SR,60000000,0")
	}
	return d.DisableMotors()
}

// SetServoPowerTimeout configures the servo power-off timeout in
// microseconds, with an optional immediate on/off state. Requires
// firmware 2.6.0.
func (d *Driver) SetServoPowerTimeout(timeout time.Duration, on bool) error {
	v, err := d.QueryVersion()
	if err != nil {
		return err
	}
	if !v.SupportsSR() {
		return errors.CapabilityError("SR", v.String())
	}
	onVal := 0
	if on {
		onVal = 1
	}
	return d.execute(fmt.Sprintf("SR,%d,%d", timeout.Microseconds(), onVal))
}

// SetPenPos moves the pen servo to an absolute position over the given
// duration, blocking the command stream for that long so the following
// motion starts after the pen has settled.
func (d *Driver) SetPenPos(pos int, duration float64, rate int) error {
	delayMs := int(math.Round(duration * 1000))
	if delayMs < 0 {
		delayMs = 0
	}
	return d.execute(fmt.Sprintf("S2,%d,%d,%d,%d", pos, d.cfg.PenServoPin, rate, delayMs))
}

// ExecutePenMotion runs one planned servo move.
func (d *Driver) ExecutePenMotion(pm motion.PenMotion) error {
	durMs := pm.Duration * 1000
	rate := 0
	if durMs > 0 {
		rate = int(math.Round(math.Abs(float64(pm.FinalPos-pm.InitialPos)) * servoRateTick / durMs))
	}
	return d.SetPenPos(pm.FinalPos, pm.Duration, rate)
}

// ExecuteXYMotion runs one planned stroke, choosing the motion path by
// firmware capability.
func (d *Driver) ExecuteXYMotion(m *motion.XYMotion) error {
	v, err := d.QueryVersion()
	if err != nil {
		return err
	}
	if v.SupportsLM() {
		for _, b := range m.Blocks {
			if err := d.moveBlockLM(b); err != nil {
				return err
			}
		}
		return nil
	}
	return d.moveXM(m)
}

// ExecuteMotion dispatches on the motion variant.
func (d *Driver) ExecuteMotion(m motion.Motion) error {
	switch mm := m.(type) {
	case *motion.XYMotion:
		return d.ExecuteXYMotion(mm)
	case motion.PenMotion:
		return d.ExecutePenMotion(mm)
	default:
		return errors.InvalidPlanError("unknown motion type")
	}
}

// quantize folds the carried residual into an ideal displacement and
// returns the integer steps to emit. The residual stays in [0, 1) per
// channel, so the emitted steps never drift from the continuous path.
func quantize(ideal float64, err *float64) int {
	f := ideal + *err
	steps := math.Floor(f)
	*err = f - steps
	return int(steps)
}

// moveBlockLM emits one LM command for a constant-acceleration block.
// The EBB's motors form a mixed pair (axis 1 = X+Y, axis 2 = X-Y), so
// block displacement and step rates transform into the motor frame
// before fixed-point encoding.
func (d *Driver) moveBlockLM(b motion.Block) error {
	delta := b.P2.Sub(b.P1)
	dir := delta.Normalized()

	dx := delta.X * d.stepMult
	dy := delta.Y * d.stepMult
	steps1 := quantize(dx+dy, &d.err1)
	steps2 := quantize(dx-dy, &d.err2)
	if steps1 == 0 && steps2 == 0 {
		d.m.MovesSkipped.Inc(nil)
		return nil
	}

	vi := b.VInitial * d.stepMult
	vf := b.VFinal() * d.stepMult
	r1i := math.Abs(vi*dir.X + vi*dir.Y)
	r1f := math.Abs(vf*dir.X + vf*dir.Y)
	r2i := math.Abs(vi*dir.X - vi*dir.Y)
	r2f := math.Abs(vf*dir.X - vf*dir.Y)

	rate1, delta1 := lmAxis(steps1, r1i, r1f, b.Duration)
	rate2, delta2 := lmAxis(steps2, r2i, r2f, b.Duration)

	return d.execute(fmt.Sprintf("LM,%d,%d,%d,%d,%d,%d",
		rate1, steps1, delta1, rate2, steps2, delta2))
}

// lmAxis encodes one motor axis of an LM move: the initial rate in
// 2^31/25kHz fixed point and the per-tick rate delta that reaches the
// final rate over the move. A stray residual step on an axis whose
// projected rate is zero runs at the constant rate covering it in the
// block time, so the move always terminates.
func lmAxis(steps int, rateInitial, rateFinal float64, blockDur float64) (int64, int64) {
	if steps == 0 {
		return 0, 0
	}
	if rateInitial+rateFinal <= 0 {
		if blockDur <= 0 {
			return 0, 0
		}
		return int64(math.Round(math.Abs(float64(steps)) / blockDur * lmRateScale)), 0
	}
	init := math.Round(rateInitial * lmRateScale)
	final := math.Round(rateFinal * lmRateScale)
	moveTime := 2 * math.Abs(float64(steps)) / (rateInitial + rateFinal)
	delta := math.Round((final - init) / (moveTime * lmTickRate))
	return int64(init), int64(delta)
}

// moveXM resamples a stroke at a fixed interval and emits one
// constant-velocity XM per sample. The fallback path for pre-2.5.3
// firmware without LM.
func (d *Driver) moveXM(m *motion.XYMotion) error {
	total := m.Duration()
	if total <= 0 {
		return nil
	}
	dt := xmTimestep.Seconds()
	prev := m.Instant(0).P
	for tPrev := 0.0; tPrev < total; {
		t := tPrev + dt
		if t > total {
			t = total
		}
		p := m.Instant(t).P
		durMs := int(math.Round((t - tPrev) * 1000))
		tPrev = t

		sx := quantize((p.X-prev.X)*d.stepMult, &d.err1)
		sy := quantize((p.Y-prev.Y)*d.stepMult, &d.err2)
		prev = p
		if sx == 0 && sy == 0 {
			d.m.MovesSkipped.Inc(nil)
			continue
		}
		if durMs < 1 {
			durMs = 1
		}
		if err := d.execute(fmt.Sprintf("XM,%d,%d,%d", durMs, sx, sy)); err != nil {
			return err
		}
	}
	return nil
}

// MotionStatus is the decoded QM reply.
type MotionStatus struct {
	GlobalBusy   bool
	CommandBusy  bool
	Motor1Moving bool
	Motor2Moving bool
	FIFOPending  bool
}

// Idle reports whether the command queue and FIFO are both drained.
func (s MotionStatus) Idle() bool {
	return !s.CommandBusy && !s.FIFOPending
}

// QueryMotion polls the motion status.
func (d *Driver) QueryMotion() (MotionStatus, error) {
	reply, err := d.query("QM")
	if err != nil {
		return MotionStatus{}, err
	}
	fields := strings.Split(strings.TrimSpace(reply), ",")
	// The reply echoes the command name: QM,global,cmd,m1,m2,fifo.
	if len(fields) > 0 && fields[0] == "QM" {
		fields = fields[1:]
	}
	if len(fields) < 4 {
		return MotionStatus{}, errors.ProtocolError("QM", reply)
	}
	st := MotionStatus{
		GlobalBusy:   fields[0] != "0",
		CommandBusy:  fields[1] != "0",
		Motor1Moving: fields[2] != "0",
		Motor2Moving: fields[3] != "0",
	}
	if len(fields) > 4 {
		st.FIFOPending = fields[4] != "0"
	}
	return st, nil
}

// WaitIdle polls QM until the EBB has executed every queued command.
func (d *Driver) WaitIdle(ctx context.Context) error {
	for {
		st, err := d.QueryMotion()
		if err != nil {
			return err
		}
		if st.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Home moves the carriage back to its zero position at the given step
// rate.
func (d *Driver) Home(rate int) error {
	return d.execute(fmt.Sprintf("HM,%d", rate))
}
