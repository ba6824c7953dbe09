// Plot supervisor
//
// Runs a plan end to end on the EBB driver: one motion loop owns the
// serial port and issues commands strictly in plan order, while the
// control surface flips pause and cancel flags that the loop observes
// at motion boundaries. A finished or cancelled plot ends with the pen
// up and the motors released; a plot aborted by a driver error skips
// that recovery. Every path ends with the supervisor back in Idle.
//
// Copyright (C) 2026  AxiDraw Go Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package supervisor

import (
	"context"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"axidraw-go/pkg/errors"
	"axidraw-go/pkg/log"
	"axidraw-go/pkg/metrics"
	"axidraw-go/pkg/motion"
)

// State is the supervisor lifecycle state.
type State int

const (
	Idle State = iota
	Plotting
	Paused
	Cancelling
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Plotting:
		return "plotting"
	case Paused:
		return "paused"
	case Cancelling:
		return "cancelling"
	default:
		return "unknown"
	}
}

// Driver is the motion backend the supervisor executes against,
// implemented by the EBB driver.
type Driver interface {
	EnableMotors() error
	DisableMotors() error
	MotorsOff() error
	SetPenPos(pos int, duration float64, rate int) error
	ExecuteMotion(m motion.Motion) error
	WaitIdle(ctx context.Context) error
	Home(rate int) error
}

// homeRate is the HM step rate used when a cancelled plot returns the
// carriage to its origin.
const homeRate = 4000

// penSettleDuration is how long the pre-plot pen positioning blocks the
// command queue so the first travel starts with the pen settled.
const penSettleDuration = 0.5

// Supervisor executes plans and mediates pause, resume and cancel.
type Supervisor struct {
	mu    sync.Mutex
	state State
	drv   Driver
	bus   *Broadcaster

	// unpause is non-nil while a pause is requested or in effect; the
	// motion loop waits on it at pen-up boundaries and Resume closes it.
	unpause chan struct{}

	// cancelRequested is observed by the motion loop at motion
	// boundaries.
	cancelRequested bool

	jobID    string
	plan     *motion.Plan
	penIsUp  bool
	penUpPos int

	done chan struct{}

	logger *log.Logger
	m      *metrics.PlotterMetrics
}

// New creates an idle supervisor driving the given backend.
func New(drv Driver, bus *Broadcaster) *Supervisor {
	if bus == nil {
		bus = NewBroadcaster()
	}
	return &Supervisor{
		drv:    drv,
		bus:    bus,
		state:  Idle,
		logger: log.GetLogger("supervisor"),
		m:      metrics.Plotter(),
	}
}

// Events returns the supervisor's event broadcaster.
func (s *Supervisor) Events() *Broadcaster {
	return s.bus
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Plotting reports whether a plot is underway, paused included.
func (s *Supervisor) Plotting() bool {
	return s.State() != Idle
}

// CurrentPlan returns the plan being plotted and its job ID, or nil
// when idle.
func (s *Supervisor) CurrentPlan() (*motion.Plan, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan, s.jobID
}

// Plot validates and starts a plan. It returns immediately; the motion
// loop runs on its own goroutine. A plot already in progress rejects
// the request.
func (s *Supervisor) Plot(plan *motion.Plan) (string, error) {
	if err := plan.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return "", errors.PlotInProgressError()
	}
	s.state = Plotting
	s.cancelRequested = false
	s.unpause = nil
	s.jobID = uuid.NewV4().String()
	s.plan = plan
	s.done = make(chan struct{})
	jobID := s.jobID
	done := s.done
	s.mu.Unlock()

	s.m.PlotsTotal.Inc(nil)
	s.m.PlotState.Set(nil, float64(Plotting))
	s.logger.Info("plot %s: %d motions, %.1fs estimated",
		jobID, len(plan.Motions), plan.Duration())
	s.bus.Publish(Event{C: EventPlan, P: plan})

	go func() {
		defer close(done)
		s.run(plan)
	}()
	return jobID, nil
}

// Wait blocks until the current plot finishes. Used by tests and the
// CLI; the server never calls it.
func (s *Supervisor) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Pause requests that the motion loop stop at the next pen-up boundary.
// A second pause before resume is a no-op.
func (s *Supervisor) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Plotting || s.unpause != nil {
		return
	}
	s.unpause = make(chan struct{})
}

// Resume releases a pending or effective pause.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unpause == nil {
		return
	}
	close(s.unpause)
	s.unpause = nil
}

// Cancel requests that the plot stop at the next motion boundary. The
// in-flight command completes normally. Cancelling an idle supervisor
// or cancelling twice is a no-op.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	if s.state == Idle || s.state == Cancelling {
		s.mu.Unlock()
		return
	}
	s.cancelRequested = true
	unpause := s.unpause
	s.unpause = nil
	s.mu.Unlock()

	// A paused loop must wake to observe the cancel.
	if unpause != nil {
		close(unpause)
	}
}

// SetPenHeight moves the pen servo immediately. Rejected while a plot
// is running: the plan owns the pen then.
func (s *Supervisor) SetPenHeight(pos, rate int) error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return errors.PlotInProgressError()
	}
	s.mu.Unlock()
	return s.drv.SetPenPos(pos, 0, rate)
}

// Limp cuts motor power so the carriage can be moved by hand. Rejected
// while a plot is running.
func (s *Supervisor) Limp() error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return errors.PlotInProgressError()
	}
	s.mu.Unlock()
	return s.drv.DisableMotors()
}

// firstPenPositions returns the up and down servo positions of the
// plan's first pen motion. Plans without pen motions (empty input)
// report ok=false.
func firstPenPositions(plan *motion.Plan) (up, down int, ok bool) {
	for _, m := range plan.Motions {
		if pm, isPen := m.(motion.PenMotion); isPen {
			// The first pen motion is a drop: initial is the up position.
			return pm.InitialPos, pm.FinalPos, true
		}
	}
	return 0, 0, false
}

// run is the motion loop. It owns the driver until the plot resolves.
func (s *Supervisor) run(plan *motion.Plan) {
	start := time.Now()
	up, _, hasPen := firstPenPositions(plan)
	s.mu.Lock()
	s.penIsUp = true
	s.penUpPos = up
	s.mu.Unlock()

	err := s.prePlot(hasPen, up)
	cancelled := false
	if err == nil {
		cancelled, err = s.executeMotions(plan)
	}

	if err != nil {
		s.logger.WithError(err).Error("plot aborted")
		s.m.PlotsFailed.Inc(nil)
		s.finish(EventCancelled)
		return
	}

	if cancelled {
		if err := s.postCancel(); err != nil {
			s.logger.WithError(err).Error("post-cancel recovery failed")
		}
		if err := s.postPlot(); err != nil {
			s.logger.WithError(err).Error("post-plot shutdown failed")
		}
		s.finish(EventCancelled)
		return
	}

	if err := s.postPlot(); err != nil {
		s.logger.WithError(err).Error("post-plot shutdown failed")
		s.m.PlotsFailed.Inc(nil)
		s.finish(EventCancelled)
		return
	}
	s.m.PlotDuration.Observe(nil, time.Since(start).Seconds())
	s.finish(EventFinished)
}

// prePlot enables the motors and raises the pen to its starting height.
func (s *Supervisor) prePlot(hasPen bool, penUpPos int) error {
	if err := s.drv.EnableMotors(); err != nil {
		return err
	}
	if hasPen {
		return s.drv.SetPenPos(penUpPos, penSettleDuration, 0)
	}
	return nil
}

// executeMotions runs the plan motions in order, yielding to pause at
// pen-up boundaries and to cancel at every motion boundary. It returns
// whether the plot was cancelled.
func (s *Supervisor) executeMotions(plan *motion.Plan) (bool, error) {
	for i, m := range plan.Motions {
		if s.waitIfPaused() {
			return true, nil
		}
		s.m.PlotProgress.Set(nil, float64(i))
		s.bus.Publish(Event{C: EventProgress, P: map[string]int{"motionIdx": i}})

		if err := s.drv.ExecuteMotion(m); err != nil {
			return false, err
		}

		if pm, isPen := m.(motion.PenMotion); isPen {
			s.mu.Lock()
			s.penIsUp = pm.IsLift()
			s.mu.Unlock()
		}

		s.mu.Lock()
		cancelled := s.cancelRequested
		if cancelled {
			s.state = Cancelling
			s.m.PlotState.Set(nil, float64(Cancelling))
		}
		s.mu.Unlock()
		if cancelled {
			return true, nil
		}
	}
	return false, nil
}

// waitIfPaused blocks at a pen-up boundary while a pause is in effect.
// It returns true if a cancel arrived during the pause.
func (s *Supervisor) waitIfPaused() bool {
	s.mu.Lock()
	unpause := s.unpause
	penIsUp := s.penIsUp
	if unpause == nil || !penIsUp {
		cancelled := s.cancelRequested
		s.mu.Unlock()
		return cancelled
	}
	s.state = Paused
	s.mu.Unlock()

	s.m.PlotState.Set(nil, float64(Paused))
	s.bus.Publish(Event{C: EventPause, P: map[string]bool{"paused": true}})
	s.logger.Info("paused at pen-up boundary")

	<-unpause

	s.mu.Lock()
	cancelled := s.cancelRequested
	if !cancelled {
		s.state = Plotting
	}
	s.mu.Unlock()
	if cancelled {
		return true
	}
	s.m.PlotState.Set(nil, float64(Plotting))
	s.bus.Publish(Event{C: EventPause, P: map[string]bool{"paused": false}})
	s.logger.Info("resumed")
	return false
}

// postCancel recovers from an interrupted plot: raise the pen if it is
// down, then send the carriage home. These steps are cancel-immune.
func (s *Supervisor) postCancel() error {
	s.mu.Lock()
	penIsUp := s.penIsUp
	penUpPos := s.penUpPos
	s.mu.Unlock()

	if !penIsUp {
		if err := s.drv.SetPenPos(penUpPos, penSettleDuration, 0); err != nil {
			return err
		}
		s.mu.Lock()
		s.penIsUp = true
		s.mu.Unlock()
	}
	return s.drv.Home(homeRate)
}

// postPlot waits for the EBB to drain its queue and releases the
// motors.
func (s *Supervisor) postPlot() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := s.drv.WaitIdle(ctx); err != nil {
		return err
	}
	return s.drv.MotorsOff()
}

// finish publishes the terminal event and returns to Idle.
func (s *Supervisor) finish(event string) {
	s.mu.Lock()
	jobID := s.jobID
	s.state = Idle
	s.plan = nil
	s.jobID = ""
	s.unpause = nil
	s.cancelRequested = false
	s.mu.Unlock()

	s.m.PlotState.Set(nil, float64(Idle))
	s.bus.Publish(Event{C: event, P: map[string]string{"jobId": jobID}})
	s.logger.Info("plot %s: %s", jobID, event)
}
