// Package planner converts polylines into constant-acceleration motion
// plans. Each stroke is planned as a sequence of trapezoidal or
// triangular velocity profiles with corner velocities derived from the
// junction angle, so the pen never exceeds the profile limits and always
// starts and ends a stroke at rest.
//
// All coordinates entering the planner are in device step units and the
// profiles carry step-unit limits. The caller scales millimetre input
// before planning.
//
// Copyright (C) 2026  AxiDraw Go Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package planner

import (
	"math"
	"time"

	"axidraw-go/pkg/device"
	"axidraw-go/pkg/errors"
	"axidraw-go/pkg/geom"
	"axidraw-go/pkg/metrics"
	"axidraw-go/pkg/motion"
)

// epsilon is the distance and velocity tolerance used when deduplicating
// points and comparing against limits.
const epsilon = 1e-9

// segment is one straight piece of a stroke during planning. entry and
// maxEntry velocities are refined in place as the pass walks the stroke.
type segment struct {
	p1, p2    geom.Vec2
	length    float64
	direction geom.Vec2

	maxEntryVelocity float64
	entryVelocity    float64
}

// cornerVelocity returns the highest velocity at which the junction
// between two segments can be taken without exceeding the cornering
// tolerance. A straight-through junction allows full speed; a reversal
// forces a stop.
//
// The model treats the corner as a circular blend whose deviation from
// the true corner is bounded by the profile's cornering factor, the same
// junction-deviation bound used by GRBL-style planners.
func cornerVelocity(s1, s2 *segment, vMax, accel, cornerFactor float64) float64 {
	cosine := -s1.direction.Dot(s2.direction)
	if math.Abs(cosine-1) < epsilon {
		return 0
	}
	sine := math.Sqrt((1 - cosine) / 2)
	if math.Abs(sine-1) < epsilon {
		return vMax
	}
	v := math.Sqrt((accel * cornerFactor * sine) / (1 - sine))
	return math.Min(v, vMax)
}

// dedupe drops consecutive points closer than epsilon so zero-length
// segments never reach the velocity passes.
func dedupe(points []geom.Vec2) []geom.Vec2 {
	out := make([]geom.Vec2, 0, len(points))
	for _, p := range points {
		if len(out) == 0 || out[len(out)-1].Dist(p) > epsilon {
			out = append(out, p)
		}
	}
	return out
}

// PlanStroke plans one polyline as a single XY motion that starts and
// ends at rest. Interior corners are taken at the junction-limited
// velocity; when a segment is too short to decelerate to its exit
// velocity, the pass backtracks and lowers the entry velocities of the
// preceding segments until the profile is feasible.
//
// A zero-length polyline plans to a single zero-duration block so the
// motion still carries a well-defined position.
func PlanStroke(points []geom.Vec2, prof device.AccelProfile) (*motion.XYMotion, error) {
	points = dedupe(points)
	if len(points) == 0 {
		return motion.NewXYMotion(nil), nil
	}
	if len(points) == 1 {
		b, err := motion.NewBlock(0, 0, 0, points[0], points[0])
		if err != nil {
			return nil, err
		}
		return motion.NewXYMotion([]motion.Block{b}), nil
	}

	accel := prof.Acceleration
	vMax := prof.MaxVelocity
	if accel <= 0 || vMax <= 0 {
		return nil, errors.PlannerAssertionError("profile limits must be positive")
	}

	segments := make([]*segment, 0, len(points)-1)
	for i := 0; i+1 < len(points); i++ {
		p1, p2 := points[i], points[i+1]
		segments = append(segments, &segment{
			p1:        p1,
			p2:        p2,
			length:    p1.Dist(p2),
			direction: p2.Sub(p1).Normalized(),
		})
	}

	// Junction limits. The stroke enters the first segment at rest.
	segments[0].maxEntryVelocity = 0
	for i := 1; i < len(segments); i++ {
		segments[i].maxEntryVelocity = cornerVelocity(
			segments[i-1], segments[i], vMax, accel, prof.CorneringFactor)
	}

	var blocks [][]motion.Block
	blocks = make([][]motion.Block, len(segments))

	i := 0
	for i < len(segments) {
		seg := segments[i]
		d := seg.length
		vEntry := math.Min(seg.entryVelocity, seg.maxEntryVelocity)

		vExitMax := 0.0
		if i+1 < len(segments) {
			vExitMax = segments[i+1].maxEntryVelocity
		}

		// Entry too hot to decelerate to the exit cap inside this
		// segment: lower this junction's cap and re-plan the previous
		// segment against it.
		if vEntry*vEntry > vExitMax*vExitMax+2*accel*d+epsilon {
			seg.maxEntryVelocity = math.Sqrt(vExitMax*vExitMax + 2*accel*d)
			if i == 0 {
				return nil, errors.PlannerAssertionError("infeasible entry velocity at stroke start")
			}
			i--
			continue
		}

		vExit := math.Min(vExitMax, math.Sqrt(vEntry*vEntry+2*accel*d))

		bs, err := profileSegment(seg.p1, seg.p2, d, vEntry, vExit, vMax, accel)
		if err != nil {
			return nil, err
		}
		blocks[i] = bs

		if i+1 < len(segments) {
			segments[i+1].entryVelocity = vExit
		}
		i++
	}

	var flat []motion.Block
	for _, bs := range blocks {
		flat = append(flat, bs...)
	}
	return motion.NewXYMotion(flat), nil
}

// profileSegment emits the blocks covering one straight segment with the
// given entry and exit velocities: a full trapezoid when there is room
// to cruise at vMax, otherwise a triangular accelerate-then-decelerate
// profile peaking below vMax.
func profileSegment(p1, p2 geom.Vec2, d, vEntry, vExit, vMax, accel float64) ([]motion.Block, error) {
	upDist := (vMax*vMax - vEntry*vEntry) / (2 * accel)
	downDist := (vMax*vMax - vExit*vExit) / (2 * accel)

	if upDist+downDist <= d {
		cruiseDist := d - upDist - downDist
		var out []motion.Block
		at := p1
		if upDist > epsilon {
			next := p1.Lerp(p2, upDist/d)
			b, err := motion.NewBlock(accel, (vMax-vEntry)/accel, vEntry, at, next)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
			at = next
		}
		if cruiseDist > epsilon {
			next := p1.Lerp(p2, (upDist+cruiseDist)/d)
			b, err := motion.NewBlock(0, cruiseDist/vMax, vMax, at, next)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
			at = next
		}
		if downDist > epsilon {
			b, err := motion.NewBlock(-accel, (vMax-vExit)/accel, vMax, at, p2)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}
		return out, nil
	}

	// Triangular profile. The peak follows from covering d while
	// changing velocity from vEntry up to vPeak and back down to vExit.
	vPeak := math.Sqrt((2*accel*d + vEntry*vEntry + vExit*vExit) / 2)
	if vPeak < vEntry {
		vPeak = vEntry
	}
	if vPeak < vExit {
		vPeak = vExit
	}

	accelDist := (vPeak*vPeak - vEntry*vEntry) / (2 * accel)
	var out []motion.Block
	at := p1
	if vPeak-vEntry > epsilon {
		next := p1.Lerp(p2, accelDist/d)
		b, err := motion.NewBlock(accel, (vPeak-vEntry)/accel, vEntry, at, next)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
		at = next
	}
	if vPeak-vExit > epsilon {
		b, err := motion.NewBlock(-accel, (vPeak-vExit)/accel, vPeak, at, p2)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	} else if len(out) == 0 && d > epsilon {
		// Constant-velocity sliver: entry, peak and exit coincide.
		b, err := motion.NewBlock(0, d/vPeak, vPeak, p1, p2)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Plan converts a list of polylines into a full plot plan. The pen
// starts up at penHome; each path gets a pen-up travel to its first
// point, a pen drop, the drawn stroke, and a pen lift. The plan ends
// with a pen-up travel back to penHome.
func Plan(paths [][]geom.Vec2, prof device.ToolingProfile, penHome geom.Vec2) (*motion.Plan, error) {
	start := time.Now()
	var motions []motion.Motion
	cur := penHome

	for _, path := range paths {
		path = dedupe(path)
		if len(path) == 0 {
			continue
		}

		travel, err := PlanStroke([]geom.Vec2{cur, path[0]}, prof.PenUpProfile)
		if err != nil {
			return nil, err
		}
		draw, err := PlanStroke(path, prof.PenDownProfile)
		if err != nil {
			return nil, err
		}

		motions = append(motions,
			travel,
			motion.PenMotion{InitialPos: prof.PenUpPos, FinalPos: prof.PenDownPos, Duration: prof.PenDropDuration},
			draw,
			motion.PenMotion{InitialPos: prof.PenDownPos, FinalPos: prof.PenUpPos, Duration: prof.PenLiftDuration},
		)
		cur = path[len(path)-1]
	}

	home, err := PlanStroke([]geom.Vec2{cur, penHome}, prof.PenUpProfile)
	if err != nil {
		return nil, err
	}
	motions = append(motions, home)

	plan := &motion.Plan{Motions: motions}
	m := metrics.Plotter()
	m.PlansTotal.Inc(nil)
	m.PlanMotions.Set(nil, float64(len(plan.Motions)))
	m.PlanSeconds.Set(nil, plan.Duration())
	m.PlanningTime.Observe(nil, time.Since(start).Seconds())
	return plan, nil
}

// ScalePaths converts millimetre polylines to device step coordinates.
func ScalePaths(paths [][]geom.Vec2, d device.Device) [][]geom.Vec2 {
	out := make([][]geom.Vec2, len(paths))
	for i, path := range paths {
		out[i] = make([]geom.Vec2, len(path))
		for j, p := range path {
			out[i][j] = p.Mul(d.StepsPerMM)
		}
	}
	return out
}
