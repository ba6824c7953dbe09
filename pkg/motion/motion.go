// Package motion defines the executable motion primitives a plan is made
// of: constant-acceleration XY blocks, timed pen lifts and drops, and the
// Plan container that sequences them.
//
// Copyright (C) 2026  AxiDraw Go Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import (
	"math"
	"sort"

	"axidraw-go/pkg/errors"
	"axidraw-go/pkg/geom"
)

// EpsilonT is the tolerance for time comparisons in seconds.
const EpsilonT = 1e-9

// EpsilonV is the tolerance for velocity comparisons in steps/s.
const EpsilonV = 1e-9

// Block is one constant-acceleration segment of an XY motion. The block
// starts at P1 with velocity VInitial and accelerates at Accel for
// Duration seconds along the straight line to P2.
type Block struct {
	// Accel is the signed acceleration in distance units per second
	// squared. Negative values decelerate.
	Accel float64 `json:"accel"`

	// Duration is the block time in seconds. Never negative.
	Duration float64 `json:"duration"`

	// VInitial is the entry velocity in distance units per second.
	VInitial float64 `json:"vInitial"`

	// P1 and P2 are the start and end points.
	P1 geom.Vec2 `json:"p1"`
	P2 geom.Vec2 `json:"p2"`
}

// NewBlock validates and constructs a constant-acceleration block.
// The entry velocity must be non-negative and the implied exit velocity
// must not be meaningfully negative: a block never reverses direction.
func NewBlock(accel, duration, vInitial float64, p1, p2 geom.Vec2) (Block, error) {
	if vInitial < 0 {
		return Block{}, errors.PlannerAssertionError("block entry velocity is negative")
	}
	if duration < 0 {
		return Block{}, errors.PlannerAssertionError("block duration is negative")
	}
	vFinal := vInitial + accel*duration
	if vFinal < -EpsilonV {
		return Block{}, errors.PlannerAssertionError("block exit velocity is negative")
	}
	return Block{Accel: accel, Duration: duration, VInitial: vInitial, P1: p1, P2: p2}, nil
}

// VFinal returns the exit velocity of the block. Small negative values
// from float rounding clamp to zero.
func (b Block) VFinal() float64 {
	v := b.VInitial + b.Accel*b.Duration
	if v < 0 {
		return 0
	}
	return v
}

// Distance returns the path length covered by the block.
func (b Block) Distance() float64 {
	return b.P1.Dist(b.P2)
}

// Instant is a sampled state of an XY motion: position, cumulative path
// distance, velocity and acceleration at time T.
type Instant struct {
	T float64   `json:"t"`
	P geom.Vec2 `json:"p"`
	S float64   `json:"s"`
	V float64   `json:"v"`
	A float64   `json:"a"`
}

// XYMotion is a sequence of constant-acceleration blocks forming one
// continuous pen-up or pen-down stroke. Prefix sums of block durations
// and distances are precomputed so sampling is a binary search.
type XYMotion struct {
	Blocks []Block

	// ts[i] is the start time of block i; ts[len(Blocks)] is the total
	// duration. ss is the same for cumulative distance.
	ts []float64
	ss []float64
}

// NewXYMotion builds an XY motion from its blocks and precomputes the
// time and distance prefix sums.
func NewXYMotion(blocks []Block) *XYMotion {
	m := &XYMotion{Blocks: blocks}
	m.index()
	return m
}

func (m *XYMotion) index() {
	m.ts = make([]float64, len(m.Blocks)+1)
	m.ss = make([]float64, len(m.Blocks)+1)
	for i, b := range m.Blocks {
		m.ts[i+1] = m.ts[i] + b.Duration
		m.ss[i+1] = m.ss[i] + b.Distance()
	}
}

// Duration returns the total motion time in seconds.
func (m *XYMotion) Duration() float64 {
	if m.ts == nil {
		m.index()
	}
	return m.ts[len(m.ts)-1]
}

// Distance returns the total path length.
func (m *XYMotion) Distance() float64 {
	if m.ss == nil {
		m.index()
	}
	return m.ss[len(m.ss)-1]
}

// P1 returns the motion start point.
func (m *XYMotion) P1() geom.Vec2 {
	if len(m.Blocks) == 0 {
		return geom.Vec2{}
	}
	return m.Blocks[0].P1
}

// P2 returns the motion end point.
func (m *XYMotion) P2() geom.Vec2 {
	if len(m.Blocks) == 0 {
		return geom.Vec2{}
	}
	return m.Blocks[len(m.Blocks)-1].P2
}

// Instant samples the motion at time t. Times are clamped to
// [0, Duration]; a time on a block boundary samples the later block.
func (m *XYMotion) Instant(t float64) Instant {
	if m.ts == nil {
		m.index()
	}
	if len(m.Blocks) == 0 {
		return Instant{T: 0}
	}
	total := m.ts[len(m.ts)-1]
	if t < 0 {
		t = 0
	}
	if t > total {
		t = total
	}

	// Find the block containing t: the last i with ts[i] <= t.
	i := sort.SearchFloat64s(m.ts, t)
	if i == len(m.ts) || m.ts[i] > t {
		i--
	}
	if i >= len(m.Blocks) {
		i = len(m.Blocks) - 1
	}

	b := m.Blocks[i]
	dt := t - m.ts[i]
	v := b.VInitial + b.Accel*dt
	ds := b.VInitial*dt + 0.5*b.Accel*dt*dt

	dist := b.Distance()
	p := b.P1
	if dist > 0 {
		p = b.P1.Lerp(b.P2, ds/dist)
	}
	return Instant{T: t, P: p, S: m.ss[i] + ds, V: v, A: b.Accel}
}

// PenMotion is a timed servo move between two pen positions. The pen is
// lifting when FinalPos is greater than InitialPos.
type PenMotion struct {
	InitialPos int     `json:"initialPos"`
	FinalPos   int     `json:"finalPos"`
	Duration   float64 `json:"duration"`
}

// IsLift reports whether the motion raises the pen.
func (m PenMotion) IsLift() bool {
	return m.FinalPos > m.InitialPos
}

// Motion is one step of a plan: either an *XYMotion or a PenMotion.
// Drivers dispatch on the concrete type.
type Motion interface {
	// MotionDuration returns the wall time the motion takes in seconds.
	MotionDuration() float64
}

// MotionDuration implements Motion.
func (m *XYMotion) MotionDuration() float64 { return m.Duration() }

// MotionDuration implements Motion.
func (m PenMotion) MotionDuration() float64 { return m.Duration }

// Plan is an ordered sequence of motions. A well-formed plan alternates
// XY travel and draw strokes with pen motions between them and ends with
// a pen-up travel back to the start point.
type Plan struct {
	Motions []Motion
}

// Duration returns the total plan time in seconds.
func (p *Plan) Duration() float64 {
	var total float64
	for _, m := range p.Motions {
		total += m.MotionDuration()
	}
	return total
}

// Distance returns the total XY path length of the plan, drawing and
// travel combined.
func (p *Plan) Distance() float64 {
	var total float64
	for _, m := range p.Motions {
		if xy, ok := m.(*XYMotion); ok {
			total += xy.Distance()
		}
	}
	return total
}

// DrawDistance returns the pen-down path length of the plan. XY motions
// alternate travel and draw starting with travel, with pen motions
// between them.
func (p *Plan) DrawDistance() float64 {
	var total float64
	penDown := false
	for _, m := range p.Motions {
		switch mm := m.(type) {
		case PenMotion:
			penDown = !mm.IsLift()
		case *XYMotion:
			if penDown {
				total += mm.Distance()
			}
		}
	}
	return total
}

// WithPenHeights returns a copy of the plan with every pen motion
// retargeted to the given up and down servo positions. The first pen
// motion in a plan is a drop, and drops and lifts alternate.
func (p *Plan) WithPenHeights(upPos, downPos int) *Plan {
	out := &Plan{Motions: make([]Motion, len(p.Motions))}
	penUp := true
	for i, m := range p.Motions {
		switch mm := m.(type) {
		case PenMotion:
			if penUp {
				out.Motions[i] = PenMotion{InitialPos: upPos, FinalPos: downPos, Duration: mm.Duration}
			} else {
				out.Motions[i] = PenMotion{InitialPos: downPos, FinalPos: upPos, Duration: mm.Duration}
			}
			penUp = !penUp
		default:
			out.Motions[i] = m
		}
	}
	return out
}

// Validate checks the structural invariants a plan must satisfy before
// execution: continuous XY positions across motions, non-negative block
// entry velocities and non-negative block durations.
func (p *Plan) Validate() error {
	var pos *geom.Vec2
	for _, m := range p.Motions {
		xy, ok := m.(*XYMotion)
		if !ok {
			continue
		}
		for _, b := range xy.Blocks {
			if b.VInitial < 0 {
				return errors.InvalidPlanError("block entry velocity is negative")
			}
			if b.Duration < 0 {
				return errors.InvalidPlanError("block duration is negative")
			}
		}
		if pos != nil && pos.Dist(xy.P1()) > 1e-6 {
			return errors.InvalidPlanError("discontinuous position between motions")
		}
		end := xy.P2()
		pos = &end
	}
	return nil
}

// TriangularPeak returns the peak velocity of a triangular profile that
// covers distance d from and to rest at acceleration a.
func TriangularPeak(a, d float64) float64 {
	return math.Sqrt(a * d)
}
