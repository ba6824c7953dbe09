// Package device describes the plotter hardware and its tooling profiles:
// step scaling, pen servo range, and the acceleration/velocity limits used
// by the planner for travel and draw moves.
package device

import (
	"fmt"
	"math"
	"strings"
)

// Hardware identifies a supported plotter variant.
type Hardware int

const (
	// HardwareV3 is the AxiDraw V3 with the standard SG90-style pen servo.
	HardwareV3 Hardware = iota

	// HardwareBrushless is the brushless pen-lift upgrade (servo on pin 5).
	HardwareBrushless
)

// String returns the config name of the hardware variant.
func (h Hardware) String() string {
	switch h {
	case HardwareV3:
		return "v3"
	case HardwareBrushless:
		return "brushless"
	default:
		return "unknown"
	}
}

// ParseHardware parses a hardware name from configuration.
func ParseHardware(s string) (Hardware, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "v3":
		return HardwareV3, nil
	case "brushless":
		return HardwareBrushless, nil
	default:
		return 0, fmt.Errorf("unknown hardware %q (expected v3 or brushless)", s)
	}
}

// Device holds the immutable kinematic constants of a plotter.
type Device struct {
	// StepsPerMM converts planner millimetres to motor microsteps.
	StepsPerMM float64

	// PenServoMin is the servo PWM count at pen fully down.
	PenServoMin int

	// PenServoMax is the servo PWM count at pen fully up.
	PenServoMax int

	// PenServoPin is the EBB output pin driving the pen servo.
	PenServoPin int
}

// ForHardware returns the device constants for a hardware variant.
func ForHardware(h Hardware) Device {
	switch h {
	case HardwareBrushless:
		return Device{
			StepsPerMM:  5,
			PenServoMin: 5400,
			PenServoMax: 12600,
			PenServoPin: 5,
		}
	default:
		return Device{
			StepsPerMM:  5,
			PenServoMin: 7500,
			PenServoMax: 28000,
			PenServoPin: 4,
		}
	}
}

// PenPctToPos converts a pen height percentage to a servo position.
// 0% is fully up (PenServoMax), 100% is fully down (PenServoMin).
func (d Device) PenPctToPos(pct float64) int {
	t := pct / 100.0
	return int(math.Round(float64(d.PenServoMax) + (float64(d.PenServoMin)-float64(d.PenServoMax))*t))
}

// AccelProfile limits a class of motion. All values are in device step
// units: steps/s^2, steps/s, and steps for the cornering factor.
type AccelProfile struct {
	Acceleration    float64 `json:"acceleration"`
	MaxVelocity     float64 `json:"maximumVelocity"`
	CorneringFactor float64 `json:"corneringFactor"`
}

// ToolingProfile bundles the motion limits and servo parameters for one
// pen setup.
type ToolingProfile struct {
	// PenDownProfile limits drawing moves.
	PenDownProfile AccelProfile `json:"penDownProfile"`

	// PenUpProfile limits travel moves.
	PenUpProfile AccelProfile `json:"penUpProfile"`

	// PenDownPos and PenUpPos are servo positions.
	PenDownPos int `json:"penDownPos"`
	PenUpPos   int `json:"penUpPos"`

	// PenLiftDuration and PenDropDuration are servo move times in seconds.
	PenLiftDuration float64 `json:"penLiftDuration"`
	PenDropDuration float64 `json:"penDropDuration"`
}

// Default pen heights and timings, in the units the config file uses.
const (
	DefaultPenUpPct   = 50.0
	DefaultPenDownPct = 60.0

	DefaultPenLiftDuration = 0.15
	DefaultPenDropDuration = 0.12
)

// DefaultTooling returns the stock tooling profile for a device. Limits
// follow the conservative defaults for a fiber-tip pen: draw at up to
// 50 mm/s with 0.127 mm cornering tolerance, travel at up to 200 mm/s.
func DefaultTooling(d Device) ToolingProfile {
	return ToolingProfile{
		PenDownProfile: AccelProfile{
			Acceleration:    200 * d.StepsPerMM,
			MaxVelocity:     50 * d.StepsPerMM,
			CorneringFactor: 0.127 * d.StepsPerMM,
		},
		PenUpProfile: AccelProfile{
			Acceleration:    400 * d.StepsPerMM,
			MaxVelocity:     200 * d.StepsPerMM,
			CorneringFactor: 0,
		},
		PenDownPos:      d.PenPctToPos(DefaultPenDownPct),
		PenUpPos:        d.PenPctToPos(DefaultPenUpPct),
		PenLiftDuration: DefaultPenLiftDuration,
		PenDropDuration: DefaultPenDropDuration,
	}
}

// WithPenHeights returns a copy of the profile with new pen heights, given
// as percentages of the servo range.
func (p ToolingProfile) WithPenHeights(d Device, upPct, downPct float64) ToolingProfile {
	p.PenUpPos = d.PenPctToPos(upPct)
	p.PenDownPos = d.PenPctToPos(downPct)
	return p
}
