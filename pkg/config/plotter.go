// Typed host configuration
//
// Maps the config file sections onto the device, tooling and server
// settings the host runs with. Every section and option is optional;
// the defaults describe a stock AxiDraw V3 with a fiber-tip pen.
//
// Copyright (C) 2026  AxiDraw Go Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"axidraw-go/pkg/device"
)

// HostConfig is the fully resolved host configuration.
type HostConfig struct {
	// Hardware is the plotter variant.
	Hardware device.Hardware

	// Device holds the resolved kinematic constants.
	Device device.Device

	// Tooling holds the resolved motion limits and pen settings.
	Tooling device.ToolingProfile

	// Port is an explicit serial device path; empty means autodetect.
	Port string

	// MicrostepMode is the EM microstepping mode, 1 (16x) through 5 (1x).
	MicrostepMode int

	// ListenAddr is the HTTP server bind address.
	ListenAddr string
}

// DefaultHostConfig returns the stock configuration.
func DefaultHostConfig() HostConfig {
	d := device.ForHardware(device.HardwareV3)
	return HostConfig{
		Hardware:      device.HardwareV3,
		Device:        d,
		Tooling:       device.DefaultTooling(d),
		MicrostepMode: 1,
		ListenAddr:    "127.0.0.1:9080",
	}
}

// LoadHostConfig resolves a parsed config file into a HostConfig and
// reports unused options so typos do not pass silently.
func LoadHostConfig(cfg *Config) (HostConfig, error) {
	hc := DefaultHostConfig()

	if sec := cfg.GetSectionOptional("device"); sec != nil {
		name, err := sec.GetChoice("hardware", []string{"v3", "brushless"}, hc.Hardware.String())
		if err != nil {
			return hc, err
		}
		hw, err := device.ParseHardware(name)
		if err != nil {
			return hc, err
		}
		hc.Hardware = hw
		hc.Device = device.ForHardware(hw)

		stepsMin := 0.001
		steps, err := sec.GetFloatWithBounds("steps_per_mm",
			FloatBounds{MinVal: &stepsMin}, hc.Device.StepsPerMM)
		if err != nil {
			return hc, err
		}
		hc.Device.StepsPerMM = steps

		modeMin, modeMax := 1, 5
		mode, err := sec.GetIntWithBounds("microstep_mode", &modeMin, &modeMax, hc.MicrostepMode)
		if err != nil {
			return hc, err
		}
		hc.MicrostepMode = mode

		port, err := sec.Get("port", "")
		if err != nil {
			return hc, err
		}
		hc.Port = port
	}

	// The tooling profile depends on the resolved device, so it is
	// rebuilt before pen and motion overrides apply.
	hc.Tooling = device.DefaultTooling(hc.Device)

	if sec := cfg.GetSectionOptional("pen"); sec != nil {
		pctMin, pctMax := 0.0, 100.0
		bounds := FloatBounds{MinVal: &pctMin, MaxVal: &pctMax}
		upPct, err := sec.GetFloatWithBounds("up_percent", bounds, device.DefaultPenUpPct)
		if err != nil {
			return hc, err
		}
		downPct, err := sec.GetFloatWithBounds("down_percent", bounds, device.DefaultPenDownPct)
		if err != nil {
			return hc, err
		}
		hc.Tooling = hc.Tooling.WithPenHeights(hc.Device, upPct, downPct)

		durMin := 0.0
		durBounds := FloatBounds{MinVal: &durMin}
		lift, err := sec.GetFloatWithBounds("lift_duration", durBounds, hc.Tooling.PenLiftDuration)
		if err != nil {
			return hc, err
		}
		drop, err := sec.GetFloatWithBounds("drop_duration", durBounds, hc.Tooling.PenDropDuration)
		if err != nil {
			return hc, err
		}
		hc.Tooling.PenLiftDuration = lift
		hc.Tooling.PenDropDuration = drop
	}

	var err error
	hc.Tooling.PenUpProfile, err = loadProfile(cfg, "travel", hc.Device, hc.Tooling.PenUpProfile)
	if err != nil {
		return hc, err
	}
	hc.Tooling.PenDownProfile, err = loadProfile(cfg, "draw", hc.Device, hc.Tooling.PenDownProfile)
	if err != nil {
		return hc, err
	}

	if sec := cfg.GetSectionOptional("server"); sec != nil {
		addr, err := sec.Get("listen", hc.ListenAddr)
		if err != nil {
			return hc, err
		}
		hc.ListenAddr = addr
	}

	if err := cfg.CheckUnusedOptions(); err != nil {
		return hc, err
	}
	return hc, nil
}

// loadProfile applies one motion-limit section. File values are in
// millimetre units; the stored profile is in step units.
func loadProfile(cfg *Config, section string, d device.Device, prof device.AccelProfile) (device.AccelProfile, error) {
	sec := cfg.GetSectionOptional(section)
	if sec == nil {
		return prof, nil
	}
	posMin := 1e-9
	pos := FloatBounds{MinVal: &posMin}
	zero := 0.0
	nonNeg := FloatBounds{MinVal: &zero}

	accel, err := sec.GetFloatWithBounds("acceleration", pos, prof.Acceleration/d.StepsPerMM)
	if err != nil {
		return prof, err
	}
	vmax, err := sec.GetFloatWithBounds("max_velocity", pos, prof.MaxVelocity/d.StepsPerMM)
	if err != nil {
		return prof, err
	}
	corner, err := sec.GetFloatWithBounds("cornering_factor", nonNeg, prof.CorneringFactor/d.StepsPerMM)
	if err != nil {
		return prof, err
	}
	return device.AccelProfile{
		Acceleration:    accel * d.StepsPerMM,
		MaxVelocity:     vmax * d.StepsPerMM,
		CorneringFactor: corner * d.StepsPerMM,
	}, nil
}
