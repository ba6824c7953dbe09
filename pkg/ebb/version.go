// Package ebb drives the EiBotBoard motion controller over its
// line-oriented serial protocol: command framing, firmware capability
// gating, sub-step error accumulation and the LM/XM motion paths.
//
// Copyright (C) 2026  AxiDraw Go Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ebb

import (
	"fmt"
	"strconv"
	"strings"

	"axidraw-go/pkg/errors"
)

// Version is an EBB firmware version.
type Version struct {
	Major int
	Minor int
	Patch int
}

// String returns the dotted version string.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// AtLeast reports whether v is the given version or newer.
func (v Version) AtLeast(major, minor, patch int) bool {
	if v.Major != major {
		return v.Major > major
	}
	if v.Minor != minor {
		return v.Minor > minor
	}
	return v.Patch >= patch
}

// SupportsLM reports whether the firmware has the low-level accelerated
// move command. Added in 2.5.3.
func (v Version) SupportsLM() bool {
	return v.AtLeast(2, 5, 3)
}

// SupportsSR reports whether the firmware has the servo power-off
// timeout command. Added in 2.6.0.
func (v Version) SupportsSR() bool {
	return v.AtLeast(2, 6, 0)
}

// ParseVersion extracts the firmware version from a V reply. The reply
// shape varies between firmware builds ("EBBv13_and_above EB Firmware
// Version 2.5.3" or just "2.5.3"); the version is always the last
// whitespace-separated token.
func ParseVersion(reply string) (Version, error) {
	fields := strings.Fields(strings.TrimSpace(reply))
	if len(fields) == 0 {
		return Version{}, errors.ProtocolError("V", reply)
	}
	parts := strings.Split(fields[len(fields)-1], ".")
	if len(parts) != 3 {
		return Version{}, errors.ProtocolError("V", reply)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Version{}, errors.ProtocolError("V", reply)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}
