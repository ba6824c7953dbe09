package serial

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
)

// The EBB enumerates as a Microchip CDC device with the EiBotBoard
// product string.
const (
	ebbVID     = "04D8"
	ebbPID     = "FD92"
	ebbProduct = "EiBotBoard"
)

// ErrNoEBB is returned when no EBB is attached.
var ErrNoEBB = errors.New("serial: no EBB found")

// portLister is swapped out by tests.
var portLister = enumerator.GetDetailedPortsList

// matchesEBB reports whether one enumerated port looks like an EBB.
func matchesEBB(p *enumerator.PortDetails) bool {
	if !p.IsUSB {
		return false
	}
	if strings.EqualFold(p.VID, ebbVID) && strings.EqualFold(p.PID, ebbPID) {
		return true
	}
	return strings.Contains(p.Product, ebbProduct)
}

// FindEBB enumerates USB serial ports and returns the device path of
// the first attached EBB.
func FindEBB() (string, error) {
	ports, err := portLister()
	if err != nil {
		return "", fmt.Errorf("serial: enumerate ports: %w", err)
	}
	for _, p := range ports {
		if matchesEBB(p) {
			return p.Name, nil
		}
	}
	return "", ErrNoEBB
}

// WaitForEBB polls the USB bus until an EBB appears or the timeout
// elapses. A zero timeout checks exactly once.
func WaitForEBB(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		path, err := FindEBB()
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, ErrNoEBB) {
			return "", err
		}
		if !time.Now().Before(deadline) {
			return "", ErrNoEBB
		}
		time.Sleep(500 * time.Millisecond)
	}
}
