//go:build linux

package serial

import "golang.org/x/sys/unix"

// Linux spells the termios ioctls TCGETS/TCSETS and carries 32-bit
// speed fields.
const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
	ioctlTCFlush    = unix.TCFLSH
)

func setSpeed(t *unix.Termios, speed uint32) {
	t.Ispeed = speed
	t.Ospeed = speed
}
