//go:build darwin

package serial

import "golang.org/x/sys/unix"

// Darwin spells the termios ioctls TIOCGETA/TIOCSETA and carries 64-bit
// speed fields.
const (
	ioctlGetTermios = unix.TIOCGETA
	ioctlSetTermios = unix.TIOCSETA
	ioctlTCFlush    = unix.TIOCFLUSH
)

func setSpeed(t *unix.Termios, speed uint32) {
	t.Ispeed = uint64(speed)
	t.Ospeed = uint64(speed)
}
