// Package transport defines the bus and clock collaborators the PHY driver
// needs from its host environment, kept separate from the driver itself so
// the driver has no direct dependency on any particular I2C stack.
package transport

import "time"

// Bus is the register-level I2C contract the PHY driver is built against. It
// is a generalization of a single combined write-then-read transfer into the
// two primitives register-based chips are actually programmed with.
type Bus interface {
	// ReadRegister reads len(buf) bytes starting at register reg on the
	// device at addr into buf.
	ReadRegister(addr, reg uint8, buf []byte) error

	// WriteRegister writes data to register reg on the device at addr.
	WriteRegister(addr, reg uint8, data []byte) error
}

// Clock abstracts time so the PHY driver's poll loops and timeouts can be
// exercised deterministically in tests.
type Clock interface {
	Now() time.Time
	Delay(d time.Duration)
}

// SystemClock is a Clock backed by the real wall clock and time.Sleep.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Delay sleeps for d.
func (SystemClock) Delay(d time.Duration) { time.Sleep(d) }
