// Package periphi2c adapts a periph.io I2C bus to the transport.Bus
// contract used by the phy package.
package periphi2c

import (
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Bus wraps a periph.io i2c.Bus and implements transport.Bus.
type Bus struct {
	bus i2c.Bus
}

// New returns a Bus backed by b. The caller is responsible for opening and
// closing b (typically via i2creg.Open and its returned io.Closer).
func New(b i2c.Bus) *Bus {
	return &Bus{bus: b}
}

// ReadRegister writes the register address reg to the device at addr and
// reads len(buf) bytes of response into buf, matching the combined
// write-then-read transfer periph.io's i2c.Dev exposes.
func (b *Bus) ReadRegister(addr, reg uint8, buf []byte) error {
	return b.bus.Tx(uint16(addr), []byte{reg}, buf)
}

// WriteRegister writes reg followed by data to the device at addr in a
// single transfer.
func (b *Bus) WriteRegister(addr, reg uint8, data []byte) error {
	w := make([]byte, 1+len(data))
	w[0] = reg
	copy(w[1:], data)
	return b.bus.Tx(uint16(addr), w, nil)
}

// Open initializes the host's periph.io drivers and opens the named I2C bus
// (e.g. "1" for /dev/i2c-1), returning a Bus ready to hand to phy.New. The
// returned io.Closer must be closed by the caller once done with the bus.
func Open(busNumber string) (*Bus, i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, err
	}
	b, err := i2creg.Open(busNumber)
	if err != nil {
		return nil, nil, err
	}
	return New(b), b, nil
}
