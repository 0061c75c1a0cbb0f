// Package phy implements the Protocol/PHY layer driver for the FUSB302
// family of USB-PD transceivers, operated in sink-only mode.
package phy

import (
	"errors"
	"time"

	typec "github.com/Ralim/usb-pd"
	"github.com/Ralim/usb-pd/msgring"
	"github.com/Ralim/usb-pd/pdmsg"
	"github.com/Ralim/usb-pd/transport"
)

// Notification is an alias for the shared notification bitset type, kept
// local to this package so callers reading phy's API don't need to know
// about the root package.
type Notification = typec.Notification

// Notification values reported by Alert.
const (
	NotificationReset        = typec.NotificationReset
	NotificationMsgRx        = typec.NotificationMsgRx
	NotificationTxDone       = typec.NotificationTxDone
	NotificationTxErr        = typec.NotificationTxErr
	NotificationHardSent     = typec.NotificationHardSent
	NotificationOverTemp     = typec.NotificationOverTemp
)

// MPN identifies a specific FUSB302 part number, which determines its I2C
// address.
type MPN uint8

// I2CAddress returns the 7 bit I2C address of the part.
func (m MPN) I2CAddress() uint8 { return uint8(m) }

// Manufacturer part numbers.
const (
	FUSB302BUCX   MPN = 0b0100010
	FUSB302BMPX   MPN = 0b0100010
	FUSB302VMPX   MPN = 0b0100010
	FUSB302B01MPX MPN = 0b0100011
	FUSB302B10MPX MPN = 0b0100100
	FUSB302B11MPX MPN = 0b0100101
)

// rxQueueSize bounds the number of received messages buffered between Alert
// calls and the policy engine draining them via ReadMessage.
const rxQueueSize = 4

// ErrInvalidCCState is returned by Alert if the chip reports CC line
// detection completed without settling on either CC1 or CC2.
var ErrInvalidCCState = errors.New("phy: invalid cc detection state")

// ErrDeviceNotFound is returned by Setup if the device ID register never
// reads back a plausible value.
var ErrDeviceNotFound = errors.New("phy: device not responding")

// Option configures a FUSB302 at construction time.
type Option func(*FUSB302)

// WithHardResetOnWire controls whether SendHardReset actually asserts the
// chip's SEND_HARD_RESET bit. When false (the default) SendHardReset returns
// nil without touching the chip, preserving
// a long standing behavior of the firmware this driver is derived from
// where hard resets were never physically asserted on the wire. Set to true
// to get a hard reset that is actually transmitted.
func WithHardResetOnWire(v bool) Option {
	return func(f *FUSB302) { f.sendHardResetOnWire = v }
}

// FUSB302 drives a single FUSB302 transceiver over a register-based bus.
type FUSB302 struct {
	bus   transport.Bus
	clock transport.Clock
	addr  uint8

	sendHardResetOnWire bool

	intACache byte
	rx        *msgring.Buffer[pdmsg.Message]

	goodCRCSeen bool
	goodCRCID   uint8

	buf [pdmsg.MaxMessageBytes + 10]byte
}

// timerGoodCRCWait bounds how long SendMessage waits for the hardware to
// report a transmit outcome, per spec.md's "GoodCRC wait" timing constant.
const timerGoodCRCWait = 120 * time.Millisecond

// New returns a driver for the device at addr on bus, using clock for
// timeouts and inter-register delays.
func New(bus transport.Bus, clock transport.Clock, mpn MPN, opts ...Option) *FUSB302 {
	f := &FUSB302{
		bus:   bus,
		clock: clock,
		addr:  mpn.I2CAddress(),
		rx:    msgring.New[pdmsg.Message](rxQueueSize),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *FUSB302) writeReg(r uint8, d byte) error {
	f.buf[0] = d
	return f.bus.WriteRegister(f.addr, r, f.buf[:1])
}

func (f *FUSB302) readReg(r uint8) (byte, error) {
	err := f.bus.ReadRegister(f.addr, r, f.buf[:1])
	return f.buf[0], err
}

func (f *FUSB302) writeMany(r uint8, d []byte) error {
	return f.bus.WriteRegister(f.addr, r, d)
}

func (f *FUSB302) readMany(r uint8, d []byte) error {
	return f.bus.ReadRegister(f.addr, r, d)
}

// Setup brings the chip up into sink mode: software reset, device ID poll,
// power-up, fully unmasked interrupts, auto-retransmit enabled, RX FIFO
// flushed, then CC line selection.
func (f *FUSB302) Setup() error {
	if err := f.writeReg(regReset, regResetSWReset); err != nil {
		return err
	}
	f.clock.Delay(10 * time.Millisecond)

	found := false
	for i := 0; i < 6; i++ {
		id, err := f.readReg(regDeviceID)
		if err != nil {
			return err
		}
		if id != 0x00 && id != 0xFF {
			found = true
			break
		}
		f.clock.Delay(10 * time.Millisecond)
	}
	if !found {
		return ErrDeviceNotFound
	}

	if err := f.writeReg(regPower, regPowerPwrAll); err != nil {
		return err
	}
	// Unmask every interrupt source; the driver filters in software.
	if err := f.writeReg(regMask, 0x00); err != nil {
		return err
	}
	if err := f.writeReg(regMaskA, 0x00); err != nil {
		return err
	}
	if err := f.writeReg(regMaskB, 0x00); err != nil {
		return err
	}
	if err := f.writeReg(regControl0, regControl0HostCurMask); err != nil {
		return err
	}
	if err := f.writeReg(regControl3, regControl3AutoRetry); err != nil {
		return err
	}
	if err := f.writeReg(regControl2, 0x00); err != nil {
		return err
	}

	if err := f.flushRx(); err != nil {
		return err
	}

	if err := f.selectCCLine(); err != nil {
		return err
	}

	return f.Reset()
}

func (f *FUSB302) flushRx() error {
	f.rx.Flush()
	return f.writeReg(regControl1, regControl1RxFlush)
}

// Reset flushes both FIFOs and resets the chip's PD logic state machine,
// without touching CC line selection or power configuration.
func (f *FUSB302) Reset() error {
	if err := f.writeReg(regControl0, regControl0HostCurMask|regControl0TxFlush); err != nil {
		return err
	}
	if err := f.writeReg(regControl1, regControl1RxFlush); err != nil {
		return err
	}
	return f.writeReg(regReset, regResetPDReset)
}

// selectCCLine measures BC_LVL on both CC lines and enables TX/RX on
// whichever reads higher, tying in favor of CC2.
func (f *FUSB302) selectCCLine() error {
	if err := f.writeReg(regSwitches0, switches0MeasureCC1); err != nil {
		return err
	}
	f.clock.Delay(10 * time.Millisecond)
	s0, err := f.readReg(regStatus0)
	if err != nil {
		return err
	}
	cc1 := s0 & regStatus0BCLvlMask

	if err := f.writeReg(regSwitches0, switches0MeasureCC2); err != nil {
		return err
	}
	f.clock.Delay(10 * time.Millisecond)
	s0, err = f.readReg(regStatus0)
	if err != nil {
		return err
	}
	cc2 := s0 & regStatus0BCLvlMask

	if cc1 > cc2 {
		if err := f.writeReg(regSwitches1, switches1SelectCC1); err != nil {
			return err
		}
		return f.writeReg(regSwitches0, switches0MeasureCC1)
	}
	if err := f.writeReg(regSwitches1, switches1SelectCC2); err != nil {
		return err
	}
	return f.writeReg(regSwitches0, switches0MeasureCC2)
}

// SendMessage transmits m and blocks until the chip reports either a
// successful, ID-matched GoodCRC or that hardware auto-retries were
// exhausted. A GoodCRC whose MessageID doesn't match the one just sent
// (a stale ack racing a retransmit) is treated as a failed transmit rather
// than a success, matching the original firmware's software-side check in
// its wait-for-GoodCRC state.
func (f *FUSB302) SendMessage(m pdmsg.Message) error {
	if err := f.writeReg(regControl0, regControl0HostCurMask|regControl0TxFlush); err != nil {
		return err
	}

	wantID := m.ID()
	f.goodCRCSeen = false

	buf := make([]byte, 9+pdmsg.MaxMessageBytes)
	copy(buf, []byte{fifoTokenSync1, fifoTokenSync1, fifoTokenSync1, fifoTokenSync2})
	mlen := m.ToBytes(buf[5:])
	buf[4] = fifoTokenPackSym | mlen
	copy(buf[5+mlen:], []byte{fifoTokenJamCRC, fifoTokenEOP, fifoTokenTxOff, fifoTokenTxOn})

	if err := f.writeMany(regFIFOs, buf[:9+mlen]); err != nil {
		return err
	}

	deadline := f.clock.Now().Add(timerGoodCRCWait)
	for f.clock.Now().Before(deadline) {
		r, err := f.readReg(regInterruptA)
		if err != nil {
			return err
		}
		f.intACache |= r
		if r&regInterruptARetryFail != 0 {
			f.intACache &^= regInterruptARetryFail
			return ErrTxFailed
		}
		if err := f.rxFrame(); err != nil && err != ErrRxEmpty {
			return err
		}
		if r&regInterruptATxSuccess != 0 {
			f.intACache &^= regInterruptATxSuccess
			if f.goodCRCSeen && f.goodCRCID == wantID {
				return nil
			}
			return ErrTxFailed
		}
		f.clock.Delay(time.Millisecond)
	}
	return ErrTxFailed
}

// ErrTxFailed is returned by SendMessage when the message could not be
// delivered within the retry/timeout budget.
var ErrTxFailed = typec.ErrTxFailed

// ErrRxEmpty is returned by ReadMessage when no message is queued.
var ErrRxEmpty = typec.ErrRxEmpty

// RxPending reports whether ReadMessage has a message available.
func (f *FUSB302) RxPending() bool {
	return f.rx.Occupied() > 0
}

// ReadMessage returns the oldest queued message, or ErrRxEmpty if none is
// available.
func (f *FUSB302) ReadMessage() (pdmsg.Message, error) {
	m, ok := f.rx.Pop()
	if !ok {
		return pdmsg.Message{}, ErrRxEmpty
	}
	return m, nil
}

// rxFrame drains one frame from the FIFO into the internal queue. It
// replicates a subtlety of the original firmware: even when the leading
// token is not a SOP, the header, payload and CRC bytes for that frame are
// still read off the FIFO unconditionally to avoid wedging it, and the
// frame is then silently dropped instead of being queued. Alert keeps
// calling rxFrame until the FIFO is empty, so from the policy engine's
// point of view a malformed frame is simply never observed rather than
// surfaced as an error.
func (f *FUSB302) rxFrame() error {
	s1, err := f.readReg(regStatus1)
	if err != nil {
		return err
	}
	if s1&regStatus1RxEmpty != 0 {
		return ErrRxEmpty
	}

	buf := make([]byte, pdmsg.MaxMessageBytes+4)
	if err := f.readMany(regFIFOs, buf[:1]); err != nil {
		return err
	}
	isSOP := buf[0]&fifoTokenMask == fifoTokenSOP

	var m pdmsg.Message
	if err := f.readMany(regFIFOs, buf[:2]); err != nil {
		return err
	}
	m.Header = uint16(buf[1])<<8 | uint16(buf[0])
	l := m.DataObjectCount()

	if l > 0 {
		if err := f.readMany(regFIFOs, buf[:l*4+4]); err != nil {
			return err
		}
		for i := uint8(0); i < l; i++ {
			s := i * 4
			m.Data[i] = uint32(buf[s]) | uint32(buf[s+1])<<8 | uint32(buf[s+2])<<16 | uint32(buf[s+3])<<24
		}
	} else {
		if err := f.readMany(regFIFOs, buf[:4]); err != nil {
			return err
		}
	}

	if !isSOP {
		return nil
	}
	if !m.IsData() && m.Type() == pdmsg.TypeGoodCRC {
		// GoodCRC is consumed here rather than queued for the policy
		// engine; its MessageID is cached so SendMessage can verify the
		// acknowledgement actually matches the message it just sent,
		// rather than trusting the hardware's TXSENT bit blindly.
		f.goodCRCSeen = true
		f.goodCRCID = m.ID()
		return nil
	}
	f.rx.Push(m)
	return nil
}

// SendHardReset asserts a hard reset toward the port partner. See
// WithHardResetOnWire.
func (f *FUSB302) SendHardReset() error {
	if !f.sendHardResetOnWire {
		return nil
	}
	r, err := f.readReg(regControl3)
	if err != nil {
		return err
	}
	if err := f.writeReg(regControl3, r|regControl3SendHardReset); err != nil {
		return err
	}
	for i := 0; i < 5; i++ {
		intA, err := f.readReg(regInterruptA)
		if err != nil {
			return err
		}
		f.intACache |= intA
		if intA&regInterruptAHardSent != 0 {
			f.intACache &^= regInterruptAHardSent
			return nil
		}
		f.clock.Delay(time.Millisecond)
	}
	return ErrTxFailed
}

// Status is the 7 status/interrupt registers read as a single burst.
type Status struct {
	Status0A, Status1A   byte
	InterruptA, InterruptB byte
	Status0, Status1     byte
	Interrupt            byte
}

// GetStatus reads the full status/interrupt register block in one
// transfer.
func (f *FUSB302) GetStatus() (Status, error) {
	var regs [7]byte
	if err := f.readMany(regStatus0A, regs[:]); err != nil {
		return Status{}, err
	}
	return Status{
		Status0A:    regs[0],
		Status1A:    regs[1],
		InterruptA:  regs[2],
		InterruptB:  regs[3],
		Status0:     regs[4],
		Status1:     regs[5],
		Interrupt:   regs[6],
	}, nil
}

// TypeCCurrent is the host current a Type-C source is advertising via CC
// line pull-up strength.
type TypeCCurrent uint8

// Advertised current levels.
const (
	TypeCCurrentNone    TypeCCurrent = iota // no/default 0.5A (or not yet detected)
	TypeCCurrentDefault                     // 0.5A default USB current
	TypeCCurrent1A5                         // 1.5A
	TypeCCurrent3A0                         // 3.0A
)

// GetTypeCCurrent returns the host current level currently measured on the
// selected CC line.
func (f *FUSB302) GetTypeCCurrent() (TypeCCurrent, error) {
	s0, err := f.readReg(regStatus0)
	if err != nil {
		return TypeCCurrentNone, err
	}
	switch s0 & regStatus0BCLvlMask {
	case 1:
		return TypeCCurrentDefault, nil
	case 2:
		return TypeCCurrent1A5, nil
	case 3:
		return TypeCCurrent3A0, nil
	default:
		return TypeCCurrentNone, nil
	}
}

// IsVBUSConnected measures VBUS directly via the chip's comparator,
// preserving the surrounding CC measurement state by saving and restoring
// the Measure and Switches0 registers around the one-shot measurement.
func (f *FUSB302) IsVBUSConnected() (bool, error) {
	measureBackup, err := f.readReg(regMeasure)
	if err != nil {
		return false, err
	}
	switches0Backup, err := f.readReg(regSwitches0)
	if err != nil {
		return false, err
	}

	if err := f.writeReg(regSwitches0, switches0Backup&^(switches0MeasCC1|switches0MeasCC2)); err != nil {
		return false, err
	}
	f.clock.Delay(10 * time.Millisecond)

	if err := f.writeReg(regMeasure, regMeasureMeasVBus); err != nil {
		return false, err
	}
	f.clock.Delay(100 * time.Millisecond)

	s0, err := f.readReg(regStatus0)
	if err != nil {
		return false, err
	}
	connected := s0&regStatus0VBusOK != 0

	if err := f.writeReg(regMeasure, measureBackup); err != nil {
		return connected, err
	}
	if err := f.writeReg(regSwitches0, switches0Backup); err != nil {
		return connected, err
	}
	return connected, nil
}

// Alert decodes pending hardware interrupts, queues any received messages
// for ReadMessage, and reports the resulting notifications to the policy
// engine. It must be called after every SendMessage, ReadMessage and
// SendHardReset, in addition to whenever the host interrupt line fires.
func (f *FUSB302) Alert() (Notification, error) {
	st, err := f.GetStatus()
	if err != nil {
		return 0, err
	}
	intA := st.InterruptA | f.intACache
	f.intACache = 0

	var n Notification

	if intA&regInterruptASoftReset != 0 && st.Status0A&regStatus0ARxSoftReset != 0 {
		n |= NotificationReset
	}
	if intA&regInterruptAHardReset != 0 && st.Status0A&regStatus0ARxHardReset != 0 {
		n |= NotificationReset
	}
	if intA&regInterruptATxSuccess != 0 {
		n |= NotificationTxDone
	}
	if intA&regInterruptARetryFail != 0 {
		n |= NotificationTxErr
	}
	if intA&regInterruptAHardSent != 0 {
		n |= NotificationHardSent
	}
	if intA&regInterruptAOCPTemp != 0 && st.Status1&regStatus1OverTemp != 0 {
		n |= NotificationOverTemp
	}

	if intA&regInterruptATogDone != 0 {
		if err := f.finishCCSelection(st.Status1A); err != nil {
			return n, err
		}
	}

	if st.Interrupt&regInterruptCRCChk != 0 {
		for {
			if err := f.rxFrame(); err != nil {
				if err == ErrRxEmpty {
					break
				}
				return n, err
			}
		}
		if f.rx.Occupied() > 0 {
			n |= NotificationMsgRx
		}
	}

	return n, nil
}

func (f *FUSB302) finishCCSelection(status1A byte) error {
	if err := f.writeReg(regControl2, 0x00); err != nil {
		return err
	}
	sel := (status1A >> regStatus1ATogSSPos) & regStatus1ATogSSMask
	switch sel {
	case regStatus1ATogSSSnk1:
		if err := f.writeReg(regSwitches1, switches1SelectCC1); err != nil {
			return err
		}
		return f.writeReg(regSwitches0, switches0MeasureCC1)
	case regStatus1ATogSSSnk2:
		if err := f.writeReg(regSwitches1, switches1SelectCC2); err != nil {
			return err
		}
		return f.writeReg(regSwitches0, switches0MeasureCC2)
	default:
		return ErrInvalidCCState
	}
}

const (
	regDeviceID = 0x01

	regSwitches0 = 0x02
	regSwitches1 = 0x03
	regMeasure   = 0x04

	regControl0 = 0x06
	regControl1 = 0x07
	regControl2 = 0x08
	regControl3 = 0x09

	regMask  = 0x0A
	regPower = 0x0B
	regReset = 0x0C
	regMaskA = 0x0E
	regMaskB = 0x0F

	regStatus0A = 0x3C
	regStatus1A = 0x3D
	regInterruptA = 0x3E
	regInterruptB = 0x3F
	regStatus0    = 0x40
	regStatus1    = 0x41
	regInterrupt  = 0x42
	regFIFOs      = 0x43

	switches0PDWN1      = 1 << 0
	switches0PDWN2      = 1 << 1
	switches0MeasCC1    = 1 << 2
	switches0MeasCC2    = 1 << 3
	switches0MeasureCC1 = switches0PDWN1 | switches0PDWN2 | switches0MeasCC1
	switches0MeasureCC2 = switches0PDWN1 | switches0PDWN2 | switches0MeasCC2

	switches1TxCC1En  = 1 << 0
	switches1TxCC2En  = 1 << 1
	switches1AutoGCRC = 1 << 2
	switches1SpecRev0 = 1 << 5
	switches1SelectCC1 = switches1TxCC1En | switches1AutoGCRC | switches1SpecRev0
	switches1SelectCC2 = switches1TxCC2En | switches1AutoGCRC | switches1SpecRev0

	regMeasureMeasVBus = 1 << 6

	regControl0HostCurMask = 0b00001100
	regControl0TxFlush     = 1 << 6

	regControl1RxFlush = 1 << 2

	regControl3SendHardReset = 1 << 6
	regControl3AutoRetry     = 0b111

	regPowerPwrAll = 0x0F

	regResetSWReset  = 1 << 0
	regResetPDReset  = 1 << 1

	regStatus0ARxSoftReset = 1 << 1
	regStatus0ARxHardReset = 1 << 0

	regStatus1ATogSSSnk1 = 0b101
	regStatus1ATogSSSnk2 = 0b110
	regStatus1ATogSSPos  = 3
	regStatus1ATogSSMask = 0x7

	regInterruptATogDone   = 1 << 6
	regInterruptAOCPTemp   = 1 << 5
	regInterruptARetryFail = 1 << 4
	regInterruptAHardSent  = 1 << 3
	regInterruptATxSuccess = 1 << 2
	regInterruptASoftReset = 1 << 1
	regInterruptAHardReset = 1 << 0

	regStatus0BCLvlMask = 0b11
	regStatus0VBusOK    = 1 << 7

	regStatus1RxEmpty  = 1 << 5
	regStatus1OverTemp = 1 << 2

	regInterruptVBusOK = 1 << 7
	regInterruptCRCChk = 1 << 4

	fifoTokenMask    = 0xE0
	fifoTokenSOP     = 0xE0
	fifoTokenTxOn    = 0xA1
	fifoTokenSync1   = 0x12
	fifoTokenSync2   = 0x13
	fifoTokenPackSym = 0x80
	fifoTokenJamCRC  = 0xFF
	fifoTokenEOP     = 0x14
	fifoTokenTxOff   = 0xFE
)
