// Package tcpe implements a USB Type-C Power Delivery sink policy engine.
// The engine is cooperative: Step, IRQOccurred and Tick each perform a
// single unit of work and return immediately, so the caller owns the
// scheduling loop (bare metal main loop, a goroutine with a ticker,
// whatever fits the host program).
package tcpe

import (
	"errors"
	"time"

	typec "github.com/Ralim/usb-pd"
	"github.com/Ralim/usb-pd/pdmsg"
	"github.com/Ralim/usb-pd/phy"
	"github.com/Ralim/usb-pd/transport"
)

// Controller is the subset of the PHY driver the policy engine depends on.
// phy.FUSB302 satisfies it; tests substitute a fake.
type Controller interface {
	Setup() error
	Reset() error
	SendMessage(pdmsg.Message) error
	RxPending() bool
	ReadMessage() (pdmsg.Message, error)
	SendHardReset() error
	GetTypeCCurrent() (phy.TypeCCurrent, error)
	IsVBUSConnected() (bool, error)
	Alert() (typec.Notification, error)
}

// CapabilityEvaluator chooses an SPR request object from a source's
// advertised fixed/PPS capabilities.
type CapabilityEvaluator interface {
	// EvaluateCapabilities must return pdmsg.EmptyRequestDO if none of the
	// PDOs are acceptable. Must return quickly; it is called synchronously
	// from Step.
	EvaluateCapabilities(pdos []pdmsg.PDO) pdmsg.RequestDO
}

// CapabilityEvaluatorFunc adapts a function to a CapabilityEvaluator.
type CapabilityEvaluatorFunc func([]pdmsg.PDO) pdmsg.RequestDO

// EvaluateCapabilities implements CapabilityEvaluator.
func (f CapabilityEvaluatorFunc) EvaluateCapabilities(pdos []pdmsg.PDO) pdmsg.RequestDO {
	return f(pdos)
}

// EPRCapabilityEvaluator chooses whether to request EPR mode entry and,
// once negotiating in EPR, evaluates a reassembled EPR_Source_Capabilities
// message.
type EPRCapabilityEvaluator interface {
	// WantsEPR is asked once a source advertises EPR Mode Capable on its
	// first fixed PDO. Returning false keeps the session in SPR mode.
	WantsEPR(sprPDOs []pdmsg.PDO) bool

	// EvaluateEPRCapabilities mirrors CapabilityEvaluator but runs against
	// the reassembled set of EPR PDOs (SPR PDOs plus any EPR AVS PDOs).
	EvaluateEPRCapabilities(pdos []pdmsg.PDO) pdmsg.RequestDO
}

// SinkCapabilityBuilder fills in this device's own Sink_Capabilities PDOs
// when a source asks for them with Get_Sink_Cap.
type SinkCapabilityBuilder interface {
	BuildSinkCapabilities(isPD3 bool) []pdmsg.PDO
}

// EventHandler receives high level lifecycle notifications.
type EventHandler interface {
	HandleEvent(Event)
}

// EventHandlerFunc adapts a function to an EventHandler.
type EventHandlerFunc func(Event)

// HandleEvent implements EventHandler.
func (f EventHandlerFunc) HandleEvent(e Event) { f(e) }

// Event is a high level policy engine lifecycle notification, distinct from
// the low level typec.Notification bitset used internally.
type Event string

const (
	EventAccepted      Event = "accepted"
	EventRejected      Event = "rejected"
	EventPowerNotReady Event = "power_not_ready"
	EventPowerReady    Event = "power_ready"
	EventEPREntered    Event = "epr_entered"
	EventEPRExited     Event = "epr_exited"
)

// ErrNoController is returned by New if pc is nil.
var ErrNoController = errors.New("tcpe: controller must not be nil")

var defaultRDO pdmsg.RequestDO

func init() {
	defaultRDO.SetSelectedObjectPosition(1)
	defaultRDO.SetFixedOperatingCurrent(100)
	defaultRDO.SetFixedMaxOperatingCurrent(100)
}

// maxDeadline is used as a sentinel "never expires" deadline, matching the
// 0xFFFFFFFF infinite-timeout sentinel the original firmware parks on while
// waiting for a GoodCRC with no overall deadline.
var maxDeadline = time.Unix(1<<63-62135596801, 999999999)

// Engine implements the sink policy engine. Step, IRQOccurred and Tick must
// not be called concurrently or re-entrantly; all three are expected to be
// driven from the same cooperative loop.
type Engine struct {
	pc    Controller
	clock transport.Clock

	headerTemplate pdmsg.Message
	txMsgID        uint8
	lastRxID       uint8

	hardResetCounter uint8

	explicitContract   bool
	isEPR              bool
	sourceIsEPRCapable bool
	unconstrainedPower bool
	ppsTimerEnabled    bool

	ppsLastEventTS       time.Time
	eprLastEventTS       time.Time
	negotiationStartedTS time.Time

	sourceCapMsg pdmsg.Message
	pdoBuf       [pdmsg.MaxDataObjects]pdmsg.PDO
	requestDO    pdmsg.RequestDO
	waitingOnSource bool

	recentEPRCapabilities pdmsg.ExtendedMessage
	eprChunksReceived     uint8
	eprCapBuf             [pdmsg.MaxExtendedDataBytes]byte
	eprCapCount           uint8
	deviceMaxEPRWattage   uint8

	pendingEvents typec.Notification

	cur     *state
	entered bool

	waitMask     typec.Notification
	waitDeadline time.Time
	postWait     *state
	pureDelay    bool

	v5PDO pdmsg.FixedSupplyPDO

	callbacks struct {
		capEvaluator    CapabilityEvaluator
		eprCapEvaluator EPRCapabilityEvaluator
		sinkCapBuilder  SinkCapabilityBuilder
		eventHandler    EventHandler
	}
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithDeviceMaxEPRWattage sets the PDP this device will advertise when
// requesting EPR mode entry. Leaving it at zero (the default) disables EPR
// negotiation entirely: the engine never sets REQUEST_EPR regardless of
// what an EPRCapabilityEvaluator returns.
func WithDeviceMaxEPRWattage(w uint8) Option {
	return func(e *Engine) { e.deviceMaxEPRWattage = w }
}

// New returns a new Engine driving pc. clock provides the time source for
// timers; pass transport.SystemClock{} outside of tests.
func New(pc Controller, clock transport.Clock, opts ...Option) (*Engine, error) {
	if pc == nil {
		return nil, ErrNoController
	}
	hdr := pdmsg.Message{}
	hdr.SetPowerRole(pdmsg.PowerRoleSink)
	hdr.SetDataRole(pdmsg.DataRoleUFP)
	hdr.SetExtended(false)

	v5 := pdmsg.NewFixedSupplyPDO()
	v5.SetVoltage(5000)

	e := &Engine{
		pc:             pc,
		clock:          clock,
		headerTemplate: hdr,
		v5PDO:          v5,
		cur:            stateSinkStartup,
		entered:        true,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// SetCapabilityEvaluator sets the SPR capability evaluator. With a nil
// evaluator every source capability evaluates to pdmsg.EmptyRequestDO, and
// the engine then requests the first PDO at 100mA.
func (e *Engine) SetCapabilityEvaluator(ce CapabilityEvaluator) { e.callbacks.capEvaluator = ce }

// SetEPRCapabilityEvaluator sets the EPR capability evaluator. Leaving it
// nil keeps the engine in SPR mode even against EPR-capable sources.
func (e *Engine) SetEPRCapabilityEvaluator(ce EPRCapabilityEvaluator) {
	e.callbacks.eprCapEvaluator = ce
}

// SetSinkCapabilityBuilder sets the callback used to answer Get_Sink_Cap.
func (e *Engine) SetSinkCapabilityBuilder(b SinkCapabilityBuilder) { e.callbacks.sinkCapBuilder = b }

// SetEventHandler sets the lifecycle event sink. Pass nil to remove it.
func (e *Engine) SetEventHandler(h EventHandler) { e.callbacks.eventHandler = h }

// HasExplicitContract reports whether the last capability negotiation
// produced an explicit (non-default) contract.
func (e *Engine) HasExplicitContract() bool { return e.explicitContract }

// PDHasNegotiated is an alias for HasExplicitContract, matching the naming
// used elsewhere in the policy engine's design notes.
func (e *Engine) PDHasNegotiated() bool { return e.explicitContract }

// PDIsEPR reports whether the current contract, if any, was negotiated in
// EPR mode.
func (e *Engine) PDIsEPR() bool { return e.isEPR }

// SourceHasUnconstrainedPower reports whether the source's first fixed PDO
// advertised Unconstrained Power (mains-powered, as opposed to a battery
// pack that may want to limit draw).
func (e *Engine) SourceHasUnconstrainedPower() bool { return e.unconstrainedPower }

// SetupCompleteOrTimedOut reports whether negotiation has completed, or
// whether timeout has elapsed since negotiation started, whichever first.
func (e *Engine) SetupCompleteOrTimedOut(timeout time.Duration) bool {
	if e.explicitContract {
		return true
	}
	return e.clock.Now().Sub(e.negotiationStartedTS) > timeout
}

// Renegotiate asks the engine to re-evaluate the current source
// capabilities from Ready, as if NEW_POWER had been requested by the DPM.
func (e *Engine) Renegotiate() { e.pendingEvents |= typec.NotificationNewPower }

// RequestSourceCapabilities asks the engine to send Get_Source_Cap the next
// time it is in Ready.
func (e *Engine) RequestSourceCapabilities() {
	e.pendingEvents |= typec.NotificationGetSourceCap
}

// RequestEPREntry asks the engine to attempt EPR mode entry the next time
// it is in Ready, if the source advertised EPR capability.
func (e *Engine) RequestEPREntry() {
	if e.deviceMaxEPRWattage == 0 || !e.sourceIsEPRCapable {
		return
	}
	e.pendingEvents |= typec.NotificationRequestEPR
}

// IRQOccurred must be called whenever the PHY's interrupt line fires (or
// periodically, if polling). It drains the PHY's Alert and merges the
// resulting notifications into the pending set for the next Step.
func (e *Engine) IRQOccurred() error {
	n, err := e.pc.Alert()
	e.pendingEvents |= n
	return err
}

// Tick must be called periodically (a few times a second is plenty) so PPS
// re-request and EPR keep-alive timers can fire even while otherwise idle
// in Ready.
func (e *Engine) Tick(now time.Time) {
	if e.ppsTimerEnabled && now.Sub(e.ppsLastEventTS) > timerPPSRequest {
		e.pendingEvents |= typec.NotificationPPSRequest
		e.ppsLastEventTS = now
	}
	if e.isEPR && now.Sub(e.eprLastEventTS) > timerEPRKeepAlive {
		e.pendingEvents |= typec.NotificationEPRKeepAlive
		e.eprLastEventTS = now
	}
}

func (e *Engine) notify(ev Event) {
	if e.callbacks.eventHandler != nil {
		e.callbacks.eventHandler.HandleEvent(ev)
	}
}

func (e *Engine) evalCaps(pdos []pdmsg.PDO) pdmsg.RequestDO {
	if e.callbacks.capEvaluator == nil {
		return pdmsg.EmptyRequestDO
	}
	return e.callbacks.capEvaluator.EvaluateCapabilities(pdos)
}

// Step runs one dispatch of the current state and reports whether it made
// progress (changed state or was the initial entry into one). Callers
// should keep calling Step back-to-back while it returns true, then wait
// for the next notification, timer tick, or received message before
// calling it again.
func (e *Engine) Step() (bool, error) {
	wasEntered := e.entered
	e.entered = false
	delaying := e.pureDelay

	next, err := e.cur.run(e, wasEntered)
	if err != nil {
		next = stateSinkHardReset
	}
	if next == nil {
		return wasEntered, nil
	}
	// Resuming from a waitForEvent park hands control back to the waiting
	// state's message handling, so it is not a fresh entry. A finished
	// waitDelay enters its post state afresh.
	resumed := e.cur == stateWaitingEvent && next == e.postWait && !delaying
	e.cur = next
	e.entered = !resumed
	return true, nil
}

// tx sends m, stamping it with the current MessageID. The counter only
// advances once the transmit actually succeeds (phy.SendMessage blocks
// until the matching GoodCRC arrives or the attempt is abandoned), matching
// the spec's requirement that tx_msg_id tracks acknowledged sends, not
// attempted ones.
//
// A zero-object Soft_Reset is a special case: it always resets the counter
// to 0 and is sent without bumping it afterwards, mirroring the original
// firmware's pe_start_message_tx, which short-circuits the normal
// increment/ack-wait path for Soft_Reset.
func (e *Engine) tx(m pdmsg.Message) error {
	if !m.IsData() && m.Type() == pdmsg.TypeSoftReset && m.DataObjectCount() == 0 {
		e.txMsgID = 0
		m.SetID(0)
		return e.pc.SendMessage(m)
	}
	m.SetID(e.txMsgID)
	if err := e.pc.SendMessage(m); err != nil {
		return err
	}
	e.txMsgID = (e.txMsgID + 1) % 8
	return nil
}

// rx pops one message, discarding immediate ID duplicates (a retransmit the
// port partner sent before it saw our GoodCRC).
func (e *Engine) rx() (pdmsg.Message, bool, error) {
	if !e.pc.RxPending() {
		return pdmsg.Message{}, false, nil
	}
	m, err := e.pc.ReadMessage()
	if err != nil {
		return pdmsg.Message{}, false, err
	}
	if m.ID() == e.lastRxID {
		return pdmsg.Message{}, false, nil
	}
	e.lastRxID = m.ID()
	return m, true, nil
}

// waitForEvent parks the engine in stateWaitingEvent until one of the bits
// in mask is pending, then resumes post with entered=false. If timeout
// elapses first, runWaitingEvent goes to SendSoftReset (or Startup, see
// timeoutIsStartup) instead. A timeout <= 0 never expires.
func (e *Engine) waitForEvent(post *state, mask typec.Notification, timeout time.Duration) *state {
	e.postWait = post
	e.waitMask = mask
	e.pureDelay = false
	if timeout <= 0 {
		e.waitDeadline = maxDeadline
	} else {
		e.waitDeadline = e.clock.Now().Add(timeout)
	}
	return stateWaitingEvent
}

// waitDelay parks the engine in stateWaitingEvent for a fixed duration with
// no wakeup mask, then unconditionally dispatches to post once it elapses.
// Unlike waitForEvent, timing out here is the success path, not a protocol
// failure, so it does not fall back to Startup/SendSoftReset.
func (e *Engine) waitDelay(post *state, d time.Duration) *state {
	e.postWait = post
	e.waitMask = typec.NotificationNone
	e.pureDelay = true
	if d <= 0 {
		e.waitDeadline = maxDeadline
	} else {
		e.waitDeadline = e.clock.Now().Add(d)
	}
	return stateWaitingEvent
}

func (e *Engine) ppsNegotiated() bool {
	p := e.requestDO.SelectedObjectPosition()
	return p > 0 && pdmsg.PDO(e.sourceCapMsg.Data[p-1]).Type() == pdmsg.PDOTypePPS
}

func (e *Engine) sendRDO(rdo pdmsg.RequestDO) error {
	m := e.headerTemplate
	m.SetType(pdmsg.TypeRequest)
	m.SetDataObjectCount(1)
	m.Data[0] = uint32(rdo)
	return e.tx(m)
}

// state is a single named handler in the tagged-variant state machine. run
// is called once per Step; entered is true only on the first call after a
// transition into this state, and false when the state is resumed from a
// waitForEvent park.
type state struct {
	name string
	run  func(e *Engine, entered bool) (*state, error)
}

// Timing constants, in the units the PD spec expresses them.
const (
	timerSinkWaitCap        = 310 * time.Millisecond
	timerSenderResponse     = 25 * time.Millisecond
	timerPSTransition       = 500 * time.Millisecond
	timerSinkRequest        = 100 * time.Millisecond
	timerPDDebounce         = 15 * time.Millisecond
	timerChunkingNotSupported = 42 * time.Millisecond
	timerPPSRequest         = 1000 * time.Millisecond
	timerEPRKeepAlive       = 200 * time.Millisecond
	timerEPRModeEntry       = 500 * time.Millisecond

	// hardResetMax bounds the hard reset counter: once more than
	// hardResetMax hard resets have been sent without reaching Ready, the
	// engine gives up and parks in SourceUnresponsive.
	hardResetMax = 2
)
