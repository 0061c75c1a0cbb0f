package tcpe

import (
	typec "github.com/Ralim/usb-pd"
	"github.com/Ralim/usb-pd/pdmsg"
	"github.com/Ralim/usb-pd/phy"
)

// The state variables below form the tagged-variant state machine. Each one
// is initialized in init() to avoid import-cycle-style ordering problems
// between package level variables that reference each other.
var (
	stateNoPD                     *state
	stateSinkStartup              *state
	stateSinkDiscovery            *state
	stateSinkWaitForCapabilities  *state
	stateSinkEvaluateCapabilities *state
	stateSinkSelectCapabilities   *state
	stateSinkTransitionSink       *state
	stateSinkReady                *state
	stateSinkGetSourceCap         *state
	stateSinkGiveSinkCap          *state
	stateSinkSendNotSupported     *state
	stateSinkSendSoftReset        *state
	stateSinkSendSoftResetResp    *state
	stateSinkHardReset            *state
	stateSinkChunkReceived        *state
	stateSourceUnresponsive       *state
	stateWaitingEvent             *state

	stateSinkEPREvaluateCapabilities *state
	stateSinkRequestEPR              *state
	stateSinkWaitEPRModeEntry        *state
	stateSinkSendEPRKeepAlive        *state
	stateSinkWaitEPRKeepAliveAck     *state
	stateSinkWaitEPRChunk            *state
	stateSinkHandleEPRChunk          *state
)

// timeoutIsStartup marks which states, when parked in stateWaitingEvent,
// should fall back to a fresh Startup rather than a Soft_Reset on timeout.
// This mirrors the range check the original firmware performs against the
// post-wait state before deciding how to recover from a stalled exchange.
var timeoutIsStartup = map[*state]bool{}

func init() {
	stateNoPD = &state{name: "no-pd", run: runNoPD}
	stateSinkStartup = &state{name: "sink-startup", run: runSinkStartup}
	stateSinkDiscovery = &state{name: "sink-discovery", run: runSinkDiscovery}
	stateSinkWaitForCapabilities = &state{name: "sink-wait-for-cap", run: runSinkWaitForCapabilities}
	stateSinkEvaluateCapabilities = &state{name: "sink-eval-cap", run: runSinkEvaluateCapabilities}
	stateSinkSelectCapabilities = &state{name: "sink-select-cap", run: runSinkSelectCapabilities}
	stateSinkTransitionSink = &state{name: "sink-transition-sink", run: runSinkTransitionSink}
	stateSinkReady = &state{name: "sink-ready", run: runSinkReady}
	stateSinkGetSourceCap = &state{name: "sink-get-source-cap", run: runSinkGetSourceCap}
	stateSinkGiveSinkCap = &state{name: "sink-give-sink-cap", run: runSinkGiveSinkCap}
	stateSinkSendNotSupported = &state{name: "sink-send-not-supported", run: runSinkSendNotSupported}
	stateSinkSendSoftReset = &state{name: "sink-send-soft-reset", run: runSinkSendSoftReset}
	stateSinkSendSoftResetResp = &state{name: "sink-send-soft-reset-resp", run: runSinkSendSoftResetResp}
	stateSinkHardReset = &state{name: "sink-hard-reset", run: runSinkHardReset}
	stateSinkChunkReceived = &state{name: "sink-chunk-received", run: runSinkChunkReceived}
	stateSourceUnresponsive = &state{name: "source-unresponsive", run: runSourceUnresponsive}
	stateWaitingEvent = &state{name: "waiting-event", run: runWaitingEvent}

	stateSinkEPREvaluateCapabilities = &state{name: "sink-epr-eval-cap", run: runSinkEPREvaluateCapabilities}
	stateSinkRequestEPR = &state{name: "sink-request-epr", run: runSinkRequestEPR}
	stateSinkWaitEPRModeEntry = &state{name: "sink-wait-epr-mode-entry", run: runSinkWaitEPRModeEntry}
	stateSinkSendEPRKeepAlive = &state{name: "sink-send-epr-keep-alive", run: runSinkSendEPRKeepAlive}
	stateSinkWaitEPRKeepAliveAck = &state{name: "sink-wait-epr-keep-alive-ack", run: runSinkWaitEPRKeepAliveAck}
	stateSinkWaitEPRChunk = &state{name: "sink-wait-epr-chunk", run: runSinkWaitEPRChunk}
	stateSinkHandleEPRChunk = &state{name: "sink-handle-epr-chunk", run: runSinkHandleEPRChunk}

	timeoutIsStartup[stateSinkSendSoftResetResp] = true
	timeoutIsStartup[stateSinkHardReset] = true
}

// runNoPD handles non-PD power sources by synthesizing a single 5V fixed
// PDO from observed host current and asking the DPM to accept or reject it,
// exactly once.
func runNoPD(e *Engine, entered bool) (*state, error) {
	if !entered {
		return nil, nil
	}
	e.pdoBuf[0] = pdmsg.PDO(e.v5PDO)
	rdo := e.evalCaps(e.pdoBuf[:1])
	if rdo == pdmsg.EmptyRequestDO {
		e.notify(EventPowerNotReady)
	} else {
		e.requestDO = rdo
		e.notify(EventAccepted)
		e.notify(EventPowerReady)
	}
	return nil, nil
}

func runSinkStartup(e *Engine, entered bool) (*state, error) {
	if !entered {
		return nil, nil
	}
	e.txMsgID = 0
	e.lastRxID = 8 // impossible message ID, so the first real message is never treated as a dup
	e.explicitContract = false
	e.isEPR = false
	e.ppsTimerEnabled = false
	e.negotiationStartedTS = e.clock.Now()
	e.notify(EventPowerNotReady)
	if err := e.pc.Setup(); err != nil {
		return nil, err
	}
	return stateSinkDiscovery, nil
}

func runSinkDiscovery(e *Engine, entered bool) (*state, error) {
	connected, err := e.pc.IsVBUSConnected()
	if err != nil {
		return nil, err
	}
	if !connected {
		return nil, nil
	}
	if cur, err := e.pc.GetTypeCCurrent(); err == nil {
		switch cur {
		case phy.TypeCCurrentDefault:
			e.v5PDO.SetMaxCurrent(500)
		case phy.TypeCCurrent1A5:
			e.v5PDO.SetMaxCurrent(1500)
		case phy.TypeCCurrent3A0:
			e.v5PDO.SetMaxCurrent(3000)
		}
	}
	return stateSinkWaitForCapabilities, nil
}

func runSinkWaitForCapabilities(e *Engine, entered bool) (*state, error) {
	if entered {
		e.sourceCapMsg = pdmsg.Message{}
		return e.waitForEvent(stateSinkWaitForCapabilities, typec.NotificationMsgRx, timerSinkWaitCap), nil
	}
	m, ok, err := e.rx()
	if err != nil {
		return nil, err
	}
	if !ok {
		if e.v5PDO.MaxCurrent() > 0 {
			return stateNoPD, nil
		}
		return stateSinkHardReset, nil
	}
	if m.IsData() && m.Type() == pdmsg.TypeSourceCap {
		e.sourceCapMsg = m
		if r := m.Revision(); r < pdmsg.Revision30 {
			e.headerTemplate.SetRevision(r)
		} else {
			e.headerTemplate.SetRevision(pdmsg.Revision30)
		}
		return stateSinkEvaluateCapabilities, nil
	}
	return e.waitForEvent(stateSinkWaitForCapabilities, typec.NotificationMsgRx, timerSinkWaitCap), nil
}

func runSinkEvaluateCapabilities(e *Engine, entered bool) (*state, error) {
	l := e.sourceCapMsg.DataObjectCount()
	for i, d := range e.sourceCapMsg.Data[:l] {
		e.pdoBuf[i] = pdmsg.PDO(d)
	}
	first := pdmsg.FixedSupplyPDO(e.sourceCapMsg.Data[0])
	e.sourceIsEPRCapable = first.EPRModeCapable()
	e.unconstrainedPower = first.UnconstrainedPower()

	if e.deviceMaxEPRWattage > 0 && e.sourceIsEPRCapable && e.callbacks.eprCapEvaluator != nil &&
		e.callbacks.eprCapEvaluator.WantsEPR(e.pdoBuf[:l]) {
		return stateSinkRequestEPR, nil
	}

	e.requestDO = e.evalCaps(e.pdoBuf[:l])
	return stateSinkSelectCapabilities, nil
}

func runSinkSelectCapabilities(e *Engine, entered bool) (*state, error) {
	if entered {
		rdo := e.requestDO
		if rdo == pdmsg.EmptyRequestDO {
			rdo = defaultRDO
		}
		if err := e.sendRDO(rdo); err != nil {
			return nil, err
		}
		return e.waitForEvent(stateSinkSelectCapabilities, typec.NotificationMsgRx, timerSenderResponse), nil
	}
	m, ok, err := e.rx()
	if err != nil {
		return nil, err
	}
	if !ok {
		return stateSinkHardReset, nil
	}
	if m.IsData() {
		return e.waitForEvent(stateSinkSelectCapabilities, typec.NotificationMsgRx, timerSenderResponse), nil
	}
	switch m.Type() {
	case pdmsg.TypeAccept:
		e.notify(EventAccepted)
		e.waitingOnSource = false
		e.explicitContract = true
		return stateSinkTransitionSink, nil
	case pdmsg.TypeReject:
		e.notify(EventRejected)
		if e.explicitContract {
			return stateSinkReady, nil
		}
		return stateSinkWaitForCapabilities, nil
	case pdmsg.TypeWait:
		e.waitingOnSource = true
		if e.explicitContract {
			return stateSinkReady, nil
		}
		return stateSinkWaitForCapabilities, nil
	case pdmsg.TypeSoftReset:
		return stateSinkSendSoftResetResp, nil
	}
	return e.waitForEvent(stateSinkSelectCapabilities, typec.NotificationMsgRx, timerSenderResponse), nil
}

func runSinkTransitionSink(e *Engine, entered bool) (*state, error) {
	if entered {
		return e.waitForEvent(stateSinkTransitionSink, typec.NotificationMsgRx, timerPSTransition), nil
	}
	m, ok, err := e.rx()
	if err != nil {
		return nil, err
	}
	if !ok {
		return stateSinkHardReset, nil
	}
	if !m.IsData() && m.Type() == pdmsg.TypePSReady {
		e.hardResetCounter = 0
		if e.isEPR {
			e.notify(EventEPREntered)
		}
		return stateSinkReady, nil
	}
	return e.waitForEvent(stateSinkTransitionSink, typec.NotificationMsgRx, timerPSTransition), nil
}

// runSinkReady implements the Ready dispatch priority order: internal
// wakeups first (PPS re-request, over-temperature, DPM-triggered requests),
// then a classification switch over the next received message.
func runSinkReady(e *Engine, entered bool) (*state, error) {
	if entered {
		if e.requestDO != pdmsg.EmptyRequestDO {
			e.notify(EventPowerReady)
		}
		if e.waitingOnSource {
			return e.waitForEvent(stateSinkReady, readyWaitMask, timerSinkRequest), nil
		}
		if e.ppsNegotiated() {
			e.ppsTimerEnabled = true
			e.ppsLastEventTS = e.clock.Now()
		}
		return e.waitForEvent(stateSinkReady, readyWaitMask, 0), nil
	}

	switch {
	case e.pendingEvents&typec.NotificationPPSRequest != 0:
		e.pendingEvents &^= typec.NotificationPPSRequest
		return stateSinkSelectCapabilities, nil
	case e.pendingEvents&typec.NotificationOverTemp != 0:
		e.pendingEvents &^= typec.NotificationOverTemp
		return stateSinkHardReset, nil
	case e.pendingEvents&typec.NotificationGetSourceCap != 0:
		e.pendingEvents &^= typec.NotificationGetSourceCap
		return stateSinkGetSourceCap, nil
	case e.pendingEvents&typec.NotificationNewPower != 0:
		e.pendingEvents &^= typec.NotificationNewPower
		return stateSinkEvaluateCapabilities, nil
	case e.pendingEvents&typec.NotificationRequestEPR != 0:
		e.pendingEvents &^= typec.NotificationRequestEPR
		return stateSinkRequestEPR, nil
	case e.pendingEvents&typec.NotificationEPRKeepAlive != 0:
		e.pendingEvents &^= typec.NotificationEPRKeepAlive
		return stateSinkSendEPRKeepAlive, nil
	}

	m, ok, err := e.rx()
	if err != nil {
		return nil, err
	}
	if !ok {
		return e.waitForEvent(stateSinkReady, readyWaitMask, 0), nil
	}

	if m.IsExtended() {
		return stateSinkChunkReceived, nil
	}

	if m.IsData() {
		switch m.Type() {
		case pdmsg.TypeSourceCap:
			e.sourceCapMsg = m
			return stateSinkEvaluateCapabilities, nil
		case pdmsg.TypeRequest, pdmsg.TypeSinkCap:
			return stateSinkSendNotSupported, nil
		}
		return stateSinkSendNotSupported, nil
	}

	switch m.Type() {
	case pdmsg.TypeGetSourceCap:
		return stateSinkSendNotSupported, nil
	case pdmsg.TypeGetSinkCap:
		return stateSinkGiveSinkCap, nil
	case pdmsg.TypeDRSwap, pdmsg.TypePRSwap, pdmsg.TypeVCONNSwap, pdmsg.TypeGotoMin:
		return stateSinkSendNotSupported, nil
	case pdmsg.TypeSoftReset:
		return stateSinkSendSoftResetResp, nil
	case pdmsg.TypeNotSupported:
		return stateSinkReady, nil
	}
	return stateSinkSendSoftReset, nil
}

// readyWaitMask is the set of notifications that can interrupt an otherwise
// idle Ready state.
const readyWaitMask = typec.NotificationMsgRx | typec.NotificationPPSRequest |
	typec.NotificationOverTemp | typec.NotificationGetSourceCap |
	typec.NotificationNewPower | typec.NotificationRequestEPR |
	typec.NotificationEPRKeepAlive

func runSinkGetSourceCap(e *Engine, entered bool) (*state, error) {
	if entered {
		m := e.headerTemplate
		m.SetType(pdmsg.TypeGetSourceCap)
		m.SetDataObjectCount(0)
		if err := e.tx(m); err != nil {
			return nil, err
		}
		return e.waitForEvent(stateSinkWaitForCapabilities, typec.NotificationMsgRx, timerSinkWaitCap), nil
	}
	return nil, nil
}

func runSinkGiveSinkCap(e *Engine, entered bool) (*state, error) {
	if !entered {
		return stateSinkReady, nil
	}
	var pdos []pdmsg.PDO
	if e.callbacks.sinkCapBuilder != nil {
		pdos = e.callbacks.sinkCapBuilder.BuildSinkCapabilities(e.headerTemplate.Revision() == pdmsg.Revision30)
	}
	m := e.headerTemplate
	m.SetType(pdmsg.TypeSinkCap)
	n := uint8(len(pdos))
	if n > pdmsg.MaxDataObjects {
		n = pdmsg.MaxDataObjects
	}
	m.SetDataObjectCount(n)
	for i := uint8(0); i < n; i++ {
		m.Data[i] = uint32(pdos[i])
	}
	if err := e.tx(m); err != nil {
		return nil, err
	}
	return stateSinkReady, nil
}

func runSinkSendNotSupported(e *Engine, entered bool) (*state, error) {
	if !entered {
		return stateSinkReady, nil
	}
	m := e.headerTemplate
	m.SetType(pdmsg.TypeNotSupported)
	m.SetDataObjectCount(0)
	if err := e.tx(m); err != nil {
		return nil, err
	}
	return stateSinkReady, nil
}

func runSinkSendSoftReset(e *Engine, entered bool) (*state, error) {
	if entered {
		m := e.headerTemplate
		m.SetType(pdmsg.TypeSoftReset)
		m.SetDataObjectCount(0)
		if err := e.tx(m); err != nil {
			return nil, err
		}
		return e.waitForEvent(stateSinkWaitForCapabilities, typec.NotificationMsgRx, timerSenderResponse), nil
	}
	return nil, nil
}

// runSinkSendSoftResetResp responds to a received Soft_Reset. The original
// firmware this is derived from replies with a second Soft_Reset rather
// than the Accept the PD spec requires here; that behavior is preserved
// rather than silently corrected, per the accompanying design notes.
func runSinkSendSoftResetResp(e *Engine, entered bool) (*state, error) {
	if !entered {
		return stateSinkWaitForCapabilities, nil
	}
	m := e.headerTemplate
	m.SetType(pdmsg.TypeSoftReset)
	m.SetDataObjectCount(0)
	if err := e.tx(m); err != nil {
		return nil, err
	}
	return stateSinkWaitForCapabilities, nil
}

// runSinkHardReset sends a hard reset, or gives up into SourceUnresponsive
// once more than hardResetMax consecutive attempts have failed to reach
// Ready (the counter is cleared on PS_RDY in runSinkTransitionSink).
func runSinkHardReset(e *Engine, entered bool) (*state, error) {
	if !entered {
		return nil, nil
	}
	if e.hardResetCounter > hardResetMax {
		return stateSourceUnresponsive, nil
	}
	e.hardResetCounter++
	e.notify(EventPowerNotReady)
	e.explicitContract = false
	if err := e.pc.SendHardReset(); err != nil {
		return nil, err
	}
	return stateSinkStartup, nil
}

// runSourceUnresponsive is a terminal self-loop entered once hard resets
// have repeatedly failed to recover a contract. The host application may
// call Setup on the PHY again to retry from scratch.
func runSourceUnresponsive(e *Engine, entered bool) (*state, error) {
	if !entered {
		return nil, nil
	}
	e.explicitContract = false
	e.notify(EventPowerNotReady)
	return e.waitDelay(stateSourceUnresponsive, timerPDDebounce), nil
}

// runSinkChunkReceived handles a chunked/extended message the sink doesn't
// support outside of an active EPR capability handshake: it waits
// T_CHUNKING_NOT_SUPPORTED before replying, matching the original
// firmware's pe_sink_chunk_received.
func runSinkChunkReceived(e *Engine, entered bool) (*state, error) {
	if !entered {
		return nil, nil
	}
	return e.waitDelay(stateSinkSendNotSupported, timerChunkingNotSupported), nil
}

// runWaitingEvent implements the generic suspension point every other state
// parks in via Engine.waitForEvent: it polls the PHY's RX queue directly
// (rather than only trusting a possibly-stale notification bit) so multiple
// queued messages keep draining without needing another interrupt.
func runWaitingEvent(e *Engine, entered bool) (*state, error) {
	pending := e.pendingEvents
	if e.waitMask&typec.NotificationMsgRx != 0 && e.pc.RxPending() {
		pending |= typec.NotificationMsgRx
	}

	if e.clock.Now().After(e.waitDeadline) {
		if e.pureDelay {
			e.pureDelay = false
			return e.postWait, nil
		}
		if timeoutIsStartup[e.postWait] {
			return stateSinkStartup, nil
		}
		return stateSinkSendSoftReset, nil
	}

	if pending&typec.NotificationReset != 0 {
		e.pendingEvents &^= typec.NotificationReset
		return stateSinkHardReset, nil
	}

	if match := pending & e.waitMask; match != 0 {
		// Only MsgRx is consumed here; other matched bits stay pending for
		// the resumed state (Ready) to dispatch and clear.
		e.pendingEvents &^= match & typec.NotificationMsgRx
		return e.postWait, nil
	}

	return nil, nil
}
