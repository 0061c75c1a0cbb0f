package tcpe

import (
	typec "github.com/Ralim/usb-pd"
	"github.com/Ralim/usb-pd/pdmsg"
)

// runSinkRequestEPR sends EPR_Mode(Enter) and waits for the source's
// acknowledgement.
func runSinkRequestEPR(e *Engine, entered bool) (*state, error) {
	if entered {
		m := e.headerTemplate
		m.SetType(pdmsg.TypeEPRMode)
		m.SetDataObjectCount(1)
		m.Data[0] = uint32(pdmsg.EPRModeActionEnter) | uint32(e.deviceMaxEPRWattage)<<8
		if err := e.tx(m); err != nil {
			return nil, err
		}
		return e.waitForEvent(stateSinkWaitEPRModeEntry, typec.NotificationMsgRx, timerEPRModeEntry), nil
	}
	return nil, nil
}

func runSinkWaitEPRModeEntry(e *Engine, entered bool) (*state, error) {
	if entered {
		return e.waitForEvent(stateSinkWaitEPRModeEntry, typec.NotificationMsgRx, timerEPRModeEntry), nil
	}
	m, ok, err := e.rx()
	if err != nil {
		return nil, err
	}
	if !ok || !m.IsData() || m.Type() != pdmsg.TypeEPRMode {
		// No new message, or a reply other than EPR_Mode; fall back to SPR
		// capability selection rather than retrying indefinitely. A timeout
		// of this wait is handled by runWaitingEvent, not here.
		e.requestDO = e.evalCaps(e.pdoBuf[:e.sourceCapMsg.DataObjectCount()])
		return stateSinkSelectCapabilities, nil
	}
	action := m.Data[0] & 0xff
	switch action {
	case pdmsg.EPRModeActionEnterAck:
		return e.waitForEvent(stateSinkWaitEPRModeEntry, typec.NotificationMsgRx, timerEPRModeEntry), nil
	case pdmsg.EPRModeActionEnterSucceeded:
		e.eprChunksReceived = 0
		e.recentEPRCapabilities = pdmsg.ExtendedMessage{}
		return stateSinkWaitEPRChunk, nil
	default: // EnterFailed or anything unrecognized: stay in SPR
		e.requestDO = e.evalCaps(e.pdoBuf[:e.sourceCapMsg.DataObjectCount()])
		return stateSinkSelectCapabilities, nil
	}
}

func runSinkWaitEPRChunk(e *Engine, entered bool) (*state, error) {
	if entered {
		return e.waitForEvent(stateSinkWaitEPRChunk, typec.NotificationMsgRx, timerSinkWaitCap), nil
	}
	m, ok, err := e.rx()
	if err != nil {
		return nil, err
	}
	if !ok {
		return stateSinkHardReset, nil
	}
	if !m.IsExtended() {
		return e.waitForEvent(stateSinkWaitEPRChunk, typec.NotificationMsgRx, timerSinkWaitCap), nil
	}
	return stateSinkHandleEPRChunk, extendedFromMessage(&e.recentEPRCapabilities, m)
}

// extendedFromMessage reinterprets the raw data objects of an extended
// message m (as handed back by the normal short-message path) into dst's
// header/extended-header/payload layout.
func extendedFromMessage(dst *pdmsg.ExtendedMessage, m pdmsg.Message) error {
	dst.Header = m.Header
	b := make([]byte, pdmsg.MaxDataObjects*4)
	for i, d := range m.Data {
		b[i*4] = byte(d)
		b[i*4+1] = byte(d >> 8)
		b[i*4+2] = byte(d >> 16)
		b[i*4+3] = byte(d >> 24)
	}
	dst.ExtendedHeader = uint16(b[0]) | uint16(b[1])<<8
	copy(dst.Data[:], b[2:])
	return nil
}

// runSinkHandleEPRChunk copies one chunk's payload into the reassembly
// buffer at the right offset, requests the next chunk if more remain, or
// hands off to capability evaluation once the final chunk has arrived.
func runSinkHandleEPRChunk(e *Engine, entered bool) (*state, error) {
	if !entered {
		return nil, nil
	}
	chunk := e.recentEPRCapabilities
	n := chunk.ChunkNumber()
	offset := int(n) * pdmsg.ChunkPayloadBytes
	total := int(chunk.DataSize())

	// The accumulation buffer in Engine only ever holds the most recently
	// received chunk's header; a real reassembly buffer large enough for
	// the full Source_Capabilities EPR payload is kept on Engine instead.
	end := offset + pdmsg.ChunkPayloadBytes
	if end > len(e.eprCapBuf) {
		end = len(e.eprCapBuf)
	}
	if offset < end {
		copy(e.eprCapBuf[offset:end], chunk.Data[:end-offset])
	}
	e.eprChunksReceived++

	if offset+pdmsg.ChunkPayloadBytes < total {
		req := pdmsg.BuildRequestChunkMessage(e.txMsgID, n+1)
		m := e.headerTemplate
		m.SetExtended(true)
		m.SetType(req.Type())
		m.SetDataObjectCount(1)
		m.Data[0] = uint32(req.ExtendedHeader)
		if err := e.tx(m); err != nil {
			return nil, err
		}
		return e.waitForEvent(stateSinkWaitEPRChunk, typec.NotificationMsgRx, timerSinkWaitCap), nil
	}

	l := total / 4
	if l > pdmsg.MaxDataObjects {
		l = pdmsg.MaxDataObjects
	}
	for i := 0; i < l; i++ {
		s := i * 4
		e.pdoBuf[i] = pdmsg.PDO(uint32(e.eprCapBuf[s]) | uint32(e.eprCapBuf[s+1])<<8 |
			uint32(e.eprCapBuf[s+2])<<16 | uint32(e.eprCapBuf[s+3])<<24)
	}
	e.eprCapCount = uint8(l)
	return stateSinkEPREvaluateCapabilities, nil
}

func runSinkEPREvaluateCapabilities(e *Engine, entered bool) (*state, error) {
	if !entered {
		return nil, nil
	}
	e.isEPR = true
	if e.callbacks.eprCapEvaluator != nil {
		e.requestDO = e.callbacks.eprCapEvaluator.EvaluateEPRCapabilities(e.pdoBuf[:e.eprCapCount])
	} else {
		e.requestDO = pdmsg.EmptyRequestDO
	}
	for i := uint8(0); i < e.eprCapCount; i++ {
		if e.pdoBuf[i].Type() == pdmsg.PDOTypeEPRAVS {
			e.ppsTimerEnabled = true
		}
	}
	return stateSinkSelectCapabilities, nil
}

// runSinkSendEPRKeepAlive sends an Extended_Control(EPR_KeepAlive) and
// waits for the acknowledging Extended_Control(EPR_KeepAlive_Ack).
func runSinkSendEPRKeepAlive(e *Engine, entered bool) (*state, error) {
	if !entered {
		return nil, nil
	}
	m := e.headerTemplate
	m.SetExtended(true)
	m.SetType(pdmsg.TypeExtendedControl)
	m.SetDataObjectCount(1)
	m.Data[0] = pdmsg.ExtendedControlEPRKeepAlive
	if err := e.tx(m); err != nil {
		return nil, err
	}
	return e.waitForEvent(stateSinkWaitEPRKeepAliveAck, typec.NotificationMsgRx, timerSenderResponse), nil
}

func runSinkWaitEPRKeepAliveAck(e *Engine, entered bool) (*state, error) {
	if entered {
		return e.waitForEvent(stateSinkWaitEPRKeepAliveAck, typec.NotificationMsgRx, timerSenderResponse), nil
	}
	m, ok, err := e.rx()
	if err != nil {
		return nil, err
	}
	if !ok {
		// Missed keep-alive ack: drop back to SPR rather than hard reset,
		// matching the original firmware's EPR exit-on-silence behavior.
		e.isEPR = false
		e.notify(EventEPRExited)
		return stateSinkReady, nil
	}
	if !m.IsExtended() || m.Type() != pdmsg.TypeExtendedControl || !m.IsData() ||
		m.Data[0] != pdmsg.ExtendedControlEPRKeepAliveAck {
		// Not the ack we're waiting for; resend the keep-alive instead of
		// treating an unrelated message as acknowledgement.
		return stateSinkSendEPRKeepAlive, nil
	}
	return stateSinkReady, nil
}
