package tcpe

import (
	"errors"
	"testing"
	"time"

	typec "github.com/Ralim/usb-pd"
	"github.com/Ralim/usb-pd/pdmsg"
	"github.com/Ralim/usb-pd/phy"
)

// fakeController is a minimal in-memory stand-in for phy.FUSB302 used to
// drive the policy engine without real hardware.
type fakeController struct {
	vbus    bool
	curType phy.TypeCCurrent

	rxQueue []pdmsg.Message
	txLog   []pdmsg.Message
	rxID    uint8 // MessageID stamped on the next queued message

	alerts []typec.Notification

	hardResets int
	setupCalls int
}

func (f *fakeController) Setup() error { f.setupCalls++; return nil }
func (f *fakeController) Reset() error { return nil }

func (f *fakeController) SendMessage(m pdmsg.Message) error {
	f.txLog = append(f.txLog, m)
	return nil
}

func (f *fakeController) RxPending() bool { return len(f.rxQueue) > 0 }

func (f *fakeController) ReadMessage() (pdmsg.Message, error) {
	if len(f.rxQueue) == 0 {
		return pdmsg.Message{}, errors.New("fakeController: no message queued")
	}
	m := f.rxQueue[0]
	f.rxQueue = f.rxQueue[1:]
	return m, nil
}

func (f *fakeController) SendHardReset() error { f.hardResets++; return nil }

func (f *fakeController) GetTypeCCurrent() (phy.TypeCCurrent, error) { return f.curType, nil }
func (f *fakeController) IsVBUSConnected() (bool, error)             { return f.vbus, nil }

func (f *fakeController) Alert() (typec.Notification, error) {
	if len(f.alerts) == 0 {
		return typec.NotificationNone, nil
	}
	n := f.alerts[0]
	f.alerts = f.alerts[1:]
	return n, nil
}

// queueMsg queues m as the next received message, stamped with a rolling
// MessageID the way a real port partner numbers its messages.
func (f *fakeController) queueMsg(m pdmsg.Message) {
	m.SetID(f.rxID)
	f.rxID = (f.rxID + 1) % 8
	f.rxQueue = append(f.rxQueue, m)
}

// fakeClock lets tests advance time deterministically.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Delay(d time.Duration) { c.now = c.now.Add(d) }

func sourceCapMessage(pdos ...pdmsg.PDO) pdmsg.Message {
	var m pdmsg.Message
	m.SetType(pdmsg.TypeSourceCap)
	m.SetDataObjectCount(uint8(len(pdos)))
	for i, p := range pdos {
		m.Data[i] = uint32(p)
	}
	return m
}

func controlMessage(t pdmsg.Type) pdmsg.Message {
	var m pdmsg.Message
	m.SetType(t)
	m.SetDataObjectCount(0)
	return m
}

func fivevFixedPDO() pdmsg.PDO {
	p := pdmsg.NewFixedSupplyPDO()
	p.SetVoltage(5000)
	p.SetMaxCurrent(3000)
	return pdmsg.PDO(p)
}

// runUntilStable steps the engine until Step stops making progress or n
// steps have elapsed, whichever first.
func runUntilStable(t *testing.T, e *Engine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		progressed, err := e.Step()
		if err != nil {
			t.Fatalf("Step() error = %v", err)
		}
		if !progressed {
			return
		}
	}
}

func TestHappySPRNegotiation(t *testing.T) {
	pc := &fakeController{vbus: true, curType: phy.TypeCCurrent3A0}
	clock := &fakeClock{}
	e, err := New(pc, clock)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var accepted bool
	e.SetCapabilityEvaluator(CapabilityEvaluatorFunc(func(pdos []pdmsg.PDO) pdmsg.RequestDO {
		var rdo pdmsg.RequestDO
		rdo.SetSelectedObjectPosition(1)
		rdo.SetFixedOperatingCurrent(3000)
		rdo.SetFixedMaxOperatingCurrent(3000)
		return rdo
	}))
	e.SetEventHandler(EventHandlerFunc(func(ev Event) {
		if ev == EventAccepted {
			accepted = true
		}
	}))

	// Startup -> Discovery needs at least one Step to call pc.Setup().
	runUntilStable(t, e, 5)
	if pc.setupCalls != 1 {
		t.Fatalf("pc.Setup() called %d times, want 1", pc.setupCalls)
	}

	pc.queueMsg(sourceCapMessage(fivevFixedPDO()))
	runUntilStable(t, e, 10)

	if len(pc.txLog) == 0 || pc.txLog[len(pc.txLog)-1].Type() != pdmsg.TypeRequest {
		t.Fatalf("expected a Request to have been sent, txLog = %+v", pc.txLog)
	}

	pc.queueMsg(controlMessage(pdmsg.TypeAccept))
	runUntilStable(t, e, 10)
	if !accepted {
		t.Fatal("expected EventAccepted to have fired")
	}

	pc.queueMsg(controlMessage(pdmsg.TypePSReady))
	runUntilStable(t, e, 10)

	if !e.HasExplicitContract() {
		t.Fatal("expected an explicit contract after PS_RDY")
	}
	if e.cur != stateWaitingEvent || e.postWait != stateSinkReady {
		t.Fatalf("engine in state %q, want parked in sink-ready", e.cur.name)
	}
}

func TestCapabilityWaitTimeoutTriggersSoftReset(t *testing.T) {
	pc := &fakeController{vbus: true, curType: phy.TypeCCurrentDefault}
	clock := &fakeClock{}
	e, err := New(pc, clock)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	runUntilStable(t, e, 5)
	if e.cur != stateWaitingEvent {
		t.Fatalf("engine in state %q, want to be parked waiting for Source_Capabilities", e.cur.name)
	}

	clock.Delay(2 * time.Second)
	runUntilStable(t, e, 10)

	var sentSoftReset bool
	for _, m := range pc.txLog {
		if !m.IsData() && m.Type() == pdmsg.TypeSoftReset {
			sentSoftReset = true
		}
	}
	if !sentSoftReset {
		t.Fatalf("expected a Soft_Reset to be sent after the capabilities wait timed out, txLog = %+v", pc.txLog)
	}
}

func TestOverTemperatureInReadyTriggersHardReset(t *testing.T) {
	pc := &fakeController{vbus: true, curType: phy.TypeCCurrent1A5}
	clock := &fakeClock{}
	e, err := New(pc, clock)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	e.SetCapabilityEvaluator(CapabilityEvaluatorFunc(func(pdos []pdmsg.PDO) pdmsg.RequestDO {
		var rdo pdmsg.RequestDO
		rdo.SetSelectedObjectPosition(1)
		return rdo
	}))

	runUntilStable(t, e, 5)
	pc.queueMsg(sourceCapMessage(fivevFixedPDO()))
	runUntilStable(t, e, 10)
	pc.queueMsg(controlMessage(pdmsg.TypeAccept))
	runUntilStable(t, e, 10)
	pc.queueMsg(controlMessage(pdmsg.TypePSReady))
	runUntilStable(t, e, 10)

	if e.cur != stateWaitingEvent || e.postWait != stateSinkReady {
		t.Fatalf("engine in state %q, want parked in sink-ready before fault injection", e.cur.name)
	}

	e.pendingEvents |= typec.NotificationOverTemp
	runUntilStable(t, e, 5)

	if pc.hardResets == 0 {
		t.Fatal("expected SendHardReset to have been called after over-temperature")
	}
}

func TestGetSinkCapRepliesWithBuiltPDOs(t *testing.T) {
	pc := &fakeController{vbus: true, curType: phy.TypeCCurrentDefault}
	clock := &fakeClock{}
	e, err := New(pc, clock)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	e.SetCapabilityEvaluator(CapabilityEvaluatorFunc(func(pdos []pdmsg.PDO) pdmsg.RequestDO {
		var rdo pdmsg.RequestDO
		rdo.SetSelectedObjectPosition(1)
		return rdo
	}))
	wantPDO := fivevFixedPDO()
	e.SetSinkCapabilityBuilder(sinkCapBuilderFunc(func(isPD3 bool) []pdmsg.PDO {
		return []pdmsg.PDO{wantPDO}
	}))

	runUntilStable(t, e, 5)
	pc.queueMsg(sourceCapMessage(fivevFixedPDO()))
	runUntilStable(t, e, 10)
	pc.queueMsg(controlMessage(pdmsg.TypeAccept))
	runUntilStable(t, e, 10)
	pc.queueMsg(controlMessage(pdmsg.TypePSReady))
	runUntilStable(t, e, 10)

	pc.queueMsg(controlMessage(pdmsg.TypeGetSinkCap))
	runUntilStable(t, e, 10)

	last := pc.txLog[len(pc.txLog)-1]
	if last.Type() != pdmsg.TypeSinkCap || !last.IsData() {
		t.Fatalf("expected last tx to be Sink_Capabilities, got %+v", last)
	}
	if last.DataObjectCount() != 1 || pdmsg.PDO(last.Data[0]) != wantPDO {
		t.Fatalf("unexpected sink capabilities payload: %+v", last)
	}
}

// sinkCapBuilderFunc adapts a function to a SinkCapabilityBuilder.
type sinkCapBuilderFunc func(isPD3 bool) []pdmsg.PDO

func (f sinkCapBuilderFunc) BuildSinkCapabilities(isPD3 bool) []pdmsg.PDO { return f(isPD3) }
