package tcdpm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Ralim/usb-pd/pdmsg"
)

func ppsPDO(minV, maxV, maxC uint16) pdmsg.PDO {
	p := pdmsg.NewPPSPDO()
	p.SetMinVoltage(minV)
	p.SetMaxVoltage(maxV)
	p.SetMaxCurrent(maxC)
	return pdmsg.PDO(p)
}

func fixedPDO(v, c uint16) pdmsg.PDO {
	p := pdmsg.NewFixedSupplyPDO()
	p.SetVoltage(v)
	p.SetMaxCurrent(c)
	return pdmsg.PDO(p)
}

func TestCCPolicyValidate(t *testing.T) {
	good := CCPolicy{MinVoltage: 3300, MaxVoltage: 11000, MinCurrent: 1000, MaxCurrent: 3000}
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
	bad := CCPolicy{MinVoltage: 3300, MaxVoltage: 11000, MinCurrent: 500, MaxCurrent: 3000}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for sub-1000mA current")
	}
}

func TestCCPolicyEvaluateCapabilitiesPicksHighestVoltageByDefault(t *testing.T) {
	c := CCPolicy{MinVoltage: 3300, MaxVoltage: 20000, MinCurrent: 1000, MaxCurrent: 3000}
	pdos := []pdmsg.PDO{
		fixedPDO(5000, 3000),
		ppsPDO(3300, 11000, 3000),
		ppsPDO(3300, 16000, 2000),
	}
	rdo := c.EvaluateCapabilities(pdos)
	if rdo.SelectedObjectPosition() != 3 {
		t.Fatalf("SelectedObjectPosition() = %d, want 3", rdo.SelectedObjectPosition())
	}
	if rdo.PPSOutputCurrent() != 2000 {
		t.Fatalf("PPSOutputCurrent() = %d, want 2000", rdo.PPSOutputCurrent())
	}
}

func TestCCPolicyEvaluateCapabilitiesNoMatch(t *testing.T) {
	c := CCPolicy{MinVoltage: 3300, MaxVoltage: 5000, MinCurrent: 4000, MaxCurrent: 5000}
	rdo := c.EvaluateCapabilities([]pdmsg.PDO{ppsPDO(3300, 11000, 3000)})
	if rdo != pdmsg.EmptyRequestDO {
		t.Fatalf("EvaluateCapabilities() = %v, want EmptyRequestDO", rdo)
	}
}

func TestCVPolicyPrefersFixedOverPPSByDefault(t *testing.T) {
	c := CVPolicy{MinVoltage: 5000, MaxVoltage: 5000, Current: 2000}
	pdos := []pdmsg.PDO{
		fixedPDO(5000, 3000),
		ppsPDO(3300, 5900, 3000),
	}
	rdo := c.EvaluateCapabilities(pdos)
	if rdo.SelectedObjectPosition() != 1 {
		t.Fatalf("SelectedObjectPosition() = %d, want 1 (fixed)", rdo.SelectedObjectPosition())
	}
}

func TestCVPolicyPreferPPS(t *testing.T) {
	c := CVPolicy{MinVoltage: 5000, MaxVoltage: 5000, Current: 2000, PreferPPS: true}
	pdos := []pdmsg.PDO{
		fixedPDO(5000, 3000),
		ppsPDO(3300, 5900, 3000),
	}
	rdo := c.EvaluateCapabilities(pdos)
	if rdo.SelectedObjectPosition() != 2 {
		t.Fatalf("SelectedObjectPosition() = %d, want 2 (pps)", rdo.SelectedObjectPosition())
	}
}

func TestCPPolicyMatchesFixedByWattage(t *testing.T) {
	c := CPPolicy{MinVoltage: 5000, MaxVoltage: 20000, Power: 15000}
	pdos := []pdmsg.PDO{
		fixedPDO(9000, 2000),
		fixedPDO(5000, 2000),
	}
	rdo := c.EvaluateCapabilities(pdos)
	if rdo.SelectedObjectPosition() != 1 {
		t.Fatalf("SelectedObjectPosition() = %d, want 1", rdo.SelectedObjectPosition())
	}
}

func TestEPRCCPolicyWantsEPROnlyAboveSPRCeiling(t *testing.T) {
	spr := EPRCCPolicy{CCPolicy{MinVoltage: 3300, MaxVoltage: 11000, MinCurrent: 1000, MaxCurrent: 3000}}
	if spr.WantsEPR(nil) {
		t.Fatal("expected WantsEPR false for an SPR-only voltage window")
	}
	epr := EPRCCPolicy{CCPolicy{MinVoltage: 3300, MaxVoltage: 28000, MinCurrent: 1000, MaxCurrent: 3000}}
	if !epr.WantsEPR(nil) {
		t.Fatal("expected WantsEPR true once MaxVoltage exceeds 21000mV")
	}
	rdo := epr.EvaluateEPRCapabilities([]pdmsg.PDO{ppsPDO(3300, 21000, 3000)})
	if rdo.SelectedObjectPosition() != 1 {
		t.Fatalf("EvaluateEPRCapabilities() SelectedObjectPosition() = %d, want 1", rdo.SelectedObjectPosition())
	}
}

func TestDefaultSinkCapabilitiesBuildsSingleFivevPDO(t *testing.T) {
	d := DefaultSinkCapabilities{MaxCurrent: 1500}
	pdos := d.BuildSinkCapabilities(true)
	if len(pdos) != 1 {
		t.Fatalf("len(pdos) = %d, want 1", len(pdos))
	}
	fs := pdmsg.FixedSupplyPDO(pdos[0])
	if fs.Voltage() != 5000 || fs.MaxCurrent() != 1500 {
		t.Fatalf("unexpected PDO: %+v", fs)
	}
}

func TestLoggerWritesDescriptionAndDelegates(t *testing.T) {
	var buf bytes.Buffer
	base := CapabilityEvaluatorFunc(func(pdos []pdmsg.PDO) pdmsg.RequestDO {
		var rdo pdmsg.RequestDO
		rdo.SetSelectedObjectPosition(1)
		return rdo
	})
	l := NewLogger(&buf, "\n", loggerPolicy{base})
	if err := l.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	rdo := l.EvaluateCapabilities([]pdmsg.PDO{fixedPDO(5000, 3000)})
	if rdo.SelectedObjectPosition() != 1 {
		t.Fatalf("SelectedObjectPosition() = %d, want 1", rdo.SelectedObjectPosition())
	}
	if !strings.Contains(buf.String(), "Fixed 5.0V") {
		t.Fatalf("log output missing fixed PDO description: %q", buf.String())
	}
}

// CapabilityEvaluatorFunc adapts a function to the tcpe.CapabilityEvaluator
// interface, mirroring the helper tcpe itself exposes for tests.
type CapabilityEvaluatorFunc func([]pdmsg.PDO) pdmsg.RequestDO

func (f CapabilityEvaluatorFunc) EvaluateCapabilities(pdos []pdmsg.PDO) pdmsg.RequestDO { return f(pdos) }

// loggerPolicy adapts a bare CapabilityEvaluator into a Policy for NewLogger.
type loggerPolicy struct {
	CapabilityEvaluatorFunc
}

func (loggerPolicy) Validate() error { return nil }
