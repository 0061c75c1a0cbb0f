package pdmsg

import "testing"

func TestMessageHeaderRoundTrip(t *testing.T) {
	var m Message
	m.SetExtended(true)
	m.SetID(5)
	m.SetDataObjectCount(3)
	m.SetType(TypeRequest)
	m.SetRevision(Revision30)
	m.SetPowerRole(PowerRoleSource)
	m.SetDataRole(DataRoleDFP)

	if !m.IsExtended() {
		t.Fatal("expected extended bit set")
	}
	if got := m.ID(); got != 5 {
		t.Fatalf("ID() = %d, want 5", got)
	}
	if got := m.DataObjectCount(); got != 3 {
		t.Fatalf("DataObjectCount() = %d, want 3", got)
	}
	if got := m.Type(); got != TypeRequest {
		t.Fatalf("Type() = %v, want TypeRequest", got)
	}
	if got := m.Revision(); got != Revision30 {
		t.Fatalf("Revision() = %v, want Revision30", got)
	}
	if got := m.PowerRole(); got != PowerRoleSource {
		t.Fatalf("PowerRole() = %v, want PowerRoleSource", got)
	}
	if got := m.DataRole(); got != DataRoleDFP {
		t.Fatalf("DataRole() = %v, want DataRoleDFP", got)
	}
}

func TestMessageToBytesLength(t *testing.T) {
	var m Message
	m.SetDataObjectCount(2)
	m.Data[0] = 0x11223344
	m.Data[1] = 0x55667788
	var b [MaxMessageBytes]byte
	n := m.ToBytes(b[:])
	if n != 2+2*4 {
		t.Fatalf("ToBytes length = %d, want %d", n, 2+2*4)
	}
	if b[2] != 0x44 || b[5] != 0x11 {
		t.Fatalf("little endian encoding wrong: %x", b[:n])
	}
}

func TestFixedSupplyPDOFields(t *testing.T) {
	p := NewFixedSupplyPDO()
	p.SetVoltage(5000)
	p.SetMaxCurrent(3000)
	p.SetUnconstrainedPower(true)
	p.SetEPRModeCapable(true)

	if got := p.Voltage(); got != 5000 {
		t.Fatalf("Voltage() = %d, want 5000", got)
	}
	if got := p.MaxCurrent(); got != 3000 {
		t.Fatalf("MaxCurrent() = %d, want 3000", got)
	}
	if !p.UnconstrainedPower() {
		t.Fatal("expected UnconstrainedPower true")
	}
	if !p.EPRModeCapable() {
		t.Fatal("expected EPRModeCapable true")
	}
	if PDO(p).Type() != PDOTypeFixedSupply {
		t.Fatalf("Type() = %v, want PDOTypeFixedSupply", PDO(p).Type())
	}
}

func TestPPSPDOFields(t *testing.T) {
	p := NewPPSPDO()
	p.SetMinVoltage(3300)
	p.SetMaxVoltage(11000)
	p.SetMaxCurrent(3000)

	if got := p.MinVoltage(); got != 3300 {
		t.Fatalf("MinVoltage() = %d, want 3300", got)
	}
	if got := p.MaxVoltage(); got != 11000 {
		t.Fatalf("MaxVoltage() = %d, want 11000", got)
	}
	if got := p.MaxCurrent(); got != 3000 {
		t.Fatalf("MaxCurrent() = %d, want 3000", got)
	}
	if p.IsPowerLimited() {
		t.Fatal("expected IsPowerLimited false by default")
	}
	p.SetPowerLimited(true)
	if !p.IsPowerLimited() {
		t.Fatal("expected IsPowerLimited true")
	}
	if PDO(p).Type() != PDOTypePPS {
		t.Fatalf("Type() = %v, want PDOTypePPS", PDO(p).Type())
	}
}

func TestRequestDOFields(t *testing.T) {
	var r RequestDO
	r.SetSelectedObjectPosition(2)
	r.SetCapabilityMismatch(true)
	r.SetFixedOperatingCurrent(1500)
	r.SetFixedMaxOperatingCurrent(3000)

	if got := r.SelectedObjectPosition(); got != 2 {
		t.Fatalf("SelectedObjectPosition() = %d, want 2", got)
	}
	if !r.CapabilityMismatch() {
		t.Fatal("expected CapabilityMismatch true")
	}
	if got := r.FixedOperatingCurrent(); got != 1500 {
		t.Fatalf("FixedOperatingCurrent() = %d, want 1500", got)
	}
	if got := r.FixedMaxOperatingCurrent(); got != 3000 {
		t.Fatalf("FixedMaxOperatingCurrent() = %d, want 3000", got)
	}
}

func TestEPRRequestDOPDP(t *testing.T) {
	var e EPRRequestDO
	e.SetPDP(140)
	if got := e.PDP(); got != 140 {
		t.Fatalf("PDP() = %d, want 140", got)
	}
}
