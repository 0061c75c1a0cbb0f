package pdmsg

import "testing"

func TestExtendedMessageHeaderFields(t *testing.T) {
	var m ExtendedMessage
	m.SetType(TypeEPRSourceCap)
	m.SetID(4)
	m.SetChunked(true)
	m.SetChunkNumber(3)
	m.SetDataSize(140)

	if !m.IsExtended() {
		t.Fatal("expected IsExtended true")
	}
	if got := m.Type(); got != TypeEPRSourceCap {
		t.Fatalf("Type() = %v, want TypeEPRSourceCap", got)
	}
	if got := m.ID(); got != 4 {
		t.Fatalf("ID() = %d, want 4", got)
	}
	if !m.Chunked() {
		t.Fatal("expected Chunked true")
	}
	if got := m.ChunkNumber(); got != 3 {
		t.Fatalf("ChunkNumber() = %d, want 3", got)
	}
	if got := m.DataSize(); got != 140 {
		t.Fatalf("DataSize() = %d, want 140", got)
	}
	if m.RequestChunk() {
		t.Fatal("expected RequestChunk false by default")
	}
}

func TestBuildRequestChunkMessage(t *testing.T) {
	m := BuildRequestChunkMessage(2, 1)
	if !m.RequestChunk() {
		t.Fatal("expected RequestChunk true")
	}
	if got := m.ChunkNumber(); got != 1 {
		t.Fatalf("ChunkNumber() = %d, want 1", got)
	}
	if got := m.ID(); got != 2 {
		t.Fatalf("ID() = %d, want 2", got)
	}
}

func TestExtendedMessageToBytes(t *testing.T) {
	var m ExtendedMessage
	m.SetType(TypeEPRSourceCap)
	m.SetDataSize(10)
	m.Data[0] = 0xaa
	m.Data[1] = 0xbb
	var b [MaxExtendedMessageBytes]byte
	n := m.ToBytes(b[:])
	if n != 4+ChunkPayloadBytes {
		t.Fatalf("ToBytes length = %d, want %d", n, 4+ChunkPayloadBytes)
	}
	if b[4] != 0xaa || b[5] != 0xbb {
		t.Fatalf("payload not copied correctly: %x", b[4:6])
	}
}

func TestPDOTypeEPRAVS(t *testing.T) {
	// EPR AVS PDOs encode type bits 0b11 (top) with subtype bits 0b01
	// (bits 28-29), matching PDOTypeEPRAVS's composed value.
	o := PDO(0b11) << 30
	o |= PDO(0b01) << 28
	if got := o.Type(); got != PDOTypeEPRAVS {
		t.Fatalf("Type() = %v, want PDOTypeEPRAVS", got)
	}
}
