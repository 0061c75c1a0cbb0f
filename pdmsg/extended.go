package pdmsg

const (
	// MaxExtendedDataBytes is the maximum number of data bytes an extended
	// message can carry, matching the 11 data-object payload of an EPR
	// extended message (EPR_Source_Capabilities chunking uses the full width).
	MaxExtendedDataBytes = 44

	// MaxExtendedMessageBytes is the maximum wire size of an extended
	// message: 2 bytes header, 2 bytes extended header, up to 44 data bytes.
	MaxExtendedMessageBytes = 2 + 2 + MaxExtendedDataBytes

	// legacyChunkBytes is the number of payload bytes carried by a single
	// chunked Extended message before EPR, preserved here because
	// EPR_Source_Capabilities reassembly distinguishes "legacy-sized"
	// extended messages from genuinely chunked EPR ones by this threshold.
	legacyChunkBytes = 26
)

// ExtendedMessage represents an Extended PD Message: a normal 16 bit message
// header, followed by a 16 bit extended header, followed by up to
// MaxExtendedDataBytes of raw payload. Only Extended_Control and
// EPR_Source_Capabilities are decoded by this package; all others are
// represented generically via Data.
type ExtendedMessage struct {
	Header         uint16
	ExtendedHeader uint16
	Data           [MaxExtendedDataBytes]byte
}

// IsExtended always returns true; ExtendedMessage only ever represents
// extended messages (the base Header's extended bit is implied).
func (m ExtendedMessage) IsExtended() bool { return true }

// ID returns the message ID from the base header.
func (m ExtendedMessage) ID() uint8 {
	return uint8((m.Header >> 9) & 0b111)
}

// SetID sets the message ID on the base header.
func (m *ExtendedMessage) SetID(id uint8) {
	m.Header = (m.Header & ^(uint16(0b111) << 9)) | (uint16(id) << 9)
}

// Type returns the message type from the base header.
func (m ExtendedMessage) Type() Type {
	return Type(m.Header & 0b11111)
}

// SetType sets the message type on the base header.
func (m *ExtendedMessage) SetType(t Type) {
	m.Header = (m.Header & ^uint16(0b11111)) | uint16(t)
}

// DataSize returns the total size in bytes of the (possibly chunked) data
// this message is one chunk of, as carried in the extended header's
// Data Size field (bits 0-8).
func (m ExtendedMessage) DataSize() uint16 {
	return m.ExtendedHeader & 0x1ff
}

// SetDataSize sets the extended header's Data Size field.
func (m *ExtendedMessage) SetDataSize(n uint16) {
	m.ExtendedHeader = (m.ExtendedHeader & ^uint16(0x1ff)) | (n & 0x1ff)
}

// Chunked returns true if the Chunked bit (bit 15) is set in the extended
// header.
func (m ExtendedMessage) Chunked() bool {
	return m.ExtendedHeader&(1<<15) != 0
}

// SetChunked sets the Chunked bit.
func (m *ExtendedMessage) SetChunked(v bool) {
	var b uint16
	if v {
		b = 1 << 15
	}
	m.ExtendedHeader = (m.ExtendedHeader & ^(uint16(1) << 15)) | b
}

// ChunkNumber returns the Chunk Number field (bits 11-14) of the extended
// header.
func (m ExtendedMessage) ChunkNumber() uint8 {
	return uint8((m.ExtendedHeader >> 11) & 0b1111)
}

// SetChunkNumber sets the Chunk Number field.
func (m *ExtendedMessage) SetChunkNumber(n uint8) {
	m.ExtendedHeader = (m.ExtendedHeader & ^(uint16(0b1111) << 11)) | (uint16(n&0b1111) << 11)
}

// RequestChunk returns true if the Request Chunk bit (bit 10) is set,
// indicating this message is a request for the next chunk rather than a
// chunk of data itself.
func (m ExtendedMessage) RequestChunk() bool {
	return m.ExtendedHeader&(1<<10) != 0
}

// SetRequestChunk sets the Request Chunk bit.
func (m *ExtendedMessage) SetRequestChunk(v bool) {
	var b uint16
	if v {
		b = 1 << 10
	}
	m.ExtendedHeader = (m.ExtendedHeader & ^(uint16(1) << 10)) | b
}

// ChunkPayloadBytes returns the number of payload bytes carried by one
// extended message chunk on the wire, a fixed value independent of the
// eventual reassembled DataSize.
const ChunkPayloadBytes = legacyChunkBytes

// ToBytes serializes the message to a byte slice and returns the number of
// bytes written. It always writes the first ChunkPayloadBytes bytes of Data
// for this chunk, regardless of DataSize.
func (m ExtendedMessage) ToBytes(b []byte) int {
	b[0] = byte(m.Header & 0xff)
	b[1] = byte((m.Header >> 8) & 0xff)
	b[2] = byte(m.ExtendedHeader & 0xff)
	b[3] = byte((m.ExtendedHeader >> 8) & 0xff)
	n := ChunkPayloadBytes
	copy(b[4:4+n], m.Data[:n])
	return 4 + n
}

// BuildRequestChunkMessage constructs the control payload used to ask a
// source to retransmit chunk n of a chunked EPR_Source_Capabilities message.
func BuildRequestChunkMessage(msgID uint8, n uint8) ExtendedMessage {
	var m ExtendedMessage
	m.SetType(TypeEPRSourceCap)
	m.SetID(msgID)
	m.SetChunked(true)
	m.SetRequestChunk(true)
	m.SetChunkNumber(n)
	return m
}
