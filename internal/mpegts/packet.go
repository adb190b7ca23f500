package mpegts

import "fmt"

const (
	packetSize = 188
	syncByte   = 0x47
)

// NoTimestamp marks an absent PTS, DTS or PCR.
const NoTimestamp int64 = -1

// Packet is one parsed transport stream packet.
type Packet struct {
	PID           uint16
	Counter       uint8
	Start         bool // payload_unit_start_indicator
	Errored       bool // transport_error_indicator
	Discontinuity bool
	RandomAccess  bool
	HasPayload    bool
	PCR           int64 // 27 MHz, or NoTimestamp
	Payload       []byte
}

// parsePacket decodes a 188-byte packet. The payload is copied so the
// caller may reuse b.
func parsePacket(b []byte) (*Packet, error) {
	if len(b) != packetSize {
		return nil, fmt.Errorf("mpegts: packet is %d bytes, want %d", len(b), packetSize)
	}
	if b[0] != syncByte {
		return nil, fmt.Errorf("mpegts: sync byte 0x%02X", b[0])
	}
	p := &Packet{
		PID:        uint16(b[1]&0x1F)<<8 | uint16(b[2]),
		Counter:    b[3] & 0x0F,
		Start:      b[1]&0x40 != 0,
		Errored:    b[1]&0x80 != 0,
		HasPayload: b[3]&0x10 != 0,
		PCR:        NoTimestamp,
	}

	pos := 4
	if b[3]&0x20 != 0 {
		afLen := int(b[pos])
		if afLen > 0 {
			flags := b[pos+1]
			p.Discontinuity = flags&0x80 != 0
			p.RandomAccess = flags&0x40 != 0
			if flags&0x10 != 0 && afLen >= 7 && pos+8 <= packetSize {
				p.PCR = decodePCR(b[pos+2 : pos+8])
			}
		}
		pos = min(pos+1+afLen, packetSize)
	}
	if p.HasPayload && pos < packetSize {
		p.Payload = append([]byte(nil), b[pos:]...)
	}
	return p, nil
}

// decodePCR returns base*300 + extension.
func decodePCR(b []byte) int64 {
	base := int64(b[0])<<25 | int64(b[1])<<17 | int64(b[2])<<9 | int64(b[3])<<1 | int64(b[4]>>7)
	ext := int64(b[4]&0x01)<<8 | int64(b[5])
	return base*300 + ext
}
