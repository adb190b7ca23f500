package mpegts

import (
	"bytes"
	"errors"
	"fmt"
)

var pesStartCode = []byte{0x00, 0x00, 0x01}

// PES is a reassembled packetized elementary stream packet. PTS and DTS
// are 33-bit 90 kHz values or NoTimestamp.
type PES struct {
	StreamID uint8
	PTS      int64
	DTS      int64
	Data     []byte
}

func isPES(b []byte) bool {
	return bytes.HasPrefix(b, pesStartCode)
}

// hasOptionalHeader reports whether a stream id carries the PES optional
// header: every id except padding, private_stream_2, ECM, EMM, DSM-CC,
// H.222.1 type E and the program stream directory.
func hasOptionalHeader(id uint8) bool {
	switch id {
	case 0xBC, 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

func parsePES(b []byte) (*PES, error) {
	if len(b) < 6 {
		return nil, fmt.Errorf("mpegts: PES of %d bytes", len(b))
	}
	if !isPES(b) {
		return nil, errors.New("mpegts: missing PES start code")
	}
	pes := &PES{StreamID: b[3], PTS: NoTimestamp, DTS: NoTimestamp}

	// A zero length is only legal for video and means "until the next
	// unit start".
	end := len(b)
	if n := int(b[4])<<8 | int(b[5]); n > 0 {
		end = min(6+n, len(b))
	}

	if !hasOptionalHeader(pes.StreamID) {
		pes.Data = b[6:end]
		return pes, nil
	}
	if len(b) < 9 {
		return nil, errors.New("mpegts: truncated PES header")
	}
	start := min(9+int(b[8]), end)
	switch b[7] >> 6 {
	case 2:
		if len(b) >= 14 {
			pes.PTS = decodeTimestamp(b[9:14])
		}
	case 3:
		if len(b) >= 19 {
			pes.PTS = decodeTimestamp(b[9:14])
			pes.DTS = decodeTimestamp(b[14:19])
		}
	}
	pes.Data = b[start:end]
	return pes, nil
}

// decodeTimestamp reads the 5-byte marker-bit encoding of a PTS or DTS.
func decodeTimestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)
}
