package main

const (
	tsPacketSize = 188
	tsSyncByte   = 0x47

	// timestampMask keeps the 33 bits PES timestamps and the PCR base carry.
	timestampMask = 1<<33 - 1
)

// timestampField is the byte offset of one PTS, DTS or PCR value in a
// transport stream buffer.
type timestampField struct {
	offset int
	pcr    bool
}

// timeline summarizes the video PTS range of a transport stream, in 90 kHz
// ticks.
type timeline struct {
	fields []timestampField
	first  int64
	last   int64
	frames int
}

// span is the time the file covers, including one frame interval after
// the last video frame so that looped copies do not overlap.
func (tl timeline) span() int64 {
	if tl.frames < 2 || tl.last <= tl.first {
		return 0
	}
	d := tl.last - tl.first
	return d + d/int64(tl.frames-1)
}

// scanTimestamps records every PCR and every PES PTS/DTS position in data
// together with the video PTS range.
func scanTimestamps(data []byte) timeline {
	tl := timeline{first: -1}
	for off := 0; off+tsPacketSize <= len(data); off += tsPacketSize {
		pkt := data[off : off+tsPacketSize]
		if pkt[0] != tsSyncByte {
			continue
		}
		hasAdapt := pkt[3]&0x20 != 0
		hasPayload := pkt[3]&0x10 != 0

		pos := 4
		if hasAdapt {
			afLen := int(pkt[pos])
			if afLen >= 7 && pkt[pos+1]&0x10 != 0 {
				tl.fields = append(tl.fields, timestampField{offset: off + pos + 2, pcr: true})
			}
			pos += 1 + afLen
		}

		if pkt[1]&0x40 == 0 || !hasPayload || pos >= tsPacketSize {
			continue
		}
		pes := pkt[pos:]
		if len(pes) < 14 || pes[0] != 0 || pes[1] != 0 || pes[2] != 1 {
			continue
		}
		streamID := pes[3]
		video := streamID >= 0xE0 && streamID <= 0xEF
		audio := streamID >= 0xC0 && streamID <= 0xDF
		if !video && !audio {
			continue
		}

		flags := pes[7]
		if flags&0x80 == 0 {
			continue
		}
		ptsOff := off + pos + 9
		tl.fields = append(tl.fields, timestampField{offset: ptsOff})
		if video {
			pts := decodePTS(data[ptsOff:])
			if tl.first < 0 || pts < tl.first {
				tl.first = pts
			}
			tl.last = max(tl.last, pts)
			tl.frames++
		}
		if flags&0x40 != 0 && len(pes) >= 19 {
			tl.fields = append(tl.fields, timestampField{offset: off + pos + 14})
		}
	}
	return tl
}

// addTimestampOffset shifts every recorded field by delta ticks, wrapping
// at 33 bits.
func addTimestampOffset(data []byte, fields []timestampField, delta int64) {
	for _, f := range fields {
		b := data[f.offset:]
		if f.pcr {
			encodePCR(b, (decodePCR(b)+delta)&timestampMask)
		} else {
			encodePTS(b, (decodePTS(b)+delta)&timestampMask)
		}
	}
}

func decodePTS(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1&0x7F)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1&0x7F)
}

// encodePTS keeps the prefix nibble of b[0].
func encodePTS(b []byte, pts int64) {
	b[0] = b[0]&0xF0 | byte(pts>>29)&0x0E | 0x01
	b[1] = byte(pts >> 22)
	b[2] = byte(pts>>14)&0xFE | 0x01
	b[3] = byte(pts >> 7)
	b[4] = byte(pts<<1)&0xFE | 0x01
}

// decodePCR returns the 90 kHz PCR base; the 27 MHz extension is ignored.
func decodePCR(b []byte) int64 {
	return int64(b[0])<<25 |
		int64(b[1])<<17 |
		int64(b[2])<<9 |
		int64(b[3])<<1 |
		int64(b[4]>>7)
}

// encodePCR keeps the 9-bit extension.
func encodePCR(b []byte, base int64) {
	ext := uint16(b[4]&0x01)<<8 | uint16(b[5])
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte(base&1)<<7 | 0x7E | byte(ext>>8)
	b[5] = byte(ext)
}
