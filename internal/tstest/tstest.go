// Package tstest builds small synthetic MPEG-TS streams and H.264/AAC
// elementary stream fragments for tests.
package tstest

import (
	"bytes"
	"io"
	"math/bits"
)

// PacketSize is the fixed size of an MPEG-TS packet.
const PacketSize = 188

// Stream types written into the PMT.
const (
	StreamTypeAAC  byte = 0x0F
	StreamTypeH264 byte = 0x1B
	StreamTypeH265 byte = 0x24
)

// PES stream IDs.
const (
	StreamIDAudio byte = 0xC0
	StreamIDVideo byte = 0xE0
)

// PMTPID is the PID the PAT points program 1 at.
const PMTPID uint16 = 0x1000

// Builder writes a single-program transport stream.
type Builder struct {
	buf bytes.Buffer
	cc  map[uint16]uint8
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{cc: make(map[uint16]uint8)}
}

// Bytes returns the stream written so far.
func (b *Builder) Bytes() []byte { return b.buf.Bytes() }

// Reader returns a reader over the stream written so far.
func (b *Builder) Reader() io.Reader { return bytes.NewReader(b.buf.Bytes()) }

// Packetize splits payload into TS packets on pid. The first packet sets
// payload_unit_start; rai also sets random_access_indicator on it. The
// last packet is padded with adaptation field stuffing.
func (b *Builder) Packetize(pid uint16, payload []byte, rai bool) {
	first := true
	for first || len(payload) > 0 {
		pkt := make([]byte, PacketSize)
		pkt[0] = 0x47
		pkt[1] = byte(pid>>8) & 0x1F
		if first {
			pkt[1] |= 0x40
		}
		pkt[2] = byte(pid)
		cc := b.cc[pid]
		b.cc[pid] = (cc + 1) & 0x0F

		minAF := -1
		if first && rai {
			minAF = 1
		}
		start := 4
		if minAF >= 0 || len(payload) < PacketSize-4 {
			afLen := max(PacketSize-5-len(payload), minAF, 0)
			pkt[3] = 0x30 | cc
			pkt[4] = byte(afLen)
			if afLen > 0 {
				if first && rai {
					pkt[5] = 0x40
				}
				for i := 6; i < 5+afLen; i++ {
					pkt[i] = 0xFF
				}
			}
			start = 5 + afLen
		} else {
			pkt[3] = 0x10 | cc
		}
		n := copy(pkt[start:], payload)
		payload = payload[n:]
		b.buf.Write(pkt)
		first = false
	}
}

// Section writes one PSI section with its CRC on pid.
func (b *Builder) Section(pid uint16, body []byte) {
	crc := CRC32(body)
	sec := append(append([]byte(nil), body...), byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
	b.Packetize(pid, append([]byte{0x00}, sec...), false)
}

// Program writes a PAT and a PMT listing order, with the stream type of
// each PID taken from streams.
func (b *Builder) Program(streams map[uint16]byte, order []uint16) {
	b.Section(0x0000, []byte{
		0x00, 0xB0, 13,
		0x00, 0x01, 0xC1, 0x00, 0x00,
		0x00, 0x01, 0xE0 | byte(PMTPID>>8), byte(PMTPID & 0xFF),
	})

	pmt := []byte{0x02, 0xB0, byte(13 + 5*len(order)), 0x00, 0x01, 0xC1, 0x00, 0x00, 0xE1, 0x00, 0xF0, 0x00}
	for _, pid := range order {
		pmt = append(pmt, streams[pid], 0xE0|byte(pid>>8), byte(pid), 0xF0, 0x00)
	}
	b.Section(PMTPID, pmt)
}

// PES writes one PES packet on pid. A negative dts omits the DTS field.
// Video PES packets use the unbounded length form.
func (b *Builder) PES(pid uint16, streamID byte, pts, dts int64, data []byte, rai bool) {
	var hdr []byte
	flags := byte(0x80)
	if dts >= 0 {
		flags = 0xC0
		hdr = append(EncodeTimestamp(0x3, pts), EncodeTimestamp(0x1, dts)...)
	} else {
		hdr = EncodeTimestamp(0x2, pts)
	}
	pes := []byte{0x00, 0x00, 0x01, streamID, 0x00, 0x00, 0x80, flags, byte(len(hdr))}
	pes = append(pes, hdr...)
	pes = append(pes, data...)
	if streamID != StreamIDVideo {
		if l := len(pes) - 6; l <= 0xFFFF {
			pes[4], pes[5] = byte(l>>8), byte(l)
		}
	}
	b.Packetize(pid, pes, rai)
}

// EncodeTimestamp returns the 5-byte PES encoding of a 33-bit timestamp
// with the given 4-bit prefix.
func EncodeTimestamp(prefix byte, ts int64) []byte {
	return []byte{
		prefix<<4 | byte(ts>>29)&0x0E | 0x01,
		byte(ts >> 22),
		byte(ts>>14)&0xFE | 0x01,
		byte(ts >> 7),
		byte(ts<<1)&0xFE | 0x01,
	}
}

// CRC32 is the MPEG-2 CRC used by PSI sections.
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, v := range data {
		crc ^= uint32(v) << 24
		for range 8 {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// AnnexB joins NAL units with 4-byte start codes.
func AnnexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

// ADTS returns one ADTS frame without CRC carrying payload. profile is the
// ADTS profile field (object type minus one).
func ADTS(profile, rateIdx, channels byte, payload []byte) []byte {
	frameLen := 7 + len(payload)
	header := []byte{
		0xFF,
		0xF1,
		profile<<6 | rateIdx<<2 | (channels>>2)&0x01,
		(channels&0x03)<<6 | byte((frameLen>>11)&0x03),
		byte((frameLen >> 3) & 0xFF),
		byte((frameLen&0x07)<<5) | 0x1F,
		0xFC,
	}
	return append(header, payload...)
}

// Common NAL units for streams that only need to parse, not decode.
var (
	PPS   = []byte{0x68, 0xEE, 0x3C, 0x80}
	IDR   = []byte{0x65, 0x88, 0x84, 0x00, 0x33}
	Slice = []byte{0x41, 0x9A, 0x02, 0x04}
)

// SPS returns a 1920x1080 SPS at 30000/1001 fps with full-range video
// signal info. restriction adds a bitstream restriction declaring reorder
// frames and a max_dec_frame_buffering of 4.
func SPS(profile byte, restriction bool, reorder uint64) []byte {
	w := &BitWriter{}
	w.WriteBits(uint64(profile), 8)
	w.WriteBits(0x40, 8) // constraint flags
	w.WriteBits(40, 8)   // level 4.0
	w.WriteUE(0)         // seq_parameter_set_id
	w.WriteUE(0)         // log2_max_frame_num_minus4
	w.WriteUE(0)         // pic_order_cnt_type
	w.WriteUE(2)         // log2_max_pic_order_cnt_lsb_minus4
	w.WriteUE(4)         // max_num_ref_frames
	w.WriteBits(0, 1)    // gaps_in_frame_num_value_allowed_flag
	w.WriteUE(119)       // pic_width_in_mbs_minus1
	w.WriteUE(67)        // pic_height_in_map_units_minus1
	w.WriteBits(1, 1)    // frame_mbs_only_flag
	w.WriteBits(1, 1)    // direct_8x8_inference_flag
	w.WriteBits(1, 1)    // frame_cropping_flag
	w.WriteUE(0)
	w.WriteUE(0)
	w.WriteUE(0)
	w.WriteUE(4)      // crop bottom 8 luma rows
	w.WriteBits(1, 1) // vui_parameters_present_flag
	w.WriteBits(0, 1) // aspect_ratio_info_present_flag
	w.WriteBits(0, 1) // overscan_info_present_flag
	w.WriteBits(1, 1) // video_signal_type_present_flag
	w.WriteBits(5, 3) // video_format
	w.WriteBits(1, 1) // video_full_range_flag
	w.WriteBits(0, 1) // colour_description_present_flag
	w.WriteBits(0, 1) // chroma_loc_info_present_flag
	w.WriteBits(1, 1) // timing_info_present_flag
	w.WriteBits(1001, 32)
	w.WriteBits(60000, 32)
	w.WriteBits(1, 1) // fixed_frame_rate_flag
	w.WriteBits(0, 1) // nal_hrd_parameters_present_flag
	w.WriteBits(0, 1) // vcl_hrd_parameters_present_flag
	w.WriteBits(0, 1) // pic_struct_present_flag
	if restriction {
		w.WriteBits(1, 1)
		w.WriteBits(1, 1) // motion_vectors_over_pic_boundaries_flag
		w.WriteUE(0)
		w.WriteUE(0)
		w.WriteUE(16)
		w.WriteUE(16)
		w.WriteUE(reorder)
		w.WriteUE(4)
	} else {
		w.WriteBits(0, 1)
	}
	return append([]byte{0x67}, w.RBSP()...)
}

// BitWriter builds bitstreams MSB first.
type BitWriter struct {
	buf  []byte
	nbit int
}

// WriteBits writes the low n bits of v.
func (w *BitWriter) WriteBits(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		if w.nbit%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if (v>>uint(i))&1 == 1 {
			w.buf[len(w.buf)-1] |= 1 << uint(7-w.nbit%8)
		}
		w.nbit++
	}
}

// WriteUE writes v as an unsigned Exp-Golomb code.
func (w *BitWriter) WriteUE(v uint64) {
	n := bits.Len64(v + 1)
	w.WriteBits(0, n-1)
	w.WriteBits(v+1, n)
}

// RBSP appends the stop bit and returns the bytes with emulation
// prevention inserted.
func (w *BitWriter) RBSP() []byte {
	w.WriteBits(1, 1)
	var out []byte
	zeros := 0
	for _, b := range w.buf {
		if zeros >= 2 && b <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}
