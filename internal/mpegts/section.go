package mpegts

import (
	"errors"
	"fmt"
)

const (
	tableIDPAT      = 0x00
	tableIDPMT      = 0x02
	tableIDStuffing = 0xFF
	sectionHeader   = 8 // table_id through last_section_number
	crcSize         = 4
)

var errShortSection = errors.New("mpegts: section too short")

// Stream is one elementary stream entry of a PMT.
type Stream struct {
	PID  uint16
	Type uint8
}

// Program is a parsed program map table.
type Program struct {
	Number  uint16
	PCRPID  uint16
	Version uint8
	Streams []Stream
}

// section is the long-form PSI header plus the bytes between it and the
// CRC.
type section struct {
	tableID   uint8
	extension uint16
	version   uint8
	current   bool
	body      []byte
}

// sectionLength returns the total size of the section starting at b, or
// 0 if fewer than three bytes are available.
func sectionLength(b []byte) int {
	if len(b) < 3 {
		return 0
	}
	return 3 + (int(b[1]&0x0F)<<8 | int(b[2]))
}

// parseSection validates the CRC of one complete long-form section.
func parseSection(b []byte) (*section, error) {
	if len(b) < sectionHeader+crcSize {
		return nil, errShortSection
	}
	if n := sectionLength(b); n != len(b) {
		return nil, fmt.Errorf("mpegts: section length %d, have %d bytes", n, len(b))
	}
	if crc32MPEG(b) != 0 {
		return nil, errors.New("mpegts: section CRC mismatch")
	}
	return &section{
		tableID:   b[0],
		extension: uint16(b[3])<<8 | uint16(b[4]),
		version:   b[5] >> 1 & 0x1F,
		current:   b[5]&0x01 != 0,
		body:      b[sectionHeader : len(b)-crcSize],
	}, nil
}

// parsePAT returns the PMT PID of every program. Program 0 names the
// network PID and is skipped.
func parsePAT(s *section) map[uint16]uint16 {
	pmts := make(map[uint16]uint16)
	for b := s.body; len(b) >= 4; b = b[4:] {
		number := uint16(b[0])<<8 | uint16(b[1])
		if number == 0 {
			continue
		}
		pmts[number] = uint16(b[2]&0x1F)<<8 | uint16(b[3])
	}
	return pmts
}

func parsePMT(s *section) (*Program, error) {
	b := s.body
	if len(b) < 4 {
		return nil, errShortSection
	}
	prog := &Program{
		Number:  s.extension,
		Version: s.version,
		PCRPID:  uint16(b[0]&0x1F)<<8 | uint16(b[1]),
	}
	infoLen := int(b[2]&0x0F)<<8 | int(b[3])
	if 4+infoLen > len(b) {
		return nil, fmt.Errorf("mpegts: program info length %d overruns section", infoLen)
	}
	for b = b[4+infoLen:]; len(b) >= 5; {
		es := Stream{Type: b[0], PID: uint16(b[1]&0x1F)<<8 | uint16(b[2])}
		esInfo := int(b[3]&0x0F)<<8 | int(b[4])
		if 5+esInfo > len(b) {
			return nil, fmt.Errorf("mpegts: ES info length %d overruns section", esInfo)
		}
		prog.Streams = append(prog.Streams, es)
		b = b[5+esInfo:]
	}
	return prog, nil
}

var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for range 8 {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

// crc32MPEG is the CRC-32/MPEG-2 checksum. Run over a section including
// its trailing CRC it yields 0.
func crc32MPEG(b []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, v := range b {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^v]
	}
	return crc
}
