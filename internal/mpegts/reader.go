// Package mpegts reads an MPEG transport stream and reassembles the PES
// packets and program tables carried in it.
package mpegts

import (
	"bufio"
	"context"
	"errors"
	"io"
	"maps"
	"slices"
)

const (
	pidPAT  = 0x0000
	pidNull = 0x1FFF

	defaultReadBufferSize = packetSize * 64
)

// Unit is one reassembled payload unit: either a changed PMT or a PES.
type Unit struct {
	PID          uint16
	RandomAccess bool // set on the first packet of the unit
	PMT          *Program
	PES          *PES
}

// Stats counts what the reader has seen and discarded.
type Stats struct {
	Packets          int64
	SkippedBytes     int64
	CorruptPackets   int64
	ContinuityErrors int64
	DroppedPES       int64
	BadSections      int64
}

// Option configures a Reader.
type Option func(*Reader)

// WithReadBufferSize sets the size of the buffered reader in front of the
// source.
func WithReadBufferSize(n int) Option {
	return func(r *Reader) {
		if n >= packetSize {
			r.bufSize = n
		}
	}
}

// Reader yields Units from a transport stream. It follows the PAT to the
// PMTs and only reassembles PIDs a PMT lists. It is not safe for
// concurrent use.
type Reader struct {
	src     *bufio.Reader
	bufSize int

	pmtPIDs  map[uint16]bool
	esPIDs   map[uint16]bool
	versions map[uint16]uint8
	units    map[uint16]*assembly

	ready []*Unit
	eof   bool
	stats Stats
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader, opts ...Option) *Reader {
	rd := &Reader{
		bufSize:  defaultReadBufferSize,
		pmtPIDs:  make(map[uint16]bool),
		esPIDs:   make(map[uint16]bool),
		versions: make(map[uint16]uint8),
		units:    make(map[uint16]*assembly),
	}
	for _, opt := range opts {
		opt(rd)
	}
	rd.src = bufio.NewReaderSize(r, rd.bufSize)
	return rd
}

// Stats returns a copy of the reader counters.
func (r *Reader) Stats() Stats {
	return r.stats
}

// Next returns the next Unit. At the end of the input, units still being
// assembled are flushed before io.EOF is returned.
func (r *Reader) Next(ctx context.Context) (*Unit, error) {
	for {
		if len(r.ready) > 0 {
			u := r.ready[0]
			r.ready[0] = nil
			r.ready = r.ready[1:]
			return u, nil
		}
		if r.eof {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pkt, err := r.readPacket()
		if errors.Is(err, io.EOF) {
			r.eof = true
			r.flushAll()
			continue
		}
		if err != nil {
			return nil, err
		}
		r.handle(pkt)
	}
}

// readPacket returns the next packet, skipping bytes until a sync byte.
// A trailing partial packet counts as skipped.
func (r *Reader) readPacket() (*Packet, error) {
	for {
		b, err := r.src.Peek(packetSize)
		if len(b) < packetSize {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				r.stats.SkippedBytes += int64(len(b))
				_, _ = r.src.Discard(len(b))
				return nil, io.EOF
			}
			return nil, err
		}
		if b[0] != syncByte {
			_, _ = r.src.Discard(1)
			r.stats.SkippedBytes++
			continue
		}
		pkt, err := parsePacket(b)
		_, _ = r.src.Discard(packetSize)
		if err != nil {
			return nil, err
		}
		r.stats.Packets++
		return pkt, nil
	}
}

func (r *Reader) handle(pkt *Packet) {
	if pkt.PID == pidNull {
		return
	}
	psi := pkt.PID == pidPAT || r.pmtPIDs[pkt.PID]
	if !psi && !r.esPIDs[pkt.PID] {
		return
	}

	a := r.units[pkt.PID]
	if a == nil {
		a = &assembly{psi: psi}
		r.units[pkt.PID] = a
	}

	if pkt.Errored {
		r.stats.CorruptPackets++
		r.drop(a)
		return
	}
	if !pkt.HasPayload {
		return
	}
	switch a.continuity(pkt) {
	case ccDuplicate:
		return
	case ccGap:
		r.stats.ContinuityErrors++
		r.drop(a)
	}

	if psi {
		for _, sec := range a.pushSection(pkt) {
			r.handleSection(pkt.PID, sec)
		}
		return
	}
	if pkt.Start && a.started {
		r.finishPES(pkt.PID, a)
	}
	if done := a.pushPES(pkt); done {
		r.finishPES(pkt.PID, a)
	}
}

// drop discards a partially assembled unit. The PID resumes at the next
// unit start.
func (r *Reader) drop(a *assembly) {
	if a.started && !a.psi {
		r.stats.DroppedPES++
	}
	a.reset()
}

func (r *Reader) finishPES(pid uint16, a *assembly) {
	data, rai := a.buf, a.randomAccess
	a.reset()
	pes, err := parsePES(data)
	if err != nil {
		r.stats.DroppedPES++
		return
	}
	r.ready = append(r.ready, &Unit{PID: pid, RandomAccess: rai, PES: pes})
}

func (r *Reader) handleSection(pid uint16, b []byte) {
	sec, err := parseSection(b)
	if err != nil {
		r.stats.BadSections++
		return
	}
	if !sec.current {
		return
	}
	switch {
	case pid == pidPAT && sec.tableID == tableIDPAT:
		for _, pmt := range parsePAT(sec) {
			r.pmtPIDs[pmt] = true
		}
	case r.pmtPIDs[pid] && sec.tableID == tableIDPMT:
		if v, seen := r.versions[pid]; seen && v == sec.version {
			return
		}
		prog, err := parsePMT(sec)
		if err != nil {
			r.stats.BadSections++
			return
		}
		r.versions[pid] = sec.version
		for _, es := range prog.Streams {
			r.esPIDs[es.PID] = true
		}
		r.ready = append(r.ready, &Unit{PID: pid, PMT: prog})
	}
}

// flushAll emits every PES still being assembled, in PID order.
func (r *Reader) flushAll() {
	for _, pid := range slices.Sorted(maps.Keys(r.units)) {
		if a := r.units[pid]; !a.psi && a.started {
			r.finishPES(pid, a)
		}
	}
}
