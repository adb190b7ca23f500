package mpegts

type ccState int

const (
	ccOK ccState = iota
	ccDuplicate
	ccGap
)

// assembly collects the payload of one PID until a unit is complete.
type assembly struct {
	psi          bool
	started      bool
	randomAccess bool
	buf          []byte

	counter    uint8
	hasCounter bool
}

func (a *assembly) reset() {
	a.started = false
	a.randomAccess = false
	a.buf = nil
}

// continuity checks the counter of a packet that carries payload. One
// repeat of the previous counter is a legal duplicate.
func (a *assembly) continuity(pkt *Packet) ccState {
	prev, had := a.counter, a.hasCounter
	a.counter, a.hasCounter = pkt.Counter, true
	switch {
	case !had || pkt.Discontinuity:
		return ccOK
	case pkt.Counter == prev:
		return ccDuplicate
	case pkt.Counter != (prev+1)&0x0F:
		return ccGap
	}
	return ccOK
}

// pushPES appends a PES fragment and reports whether the PES is complete
// by its declared length. Fragments before the first unit start are
// discarded.
func (a *assembly) pushPES(pkt *Packet) bool {
	if pkt.Start {
		a.started = true
		a.randomAccess = pkt.RandomAccess
		a.buf = append(a.buf[:0:0], pkt.Payload...)
	} else if a.started {
		a.buf = append(a.buf, pkt.Payload...)
	} else {
		return false
	}
	if len(a.buf) < 6 || !isPES(a.buf) {
		return false
	}
	n := int(a.buf[4])<<8 | int(a.buf[5])
	return n > 0 && len(a.buf) >= 6+n
}

// pushSection appends a PSI fragment and returns every section it
// completes.
func (a *assembly) pushSection(pkt *Packet) [][]byte {
	payload := pkt.Payload
	var out [][]byte
	if pkt.Start {
		if len(payload) == 0 {
			a.reset()
			return nil
		}
		pointer := int(payload[0])
		payload = payload[1:]
		if pointer > len(payload) {
			a.reset()
			return nil
		}
		if a.started {
			a.buf = append(a.buf, payload[:pointer]...)
			out = a.sections(out)
		}
		a.started = true
		a.buf = append(a.buf[:0:0], payload[pointer:]...)
	} else if a.started {
		a.buf = append(a.buf, payload...)
	} else {
		return nil
	}
	return a.sections(out)
}

// sections splits complete sections off the front of the buffer. Stuffing
// ends the packet's sections.
func (a *assembly) sections(out [][]byte) [][]byte {
	for a.started {
		if len(a.buf) > 0 && a.buf[0] == tableIDStuffing {
			a.reset()
			break
		}
		n := sectionLength(a.buf)
		if n == 0 || len(a.buf) < n {
			break
		}
		out = append(out, a.buf[:n:n])
		a.buf = a.buf[n:]
		if len(a.buf) == 0 {
			a.reset()
		}
	}
	return out
}
