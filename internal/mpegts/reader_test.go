package mpegts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/zsiec/streampush/internal/tstest"
)

const (
	videoPID = 0x100
	audioPID = 0x101
)

func readUnits(t *testing.T, r *Reader) []*Unit {
	t.Helper()
	var units []*Unit
	for {
		u, err := r.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return units
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		units = append(units, u)
	}
}

func pesUnits(units []*Unit) []*Unit {
	var out []*Unit
	for _, u := range units {
		if u.PES != nil {
			out = append(out, u)
		}
	}
	return out
}

func newProgram() *tstest.Builder {
	b := tstest.NewBuilder()
	b.Program(map[uint16]byte{videoPID: tstest.StreamTypeH264, audioPID: tstest.StreamTypeAAC}, []uint16{videoPID, audioPID})
	return b
}

// packets splits a stream into copies of its 188-byte packets.
func packets(data []byte) [][]byte {
	var out [][]byte
	for len(data) >= packetSize {
		out = append(out, append([]byte(nil), data[:packetSize]...))
		data = data[packetSize:]
	}
	return out
}

func TestReaderUnits(t *testing.T) {
	t.Parallel()
	b := newProgram()
	frame := bytes.Repeat([]byte{0xAB}, 400)
	b.PES(videoPID, tstest.StreamIDVideo, 93003, 90000, frame, true)
	b.PES(audioPID, tstest.StreamIDAudio, 90000, -1, []byte{1, 2, 3}, false)
	b.PES(videoPID, tstest.StreamIDVideo, 96006, -1, []byte{4, 5}, false)

	units := readUnits(t, NewReader(b.Reader()))
	if len(units) != 4 {
		t.Fatalf("units: got %d, want 4", len(units))
	}

	pmt := units[0].PMT
	if pmt == nil || units[0].PID != tstest.PMTPID {
		t.Fatalf("first unit: got %+v, want the PMT", units[0])
	}
	if pmt.Number != 1 || pmt.PCRPID != videoPID || len(pmt.Streams) != 2 {
		t.Errorf("program: got %+v", pmt)
	}

	// Bounded audio completes before the unbounded video PES that
	// precedes it.
	wantPIDs := []uint16{audioPID, videoPID, videoPID}
	for i, u := range units[1:] {
		if u.PID != wantPIDs[i] || u.PES == nil {
			t.Errorf("unit %d: got pid 0x%X pes=%v, want 0x%X", i+1, u.PID, u.PES != nil, wantPIDs[i])
		}
	}

	first := units[2]
	if !first.RandomAccess || first.PES.PTS != 93003 || first.PES.DTS != 90000 {
		t.Errorf("first video: got rai=%v pts=%d dts=%d", first.RandomAccess, first.PES.PTS, first.PES.DTS)
	}
	if !bytes.Equal(first.PES.Data, frame) {
		t.Errorf("first video data: got %d bytes, want %d", len(first.PES.Data), len(frame))
	}
	if last := units[3]; last.RandomAccess || last.PES.DTS != NoTimestamp || !bytes.Equal(last.PES.Data, []byte{4, 5}) {
		t.Errorf("flushed video: got rai=%v dts=%d data=% X", last.RandomAccess, last.PES.DTS, last.PES.Data)
	}
	if a := units[1].PES; a.StreamID != tstest.StreamIDAudio || !bytes.Equal(a.Data, []byte{1, 2, 3}) {
		t.Errorf("audio: got id=0x%X data=% X", a.StreamID, a.Data)
	}
}

func TestReaderRepeatedPMT(t *testing.T) {
	t.Parallel()
	b := newProgram()
	b.Program(map[uint16]byte{videoPID: tstest.StreamTypeH264, audioPID: tstest.StreamTypeAAC}, []uint16{videoPID, audioPID})

	var pmts int
	for _, u := range readUnits(t, NewReader(b.Reader())) {
		if u.PMT != nil {
			pmts++
		}
	}
	if pmts != 1 {
		t.Errorf("PMT units: got %d, want 1 for an unchanged version", pmts)
	}
}

func TestReaderIgnoresUnlistedPIDs(t *testing.T) {
	t.Parallel()
	b := tstest.NewBuilder()
	b.PES(videoPID, tstest.StreamIDVideo, 0, -1, []byte{1}, true)
	b.Program(map[uint16]byte{audioPID: tstest.StreamTypeAAC}, []uint16{audioPID})
	b.PES(0x300, tstest.StreamIDVideo, 0, -1, []byte{2}, false)
	b.PES(audioPID, tstest.StreamIDAudio, 0, -1, []byte{3}, false)

	got := pesUnits(readUnits(t, NewReader(b.Reader())))
	if len(got) != 1 || got[0].PID != audioPID {
		t.Errorf("PES units: got %d, want only the listed audio PID", len(got))
	}
}

func TestReaderResync(t *testing.T) {
	t.Parallel()
	b := newProgram()
	b.PES(audioPID, tstest.StreamIDAudio, 0, -1, []byte{7}, false)

	data := append([]byte{0x00, 0x11, 0x22}, b.Bytes()...)
	data = append(data, syncByte, 0x00, 0x00)
	r := NewReader(bytes.NewReader(data), WithReadBufferSize(packetSize))
	if got := pesUnits(readUnits(t, r)); len(got) != 1 {
		t.Fatalf("PES units: got %d, want 1", len(got))
	}
	st := r.Stats()
	if st.SkippedBytes != 6 {
		t.Errorf("skipped bytes: got %d, want 6", st.SkippedBytes)
	}
	if st.Packets != 3 {
		t.Errorf("packets: got %d, want 3", st.Packets)
	}
}

// lossyStream returns a PAT, a PMT, a three-packet video PES and a
// one-packet video PES.
func lossyStream() [][]byte {
	b := newProgram()
	b.PES(videoPID, tstest.StreamIDVideo, 90000, -1, bytes.Repeat([]byte{0xCD}, 400), false)
	b.PES(videoPID, tstest.StreamIDVideo, 93003, -1, []byte{0xEE}, false)
	return packets(b.Bytes())
}

func TestReaderPacketLoss(t *testing.T) {
	t.Parallel()
	pkts := lossyStream()
	var data []byte
	for i, p := range pkts {
		if i != 3 {
			data = append(data, p...)
		}
	}

	r := NewReader(bytes.NewReader(data))
	got := pesUnits(readUnits(t, r))
	if len(got) != 1 || got[0].PES.PTS != 93003 {
		t.Fatalf("PES units: got %d, want only the intact second PES", len(got))
	}
	if st := r.Stats(); st.ContinuityErrors != 1 || st.DroppedPES != 1 {
		t.Errorf("stats: got continuity=%d dropped=%d, want 1 and 1", st.ContinuityErrors, st.DroppedPES)
	}
}

func TestReaderDuplicatePacket(t *testing.T) {
	t.Parallel()
	pkts := lossyStream()
	var data []byte
	for i, p := range pkts {
		data = append(data, p...)
		if i == 3 {
			data = append(data, p...)
		}
	}

	r := NewReader(bytes.NewReader(data))
	got := pesUnits(readUnits(t, r))
	if len(got) != 2 || len(got[0].PES.Data) != 400 {
		t.Fatalf("PES units: got %d, want 2 with the first intact", len(got))
	}
	if st := r.Stats(); st.ContinuityErrors != 0 || st.DroppedPES != 0 {
		t.Errorf("stats: got continuity=%d dropped=%d, want 0 and 0", st.ContinuityErrors, st.DroppedPES)
	}
}

func TestReaderTransportError(t *testing.T) {
	t.Parallel()
	pkts := lossyStream()
	pkts[3][1] |= 0x80

	r := NewReader(bytes.NewReader(bytes.Join(pkts, nil)))
	got := pesUnits(readUnits(t, r))
	if len(got) != 1 || got[0].PES.PTS != 93003 {
		t.Fatalf("PES units: got %d, want only the second PES", len(got))
	}
	if st := r.Stats(); st.CorruptPackets != 1 || st.DroppedPES != 1 {
		t.Errorf("stats: got corrupt=%d dropped=%d, want 1 and 1", st.CorruptPackets, st.DroppedPES)
	}
}

func TestReaderBadSectionCRC(t *testing.T) {
	t.Parallel()
	pkts := packets(newProgram().Bytes())
	pkts[1][packetSize-1] ^= 0xFF

	r := NewReader(bytes.NewReader(bytes.Join(pkts, nil)))
	if units := readUnits(t, r); len(units) != 0 {
		t.Errorf("units: got %d, want none from a corrupt PMT", len(units))
	}
	if got := r.Stats().BadSections; got != 1 {
		t.Errorf("bad sections: got %d, want 1", got)
	}
}

func TestReaderContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewReader(newProgram().Reader()).Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next: got %v, want context.Canceled", err)
	}
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestReaderSourceError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	if _, err := NewReader(failingReader{boom}).Next(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Next: got %v, want %v", err, boom)
	}
}
