package demux

// MPEG-TS timestamps are 33-bit counters at 90 kHz and wrap roughly every
// 26.5 hours.
const (
	tsWrap     int64 = 1 << 33
	tsHalfWrap       = tsWrap / 2
)

// unwrapper extends 33-bit timestamps of one PID onto a monotonic int64
// timeline by choosing the candidate closest to the previous value.
type unwrapper struct {
	last  int64
	valid bool
}

func (u *unwrapper) unwrap(ts int64) int64 {
	ts &= tsWrap - 1
	if !u.valid {
		u.last = ts
		u.valid = true
		return ts
	}

	v := u.last&^(tsWrap-1) + ts
	switch {
	case v-u.last > tsHalfWrap:
		v -= tsWrap
	case u.last-v > tsHalfWrap:
		v += tsWrap
	}
	u.last = v
	return v
}
