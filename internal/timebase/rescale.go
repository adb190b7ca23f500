package timebase

import (
	"math"
	"math/bits"
)

// Rounding selects how Rescale resolves inexact results.
type Rounding int

// Rounding modes. RoundPassMinMax may be or'ed with any mode to pass
// math.MinInt64 and math.MaxInt64 through unchanged.
const (
	RoundZero       Rounding = 0
	RoundInf        Rounding = 1
	RoundDown       Rounding = 2
	RoundUp         Rounding = 3
	RoundNearInf    Rounding = 5
	RoundPassMinMax Rounding = 8192
)

// Rescale converts v from one timebase to another, rounding to nearest
// with ties away from zero. NoPTS is returned unchanged.
func Rescale(v int64, from, to Rational) int64 {
	return RescaleRnd(v, from, to, RoundNearInf)
}

// RescaleRnd converts v from one timebase to another with the given
// rounding. NoPTS is returned unchanged. Results that do not fit in an
// int64 saturate at ±math.MaxInt64, so a real timestamp never collapses
// into NoPTS. Invalid timebases yield NoPTS.
func RescaleRnd(v int64, from, to Rational, rnd Rounding) int64 {
	if v == NoPTS {
		return NoPTS
	}
	if from == to {
		return v
	}
	if !from.Valid() || !to.Valid() {
		return NoPTS
	}
	b := from.Num * to.Den
	c := from.Den * to.Num
	return rescale(v, b, c, rnd)
}

// rescale computes v*b/c with a 128-bit intermediate.
func rescale(v, b, c int64, rnd Rounding) int64 {
	if rnd&RoundPassMinMax != 0 {
		if v == math.MinInt64 || v == math.MaxInt64 {
			return v
		}
		rnd &^= RoundPassMinMax
	}
	if c <= 0 || b < 0 {
		return NoPTS
	}
	if v < 0 {
		// Mirror the rounding direction for the negated magnitude.
		return -rescale(-v, b, c, rnd^((rnd>>1)&1))
	}

	var r uint64
	switch rnd {
	case RoundNearInf:
		r = uint64(c / 2)
	case RoundInf, RoundUp:
		r = uint64(c - 1)
	}

	hi, lo := bits.Mul64(uint64(v), uint64(b))
	var carry uint64
	lo, carry = bits.Add64(lo, r, 0)
	hi += carry

	if hi >= uint64(c) {
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, uint64(c))
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}
