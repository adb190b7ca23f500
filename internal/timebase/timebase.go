// Package timebase implements rational timebases and overflow-safe
// timestamp rescaling between them.
package timebase

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NoPTS marks an unset timestamp. It passes through every conversion
// unchanged.
const NoPTS int64 = math.MinInt64

// Rational is a timebase expressed as Num/Den seconds per tick.
type Rational struct {
	Num int64
	Den int64
}

// Well-known timebases.
var (
	// Global is the fixed microsecond timebase all per-stream timing
	// state is tracked in.
	Global = Rational{Num: 1, Den: 1_000_000}

	// MPEGTS is the 90 kHz clock used by PES timestamps.
	MPEGTS = Rational{Num: 1, Den: 90_000}

	// Millisecond is the FLV tag timestamp unit.
	Millisecond = Rational{Num: 1, Den: 1000}
)

// New returns num/den.
func New(num, den int64) Rational {
	return Rational{Num: num, Den: den}
}

// Parse reads "num/den" or a whole number "num". The result must be
// Valid.
func Parse(s string) (Rational, error) {
	num, den, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		den = "1"
	}
	n, err := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
	if err != nil {
		return Rational{}, fmt.Errorf("rational %q: %w", s, err)
	}
	d, err := strconv.ParseInt(strings.TrimSpace(den), 10, 64)
	if err != nil {
		return Rational{}, fmt.Errorf("rational %q: %w", s, err)
	}
	r := New(n, d)
	if !r.Valid() {
		return Rational{}, fmt.Errorf("rational %q: both terms must be positive", s)
	}
	return r, nil
}

// Valid reports whether both terms are positive.
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Invert swaps numerator and denominator.
func (r Rational) Invert() Rational {
	return Rational{Num: r.Den, Den: r.Num}
}

// Float64 returns the value of r, or 0 when the denominator is zero.
func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// Reduce divides both terms by their greatest common divisor.
func (r Rational) Reduce() Rational {
	g := gcd(abs(r.Num), abs(r.Den))
	if g <= 1 {
		return r
	}
	return Rational{Num: r.Num / g, Den: r.Den / g}
}

// Equal reports whether r and o describe the same value.
func (r Rational) Equal(o Rational) bool {
	return r.Reduce() == o.Reduce()
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// FrameDuration returns the length of one frame at rate expressed in tb,
// or 0 when either rational is invalid.
func FrameDuration(rate, tb Rational) int64 {
	if !rate.Valid() || !tb.Valid() {
		return 0
	}
	return Rescale(1, rate.Invert(), tb)
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
