package media

import "math/bits"

// Rational is a unit fraction timebase: timestamps are expressed as
// multiples of Num/Den seconds. A 1/90000 timebase counts 90 kHz ticks.
type Rational struct {
	Num int
	Den int
}

// TimeBase returns the 1/unit timebase, e.g. TimeBase(1000000) for
// microsecond timestamps.
func TimeBase(unit int) Rational {
	return Rational{Num: 1, Den: unit}
}

// IsZero reports whether the rational is the zero value (no timebase set).
func (r Rational) IsZero() bool {
	return r.Num == 0 && r.Den == 0
}

// RescaleRound converts v from timebase `from` to timebase `to`, rounding
// to nearest with ties away from zero. The NoPTS and MaxPTS sentinels pass
// through unchanged so unknown/unbounded timestamps survive conversion.
func RescaleRound(v int64, from, to Rational) int64 {
	if v == NoPTS || v == MaxPTS {
		return v
	}
	return mulDivRound(v, int64(from.Num)*int64(to.Den), int64(from.Den)*int64(to.Num))
}

// Rescale converts a duration-like value between timebases with the same
// round-to-nearest behavior but without sentinel handling; durations have
// no reserved values.
func Rescale(v int64, from, to Rational) int64 {
	return mulDivRound(v, int64(from.Num)*int64(to.Den), int64(from.Den)*int64(to.Num))
}

// mulDivRound computes round(v*num/den) using a 128-bit intermediate so
// large timestamps (e.g. nanoseconds against a 90 kHz base) do not
// overflow. den must be positive.
func mulDivRound(v, num, den int64) int64 {
	if den == 0 {
		return 0
	}
	neg := false
	if v < 0 {
		v, neg = -v, !neg
	}
	if num < 0 {
		num, neg = -num, !neg
	}
	if den < 0 {
		den, neg = -den, !neg
	}

	hi, lo := bits.Mul64(uint64(v), uint64(num))
	// Add den/2 for round-to-nearest before dividing.
	half := uint64(den) / 2
	lo, carry := bits.Add64(lo, half, 0)
	hi += carry
	if hi >= uint64(den) {
		// Quotient would overflow 64 bits; saturate.
		if neg {
			return NoPTS
		}
		return MaxPTS
	}
	q, _ := bits.Div64(hi, lo, uint64(den))
	if neg {
		return -int64(q)
	}
	return int64(q)
}
