// Package decamp implements the fixed 0.1A decimal grid the allocator uses
// for all current arithmetic: currents are integers counting tenths of an
// amp, so two independent nodes computing the same allocation from the
// same inputs produce byte-identical output regardless of CPU/FPU rounding.
package decamp

import "math"

// Amps is a current expressed in tenths of an amp (1 Amps == 0.1 A).
type Amps int64

// Zero is the additive identity, spelled out for readability at call sites.
const Zero Amps = 0

// FromFloat converts a float64 amp value onto the grid, truncating toward
// zero after each operation.
func FromFloat(a float64) Amps {
	if math.IsNaN(a) || math.IsInf(a, 0) {
		return 0
	}

	return Amps(math.Trunc(a * 10))
}

// Float64 converts back to a float64 amp value for the external boundary
// (the Enforcement Bridge, the diagnostic API's JSON output).
func (a Amps) Float64() float64 {
	return float64(a) / 10
}

// Add returns a+b.
func (a Amps) Add(b Amps) Amps { return a + b }

// Sub returns a-b.
func (a Amps) Sub(b Amps) Amps { return a - b }

// Add is the free-function form, used where a running total reads more
// clearly left-to-right than as a chain of methods.
func Add(a, b Amps) Amps { return a + b }

// Sub is the free-function form of Amps.Sub.
func Sub(a, b Amps) Amps { return a - b }

// DivInt divides a by n, truncating toward zero; n <= 0 returns 0.
func (a Amps) DivInt(n int) Amps {
	if n <= 0 {
		return 0
	}

	return a / Amps(n)
}

// Min returns the smaller of a and b.
func Min(a, b Amps) Amps {
	if a < b {
		return a
	}

	return b
}

// Max returns the larger of a and b.
func Max(a, b Amps) Amps {
	if a > b {
		return a
	}

	return b
}

// MulInt scales a by an integer factor, used for reserving offline peers'
// assumed current (n_off * assumed_offline).
func (a Amps) MulInt(n int) Amps { return a * Amps(n) }

// NonNegative clamps a to be at least zero.
func (a Amps) NonNegative() Amps {
	if a < 0 {
		return 0
	}

	return a
}
