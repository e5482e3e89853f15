// Package hardware defines the contract the Enforcement Bridge drives: a
// charging-hardware collaborator that accepts a power cap and reports the
// node's own measured voltage and any non-allocator-controlled load.
//
// The EVSE hardware layer itself is outside this module's scope; it is
// injected as an interface rather than a concrete dependency, the same
// shape used for other external collaborators (pollable checkers, remote
// targets) elsewhere in this codebase.
package hardware

import "context"

// Driver is the boundary to the physical charging hardware.
type Driver interface {
	// SetPowerCap instructs the hardware to cap output at watts.
	SetPowerCap(ctx context.Context, watts float64) error
	// MeasuredVoltage returns the node's own measured line voltage, used as
	// the Enforcement Bridge's second-priority voltage source.
	MeasuredVoltage(ctx context.Context) (float64, error)
	// SetOtherLoad reports the sum of peers' currently observed power draw
	// so the hardware can account for load on the shared circuit that the
	// allocator does not itself control.
	SetOtherLoad(ctx context.Context, watts float64) error
	// HasValidStatus reports whether the hardware currently has a valid
	// reading of its own sensors, feeding the Failsafe Supervisor's
	// external-collaborator-signal rule.
	HasValidStatus(ctx context.Context) bool
}

// NominalVoltage is the fallback used when neither a peer nor the local
// node reports a usable voltage reading.
const NominalVoltage = 240.0

// Simulated is a Driver that always reports healthy, fixed readings; used
// for development and in tests that exercise the Enforcement Bridge
// without real hardware attached.
type Simulated struct {
	Voltage float64
	Valid   bool

	lastCapW       float64
	lastOtherLoadW float64
}

// NewSimulated constructs a Simulated driver with nominal voltage.
func NewSimulated() *Simulated {
	return &Simulated{Voltage: NominalVoltage, Valid: true}
}

func (s *Simulated) SetPowerCap(_ context.Context, watts float64) error {
	s.lastCapW = watts
	return nil
}

func (s *Simulated) MeasuredVoltage(_ context.Context) (float64, error) {
	return s.Voltage, nil
}

func (s *Simulated) SetOtherLoad(_ context.Context, watts float64) error {
	s.lastOtherLoadW = watts
	return nil
}

func (s *Simulated) HasValidStatus(_ context.Context) bool {
	return s.Valid
}

// LastPowerCapW returns the most recently applied cap, for tests and the
// diagnostic API's introspection of hardware state.
func (s *Simulated) LastPowerCapW() float64 {
	return s.lastCapW
}

// LastOtherLoadW returns the most recently reported peer-load figure, for
// tests and introspection.
func (s *Simulated) LastOtherLoadW() float64 {
	return s.lastOtherLoadW
}
