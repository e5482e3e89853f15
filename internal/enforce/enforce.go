// Package enforce implements the Enforcement Bridge:
// it translates the allocator's self-allocation and the Failsafe
// Supervisor's decision into the two values the hardware.Driver consumes,
// max_power_w and live_power_w, applying voltage-selection priority and a
// thrash-avoiding emission threshold.
//
// The edge-triggered "only call the driver when something material
// changed" shape is grounded on the same pattern as internal/ingest's
// Signals and internal/failsafe's Supervisor: compute on every tick, but
// only act when the computed value actually moved.
package enforce

import (
	"context"
	"fmt"

	"github.com/openevse/loadshare/internal/decamp"
	"github.com/openevse/loadshare/internal/failsafe"
	"github.com/openevse/loadshare/internal/hardware"
	"github.com/openevse/loadshare/internal/logging"
	"github.com/openevse/loadshare/internal/models"
)

// emitThresholdA is the minimum change in amp-equivalent current, at the
// node's own voltage (measured, else NominalVoltage), that justifies
// re-emitting to the hardware driver (≈100W at 240V).
const emitThresholdA = 0.5

// PeerSnapshot is the subset of peer state the bridge needs to compute
// live_power_w: amp draw and, if present, the peer's own reported voltage.
type PeerSnapshot struct {
	Amp     float64
	Voltage float64
	Online  bool
}

// Input is one tick's worth of data for the bridge to translate.
type Input struct {
	SelfAllocationA float64
	FailsafeActive  bool
	FailsafeSelfA   float64
	Peers           []PeerSnapshot
}

// Bridge drives a hardware.Driver from allocator/failsafe output,
// suppressing redundant SetPowerCap/SetOtherLoad calls.
type Bridge struct {
	driver hardware.Driver
	logger logging.Logger

	hasLast        bool
	lastSelfA      decamp.Amps
	lastFailsafe   bool
	lastLivePowerW float64
}

// New constructs a Bridge over driver.
func New(driver hardware.Driver, log logging.Logger) *Bridge {
	return &Bridge{driver: driver, logger: log}
}

// Apply computes max_power_w and live_power_w for in and, if the emission
// policy says so, calls the driver's SetPowerCap with the max_power_w
// value. It always returns the computed values so callers (the diagnostic
// API) can report them even on ticks that did not emit.
func (b *Bridge) Apply(ctx context.Context, in Input) (maxPowerW, livePowerW float64, emitted bool, err error) {
	selfA := in.SelfAllocationA
	if in.FailsafeActive {
		selfA = in.FailsafeSelfA
	}

	selfVoltage, verr := b.driver.MeasuredVoltage(ctx)
	if verr != nil || selfVoltage <= 0 {
		selfVoltage = hardware.NominalVoltage
	}

	maxPowerW = selfA * selfVoltage

	for _, p := range in.Peers {
		if !p.Online {
			continue
		}

		v := p.Voltage
		if v <= 0 {
			v = selfVoltage
		}

		livePowerW += p.Amp * v
	}

	selfAFixed := decamp.FromFloat(selfA)

	deltaSelf := decamp.Sub(selfAFixed, b.lastSelfA)
	if deltaSelf < 0 {
		deltaSelf = -deltaSelf
	}

	deltaLiveW := livePowerW - b.lastLivePowerW
	if deltaLiveW < 0 {
		deltaLiveW = -deltaLiveW
	}

	deltaLiveA := deltaLiveW / selfVoltage

	shouldEmit := !b.hasLast ||
		deltaSelf.Float64() >= emitThresholdA ||
		deltaLiveA >= emitThresholdA ||
		in.FailsafeActive != b.lastFailsafe

	if !shouldEmit {
		return maxPowerW, livePowerW, false, nil
	}

	if err := b.driver.SetPowerCap(ctx, maxPowerW); err != nil {
		return maxPowerW, livePowerW, false, fmt.Errorf("set power cap: %w", err)
	}

	if err := b.driver.SetOtherLoad(ctx, livePowerW); err != nil {
		return maxPowerW, livePowerW, false, fmt.Errorf("set other load: %w", err)
	}

	b.hasLast = true
	b.lastSelfA = selfAFixed
	b.lastFailsafe = in.FailsafeActive
	b.lastLivePowerW = livePowerW

	if b.logger != nil {
		b.logger.Debug().Float64("max_power_w", maxPowerW).Float64("live_power_w", livePowerW).
			Bool("failsafe_active", in.FailsafeActive).Msg("enforcement bridge emitted power cap")
	}

	return maxPowerW, livePowerW, true, nil
}

// FailsafeInputFromDecision adapts a failsafe.Decision into the two
// failsafe-related Input fields, so callers don't have to repeat the
// active/selfA unpacking at every call site.
func FailsafeInputFromDecision(d failsafe.Decision) (active bool, selfA float64) {
	return d.Active, d.SelfA
}

// PeerSnapshotsFromRegistry builds PeerSnapshot entries from registry peer
// records, used by the node composition root to feed Apply without
// internal/enforce importing internal/registry.
func PeerSnapshotsFromRegistry(peers map[string]*models.Peer) []PeerSnapshot {
	out := make([]PeerSnapshot, 0, len(peers))

	for _, p := range peers {
		out = append(out, PeerSnapshot{
			Amp:     p.Status.Amp,
			Voltage: p.Status.Voltage,
			Online:  p.Online,
		})
	}

	return out
}
