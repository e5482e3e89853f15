// Package allocator implements the Equal-Share-With-Minimums algorithm: a
// pure function from group config and peer set to a current allocation
// map, deterministic across nodes because every operation is performed on
// the fixed-point grid in internal/decamp.
//
// The algorithm's shape (reserve offline budget, sort by device_id,
// iterative cap redistribution, shave-the-last-peer rounding correction)
// follows the reference EVSE firmware's loadsharing_manager; nothing else
// in this codebase computes anything resembling this, so it is
// implemented fresh in this module's general style (small pure functions,
// explicit structs, no exceptions).
package allocator

import (
	"sort"

	"github.com/openevse/loadshare/internal/decamp"
	"github.com/openevse/loadshare/internal/models"
)

const (
	ReasonNoDemand        = "no_demand"
	ReasonEqualShare      = "equal_share"
	ReasonCappedAtMax     = "capped_at_max"
	ReasonOfflineReserved = "offline_reserved"
	ReasonStarvedBySort   = "starved_by_sort"
	ReasonMinGranted      = "min_granted"
	ReasonSelf            = "self"
)

// Candidate is one peer's allocator-relevant inputs, already resolved from
// the registry/ingestor view. The local node is passed as an ordinary
// candidate under its own DeviceID with Online set, so it always
// participates and is never offline-reserved.
type Candidate struct {
	DeviceID string
	Online   bool
	Status   models.PeerStatus
	MinA     float64 // 0 => use config default
	MaxA     float64 // 0 => unbounded (falls back to per-node cap or group max)
}

// Result is the full per-peer allocation output of one computation.
type Result struct {
	Allocations map[string]models.Allocation // keyed by DeviceID
	AvailableA  float64
	ReserveA    float64
}

// Compute runs Equal-Share-With-Minimums over candidates per cfg. The
// result always satisfies Σ target_current_a <= group_max_current_a *
// safety_factor.
func Compute(cfg models.GroupConfig, candidates []Candidate) Result {
	offlineCount := 0

	for _, c := range candidates {
		if !c.Online {
			offlineCount++
		}
	}

	reserve := decamp.FromFloat(cfg.FailsafePeerAssumedCurrentA).MulInt(offlineCount)
	budget := decamp.FromFloat(cfg.GroupMaxCurrentA * cfg.SafetyFactor)
	available := decamp.Sub(budget, reserve).NonNegative()

	out := make(map[string]models.Allocation, len(candidates))

	for _, c := range candidates {
		if !c.Online {
			out[c.DeviceID] = models.Allocation{PeerID: c.DeviceID, TargetCurrentA: 0, Reason: ReasonOfflineReserved}
		}
	}

	demanding := demandingSorted(candidates, cfg)

	isDemanding := make(map[string]bool, len(demanding))
	for _, c := range demanding {
		isDemanding[c.DeviceID] = true
	}

	for _, c := range candidates {
		if c.Online && !isDemanding[c.DeviceID] {
			out[c.DeviceID] = models.Allocation{PeerID: c.DeviceID, TargetCurrentA: 0, Reason: ReasonNoDemand}
		}
	}

	if len(demanding) == 0 {
		return Result{Allocations: out, AvailableA: available.Float64(), ReserveA: reserve.Float64()}
	}

	minTotal := decamp.Zero
	for _, c := range demanding {
		minTotal = decamp.Add(minTotal, minFor(c, cfg))
	}

	var shares map[string]decamp.Amps

	if available >= minTotal {
		shares = equalShareWithCaps(demanding, cfg, available)
	} else {
		shares = starveBySort(demanding, cfg, available)
	}

	assignReasons(out, demanding, shares, cfg, available, minTotal)

	enforceBudgetCap(out, demanding, shares, budget)

	for id, amps := range shares {
		alloc := out[id]
		alloc.TargetCurrentA = amps.Float64()
		out[id] = alloc
	}

	return Result{Allocations: out, AvailableA: available.Float64(), ReserveA: reserve.Float64()}
}

func demandingSorted(candidates []Candidate, _ models.GroupConfig) []Candidate {
	var demanding []Candidate

	for _, c := range candidates {
		if c.Online && c.Status.Demands() {
			demanding = append(demanding, c)
		}
	}

	sort.Slice(demanding, func(i, j int) bool {
		return demanding[i].DeviceID < demanding[j].DeviceID
	})

	return demanding
}

func minFor(c Candidate, cfg models.GroupConfig) decamp.Amps {
	if c.MinA > 0 {
		return decamp.FromFloat(c.MinA)
	}

	return decamp.FromFloat(cfg.MinCurrentA)
}

func maxFor(c Candidate, cfg models.GroupConfig) decamp.Amps {
	if c.MaxA > 0 {
		return decamp.FromFloat(c.MaxA)
	}

	if c.Status.Pilot > 0 {
		return decamp.FromFloat(c.Status.Pilot)
	}

	if cfg.PerNodeMaxCurrentA > 0 {
		return decamp.FromFloat(cfg.PerNodeMaxCurrentA)
	}

	return decamp.FromFloat(cfg.GroupMaxCurrentA)
}

// equalShareWithCaps implements step 2: give every demanding peer its
// minimum, then distribute the remainder equally, redistributing any
// surplus produced by per-peer caps until none remain over cap or the
// surplus reaches zero.
func equalShareWithCaps(demanding []Candidate, cfg models.GroupConfig, available decamp.Amps) map[string]decamp.Amps {
	shares := make(map[string]decamp.Amps, len(demanding))
	caps := make(map[string]decamp.Amps, len(demanding))

	minTotal := decamp.Zero

	for _, c := range demanding {
		m := minFor(c, cfg)
		shares[c.DeviceID] = m
		caps[c.DeviceID] = maxFor(c, cfg)
		minTotal = decamp.Add(minTotal, m)
	}

	remainder := decamp.Sub(available, minTotal)

	uncapped := make(map[string]bool, len(demanding))
	for _, c := range demanding {
		uncapped[c.DeviceID] = true
	}

	for remainder > 0 && len(uncapped) > 0 {
		share := remainder.DivInt(len(uncapped))
		if share <= 0 {
			break
		}

		var newlyCapped []string

		for id := range uncapped {
			proposed := decamp.Add(shares[id], share)

			if proposed >= caps[id] {
				overflow := decamp.Sub(proposed, caps[id])
				shares[id] = caps[id]
				remainder = decamp.Add(decamp.Sub(remainder, share), overflow)
				newlyCapped = append(newlyCapped, id)
			} else {
				shares[id] = proposed
				remainder = decamp.Sub(remainder, share)
			}
		}

		for _, id := range newlyCapped {
			delete(uncapped, id)
		}

		if len(newlyCapped) == 0 {
			break
		}
	}

	// Distribute any final remainder (too small to divide evenly) one
	// 0.1 A tick at a time, in lex order, among still-uncapped peers.
	ids := sortedKeys(uncapped)

	for remainder > 0 && len(ids) > 0 {
		progressed := false

		for _, id := range ids {
			if remainder <= 0 {
				break
			}

			proposed := decamp.Add(shares[id], decamp.Amps(1))
			if proposed > caps[id] {
				continue
			}

			shares[id] = proposed
			remainder -= 1
			progressed = true
		}

		if !progressed {
			break
		}
	}

	return shares
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// starveBySort implements step 3: walk demanding peers in lex order,
// granting each its minimum while budget remains; peers beyond that point
// get zero.
func starveBySort(demanding []Candidate, cfg models.GroupConfig, available decamp.Amps) map[string]decamp.Amps {
	shares := make(map[string]decamp.Amps, len(demanding))
	remaining := available

	for _, c := range demanding {
		m := minFor(c, cfg)

		if remaining >= m {
			shares[c.DeviceID] = m
			remaining = decamp.Sub(remaining, m)
		} else {
			shares[c.DeviceID] = decamp.Zero
		}
	}

	return shares
}

func assignReasons(out map[string]models.Allocation, demanding []Candidate, shares map[string]decamp.Amps, cfg models.GroupConfig, available, minTotal decamp.Amps) {
	sufficientForMinimums := available >= minTotal

	for _, c := range demanding {
		reason := ReasonEqualShare

		if !sufficientForMinimums {
			if shares[c.DeviceID] == 0 {
				reason = ReasonStarvedBySort
			} else {
				reason = ReasonMinGranted
			}
		} else if shares[c.DeviceID] == maxFor(c, cfg) && maxFor(c, cfg) < decamp.FromFloat(cfg.GroupMaxCurrentA) {
			reason = ReasonCappedAtMax
		}

		out[c.DeviceID] = models.Allocation{PeerID: c.DeviceID, Reason: reason}
	}
}

// enforceBudgetCap is a numeric-safety backstop: if rounding
// ever pushed the sum above the budget, shave 0.1 A from the lex-last
// demanding peer until the invariant holds again.
func enforceBudgetCap(out map[string]models.Allocation, demanding []Candidate, shares map[string]decamp.Amps, budget decamp.Amps) {
	if len(demanding) == 0 {
		return
	}

	total := decamp.Zero
	for _, c := range demanding {
		total = decamp.Add(total, shares[c.DeviceID])
	}

	ids := make([]string, len(demanding))
	for i, c := range demanding {
		ids[i] = c.DeviceID
	}

	sort.Strings(ids)

	for total > budget && len(ids) > 0 {
		last := ids[len(ids)-1]

		if shares[last] > 0 {
			shares[last] = decamp.Sub(shares[last], decamp.Amps(1))
			total = decamp.Sub(total, decamp.Amps(1))

			continue
		}

		ids = ids[:len(ids)-1]
	}
}
