package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openevse/loadshare/internal/models"
)

func demandingCandidate(id string, pilot float64) Candidate {
	return Candidate{
		DeviceID: id,
		Online:   true,
		Status:   models.PeerStatus{Vehicle: 1, State: models.EVSEStateCharging, Pilot: pilot},
	}
}

func TestEqualShareTwoDemandingPeers(t *testing.T) {
	cfg := models.GroupConfig{GroupMaxCurrentA: 50, SafetyFactor: 1.0, FailsafePeerAssumedCurrentA: 6, MinCurrentA: 6}
	candidates := []Candidate{demandingCandidate("A", 0), demandingCandidate("B", 0)}

	res := Compute(cfg, candidates)

	assert.Equal(t, 25.0, res.Allocations["A"].TargetCurrentA)
	assert.Equal(t, 25.0, res.Allocations["B"].TargetCurrentA)
	assert.Equal(t, ReasonEqualShare, res.Allocations["A"].Reason)
}

func TestOfflinePeerReservesBudget(t *testing.T) {
	cfg := models.GroupConfig{GroupMaxCurrentA: 50, SafetyFactor: 1.0, FailsafePeerAssumedCurrentA: 6, MinCurrentA: 6}
	candidates := []Candidate{
		demandingCandidate("A", 0),
		demandingCandidate("B", 0),
		{DeviceID: "C", Online: false},
	}

	res := Compute(cfg, candidates)

	assert.Equal(t, 22.0, res.Allocations["A"].TargetCurrentA)
	assert.Equal(t, 22.0, res.Allocations["B"].TargetCurrentA)
	assert.Equal(t, 0.0, res.Allocations["C"].TargetCurrentA)
	assert.Equal(t, ReasonOfflineReserved, res.Allocations["C"].Reason)
	assert.Equal(t, 44.0, res.AvailableA)
}

func TestStarvationBySort(t *testing.T) {
	cfg := models.GroupConfig{GroupMaxCurrentA: 20, SafetyFactor: 1.0, MinCurrentA: 6}
	candidates := []Candidate{
		demandingCandidate("a", 0),
		demandingCandidate("b", 0),
		demandingCandidate("c", 0),
		demandingCandidate("d", 0),
	}

	res := Compute(cfg, candidates)

	assert.Equal(t, 6.0, res.Allocations["a"].TargetCurrentA)
	assert.Equal(t, 6.0, res.Allocations["b"].TargetCurrentA)
	assert.Equal(t, 6.0, res.Allocations["c"].TargetCurrentA)
	assert.Equal(t, 0.0, res.Allocations["d"].TargetCurrentA)
	assert.Equal(t, ReasonStarvedBySort, res.Allocations["d"].Reason)

	var sum float64
	for _, a := range res.Allocations {
		sum += a.TargetCurrentA
	}

	assert.LessOrEqual(t, sum, 20.0)
}

func TestCapRedistribution(t *testing.T) {
	cfg := models.GroupConfig{GroupMaxCurrentA: 60, SafetyFactor: 1.0, MinCurrentA: 6}
	candidates := []Candidate{
		demandingCandidate("A", 10),
		demandingCandidate("B", 0),
		demandingCandidate("C", 0),
	}

	res := Compute(cfg, candidates)

	assert.Equal(t, 10.0, res.Allocations["A"].TargetCurrentA)
	assert.Equal(t, 25.0, res.Allocations["B"].TargetCurrentA)
	assert.Equal(t, 25.0, res.Allocations["C"].TargetCurrentA)
	assert.Equal(t, ReasonCappedAtMax, res.Allocations["A"].Reason)

	var sum float64
	for _, a := range res.Allocations {
		sum += a.TargetCurrentA
	}

	assert.Equal(t, 60.0, sum)
}

func TestNoDemandYieldsZeroForEveryone(t *testing.T) {
	cfg := models.GroupConfig{GroupMaxCurrentA: 50, SafetyFactor: 1.0, MinCurrentA: 6}
	candidates := []Candidate{
		{DeviceID: "A", Online: true, Status: models.PeerStatus{Vehicle: 0, State: models.EVSEStateIdle}},
		{DeviceID: "B", Online: true, Status: models.PeerStatus{Vehicle: 1, State: models.EVSEStateIdle}},
	}

	res := Compute(cfg, candidates)

	assert.Equal(t, 0.0, res.Allocations["A"].TargetCurrentA)
	assert.Equal(t, ReasonNoDemand, res.Allocations["A"].Reason)
	assert.Equal(t, ReasonNoDemand, res.Allocations["B"].Reason)
}

func TestSumNeverExceedsBudgetAcrossRandomishInputs(t *testing.T) {
	cfg := models.GroupConfig{GroupMaxCurrentA: 33.3, SafetyFactor: 0.9, MinCurrentA: 6, FailsafePeerAssumedCurrentA: 4}

	candidates := []Candidate{
		demandingCandidate("n1", 16),
		demandingCandidate("n2", 32),
		{DeviceID: "n3", Online: false},
		demandingCandidate("n4", 0),
	}

	res := Compute(cfg, candidates)

	budget := cfg.GroupMaxCurrentA * cfg.SafetyFactor

	var sum float64
	for _, a := range res.Allocations {
		sum += a.TargetCurrentA
	}

	require.LessOrEqual(t, sum, budget)
}
