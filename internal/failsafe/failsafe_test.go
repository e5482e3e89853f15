package failsafe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openevse/loadshare/internal/models"
)

func TestGroupOfOneNeverEngages(t *testing.T) {
	d := Evaluate(Input{JoinedPeerCount: 0, AllocatorSelfA: 32, Mode: models.FailsafeModeDisable})

	assert.False(t, d.Active)
	assert.Equal(t, 32.0, d.SelfA)
}

func TestSomeOfflineDoesNotEngageAlone(t *testing.T) {
	d := Evaluate(Input{
		JoinedPeerCount:       2,
		AllOfflineAmongJoined: false,
		SelfHasValidStatus:    true,
		AllocatorSelfA:        20,
		Mode:                  models.FailsafeModeDisable,
	})

	assert.False(t, d.Active)
	assert.Equal(t, 20.0, d.SelfA)
}

func TestAllOfflineDisableModeForcesZero(t *testing.T) {
	d := Evaluate(Input{
		JoinedPeerCount:       2,
		AllOfflineAmongJoined: true,
		SelfHasValidStatus:    true,
		AllocatorSelfA:        20,
		Mode:                  models.FailsafeModeDisable,
	})

	assert.True(t, d.Active)
	assert.Equal(t, 0.0, d.SelfA)
	assert.Equal(t, ReasonAllOffline, d.Reason)
}

func TestAllOfflineSafeCurrentModeCapsAtMinimum(t *testing.T) {
	d := Evaluate(Input{
		JoinedPeerCount:       2,
		AllOfflineAmongJoined: true,
		SelfHasValidStatus:    true,
		AllocatorSelfA:        20,
		Mode:                  models.FailsafeModeSafeCurrent,
		SafeCurrentA:          12,
	})

	assert.True(t, d.Active)
	assert.Equal(t, 12.0, d.SelfA)

	d2 := Evaluate(Input{
		JoinedPeerCount:       2,
		AllOfflineAmongJoined: true,
		SelfHasValidStatus:    true,
		AllocatorSelfA:        8,
		Mode:                  models.FailsafeModeSafeCurrent,
		SafeCurrentA:          12,
	})

	assert.Equal(t, 8.0, d2.SelfA)
}

func TestNoSelfStatusEngagesEvenWithPeersOnline(t *testing.T) {
	d := Evaluate(Input{
		JoinedPeerCount:       2,
		AllOfflineAmongJoined: false,
		SelfHasValidStatus:    false,
		AllocatorSelfA:        20,
		Mode:                  models.FailsafeModeDisable,
	})

	assert.True(t, d.Active)
	assert.Equal(t, ReasonNoSelfStatus, d.Reason)
}

func TestSupervisorOnlyReportsChange(t *testing.T) {
	var sup Supervisor

	in := Input{JoinedPeerCount: 1, AllOfflineAmongJoined: true, Mode: models.FailsafeModeDisable, AllocatorSelfA: 10}

	_, changed := sup.Apply(in)
	assert.True(t, changed)

	_, changed = sup.Apply(in)
	assert.False(t, changed)

	in.AllocatorSelfA = 99 // irrelevant while disable mode forces 0, decision unchanged
	_, changed = sup.Apply(in)
	assert.False(t, changed)

	in.Mode = models.FailsafeModeSafeCurrent
	in.SafeCurrentA = 6
	_, changed = sup.Apply(in)
	assert.True(t, changed)
}
