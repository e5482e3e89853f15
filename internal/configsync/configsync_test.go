package configsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openevse/loadshare/internal/clockutil"
	"github.com/openevse/loadshare/internal/logging"
	"github.com/openevse/loadshare/internal/models"
)

// instantClock fires every Ticker immediately, so tests exercising the
// push backoff ladder don't actually wait 1s/2s/4s.
type instantClock struct{}

func (instantClock) Now() time.Time { return time.Time{} }

func (instantClock) Ticker(time.Duration) clockutil.Ticker { return instantTicker{} }

type instantTicker struct{}

func (instantTicker) Chan() <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}

	return ch
}

func (instantTicker) Stop() {}

// flakyPeerClient fails PushConfig failures times before succeeding.
type flakyPeerClient struct {
	failures int
	calls    int
}

func (f *flakyPeerClient) FetchConfig(context.Context, string) (models.GroupConfig, error) {
	return models.GroupConfig{}, nil
}

func (f *flakyPeerClient) PushConfig(context.Context, string, models.GroupConfig) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("transient failure")
	}

	return nil
}

type fakeApplier struct {
	cur     models.GroupConfig
	applied []models.GroupConfig
}

func (f *fakeApplier) Apply(cfg models.GroupConfig) error {
	f.cur = cfg
	f.applied = append(f.applied, cfg)

	return nil
}

func (f *fakeApplier) Current() models.GroupConfig { return f.cur }

type fakePeerClient struct {
	fetchResult models.GroupConfig
	fetchErr    error
	pushErr     error
	pushedTo    string
	pushedCfg   models.GroupConfig
}

func (f *fakePeerClient) FetchConfig(_ context.Context, _ string) (models.GroupConfig, error) {
	return f.fetchResult, f.fetchErr
}

func (f *fakePeerClient) PushConfig(_ context.Context, host string, cfg models.GroupConfig) error {
	f.pushedTo = host
	f.pushedCfg = cfg

	return f.pushErr
}

func TestHashInvariantUnderMemberReordering(t *testing.T) {
	cfg := models.GroupConfig{GroupID: "g1", GroupMaxCurrentA: 40, SafetyFactor: 1.0}

	h1 := FingerprintOf(cfg, []string{"b.local", "a.local"}).Hash()
	h2 := FingerprintOf(cfg, []string{"a.local", "b.local"}).Hash()

	assert.Equal(t, h1, h2)
}

func TestReconcileConsistentWhenMatching(t *testing.T) {
	local := models.GroupConfig{GroupID: "g1", GroupMaxCurrentA: 40, SafetyFactor: 1.0, ConfigVersion: 3}
	applier := &fakeApplier{cur: local}

	s := New(applier, &fakePeerClient{}, "node-a", logging.Nop())

	hash := localHash(local)

	outcome, err := s.Reconcile(context.Background(), "peer.local", 3, hash)

	require.NoError(t, err)
	assert.Equal(t, OutcomeConsistent, outcome)
}

func TestReconcilePullsWhenPeerVersionIsHigher(t *testing.T) {
	local := models.GroupConfig{GroupID: "g1", GroupMaxCurrentA: 40, SafetyFactor: 1.0, ConfigVersion: 1}
	applier := &fakeApplier{cur: local}

	peerCfg := models.GroupConfig{GroupID: "g1", GroupMaxCurrentA: 50, SafetyFactor: 1.0, ConfigVersion: 2, ConfigUpdatedAt: 100}
	client := &fakePeerClient{fetchResult: peerCfg}

	s := New(applier, client, "node-a", logging.Nop())

	outcome, err := s.Reconcile(context.Background(), "peer.local", 2, "whatever")

	require.NoError(t, err)
	assert.Equal(t, OutcomePulled, outcome)
	assert.Equal(t, uint64(2), applier.Current().ConfigVersion)
	assert.Equal(t, 50.0, applier.Current().GroupMaxCurrentA)
}

func TestReconcilePushesWhenLocalVersionIsHigher(t *testing.T) {
	local := models.GroupConfig{GroupID: "g1", GroupMaxCurrentA: 40, SafetyFactor: 1.0, ConfigVersion: 5}
	applier := &fakeApplier{cur: local}
	client := &fakePeerClient{}

	s := New(applier, client, "node-a", logging.Nop())

	outcome, err := s.Reconcile(context.Background(), "peer.local", 2, "old-hash")

	require.NoError(t, err)
	assert.Equal(t, OutcomePushed, outcome)
	assert.Equal(t, "peer.local", client.pushedTo)
	assert.Equal(t, uint64(5), client.pushedCfg.ConfigVersion)
}

func TestReconcileRejectsInvalidPeerConfig(t *testing.T) {
	local := models.GroupConfig{GroupID: "g1", GroupMaxCurrentA: 40, SafetyFactor: 1.0, ConfigVersion: 1}
	applier := &fakeApplier{cur: local}

	invalidPeerCfg := models.GroupConfig{GroupID: "", ConfigVersion: 2} // missing group_id fails Validate
	client := &fakePeerClient{fetchResult: invalidPeerCfg}

	s := New(applier, client, "node-a", logging.Nop())

	outcome, err := s.Reconcile(context.Background(), "peer.local", 2, "h")

	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Equal(t, local, applier.Current()) // unchanged
}

func TestReconcileRecordsDivergenceOnFetchFailure(t *testing.T) {
	local := models.GroupConfig{GroupID: "g1", GroupMaxCurrentA: 40, SafetyFactor: 1.0, ConfigVersion: 1}
	applier := &fakeApplier{cur: local}
	client := &fakePeerClient{fetchErr: errors.New("unreachable")}

	s := New(applier, client, "node-a", logging.Nop())

	_, err := s.Reconcile(context.Background(), "peer.local", 2, "h")
	require.Error(t, err)

	divs := s.Divergences()
	require.Len(t, divs, 1)
	assert.Equal(t, "peer.local", divs[0].PeerHost)
}

func TestConservativeGroupMaxCurrentAPicksSmallest(t *testing.T) {
	got := ConservativeGroupMaxCurrentA(40, 35, 50, 30)
	assert.Equal(t, 30.0, got)
}

func TestPushRetriesOnBackoffLadderThenRecordsDivergence(t *testing.T) {
	local := models.GroupConfig{GroupID: "g1", GroupMaxCurrentA: 40, SafetyFactor: 1.0, ConfigVersion: 5}
	applier := &fakeApplier{cur: local}
	client := &fakePeerClient{pushErr: errors.New("unreachable")}

	s := New(applier, client, "node-a", logging.Nop())
	s.clock = instantClock{}

	outcome, err := s.Reconcile(context.Background(), "peer.local", 2, "old-hash")
	require.Error(t, err)
	assert.Equal(t, OutcomeRejected, outcome)

	divs := s.Divergences()
	require.Len(t, divs, 1)
	assert.Equal(t, "peer.local", divs[0].PeerHost)
}

func TestPushSucceedsAfterTransientFailuresWithinBackoffLadder(t *testing.T) {
	local := models.GroupConfig{GroupID: "g1", GroupMaxCurrentA: 40, SafetyFactor: 1.0, ConfigVersion: 5}
	applier := &fakeApplier{cur: local}
	client := &flakyPeerClient{failures: 2}

	s := New(applier, client, "node-a", logging.Nop())
	s.clock = instantClock{}

	outcome, err := s.Reconcile(context.Background(), "peer.local", 2, "old-hash")
	require.NoError(t, err)
	assert.Equal(t, OutcomePushed, outcome)
	assert.Equal(t, 3, client.calls)
	assert.Empty(t, s.Divergences())
}

func TestWinnerOfTiebreaksOnUpdatedAtThenDeviceID(t *testing.T) {
	local := models.GroupConfig{ConfigUpdatedAt: 100}
	peer := models.GroupConfig{ConfigUpdatedAt: 50}

	assert.Equal(t, "local-id", winnerOf(local, peer, "local-id", "peer-id"))

	local.ConfigUpdatedAt = 50
	peer.ConfigUpdatedAt = 50

	assert.Equal(t, "peer-id", winnerOf(local, peer, "local-id", "peer-id"))
}
