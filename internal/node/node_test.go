package node

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openevse/loadshare/internal/hardware"
	"github.com/openevse/loadshare/internal/models"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()

	dir := t.TempDir()

	cfg := models.GroupConfig{
		GroupID:                     "g1",
		GroupMaxCurrentA:            40,
		SafetyFactor:                1.0,
		HeartbeatTimeoutS:           30,
		FailsafeMode:                models.FailsafeModeSafeCurrent,
		FailsafeSafeCurrentA:        6,
		FailsafePeerAssumedCurrentA: 16,
		MinCurrentA:                 6,
		DiscoveryIntervalS:          60,
		DiscoveryPollIntervalS:      2,
		DiscoveryQueryTimeoutS:      5,
		DiscoverySnapshotTTLS:       60,
	}

	n, err := New(Options{
		SelfDeviceID: "self",
		SelfHost:     "self.local",
		ListenAddr:   "127.0.0.1:0",
		DataDir:      dir,
		ConfigPath:   filepath.Join(dir, "group_config.json"),
		Driver:       hardware.NewSimulated(),
	}, cfg)
	require.NoError(t, err)

	return n
}

func TestApplyAndCurrentRoundTrip(t *testing.T) {
	n := newTestNode(t)

	newCfg := n.Current()
	newCfg.GroupMaxCurrentA = 33

	require.NoError(t, n.Apply(newCfg))
	assert.Equal(t, 33.0, n.Current().GroupMaxCurrentA)
}

func TestSubscribePublishesOnMaterialChange(t *testing.T) {
	n := newTestNode(t)

	ch, unsubscribe := n.Subscribe()
	defer unsubscribe()

	n.tick(context.Background())

	select {
	case snap := <-ch:
		assert.GreaterOrEqual(t, snap.Amp, 0.0)
	case <-time.After(time.Second):
		t.Fatal("expected a status publish after first tick")
	}
}

func TestFailsafeReflectsGroupOfOne(t *testing.T) {
	n := newTestNode(t)

	n.tick(context.Background())

	fs := n.Failsafe()
	assert.False(t, fs.Active)
}

func TestConfigConsistentWithNoDivergences(t *testing.T) {
	n := newTestNode(t)

	assert.True(t, n.ConfigConsistent())
}

func TestPersistenceReportsHealthy(t *testing.T) {
	n := newTestNode(t)

	assert.True(t, n.Persistence().OK)
}

func TestLookupPeerIsCaseInsensitive(t *testing.T) {
	n := newTestNode(t)

	require.NoError(t, n.registry.Add("Peer1.Local"))

	peer, ok := n.lookupPeer("peer1.local")
	require.True(t, ok)
	assert.Equal(t, "Peer1.Local", peer.Host)
}

func TestSelfAllocationAUpdatesAfterTick(t *testing.T) {
	n := newTestNode(t)

	n.tick(context.Background())

	// A lone node (group of one) never engages the failsafe and has no
	// demanding peers, so its own allocation is whatever the allocator
	// assigns a non-demanding self candidate: zero.
	assert.Equal(t, 0.0, n.SelfAllocationA())
}

func TestAllocationsAndComputedAtPopulateAfterTick(t *testing.T) {
	n := newTestNode(t)

	before := time.Now()
	n.tick(context.Background())

	allocs := n.Allocations()
	require.Len(t, allocs, 1)
	assert.Equal(t, "self", allocs[0].PeerID)
	assert.False(t, n.ComputedAt().Before(before))
}

func TestConfigIssuesEmptyWithNoDivergences(t *testing.T) {
	n := newTestNode(t)

	assert.Empty(t, n.ConfigIssues())
}

func TestSignalLoopTicksImmediatelyOnStatusChanged(t *testing.T) {
	n := newTestNode(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go n.signalLoop(ctx)

	n.signals.StatusChanged <- "peer.local"

	require.Eventually(t, func() bool {
		return !n.ComputedAt().IsZero()
	}, time.Second, 10*time.Millisecond)
}

func TestResolveSelfDeviceIDReturnsExplicitWithoutTouchingDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_identity.json")

	id, err := resolveSelfDeviceID("explicit-id", path)
	require.NoError(t, err)
	assert.Equal(t, "explicit-id", id)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestResolveSelfDeviceIDGeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_identity.json")

	first, err := resolveSelfDeviceID("", path)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := resolveSelfDeviceID("", path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
