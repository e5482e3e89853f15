package discovery

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openevse/loadshare/internal/clockutil"
	"github.com/openevse/loadshare/internal/logging"
	"github.com/openevse/loadshare/internal/mdnsclient"
)

func TestDedupeByHostKeepsFirstOccurrence(t *testing.T) {
	in := []mdnsclient.Record{
		{Host: "a.local", IP: "10.0.0.1"},
		{Host: "a.local", IP: "10.0.0.2"},
		{Host: "b.local", IP: "10.0.0.3"},
	}

	out := dedupeByHost(in)

	require.Len(t, out, 2)
	assert.Equal(t, "10.0.0.1", out[0].IP)
	assert.Equal(t, "10.0.0.3", out[1].IP)
}

func TestEngineTriggerForcesQuery(t *testing.T) {
	var calls atomic.Int32

	query := func(ctx context.Context, timeout time.Duration) ([]mdnsclient.Record, error) {
		calls.Add(1)
		return []mdnsclient.Record{{Host: "peer1.local"}}, nil
	}

	cfg := DefaultConfig()
	cfg.DiscoveryInterval = time.Hour // never due on its own within the test

	e := New(cfg, clockutil.Real{}, query, logging.Nop())

	ctx := context.Background()

	// A query just started and DiscoveryInterval is an hour, so the tick is
	// not due on its own; only Trigger makes it due.
	e.lastStarted = time.Now()
	e.Trigger()
	e.tick(ctx)

	require.Eventually(t, func() bool {
		return calls.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	snap := e.Snapshot()
	require.Len(t, snap.Peers, 1)
	assert.Equal(t, "peer1.local", snap.Peers[0].Host)
}

func TestEngineQueryFailureYieldsFreshEmptySnapshot(t *testing.T) {
	query := func(ctx context.Context, timeout time.Duration) ([]mdnsclient.Record, error) {
		return nil, assertErr
	}

	e := New(DefaultConfig(), clockutil.Real{}, query, logging.Nop())
	e.Trigger()
	e.tick(context.Background())

	require.Eventually(t, func() bool {
		return !e.Snapshot().UpdatedAt.IsZero()
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, e.Snapshot().Peers)
}

var assertErr = errTest{}

type errTest struct{}

func (errTest) Error() string { return "simulated mdns failure" }
