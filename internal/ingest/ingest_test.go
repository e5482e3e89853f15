package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openevse/loadshare/internal/clockutil"
	"github.com/openevse/loadshare/internal/logging"
	"github.com/openevse/loadshare/internal/models"
)

type fakeRegistry struct {
	mu       sync.Mutex
	statuses map[string]models.PeerStatus
	offline  map[string]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{statuses: map[string]models.PeerStatus{}, offline: map[string]bool{}}
}

func (f *fakeRegistry) UpdateStatus(host string, status models.PeerStatus, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[host] = status
	f.offline[host] = false
}

func (f *fakeRegistry) MarkOffline(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline[host] = true
}

func (f *fakeRegistry) statusOf(host string) models.PeerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[host]
}

func (f *fakeRegistry) isOffline(host string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offline[host]
}

// fakeFetcher lets tests script bootstrap and stream behavior deterministically.
type fakeFetcher struct {
	mu        sync.Mutex
	statusSeq []statusResult
	statusIdx int
	dialFn    func() (Stream, error)
}

type statusResult struct {
	status models.PeerStatus
	err    error
}

func (f *fakeFetcher) FetchStatus(_ context.Context, _ string) (models.PeerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.statusIdx >= len(f.statusSeq) {
		return f.statusSeq[len(f.statusSeq)-1].status, f.statusSeq[len(f.statusSeq)-1].err
	}

	r := f.statusSeq[f.statusIdx]
	f.statusIdx++

	return r.status, r.err
}

func (f *fakeFetcher) Dial(_ context.Context, _ string) (Stream, error) {
	return f.dialFn()
}

// fakeStream yields scripted messages then an error.
type fakeStream struct {
	mu     sync.Mutex
	msgs   []models.PeerStatus
	idx    int
	closed bool
}

func (s *fakeStream) ReadJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.idx >= len(s.msgs) {
		return errors.New("eof")
	}

	out := v.(*models.PeerStatus)
	*out = s.msgs[s.idx]
	s.idx++

	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true

	return nil
}

func TestBootstrapThenStreamAppliesSnapshotAndDeltas(t *testing.T) {
	reg := newFakeRegistry()
	sig := NewSignals(4)

	stream := &fakeStream{msgs: []models.PeerStatus{
		{Amp: 10, State: models.EVSEStateCharging, ConfigVersion: 1, ConfigHash: "h1"},
		{Amp: 12, State: models.EVSEStateCharging, ConfigVersion: 1, ConfigHash: "h1"},
	}}

	fetcher := &fakeFetcher{
		statusSeq: []statusResult{{status: models.PeerStatus{Amp: 5, ConfigVersion: 1, ConfigHash: "h1"}}},
		dialFn:    func() (Stream, error) { return stream, nil },
	}

	sub := NewSubscriber("peer1.local", reg, sig, fetcher, clockutil.Real{}, 30*time.Second, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())

	go sub.Run(ctx)

	require.Eventually(t, func() bool {
		return reg.statusOf("peer1.local").Amp == 12
	}, time.Second, 5*time.Millisecond)

	select {
	case peer := <-sig.StatusChanged:
		assert.Equal(t, "peer1.local", peer)
	case <-time.After(time.Second):
		t.Fatal("expected a StatusChanged signal")
	}

	cancel()
}

func TestDialNotFoundFallsBackToPolling(t *testing.T) {
	reg := newFakeRegistry()
	sig := NewSignals(4)

	fetcher := &fakeFetcher{
		statusSeq: []statusResult{
			{status: models.PeerStatus{Amp: 1}},
			{status: models.PeerStatus{Amp: 2}},
		},
		dialFn: func() (Stream, error) { return nil, errStreamNotFound },
	}

	sub := NewSubscriber("peer2.local", reg, sig, fetcher, clockutil.Real{}, 3*time.Second, logging.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	sub.Run(ctx)

	// Bootstrap applied before the poll-fallback ticker (1s interval) ever fires.
	assert.Equal(t, 1.0, reg.statusOf("peer2.local").Amp)
}

func TestSuperviseMarksOfflineAfterHeartbeatTimeout(t *testing.T) {
	reg := newFakeRegistry()
	sig := NewSignals(4)

	fetcher := &fakeFetcher{statusSeq: []statusResult{{err: errors.New("down")}}}

	sub := NewSubscriber("peer3.local", reg, sig, fetcher, clockutil.Real{}, 20*time.Millisecond, logging.Nop())
	sub.applySnapshot(models.PeerStatus{Amp: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go sub.Supervise(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return reg.isOffline("peer3.local")
	}, time.Second, 5*time.Millisecond)
}
