// Package discovery runs a single background worker loop that
// periodically probes the LAN for sibling openevse._tcp service records
// and maintains a cached, timestamped snapshot of what it found.
//
// The worker lifecycle (ticker + done channel + wg) follows the same
// poller.Start shape used elsewhere in this codebase; the cache-TTL and
// dedup-by-hostname semantics follow the reference EVSE firmware's own
// discovery loop.
package discovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openevse/loadshare/internal/clockutil"
	"github.com/openevse/loadshare/internal/logging"
	"github.com/openevse/loadshare/internal/mdnsclient"
)

// Snapshot is the last completed discovery result.
type Snapshot struct {
	Peers     []mdnsclient.Record
	UpdatedAt time.Time
}

// IsStale reports whether the snapshot is older than ttl.
func (s Snapshot) IsStale(now time.Time, ttl time.Duration) bool {
	if s.UpdatedAt.IsZero() {
		return true
	}

	return now.Sub(s.UpdatedAt) > ttl
}

// Queryer performs one mDNS query, bounded by ctx/timeout. Production code
// uses mdnsclient.Query; tests substitute a fake.
type Queryer func(ctx context.Context, timeout time.Duration) ([]mdnsclient.Record, error)

// Config controls the engine's timing.
type Config struct {
	PollInterval      time.Duration // default 2s
	DiscoveryInterval time.Duration // default 60s
	QueryTimeout      time.Duration // default 5s
	SnapshotTTL       time.Duration // default 60s
}

// DefaultConfig returns the engine's stated defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      2 * time.Second,
		DiscoveryInterval: 60 * time.Second,
		QueryTimeout:      5 * time.Second,
		SnapshotTTL:       60 * time.Second,
	}
}

// Engine runs the Idle -> QueryInFlight -> Idle state machine.
type Engine struct {
	cfg     Config
	clock   clockutil.Clock
	query   Queryer
	logger  logging.Logger
	sf      singleflight.Group
	snap    atomic.Pointer[Snapshot]
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started atomic.Bool

	lastStarted  time.Time
	inFlight     bool
	triggerNow   atomic.Bool
}

// New constructs an Engine. A nil clock defaults to the real clock; a nil
// query function defaults to mdnsclient.Query.
func New(cfg Config, clock clockutil.Clock, query Queryer, log logging.Logger) *Engine {
	if clock == nil {
		clock = clockutil.Real{}
	}

	if query == nil {
		query = mdnsclient.Query
	}

	e := &Engine{
		cfg:    cfg,
		clock:  clock,
		query:  query,
		logger: log,
		done:   make(chan struct{}),
	}

	e.snap.Store(&Snapshot{})

	return e
}

// Trigger forces the next periodic tick to treat "now" as due for a fresh
// query. Idempotent and non-blocking; it never pre-empts an in-flight query.
func (e *Engine) Trigger() {
	e.triggerNow.Store(true)
}

// Snapshot returns the last completed discovery result. Never blocks on the
// network.
func (e *Engine) Snapshot() Snapshot {
	return *e.snap.Load()
}

// Start runs the worker loop until ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}

	ticker := e.clock.Ticker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.wg.Add(1)
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.done:
			return nil
		case <-ticker.Chan():
			e.tick(ctx)
		}
	}
}

// Stop signals the worker loop to exit and waits for it to do so.
func (e *Engine) Stop() {
	select {
	case <-e.done:
		// already closed
	default:
		close(e.done)
	}

	e.wg.Wait()
}

func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	if e.inFlight {
		e.mu.Unlock()
		return
	}

	due := e.triggerNow.Load() || e.clock.Now().Sub(e.lastStarted) >= e.cfg.DiscoveryInterval
	if !due {
		e.mu.Unlock()
		return
	}

	e.inFlight = true
	e.lastStarted = e.clock.Now()
	e.triggerNow.Store(false)
	e.mu.Unlock()

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		e.runQuery(ctx)

		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
	}()
}

func (e *Engine) runQuery(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	// tick's inFlight flag already keeps queries from overlapping (Trigger
	// only marks the next tick as due); singleflight under one constant key
	// additionally collapses any concurrent runQuery calls into one query.
	result, err, _ := e.sf.Do("query", func() (interface{}, error) {
		return e.query(queryCtx, e.cfg.QueryTimeout)
	})

	if err != nil {
		// Network errors, empty results, and timeouts yield an empty-but-fresh
		// snapshot; they never abort the loop.
		if e.logger != nil {
			e.logger.Warn().Err(err).Msg("discovery query failed, publishing empty snapshot")
		}

		e.snap.Store(&Snapshot{UpdatedAt: e.clock.Now()})

		return
	}

	records, _ := result.([]mdnsclient.Record)
	deduped := dedupeByHost(records)

	e.snap.Store(&Snapshot{Peers: deduped, UpdatedAt: e.clock.Now()})

	if e.logger != nil {
		e.logger.Debug().Int("peers", len(deduped)).Msg("discovery snapshot updated")
	}
}

// dedupeByHost keeps the first occurrence of each hostname, since the same
// device may answer over multiple interfaces.
func dedupeByHost(records []mdnsclient.Record) []mdnsclient.Record {
	seen := make(map[string]struct{}, len(records))

	out := make([]mdnsclient.Record, 0, len(records))

	for _, r := range records {
		if _, ok := seen[r.Host]; ok {
			continue
		}

		seen[r.Host] = struct{}{}

		out = append(out, r)
	}

	return out
}
