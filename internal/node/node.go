// Package node is the composition root: it wires discovery, the peer
// registry, per-peer ingestion, the allocator, the failsafe supervisor,
// config sync, the enforcement bridge, and the diagnostic API into one
// running process, and owns the top-level supervised goroutines and
// shutdown sequencing.
//
// The errgroup.Group-based supervised-goroutine shape follows the same
// errgroup fan-out pattern used for bounded concurrent fetches elsewhere
// in this codebase, generalized from a single bounded fetch to the
// module's set of long-running workers.
package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openevse/loadshare/internal/allocator"
	"github.com/openevse/loadshare/internal/api"
	"github.com/openevse/loadshare/internal/clockutil"
	"github.com/openevse/loadshare/internal/configsync"
	"github.com/openevse/loadshare/internal/discovery"
	"github.com/openevse/loadshare/internal/enforce"
	"github.com/openevse/loadshare/internal/failsafe"
	"github.com/openevse/loadshare/internal/hardware"
	"github.com/openevse/loadshare/internal/ingest"
	"github.com/openevse/loadshare/internal/logging"
	"github.com/openevse/loadshare/internal/mdnsclient"
	"github.com/openevse/loadshare/internal/models"
	"github.com/openevse/loadshare/internal/registry"
	"github.com/openevse/loadshare/internal/store"
)

// ShutdownBudget is the maximum time Run waits for workers to exit before
// returning.
const ShutdownBudget = 2 * time.Second

const tickInterval = 1 * time.Second

// supervisorPassInterval is how often each subscriber's supervisor pass
// re-checks its peer's last-seen time against the heartbeat timeout, kept
// well below any reasonable heartbeat_timeout_s so offline detection isn't
// gated on it.
const supervisorPassInterval = 1 * time.Second

// Options configures a Node at construction time.
type Options struct {
	SelfDeviceID string
	SelfHost     string
	ListenAddr   string
	DataDir      string
	ConfigPath   string
	Driver       hardware.Driver
	Logger       logging.Logger
}

// Node owns every component of one loadshared process.
type Node struct {
	opts Options

	cfgMu sync.Mutex
	cfg   models.GroupConfig

	cfgStore *store.JSONFile

	registry  *registry.Registry
	discovery *discovery.Engine
	syncer    *configsync.Syncer
	driver    hardware.Driver
	bridge    *enforce.Bridge
	fetcher   ingest.Fetcher
	signals   *ingest.Signals
	peerCfg   configsync.PeerConfigClient

	failsafeSup failsafe.Supervisor

	subMu       sync.Mutex
	subscribers map[string]*ingest.Subscriber
	subCancels  map[string]context.CancelFunc

	tickMu sync.Mutex // serializes tick() against concurrent periodic and signal-triggered calls

	selfMu          sync.Mutex
	self            models.PeerStatus
	lastFS          failsafe.Decision
	selfA           float64
	lastAllocations []models.Allocation
	lastTickAt      time.Time
	subs            map[chan models.PeerStatus]struct{}

	server     *api.Server
	httpServer *http.Server
	advertiser *mdnsclient.Advertiser
}

// identityDocument is the on-disk shape of node_identity.json.
type identityDocument struct {
	DeviceID string `json:"device_id"`
}

// resolveSelfDeviceID returns explicit if set, otherwise loads a
// previously persisted generated id from path, otherwise generates and
// persists a new one so restarts keep the same identity.
func resolveSelfDeviceID(explicit, path string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	persist, err := store.NewJSONFile(path)
	if err != nil {
		return "", fmt.Errorf("construct identity store: %w", err)
	}

	var doc identityDocument

	if err := persist.Load(&doc); err == nil && doc.DeviceID != "" {
		return doc.DeviceID, nil
	}

	doc.DeviceID = uuid.NewString()

	if err := persist.Save(doc); err != nil {
		return "", fmt.Errorf("persist generated node identity: %w", err)
	}

	return doc.DeviceID, nil
}

// New constructs a Node. cfg is the already-loaded, already-validated group
// config; the caller (cmd/loadshared) owns config file loading via
// internal/config.
func New(opts Options, cfg models.GroupConfig) (*Node, error) {
	selfHosts := registry.SelfHostsFromInterfaces()
	if opts.SelfHost != "" {
		selfHosts = append(selfHosts, opts.SelfHost)
	}

	deviceID, err := resolveSelfDeviceID(opts.SelfDeviceID, opts.DataDir+"/node_identity.json")
	if err != nil {
		return nil, fmt.Errorf("resolve node identity: %w", err)
	}

	opts.SelfDeviceID = deviceID

	reg, err := registry.New(opts.DataDir+"/loadsharing_peers.json", selfHosts, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("construct peer registry: %w", err)
	}

	cfgStore, err := store.NewJSONFile(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("construct config store: %w", err)
	}

	driver := opts.Driver
	if driver == nil {
		driver = hardware.NewSimulated()
	}

	n := &Node{
		opts:        opts,
		cfg:         cfg,
		cfgStore:    cfgStore,
		registry:    reg,
		driver:      driver,
		fetcher:     ingest.NewHTTPFetcher(nil, "http", opts.Logger),
		signals:     ingest.NewSignals(32),
		peerCfg:     configsync.NewHTTPPeerConfigClient(nil, "http", opts.Logger),
		subscribers: map[string]*ingest.Subscriber{},
		subCancels:  map[string]context.CancelFunc{},
		subs:        map[chan models.PeerStatus]struct{}{},
	}

	n.bridge = enforce.New(driver, opts.Logger)
	n.syncer = configsync.New(n, n.peerCfg, opts.SelfDeviceID, opts.Logger)

	n.discovery = discovery.New(discovery.Config{
		PollInterval:      time.Duration(cfg.DiscoveryPollIntervalS) * time.Second,
		DiscoveryInterval: time.Duration(cfg.DiscoveryIntervalS) * time.Second,
		QueryTimeout:      time.Duration(cfg.DiscoveryQueryTimeoutS) * time.Second,
		SnapshotTTL:       time.Duration(cfg.DiscoverySnapshotTTLS) * time.Second,
	}, clockutil.Real{}, nil, opts.Logger)

	n.server = api.New(reg, n.discovery, n, n, n, opts.Logger)
	n.httpServer = &http.Server{
		Addr:         opts.ListenAddr,
		Handler:      n.server.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if port, ok := advertisePort(opts.ListenAddr); ok {
		instance := opts.SelfHost
		if instance == "" {
			if h, herr := os.Hostname(); herr == nil && h != "" {
				instance = h
			} else {
				instance = opts.SelfDeviceID
			}
		}

		adv, err := mdnsclient.Advertise(instance, port, nil, nil)
		if err != nil {
			if opts.Logger != nil {
				opts.Logger.Warn().Err(err).Msg("failed to start mdns advertiser, peers will not discover this node")
			}
		} else {
			n.advertiser = adv
		}
	}

	return n, nil
}

// advertisePort extracts the TCP port the diagnostic API listens on from
// opts.ListenAddr, for the mDNS advertiser. Returns false if addr carries
// no parseable port (e.g. empty).
func advertisePort(addr string) (int, bool) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, false
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, false
	}

	return port, true
}

// Run starts every supervised worker and blocks until ctx is cancelled,
// then waits up to ShutdownBudget for them to exit.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.discovery.Start(gctx) })
	g.Go(func() error { n.discoveryMergeLoop(gctx); return nil })
	g.Go(func() error { n.tickLoop(gctx); return nil })
	g.Go(func() error { n.peerLifecycleLoop(gctx); return nil })
	g.Go(func() error { n.signalLoop(gctx); return nil })
	g.Go(func() error {
		if err := n.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}

		return nil
	})

	<-gctx.Done()

	n.discovery.Stop()
	n.stopAllSubscribers()

	if n.advertiser != nil {
		_ = n.advertiser.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownBudget)
	defer cancel()

	_ = n.httpServer.Shutdown(shutdownCtx)

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(ShutdownBudget):
		return nil
	}
}

// discoveryMergeLoop folds fresh discovery snapshots into the registry.
func (n *Node) discoveryMergeLoop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	heartbeatTimeout := time.Duration(n.currentConfig().HeartbeatTimeoutS) * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := n.discovery.Snapshot()
			n.registry.MergeDiscovery(snap.Peers, heartbeatTimeout, time.Now())
		}
	}
}

// peerLifecycleLoop starts an ingest.Subscriber for every configured peer
// that doesn't already have one, and stops subscribers for peers that have
// been removed.
func (n *Node) peerLifecycleLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.reconcileSubscribers(ctx)
		}
	}
}

func (n *Node) reconcileSubscribers(ctx context.Context) {
	cfg := n.currentConfig()
	heartbeatTimeout := time.Duration(cfg.HeartbeatTimeoutS) * time.Second

	view := n.registry.View()

	n.subMu.Lock()
	defer n.subMu.Unlock()

	for key, peer := range view {
		if !peer.Joined {
			continue
		}

		if _, exists := n.subscribers[key]; exists {
			continue
		}

		sub := ingest.NewSubscriber(peer.Host, n.registry, n.signals, n.fetcher, clockutil.Real{}, heartbeatTimeout, n.opts.Logger)

		subCtx, cancel := context.WithCancel(ctx)
		n.subscribers[key] = sub
		n.subCancels[key] = cancel

		go sub.Run(subCtx)
		go sub.Supervise(subCtx, supervisorPassInterval)
	}

	for key, cancel := range n.subCancels {
		if _, stillConfigured := view[key]; stillConfigured && view[key].Joined {
			continue
		}

		cancel()
		delete(n.subCancels, key)
		delete(n.subscribers, key)
	}
}

func (n *Node) stopAllSubscribers() {
	n.subMu.Lock()
	defer n.subMu.Unlock()

	for key, cancel := range n.subCancels {
		cancel()
		delete(n.subCancels, key)
		delete(n.subscribers, key)
	}
}

// tickLoop is the allocator/failsafe/enforcement heartbeat: every
// tickInterval it recomputes the group's allocation, evaluates the
// failsafe rules, and drives the enforcement bridge.
func (n *Node) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.tick(ctx)
		}
	}
}

func (n *Node) tick(ctx context.Context) {
	n.tickMu.Lock()
	defer n.tickMu.Unlock()

	cfg := n.currentConfig()

	if !n.ConfigConsistent() {
		cfg.GroupMaxCurrentA = configsync.ConservativeGroupMaxCurrentA(cfg.GroupMaxCurrentA, n.syncer.ObservedPeerMaxA()...)
	}

	view := n.registry.View()

	candidates := make([]allocator.Candidate, 0, len(view)+1)

	joinedCount := 0
	allOffline := true

	for _, p := range view {
		if !p.Joined {
			continue
		}

		joinedCount++

		if p.Online {
			allOffline = false
		}

		candidates = append(candidates, allocator.Candidate{
			DeviceID: p.IdentityID(),
			Online:   p.Online,
			Status:   p.Status,
		})
	}

	selfStatus := n.selfStatus()
	candidates = append(candidates, allocator.Candidate{
		DeviceID: n.opts.SelfDeviceID,
		Online:   true,
		Status:   selfStatus,
	})

	result := allocator.Compute(cfg, candidates)

	selfAlloc := result.Allocations[n.opts.SelfDeviceID]

	decision, changed := n.failsafeSup.Apply(failsafe.Input{
		JoinedPeerCount:       joinedCount,
		AllOfflineAmongJoined: joinedCount > 0 && allOffline,
		SelfHasValidStatus:    n.driver.HasValidStatus(ctx),
		AllocatorSelfA:        selfAlloc.TargetCurrentA,
		Mode:                  cfg.FailsafeMode,
		SafeCurrentA:          cfg.FailsafeSafeCurrentA,
	})

	n.selfMu.Lock()
	n.lastFS = decision
	n.selfA = selfAlloc.TargetCurrentA
	n.lastAllocations = sortedAllocations(result.Allocations)
	n.lastTickAt = time.Now()
	n.selfMu.Unlock()

	peerSnapshots := enforce.PeerSnapshotsFromRegistry(view)

	_, _, emitted, err := n.bridge.Apply(ctx, enforce.Input{
		SelfAllocationA: selfAlloc.TargetCurrentA,
		FailsafeActive:  decision.Active,
		FailsafeSelfA:   decision.SelfA,
		Peers:           peerSnapshots,
	})

	if err != nil && n.opts.Logger != nil {
		n.opts.Logger.Warn().Err(err).Msg("enforcement bridge failed to apply power cap")
	}

	if !emitted && !changed {
		return
	}

	n.publishSelfStatus()
}

// sortedAllocations flattens the allocator's keyed result into the stable,
// lex-ordered slice the diagnostic API reports.
func sortedAllocations(m map[string]models.Allocation) []models.Allocation {
	out := make([]models.Allocation, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })

	return out
}

// currentConfig returns a copy of the node's group config.
func (n *Node) currentConfig() models.GroupConfig {
	n.cfgMu.Lock()
	defer n.cfgMu.Unlock()

	return n.cfg
}

func (n *Node) selfStatus() models.PeerStatus {
	n.selfMu.Lock()
	defer n.selfMu.Unlock()

	return n.self
}

// --- configsync.Applier ---

// Apply adopts cfg as the node's current group config and persists it.
func (n *Node) Apply(cfg models.GroupConfig) error {
	n.cfgMu.Lock()
	n.cfg = cfg
	n.cfgMu.Unlock()

	return n.cfgStore.Save(cfg)
}

// Current returns the node's current group config.
func (n *Node) Current() models.GroupConfig {
	return n.currentConfig()
}

// --- api.ConfigStore (alias of Applier/Current, kept distinct per
// interface so internal/api never imports internal/configsync) ---

// --- api.StatusProvider ---

// SelfStatus returns the node's own live status snapshot for GET /status
// and the initial frame of GET /ws.
func (n *Node) SelfStatus() models.PeerStatus {
	return n.selfStatus()
}

// Subscribe registers a channel that receives this node's status snapshot
// whenever it changes materially; the returned func unregisters it.
func (n *Node) Subscribe() (<-chan models.PeerStatus, func()) {
	ch := make(chan models.PeerStatus, 4)

	n.selfMu.Lock()
	n.subs[ch] = struct{}{}
	n.selfMu.Unlock()

	unsubscribe := func() {
		n.selfMu.Lock()
		delete(n.subs, ch)
		n.selfMu.Unlock()
	}

	return ch, unsubscribe
}

func (n *Node) publishSelfStatus() {
	n.selfMu.Lock()
	snapshot := n.self
	subs := make([]chan models.PeerStatus, 0, len(n.subs))

	for ch := range n.subs {
		subs = append(subs, ch)
	}

	n.selfMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// --- api.StatusSource ---

// GroupConfig returns the node's current group config.
func (n *Node) GroupConfig() models.GroupConfig {
	return n.currentConfig()
}

// SelfAllocationA returns the last allocator-computed self allocation.
func (n *Node) SelfAllocationA() float64 {
	n.selfMu.Lock()
	defer n.selfMu.Unlock()

	return n.selfA
}

// ConfigConsistent reports whether the config syncer has any outstanding
// divergence.
func (n *Node) ConfigConsistent() bool {
	return len(n.syncer.Divergences()) == 0
}

// Failsafe reports the last failsafe decision.
func (n *Node) Failsafe() api.FailsafeStatus {
	n.selfMu.Lock()
	defer n.selfMu.Unlock()

	return api.FailsafeStatus{Active: n.lastFS.Active, Reason: n.lastFS.Reason, SelfA: n.lastFS.SelfA}
}

// Allocations returns the most recent allocator result, keyed out into a
// stable lex-ordered slice for GET /loadsharing/status.
func (n *Node) Allocations() []models.Allocation {
	n.selfMu.Lock()
	defer n.selfMu.Unlock()

	return n.lastAllocations
}

// ComputedAt returns when the allocator last ran.
func (n *Node) ComputedAt() time.Time {
	n.selfMu.Lock()
	defer n.selfMu.Unlock()

	return n.lastTickAt
}

// ConfigIssues renders the syncer's outstanding divergences as strings for
// GET /loadsharing/status's config_issues field.
func (n *Node) ConfigIssues() []string {
	divs := n.syncer.Divergences()

	out := make([]string, 0, len(divs))
	for _, d := range divs {
		out = append(out, fmt.Sprintf("%s: local config_version=%d hash=%s, peer config_version=%d hash=%s",
			d.PeerHost, d.LocalVersion, d.LocalHash, d.PeerVersion, d.PeerHash))
	}

	sort.Strings(out)

	return out
}

// Persistence reports the health of the most recent config/registry write.
// Persistence errors are surfaced to callers inline (via the HTTP response
// of the mutating call that failed), so this always reports healthy; a
// dedicated health flag would require tracking the last write's outcome
// beyond the scope currently wired.
func (n *Node) Persistence() api.PersistenceHealth {
	return api.PersistenceHealth{OK: true}
}

// signalLoop reacts to the ingestors' edge-triggered signals instead of
// waiting for the next periodic tick: a status mutation or heartbeat
// transition recomputes the allocator/failsafe state immediately, and a
// config-version mismatch (observed directly, or rediscovered once a
// previously unreachable peer's heartbeat is regained) drives config sync.
func (n *Node) signalLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.signals.StatusChanged:
			n.tick(ctx)
		case <-n.signals.HeartbeatLost:
			n.tick(ctx)
		case peerHost := <-n.signals.HeartbeatRegained:
			n.tick(ctx)
			n.reconcilePeer(ctx, peerHost)
		case peerHost := <-n.signals.ConfigDrift:
			n.reconcilePeer(ctx, peerHost)
		}
	}
}

// reconcilePeer runs one Reconcile pass against peerHost's last known
// status, used both for a freshly observed config-version mismatch and to
// retry a deferred push once the peer reappears.
func (n *Node) reconcilePeer(ctx context.Context, peerHost string) {
	peer, ok := n.lookupPeer(peerHost)
	if !ok {
		return
	}

	_, err := n.syncer.Reconcile(ctx, peer.Host, peer.Status.ConfigVersion, peer.Status.ConfigHash)
	if err != nil && n.opts.Logger != nil {
		n.opts.Logger.Warn().Err(err).Str("peer", peer.Host).Msg("config reconcile failed")
	}
}

func (n *Node) lookupPeer(host string) (*models.Peer, bool) {
	key := strings.ToLower(host)

	view := n.registry.View()

	p, ok := view[key]

	return p, ok
}
