// Package configsync keeps the critical group config fields in agreement
// across peers by comparing the (config_version, config_hash) fingerprint
// carried in every status message and pulling or pushing full config
// documents to converge, without a consensus protocol.
//
// The fingerprint is a SHA-256 digest of canonical JSON; an adopted config
// is persisted by the Applier, and the pull/push HTTP exchange goes through
// a per-peer internal/breaker circuit breaker. A push against an unreachable
// peer retries on the same 1s/2s/4s ladder internal/ingest uses for its
// bootstrap fetch before giving up and recording a Divergence; the node
// retries that divergence again once the peer's heartbeat is regained
// rather than on a timer.
package configsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/openevse/loadshare/internal/breaker"
	"github.com/openevse/loadshare/internal/clockutil"
	"github.com/openevse/loadshare/internal/logging"
	"github.com/openevse/loadshare/internal/models"
)

// pushBackoff mirrors internal/ingest's bootstrapBackoff ladder, applied
// here to PushConfig attempts against an offline peer.
var pushBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Fingerprint is the canonical-JSON SHA-256 digest of a group config's
// hashable fields.
type Fingerprint struct {
	GroupID          string   `json:"group_id"`
	GroupMaxCurrentA float64  `json:"group_max_current_a"`
	MembersSorted    []string `json:"members_sorted"`
	SafetyFactor     float64  `json:"safety_factor"`
}

// Hash computes the canonical JSON + SHA-256 hex digest. Canonical here
// means: struct field order fixed (json.Marshal on a struct already
// serializes fields in declaration order, which is lexicographic for this
// type's tags), no whitespace, and members sorted (Hash sorts a copy).
func (f Fingerprint) Hash() string {
	sorted := make([]string, len(f.MembersSorted))
	copy(sorted, f.MembersSorted)
	sort.Strings(sorted)

	f.MembersSorted = sorted

	payload, err := json.Marshal(f)
	if err != nil {
		// Fingerprint's fields are all JSON-safe scalars/strings; Marshal
		// cannot fail for this type.
		panic(fmt.Sprintf("configsync: marshal fingerprint: %v", err))
	}

	sum := sha256.Sum256(payload)

	return hex.EncodeToString(sum[:])
}

// FingerprintOf builds a Fingerprint from a group config and member list.
func FingerprintOf(cfg models.GroupConfig, members []string) Fingerprint {
	return Fingerprint{
		GroupID:          cfg.GroupID,
		GroupMaxCurrentA: cfg.GroupMaxCurrentA,
		SafetyFactor:     cfg.SafetyFactor,
		MembersSorted:    members,
	}
}

// Outcome describes what a Reconcile call decided to do.
type Outcome string

const (
	OutcomeConsistent Outcome = "consistent"
	OutcomePulled     Outcome = "pulled"
	OutcomePushed     Outcome = "pushed"
	OutcomeRejected   Outcome = "rejected"
)

// Divergence is one outstanding configuration disagreement, surfaced
// through the diagnostic API.
type Divergence struct {
	PeerHost     string
	LocalVersion uint64
	PeerVersion  uint64
	LocalHash    string
	PeerHash     string
	DetectedAt   time.Time
}

// Applier applies an adopted config locally; in production the node
// implements it and persists through internal/store, tests substitute a fake.
type Applier interface {
	Apply(cfg models.GroupConfig) error
	Current() models.GroupConfig
}

// PeerConfigClient talks to one peer's /config endpoint.
type PeerConfigClient interface {
	FetchConfig(ctx context.Context, host string) (models.GroupConfig, error)
	PushConfig(ctx context.Context, host string, cfg models.GroupConfig) error
}

// Syncer reconciles config drift observed in peer status messages. Safe for
// concurrent use: Reconcile is meant to be driven by one config-sync
// worker, but Divergences is read by the diagnostic API handler from a
// different goroutine.
type Syncer struct {
	applier      Applier
	client       PeerConfigClient
	selfDeviceID string
	logger       logging.Logger
	clock        clockutil.Clock

	mu          sync.Mutex
	divergences map[string]Divergence
	peerMaxA    map[string]float64
}

// New constructs a Syncer.
func New(applier Applier, client PeerConfigClient, selfDeviceID string, log logging.Logger) *Syncer {
	return &Syncer{
		applier:      applier,
		client:       client,
		selfDeviceID: selfDeviceID,
		logger:       log,
		clock:        clockutil.Real{},
		divergences:  map[string]Divergence{},
		peerMaxA:     map[string]float64{},
	}
}

// Reconcile implements the detection table for one peer's observed
// fingerprint. The wire status message only carries (config_version,
// config_hash); the peer's config_updated_at and device_id, needed for the
// equal-version tiebreak, are only available after a pull.
func (s *Syncer) Reconcile(ctx context.Context, peerHost string, peerVersion uint64, peerHash string) (Outcome, error) {
	local := s.applier.Current()

	switch {
	case peerVersion == local.ConfigVersion && peerHash == localHash(local):
		s.mu.Lock()
		delete(s.divergences, peerHost)
		s.mu.Unlock()

		return OutcomeConsistent, nil

	case peerVersion > local.ConfigVersion:
		return s.pull(ctx, peerHost, local, peerVersion, peerHash)

	case peerVersion < local.ConfigVersion:
		return s.push(ctx, peerHost, local)

	default:
		// Equal version, different hash: concurrent divergent edits.
		// Resolution requires the peer's config_updated_at and device_id,
		// which only a pull reveals; pull and then apply the
		// updated_at/device_id tiebreak against what's fetched.
		return s.pull(ctx, peerHost, local, peerVersion, peerHash)
	}
}

func (s *Syncer) pull(ctx context.Context, peerHost string, local models.GroupConfig, peerVersion uint64, peerHash string) (Outcome, error) {
	peerCfg, err := s.client.FetchConfig(ctx, peerHost)
	if err != nil {
		s.recordDivergence(peerHost, local, peerVersion, peerHash)
		return OutcomeRejected, fmt.Errorf("fetch config from %s: %w", peerHost, err)
	}

	if err := peerCfg.Validate(); err != nil {
		if s.logger != nil {
			s.logger.Warn().Err(err).Str("peer", peerHost).Msg("rejected invalid peer config")
		}

		return OutcomeRejected, nil
	}

	s.mu.Lock()
	s.peerMaxA[peerHost] = peerCfg.GroupMaxCurrentA
	s.mu.Unlock()

	// Equal-version divergence: tiebreak by config_updated_at, then by
	// device_id lexicographically (higher wins).
	if peerCfg.ConfigVersion == local.ConfigVersion {
		winner := winnerOf(local, peerCfg, s.selfDeviceID, peerCfg.SelfDeviceID)
		if winner == s.selfDeviceID {
			return s.push(ctx, peerHost, local)
		}
	}

	adopted := peerCfg
	adopted.ConfigVersion = peerCfg.ConfigVersion
	adopted.ConfigUpdatedAt = maxInt64(local.ConfigUpdatedAt, peerCfg.ConfigUpdatedAt)

	if err := s.applier.Apply(adopted); err != nil {
		return OutcomeRejected, fmt.Errorf("apply pulled config: %w", err)
	}

	s.mu.Lock()
	delete(s.divergences, peerHost)
	s.mu.Unlock()

	return OutcomePulled, nil
}

// push attempts PushConfig against peerHost, retrying on the 1s/2s/4s
// ladder if the peer is unreachable. If every attempt fails, it records a
// Divergence and gives up; the divergence is retried again the next time
// Reconcile runs for this peer, in particular when HeartbeatRegained fires.
func (s *Syncer) push(ctx context.Context, peerHost string, local models.GroupConfig) (Outcome, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		lastErr = s.client.PushConfig(ctx, peerHost, local)
		if lastErr == nil {
			s.mu.Lock()
			delete(s.divergences, peerHost)
			s.mu.Unlock()

			return OutcomePushed, nil
		}

		if attempt >= len(pushBackoff) {
			break
		}

		t := s.clock.Ticker(pushBackoff[attempt])

		select {
		case <-ctx.Done():
			t.Stop()
			s.recordDivergence(peerHost, local, 0, "")

			return OutcomeRejected, ctx.Err()
		case <-t.Chan():
			t.Stop()
		}
	}

	s.recordDivergence(peerHost, local, 0, "")

	return OutcomeRejected, fmt.Errorf("push config to %s: %w", peerHost, lastErr)
}

func (s *Syncer) recordDivergence(peerHost string, local models.GroupConfig, peerVersion uint64, peerHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.divergences[peerHost] = Divergence{
		PeerHost:     peerHost,
		LocalVersion: local.ConfigVersion,
		PeerVersion:  peerVersion,
		LocalHash:    localHash(local),
		PeerHash:     peerHash,
		DetectedAt:   time.Now(),
	}
}

// Divergences returns the outstanding disagreements for the diagnostic API.
func (s *Syncer) Divergences() []Divergence {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Divergence, 0, len(s.divergences))
	for _, d := range s.divergences {
		out = append(out, d)
	}

	return out
}

// ObservedPeerMaxA returns the group_max_current_a last seen from each peer
// whose config was fetched during a pull, for feeding
// ConservativeGroupMaxCurrentA while a divergence is outstanding.
func (s *Syncer) ObservedPeerMaxA() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]float64, 0, len(s.peerMaxA))
	for _, v := range s.peerMaxA {
		out = append(out, v)
	}

	return out
}

// ConservativeGroupMaxCurrentA implements the "while inconsistent" rule:
// the allocator uses min(local, all observed peers') group_max_current_a.
func ConservativeGroupMaxCurrentA(local float64, observedPeerMax ...float64) float64 {
	min := local

	for _, v := range observedPeerMax {
		if v < min {
			min = v
		}
	}

	return min
}

func localHash(cfg models.GroupConfig) string {
	return FingerprintOf(cfg, nil).Hash()
}

func winnerOf(local, peer models.GroupConfig, selfID, peerID string) string {
	if local.ConfigUpdatedAt != peer.ConfigUpdatedAt {
		if local.ConfigUpdatedAt > peer.ConfigUpdatedAt {
			return selfID
		}

		return peerID
	}

	if selfID > peerID {
		return selfID
	}

	return peerID
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}

	return b
}

// httpPeerConfigClient is the production PeerConfigClient, reusing a
// per-peer breaker.Breaker so repeatedly-unreachable peers stop being
// hammered with push attempts between their own backoff windows.
type httpPeerConfigClient struct {
	client   *http.Client
	breakers map[string]*breaker.Breaker
	scheme   string
	logger   logging.Logger
}

// NewHTTPPeerConfigClient constructs the production PeerConfigClient.
func NewHTTPPeerConfigClient(client *http.Client, scheme string, log logging.Logger) PeerConfigClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	if scheme == "" {
		scheme = "http"
	}

	return &httpPeerConfigClient{client: client, breakers: map[string]*breaker.Breaker{}, scheme: scheme, logger: log}
}

func (c *httpPeerConfigClient) breakerFor(host string) *breaker.Breaker {
	if b, ok := c.breakers[host]; ok {
		return b
	}

	b := breaker.New(host, breaker.DefaultConfig(), c.logger)
	c.breakers[host] = b

	return b
}

func (c *httpPeerConfigClient) FetchConfig(ctx context.Context, host string) (models.GroupConfig, error) {
	u := fmt.Sprintf("%s://%s/config", c.scheme, host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.GroupConfig{}, fmt.Errorf("build config request: %w", err)
	}

	resp, err := c.breakerFor(host).DoHTTP(c.client, req)
	if err != nil {
		return models.GroupConfig{}, fmt.Errorf("fetch config from %s: %w", host, err)
	}

	defer resp.Body.Close()

	var cfg models.GroupConfig

	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return models.GroupConfig{}, fmt.Errorf("decode config from %s: %w", host, err)
	}

	return cfg, nil
}

func (c *httpPeerConfigClient) PushConfig(ctx context.Context, host string, cfg models.GroupConfig) error {
	u := fmt.Sprintf("%s://%s/config", c.scheme, host)

	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build config push request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.breakerFor(host).DoHTTP(c.client, req)
	if err != nil {
		return fmt.Errorf("push config to %s: %w", host, err)
	}

	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("push config to %s: peer rejected with status %d", host, resp.StatusCode)
	}

	return nil
}
