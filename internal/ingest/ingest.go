// Package ingest implements one subscription worker per joined peer that
// bootstraps a status snapshot over HTTP, then upgrades to a streaming
// connection, reconnecting on a backoff ladder and falling back to
// periodic polling if the peer has no stream endpoint.
//
// The per-peer worker-as-independent-task shape and its backoff state
// machine follow the same poller worker lifecycle and circuit-breaker
// pattern used elsewhere in this codebase (internal/breaker); the
// websocket framing follows the same message-type conventions as the
// node's own status stream, applied here to the client side of that
// contract.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openevse/loadshare/internal/breaker"
	"github.com/openevse/loadshare/internal/clockutil"
	"github.com/openevse/loadshare/internal/logging"
	"github.com/openevse/loadshare/internal/models"
)

// Backoff ladders for bootstrap fetches and stream reconnects.
var (
	bootstrapBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	streamBackoff    = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	streamBackoffCap = 60 * time.Second
)

// Signals are the edge-triggered notifications the ingestor raises toward
// the allocator, failsafe supervisor, and config-sync worker. Channels are
// buffered and sends are non-blocking: a signal
// consumer that falls behind simply coalesces duplicate wakeups, which is
// safe because every consumer re-reads authoritative state rather than
// trusting the payload.
type Signals struct {
	StatusChanged     chan string
	HeartbeatLost     chan string
	HeartbeatRegained chan string
	ConfigDrift       chan string
}

// NewSignals constructs a Signals with the given buffer depth.
func NewSignals(buffer int) *Signals {
	return &Signals{
		StatusChanged:     make(chan string, buffer),
		HeartbeatLost:     make(chan string, buffer),
		HeartbeatRegained: make(chan string, buffer),
		ConfigDrift:       make(chan string, buffer),
	}
}

func (s *Signals) emit(ch chan string, peerKey string) {
	select {
	case ch <- peerKey:
	default:
	}
}

// RegistryView is the subset of *registry.Registry the ingestor depends on,
// kept narrow so tests can substitute an in-memory fake.
type RegistryView interface {
	UpdateStatus(host string, status models.PeerStatus, lastSeen time.Time)
	MarkOffline(host string)
}

// Fetcher performs the HTTP bootstrap fetch and exposes the stream URL;
// production code uses httpFetcher, tests substitute a fake.
type Fetcher interface {
	FetchStatus(ctx context.Context, host string) (models.PeerStatus, error)
	Dial(ctx context.Context, host string) (Stream, error)
}

// Stream is an open peer status stream; gorilla/websocket.Conn satisfies it
// via the wsStream adapter.
type Stream interface {
	ReadJSON(v interface{}) error
	Close() error
}

// Subscriber runs the bootstrap-then-stream protocol sequence for one peer.
type Subscriber struct {
	host             string
	registry         RegistryView
	signals          *Signals
	fetcher          Fetcher
	clock            clockutil.Clock
	logger           logging.Logger
	heartbeatTimeout time.Duration

	mu          sync.Mutex
	cached      models.PeerStatus
	lastSeen    time.Time
	streamOK    bool
	backoffStep int
	lastVersion uint64
	lastHash    string
}

// NewSubscriber constructs a Subscriber for host.
func NewSubscriber(host string, reg RegistryView, sig *Signals, fetcher Fetcher, clock clockutil.Clock, heartbeatTimeout time.Duration, log logging.Logger) *Subscriber {
	if clock == nil {
		clock = clockutil.Real{}
	}

	return &Subscriber{
		host:             host,
		registry:         reg,
		signals:          sig,
		fetcher:          fetcher,
		clock:            clock,
		logger:           log,
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Run drives the subscriber until ctx is cancelled: bootstrap, then stream,
// reconnecting forever with backoff, falling back to polling on a 404.
func (s *Subscriber) Run(ctx context.Context) {
	if !s.bootstrap(ctx) {
		if ctx.Err() != nil {
			return
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}

		stream, err := s.fetcher.Dial(ctx, s.host)
		if err != nil {
			if errors.Is(err, errStreamNotFound) {
				s.pollFallback(ctx)
				return
			}

			if !s.sleepBackoff(ctx) {
				return
			}

			continue
		}

		s.streamLoop(ctx, stream)

		if ctx.Err() != nil {
			return
		}

		if !s.sleepBackoff(ctx) {
			return
		}
	}
}

// bootstrap performs the initial HTTP GET with its own short backoff
// ladder. Returns false if ctx was cancelled before success.
func (s *Subscriber) bootstrap(ctx context.Context) bool {
	attempt := 0

	for {
		status, err := s.fetcher.FetchStatus(ctx, s.host)
		if err == nil {
			s.applySnapshot(status)
			return true
		}

		if s.logger != nil {
			s.logger.Debug().Err(err).Str("peer", s.host).Msg("bootstrap fetch failed, retrying")
		}

		delay := bootstrapBackoff[len(bootstrapBackoff)-1]
		if attempt < len(bootstrapBackoff) {
			delay = bootstrapBackoff[attempt]
		}

		attempt++

		select {
		case <-ctx.Done():
			return false
		case <-s.clock.Ticker(delay).Chan():
		}
	}
}

func (s *Subscriber) sleepBackoff(ctx context.Context) bool {
	s.mu.Lock()
	s.streamOK = false
	s.mu.Unlock()

	delay := s.nextBackoff()

	t := s.clock.Ticker(delay)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.Chan():
		return true
	}
}

func (s *Subscriber) nextBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	// backoffStep counts consecutive failures since the last successfully
	// parsed message, independent of cached/lastSeen state.
	step := s.backoffStep

	var delay time.Duration
	if step < len(streamBackoff) {
		delay = streamBackoff[step]
	} else {
		delay = streamBackoffCap
	}

	s.backoffStep++

	return delay
}

func (s *Subscriber) streamLoop(ctx context.Context, stream Stream) {
	defer stream.Close()

	first := true

	for {
		var msg models.PeerStatus

		if err := stream.ReadJSON(&msg); err != nil {
			if s.logger != nil {
				s.logger.Debug().Err(err).Str("peer", s.host).Msg("stream disconnected")
			}

			s.mu.Lock()
			s.streamOK = false
			s.mu.Unlock()

			return
		}

		s.mu.Lock()
		s.backoffStep = 0
		s.streamOK = true
		s.mu.Unlock()

		if first {
			s.applySnapshot(msg)
			first = false

			continue
		}

		s.applyDelta(msg)
	}
}

func (s *Subscriber) applySnapshot(status models.PeerStatus) {
	now := s.clock.Now()

	s.mu.Lock()
	prevVersion, prevHash := s.lastVersion, s.lastHash
	s.cached = status
	s.lastSeen = now
	s.lastVersion = status.ConfigVersion
	s.lastHash = status.ConfigHash
	s.mu.Unlock()

	s.registry.UpdateStatus(s.host, status, now)
	s.signals.emit(s.signals.StatusChanged, s.host)

	if prevVersion != status.ConfigVersion || prevHash != status.ConfigHash {
		s.signals.emit(s.signals.ConfigDrift, s.host)
	}
}

// applyDelta merges a stream delta into the cached snapshot. Deltas carry
// the full fixed field set per message, so the merge is a direct field
// copy rather than a sparse patch.
func (s *Subscriber) applyDelta(msg models.PeerStatus) {
	s.mu.Lock()
	merged := s.cached
	merged.Amp = msg.Amp
	merged.Voltage = msg.Voltage
	merged.Pilot = msg.Pilot
	merged.Vehicle = msg.Vehicle
	merged.State = msg.State
	merged.ConfigVersion = msg.ConfigVersion
	merged.ConfigHash = msg.ConfigHash
	s.mu.Unlock()

	s.applySnapshot(merged)
}

// pollFallback handles the 404 case: the peer has no stream endpoint, so
// the subscriber falls back to periodic HTTP polling at
// heartbeat_timeout_s / 3.
func (s *Subscriber) pollFallback(ctx context.Context) {
	interval := s.heartbeatTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}

	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			status, err := s.fetcher.FetchStatus(ctx, s.host)
			if err != nil {
				if s.logger != nil {
					s.logger.Debug().Err(err).Str("peer", s.host).Msg("poll fallback fetch failed")
				}

				continue
			}

			s.applySnapshot(status)
		}
	}
}

// Supervise runs a periodic pass: every tick, if last_seen is
// older than heartbeat_timeout, mark the peer offline and signal the
// transition exactly once.
func (s *Subscriber) Supervise(ctx context.Context, tickInterval time.Duration) {
	ticker := s.clock.Ticker(tickInterval)
	defer ticker.Stop()

	wasOnline := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.mu.Lock()
			stale := !s.lastSeen.IsZero() && s.clock.Now().Sub(s.lastSeen) > s.heartbeatTimeout
			s.mu.Unlock()

			if stale && wasOnline {
				s.registry.MarkOffline(s.host)
				s.signals.emit(s.signals.HeartbeatLost, s.host)
				wasOnline = false
			} else if !stale && !wasOnline {
				s.signals.emit(s.signals.HeartbeatRegained, s.host)
				wasOnline = true
			}
		}
	}
}

var errStreamNotFound = errors.New("peer has no stream endpoint")

// httpFetcher is the production Fetcher, wrapping an *http.Client with a
// per-peer circuit breaker.
type httpFetcher struct {
	client   *http.Client
	breakers sync.Map // host -> *breaker.Breaker
	logger   logging.Logger
	scheme   string
}

// NewHTTPFetcher constructs the production Fetcher. scheme is normally
// "http" for LAN peers.
func NewHTTPFetcher(client *http.Client, scheme string, log logging.Logger) Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	if scheme == "" {
		scheme = "http"
	}

	return &httpFetcher{client: client, scheme: scheme, logger: log}
}

func (f *httpFetcher) breakerFor(host string) *breaker.Breaker {
	if b, ok := f.breakers.Load(host); ok {
		return b.(*breaker.Breaker)
	}

	b := breaker.New(host, breaker.DefaultConfig(), f.logger)

	actual, _ := f.breakers.LoadOrStore(host, b)

	return actual.(*breaker.Breaker)
}

func (f *httpFetcher) FetchStatus(ctx context.Context, host string) (models.PeerStatus, error) {
	u := fmt.Sprintf("%s://%s/status", f.scheme, host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.PeerStatus{}, fmt.Errorf("build status request: %w", err)
	}

	resp, err := f.breakerFor(host).DoHTTP(f.client, req)
	if err != nil {
		return models.PeerStatus{}, fmt.Errorf("fetch status from %s: %w", host, err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return models.PeerStatus{}, fmt.Errorf("fetch status from %s: unexpected status %d: %s", host, resp.StatusCode, body)
	}

	var status models.PeerStatus

	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return models.PeerStatus{}, fmt.Errorf("decode status from %s: %w", host, err)
	}

	return status, nil
}

func (f *httpFetcher) Dial(ctx context.Context, host string) (Stream, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: "/ws"}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, errStreamNotFound
		}

		return nil, fmt.Errorf("dial stream at %s: %w", host, err)
	}

	return wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (w wsStream) ReadJSON(v interface{}) error { return w.conn.ReadJSON(v) }
func (w wsStream) Close() error                 { return w.conn.Close() }
