// Package breaker implements a circuit breaker for outbound peer HTTP
// calls. Status Ingestor bootstrap fetches and Config Sync pushes both
// route through one of these per peer so a consistently unreachable peer
// stops being hammered with connection attempts between its own
// backoff-scheduled retries.
package breaker

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/openevse/loadshare/internal/logging"
)

// State is the circuit breaker's current disposition.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker's thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	ResetTimeout     time.Duration
}

// DefaultConfig matches peer-reachability expectations: a handful of
// consecutive failures opens the breaker, a half-open probe every 30s.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenTimeout:      30 * time.Second,
		ResetTimeout:     60 * time.Second,
	}
}

// Breaker guards calls to one peer.
type Breaker struct {
	name   string
	cfg    Config
	logger logging.Logger

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	lastFailTime  time.Time
	lastResetTime time.Time
}

// New constructs a Breaker identified by name (typically the peer host),
// starting closed.
func New(name string, cfg Config, log logging.Logger) *Breaker {
	return &Breaker{
		name:          name,
		cfg:           cfg,
		logger:        log,
		lastResetTime: time.Now(),
	}
}

// Allow reports whether a call should be attempted right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateClosed:
		if now.Sub(b.lastResetTime) >= b.cfg.ResetTimeout {
			b.failureCount = 0
			b.lastResetTime = now
		}

		return true

	case StateOpen:
		if now.Sub(b.lastFailTime) >= b.cfg.OpenTimeout {
			b.state = StateHalfOpen
			b.successCount = 0

			if b.logger != nil {
				b.logger.Debug().Str("peer", b.name).Msg("breaker half-open probe")
			}

			return true
		}

		return false

	case StateHalfOpen:
		return true

	default:
		return false
	}
}

// Record logs the outcome of an attempted call.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.onFailure()
		return
	}

	b.onSuccess()
}

func (b *Breaker) onFailure() {
	b.failureCount++
	b.lastFailTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen

			if b.logger != nil {
				b.logger.Warn().Str("peer", b.name).Int("failures", b.failureCount).Msg("breaker opened")
			}
		}

	case StateHalfOpen:
		b.state = StateOpen

		if b.logger != nil {
			b.logger.Warn().Str("peer", b.name).Msg("breaker reopened after failed probe")
		}
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.lastResetTime = time.Now()
		}

	case StateClosed:
		b.failureCount = 0
		b.lastResetTime = time.Now()
	}
}

// State reports the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// Do executes fn, guarded by the breaker. ErrOpen is returned without
// calling fn when the breaker is open.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return fmt.Errorf("breaker %s: %w", b.name, ErrOpen)
	}

	err := fn()
	b.Record(err)

	return err
}

// DoHTTP executes req through client, guarded by the breaker; HTTP 5xx
// responses count as failures even though http.Client returns no error for
// them.
func (b *Breaker) DoHTTP(client *http.Client, req *http.Request) (*http.Response, error) {
	var resp *http.Response

	err := b.Do(func() error {
		var callErr error

		resp, callErr = client.Do(req)
		if callErr != nil {
			return callErr
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("server error: %d", resp.StatusCode)
		}

		return nil
	})
	if err != nil && resp == nil {
		return nil, err
	}

	return resp, err
}

// ErrOpen is returned by Do/DoHTTP when the breaker rejects a call.
var ErrOpen = fmt.Errorf("circuit open")
