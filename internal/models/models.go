// Package models defines the data shapes shared across loadshared's
// components: the group config, peer records, status snapshots, and
// allocation results.
package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openevse/loadshare/internal/logging"
)

// FailsafeMode selects what the Failsafe Supervisor forces self-allocation
// to when it engages.
type FailsafeMode string

const (
	FailsafeModeDisable     FailsafeMode = "disable"
	FailsafeModeSafeCurrent FailsafeMode = "safe_current"
)

var (
	errGroupIDRequired        = errors.New("group_id is required")
	errSafetyFactorRange      = errors.New("safety_factor must be in [0,1]")
	errHeartbeatTimeoutTooLow = errors.New("heartbeat_timeout_s must be >= 5")
	errGroupMaxCurrentNeg     = errors.New("group_max_current_a must be >= 0")
	errFailsafeModeInvalid    = errors.New("failsafe_mode must be 'disable' or 'safe_current'")
	errFailsafeSafeCurrentNeg = errors.New("failsafe_safe_current_a must be >= 0")
	errFailsafeAssumedNeg     = errors.New("failsafe_peer_assumed_current_a must be >= 0")
)

// GroupConfig is the node-local, operator-editable configuration, plus
// the ambient fields every loadshared process needs.
type GroupConfig struct {
	Enabled                     bool         `json:"enabled"`
	GroupID                     string       `json:"group_id"`
	GroupMaxCurrentA            float64      `json:"group_max_current_a"`
	SafetyFactor                float64      `json:"safety_factor"`
	HeartbeatTimeoutS           int          `json:"heartbeat_timeout_s"`
	FailsafeMode                FailsafeMode `json:"failsafe_mode"`
	FailsafeSafeCurrentA        float64      `json:"failsafe_safe_current_a"`
	FailsafePeerAssumedCurrentA float64      `json:"failsafe_peer_assumed_current_a"`
	Priority                    int          `json:"priority"`
	ConfigVersion               uint64       `json:"config_version"`
	ConfigUpdatedAt             int64        `json:"config_updated_at"`
	MinCurrentA                 float64      `json:"min_current_a"`
	PerNodeMaxCurrentA          float64      `json:"per_node_max_current_a,omitempty"`

	SelfDeviceID string `json:"self_device_id,omitempty"`

	ListenAddr             string          `json:"listen_addr"`
	DataDir                string          `json:"data_dir"`
	DiscoveryIntervalS     int             `json:"discovery_interval_s"`
	DiscoveryPollIntervalS int             `json:"discovery_poll_interval_s"`
	DiscoveryQueryTimeoutS int             `json:"discovery_query_timeout_s"`
	DiscoverySnapshotTTLS  int             `json:"discovery_snapshot_ttl_s"`
	Logging                *logging.Config `json:"logging,omitempty"`
}

const (
	defaultMinCurrentA        = 6.0
	defaultSafetyFactor       = 1.0
	defaultHeartbeatTimeoutS  = 30
	defaultDiscoveryIntervalS = 60
	defaultDiscoveryPollS     = 2
	defaultDiscoveryQueryTOS  = 5
	defaultDiscoverySnapshotS = 60
)

// Validate implements config.Validator.
func (c *GroupConfig) Validate() error {
	if strings.TrimSpace(c.GroupID) == "" {
		return errGroupIDRequired
	}

	if c.SafetyFactor == 0 {
		c.SafetyFactor = defaultSafetyFactor
	}

	if c.SafetyFactor < 0 || c.SafetyFactor > 1 {
		return errSafetyFactorRange
	}

	if c.HeartbeatTimeoutS == 0 {
		c.HeartbeatTimeoutS = defaultHeartbeatTimeoutS
	}

	if c.HeartbeatTimeoutS < 5 {
		return errHeartbeatTimeoutTooLow
	}

	if c.GroupMaxCurrentA < 0 {
		return errGroupMaxCurrentNeg
	}

	if c.FailsafeMode == "" {
		c.FailsafeMode = FailsafeModeSafeCurrent
	}

	if c.FailsafeMode != FailsafeModeDisable && c.FailsafeMode != FailsafeModeSafeCurrent {
		return errFailsafeModeInvalid
	}

	if c.FailsafeSafeCurrentA < 0 {
		return errFailsafeSafeCurrentNeg
	}

	if c.FailsafePeerAssumedCurrentA < 0 {
		return errFailsafeAssumedNeg
	}

	if c.MinCurrentA == 0 {
		c.MinCurrentA = defaultMinCurrentA
	}

	if c.DiscoveryIntervalS == 0 {
		c.DiscoveryIntervalS = defaultDiscoveryIntervalS
	}

	if c.DiscoveryPollIntervalS == 0 {
		c.DiscoveryPollIntervalS = defaultDiscoveryPollS
	}

	if c.DiscoveryQueryTimeoutS == 0 {
		c.DiscoveryQueryTimeoutS = defaultDiscoveryQueryTOS
	}

	if c.DiscoverySnapshotTTLS == 0 {
		c.DiscoverySnapshotTTLS = defaultDiscoverySnapshotS
	}

	return nil
}

// EVSEState mirrors the J1772 state codes carried in peer status messages.
// Only the values the allocator cares about are named; anything else is
// treated as "not demanding".
type EVSEState string

const (
	EVSEStateIdle      EVSEState = "idle"
	EVSEStateConnected EVSEState = "connected"
	EVSEStateCharging  EVSEState = "charging"
)

// PeerStatus is the live status snapshot reported by a peer.
type PeerStatus struct {
	Amp           float64   `json:"amp"`
	Voltage       float64   `json:"voltage"`
	Pilot         float64   `json:"pilot"`
	Vehicle       int       `json:"vehicle"`
	State         EVSEState `json:"state"`
	ConfigVersion uint64    `json:"config_version"`
	ConfigHash    string    `json:"config_hash"`
}

// Demands reports whether this status represents a demanding peer per the
// glossary definition: vehicle connected and state permits charging.
func (s PeerStatus) Demands() bool {
	if s.Vehicle != 1 {
		return false
	}

	switch s.State {
	case EVSEStateConnected, EVSEStateCharging:
		return true
	default:
		return false
	}
}

// Peer is one record in the peer registry.
type Peer struct {
	Host       string            `json:"host"`
	DeviceID   string            `json:"device_id,omitempty"`
	LocalID    string            `json:"local_id"`
	IP         string            `json:"ip,omitempty"`
	Online     bool              `json:"online"`
	LastSeen   int64             `json:"last_seen"`
	Status     PeerStatus        `json:"status"`
	Joined     bool              `json:"joined"`
	Discovered bool              `json:"discovered"`
	TXT        map[string]string `json:"txt,omitempty"`
}

// IdentityID returns the peer's device_id if the peer has reported one, or
// its locally-assigned fallback identity otherwise. Peers rarely report a
// device_id over this wire protocol, so most callers that need a stable,
// collision-free key for a peer use this rather than DeviceID directly.
func (p *Peer) IdentityID() string {
	if p.DeviceID != "" {
		return p.DeviceID
	}

	return p.LocalID
}

// Key returns the case-insensitive registry key for a peer.
func (p *Peer) Key() string {
	return strings.ToLower(p.Host)
}

// Allocation is one entry of the allocator's output.
type Allocation struct {
	PeerID         string  `json:"peer_id"`
	TargetCurrentA float64 `json:"target_current_a"`
	Reason         string  `json:"reason"`
}

// ValidateHost applies the registry's syntactic host check: must
// contain a '.' or a ':' (domain name or literal IP/IPv6).
func ValidateHost(host string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	if !strings.ContainsAny(host, ".:") {
		return fmt.Errorf("invalid host format - must contain domain or IP: %q", host)
	}

	return nil
}
