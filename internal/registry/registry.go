// Package registry is the authoritative, durably persisted set of
// operator-configured peer hosts, merged with the live discovery snapshot
// into the unified peer view the allocator, ingestor, and diagnostic API
// all read.
//
// Persistence follows the write-temp-then-rename idiom used throughout
// this codebase (via internal/store); peers are published as a
// copy-on-write snapshot on each mutation.
package registry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openevse/loadshare/internal/logging"
	"github.com/openevse/loadshare/internal/mdnsclient"
	"github.com/openevse/loadshare/internal/models"
	"github.com/openevse/loadshare/internal/store"
)

var (
	ErrDuplicateHost = errors.New("peer already in group")
	ErrSelfHost      = errors.New("cannot add own host as a peer")
	ErrHostNotFound  = errors.New("peer not found")
)

// document is the on-disk shape of loadsharing_peers.json.
type document struct {
	Peers []string `json:"peers"`
}

// Registry owns the configured peer set and the merged peer view.
type Registry struct {
	logger    logging.Logger
	persist   *store.JSONFile
	selfHosts map[string]struct{}

	mu         sync.Mutex               // guards configured + serializes persistence
	configured map[string]*models.Peer // key: lower(host)

	view atomic.Pointer[map[string]*models.Peer] // published copy-on-write snapshot
}

// New constructs a Registry backed by path, loading any previously
// persisted peer set. selfHosts is the set of hostnames/IPs that identify
// this node, used to reject self-joins.
func New(path string, selfHosts []string, log logging.Logger) (*Registry, error) {
	persist, err := store.NewJSONFile(path)
	if err != nil {
		return nil, fmt.Errorf("construct peer store: %w", err)
	}

	r := &Registry{
		logger:     log,
		persist:    persist,
		selfHosts:  make(map[string]struct{}, len(selfHosts)),
		configured: make(map[string]*models.Peer),
	}

	for _, h := range selfHosts {
		r.selfHosts[strings.ToLower(h)] = struct{}{}
	}

	var doc document

	if err := persist.Load(&doc); err != nil {
		// A corrupted or missing file is treated as "empty set" with a
		// warning; the node does not refuse to start.
		if log != nil {
			log.Warn().Err(err).Str("path", path).Msg("peer registry file missing or unreadable, starting empty")
		}
	} else {
		for _, h := range doc.Peers {
			key := strings.ToLower(h)
			r.configured[key] = &models.Peer{Host: h, Joined: true, LocalID: "peer:" + uuid.NewString()}
		}
	}

	r.publish()

	return r, nil
}

// Add validates and adds host to the configured set, persisting before
// returning success.
func (r *Registry) Add(host string) error {
	if err := models.ValidateHost(host); err != nil {
		return err
	}

	key := strings.ToLower(host)

	if _, self := r.selfHosts[key]; self {
		return ErrSelfHost
	}

	r.mu.Lock()

	if _, exists := r.configured[key]; exists {
		r.mu.Unlock()
		return ErrDuplicateHost
	}

	r.configured[key] = &models.Peer{Host: host, Joined: true, LocalID: "peer:" + uuid.NewString()}

	err := r.persistLocked()

	r.mu.Unlock()

	r.publish()

	if err != nil {
		// The in-memory mutation is still applied; persistence failure is
		// returned to the caller so the operator knows the change is
		// volatile.
		return fmt.Errorf("peer added in memory but not persisted: %w", err)
	}

	return nil
}

// Remove deletes host from the configured set by exact case-insensitive
// match.
func (r *Registry) Remove(host string) error {
	key := strings.ToLower(strings.TrimSpace(host))

	r.mu.Lock()

	if _, exists := r.configured[key]; !exists {
		r.mu.Unlock()
		return ErrHostNotFound
	}

	delete(r.configured, key)

	err := r.persistLocked()

	r.mu.Unlock()

	r.publish()

	if err != nil {
		return fmt.Errorf("peer removed in memory but not persisted: %w", err)
	}

	return nil
}

// persistLocked must be called with mu held.
func (r *Registry) persistLocked() error {
	doc := document{Peers: make([]string, 0, len(r.configured))}

	for _, p := range r.configured {
		doc.Peers = append(doc.Peers, p.Host)
	}

	return r.persist.Save(doc)
}

// publish recomputes and atomically swaps in the merged view from the
// configured set. Discovery results are merged separately via MergeDiscovery.
func (r *Registry) publish() {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*models.Peer, len(r.configured))

	for k, v := range r.configured {
		cp := *v
		next[k] = &cp
	}

	r.view.Store(&next)
}

// MergeDiscovery folds a discovery snapshot into the merged view: new hosts
// discovered but never configured are exposed as discovered-only entries;
// configured hosts gain ip/TXT annotations from discovery, keep their
// ingested status, last-seen time and online flag, and are never
// removed by discovery disappearance alone, since discovery informs
// liveness, not group membership.
func (r *Registry) MergeDiscovery(records []mdnsclient.Record, heartbeatTimeout time.Duration, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.View()
	next := make(map[string]*models.Peer, len(r.configured)+len(records))

	for k, v := range r.configured {
		cp := *v
		if prev, ok := cur[k]; ok {
			cp.Status = prev.Status
			cp.LastSeen = prev.LastSeen
			cp.Online = prev.Online
		}
		next[k] = &cp
	}

	for _, rec := range records {
		key := strings.ToLower(rec.Host)

		if existing, ok := next[key]; ok {
			existing.IP = rec.IP
			existing.Discovered = true
			existing.TXT = rec.TXT

			continue
		}

		next[key] = &models.Peer{
			Host:       rec.Host,
			IP:         rec.IP,
			Discovered: true,
			TXT:        rec.TXT,
			LocalID:    "peer:" + uuid.NewString(),
		}
	}

	r.view.Store(&next)
}

// View returns the current merged peer map. Callers must not mutate the
// returned peers; it is a read-only snapshot.
func (r *Registry) View() map[string]*models.Peer {
	p := r.view.Load()
	if p == nil {
		return map[string]*models.Peer{}
	}

	return *p
}

// UpdateStatus applies an ingested status update to the peer named by key,
// setting LastSeen and Online, then republishes the view. It is a no-op if
// the peer is not (or is no longer) in the configured set.
func (r *Registry) UpdateStatus(host string, status models.PeerStatus, lastSeen time.Time) {
	key := strings.ToLower(host)

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.View()

	peer, ok := cur[key]
	if !ok || !peer.Joined {
		return
	}

	next := make(map[string]*models.Peer, len(cur))
	for k, v := range cur {
		next[k] = v
	}

	updated := *peer
	updated.Status = status
	updated.LastSeen = lastSeen.Unix()
	updated.Online = true
	next[key] = &updated

	r.view.Store(&next)
}

// MarkOffline flips the online flag for host without touching its cached
// status snapshot, which survives transient disconnection.
func (r *Registry) MarkOffline(host string) {
	key := strings.ToLower(host)

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.View()

	peer, ok := cur[key]
	if !ok || !peer.Online {
		return
	}

	next := make(map[string]*models.Peer, len(cur))
	for k, v := range cur {
		next[k] = v
	}

	updated := *peer
	updated.Online = false
	next[key] = &updated

	r.view.Store(&next)
}

// ListEntry is one row of List's response.
type ListEntry struct {
	ID     string
	Name   string
	Host   string
	IP     string
	Online bool
	Joined bool
	TXT    map[string]string
}

// List returns the union of discovered and configured peers with per-entry
// flags, filterable by caller.
func (r *Registry) List(includeDiscovered, includeConfigured bool) []ListEntry {
	cur := r.View()

	out := make([]ListEntry, 0, len(cur))

	for _, p := range cur {
		if p.Joined && !includeConfigured {
			continue
		}

		if !p.Joined && !includeDiscovered {
			continue
		}

		out = append(out, ListEntry{
			ID:     p.IdentityID(),
			Name:   p.Host,
			Host:   p.Host,
			IP:     p.IP,
			Online: p.Online,
			Joined: p.Joined,
			TXT:    p.TXT,
		})
	}

	return out
}

// SelfHostsFromInterfaces resolves this machine's local IPs, used to
// populate selfHosts at construction time so Add can reject self-joins.
func SelfHostsFromInterfaces() []string {
	var hosts []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return hosts
	}

	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			hosts = append(hosts, ipNet.IP.String())
		}
	}

	return hosts
}
