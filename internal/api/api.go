// Package api implements the Diagnostic/Management HTTP API: the
// operator-facing peer-management routes under /loadsharing/*, plus the
// peer-consumed routes (/status, /config, /ws) this node serves to its
// own ingestors' counterparts on other nodes.
//
// Routing and JSON-response conventions follow a gorilla/mux router with
// per-route handler methods and a shared JSON-response helper; the /ws
// upgrade uses a websocket.Upgrader the same way, adapted from streaming
// query results to streaming a peer's own status snapshot plus deltas.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/openevse/loadshare/internal/logging"
	"github.com/openevse/loadshare/internal/models"
	"github.com/openevse/loadshare/internal/registry"
)

// PeerRegistry is the subset of *registry.Registry the API depends on.
type PeerRegistry interface {
	Add(host string) error
	Remove(host string) error
	List(includeDiscovered, includeConfigured bool) []registry.ListEntry
	View() map[string]*models.Peer
}

// Discoverer is the subset of *discovery.Engine the API depends on.
type Discoverer interface {
	Trigger()
}

// ConfigStore is the applied-GroupConfig access the API depends on for
// GET/POST /config; the node implements it.
type ConfigStore interface {
	Current() models.GroupConfig
	Apply(cfg models.GroupConfig) error
}

// StatusProvider supplies this node's own live status for GET /status and
// the initial frame of GET /ws.
type StatusProvider interface {
	SelfStatus() models.PeerStatus
	Subscribe() (<-chan models.PeerStatus, func())
}

// FailsafeStatus reports the Failsafe Supervisor's last decision for
// GET /loadsharing/status.
type FailsafeStatus struct {
	Active bool
	Reason string
	SelfA  float64
}

// PersistenceHealth is the persistence flag of GET /loadsharing/status.
// A failed registry/config write is reported in the HTTP response of the
// failing call; the node's implementation does not record it here and
// always reports OK.
type PersistenceHealth struct {
	OK      bool
	LastErr string
}

// StatusPeer is one row of StatusSnapshot.Peers: the subset of peer state
// worth surfacing alongside an allocation in the aggregate status view.
type StatusPeer struct {
	ID     string `json:"id"`
	Host   string `json:"host"`
	Online bool   `json:"online"`
}

// StatusSnapshot is the response body for GET /loadsharing/status.
type StatusSnapshot struct {
	Enabled          bool                `json:"enabled"`
	GroupID          string              `json:"group_id"`
	ComputedAt       int64               `json:"computed_at"`
	SelfAllocationA  float64             `json:"self_allocation_a"`
	ConfigVersion    uint64              `json:"config_version"`
	ConfigConsistent bool                `json:"config_consistent"`
	ConfigIssues     []string            `json:"config_issues"`
	FailsafeActive   bool                `json:"failsafe_active"`
	FailsafeReason   string              `json:"failsafe_reason,omitempty"`
	PersistenceOK    bool                `json:"persistence_ok"`
	PersistenceErr   string              `json:"persistence_error,omitempty"`
	PeerCount        int                 `json:"peer_count"`
	OnlinePeerCount  int                 `json:"online_peer_count"`
	OfflinePeerCount int                 `json:"offline_peer_count"`
	Peers            []StatusPeer        `json:"peers"`
	Allocations      []models.Allocation `json:"allocations"`
}

// StatusSource supplies the values GET /loadsharing/status aggregates,
// implemented by the node composition root so this package stays free of
// an import cycle with internal/node.
type StatusSource interface {
	GroupConfig() models.GroupConfig
	SelfAllocationA() float64
	ConfigConsistent() bool
	ConfigIssues() []string
	Failsafe() FailsafeStatus
	Persistence() PersistenceHealth
	Allocations() []models.Allocation
	ComputedAt() time.Time
}

// Server is the HTTP API server.
type Server struct {
	router     *mux.Router
	registry   PeerRegistry
	discoverer Discoverer
	configs    ConfigStore
	status     StatusProvider
	source     StatusSource
	logger     logging.Logger
	upgrader   websocket.Upgrader
}

// New constructs a Server and wires its routes.
func New(reg PeerRegistry, disc Discoverer, cfgStore ConfigStore, statusSrc StatusSource, status StatusProvider, log logging.Logger) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		registry:   reg,
		discoverer: disc,
		configs:    cfgStore,
		status:     status,
		source:     statusSrc,
		logger:     log,
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(*http.Request) bool { return true }},
	}

	s.setupRoutes()

	return s
}

// Handler returns the server's http.Handler for embedding in an
// *http.Server, matching how the composition root wires shutdown.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/loadsharing/peers", s.listPeers).Methods(http.MethodGet)
	s.router.HandleFunc("/loadsharing/peers", s.addPeer).Methods(http.MethodPost)
	s.router.HandleFunc("/loadsharing/peers/{host}", s.removePeer).Methods(http.MethodDelete)
	s.router.HandleFunc("/loadsharing/discover", s.triggerDiscover).Methods(http.MethodPost)
	s.router.HandleFunc("/loadsharing/status", s.loadsharingStatus).Methods(http.MethodGet)

	s.router.HandleFunc("/status", s.peerStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/config", s.getConfig).Methods(http.MethodGet)
	s.router.HandleFunc("/config", s.postConfig).Methods(http.MethodPost)
	s.router.HandleFunc("/ws", s.streamStatus).Methods(http.MethodGet)
}

type peerListEntry struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Host   string            `json:"host"`
	IP     string            `json:"ip,omitempty"`
	Online bool              `json:"online"`
	Joined bool              `json:"joined"`
	TXT    map[string]string `json:"txt,omitempty"`
}

type msgResponse struct {
	Msg string `json:"msg"`
}

type errResponse struct {
	Error string `json:"error"`
}

func (s *Server) listPeers(w http.ResponseWriter, _ *http.Request) {
	entries := s.registry.List(true, true)

	out := make([]peerListEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, peerListEntry{
			ID:     e.ID,
			Name:   e.Name,
			Host:   e.Host,
			IP:     e.IP,
			Online: e.Online,
			Joined: e.Joined,
			TXT:    e.TXT,
		})
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) addPeer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Host string `json:"host"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errResponse{Error: "invalid request body"})
		return
	}

	if err := s.registry.Add(body.Host); err != nil {
		writeJSON(w, http.StatusBadRequest, errResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, msgResponse{Msg: "done"})
}

func (s *Server) removePeer(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["host"]

	if err := s.registry.Remove(host); err != nil {
		writeJSON(w, http.StatusNotFound, errResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, msgResponse{Msg: "done"})
}

func (s *Server) triggerDiscover(w http.ResponseWriter, _ *http.Request) {
	s.discoverer.Trigger()
	writeJSON(w, http.StatusOK, msgResponse{Msg: "done"})
}

func (s *Server) loadsharingStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.source.GroupConfig()
	fs := s.source.Failsafe()
	ph := s.source.Persistence()

	peers := s.registry.View()

	online := 0
	statusPeers := make([]StatusPeer, 0, len(peers))

	for _, p := range peers {
		if p.Online {
			online++
		}

		statusPeers = append(statusPeers, StatusPeer{ID: p.IdentityID(), Host: p.Host, Online: p.Online})
	}

	writeJSON(w, http.StatusOK, StatusSnapshot{
		Enabled:          cfg.Enabled,
		GroupID:          cfg.GroupID,
		ComputedAt:       s.source.ComputedAt().Unix(),
		SelfAllocationA:  s.source.SelfAllocationA(),
		ConfigVersion:    cfg.ConfigVersion,
		ConfigConsistent: s.source.ConfigConsistent(),
		ConfigIssues:     s.source.ConfigIssues(),
		FailsafeActive:   fs.Active,
		FailsafeReason:   fs.Reason,
		PersistenceOK:    ph.OK,
		PersistenceErr:   ph.LastErr,
		PeerCount:        len(peers),
		OnlinePeerCount:  online,
		OfflinePeerCount: len(peers) - online,
		Peers:            statusPeers,
		Allocations:      s.source.Allocations(),
	})
}

// peerStatus implements the peer-consumed GET /status contract: returns
// this node's own live status snapshot.
func (s *Server) peerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status.SelfStatus())
}

func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.configs.Current())
}

func (s *Server) postConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.GroupConfig

	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, errResponse{Error: "invalid config body"})
		return
	}

	if err := cfg.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errResponse{Error: err.Error()})
		return
	}

	if err := s.configs.Apply(cfg); err != nil {
		writeJSON(w, http.StatusInternalServerError, errResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, msgResponse{Msg: "done"})
}

// streamStatus implements the peer-consumed GET /ws contract: a full
// snapshot on connect, then each status value published through Subscribe,
// written whole; no partial delta frames are sent.
func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn().Err(err).Msg("failed to upgrade status stream")
		}

		return
	}

	defer conn.Close()

	if err := conn.WriteJSON(s.status.SelfStatus()); err != nil {
		return
	}

	updates, unsubscribe := s.status.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go drainClientReads(ctx, conn, cancel)

	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-updates:
			if !ok {
				return
			}

			if err := conn.WriteJSON(snapshot); err != nil {
				return
			}
		}
	}
}

// drainClientReads keeps the websocket read pump running so control frames
// (ping/pong/close) are processed, and cancels ctx once the client
// disconnects.
func drainClientReads(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}

