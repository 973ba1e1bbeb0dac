// Package gateway exposes the collaboration core to clients as JSON frames
// over a websocket per document.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabtext/internal/discovery"
	"collabtext/internal/distribution"
	"collabtext/internal/op"
	"collabtext/internal/oplog"
	"collabtext/internal/replica"
)

// Core is the part of the session coordinator the gateway drives.
type Core interface {
	CreateDocument(ctx context.Context, documentID string) error
	Join(ctx context.Context, userID, documentID, token string, presence map[string]string) (string, error)
	Submit(ctx context.Context, sessionID string, o op.Operation) (op.Operation, error)
	Heartbeat(ctx context.Context, sessionID string, presence map[string]string) error
	Leave(ctx context.Context, sessionID string) error
	Subscribe(ctx context.Context, sessionID string, from uint64) (distribution.Subscription, error)
	WatchPresence(ctx context.Context, sessionID string) (distribution.PresenceSubscription, error)
	State(ctx context.Context, sessionID string) (replica.State, error)
	Decide(ctx context.Context, sessionID, conflictID string, acceptHeld bool) (op.ConflictRecord, error)
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// Server routes websocket connections to the core.
type Server struct {
	core     Core
	logger   *slog.Logger
	upgrader websocket.Upgrader
	peers    *discovery.Registry
}

// Option configures a Server.
type Option func(*Server)

// WithPeers serves the instances found by discovery at GET /peers.
func WithPeers(reg *discovery.Registry) Option {
	return func(s *Server) { s.peers = reg }
}

// New creates a gateway for core.
func New(core Core, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		core:   core,
		logger: logger.With(slog.String("component", "gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes:
//
//	GET  /ws/{document}        websocket frames for one document
//	POST /documents/{document} create an empty document
//	GET  /healthz              liveness
//	GET  /peers                instances seen by discovery, when enabled
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{document}", s.serveWs).Methods(http.MethodGet)
	r.HandleFunc("/documents/{document}", s.createDocument).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	if s.peers != nil {
		r.HandleFunc("/peers", s.listPeers).Methods(http.MethodGet)
	}
	return r
}

func (s *Server) listPeers(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.peers.Peers()); err != nil {
		s.logger.Debug("writing peers failed", slog.Any("error", err))
	}
}

func (s *Server) createDocument(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["document"]
	err := s.core.CreateDocument(r.Context(), documentID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusCreated)
	case errors.Is(err, oplog.ErrExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, op.ErrInvalidOperation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("creating document failed", slog.String("document_id", documentID), slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["document"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	s.logger.Debug("new connection", slog.String("document_id", documentID), slog.String("remote", r.RemoteAddr))

	c := newClient(s, conn, documentID)
	go c.writePump()
	c.readPump()
}
