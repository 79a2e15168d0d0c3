// Package server accepts WebSocket connections on /ws, drives the
// per-connection session state machine, and broadcasts coalesced deltas to
// document subscribers with ACK-tracked delivery.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/synckit/internal/auth"
	"github.com/adred-codev/synckit/internal/config"
	"github.com/adred-codev/synckit/internal/coordinator"
	"github.com/adred-codev/synckit/internal/delivery"
	"github.com/adred-codev/synckit/internal/metrics"
	"github.com/adred-codev/synckit/internal/protocol"
	"github.com/adred-codev/synckit/internal/pubsub"
	"github.com/adred-codev/synckit/internal/registry"
	"github.com/adred-codev/synckit/internal/storage"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  2048,
	WriteBufferSize: 2048,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server wires the coordinator, delivery layer, registry, and auth behind
// the HTTP/WebSocket surface.
type Server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	serverID string

	registry *registry.Registry
	coord    *coordinator.Coordinator
	batcher  *delivery.Batcher
	tracker  *delivery.AckTracker
	verifier auth.Verifier
	jwt      *auth.JWTManager
	pubsub   pubsub.Adapter

	httpServer   *http.Server
	sessionCount atomic.Int64
	shuttingDown atomic.Bool
	startedAt    time.Time
	wg           sync.WaitGroup
}

// New assembles a server from configuration. Optional collaborators
// (storage, pub/sub, JWT auth) are enabled by their config values.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logger.With().Str("component", "server").Logger(),
		serverID:  protocol.NewID("server"),
		pubsub:    pubsub.Noop{},
		startedAt: time.Now(),
	}

	var store storage.Store
	if cfg.DataDir != "" {
		fs, err := storage.NewFileStore(cfg.DataDir, logger)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		store = fs
	}
	s.coord = coordinator.New(store, logger)

	if cfg.JWTSecret != "" {
		s.jwt = auth.NewJWTManager(cfg.JWTSecret, cfg.TokenExpiration)
		s.verifier = s.jwt
	}

	if cfg.NATSURL != "" {
		adapter, err := pubsub.NewNATS(cfg.NATSURL, logger)
		if err != nil {
			// Best-effort collaborator: a dead broker never blocks startup.
			s.logger.Error().Err(err).Msg("Pub/sub connect failed, continuing without it")
		} else {
			s.pubsub = adapter
		}
	}

	s.registry = registry.New(logger)
	s.batcher = delivery.NewBatcher(cfg.BatchInterval, s.broadcastBatch, logger)
	s.tracker = delivery.NewAckTracker(
		cfg.AckTimeout,
		cfg.MaxRetries,
		s.registry.Send,
		s.connAuthenticated,
		logger,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/auth/token", s.handleGenerateToken)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler exposes the HTTP mux, used by tests to run the server on an
// ephemeral listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Coordinator exposes the document coordinator to embedding callers.
func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coord
}

// PendingAckCount reports outstanding unacknowledged deltas.
func (s *Server) PendingAckCount() int {
	return s.tracker.PendingCount()
}

// Start begins serving and announces presence on the pub/sub hook.
func (s *Server) Start() error {
	if err := s.pubsub.AnnouncePresence(s.serverID, map[string]any{"addr": s.cfg.Addr, "version": Version}); err != nil {
		s.logger.Error().Err(err).Msg("Presence announcement failed")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// connAuthenticated reports whether a connection is still worth retrying
// deltas against.
func (s *Server) connAuthenticated(connectionID string) bool {
	c, ok := s.registry.ByConnection(connectionID)
	if !ok {
		return false
	}
	sess, ok := c.(*Session)
	return ok && sess.State() == StateAuthenticated
}

func (s *Server) sessionClosed() {
	s.sessionCount.Add(-1)
	metrics.DecConnections()
}

// handleWebSocket upgrades the connection and starts its session. Capacity
// rejections close with 1008 before the session state machine starts.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	clientID := r.URL.Query().Get("clientId")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	if s.sessionCount.Add(1) > int64(s.cfg.MaxConnections) {
		s.sessionCount.Add(-1)
		metrics.IncConnectionsRejected()
		s.logger.Warn().
			Int("max_connections", s.cfg.MaxConnections).
			Str("remote_addr", r.RemoteAddr).
			Msg("Connection rejected at capacity")
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Server at maximum capacity")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	metrics.IncConnections()
	sess := newSession(conn, s, clientID)
	s.registry.Add(sess)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run()
	}()
}

// broadcastBatch is the batcher's flush callback: one coalesced delta frame
// per subscriber, each with its own messageId, tracked until acknowledged.
// The sender is not excluded — it observes LWW resolution of its own writes.
func (s *Server) broadcastBatch(documentID string, fields map[string]any) {
	vc := s.coord.GetVectorClock(documentID)
	subscribers := s.coord.Subscribers(documentID)
	if len(subscribers) > 0 {
		s.logger.Debug().
			Str("document_id", documentID).
			Int("fields", len(fields)).
			Int("subscribers", len(subscribers)).
			Msg("Flushing delta batch")
	}

	for _, connID := range subscribers {
		frame := protocol.DeltaFrame{
			Envelope:    protocol.NewEnvelope(protocol.TypeDelta),
			DocumentID:  documentID,
			Delta:       fields,
			VectorClock: vc,
		}
		data, err := protocol.Encode(frame)
		if err != nil {
			s.logger.Error().Err(err).Str("document_id", documentID).Msg("Failed to encode delta")
			continue
		}
		s.tracker.Track(connID, frame.ID, documentID, data)
		metrics.IncDeltasBroadcast()
	}

	if err := s.pubsub.PublishBroadcast(pubsub.Broadcast{
		ServerID:    s.serverID,
		DocumentID:  documentID,
		Delta:       fields,
		VectorClock: vc,
	}); err != nil {
		s.logger.Error().Err(err).Msg("Pub/sub broadcast failed")
	}
}

// handleGenerateToken issues a wildcard test token (development only).
// Absent a JWT secret there is nothing to sign with.
func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.jwt == nil {
		http.Error(w, "Auth not configured", http.StatusNotFound)
		return
	}

	token, err := s.jwt.GenerateTestToken()
	if err != nil {
		s.logger.Error().Err(err).Msg("Error generating test token")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// Shutdown drains gracefully: announce on pub/sub, flush pending batches,
// close every connection with 1001, stop the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	if err := s.pubsub.AnnounceShutdown(s.serverID); err != nil {
		s.logger.Error().Err(err).Msg("Shutdown announcement failed")
	}

	s.batcher.Stop()
	s.registry.CloseAll(websocket.CloseGoingAway, "server shutting down")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := s.pubsub.Disconnect(); err != nil {
		s.logger.Error().Err(err).Msg("Pub/sub disconnect error")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Graceful shutdown completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout, abandoning remaining goroutines")
	}
	return nil
}
