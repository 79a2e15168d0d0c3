package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/synckit/internal/auth"
	"github.com/adred-codev/synckit/internal/metrics"
	"github.com/adred-codev/synckit/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Maximum inbound frame size.
	maxFrameSize = 1 << 20

	// Outbound frame buffer per session.
	sessionSendBuffer = 256

	// Protocol errors tolerated before the connection is closed.
	maxProtocolErrors = 16
)

// State is the per-connection lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Session drives one WebSocket connection through the lifecycle
// CONNECTING → AUTHENTICATING → AUTHENTICATED → DISCONNECTING → DISCONNECTED.
type Session struct {
	id       string
	clientID string // declared via ?clientId=, may be empty
	conn     *websocket.Conn
	srv      *Server

	send chan []byte
	done chan struct{}

	state atomic.Int32

	mu             sync.Mutex
	principal      *auth.Principal
	subscriptions  map[string]struct{}
	protocolErrors int

	limiter   *rate.Limiter
	closeOnce sync.Once
	teardownOnce sync.Once

	connectedAt time.Time
	logger      zerolog.Logger
}

func newSession(conn *websocket.Conn, srv *Server, clientID string) *Session {
	id := protocol.NewID("conn")
	s := &Session{
		id:            id,
		clientID:      clientID,
		conn:          conn,
		srv:           srv,
		send:          make(chan []byte, sessionSendBuffer),
		done:          make(chan struct{}),
		subscriptions: make(map[string]struct{}),
		limiter:       rate.NewLimiter(rate.Limit(srv.cfg.FrameRatePerSec), srv.cfg.FrameRateBurst),
		connectedAt:   time.Now(),
		logger: srv.logger.With().
			Str("component", "session").
			Str("connection_id", id).
			Logger(),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// ID implements registry.Connection.
func (s *Session) ID() string { return s.id }

// ClientID implements registry.Connection.
func (s *Session) ClientID() string { return s.clientID }

// PrincipalID implements registry.Connection.
func (s *Session) PrincipalID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.principal == nil {
		return ""
	}
	return s.principal.UserID
}

// replicaID is the vector-clock identity for writes from this connection:
// the declared client id, or the connection id when none was declared.
// The principal (user identity) is never used here — two tabs of one user
// are two replicas.
func (s *Session) replicaID() string {
	if s.clientID != "" {
		return s.clientID
	}
	return s.id
}

// Send implements registry.Connection. Non-blocking: a full buffer or a
// finished session drops the frame and reports false.
func (s *Session) Send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Close implements registry.Connection: sends a close frame and tears the
// connection down.
func (s *Session) Close(code int, reason string) {
	s.setState(StateDisconnecting)
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		s.conn.Close()
	})
}

// run owns the session lifecycle: socket open moves the session to
// AUTHENTICATING, the write pump starts, and the read loop runs until the
// connection dies.
func (s *Session) run() {
	s.setState(StateAuthenticating)
	go s.writePump()
	s.readPump()
}

// readPump reads frames until the socket closes. The read deadline doubles
// as heartbeat supervision: it is refreshed on every pong, so a peer that
// misses a full heartbeat interval past the ping gets terminated.
func (s *Session) readPump() {
	defer s.teardown()

	pongWait := s.srv.cfg.HeartbeatInterval * 2
	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("Read error, closing session")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleFrame(data)
	}
}

// writePump serializes all writes to the socket: queued frames plus the
// heartbeat ping ticker.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.srv.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		s.closeOnce.Do(func() { s.conn.Close() })
	}()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug().Err(err).Msg("Write error, closing session")
				return
			}
			metrics.IncFramesSent()
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug().Err(err).Msg("Ping write error, closing session")
				return
			}
		}
	}
}

// teardown runs exactly once when the connection dies: the session leaves
// every subscriber set, its pending ACKs are cancelled, and the registry
// entry is removed.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.setState(StateDisconnected)
		close(s.done)
		s.closeOnce.Do(func() { s.conn.Close() })

		s.srv.registry.Remove(s.id)
		s.srv.coord.UnsubscribeAll(s.id)
		s.srv.tracker.CancelConnection(s.id)
		s.srv.sessionClosed()

		s.logger.Info().
			Str("state", s.State().String()).
			Dur("connection_duration", time.Since(s.connectedAt)).
			Msg("Session closed")
	})
}

// handleFrame validates and dispatches one inbound frame.
func (s *Session) handleFrame(data []byte) {
	if !s.limiter.Allow() {
		s.sendError("rate limit exceeded", nil)
		return
	}

	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		metrics.IncProtocolErrors()
		s.sendError(err.Error(), nil)

		s.mu.Lock()
		s.protocolErrors++
		tooMany := s.protocolErrors >= maxProtocolErrors
		s.mu.Unlock()
		if tooMany {
			s.logger.Warn().Int("protocol_errors", maxProtocolErrors).Msg("Closing session after repeated protocol errors")
			s.Close(websocket.ClosePolicyViolation, "too many protocol errors")
		}
		return
	}
	metrics.IncFrameReceived(string(env.Type))

	switch env.Type {
	case protocol.TypeAuth:
		s.handleAuth(data)
	case protocol.TypeSyncRequest:
		if s.State() != StateAuthenticated {
			s.sendError("not authenticated", nil)
			return
		}
		s.handleSyncRequest(data, env)
	case protocol.TypeDelta:
		if s.State() != StateAuthenticated {
			s.sendError("not authenticated", nil)
			return
		}
		s.handleDelta(data)
	case protocol.TypeAck:
		if s.State() != StateAuthenticated {
			return
		}
		s.handleAck(data)
	case protocol.TypePing:
		pong := protocol.PongFrame{Envelope: protocol.NewEnvelope(protocol.TypePong)}
		s.sendFrame(pong)
	case protocol.TypePong:
		// Application-level pong; the transport pong handler covers liveness.
	default:
		// Server-to-client frame types arriving from a client.
		s.sendError("unexpected frame type", map[string]any{"type": string(env.Type)})
	}
}

func (s *Session) handleAuth(data []byte) {
	if s.State() != StateAuthenticating {
		s.sendError("invalid state for auth", map[string]any{"state": s.State().String()})
		return
	}

	var frame protocol.AuthFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.sendError("malformed auth frame", nil)
		return
	}

	token := frame.Token
	if token == "" {
		token = frame.APIKey
	}

	var principal *auth.Principal
	if s.srv.verifier == nil {
		principal = auth.Anonymous(s.id)
	} else {
		if token == "" {
			s.rejectAuth("missing token")
			return
		}
		p, err := s.srv.verifier.VerifyToken(token)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Token verification failed")
			s.rejectAuth("invalid token")
			return
		}
		principal = p
	}

	s.mu.Lock()
	s.principal = principal
	s.mu.Unlock()

	s.srv.registry.LinkPrincipal(s.id, principal.UserID)
	if s.clientID != "" {
		s.srv.registry.LinkClient(s.id, s.clientID)
	}
	s.setState(StateAuthenticated)

	s.sendFrame(protocol.AuthSuccessFrame{
		Envelope:    protocol.NewEnvelope(protocol.TypeAuthSuccess),
		UserID:      principal.UserID,
		Permissions: principal.Permissions,
	})
	s.logger.Info().Str("user_id", principal.UserID).Msg("Session authenticated")
}

func (s *Session) rejectAuth(reason string) {
	metrics.IncAuthFailures()
	s.sendFrame(protocol.AuthErrorFrame{
		Envelope: protocol.NewEnvelope(protocol.TypeAuthError),
		Error:    reason,
	})
	// Give the write pump a moment to drain the auth_error before the close
	// frame goes out.
	time.Sleep(10 * time.Millisecond)
	s.Close(websocket.ClosePolicyViolation, "authentication failed")
}

func (s *Session) permissions() protocol.PermissionSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.principal == nil {
		return protocol.PermissionSet{}
	}
	return s.principal.Permissions
}

func (s *Session) handleSyncRequest(data []byte, env protocol.Envelope) {
	var frame protocol.SyncRequestFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.DocumentID == "" {
		s.sendError("malformed sync_request", nil)
		return
	}

	if !s.permissions().AllowsRead(frame.DocumentID) {
		s.sendError("permission denied", map[string]any{"documentId": frame.DocumentID})
		return
	}

	s.srv.coord.GetOrCreateDocument(frame.DocumentID)
	s.srv.coord.Subscribe(frame.DocumentID, s.id)
	s.mu.Lock()
	s.subscriptions[frame.DocumentID] = struct{}{}
	s.mu.Unlock()

	s.sendFrame(protocol.SyncResponseFrame{
		Envelope:    protocol.NewEnvelope(protocol.TypeSyncResp),
		RequestID:   env.ID,
		DocumentID:  frame.DocumentID,
		State:       s.srv.coord.GetDocumentState(frame.DocumentID),
		Deltas:      []protocol.DeltaFrame{},
		VectorClock: s.srv.coord.GetVectorClock(frame.DocumentID),
	})
	metrics.SetDocumentsActive(s.srv.coord.DocumentCount())
}

func (s *Session) handleDelta(data []byte) {
	var frame protocol.DeltaFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.DocumentID == "" {
		s.sendError("malformed delta", nil)
		return
	}

	if !s.permissions().AllowsWrite(frame.DocumentID) {
		s.sendError("permission denied", map[string]any{"documentId": frame.DocumentID})
		return
	}

	writer := s.replicaID()

	// A writer is implicitly a subscriber: it must observe LWW resolution of
	// concurrent writes, including its own.
	s.srv.coord.Subscribe(frame.DocumentID, s.id)
	s.mu.Lock()
	s.subscriptions[frame.DocumentID] = struct{}{}
	s.mu.Unlock()

	for field, value := range frame.Delta {
		if protocol.IsTombstone(value) {
			authoritative := s.srv.coord.DeleteField(frame.DocumentID, field, writer, frame.Timestamp)
			metrics.IncWriteApplied("delete")
			if authoritative == nil {
				// Delete won: subscribers must erase the field.
				s.srv.batcher.Add(frame.DocumentID, field, protocol.Tombstone())
			} else {
				s.srv.batcher.Add(frame.DocumentID, field, authoritative)
			}
		} else {
			authoritative := s.srv.coord.SetField(frame.DocumentID, field, value, writer, frame.Timestamp)
			metrics.IncWriteApplied("set")
			s.srv.batcher.Add(frame.DocumentID, field, authoritative)
		}
	}

	s.srv.coord.MergeVectorClock(frame.DocumentID, frame.VectorClock)
}

func (s *Session) handleAck(data []byte) {
	var frame protocol.AckFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.MessageID == "" {
		return
	}
	s.srv.tracker.Ack(s.id, frame.MessageID)
}

func (s *Session) sendFrame(frame any) {
	data, err := protocol.Encode(frame)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode frame")
		return
	}
	if !s.Send(data) {
		s.logger.Debug().Msg("Send buffer full, frame dropped")
	}
}

func (s *Session) sendError(msg string, details map[string]any) {
	s.sendFrame(protocol.ErrorFrame{
		Envelope: protocol.NewEnvelope(protocol.TypeError),
		Error:    msg,
		Details:  details,
	})
}
