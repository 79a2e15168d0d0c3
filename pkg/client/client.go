// Package client implements the client-side replication state machine: a
// local document cache with local-first writes, an offline op queue flushed
// after (re)authentication, implicit subscription with bounded retry, and
// ACK replies for every received delta.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/synckit/internal/protocol"
)

// ErrSubscribeTimeout is returned when a document subscription exhausted its
// retry budget without a sync_response.
var ErrSubscribeTimeout = errors.New("subscription timed out")

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("client closed")

const (
	defaultSubscribeTimeout = 10 * time.Second
	defaultSubscribeRetries = 3
	subscribeBackoffBase    = 100 * time.Millisecond

	defaultDialTimeout      = 5 * time.Second
	defaultReconnectMinWait = 100 * time.Millisecond
	defaultReconnectMaxWait = 5 * time.Second

	clientWriteWait = 5 * time.Second
)

const (
	opSet    = "set"
	opDelete = "delete"
)

// Options configures a Client.
type Options struct {
	// URL of the server's /ws endpoint, e.g. "ws://localhost:3001/ws".
	URL string
	// Token is sent in the auth frame. Optional against servers that accept
	// anonymous connections.
	Token string
	// ClientID is this replica's vector-clock identity. Defaults to a
	// generated id.
	ClientID string

	Logger zerolog.Logger

	SubscribeTimeout time.Duration
	SubscribeRetries int
	DialTimeout      time.Duration
	ReconnectMinWait time.Duration
	ReconnectMaxWait time.Duration

	// AutoReconnect re-dials with exponential backoff after an unexpected
	// disconnect. On by default.
	AutoReconnect *bool
}

type queuedOp struct {
	Op         string
	DocumentID string
	Field      string
	Value      any
}

// Client is a local replica of server-held documents. All methods are safe
// for concurrent use.
type Client struct {
	opts          Options
	autoReconnect bool
	logger        zerolog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	closed      bool
	docs        map[string]map[string]any
	clocks      map[string]map[string]uint64
	subscribed  map[string]bool
	queue        []queuedOp
	syncWaiters  map[string][]chan protocol.SyncResponseFrame
	authResult   chan error
	reconnecting bool

	writeMu sync.Mutex
}

// New builds a client. Call Connect before reads; writes work offline from
// the start and queue until connected.
func New(opts Options) *Client {
	if opts.ClientID == "" {
		opts.ClientID = protocol.NewID("client")
	}
	if opts.SubscribeTimeout == 0 {
		opts.SubscribeTimeout = defaultSubscribeTimeout
	}
	if opts.SubscribeRetries == 0 {
		opts.SubscribeRetries = defaultSubscribeRetries
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.ReconnectMinWait == 0 {
		opts.ReconnectMinWait = defaultReconnectMinWait
	}
	if opts.ReconnectMaxWait == 0 {
		opts.ReconnectMaxWait = defaultReconnectMaxWait
	}
	auto := true
	if opts.AutoReconnect != nil {
		auto = *opts.AutoReconnect
	}

	return &Client{
		opts:          opts,
		autoReconnect: auto,
		logger: opts.Logger.With().
			Str("component", "sync_client").
			Str("client_id", opts.ClientID).
			Logger(),
		docs:        make(map[string]map[string]any),
		clocks:      make(map[string]map[string]uint64),
		subscribed:  make(map[string]bool),
		syncWaiters: make(map[string][]chan protocol.SyncResponseFrame),
	}
}

// ClientID returns this replica's identity.
func (c *Client) ClientID() string {
	return c.opts.ClientID
}

// Connect dials, authenticates, and flushes the offline queue. The
// subscribed set is cleared so the next document access re-syncs against the
// authoritative server state.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()
	return c.connectOnce(ctx)
}

func (c *Client) connectOnce(ctx context.Context) error {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("clientId", c.opts.ClientID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	authResult := make(chan error, 1)
	c.mu.Lock()
	c.conn = conn
	c.authResult = authResult
	c.mu.Unlock()

	go c.readLoop(conn)

	authFrame := protocol.AuthFrame{
		Envelope: protocol.NewEnvelope(protocol.TypeAuth),
		Token:    c.opts.Token,
	}
	if err := c.writeFrame(conn, authFrame); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	select {
	case err := <-authResult:
		if err != nil {
			conn.Close()
			return err
		}
	case <-time.After(c.opts.SubscribeTimeout):
		conn.Close()
		return fmt.Errorf("auth timed out")
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}

	c.mu.Lock()
	c.connected = true
	// Server state is authoritative after reconnection: force re-sync on
	// next access to every document.
	c.subscribed = make(map[string]bool)
	c.mu.Unlock()

	c.logger.Info().Msg("Connected and authenticated")
	c.flushQueue(conn)
	return nil
}

// flushQueue replays offline ops in insertion order. If the socket drops
// mid-flush the unsent suffix is retained ahead of any ops queued meanwhile.
func (c *Client) flushQueue(conn *websocket.Conn) {
	c.mu.Lock()
	ops := c.queue
	c.queue = nil
	c.mu.Unlock()

	for i, op := range ops {
		if err := c.writeFrame(conn, c.deltaFor(op)); err != nil {
			c.logger.Warn().Err(err).Int("remaining", len(ops)-i).Msg("Flush interrupted, retaining queue suffix")
			c.mu.Lock()
			c.queue = append(append([]queuedOp{}, ops[i:]...), c.queue...)
			c.mu.Unlock()
			return
		}
	}
	if len(ops) > 0 {
		c.logger.Info().Int("ops", len(ops)).Msg("Offline queue flushed")
	}
}

func (c *Client) deltaFor(op queuedOp) protocol.DeltaFrame {
	var value any = op.Value
	if op.Op == opDelete {
		value = protocol.Tombstone()
	}
	return protocol.DeltaFrame{
		Envelope:    protocol.NewEnvelope(protocol.TypeDelta),
		DocumentID:  op.DocumentID,
		Delta:       map[string]any{op.Field: value},
		VectorClock: c.clockFor(op.DocumentID),
	}
}

func (c *Client) clockFor(documentID string) map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	vc := c.clocks[documentID]
	out := make(map[string]uint64, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// SetField updates local state immediately and propagates when connected;
// otherwise the op joins the offline queue. Never blocks on the network
// round-trip.
func (c *Client) SetField(documentID, field string, value any) {
	c.mu.Lock()
	doc := c.docs[documentID]
	if doc == nil {
		doc = make(map[string]any)
		c.docs[documentID] = doc
	}
	doc[field] = value
	conn, connected := c.conn, c.connected
	if !connected {
		c.queue = append(c.queue, queuedOp{Op: opSet, DocumentID: documentID, Field: field, Value: value})
	}
	c.mu.Unlock()

	if connected {
		c.sendOrQueue(conn, queuedOp{Op: opSet, DocumentID: documentID, Field: field, Value: value})
	}
}

// DeleteField erases the field locally and propagates a tombstone.
func (c *Client) DeleteField(documentID, field string) {
	c.mu.Lock()
	if doc := c.docs[documentID]; doc != nil {
		delete(doc, field)
	}
	conn, connected := c.conn, c.connected
	if !connected {
		c.queue = append(c.queue, queuedOp{Op: opDelete, DocumentID: documentID, Field: field})
	}
	c.mu.Unlock()

	if connected {
		c.sendOrQueue(conn, queuedOp{Op: opDelete, DocumentID: documentID, Field: field})
	}
}

func (c *Client) sendOrQueue(conn *websocket.Conn, op queuedOp) {
	if err := c.writeFrame(conn, c.deltaFor(op)); err != nil {
		c.logger.Warn().Err(err).Msg("Send failed, queueing op")
		c.mu.Lock()
		c.queue = append(c.queue, op)
		c.mu.Unlock()
	}
}

// Get returns a field value, implicitly subscribing to the document first.
func (c *Client) Get(ctx context.Context, documentID, field string) (any, bool, error) {
	if err := c.ensureSubscribed(ctx, documentID); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := c.docs[documentID]
	if doc == nil {
		return nil, false, nil
	}
	v, ok := doc[field]
	return v, ok, nil
}

// Snapshot returns a copy of the document's local state, implicitly
// subscribing first.
func (c *Client) Snapshot(ctx context.Context, documentID string) (map[string]any, error) {
	if err := c.ensureSubscribed(ctx, documentID); err != nil {
		return nil, err
	}
	return c.LocalSnapshot(documentID), nil
}

// LocalSnapshot returns a copy of whatever is cached locally, without
// touching the network.
func (c *Client) LocalSnapshot(documentID string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := c.docs[documentID]
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// ensureSubscribed sends sync_request and awaits sync_response, retrying
// with exponential backoff (100ms × 2ⁿ) up to the configured budget.
func (c *Client) ensureSubscribed(ctx context.Context, documentID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.subscribed[documentID] {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var lastErr error = ErrSubscribeTimeout
	for attempt := 0; attempt < c.opts.SubscribeRetries; attempt++ {
		if attempt > 0 {
			backoff := subscribeBackoffBase * (1 << (attempt - 1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := c.subscribeOnce(ctx, documentID); err != nil {
			lastErr = err
			c.logger.Warn().Err(err).
				Str("document_id", documentID).
				Int("attempt", attempt+1).
				Msg("Subscription attempt failed")
			continue
		}
		return nil
	}
	return fmt.Errorf("subscribe %s: %w", documentID, lastErr)
}

func (c *Client) subscribeOnce(ctx context.Context, documentID string) error {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	if !connected {
		c.mu.Unlock()
		return errors.New("not connected")
	}
	ch := make(chan protocol.SyncResponseFrame, 1)
	c.syncWaiters[documentID] = append(c.syncWaiters[documentID], ch)
	c.mu.Unlock()

	req := protocol.SyncRequestFrame{
		Envelope:    protocol.NewEnvelope(protocol.TypeSyncRequest),
		DocumentID:  documentID,
		VectorClock: c.clockFor(documentID),
	}
	if err := c.writeFrame(conn, req); err != nil {
		return fmt.Errorf("send sync_request: %w", err)
	}

	select {
	case <-ch:
		return nil
	case <-time.After(c.opts.SubscribeTimeout):
		return ErrSubscribeTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop dispatches inbound frames until the socket dies, then hands off
// to the reconnect path.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatch(conn, data)
	}
}

func (c *Client) dispatch(conn *websocket.Conn, data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Dropping malformed frame")
		return
	}

	switch env.Type {
	case protocol.TypeAuthSuccess:
		c.signalAuth(nil)
	case protocol.TypeAuthError:
		var frame protocol.AuthErrorFrame
		if err := json.Unmarshal(data, &frame); err == nil {
			c.signalAuth(fmt.Errorf("authentication rejected: %s", frame.Error))
		} else {
			c.signalAuth(errors.New("authentication rejected"))
		}
	case protocol.TypeSyncResp:
		c.handleSyncResponse(data)
	case protocol.TypeDelta:
		c.handleDelta(conn, data, env)
	case protocol.TypePing:
		pong := protocol.PongFrame{Envelope: protocol.NewEnvelope(protocol.TypePong)}
		if err := c.writeFrame(conn, pong); err != nil {
			c.logger.Debug().Err(err).Msg("Pong write failed")
		}
	case protocol.TypePong, protocol.TypeAck:
		// Nothing to do.
	case protocol.TypeError:
		var frame protocol.ErrorFrame
		if err := json.Unmarshal(data, &frame); err == nil {
			c.logger.Warn().Str("error", frame.Error).Interface("details", frame.Details).Msg("Server error frame")
		}
	default:
		c.logger.Warn().Str("type", string(env.Type)).Msg("Unexpected frame type")
	}
}

func (c *Client) signalAuth(err error) {
	c.mu.Lock()
	ch := c.authResult
	c.authResult = nil
	c.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

// handleSyncResponse replaces local document state with the server
// snapshot: the server is authoritative after (re)connection. Unsynced
// local writes are either in the offline queue or already on the wire, and
// come back via the authoritative echo.
func (c *Client) handleSyncResponse(data []byte) {
	var frame protocol.SyncResponseFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn().Err(err).Msg("Dropping malformed sync_response")
		return
	}

	state := make(map[string]any, len(frame.State))
	for k, v := range frame.State {
		state[k] = v
	}

	c.mu.Lock()
	c.docs[frame.DocumentID] = state
	if len(frame.VectorClock) > 0 {
		c.clocks[frame.DocumentID] = frame.VectorClock
	}
	c.subscribed[frame.DocumentID] = true
	waiters := c.syncWaiters[frame.DocumentID]
	delete(c.syncWaiters, frame.DocumentID)
	c.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- frame:
		default:
		}
	}
}

// handleDelta applies field changes (tombstones erase, values overwrite) and
// acknowledges with the frame's messageId. Reapplying a duplicate delta is a
// no-op by construction.
func (c *Client) handleDelta(conn *websocket.Conn, data []byte, env protocol.Envelope) {
	var frame protocol.DeltaFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn().Err(err).Msg("Dropping malformed delta")
		return
	}

	c.mu.Lock()
	doc := c.docs[frame.DocumentID]
	if doc == nil {
		doc = make(map[string]any)
		c.docs[frame.DocumentID] = doc
	}
	for field, value := range frame.Delta {
		if protocol.IsTombstone(value) {
			delete(doc, field)
		} else {
			doc[field] = value
		}
	}
	if len(frame.VectorClock) > 0 {
		vc := c.clocks[frame.DocumentID]
		if vc == nil {
			vc = make(map[string]uint64)
			c.clocks[frame.DocumentID] = vc
		}
		for id, cnt := range frame.VectorClock {
			if cnt > vc[id] {
				vc[id] = cnt
			}
		}
	}
	c.mu.Unlock()

	ack := protocol.AckFrame{
		Envelope:  protocol.NewEnvelope(protocol.TypeAck),
		MessageID: env.ID,
	}
	if err := c.writeFrame(conn, ack); err != nil {
		c.logger.Debug().Err(err).Msg("ACK write failed")
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection superseded this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	closed := c.closed
	spawn := c.autoReconnect && !closed && !c.reconnecting
	if spawn {
		c.reconnecting = true
	}
	c.mu.Unlock()
	conn.Close()

	if closed {
		return
	}
	c.logger.Warn().Err(cause).Msg("Disconnected")
	if spawn {
		go c.reconnectLoop()
	}
}

// reconnectLoop re-dials with exponential backoff until connected or closed.
func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	backoff := c.opts.ReconnectMinWait
	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		time.Sleep(backoff)
		if backoff < c.opts.ReconnectMaxWait {
			backoff *= 2
			if backoff > c.opts.ReconnectMaxWait {
				backoff = c.opts.ReconnectMaxWait
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout+c.opts.SubscribeTimeout)
		err := c.connectOnce(ctx)
		cancel()
		if err == nil {
			c.logger.Info().Msg("Reconnected")
			return
		}
		c.logger.Warn().Err(err).Dur("next_backoff", backoff).Msg("Reconnect attempt failed")
	}
}

// QueueLen reports the offline queue depth.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Connected reports whether the client is authenticated and usable.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close shuts the client down; no reconnect is attempted afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(clientWriteWait))
		return conn.Close()
	}
	return nil
}

// writeFrame serializes socket writes; gorilla connections allow one
// concurrent writer.
func (c *Client) writeFrame(conn *websocket.Conn, frame any) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
