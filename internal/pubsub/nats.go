package pubsub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	subjectBroadcast = "synckit.broadcast"
	subjectPresence  = "synckit.presence"
	subjectShutdown  = "synckit.shutdown"
)

// NATSAdapter implements Adapter over a NATS connection.
type NATSAdapter struct {
	conn      *nats.Conn
	subs      []*nats.Subscription
	subsMutex sync.Mutex
	logger    zerolog.Logger
}

// NewNATS connects to a NATS server. Connection event handlers log state
// changes; the nats client reconnects on its own.
func NewNATS(url string, logger zerolog.Logger) (*NATSAdapter, error) {
	l := logger.With().Str("component", "pubsub").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			l.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			l.Error().Err(err).Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	l.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")

	return &NATSAdapter{conn: conn, logger: l}, nil
}

// SubscribeToBroadcast delivers every broadcast published by other servers
// to cb. Messages that fail to parse are dropped with a warning.
func (a *NATSAdapter) SubscribeToBroadcast(cb func(Broadcast)) error {
	sub, err := a.conn.Subscribe(subjectBroadcast, func(msg *nats.Msg) {
		var b Broadcast
		if err := json.Unmarshal(msg.Data, &b); err != nil {
			a.logger.Warn().Err(err).Msg("Dropping unparseable broadcast")
			return
		}
		cb(b)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subjectBroadcast, err)
	}

	a.subsMutex.Lock()
	a.subs = append(a.subs, sub)
	a.subsMutex.Unlock()
	return nil
}

// PublishBroadcast relays a local delta to peer servers.
func (a *NATSAdapter) PublishBroadcast(b Broadcast) error {
	return a.publishJSON(subjectBroadcast, b)
}

// AnnouncePresence publishes this server's identity and metadata.
func (a *NATSAdapter) AnnouncePresence(serverID string, meta map[string]any) error {
	payload := map[string]any{"serverId": serverID, "timestamp": time.Now().UnixMilli()}
	for k, v := range meta {
		payload[k] = v
	}
	return a.publishJSON(subjectPresence, payload)
}

// AnnounceShutdown publishes a shutdown notice for this server.
func (a *NATSAdapter) AnnounceShutdown(serverID string) error {
	return a.publishJSON(subjectShutdown, map[string]any{
		"serverId":  serverID,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (a *NATSAdapter) publishJSON(subject string, obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := a.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Disconnect drains subscriptions and closes the connection.
func (a *NATSAdapter) Disconnect() error {
	a.subsMutex.Lock()
	defer a.subsMutex.Unlock()

	for _, sub := range a.subs {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Warn().Err(err).Msg("Error unsubscribing")
		}
	}
	a.subs = nil
	if a.conn != nil {
		a.conn.Close()
	}
	return nil
}
