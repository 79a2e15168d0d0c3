package server

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/synckit/pkg/client"
)

// Reconnect fidelity: after the server drops the connection, the client
// re-dials, re-authenticates, replays ops queued while offline, and re-syncs
// state on next access.
func TestClientReconnectsAndReplaysQueuedOps(t *testing.T) {
	srv, wsURL := startTestServer(t, testConfig())

	c := client.New(client.Options{
		URL:              wsURL,
		ClientID:         "client-r",
		Logger:           zerolog.Nop(),
		SubscribeTimeout: 2 * time.Second,
		ReconnectMinWait: 20 * time.Millisecond,
		ReconnectMaxWait: 100 * time.Millisecond,
	})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	_, err := c.Snapshot(ctx, "doc-r")
	require.NoError(t, err)

	// Server-side drop of every session.
	srv.registry.CloseAll(websocket.CloseGoingAway, "server restart")
	require.Eventually(t, func() bool { return !c.Connected() }, 3*time.Second, 10*time.Millisecond)

	// A write while disconnected queues locally.
	c.SetField("doc-r", "offline", "written-while-down")
	assert.Equal(t, "written-while-down", c.LocalSnapshot("doc-r")["offline"])

	// Auto-reconnect kicks in against the still-running listener and the
	// queued op replays.
	require.Eventually(t, func() bool { return c.Connected() }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return srv.coord.GetDocumentState("doc-r")["offline"] == "written-while-down"
	}, 5*time.Second, 20*time.Millisecond)

	// The next access re-subscribes and matches the authoritative snapshot.
	snap, err := c.Snapshot(ctx, "doc-r")
	require.NoError(t, err)
	assert.Equal(t, srv.coord.GetDocumentState("doc-r"), snap)
}
