package client

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/synckit/internal/config"
	"github.com/adred-codev/synckit/internal/server"
)

func startServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	cfg := &config.Config{
		Addr:              ":0",
		MaxConnections:    32,
		BatchInterval:     20 * time.Millisecond,
		AckTimeout:        time.Second,
		MaxRetries:        3,
		HeartbeatInterval: time.Minute,
		FrameRateBurst:    1000,
		FrameRatePerSec:   1000,
		TokenExpiration:   time.Hour,
		LogLevel:          "info",
		LogFormat:         "json",
	}
	srv, err := server.New(cfg, zerolog.Nop())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func newTestClient(t *testing.T, wsURL, clientID string) *Client {
	t.Helper()
	c := New(Options{
		URL:              wsURL,
		ClientID:         clientID,
		Logger:           zerolog.Nop(),
		SubscribeTimeout: 2 * time.Second,
		ReconnectMinWait: 20 * time.Millisecond,
		ReconnectMaxWait: 100 * time.Millisecond,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLocalFirstWritesWhileOffline(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/ws", "client-a")

	c.SetField("doc-1", "title", "draft")
	c.SetField("doc-1", "count", 2)
	c.DeleteField("doc-1", "title")

	snap := c.LocalSnapshot("doc-1")
	assert.NotContains(t, snap, "title")
	assert.Equal(t, 2, snap["count"])
	assert.Equal(t, 3, c.QueueLen())
	assert.False(t, c.Connected())
}

// Seed scenario: ops performed offline flush in insertion order after
// auth_success, and the server snapshot reflects both.
func TestOfflineQueueFlushesOnConnect(t *testing.T) {
	srv, wsURL := startServer(t)
	srv.Coordinator().SetField("doc-1", "b", "doomed", "seed", time.Now().UnixMilli())

	c := newTestClient(t, wsURL, "client-a")
	c.SetField("doc-1", "a", float64(1))
	c.DeleteField("doc-1", "b")
	require.Equal(t, 2, c.QueueLen())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	require.Equal(t, 0, c.QueueLen())

	require.Eventually(t, func() bool {
		state := srv.Coordinator().GetDocumentState("doc-1")
		_, hasB := state["b"]
		return state["a"] == float64(1) && !hasB
	}, 3*time.Second, 20*time.Millisecond)
}

func TestImplicitSubscribeReturnsServerSnapshot(t *testing.T) {
	srv, wsURL := startServer(t)
	srv.Coordinator().SetField("doc-1", "title", "server-truth", "seed", time.Now().UnixMilli())

	c := newTestClient(t, wsURL, "client-a")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	snap, err := c.Snapshot(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "server-truth", snap["title"])

	v, ok, err := c.Get(ctx, "doc-1", "title")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "server-truth", v)
}

func TestSubscribeFailsAfterRetryBudgetWhenDisconnected(t *testing.T) {
	auto := false
	c := New(Options{
		URL:              "ws://127.0.0.1:1/ws",
		Logger:           zerolog.Nop(),
		SubscribeRetries: 3,
		AutoReconnect:    &auto,
	})
	defer c.Close()

	start := time.Now()
	_, err := c.Snapshot(context.Background(), "doc-1")
	require.Error(t, err)
	// Two backoff sleeps (100ms, 200ms) between the three attempts.
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

// A delta broadcast by another writer is applied (tombstones erase) and
// acknowledged, draining the server's pending-ACK table.
func TestIncomingDeltasApplyAndAck(t *testing.T) {
	srv, wsURL := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := newTestClient(t, wsURL, "client-a")
	require.NoError(t, a.Connect(ctx))
	_, err := a.Snapshot(ctx, "doc-1")
	require.NoError(t, err)

	b := newTestClient(t, wsURL, "client-b")
	require.NoError(t, b.Connect(ctx))
	b.SetField("doc-1", "x", "from-b")

	require.Eventually(t, func() bool {
		return a.LocalSnapshot("doc-1")["x"] == "from-b"
	}, 3*time.Second, 20*time.Millisecond)

	b.DeleteField("doc-1", "x")
	require.Eventually(t, func() bool {
		_, ok := a.LocalSnapshot("doc-1")["x"]
		return !ok
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return srv.PendingAckCount() == 0
	}, 5*time.Second, 50*time.Millisecond, "client ACKs must drain the pending table")
}

// Convergence across three live replicas: after quiescence every client
// holds the same snapshot.
func TestMultiClientConvergence(t *testing.T) {
	_, wsURL := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	clients := make([]*Client, 3)
	for i := range clients {
		clients[i] = newTestClient(t, wsURL, fmt.Sprintf("client-%d", i))
		require.NoError(t, clients[i].Connect(ctx))
		_, err := clients[i].Snapshot(ctx, "doc-c")
		require.NoError(t, err)
	}

	for i := 0; i < 20; i++ {
		writer := clients[i%3]
		writer.SetField("doc-c", fmt.Sprintf("f%d", i%7), fmt.Sprintf("w%d", i))
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		s0 := clients[0].LocalSnapshot("doc-c")
		s1 := clients[1].LocalSnapshot("doc-c")
		s2 := clients[2].LocalSnapshot("doc-c")
		if len(s0) == 0 || len(s0) != len(s1) || len(s1) != len(s2) {
			return false
		}
		for k, v := range s0 {
			if s1[k] != v || s2[k] != v {
				return false
			}
		}
		return true
	}, 10*time.Second, 50*time.Millisecond, "all replicas must converge")
}
