package delivery

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/synckit/internal/metrics"
)

// SendFunc delivers an encoded frame to a connection. It returns false when
// the connection is gone or its buffer is full.
type SendFunc func(connectionID string, frame []byte) bool

// AliveFunc reports whether a connection is still authenticated. Retries are
// only attempted against live connections.
type AliveFunc func(connectionID string) bool

type ackKey struct {
	connID    string
	messageID string
}

type pendingAck struct {
	documentID string
	attempts   int
	sentAt     time.Time
	timer      *time.Timer
	frame      []byte
}

// AckTracker tracks every delta broadcast awaiting client acknowledgement.
// On timeout the identical frame (same messageId) is resent until the ACK
// arrives or the retry budget is exhausted; message ids are never rotated
// across retries, which is what makes client-side dedup meaningful.
type AckTracker struct {
	mu         sync.Mutex
	pending    map[ackKey]*pendingAck
	timeout    time.Duration
	maxRetries int
	send       SendFunc
	alive      AliveFunc
	logger     zerolog.Logger
}

// NewAckTracker builds a tracker. maxRetries bounds total send attempts per
// (connection, message) pair, the initial send included.
func NewAckTracker(timeout time.Duration, maxRetries int, send SendFunc, alive AliveFunc, logger zerolog.Logger) *AckTracker {
	return &AckTracker{
		pending:    make(map[ackKey]*pendingAck),
		timeout:    timeout,
		maxRetries: maxRetries,
		send:       send,
		alive:      alive,
		logger:     logger.With().Str("component", "ack_tracker").Logger(),
	}
}

// Track registers the frame for ACK tracking, then sends it. Registration
// comes first so an immediate ACK always finds its entry.
func (t *AckTracker) Track(connectionID, messageID, documentID string, frame []byte) {
	key := ackKey{connID: connectionID, messageID: messageID}
	entry := &pendingAck{
		documentID: documentID,
		attempts:   1,
		sentAt:     time.Now(),
		frame:      frame,
	}

	t.mu.Lock()
	entry.timer = time.AfterFunc(t.timeout, func() { t.onTimeout(key) })
	t.pending[key] = entry
	t.mu.Unlock()

	metrics.SetPendingAcks(t.count())

	if !t.send(connectionID, frame) {
		// First transmission failed; the retry timer still runs so a
		// transiently full buffer gets another chance.
		t.logger.Debug().
			Str("connection_id", connectionID).
			Str("message_id", messageID).
			Msg("Initial delta send failed, will retry")
	}
}

// Ack retires the matching pending entry. ACKs for unknown ids are silently
// ignored (late ACK after exhaustion, or duplicate ACK).
func (t *AckTracker) Ack(connectionID, messageID string) {
	key := ackKey{connID: connectionID, messageID: messageID}

	t.mu.Lock()
	entry, ok := t.pending[key]
	if ok {
		entry.timer.Stop()
		delete(t.pending, key)
	}
	t.mu.Unlock()

	if ok {
		metrics.SetPendingAcks(t.count())
	}
}

// onTimeout fires when no ACK arrived inside the timeout. Membership is
// re-checked under the lock: the timer may race with an ACK or a connection
// close that already evicted the entry.
func (t *AckTracker) onTimeout(key ackKey) {
	t.mu.Lock()
	entry, ok := t.pending[key]
	if !ok {
		t.mu.Unlock()
		return
	}

	if entry.attempts >= t.maxRetries || !t.alive(key.connID) {
		delete(t.pending, key)
		t.mu.Unlock()

		metrics.IncDeliveryExhausted()
		metrics.SetPendingAcks(t.count())
		t.logger.Warn().
			Str("connection_id", key.connID).
			Str("message_id", key.messageID).
			Str("document_id", entry.documentID).
			Int("attempts", entry.attempts).
			Msg("Delta delivery abandoned; client will recover via sync_request")
		return
	}

	entry.attempts++
	entry.sentAt = time.Now()
	entry.timer = time.AfterFunc(t.timeout, func() { t.onTimeout(key) })
	frame := entry.frame
	attempts := entry.attempts
	t.mu.Unlock()

	metrics.IncAckRetries()
	t.logger.Debug().
		Str("connection_id", key.connID).
		Str("message_id", key.messageID).
		Int("attempt", attempts).
		Msg("Resending unacknowledged delta")
	t.send(key.connID, frame)
}

// CancelConnection drops every pending entry owned by a closed connection.
func (t *AckTracker) CancelConnection(connectionID string) {
	t.mu.Lock()
	for key, entry := range t.pending {
		if key.connID == connectionID {
			entry.timer.Stop()
			delete(t.pending, key)
		}
	}
	t.mu.Unlock()

	metrics.SetPendingAcks(t.count())
}

// PendingCount returns the number of outstanding entries.
func (t *AckTracker) PendingCount() int {
	return t.count()
}

func (t *AckTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
