// Package delivery implements the reliable broadcast path: per-document
// delta batching (coalescing window) and per-recipient ACK-tracked sends
// with bounded retries.
package delivery

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FlushFunc receives the coalesced field → authoritative-value map for one
// document when its batch window closes.
type FlushFunc func(documentID string, fields map[string]any)

type pendingBatch struct {
	fields map[string]any
	timer  *time.Timer
}

// Batcher coalesces accepted writes per document. The first write to a
// document arms a timer of the batch interval; writes landing inside the
// window merge into the pending map, later values overwriting earlier ones
// for the same field. At most one pending batch timer exists per document.
type Batcher struct {
	mu       sync.Mutex
	interval time.Duration
	pending  map[string]*pendingBatch
	flush    FlushFunc
	stopped  bool
	logger   zerolog.Logger
}

// NewBatcher builds a batcher that calls flush on each window close.
func NewBatcher(interval time.Duration, flush FlushFunc, logger zerolog.Logger) *Batcher {
	return &Batcher{
		interval: interval,
		pending:  make(map[string]*pendingBatch),
		flush:    flush,
		logger:   logger.With().Str("component", "batcher").Logger(),
	}
}

// Add merges one authoritative field value into the document's pending batch.
func (b *Batcher) Add(documentID, field string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	pb, ok := b.pending[documentID]
	if !ok {
		pb = &pendingBatch{fields: make(map[string]any)}
		pb.timer = time.AfterFunc(b.interval, func() { b.fire(documentID) })
		b.pending[documentID] = pb
	}
	pb.fields[field] = value
}

// fire is the timer callback: it detaches the batch and flushes it. The
// pending-map membership check guards against a timer that was cancelled
// after it was already scheduled to run.
func (b *Batcher) fire(documentID string) {
	b.mu.Lock()
	pb, ok := b.pending[documentID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, documentID)
	b.mu.Unlock()

	b.flush(documentID, pb.fields)
}

// FlushNow synchronously flushes the pending batch for one document, if any.
func (b *Batcher) FlushNow(documentID string) {
	b.mu.Lock()
	pb, ok := b.pending[documentID]
	if ok {
		pb.timer.Stop()
		delete(b.pending, documentID)
	}
	b.mu.Unlock()

	if ok {
		b.flush(documentID, pb.fields)
	}
}

// PendingDocuments reports how many documents currently have an open window.
func (b *Batcher) PendingDocuments() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stop flushes every open window and rejects further writes. Used during
// graceful shutdown so buffered deltas still reach remaining subscribers.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	batches := make(map[string]*pendingBatch, len(b.pending))
	for id, pb := range b.pending {
		pb.timer.Stop()
		batches[id] = pb
	}
	b.pending = make(map[string]*pendingBatch)
	b.mu.Unlock()

	for id, pb := range batches {
		b.flush(id, pb.fields)
	}
}
