package delivery

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushRecorder struct {
	mu      sync.Mutex
	flushes []map[string]any
	docs    []string
}

func (r *flushRecorder) flush(documentID string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, documentID)
	r.flushes = append(r.flushes, fields)
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushes)
}

// Seed scenario: ten writes inside the window coalesce into exactly one
// flush carrying the final value of every field.
func TestBatcherCoalescesBurst(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(50*time.Millisecond, rec.flush, zerolog.Nop())

	fields := []string{"f0", "f1", "f2", "f3", "f4", "f5", "f6", "f7", "f8", "f9"}
	for i, f := range fields {
		b.Add("doc-1", f, i)
	}

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, rec.count(), "burst must produce exactly one flush")

	got := rec.flushes[0]
	require.Len(t, got, 10)
	for i, f := range fields {
		assert.Equal(t, i, got[f])
	}
}

func TestBatcherLaterWriteOverwritesEarlier(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(50*time.Millisecond, rec.flush, zerolog.Nop())

	b.Add("doc-1", "x", "first")
	b.Add("doc-1", "x", "second")
	b.FlushNow("doc-1")

	require.Equal(t, 1, rec.count())
	assert.Equal(t, "second", rec.flushes[0]["x"])
}

func TestBatcherKeepsDocumentsIndependent(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(30*time.Millisecond, rec.flush, zerolog.Nop())

	b.Add("doc-a", "x", 1)
	b.Add("doc-b", "y", 2)
	assert.Equal(t, 2, b.PendingDocuments())

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"doc-a", "doc-b"}, rec.docs)
	assert.Equal(t, 0, b.PendingDocuments())
}

func TestFlushNowOnEmptyDocumentIsNoop(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(50*time.Millisecond, rec.flush, zerolog.Nop())

	b.FlushNow("doc-none")
	assert.Equal(t, 0, rec.count())
}

func TestStopFlushesPendingAndRejectsNewWrites(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(time.Hour, rec.flush, zerolog.Nop())

	b.Add("doc-1", "x", 1)
	b.Stop()

	require.Equal(t, 1, rec.count())
	assert.Equal(t, 1, rec.flushes[0]["x"])

	b.Add("doc-1", "y", 2)
	assert.Equal(t, 0, b.PendingDocuments())
}

func TestWindowReopensAfterFlush(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(20*time.Millisecond, rec.flush, zerolog.Nop())

	b.Add("doc-1", "x", 1)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	b.Add("doc-1", "x", 2)
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, rec.flushes[1]["x"])
}
