package storage

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Disconnect() })
	return s
}

func TestGetDocumentMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)

	doc, err := s.GetDocument("never-saved")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestSaveAndGetDocument(t *testing.T) {
	s := newTestStore(t)

	state := DocumentState{Fields: map[string]any{"title": "hello", "count": float64(3)}}
	require.NoError(t, s.SaveDocument("doc-1", state))

	got, err := s.GetDocument("doc-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.State.Fields["title"])
	assert.Equal(t, float64(3), got.State.Fields["count"])
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestDocumentIDsMayContainPathHostileCharacters(t *testing.T) {
	s := newTestStore(t)

	id := "../weird/../../doc: with spaces/и-юникод"
	require.NoError(t, s.SaveDocument(id, DocumentState{Fields: map[string]any{"x": 1.0}}))

	got, err := s.GetDocument(id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1.0, got.State.Fields["x"])
}

func TestVectorClockPersistsAndStaysMonotone(t *testing.T) {
	s := newTestStore(t)

	vc, err := s.GetVectorClock("doc-1")
	require.NoError(t, err)
	assert.Empty(t, vc)

	require.NoError(t, s.UpdateVectorClock("doc-1", "a", 3))
	require.NoError(t, s.UpdateVectorClock("doc-1", "b", 1))
	// A stale lower counter never regresses the stored entry.
	require.NoError(t, s.UpdateVectorClock("doc-1", "a", 2))

	vc, err = s.GetVectorClock("doc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), vc["a"])
	assert.Equal(t, uint64(1), vc["b"])
}

func TestClockSurvivesSnapshotSave(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpdateVectorClock("doc-1", "a", 5))
	require.NoError(t, s.SaveDocument("doc-1", DocumentState{Fields: map[string]any{"x": "y"}}))

	vc, err := s.GetVectorClock("doc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), vc["a"])
}

func TestDeltaAuditTrail(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveDelta(DeltaRecord{
		DocumentID:    "doc-1",
		ClientID:      "client-a",
		OperationType: "set",
		FieldPath:     "title",
		Value:         "hello",
		ClockValue:    1,
	}))
	require.NoError(t, s.SaveDelta(DeltaRecord{
		DocumentID:    "doc-1",
		ClientID:      "client-a",
		OperationType: "delete",
		FieldPath:     "title",
		ClockValue:    2,
	}))

	records, err := s.ReadDeltas()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "set", records[0].OperationType)
	assert.Equal(t, "hello", records[0].Value)
	assert.Equal(t, "delete", records[1].OperationType)
	assert.Equal(t, uint64(2), records[1].ClockValue)
}

func TestReopenSeesPersistedState(t *testing.T) {
	dir := t.TempDir()

	s1, err := NewFileStore(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s1.SaveDocument("doc-1", DocumentState{Fields: map[string]any{"x": "persisted"}}))
	require.NoError(t, s1.UpdateVectorClock("doc-1", "a", 7))
	require.NoError(t, s1.Disconnect())

	s2, err := NewFileStore(dir, zerolog.Nop())
	require.NoError(t, err)
	defer s2.Disconnect()

	got, err := s2.GetDocument("doc-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "persisted", got.State.Fields["x"])

	vc, err := s2.GetVectorClock("doc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), vc["a"])
}
