// Package coordinator owns the per-document server state: replica, vector clock,
// subscriber set, and last-modified stamp. All mutation of one document goes
// through that document's lock, so external behavior is indistinguishable
// from a single event loop per document while distinct documents progress in
// parallel.
package coordinator

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/synckit/internal/clock"
	"github.com/adred-codev/synckit/internal/replica"
	"github.com/adred-codev/synckit/internal/storage"
)

const (
	opSet    = "set"
	opDelete = "delete"
)

// docState is everything the coordinator tracks for one active document.
type docState struct {
	mu           sync.Mutex
	doc          *replica.Document
	clock        clock.VectorClock
	subscribers  map[string]struct{}
	lastModified int64
}

// Coordinator mediates all reads, writes, deletes, subscriptions, and clock
// merges for every active document.
type Coordinator struct {
	mu     sync.RWMutex
	docs   map[string]*docState
	store  storage.Store // nil when persistence is not configured
	logger zerolog.Logger
}

// New builds a coordinator. store may be nil.
func New(store storage.Store, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		docs:   make(map[string]*docState),
		store:  store,
		logger: logger.With().Str("component", "coordinator").Logger(),
	}
}

// GetOrCreateDocument loads the document from storage if configured, else
// creates it empty. Idempotent and infallible: storage errors are logged and
// fall through to empty creation.
func (c *Coordinator) GetOrCreateDocument(documentID string) {
	c.getOrCreate(documentID)
}

func (c *Coordinator) getOrCreate(documentID string) *docState {
	c.mu.RLock()
	ds, ok := c.docs[documentID]
	c.mu.RUnlock()
	if ok {
		return ds
	}

	// Load outside the map lock; first writer into the map wins and a
	// concurrent loader's work is discarded.
	loaded := c.loadFromStore(documentID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if ds, ok := c.docs[documentID]; ok {
		return ds
	}
	c.docs[documentID] = loaded
	return loaded
}

func (c *Coordinator) loadFromStore(documentID string) *docState {
	ds := &docState{
		doc:         replica.New(),
		clock:       clock.New(),
		subscribers: make(map[string]struct{}),
	}
	if c.store == nil {
		return ds
	}

	stored, err := c.store.GetDocument(documentID)
	if err != nil {
		c.logger.Error().Err(err).Str("document_id", documentID).Msg("Storage load failed, creating empty document")
		return ds
	}
	if stored != nil {
		ds.doc.Load(stored.State.Fields)
		ds.lastModified = stored.UpdatedAt.UnixMilli()
	}

	vc, err := c.store.GetVectorClock(documentID)
	if err != nil {
		c.logger.Error().Err(err).Str("document_id", documentID).Msg("Vector clock load failed")
		return ds
	}
	ds.clock.Merge(vc)
	return ds
}

// SetField ticks the writer's clock entry, applies the LWW write, stamps
// lastModified, persists, and returns the authoritative post-decision value.
func (c *Coordinator) SetField(documentID, path string, value any, clientID string, writeTS int64) any {
	if writeTS == 0 {
		writeTS = time.Now().UnixMilli()
	}
	ds := c.getOrCreate(documentID)

	ds.mu.Lock()
	counter := ds.clock.Tick(clientID)
	authoritative := ds.doc.SetField(path, value, counter, clientID, writeTS)
	ds.lastModified = time.Now().UnixMilli()
	snapshot := ds.doc.Snapshot()
	ds.mu.Unlock()

	c.persist(documentID, snapshot, clientID, counter, storage.DeltaRecord{
		DocumentID:    documentID,
		ClientID:      clientID,
		OperationType: opSet,
		FieldPath:     path,
		Value:         value,
		ClockValue:    counter,
	})
	return authoritative
}

// DeleteField applies a tombstone write. It returns the authoritative value:
// nil when the delete won, the surviving value when it lost.
func (c *Coordinator) DeleteField(documentID, path string, clientID string, writeTS int64) any {
	if writeTS == 0 {
		writeTS = time.Now().UnixMilli()
	}
	ds := c.getOrCreate(documentID)

	ds.mu.Lock()
	counter := ds.clock.Tick(clientID)
	authoritative, _ := ds.doc.DeleteField(path, counter, clientID, writeTS)
	ds.lastModified = time.Now().UnixMilli()
	snapshot := ds.doc.Snapshot()
	ds.mu.Unlock()

	c.persist(documentID, snapshot, clientID, counter, storage.DeltaRecord{
		DocumentID:    documentID,
		ClientID:      clientID,
		OperationType: opDelete,
		FieldPath:     path,
		ClockValue:    counter,
	})
	return authoritative
}

// persist pushes state to the storage adapter. Failures are logged and
// swallowed; the in-memory replica stays authoritative. Runs outside the
// document lock so storage latency never stalls the write path.
func (c *Coordinator) persist(documentID string, snapshot map[string]any, clientID string, counter uint64, rec storage.DeltaRecord) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveDocument(documentID, storage.DocumentState{Fields: snapshot}); err != nil {
		c.logger.Error().Err(err).Str("document_id", documentID).Msg("Persist snapshot failed")
	}
	if err := c.store.UpdateVectorClock(documentID, clientID, counter); err != nil {
		c.logger.Error().Err(err).Str("document_id", documentID).Msg("Persist vector clock failed")
	}
	if err := c.store.SaveDelta(rec); err != nil {
		c.logger.Error().Err(err).Str("document_id", documentID).Msg("Persist audit delta failed")
	}
}

// GetField reads one field.
func (c *Coordinator) GetField(documentID, path string) (any, bool) {
	ds := c.getOrCreate(documentID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.doc.GetField(path)
}

// GetDocumentState returns the tombstone-free snapshot.
func (c *Coordinator) GetDocumentState(documentID string) map[string]any {
	ds := c.getOrCreate(documentID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.doc.Snapshot()
}

// GetVectorClock returns a copy of the document's clock.
func (c *Coordinator) GetVectorClock(documentID string) map[string]uint64 {
	ds := c.getOrCreate(documentID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.clock.Clone()
}

// LastModified returns the wall-clock stamp of the last accepted write.
func (c *Coordinator) LastModified(documentID string) int64 {
	ds := c.getOrCreate(documentID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.lastModified
}

// MergeVectorClock folds a client-reported clock into the server clock
// (pointwise max). Writes still tick only the writing client's entry.
func (c *Coordinator) MergeVectorClock(documentID string, clientClock map[string]uint64) {
	if len(clientClock) == 0 {
		return
	}
	ds := c.getOrCreate(documentID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.clock.Merge(clientClock)
}

// Subscribe adds a connection to the document's subscriber set. Idempotent.
func (c *Coordinator) Subscribe(documentID, connectionID string) {
	ds := c.getOrCreate(documentID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.subscribers[connectionID] = struct{}{}
}

// Unsubscribe removes a connection from the document's subscriber set.
// Idempotent.
func (c *Coordinator) Unsubscribe(documentID, connectionID string) {
	ds := c.getOrCreate(documentID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	delete(ds.subscribers, connectionID)
}

// UnsubscribeAll removes a closed connection from every document it was
// subscribed to.
func (c *Coordinator) UnsubscribeAll(connectionID string) {
	c.mu.RLock()
	states := make([]*docState, 0, len(c.docs))
	for _, ds := range c.docs {
		states = append(states, ds)
	}
	c.mu.RUnlock()

	for _, ds := range states {
		ds.mu.Lock()
		delete(ds.subscribers, connectionID)
		ds.mu.Unlock()
	}
}

// Subscribers returns a snapshot of the document's subscriber ids.
func (c *Coordinator) Subscribers(documentID string) []string {
	ds := c.getOrCreate(documentID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	out := make([]string, 0, len(ds.subscribers))
	for id := range ds.subscribers {
		out = append(out, id)
	}
	return out
}

// DocumentCount reports how many documents are active in memory.
func (c *Coordinator) DocumentCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}
