// Package replica holds the per-document field map and the Last-Writer-Wins
// conflict resolution that makes every replica converge on the same state
// given the same set of writes.
package replica

// FieldRecord is the stored state of one field: the value plus the write tag
// that decided it.
type FieldRecord struct {
	Value    any
	WriteTS  int64
	Counter  uint64
	ClientID string
}

// Document is a field map with LWW write semantics. It is not goroutine-safe;
// the owning coordinator serializes access per document.
type Document struct {
	fields map[string]FieldRecord
}

// New returns an empty document.
func New() *Document {
	return &Document{fields: make(map[string]FieldRecord)}
}

// wins reports whether the incoming (writeTS, counter, clientID) triple is
// strictly greater than the existing record. Earlier rules dominate later:
// higher writeTS, then higher counter, then lexicographically greater
// clientID. An exactly equal triple loses (idempotent no-op).
func wins(writeTS int64, counter uint64, clientID string, old FieldRecord) bool {
	if writeTS != old.WriteTS {
		return writeTS > old.WriteTS
	}
	if counter != old.Counter {
		return counter > old.Counter
	}
	return clientID > old.ClientID
}

// SetField applies a write and returns the authoritative post-decision value.
// If the incoming triple loses LWW, the existing value is returned so the
// caller can echo the resolution back to the writer.
func (d *Document) SetField(path string, value any, counter uint64, clientID string, writeTS int64) any {
	old, exists := d.fields[path]
	if exists && !wins(writeTS, counter, clientID, old) {
		return old.Value
	}
	d.fields[path] = FieldRecord{Value: value, WriteTS: writeTS, Counter: counter, ClientID: clientID}
	return value
}

// DeleteField applies a tombstone write. When the tombstone wins LWW the
// field is physically erased and (nil, true) is returned; when it loses, the
// surviving value is returned and the replica is untouched. A losing
// tombstone never shadows a value.
func (d *Document) DeleteField(path string, counter uint64, clientID string, writeTS int64) (any, bool) {
	old, exists := d.fields[path]
	if exists && !wins(writeTS, counter, clientID, old) {
		return old.Value, false
	}
	delete(d.fields, path)
	return nil, true
}

// GetField returns the current value for path, or (nil, false) if absent.
func (d *Document) GetField(path string) (any, bool) {
	rec, ok := d.fields[path]
	if !ok {
		return nil, false
	}
	return rec.Value, true
}

// Record returns the full stored record for path.
func (d *Document) Record(path string) (FieldRecord, bool) {
	rec, ok := d.fields[path]
	return rec, ok
}

// Snapshot exports the field → value mapping. Tombstones are never stored,
// so the snapshot needs no stripping pass.
func (d *Document) Snapshot() map[string]any {
	out := make(map[string]any, len(d.fields))
	for path, rec := range d.fields {
		out[path] = rec.Value
	}
	return out
}

// Load seeds the document from a persisted snapshot. Restored fields carry a
// zero write tag so any live write supersedes them.
func (d *Document) Load(state map[string]any) {
	for path, value := range state {
		if _, exists := d.fields[path]; !exists {
			d.fields[path] = FieldRecord{Value: value}
		}
	}
}

// Len returns the number of live fields.
func (d *Document) Len() int {
	return len(d.fields)
}
