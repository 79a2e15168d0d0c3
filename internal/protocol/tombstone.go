package protocol

// DeletedKey is the well-known key of the tombstone sentinel on the wire.
const DeletedKey = "__deleted"

// Tombstone returns the wire form of a field delete: {"__deleted": true}.
func Tombstone() map[string]any {
	return map[string]any{DeletedKey: true}
}

// IsTombstone reports whether a decoded delta value is the tombstone
// sentinel. The sentinel is exactly a one-key object {"__deleted": true};
// larger objects that happen to contain the key are real values.
func IsTombstone(v any) bool {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return false
	}
	flag, ok := m[DeletedKey].(bool)
	return ok && flag
}
