package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetFieldStoresFirstWrite(t *testing.T) {
	d := New()

	got := d.SetField("x", "v1", 1, "a", 1000)
	require.Equal(t, "v1", got)

	v, ok := d.GetField("x")
	require.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestLWWTotalOrder(t *testing.T) {
	// Each case applies an existing write and then a challenger; wantWin
	// says whether the challenger replaces it. The order is writeTs, then
	// counter, then lexicographic clientId; exact ties are no-ops.
	cases := []struct {
		name           string
		oldTS, newTS   int64
		oldCtr, newCtr uint64
		oldID, newID   string
		wantWin        bool
	}{
		{"higher timestamp wins", 1000, 2000, 5, 1, "z", "a", true},
		{"lower timestamp loses", 2000, 1000, 1, 5, "a", "z", false},
		{"timestamp tie, higher counter wins", 1000, 1000, 1, 2, "z", "a", true},
		{"timestamp tie, lower counter loses", 1000, 1000, 2, 1, "a", "z", false},
		{"full tie on ts+counter, greater clientId wins", 1000, 1000, 1, 1, "a", "b", true},
		{"full tie on ts+counter, lesser clientId loses", 1000, 1000, 1, 1, "b", "a", false},
		{"identical triple is a no-op", 1000, 1000, 1, 1, "a", "a", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := New()
			d.SetField("x", "old", tc.oldCtr, tc.oldID, tc.oldTS)

			got := d.SetField("x", "new", tc.newCtr, tc.newID, tc.newTS)
			v, _ := d.GetField("x")
			if tc.wantWin {
				assert.Equal(t, "new", got)
				assert.Equal(t, "new", v)
			} else {
				assert.Equal(t, "old", got)
				assert.Equal(t, "old", v)
			}
		})
	}
}

// Seed scenario: clients "a" and "b" write the same field with identical
// writeTs and counter. "b" must win everywhere, regardless of arrival order.
func TestTwoClientTieBreakIsArrivalOrderIndependent(t *testing.T) {
	d1 := New()
	d1.SetField("x", "from-a", 1, "a", 1000)
	d1.SetField("x", "from-b", 1, "b", 1000)

	d2 := New()
	d2.SetField("x", "from-b", 1, "b", 1000)
	d2.SetField("x", "from-a", 1, "a", 1000)

	v1, _ := d1.GetField("x")
	v2, _ := d2.GetField("x")
	assert.Equal(t, "from-b", v1)
	assert.Equal(t, "from-b", v2)
}

func TestDeleteWinsAndErases(t *testing.T) {
	d := New()
	d.SetField("x", "v1", 1, "a", 1000)

	got, won := d.DeleteField("x", 2, "a", 2000)
	require.True(t, won)
	assert.Nil(t, got)

	_, ok := d.GetField("x")
	assert.False(t, ok)
	assert.NotContains(t, d.Snapshot(), "x")
}

func TestLosingDeleteIsDropped(t *testing.T) {
	d := New()
	d.SetField("x", "newer", 2, "a", 2000)

	got, won := d.DeleteField("x", 1, "b", 1000)
	require.False(t, won)
	assert.Equal(t, "newer", got)

	// The losing tombstone never shadows the value.
	v, ok := d.GetField("x")
	require.True(t, ok)
	assert.Equal(t, "newer", v)
}

// Seed scenario: concurrent write and delete of "x" with identical writeTs
// and counter. The tie goes to the lexicographically greater clientId ("b"),
// so the delete beats the in-place value.
func TestDeleteVersusWriteConcurrent(t *testing.T) {
	d := New()
	d.SetField("x", "seed", 1, "seed", 100)

	d.SetField("x", "new", 2, "a", 1005)
	got, won := d.DeleteField("x", 2, "b", 1005)

	require.True(t, won)
	assert.Nil(t, got)
	_, ok := d.GetField("x")
	assert.False(t, ok)

	// And the mirror image: the write carries the greater clientId, so the
	// delete is dropped and never shadows the value.
	d2 := New()
	d2.SetField("x", "seed", 1, "seed", 100)
	d2.SetField("x", "new", 2, "b", 1005)
	got, won = d2.DeleteField("x", 2, "a", 1005)

	require.False(t, won)
	assert.Equal(t, "new", got)
	v, ok := d2.GetField("x")
	require.True(t, ok)
	assert.Equal(t, "new", v)
}

func TestDuplicateDeltaIsIdempotent(t *testing.T) {
	d := New()
	d.SetField("x", "v1", 3, "a", 1000)
	before := d.Snapshot()

	// Same triple, applied again (retry of the same messageId).
	d.SetField("x", "v1", 3, "a", 1000)
	d.SetField("x", "v1", 3, "a", 1000)

	assert.Equal(t, before, d.Snapshot())
}

func TestSnapshotCopiesState(t *testing.T) {
	d := New()
	d.SetField("x", "v1", 1, "a", 1000)

	snap := d.Snapshot()
	snap["x"] = "mutated"
	snap["y"] = "injected"

	v, _ := d.GetField("x")
	assert.Equal(t, "v1", v)
	_, ok := d.GetField("y")
	assert.False(t, ok)
}

func TestLoadSeedsOnlyMissingFields(t *testing.T) {
	d := New()
	d.SetField("x", "live", 1, "a", 1000)

	d.Load(map[string]any{"x": "stale", "y": "restored"})

	vx, _ := d.GetField("x")
	vy, _ := d.GetField("y")
	assert.Equal(t, "live", vx)
	assert.Equal(t, "restored", vy)

	// Restored fields carry a zero tag: any live write supersedes them.
	d.SetField("y", "overwritten", 1, "a", 1)
	vy, _ = d.GetField("y")
	assert.Equal(t, "overwritten", vy)
}
