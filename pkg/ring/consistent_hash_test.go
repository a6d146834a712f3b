package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreferenceListReturnsNDistinctNodes(t *testing.T) {
	r := New([]string{"a:1", "b:1", "c:1", "d:1"}, 64)
	list := r.PreferenceList("some-key", 3)
	require.Len(t, list, 3)

	seen := make(map[string]bool)
	for _, n := range list {
		require.False(t, seen[n], "duplicate node in preference list: %v", list)
		seen[n] = true
	}
}

func TestPreferenceListClampsToAvailableNodes(t *testing.T) {
	r := New([]string{"a:1", "b:1"}, 32)
	list := r.PreferenceList("k", 5)
	assert.Len(t, list, 2)
}

func TestPreferenceListIsDeterministicAcrossIdenticalRings(t *testing.T) {
	nodes := []string{"a:1", "b:1", "c:1"}
	r1 := New(nodes, 100)
	r2 := New(nodes, 100)

	for _, key := range []string{"user:1", "order:42", "x", "y", "z"} {
		l1 := r1.PreferenceList(key, 2)
		l2 := r2.PreferenceList(key, 2)
		assert.Equal(t, l1, l2, "mismatch for %q", key)
	}
}

func TestPreferenceListWrapsAroundRing(t *testing.T) {
	r := New([]string{"a:1", "b:1", "c:1"}, 16)
	for i := 0; i < 200; i++ {
		list := r.PreferenceList(string(rune('a'+i%26))+string(rune(i)), 3)
		require.Lenf(t, list, 3, "expected wraparound to still yield 3 nodes, got %v", list)
	}
}

func TestNewDeduplicatesNodeIDs(t *testing.T) {
	r := New([]string{"a:1", "a:1", "b:1"}, 8)
	assert.Equal(t, 2, r.NodeCount())
}
