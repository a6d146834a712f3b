package storage

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/quorumkv/quorumkv/pkg/versioning"
)

// MemoryStorage is the only storage engine this node ships: a concurrent
// map from key to a per-key guarded version set. The map itself
// (xsync.MapOf) shards its buckets internally so unrelated keys never
// contend; per-key contention is additionally bounded to a single mutex per
// key so that concurrent reads of one key proceed together while a write to
// that key is serialized, matching the locking model in the corpus's own
// concurrent map packages (github.com/puzpuzpuz/xsync).
type MemoryStorage struct {
	keys *xsync.MapOf[string, *keyEntry]
}

// keyEntry guards the pairwise-concurrent version set for a single key.
type keyEntry struct {
	mu       sync.RWMutex
	versions []versioning.Version
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{keys: xsync.NewMapOf[string, *keyEntry]()}
}

// Get returns a copy of the current version set for key.
func (m *MemoryStorage) Get(key string) []versioning.Version {
	entry, ok := m.keys.Load(key)
	if !ok {
		return []versioning.Version{}
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	out := make([]versioning.Version, len(entry.versions))
	copy(out, entry.versions)
	return out
}

// Put integrates incoming into key's version set.
func (m *MemoryStorage) Put(key string, incoming versioning.Version) {
	entry, _ := m.keys.LoadOrStore(key, &keyEntry{})

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.versions = mergeVersion(entry.versions, incoming)
}

// Delete writes tombstone into key's version set via the same merge rule
// as Put; the key entry itself is never removed.
func (m *MemoryStorage) Delete(key string, tombstone versioning.Version) {
	m.Put(key, tombstone)
}

// mergeVersion applies the §4.5 merge rule: an existing dominating version
// makes incoming a no-op; dominated existing versions are dropped; an
// existing version with an equal clock collapses to incoming.
func mergeVersion(existing []versioning.Version, incoming versioning.Version) []versioning.Version {
	for _, v := range existing {
		if versioning.Dominates(v.Clock, incoming.Clock) && versioning.Compare(v.Clock, incoming.Clock) != versioning.Equal {
			return existing
		}
	}

	kept := make([]versioning.Version, 0, len(existing)+1)
	replaced := false
	for _, v := range existing {
		switch versioning.Compare(incoming.Clock, v.Clock) {
		case versioning.ADominates:
			// v is strictly dominated by incoming, drop it.
			continue
		case versioning.Equal:
			// Collapse to incoming's value, last-seen-same-clock wins.
			kept = append(kept, incoming)
			replaced = true
		default:
			kept = append(kept, v)
		}
	}

	if !replaced {
		kept = append(kept, incoming)
	}
	return kept
}
