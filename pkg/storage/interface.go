// Package storage implements the node-local key/version mapping. It has no
// knowledge of replication factor, quorum, or peers: integrating a write into
// a key's version set is the only logic that lives here, per the contract in
// the merge rules below.
package storage

import "github.com/quorumkv/quorumkv/pkg/versioning"

// Storage is the node-local contract every engine in this package satisfies.
// There is a single implementation (in-memory); the interface exists so the
// coordinator depends on a seam rather than a concrete type, matching how
// the rest of the corpus keeps storage pluggable even with one backend.
type Storage interface {
	// Get returns the current version set for key, or an empty, non-nil
	// slice if the key has never been written.
	Get(key string) []versioning.Version

	// Put integrates incoming into key's version set under the merge rules:
	// any existing version that dominates incoming is a no-op; any existing
	// version dominated by incoming is dropped; an existing version with an
	// equal clock collapses to incoming's value.
	Put(key string, incoming versioning.Version)

	// Delete writes tombstone into key's version set via the same merge
	// rule as Put. The key is never removed from storage outright.
	Delete(key string, tombstone versioning.Version)
}
