// Package ring implements the consistent hash ring that maps keys to an
// ordered preference list of nodes. The ring is immutable after
// construction: membership is fixed at startup, so no locking is required
// for lookups.
package ring

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
)

// position is one virtual node's slot on the ring.
type position struct {
	hash   uint64
	nodeID string
}

func less(a, b position) bool {
	if a.hash != b.hash {
		return a.hash < b.hash
	}
	return a.nodeID < b.nodeID
}

// Ring is the sorted set of virtual-node positions for a fixed node set.
// Every node, given the same node set and the same vnode count, builds a
// bit-identical ring, because positions are a pure function of the node IDs
// and xxhash is deterministic.
type Ring struct {
	tree    *btree.BTreeG[position]
	nodeIDs []string
}

// New builds a ring with vnodesPerNode virtual positions per entry in
// nodeIDs. nodeIDs need not be sorted; duplicates are ignored.
func New(nodeIDs []string, vnodesPerNode int) *Ring {
	if vnodesPerNode < 1 {
		vnodesPerNode = 1
	}

	tree := btree.NewG(32, less)
	seen := make(map[string]struct{}, len(nodeIDs))
	unique := make([]string, 0, len(nodeIDs))

	for _, id := range nodeIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)

		for i := 0; i < vnodesPerNode; i++ {
			tree.ReplaceOrInsert(position{
				hash:   hashVNode(id, i),
				nodeID: id,
			})
		}
	}

	return &Ring{tree: tree, nodeIDs: unique}
}

func hashVNode(nodeID string, i int) uint64 {
	return xxhash.Sum64String(nodeID + ":" + strconv.Itoa(i))
}

func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

// NodeCount returns the number of distinct physical nodes on the ring.
func (r *Ring) NodeCount() int {
	return len(r.nodeIDs)
}

// PreferenceList returns the first N distinct node IDs encountered walking
// the ring clockwise from key's hash position. If fewer than N distinct
// nodes exist, it returns what is available.
func (r *Ring) PreferenceList(key string, n int) []string {
	if n <= 0 || r.tree.Len() == 0 {
		return nil
	}
	if n > len(r.nodeIDs) {
		n = len(r.nodeIDs)
	}

	h := hashKey(key)
	pivot := position{hash: h}

	seen := make(map[string]struct{}, n)
	list := make([]string, 0, n)

	collect := func(p position) bool {
		if _, ok := seen[p.nodeID]; !ok {
			seen[p.nodeID] = struct{}{}
			list = append(list, p.nodeID)
		}
		return len(list) < n
	}

	r.tree.AscendGreaterOrEqual(pivot, collect)
	if len(list) < n {
		// Wrapped past the end of the ring; continue from the start.
		r.tree.Ascend(collect)
	}

	return list
}

// String renders the ring's node set, for diagnostics.
func (r *Ring) String() string {
	return fmt.Sprintf("ring{nodes=%d, vnodes=%d}", len(r.nodeIDs), r.tree.Len())
}
