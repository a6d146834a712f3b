// Package versioning implements vector clocks and the version-reconciliation
// logic that preserves concurrent writes as sibling versions instead of
// silently overwriting them.
package versioning

// VectorClock maps node ID to a monotonically increasing counter. A node ID
// absent from the map is defined to have counter 0, so the empty clock and a
// clock with only zero-valued counters compare Equal.
type VectorClock map[string]uint64

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	Equal Ordering = iota
	ADominates
	BDominates
	Concurrent
)

// NewVectorClock returns an empty clock.
func NewVectorClock() VectorClock {
	return VectorClock{}
}

// Copy returns a deep copy of vc.
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Increment returns a new clock equal to vc with nodeID's counter raised by
// one. vc itself is not mutated.
func (vc VectorClock) Increment(nodeID string) VectorClock {
	out := vc.Copy()
	out[nodeID]++
	return out
}

// Compare determines the causal relationship between a and b over the union
// of their keys: a dominates b when every counter of b is <= the
// corresponding counter of a and at least one is strictly greater.
func Compare(a, b VectorClock) Ordering {
	aGreater, bGreater := false, false

	seen := make(map[string]struct{}, len(a)+len(b))
	for node := range a {
		seen[node] = struct{}{}
	}
	for node := range b {
		seen[node] = struct{}{}
	}
	for node := range seen {
		switch {
		case a[node] > b[node]:
			aGreater = true
		case b[node] > a[node]:
			bGreater = true
		}
	}

	switch {
	case aGreater && bGreater:
		return Concurrent
	case aGreater:
		return ADominates
	case bGreater:
		return BDominates
	default:
		return Equal
	}
}

// Dominates reports whether a causally dominates or equals b.
func Dominates(a, b VectorClock) bool {
	o := Compare(a, b)
	return o == ADominates || o == Equal
}

// Merge returns the pointwise maximum of a and b over the union of their
// keys. Merge is associative and commutative.
func Merge(a, b VectorClock) VectorClock {
	out := make(VectorClock, len(a)+len(b))
	for node, count := range a {
		out[node] = count
	}
	for node, count := range b {
		if count > out[node] {
			out[node] = count
		}
	}
	return out
}

// Equal reports whether vc and other carry identical effective counters.
func (vc VectorClock) Equal(other VectorClock) bool {
	return Compare(vc, other) == Equal
}
