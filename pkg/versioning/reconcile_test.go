package versioning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileDropsDominated(t *testing.T) {
	old := Version{Value: "A", Clock: VectorClock{"n1": 1}}
	newer := Version{Value: "B", Clock: VectorClock{"n1": 2}}

	got := Reconcile([]Version{old, newer})
	require.Len(t, got, 1)
	assert.Equal(t, "B", got[0].Value)
}

func TestReconcilePreservesConcurrentSiblings(t *testing.T) {
	a := Version{Value: "A", Clock: VectorClock{"n1": 1}}
	b := Version{Value: "B", Clock: VectorClock{"n2": 1}}

	got := Reconcile([]Version{a, b})
	assert.Len(t, got, 2)
}

func TestReconcileCollapsesEqualClockDuplicates(t *testing.T) {
	a := Version{Value: "C", Clock: VectorClock{"n1": 1, "n2": 1}}
	b := Version{Value: "C", Clock: VectorClock{"n1": 1, "n2": 1}}

	got := Reconcile([]Version{a, b})
	assert.Len(t, got, 1)
}

func TestReconcileIsOrderIndependent(t *testing.T) {
	a := Version{Value: "A", Clock: VectorClock{"n1": 1}}
	b := Version{Value: "B", Clock: VectorClock{"n2": 1}}
	c := Version{Value: "C", Clock: VectorClock{"n1": 1, "n2": 1, "n3": 1}}

	forward := Reconcile([]Version{a, b, c})
	backward := Reconcile([]Version{c, b, a})

	assert.Len(t, backward, len(forward), "order dependence detected: %+v vs %+v", forward, backward)
}

func TestReconcileIsIdempotent(t *testing.T) {
	a := Version{Value: "A", Clock: VectorClock{"n1": 1}}
	b := Version{Value: "B", Clock: VectorClock{"n2": 1}}

	once := Reconcile([]Version{a, b})
	twice := Reconcile(once)

	assert.Len(t, twice, len(once))
}

func TestReconcileAllTombstonesYieldsEmptyNonTombstoneView(t *testing.T) {
	a := Tombstone(VectorClock{"n1": 1})
	b := Tombstone(VectorClock{"n2": 1})

	got := Reconcile([]Version{a, b})
	nonTombstones := 0
	for _, v := range got {
		if !v.IsTombstone {
			nonTombstones++
		}
	}
	assert.Zero(t, nonTombstones)
}
