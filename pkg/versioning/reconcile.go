package versioning

import "reflect"

// Reconcile reduces a pool of versions collected from one or more replicas
// to the set of pairwise-concurrent survivors: any version strictly
// dominated by another is dropped, then duplicate writes that share a clock
// collapse to one. The result depends only on the multiset of inputs, never
// on arrival order, and is idempotent: Reconcile(Reconcile(s)) == Reconcile(s).
func Reconcile(pool []Version) []Version {
	n := len(pool)
	dominated := make([]bool, n)

	for i := 0; i < n; i++ {
		if dominated[i] {
			continue
		}
		for j := 0; j < n; j++ {
			if i == j || dominated[j] {
				continue
			}
			if Compare(pool[j].Clock, pool[i].Clock) == ADominates {
				dominated[i] = true
				break
			}
		}
	}

	survivors := make([]Version, 0, n)
	for i, v := range pool {
		if !dominated[i] {
			survivors = append(survivors, v)
		}
	}

	return dedupeEqualClocks(survivors)
}

// dedupeEqualClocks collapses any two surviving versions whose clocks
// compare Equal and whose payloads match into a single version.
func dedupeEqualClocks(versions []Version) []Version {
	out := make([]Version, 0, len(versions))
	for _, v := range versions {
		duplicate := false
		for _, seen := range out {
			if Compare(v.Clock, seen.Clock) == Equal &&
				v.IsTombstone == seen.IsTombstone &&
				sameValue(v.Value, seen.Value) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			out = append(out, v)
		}
	}
	return out
}

// sameValue reports whether two version payloads are equal for the purpose
// of collapsing duplicate equal-clock writes. Values are whatever JSON
// decoded into (string, float64, bool, []any, map[string]any, or nil), so a
// structural compare via reflect.DeepEqual is required to catch slice/map
// payloads correctly.
func sameValue(a, b Value) bool {
	return reflect.DeepEqual(a, b)
}
