// Package matcher pairs zero-distance indoor rides with the virtual rides
// that recorded the same physical session. It is pure: no I/O, no clock,
// and the output depends only on the input set, never on its order.
package matcher

import (
	"sort"
	"time"

	"github.com/kalambet/ridesweep/internal/strava"
)

// DefaultWindow is the maximum start-time gap between an indoor ride and
// the virtual ride it duplicates.
const DefaultWindow = time.Hour

// distanceEpsilon absorbs floating-point noise in "zero" distances.
const distanceEpsilon = 1e-6

// Pair is one (indoor, virtual) duplicate candidate. Delta is the absolute
// start-time gap.
type Pair struct {
	Indoor  strava.Activity
	Virtual strava.Activity
	Delta   time.Duration
}

// IsIndoor reports whether a looks like a stationary-sensor recording: a
// plain Ride with a reported distance of (effectively) zero. Activities
// with no distance at all are not indoor candidates.
func IsIndoor(a strava.Activity) bool {
	return a.Type == strava.TypeRide && a.Distance != nil && *a.Distance <= distanceEpsilon
}

// IsVirtual reports whether a is a virtual-trainer recording.
func IsVirtual(a strava.Activity) bool {
	return a.Type == strava.TypeVirtualRide
}

// candidate is one eligible (indoor, virtual) edge before assignment.
type candidate struct {
	indoor  strava.Activity
	virtual strava.Activity
	delta   time.Duration
}

// Match returns duplicate pairs among activities using a window of maximum
// start-time proximity (DefaultWindow when window <= 0).
//
// Assignment is greedy in ascending time-delta order across all candidates,
// so each virtual ride is consumed by at most one indoor ride and the
// closest pairs win. Ties break on lower indoor ID, then lower virtual ID,
// which makes the result reproducible for any input permutation. Indoor
// rides left unassigned simply produce no pair.
func Match(activities []strava.Activity, window time.Duration) []Pair {
	if window <= 0 {
		window = DefaultWindow
	}

	var indoor, virtual []strava.Activity
	for _, a := range activities {
		switch {
		case IsIndoor(a):
			indoor = append(indoor, a)
		case IsVirtual(a):
			virtual = append(virtual, a)
		}
	}
	if len(indoor) == 0 || len(virtual) == 0 {
		return nil
	}

	var candidates []candidate
	for _, i := range indoor {
		for _, v := range virtual {
			delta := i.StartDate.Sub(v.StartDate)
			if delta < 0 {
				delta = -delta
			}
			if delta <= window {
				candidates = append(candidates, candidate{indoor: i, virtual: v, delta: delta})
			}
		}
	}

	sort.Slice(candidates, func(a, b int) bool {
		ca, cb := candidates[a], candidates[b]
		if ca.delta != cb.delta {
			return ca.delta < cb.delta
		}
		if ca.indoor.ID != cb.indoor.ID {
			return ca.indoor.ID < cb.indoor.ID
		}
		return ca.virtual.ID < cb.virtual.ID
	})

	usedIndoor := make(map[int64]bool, len(indoor))
	usedVirtual := make(map[int64]bool, len(virtual))
	var pairs []Pair
	for _, c := range candidates {
		if usedIndoor[c.indoor.ID] || usedVirtual[c.virtual.ID] {
			continue
		}
		usedIndoor[c.indoor.ID] = true
		usedVirtual[c.virtual.ID] = true
		pairs = append(pairs, Pair{Indoor: c.indoor, Virtual: c.virtual, Delta: c.delta})
	}

	// Stable output order regardless of assignment order.
	sort.Slice(pairs, func(a, b int) bool { return pairs[a].Indoor.ID < pairs[b].Indoor.ID })
	return pairs
}

// Unmatched returns the indoor activities in the input that did not appear
// in pairs. The engine records these as skipped so operators can see why an
// activity was left alone.
func Unmatched(activities []strava.Activity, pairs []Pair) []strava.Activity {
	paired := make(map[int64]bool, len(pairs))
	for _, p := range pairs {
		paired[p.Indoor.ID] = true
	}

	var out []strava.Activity
	for _, a := range activities {
		if IsIndoor(a) && !paired[a.ID] {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
