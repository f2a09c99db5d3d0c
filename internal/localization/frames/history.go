package frames

import (
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
)

// history is a time-sorted, bounded list of samples for one dynamic edge.
type history struct {
	samples []geometry.Pose
}

func (h *history) add(p geometry.Pose, limit int) {
	n := len(h.samples)
	switch {
	case n == 0 || p.Timestamp.After(h.samples[n-1].Timestamp):
		h.samples = append(h.samples, p)
	default:
		i := sort.Search(n, func(i int) bool { return !h.samples[i].Timestamp.Before(p.Timestamp) })
		if i < n && h.samples[i].Timestamp.Equal(p.Timestamp) {
			h.samples[i] = p
			return
		}
		h.samples = append(h.samples, geometry.Pose{})
		copy(h.samples[i+1:], h.samples[i:])
		h.samples[i] = p
	}
	if limit > 0 && len(h.samples) > limit {
		h.samples = append(h.samples[:0], h.samples[len(h.samples)-limit:]...)
	}
}

// at interpolates the edge at t. Times outside the recorded span clamp to
// the nearest sample when within tolerance.
func (h *history) at(t time.Time, tolerance time.Duration, parent, child string) (geometry.Pose, error) {
	n := len(h.samples)
	if n == 0 {
		return geometry.Pose{}, fmt.Errorf("%w: %s <- %s has no samples", ErrExtrapolation, parent, child)
	}
	if t.IsZero() {
		return h.samples[n-1], nil
	}
	first, last := h.samples[0], h.samples[n-1]
	switch {
	case t.Before(first.Timestamp):
		if first.Timestamp.Sub(t) > tolerance {
			return geometry.Pose{}, fmt.Errorf("%w: %s <- %s at %s precedes %s", ErrExtrapolation, parent, child, t.Format(time.RFC3339Nano), first.Timestamp.Format(time.RFC3339Nano))
		}
		return first, nil
	case t.After(last.Timestamp):
		if t.Sub(last.Timestamp) > tolerance {
			return geometry.Pose{}, fmt.Errorf("%w: %s <- %s at %s follows %s", ErrExtrapolation, parent, child, t.Format(time.RFC3339Nano), last.Timestamp.Format(time.RFC3339Nano))
		}
		return last, nil
	}
	i := sort.Search(n, func(i int) bool { return !h.samples[i].Timestamp.Before(t) })
	if h.samples[i].Timestamp.Equal(t) {
		return h.samples[i], nil
	}
	a, b := h.samples[i-1], h.samples[i]
	frac := float64(t.Sub(a.Timestamp)) / float64(b.Timestamp.Sub(a.Timestamp))
	p := geometry.Interpolate(a, b, frac)
	p.Timestamp = t
	return p, nil
}
