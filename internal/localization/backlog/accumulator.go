package backlog

import (
	"sort"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
)

// AccumulatorParams configures an Accumulator.
type AccumulatorParams struct {
	Sources           []string
	RequireAllSources bool
	MaxPoints         int
	MinPoints         int
	ClearOnFailure    bool
}

// AccumulatorParamsFromConfig resolves AccumulatorParams from cfg.
func AccumulatorParamsFromConfig(cfg *config.Config) AccumulatorParams {
	return AccumulatorParams{
		Sources:           cfg.Backlog.Accumulator.Sources,
		RequireAllSources: cfg.GetAccumulatorRequireAllSources(),
		MaxPoints:         cfg.GetAccumulatorMaxPoints(),
		MinPoints:         cfg.GetAccumulatorMinPoints(),
		ClearOnFailure:    cfg.GetAccumulatorClearOnFailure(),
	}
}

type chunk struct {
	seq    uint64
	source string
	points []cloud.Point
}

// Accumulator is a circular point buffer over several sources. Adding a
// cloud appends its points and evicts the oldest points once MaxPoints is
// exceeded. It is not safe for concurrent use.
type Accumulator struct {
	params AccumulatorParams
	chunks []chunk
	total  int
	seq    uint64
	seen   map[string]bool
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator(p AccumulatorParams) *Accumulator {
	return &Accumulator{params: p, seen: make(map[string]bool)}
}

// Params returns the accumulator's configuration.
func (a *Accumulator) Params() AccumulatorParams { return a.params }

// Len is the number of buffered points.
func (a *Accumulator) Len() int { return a.total }

// Add buffers c. It returns the merged window once it is releasable:
// every required source has contributed and MinPoints is reached.
// Otherwise merged is nil and missing lists the sources still awaited.
func (a *Accumulator) Add(c *cloud.PointCloud) (merged *cloud.PointCloud, missing []string) {
	a.seq++
	a.seen[c.Source] = true
	pts := make([]cloud.Point, len(c.Points))
	copy(pts, c.Points)
	a.chunks = append(a.chunks, chunk{seq: a.seq, source: c.Source, points: pts})
	a.total += len(pts)
	a.evict()

	missing = a.Missing()
	if len(missing) > 0 || a.total < a.params.MinPoints || a.total == 0 {
		return nil, missing
	}

	out := cloud.New(c.Frame, c.Timestamp, a.total)
	out.Source = c.Source
	for _, ch := range a.chunks {
		out.Points = append(out.Points, ch.points...)
	}
	return out, nil
}

// Missing lists the configured sources that have not contributed yet. It
// is empty unless RequireAllSources is set.
func (a *Accumulator) Missing() []string {
	if !a.params.RequireAllSources {
		return nil
	}
	var out []string
	for _, s := range a.params.Sources {
		if !a.seen[s] {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// DiscardLast removes whatever remains of the most recently added cloud.
// The orchestrator calls it when that cloud failed registration and
// ClearOnFailure is set.
func (a *Accumulator) DiscardLast() int {
	if len(a.chunks) == 0 {
		return 0
	}
	last := a.chunks[len(a.chunks)-1]
	if last.seq != a.seq {
		return 0
	}
	a.chunks = a.chunks[:len(a.chunks)-1]
	a.total -= len(last.points)
	return len(last.points)
}

// Reset empties the buffer and forgets which sources were seen.
func (a *Accumulator) Reset() {
	a.chunks = nil
	a.total = 0
	a.seen = make(map[string]bool)
}

func (a *Accumulator) evict() {
	if a.params.MaxPoints <= 0 {
		return
	}
	for a.total > a.params.MaxPoints && len(a.chunks) > 0 {
		over := a.total - a.params.MaxPoints
		head := &a.chunks[0]
		if over >= len(head.points) {
			a.total -= len(head.points)
			a.chunks = a.chunks[1:]
			continue
		}
		head.points = head.points[over:]
		a.total -= over
	}
}
