package monitor

import (
	"context"
	"sync"

	"github.com/banshee-data/dynamic-localization/internal/localization"
	"github.com/banshee-data/dynamic-localization/internal/localization/pipeline"
)

// DefaultRecorderSize is the number of records kept when NewRecorder is
// given a non-positive size.
const DefaultRecorderSize = 600

// Recorder keeps the most recent diagnostics records in a ring.
type Recorder struct {
	mu      sync.Mutex
	records []localization.Diagnostics
	next    int
	full    bool
}

// NewRecorder returns a recorder holding at most size records.
func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = DefaultRecorderSize
	}
	return &Recorder{records: make([]localization.Diagnostics, size)}
}

// Observe appends d, overwriting the oldest record when full.
func (r *Recorder) Observe(d localization.Diagnostics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[r.next] = d
	r.next = (r.next + 1) % len(r.records)
	if r.next == 0 {
		r.full = true
	}
}

// Records returns a copy of the kept records, oldest first.
func (r *Recorder) Records() []localization.Diagnostics {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]localization.Diagnostics(nil), r.records[:r.next]...)
	}
	out := make([]localization.Diagnostics, 0, len(r.records))
	out = append(out, r.records[r.next:]...)
	return append(out, r.records[:r.next]...)
}

// Len is the number of kept records.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.records)
	}
	return r.next
}

// Follow subscribes to p and records everything it publishes until ctx is
// done or the publisher closes.
func (r *Recorder) Follow(ctx context.Context, p *pipeline.Publisher) error {
	id, c := p.Subscribe()
	defer p.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-c:
			if !ok {
				return nil
			}
			r.Observe(d)
		}
	}
}
