package backlog

import (
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
)

// SourceStats describes one source's traffic.
type SourceStats struct {
	Pending    int `json:"pending"`
	Capacity   int `json:"capacity"`
	Received   int `json:"received"`
	Dropped    int `json:"dropped"`
	Duplicates int `json:"duplicates"`
}

// Queue is a bounded, per-source buffer of pending clouds. It is safe for
// concurrent producers and one consumer.
type Queue struct {
	mu       sync.Mutex
	capacity int
	pending  map[string][]*cloud.PointCloud
	// lastPopped guards against a producer re-sending a cloud that was
	// already handed to the worker.
	lastPopped map[string]time.Time
	stats      map[string]*SourceStats
	// droppedSincePop feeds Diagnostics.Dropped.
	droppedSincePop int
	ready           chan struct{}
}

// NewQueue returns a queue holding at most capacity clouds per source.
// Capacities below one are raised to one.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		capacity:   capacity,
		pending:    make(map[string][]*cloud.PointCloud),
		lastPopped: make(map[string]time.Time),
		stats:      make(map[string]*SourceStats),
		ready:      make(chan struct{}, 1),
	}
}

// PushResult reports what Push did with a cloud.
type PushResult struct {
	// Duplicate is set when c matched a pending or already popped cloud and
	// was ignored.
	Duplicate bool
	// Evicted is the older cloud dropped to make room, if any.
	Evicted *cloud.PointCloud
}

// Push adds c to its source's buffer.
func (q *Queue) Push(c *cloud.PointCloud) PushResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.stat(c.Source)
	st.Received++

	if last, ok := q.lastPopped[c.Source]; ok && last.Equal(c.Timestamp) {
		st.Duplicates++
		return PushResult{Duplicate: true}
	}
	buf := q.pending[c.Source]
	for _, p := range buf {
		if p.Timestamp.Equal(c.Timestamp) {
			st.Duplicates++
			return PushResult{Duplicate: true}
		}
	}

	var res PushResult
	if len(buf) >= q.capacity {
		res.Evicted = buf[0]
		buf = buf[1:]
		st.Dropped++
		q.droppedSincePop++
	}
	q.pending[c.Source] = append(buf, c)
	st.Pending = len(q.pending[c.Source])

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return res
}

// Pop removes the pending cloud with the earliest timestamp across all
// sources. dropped is the number of clouds evicted since the previous Pop.
func (q *Queue) Pop() (c *cloud.PointCloud, dropped int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var src string
	for s, buf := range q.pending {
		if len(buf) == 0 {
			continue
		}
		if c == nil || buf[0].Timestamp.Before(c.Timestamp) || (buf[0].Timestamp.Equal(c.Timestamp) && s < src) {
			c, src = buf[0], s
		}
	}
	if c == nil {
		return nil, 0, false
	}
	q.pending[src] = q.pending[src][1:]
	q.stat(src).Pending = len(q.pending[src])
	q.lastPopped[src] = c.Timestamp

	dropped = q.droppedSincePop
	q.droppedSincePop = 0
	return c, dropped, true
}

// Ready is signalled after a Push. A receive does not guarantee Pop
// succeeds; callers loop until Pop reports empty.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// Len is the total number of pending clouds.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int
	for _, buf := range q.pending {
		n += len(buf)
	}
	return n
}

// SetCapacity changes the per-source bound, dropping the oldest pending
// clouds of any source over it.
func (q *Queue) SetCapacity(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.capacity = capacity
	for src, buf := range q.pending {
		if over := len(buf) - capacity; over > 0 {
			q.pending[src] = buf[over:]
			st := q.stat(src)
			st.Dropped += over
			st.Pending = capacity
			q.droppedSincePop += over
		}
	}
}

// Clear drops every pending cloud without counting them as dropped.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for src := range q.pending {
		q.pending[src] = nil
		q.stat(src).Pending = 0
	}
}

// Stats returns a copy of the per-source statistics.
func (q *Queue) Stats() map[string]SourceStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]SourceStats, len(q.stats))
	for src, st := range q.stats {
		s := *st
		s.Capacity = q.capacity
		out[src] = s
	}
	return out
}

// Sources lists the sources seen so far, sorted.
func (q *Queue) Sources() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.stats))
	for src := range q.stats {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

func (q *Queue) stat(src string) *SourceStats {
	st, ok := q.stats[src]
	if !ok {
		st = &SourceStats{}
		q.stats[src] = st
	}
	return st
}
