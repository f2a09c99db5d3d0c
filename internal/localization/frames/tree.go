// Package frames resolves rigid transforms between named coordinate frames.
//
// A Tree holds static edges, such as sensor mounts, and dynamic edges that
// are recorded over time, such as odometry. Lookup composes the edges along
// the shortest path between two frames, evaluating dynamic edges at the
// requested time.
package frames

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
)

var (
	// ErrNoPath is returned when the frames are not connected.
	ErrNoPath = errors.New("no transform path between frames")
	// ErrExtrapolation is returned when a dynamic edge has no sample close
	// enough to the requested time.
	ErrExtrapolation = errors.New("transform lookup would extrapolate")
)

// Transformer looks up the transform that maps points in source into
// target at the given time.
type Transformer interface {
	Lookup(target, source string, at time.Time) (geometry.Pose, error)
}

// DefaultHistory bounds the samples kept per dynamic edge.
const DefaultHistory = 1024

type edgeKey struct{ parent, child string }

type staticEdge struct {
	parent, child string
	p             geometry.Pose
}

// Tree is a transform graph. It is safe for concurrent use.
type Tree struct {
	mu      sync.RWMutex
	static  map[edgeKey]geometry.Pose
	dynamic map[edgeKey]*history
	adj     map[string][]string

	// MaxExtrapolation is how far past either end of a dynamic edge's
	// samples a lookup may clamp to the nearest sample.
	MaxExtrapolation time.Duration
	// History bounds the samples kept per dynamic edge.
	History int
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{
		static:  make(map[edgeKey]geometry.Pose),
		dynamic: make(map[edgeKey]*history),
		adj:     make(map[string][]string),
		History: DefaultHistory,
	}
}

// NewTreeFromConfig builds a tree holding the configured static transforms.
func NewTreeFromConfig(cfg *config.Config) (*Tree, error) {
	t := NewTree()
	if err := t.LoadStatic(cfg); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadStatic adds or replaces the static transforms listed in cfg. Edges
// already in the tree but absent from cfg are kept.
func (t *Tree) LoadStatic(cfg *config.Config) error {
	edges := make([]staticEdge, 0, len(cfg.Frames.Static))
	for i, st := range cfg.Frames.Static {
		if len(st.Translation) != 3 {
			return fmt.Errorf("frames.static[%d]: translation needs 3 values", i)
		}
		rpy := []float64{0, 0, 0}
		if len(st.RPY) == 3 {
			rpy = st.RPY
		}
		p := geometry.Translate(st.Translation[0], st.Translation[1], st.Translation[2])
		p.Rotation = geometry.FromRPY(rpy[0], rpy[1], rpy[2])
		edges = append(edges, staticEdge{st.Parent, st.Child, p})
	}
	for _, e := range edges {
		t.SetStatic(e.parent, e.child, e.p)
	}
	return nil
}

// SetStatic adds or replaces a fixed edge. p maps child points into parent.
func (t *Tree) SetStatic(parent, child string, p geometry.Pose) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := edgeKey{parent, child}
	t.static[k] = p
	t.link(parent, child)
}

// Record adds a sample to a dynamic edge. p maps child points into parent
// at p.Timestamp.
func (t *Tree) Record(parent, child string, p geometry.Pose) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := edgeKey{parent, child}
	h, ok := t.dynamic[k]
	if !ok {
		h = &history{}
		t.dynamic[k] = h
		t.link(parent, child)
	}
	h.add(p, t.History)
}

// Latest returns the newest sample of a dynamic edge.
func (t *Tree) Latest(parent, child string) (geometry.Pose, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.dynamic[edgeKey{parent, child}]
	if !ok || len(h.samples) == 0 {
		return geometry.Pose{}, false
	}
	return h.samples[len(h.samples)-1], true
}

func (t *Tree) link(a, b string) {
	for _, n := range t.adj[a] {
		if n == b {
			return
		}
	}
	t.adj[a] = append(t.adj[a], b)
	t.adj[b] = append(t.adj[b], a)
}

// Lookup returns target←source at the given time. A zero time evaluates
// dynamic edges at their newest sample.
func (t *Tree) Lookup(target, source string, at time.Time) (geometry.Pose, error) {
	if target == source {
		return geometry.Identity(), nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	path, ok := t.path(source, target)
	if !ok {
		return geometry.Pose{}, fmt.Errorf("%w: %s -> %s", ErrNoPath, source, target)
	}
	acc := geometry.Identity()
	for i := 1; i < len(path); i++ {
		step, err := t.edge(path[i], path[i-1], at)
		if err != nil {
			return geometry.Pose{}, err
		}
		acc = step.Compose(acc)
	}
	acc.Frame = target
	acc.Timestamp = at
	return acc, nil
}

// edge returns to←from for adjacent frames.
func (t *Tree) edge(to, from string, at time.Time) (geometry.Pose, error) {
	if p, ok := t.static[edgeKey{to, from}]; ok {
		return p, nil
	}
	if p, ok := t.static[edgeKey{from, to}]; ok {
		return p.Inverse(), nil
	}
	if h, ok := t.dynamic[edgeKey{to, from}]; ok {
		return h.at(at, t.MaxExtrapolation, to, from)
	}
	h := t.dynamic[edgeKey{from, to}]
	p, err := h.at(at, t.MaxExtrapolation, from, to)
	if err != nil {
		return geometry.Pose{}, err
	}
	return p.Inverse(), nil
}

// path is a breadth-first search over the undirected edge set. Neighbours
// are visited in sorted order so equal-length paths resolve the same way
// every time.
func (t *Tree) path(from, to string) ([]string, bool) {
	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			var out []string
			for n := to; n != ""; n = prev[n] {
				out = append(out, n)
				if n == from {
					break
				}
			}
			for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
				out[i], out[j] = out[j], out[i]
			}
			return out, true
		}
		next := append([]string(nil), t.adj[cur]...)
		sort.Strings(next)
		for _, n := range next {
			if _, seen := prev[n]; !seen {
				prev[n] = cur
				queue = append(queue, n)
			}
		}
	}
	return nil, false
}

// Displacement returns the motion of child relative to parent between two
// times, expressed in child's frame at from: (parent←child@from)⁻¹ ∘
// (parent←child@to).
func Displacement(tr Transformer, parent, child string, from, to time.Time) (geometry.Pose, error) {
	a, err := tr.Lookup(parent, child, from)
	if err != nil {
		return geometry.Pose{}, err
	}
	b, err := tr.Lookup(parent, child, to)
	if err != nil {
		return geometry.Pose{}, err
	}
	return a.Inverse().Compose(b), nil
}
