package cloud

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Neighbor is one search result. Index refers to the indexed cloud and
// Distance is Euclidean (not squared).
type Neighbor struct {
	Index    int
	Distance float64
}

// SpatialIndex is a k-d tree over a cloud's positions. It is built once per
// cloud revision and shared by every matcher and outlier detector that
// searches the same cloud within a cycle.
type SpatialIndex struct {
	tree  *kdtree.Tree
	owner *PointCloud
	rev   uint64
	n     int
}

// NewSpatialIndex builds an index over c's current points.
func NewSpatialIndex(c *PointCloud) *SpatialIndex {
	idx := &SpatialIndex{owner: c, rev: c.rev, n: c.Len()}
	if c.Len() == 0 {
		return idx
	}
	pts := make(kdPoints, len(c.Points))
	for i, p := range c.Points {
		pts[i] = kdPoint{Vector: p.Position, i: i}
	}
	idx.tree = kdtree.New(pts, false)
	return idx
}

// Valid reports whether the index still describes c.
func (s *SpatialIndex) Valid(c *PointCloud) bool {
	return s != nil && s.owner == c && s.rev == c.rev && s.n == c.Len()
}

// Len is the number of indexed points.
func (s *SpatialIndex) Len() int { return s.n }

// Nearest returns the closest indexed point to q. ok is false when the
// index is empty.
func (s *SpatialIndex) Nearest(q r3.Vector) (n Neighbor, ok bool) {
	if s == nil || s.tree == nil || s.n == 0 {
		return Neighbor{}, false
	}
	c, d := s.tree.Nearest(kdPoint{Vector: q, i: -1})
	if c == nil {
		return Neighbor{}, false
	}
	return Neighbor{Index: c.(kdPoint).i, Distance: math.Sqrt(d)}, true
}

// KNearest returns up to k neighbours sorted by distance, then index.
func (s *SpatialIndex) KNearest(q r3.Vector, k int) []Neighbor {
	if s == nil || s.tree == nil || k <= 0 {
		return nil
	}
	keep := kdtree.NewNKeeper(k)
	s.tree.NearestSet(keep, kdPoint{Vector: q, i: -1})
	return collect(keep.Heap)
}

// Radius returns every neighbour within r, sorted by distance, then index.
func (s *SpatialIndex) Radius(q r3.Vector, r float64) []Neighbor {
	if s == nil || s.tree == nil || r <= 0 {
		return nil
	}
	keep := kdtree.NewDistKeeper(r * r)
	s.tree.NearestSet(keep, kdPoint{Vector: q, i: -1})
	out := collect(keep.Heap)
	// The keeper admits points on the boundary; trim anything beyond r from
	// rounding in the squared distance.
	n := 0
	for _, nb := range out {
		if nb.Distance <= r {
			out[n] = nb
			n++
		}
	}
	return out[:n]
}

// Extend inserts the points of next beyond the first s.Len() into the tree
// and rebinds the index to next, which must be a superset of the indexed
// cloud in the same order. The previous owner's index becomes unusable, so
// this must not run while another goroutine searches the index.
func (s *SpatialIndex) Extend(next *PointCloud) *SpatialIndex {
	if s.tree == nil {
		next.index = NewSpatialIndex(next)
		return next.index
	}
	for i := s.n; i < next.Len(); i++ {
		s.tree.Insert(kdPoint{Vector: next.Points[i].Position, i: i}, false)
	}
	out := &SpatialIndex{tree: s.tree, owner: next, rev: next.rev, n: next.Len()}
	s.tree = nil
	s.n = 0
	next.index = out
	return out
}

func collect(h kdtree.Heap) []Neighbor {
	out := make([]Neighbor, 0, len(h))
	for _, cd := range h {
		// The keepers seed their heap with a sentinel carrying no point.
		if cd.Comparable == nil {
			continue
		}
		out = append(out, Neighbor{Index: cd.Comparable.(kdPoint).i, Distance: math.Sqrt(cd.Dist)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Index < out[j].Index
	})
	return out
}

type kdPoint struct {
	r3.Vector
	i int
}

func coord(v r3.Vector, d kdtree.Dim) float64 {
	switch d {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(kdPoint)
	return coord(p.Vector, d) - coord(q.Vector, d)
}

func (p kdPoint) Dims() int { return 3 }

// Distance is squared Euclidean, as kdtree expects.
func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(kdPoint)
	return p.Vector.Sub(q.Vector).Norm2()
}

type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p kdPoints) Len() int                              { return len(p) }
func (p kdPoints) Pivot(d kdtree.Dim) int                { return kdPlane{kdPoints: p, dim: d}.pivot() }
func (p kdPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

type kdPlane struct {
	kdPoints
	dim kdtree.Dim
}

func (p kdPlane) Less(i, j int) bool {
	return coord(p.kdPoints[i].Vector, p.dim) < coord(p.kdPoints[j].Vector, p.dim)
}

func (p kdPlane) Swap(i, j int) {
	p.kdPoints[i], p.kdPoints[j] = p.kdPoints[j], p.kdPoints[i]
}

func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	return kdPlane{kdPoints: p.kdPoints[start:end], dim: p.dim}
}

func (p kdPlane) pivot() int {
	return kdtree.Partition(p, kdtree.MedianOfMedians(p))
}
