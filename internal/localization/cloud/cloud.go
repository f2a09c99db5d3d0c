// Package cloud provides the point cloud type shared by every localization
// stage, its nearest-neighbour index, and PCD file encoding.
package cloud

import (
	"math"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
)

// Point is a single sample. Normal and Curvature are only meaningful when
// HasNormal is set.
type Point struct {
	Position  r3.Vector
	Normal    r3.Vector
	Curvature float64
	HasNormal bool
}

// PointCloud is an ordered set of points captured in Frame at Timestamp.
//
// A PointCloud caches its SpatialIndex. Any method that changes Points
// invalidates the cache; callers that edit Points directly must call
// Touch afterwards.
type PointCloud struct {
	Points    []Point
	Frame     string
	Timestamp time.Time
	// Source identifies the stream that produced the cloud.
	Source string

	rev   uint64
	index *SpatialIndex
}

// New returns an empty cloud with room for n points.
func New(frame string, ts time.Time, n int) *PointCloud {
	return &PointCloud{Points: make([]Point, 0, n), Frame: frame, Timestamp: ts}
}

// FromPositions builds a cloud without normals.
func FromPositions(frame string, ts time.Time, positions []r3.Vector) *PointCloud {
	c := New(frame, ts, len(positions))
	for _, p := range positions {
		c.Points = append(c.Points, Point{Position: p})
	}
	return c
}

// Len returns the number of points. A nil cloud has length zero.
func (c *PointCloud) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Points)
}

// Revision changes every time the points change.
func (c *PointCloud) Revision() uint64 { return c.rev }

// Touch marks the points as modified.
func (c *PointCloud) Touch() {
	c.rev++
	c.index = nil
}

// Append adds points and invalidates the index.
func (c *PointCloud) Append(pts ...Point) {
	c.Points = append(c.Points, pts...)
	c.Touch()
}

// Clone returns a deep copy of the points and metadata, without the index.
func (c *PointCloud) Clone() *PointCloud {
	out := &PointCloud{
		Points:    make([]Point, len(c.Points)),
		Frame:     c.Frame,
		Timestamp: c.Timestamp,
		Source:    c.Source,
	}
	copy(out.Points, c.Points)
	return out
}

// WithPoints returns a cloud sharing c's metadata but holding pts.
func (c *PointCloud) WithPoints(pts []Point) *PointCloud {
	return &PointCloud{Points: pts, Frame: c.Frame, Timestamp: c.Timestamp, Source: c.Source}
}

// Subset returns the points at the given indices, in order.
func (c *PointCloud) Subset(indices []int) *PointCloud {
	pts := make([]Point, len(indices))
	for i, idx := range indices {
		pts[i] = c.Points[idx]
	}
	return c.WithPoints(pts)
}

// Transformed returns a copy with positions and normals mapped through p.
// The result is expressed in p's frame when it has one.
func (c *PointCloud) Transformed(p geometry.Pose) *PointCloud {
	out := c.Clone()
	for i := range out.Points {
		pt := &out.Points[i]
		pt.Position = p.Apply(pt.Position)
		if pt.HasNormal {
			pt.Normal = p.Rotate(pt.Normal)
		}
	}
	if p.Frame != "" {
		out.Frame = p.Frame
	}
	return out
}

// Positions returns the point positions.
func (c *PointCloud) Positions() []r3.Vector {
	out := make([]r3.Vector, len(c.Points))
	for i, p := range c.Points {
		out[i] = p.Position
	}
	return out
}

// HasNormals reports whether every point carries a normal.
func (c *PointCloud) HasNormals() bool {
	if c.Len() == 0 {
		return false
	}
	for _, p := range c.Points {
		if !p.HasNormal {
			return false
		}
	}
	return true
}

// Centroid is the mean position. An empty cloud returns the origin.
func (c *PointCloud) Centroid() r3.Vector {
	var sum r3.Vector
	if c.Len() == 0 {
		return sum
	}
	for _, p := range c.Points {
		sum = sum.Add(p.Position)
	}
	return sum.Mul(1 / float64(len(c.Points)))
}

// Bounds returns the axis-aligned bounding box.
func (c *PointCloud) Bounds() (lo, hi r3.Vector) {
	if c.Len() == 0 {
		return lo, hi
	}
	lo = r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	hi = r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, p := range c.Points {
		lo.X, hi.X = math.Min(lo.X, p.Position.X), math.Max(hi.X, p.Position.X)
		lo.Y, hi.Y = math.Min(lo.Y, p.Position.Y), math.Max(hi.Y, p.Position.Y)
		lo.Z, hi.Z = math.Min(lo.Z, p.Position.Z), math.Max(hi.Z, p.Position.Z)
	}
	return lo, hi
}

// Merge concatenates clouds into a new cloud with the first cloud's frame
// and the latest timestamp.
func Merge(clouds ...*PointCloud) *PointCloud {
	var n int
	for _, c := range clouds {
		n += c.Len()
	}
	out := &PointCloud{Points: make([]Point, 0, n)}
	for i, c := range clouds {
		if c == nil {
			continue
		}
		if i == 0 || out.Frame == "" {
			out.Frame = c.Frame
			out.Source = c.Source
		}
		if c.Timestamp.After(out.Timestamp) {
			out.Timestamp = c.Timestamp
		}
		out.Points = append(out.Points, c.Points...)
	}
	return out
}

// Index returns the cached SpatialIndex, building it if the cloud changed
// since the last call. It is not safe to call concurrently with mutation.
func (c *PointCloud) Index() *SpatialIndex {
	if c.index != nil && c.index.Valid(c) {
		return c.index
	}
	c.index = NewSpatialIndex(c)
	return c.index
}
