package l2preprocess

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
)

// VoxelGrid replaces the points in each cubic voxel with their centroid.
// Normals, when every point in a voxel has one, are averaged.
type VoxelGrid struct {
	LeafSize float64 `mapstructure:"leaf_size"`
}

func (f *VoxelGrid) Name() string { return "voxel_grid" }

type voxelKey struct{ i, j, k int64 }

type voxelAcc struct {
	sum, normal r3.Vector
	curvature   float64
	n, normals  int
}

func (f *VoxelGrid) Filter(c *cloud.PointCloud) (*cloud.PointCloud, error) {
	if f.LeafSize <= 0 {
		return nil, fmt.Errorf("voxel_grid: leaf_size must be positive, got %f", f.LeafSize)
	}
	inv := 1 / f.LeafSize
	order := make([]voxelKey, 0)
	voxels := make(map[voxelKey]*voxelAcc)
	for _, p := range c.Points {
		k := voxelKey{
			int64(math.Floor(p.Position.X * inv)),
			int64(math.Floor(p.Position.Y * inv)),
			int64(math.Floor(p.Position.Z * inv)),
		}
		v, ok := voxels[k]
		if !ok {
			v = &voxelAcc{}
			voxels[k] = v
			order = append(order, k)
		}
		v.sum = v.sum.Add(p.Position)
		v.n++
		if p.HasNormal {
			v.normal = v.normal.Add(p.Normal)
			v.curvature += p.Curvature
			v.normals++
		}
	}

	pts := make([]cloud.Point, 0, len(order))
	for _, k := range order {
		v := voxels[k]
		pt := cloud.Point{Position: v.sum.Mul(1 / float64(v.n))}
		if v.normals == v.n && v.normal.Norm() > 0 {
			pt.Normal = v.normal.Normalize()
			pt.Curvature = v.curvature / float64(v.n)
			pt.HasNormal = true
		}
		pts = append(pts, pt)
	}
	return c.WithPoints(pts), nil
}

// PassThrough keeps points whose coordinate on Axis lies in [Min, Max], or
// outside it when Negative is set.
type PassThrough struct {
	Axis     string  `mapstructure:"axis"`
	Min      float64 `mapstructure:"min"`
	Max      float64 `mapstructure:"max"`
	Negative bool    `mapstructure:"negative"`
}

func (f *PassThrough) Name() string { return "pass_through" }

func (f *PassThrough) Filter(c *cloud.PointCloud) (*cloud.PointCloud, error) {
	var get func(r3.Vector) float64
	switch f.Axis {
	case "x":
		get = func(v r3.Vector) float64 { return v.X }
	case "y":
		get = func(v r3.Vector) float64 { return v.Y }
	case "z":
		get = func(v r3.Vector) float64 { return v.Z }
	default:
		return nil, fmt.Errorf("pass_through: axis must be x, y or z, got %q", f.Axis)
	}
	if f.Min > f.Max {
		return nil, fmt.Errorf("pass_through: min %f exceeds max %f", f.Min, f.Max)
	}
	return keep(c, func(p cloud.Point) bool {
		v := get(p.Position)
		inside := v >= f.Min && v <= f.Max
		return inside != f.Negative
	}), nil
}

// RandomSample keeps Count points chosen uniformly, preserving their order.
// A fixed Seed makes the selection reproducible.
type RandomSample struct {
	Count int   `mapstructure:"count"`
	Seed  int64 `mapstructure:"seed"`
}

func (f *RandomSample) Name() string { return "random_sample" }

func (f *RandomSample) Filter(c *cloud.PointCloud) (*cloud.PointCloud, error) {
	if f.Count <= 0 {
		return nil, fmt.Errorf("random_sample: count must be positive, got %d", f.Count)
	}
	if c.Len() <= f.Count {
		return c.Clone(), nil
	}
	rng := rand.New(rand.NewSource(f.Seed))
	idx := rng.Perm(c.Len())[:f.Count]
	sort.Ints(idx)
	return c.Subset(idx), nil
}

// RadiusOutlierRemoval drops points with fewer than MinNeighbors other
// points within Radius.
type RadiusOutlierRemoval struct {
	Radius       float64 `mapstructure:"radius"`
	MinNeighbors int     `mapstructure:"min_neighbors"`
}

func (f *RadiusOutlierRemoval) Name() string { return "radius_outlier_removal" }

func (f *RadiusOutlierRemoval) Filter(c *cloud.PointCloud) (*cloud.PointCloud, error) {
	if f.Radius <= 0 {
		return nil, fmt.Errorf("radius_outlier_removal: radius must be positive, got %f", f.Radius)
	}
	idx := c.Index()
	return keep(c, func(p cloud.Point) bool {
		// The query point itself is always within the radius.
		return len(idx.Radius(p.Position, f.Radius))-1 >= f.MinNeighbors
	}), nil
}

// CropBox keeps points inside the axis-aligned box [Min, Max], or outside
// it when Negative is set.
type CropBox struct {
	Min      []float64 `mapstructure:"min"`
	Max      []float64 `mapstructure:"max"`
	Negative bool      `mapstructure:"negative"`
}

func (f *CropBox) Name() string { return "crop_box" }

func (f *CropBox) Filter(c *cloud.PointCloud) (*cloud.PointCloud, error) {
	if len(f.Min) != 3 || len(f.Max) != 3 {
		return nil, fmt.Errorf("crop_box: min and max need 3 values")
	}
	lo := r3.Vector{X: f.Min[0], Y: f.Min[1], Z: f.Min[2]}
	hi := r3.Vector{X: f.Max[0], Y: f.Max[1], Z: f.Max[2]}
	return keep(c, func(p cloud.Point) bool {
		v := p.Position
		inside := v.X >= lo.X && v.X <= hi.X &&
			v.Y >= lo.Y && v.Y <= hi.Y &&
			v.Z >= lo.Z && v.Z <= hi.Z
		return inside != f.Negative
	}), nil
}

// SensorOriginRemoval drops points within Radius of the cloud origin, where
// returns from the robot body land.
type SensorOriginRemoval struct {
	Radius float64 `mapstructure:"radius"`
}

func (f *SensorOriginRemoval) Name() string { return "sensor_origin_removal" }

func (f *SensorOriginRemoval) Filter(c *cloud.PointCloud) (*cloud.PointCloud, error) {
	r2 := f.Radius * f.Radius
	return keep(c, func(p cloud.Point) bool {
		return p.Position.Norm2() > r2
	}), nil
}

func keep(c *cloud.PointCloud, pred func(cloud.Point) bool) *cloud.PointCloud {
	pts := make([]cloud.Point, 0, c.Len())
	for _, p := range c.Points {
		if pred(p) {
			pts = append(pts, p)
		}
	}
	return c.WithPoints(pts)
}
