package l2preprocess

import (
	"fmt"
	"math"

	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
)

// CurvatureThreshold keeps points with a normal and curvature of at least
// MinCurvature.
type CurvatureThreshold struct {
	MinCurvature float64 `mapstructure:"min_curvature"`
}

func (d *CurvatureThreshold) Name() string { return "curvature_threshold" }

func (d *CurvatureThreshold) Detect(c *cloud.PointCloud, _ *cloud.SpatialIndex) (*cloud.PointCloud, error) {
	return keep(c, func(p cloud.Point) bool {
		return p.HasNormal && p.Curvature >= d.MinCurvature
	}), nil
}

// UniformKeypoints keeps the point nearest each occupied voxel's centre,
// giving an evenly spread subset of original points.
type UniformKeypoints struct {
	LeafSize float64 `mapstructure:"leaf_size"`
}

func (d *UniformKeypoints) Name() string { return "uniform" }

func (d *UniformKeypoints) Detect(c *cloud.PointCloud, _ *cloud.SpatialIndex) (*cloud.PointCloud, error) {
	if d.LeafSize <= 0 {
		return nil, fmt.Errorf("uniform: leaf_size must be positive, got %f", d.LeafSize)
	}
	inv := 1 / d.LeafSize
	type best struct {
		idx  int
		dist float64
	}
	order := make([]voxelKey, 0)
	chosen := make(map[voxelKey]best)
	for i, p := range c.Points {
		fx, fy, fz := math.Floor(p.Position.X*inv), math.Floor(p.Position.Y*inv), math.Floor(p.Position.Z*inv)
		k := voxelKey{int64(fx), int64(fy), int64(fz)}
		cx := (fx + 0.5) * d.LeafSize
		cy := (fy + 0.5) * d.LeafSize
		cz := (fz + 0.5) * d.LeafSize
		dx, dy, dz := p.Position.X-cx, p.Position.Y-cy, p.Position.Z-cz
		dist := dx*dx + dy*dy + dz*dz
		b, ok := chosen[k]
		if !ok {
			order = append(order, k)
			chosen[k] = best{idx: i, dist: dist}
			continue
		}
		if dist < b.dist {
			chosen[k] = best{idx: i, dist: dist}
		}
	}
	idx := make([]int, len(order))
	for i, k := range order {
		idx[i] = chosen[k].idx
	}
	return c.Subset(idx), nil
}
