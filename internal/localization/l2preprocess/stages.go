package l2preprocess

import (
	"errors"

	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
)

var (
	// ErrFilteringFailed wraps any filter error or a filtered cloud below
	// the minimum size.
	ErrFilteringFailed = errors.New("point cloud filtering failed")
	// ErrNormalEstimationFailed wraps normal and curvature estimation errors.
	ErrNormalEstimationFailed = errors.New("normal estimation failed")
	// ErrUnknownStrategy is returned for an unregistered StageSpec type.
	ErrUnknownStrategy = errors.New("unknown preprocessing strategy")
	// ErrTooFewPoints is returned by stages that need a minimum neighbourhood.
	ErrTooFewPoints = errors.New("too few points")
)

// Filter removes or resamples points.
type Filter interface {
	Name() string
	Filter(*cloud.PointCloud) (*cloud.PointCloud, error)
}

// NormalEstimator fills point normals of c, searching neighbours in surface
// through idx.
type NormalEstimator interface {
	Name() string
	Estimate(c, surface *cloud.PointCloud, idx *cloud.SpatialIndex) (*cloud.PointCloud, error)
}

// CurvatureEstimator fills point curvature of c, indexed by idx.
type CurvatureEstimator interface {
	Name() string
	Estimate(c *cloud.PointCloud, idx *cloud.SpatialIndex) (*cloud.PointCloud, error)
}

// KeypointDetector selects a sparse subset of c.
type KeypointDetector interface {
	Name() string
	Detect(c *cloud.PointCloud, idx *cloud.SpatialIndex) (*cloud.PointCloud, error)
}
