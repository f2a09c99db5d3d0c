// Package l2preprocess owns Layer 2 (Preprocessing) of the localization
// pipeline.
//
// Responsibilities: filtering, normal and curvature estimation, and
// keypoint detection for the ambient cloud and, once per map version, for
// the reference cloud.
// Key types: Filter, NormalEstimator, CurvatureEstimator, KeypointDetector,
// Pipeline, Output.
//
// Dependency rule: L2 may depend on the cloud and geometry packages and on
// internal/config, never on L3+.
package l2preprocess
