// Package l4outliers owns Layer 4 (Outlier classification) of the
// localization pipeline.
//
// Responsibilities: partitioning a registered cloud into points explained
// by the reference map and points that are not, and summarising the split
// as inlier RMSE, outlier percentage and angular coverage.
// Key types: Detector, Classifier, Report.
//
// Dependency rule: L4 may depend on L3 (Target) but never on validation or
// tracking state.
package l4outliers
