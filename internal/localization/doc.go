// Package localization holds the vocabulary shared by the localization
// stages: the per-cycle processing status, the tracking modes and the
// diagnostics record emitted once per processed cloud.
//
// The stage packages are layered in cycle order:
//
//	l1admission   decides whether an incoming cloud is processed at all
//	l2preprocess  filters, normal/curvature estimation, keypoints
//	l3matching    ordered matcher chain with pose composition
//	l4outliers    inlier/outlier classification against the map
//	l5validation  transformation validators gating acceptance
//	l6tracking    tracking/recovery state machine
//
// refmap owns the reference map, backlog serialises producers, and
// pipeline is the composition root that runs one cycle at a time.
package localization
