// Package l6tracking owns Layer 6 (Tracking) of the localization pipeline:
// the state machine that moves between InitialPoseEstimation, Tracking and
// TrackingRecovery, and the cross-cycle state that drives it.
//
// Key types: Machine, Params, Counters.
//
// Dependency rule: L6 depends only on the localization root, geometry and
// config packages. Stage results reach it as Accept and Fail calls.
package l6tracking
