// Package l1admission owns Layer 1 (Admission) of the localization
// pipeline.
//
// Responsibilities: deciding whether an incoming cloud is processed at all,
// from its age, ordering, size, arrival rate, the processing limit and its
// offset to the last estimated pose.
// Key types: Gate, Input, State, Decision.
//
// Dependency rule: L1 depends only on the localization root package. It
// performs no geometry and never mutates orchestrator state.
package l1admission
