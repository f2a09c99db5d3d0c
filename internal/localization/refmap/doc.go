// Package refmap owns the reference map: the long-lived point cloud every
// ambient cloud is registered against.
//
// The map is published as an immutable Snapshot behind an atomic pointer.
// A cycle loads the snapshot once and keeps it for its duration; Load, Set,
// Clear, Prepare and Integrate publish a replacement. Writers are
// serialised by the Manager, and the orchestrator only calls them between
// registrations.
package refmap
