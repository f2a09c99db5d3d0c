// Package sqlite persists localization diagnostics: runs, per-cycle
// records, accepted poses and reference map loads.
//
// The schema is owned by the embedded migrations. Store implements
// pipeline.CycleStore so the localizer can record every cycle without
// knowing about SQL.
package sqlite
