// Package backlog buffers ambient clouds between producers and the single
// processing worker.
//
// Queue bounds pending clouds per source and drops the oldest on overflow.
// Accumulator merges clouds from several sources into one bounded window
// of points before they are registered.
package backlog
