// Package pipeline is the composition root of the localizer.
//
// It wires the stage packages (l1admission through l6tracking), the
// reference map manager, the backlog and the frame tree into one
// processing cycle, and fans the resulting Diagnostics out to sinks. None
// of the stage packages import pipeline.
//
// Concurrency: at most one cycle runs at a time. ProcessCloud, the backlog
// worker, configuration and map reloads all take cycleMu, so a reload
// always lands between two cycles. Producers call Enqueue concurrently.
package pipeline
