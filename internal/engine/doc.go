// Package engine runs interactive sessions end to end. Create compiles a
// submission and registers a single-use session descriptor; Attach binds a
// live channel to that descriptor and drives the run through
// CREATED → SPAWNING → RUNNING → TERMINATING → CLEANED, with an output pump,
// a watchdog, and an input relay running concurrently while the child is
// alive. Cleanup happens once, on every exit path.
//
// The package also provides the non-interactive Execute path, the orphan
// sweeper, and the OutputBroker used for spectator streams.
package engine
