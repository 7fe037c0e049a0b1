// Package supervisor launches a compiled artifact as a child process under
// resource limits and exposes its standard streams, a kill switch, and a
// single reaping point.
//
// A Process is owned by exactly one live run. Its output streams are plain
// pipes read by the caller; its input stream is written with a deadline so
// a stalled child never blocks the writer indefinitely. Wait (or Done)
// reports the exit status once the child has been reaped, which happens in
// the background as soon as the child terminates.
package supervisor
