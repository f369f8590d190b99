// Package service runs activities on behalf of the command channel.
//
// A Runner goes through four states:
//
//	Booting -> Draining -> ShuttingDown -> Stopped
//
// Booting replays the running registry, so activities started before a crash
// are started again. Draining pops commands from the backend one at a time.
// A start registers a child cancellation under the activity key and submits
// a worker to the pool; a start of a key which is already live is ignored. A
// stop resolves the child of the key, or logs a warning when there is none.
// ShuttingDown begins when the root cancellation resolves (context canceled,
// Stop or a signal via WatchSignals) and waits up to the grace period for the
// workers.
//
// Data flow:
//
//	backend.Drain          Runner{live}              pool
//	     |                     |                       |
//	     | start ------------->| child + Submit ------>| worker loop
//	     |                     |                       |   New -> Run
//	     |                     |                       |   returned: back off, again
//	     | stop -------------->| origin.Resolve ------>|   canceled: exit
//	     |                     |<------ finished ------|
//
// Invariants:
//   - At most one worker per activity key.
//   - The command loop is the only writer of the live map and the only
//     submitter to the pool.
//   - Commands of the same key are handled in the order they were enqueued.
//   - A worker body is restarted until canceled, an activity which can't be
//     instantiated is not.
//   - Shutdown takes at most one poll interval plus the grace period.
package service
