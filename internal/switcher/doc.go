// Package switcher activates one project at a time.
//
// The Coordinator owns the single active session: the project's loaded
// adapter, its open vector index, and the budget reservation paying for
// both. A switch is one logical transaction:
//
//	lookup -> cost -> reserve (one eviction pass) -> load adapter -> open index
//	       -> hydrate conversation -> commit (write lock) -> touch registry
//
// Nothing is visible to readers until the commit step. Failures before the
// commit release the target's reservation and leave the previous session
// active; when the eviction pass had to drop the previous project's own
// resources, they are reloaded best effort.
//
// # Outcomes
//
// Every switch returns a SwitchResult instead of an error. Loading problems
// degrade the session (base model fallback, no retrieval) rather than fail
// it:
//
//	Success   adapter and index loaded as recorded on the project
//	Degraded  switch committed with reduced capability (see Reasons)
//	Failed    nothing changed (InsufficientMemory, Timeout, Cancelled, ...)
//	NoOp      target was already active
//
// Only an unknown or removed project aborts the call with
// project.ErrNotFound.
//
// # Concurrency
//
// Switches are served strictly in arrival order by a FIFO lock. Readers use
// WithSession, which holds the session read lock for the duration of the
// callback; the commit and unload steps take the write lock, so resources
// are never released under a running query.
//
// # Warm cache
//
// With warm slots configured, a project switched away from keeps its
// resources (and budget) parked in an LRU cache. Switching back is then a
// cache hit. Parked entries are the first thing released when a reservation
// does not fit.
package switcher
