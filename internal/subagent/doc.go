// Package subagent manages delegation, handoff, forking, and convergence of
// child agent sessions within a skills loop run.
//
// Sessions live in an explicit registry keyed by session identifier, with
// parent references stored as identifiers rather than live pointers. A
// session moves Spawned -> Active -> {Converged | Failed | TimedOut} and
// never outlives its parent run.
//
// Delegation is asynchronous: the coordinator launches the task and returns
// immediately. Handoff with control transfer is the only blocking operation.
// Convergence reconciles one or more terminal sessions into a single result
// using a closed set of strategies; conflict handling likewise dispatches
// over a closed set of resolution methods.
package subagent
