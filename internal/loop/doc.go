// Package loop drives a task run through the Plan, Build, Test, Review and
// Document phases.
//
// The phase machine is a pure transition function over an explicit state
// value. Transition takes the current state and an input event and returns
// the next state plus a list of effects; it performs no I/O. The Driver
// owns the side effects: it invokes the agent for each phase body, records
// phase transitions and the closing summary in the transcript, routes
// build-phase proposals through the delta governor, and cancels subagents
// when the run deadline expires. Keeping the deterministic core separate
// from the I/O makes the retry and abort logic testable without any
// collaborators.
//
// A run always ends in exactly one terminal state, Complete or Aborted,
// with a structured reason. Accepted deltas are never rolled back by a
// later abort.
package loop
