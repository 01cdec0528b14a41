// Package transcript provides the append-only, ordered event log for skills
// loop runs.
//
// The transcript is the ground truth for replay and audit: every component's
// observable behavior is only visible through it. Sequence numbers within a
// run are strictly increasing and gap-free, and events are never mutated or
// deleted after append. Replaying a closed run's events in order reproduces
// the same terminal run and delta-proposal states.
//
// Two recorder implementations are provided: an in-memory recorder for tests
// and ephemeral runs, and an NDJSON file recorder whose output is one JSON
// object per line so consumers can resume from the last sequence number they
// have seen. A publishing wrapper mirrors appended events onto a message bus
// for external inspectors.
package transcript
