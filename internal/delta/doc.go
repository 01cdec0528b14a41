// Package delta defines knowledge-base change proposals and the governor
// that decides them.
//
// A proposal is consumed and terminated exactly once: accepted or rejected.
// Rejections may spawn a new revised proposal but never reopen the old one.
// Nothing mutates the playbook except the governor, and only after proof
// validation. Acceptance against a key is exclusive: while one proposal is
// in its accept path for a key, a second proposal targeting the same key is
// rejected as conflicting rather than silently overwritten.
package delta
