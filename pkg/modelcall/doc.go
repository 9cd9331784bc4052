// Package modelcall provides resilient model invocation across an ordered
// list of provider backends.
//
// One logical call walks the backend list in fallback order: each backend is
// retried with exponential backoff on transient errors, abandoned immediately
// on terminal ones, and the next backend takes over when it is exhausted.
// Responses can be validated and reduced to their structured JSON payload
// before being returned.
//
// When backends carry selection instructions, a short classification call
// against the primary backend picks the starting point of the fallback
// rotation.
package modelcall
