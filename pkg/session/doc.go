// Package session owns the session lifecycle state machine: creation,
// resume, status transitions, checkpoint create/restore, stop state, soft
// delete, and compression bookkeeping.
//
// Persistence goes through the Store interface; SQLiteStore is the bundled
// implementation. Lifecycle violations (missing, deleted, or completed
// sessions) fail fast with sentinel errors and are never retried.
package session
