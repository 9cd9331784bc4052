// Package extractor turns finished sessions into durable knowledge entries.
//
// The pipeline renders the session transcript, asks a model to propose
// knowledge items, gates them by confidence, deduplicates each survivor
// against the knowledge base with model arbitration, and stores the result.
// Arbitration failures fail open to storing a new entry.
package extractor
