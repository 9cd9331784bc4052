// Package knowledge turns documents and extracted knowledge into a
// searchable, permission-scoped vector index.
//
// The Manager chunks and batch-embeds content before upserting it into a
// VectorStore; similarity searches are memoized by query and filters with
// TTL expiry. VecStore is the bundled sqlite-vec implementation and
// OpenAIEmbedder the bundled embedding provider; both sit behind interfaces
// so callers can substitute their own.
package knowledge
