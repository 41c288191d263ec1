// Package embeddings turns text into unit vectors for attention routing.
//
// Two providers are available: TEI (an external text-embeddings-inference
// service) and a local feature-hashing provider for offline runs. Either is
// usually wrapped in a Cache, which memoizes lookups by content in a bounded
// LRU with a time-to-live.
package embeddings
