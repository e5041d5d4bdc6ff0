// Package storage persists chat aggregates in SQLite. It is the durable
// side of the pipeline: the projector hands it increment trees, and the
// cold read/write paths serve branching and catch-up, bypassing the buffer.
package storage
