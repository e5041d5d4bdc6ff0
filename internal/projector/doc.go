// Package projector buffers high-frequency chat events in memory and
// flushes them to durable storage in batches. It rebuilds a per-user
// increment tree (user, chat, message) from claimed events on every flush
// cycle, so the storage gateway sees only the net change since the last
// flush instead of one write per streamed token.
package projector
