// Package chat defines the chat aggregate and message model. Aggregates are
// only ever mutated by the reducer; everything else treats them as read-only
// snapshots.
package chat
