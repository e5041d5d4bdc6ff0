// Package event defines the chat event union and the in-memory bounded
// event log with pub/sub and claim-and-remove consumption.
package event
