// Package event implements the per-node lifecycle notification channel.
// Every node in a session shares one Channel by reference; the channel keeps
// an ordered subscriber list per source and delivers events in registration
// order, FIFO per source. Delivery to a subscriber may be an in-process call
// or a remote hop; the Channel does not distinguish the two.
package event

import "time"

// Kind identifies the lifecycle transition carried by an event.
type Kind string

const (
	// KindComplete signals that the source node finalized successfully
	KindComplete Kind = "COMPLETE"

	// KindError signals that the source node transitioned to ERROR
	KindError Kind = "ERROR"
)

// Event is a lifecycle-change notification published by a node.
type Event struct {
	// SourceID is the instance ID of the node that changed state
	SourceID string `json:"sourceInstanceId"`

	// Kind is the lifecycle transition being announced
	Kind Kind `json:"eventKind"`

	// Timestamp is the publication time in UTC
	Timestamp time.Time `json:"timestamp"`
}

// New creates an event for the given source and kind, stamped now.
func New(sourceID string, kind Kind) Event {
	return Event{
		SourceID:  sourceID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}
