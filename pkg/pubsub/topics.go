// Package pubsub holds the event contracts exchanged over topics. It has no
// Encore dependency so the worker binary can decode the same payloads.
package pubsub

// Topic names. Encore declares topics with literal names, so declarations
// repeat these values.
const (
	// TopicTableChanged carries TableChangedEvent.
	TopicTableChanged = "table-changed"
)
