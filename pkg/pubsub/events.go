package pubsub

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Event schema versions. Fields are added, never removed.
const (
	EventVersion1 = 1
)

// Table operations reported by TableChangedEvent.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

var validate = validator.New()

// TableChangedEvent is published to TopicTableChanged by the services that
// own the campaign tables after a committed write. Consumers refresh the
// materialized views that read Table.
type TableChangedEvent struct {
	Version   int       `json:"version" validate:"eq=1"`
	Service   string    `json:"service" validate:"required"`
	Table     string    `json:"table" validate:"required"`
	Operation string    `json:"operation" validate:"oneof=insert update delete"`
	ChangedAt time.Time `json:"changedAt" validate:"required"`

	// RequestID correlates the refresh with the write that caused it.
	RequestID string `json:"requestId,omitempty"`
}

// NewTableChangedEvent stamps a version-1 event with the current time.
func NewTableChangedEvent(service, table, operation string) *TableChangedEvent {
	return &TableChangedEvent{
		Version:   EventVersion1,
		Service:   service,
		Table:     table,
		Operation: operation,
		ChangedAt: time.Now().UTC(),
	}
}

// Validate checks the event is well-formed.
func (e *TableChangedEvent) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid %s event: %w", TopicTableChanged, err)
	}
	return nil
}
