package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableChangedEvent_Validate(t *testing.T) {
	valid := func() TableChangedEvent {
		return *NewTableChangedEvent("campaigns", "briefs", OpUpdate)
	}

	tests := []struct {
		name    string
		mutate  func(e *TableChangedEvent)
		wantErr bool
	}{
		{name: "valid", mutate: func(*TableChangedEvent) {}},
		{name: "unsupported version", mutate: func(e *TableChangedEvent) { e.Version = 2 }, wantErr: true},
		{name: "missing service", mutate: func(e *TableChangedEvent) { e.Service = "" }, wantErr: true},
		{name: "missing table", mutate: func(e *TableChangedEvent) { e.Table = "" }, wantErr: true},
		{name: "unknown operation", mutate: func(e *TableChangedEvent) { e.Operation = "truncate" }, wantErr: true},
		{name: "zero time", mutate: func(e *TableChangedEvent) { e.ChangedAt = time.Time{} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid()
			tt.mutate(&e)
			err := e.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewTableChangedEvent(t *testing.T) {
	before := time.Now().UTC()
	e := NewTableChangedEvent("distribution", "distribution_parameters", OpUpdate)

	require.NoError(t, e.Validate())
	assert.Equal(t, EventVersion1, e.Version)
	assert.Equal(t, "distribution_parameters", e.Table)
	assert.False(t, e.ChangedAt.Before(before))
}
