package tasks

import (
	"time"

	"github.com/bikebuds/bikebuds/models"
)

// Task types.
const (
	TypeSync           = "sync:service"
	TypeSyncAll        = "sync:all"
	TypeProcessEvents  = "events:process"
	TypeBackfill       = "backfill:process"
	TypeProcessMeasure = "measure:process"
	TypeHealthCheck    = "health:check"
	TypeConnectionTest = "connection:test"
)

// Queue names, in descending priority.
const (
	QueueEvents  = "events"
	QueueDefault = "default"
	QueueLow     = "low"
)

// SyncPayload names the connection to fully sync by its document key
// path.
type SyncPayload struct {
	ServiceKey string `json:"service_key"`
}

// SyncAllPayload triggers a fan-out over every syncable connection.
// Force re-enqueues connections whose syncing flag is still raised.
type SyncAllPayload struct {
	Force bool `json:"force,omitempty"`
}

// ProcessEventsPayload names the connection whose pending subscription
// events should be drained.
type ProcessEventsPayload struct {
	ServiceKey string `json:"service_key"`
}

// BackfillPayload names the source and destination connections of a
// measurement replay. Zero bounds leave the window open.
type BackfillPayload struct {
	SourceKey string    `json:"source_key"`
	DestKey   string    `json:"dest_key"`
	Start     time.Time `json:"start,omitempty"`
	End       time.Time `json:"end,omitempty"`
}

// ProcessMeasurePayload fans a fresh weight sample out to the write-path
// vendors of one user.
type ProcessMeasurePayload struct {
	UserKey string         `json:"user_key"`
	Measure models.Measure `json:"measure"`
}
