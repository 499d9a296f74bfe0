package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskCatalogSync seeds the permission catalog and refreshes its snapshot.
	TaskCatalogSync = "authz:catalog_sync"
)

// CatalogSyncPayload parameterizes a catalog sync run.
type CatalogSyncPayload struct {
	// Reason records why the sync was triggered, for log correlation.
	Reason string `json:"reason"`
}

// NewCatalogSyncTask constructs an Asynq task.
func NewCatalogSyncTask(payload CatalogSyncPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCatalogSync, data), nil
}
