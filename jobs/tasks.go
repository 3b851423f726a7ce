package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskMaintenanceSweep archives long-expired authorization rows.
	TaskMaintenanceSweep = "maintenance:sweep"
	// TaskCatalogReseed re-applies the canonical permission catalog.
	TaskCatalogReseed = "catalog:reseed"
)

// MaintenanceSweepPayload bounds the sweep to rows older than the cutoff.
type MaintenanceSweepPayload struct {
	Retention    time.Duration `json:"retention"`
	ScheduledFor time.Time     `json:"scheduled_for"`
}

// NewMaintenanceSweepTask constructs an Asynq task for the archival sweep.
func NewMaintenanceSweepTask(retention time.Duration, at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(MaintenanceSweepPayload{Retention: retention, ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMaintenanceSweep, body, asynq.Queue(QueueDefault)), nil
}

// CatalogReseedPayload carries scheduling metadata.
type CatalogReseedPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewCatalogReseedTask constructs an Asynq task for catalog reseeding.
func NewCatalogReseedTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(CatalogReseedPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCatalogReseed, body, asynq.Queue(QueueDefault)), nil
}
