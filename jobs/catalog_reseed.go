package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/casafleet/casafleet/internal/authz"
)

// CatalogReseedJob re-applies the canonical permission catalog and system
// role bundles. Seeding is idempotent, so repeated runs are harmless.
type CatalogReseedJob struct {
	service *authz.Service
	logger  *slog.Logger
}

// NewCatalogReseedJob constructs the reseed handler.
func NewCatalogReseedJob(service *authz.Service, logger *slog.Logger) *CatalogReseedJob {
	return &CatalogReseedJob{service: service, logger: logger}
}

// Handle processes TaskCatalogReseed tasks.
func (j *CatalogReseedJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload CatalogReseedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if err := j.service.InitializeCatalog(ctx); err != nil {
		if j.logger != nil {
			j.logger.Error("catalog reseed failed", slog.Any("error", err))
		}
		return err
	}
	if j.logger != nil {
		j.logger.Info("catalog reseed complete")
	}
	return nil
}
