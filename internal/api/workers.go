package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/thriftpool/internal/api/models"
)

func (s *Server) registerWorkerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/api/workers",
		Summary:     "List Workers",
		Description: "List the worker processes the master currently drives",
		Tags:        []string{"workers"},
		Errors:      []int{503},
	}, func(ctx context.Context, _ *struct{}) (*models.WorkersResponse, error) {
		workers, err := s.backend.Workers(ctx)
		if err != nil {
			return nil, huma.Error503ServiceUnavailable("worker state unavailable", err)
		}
		if workers == nil {
			workers = []models.WorkerData{}
		}
		return &models.WorkersResponse{
			Body: models.WorkersData{Workers: workers, Count: len(workers)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-listeners",
		Method:      http.MethodGet,
		Path:        "/api/listeners",
		Summary:     "List Listeners",
		Description: "List listening sockets in the descriptor order workers inherit them",
		Tags:        []string{"listeners"},
	}, func(_ context.Context, _ *struct{}) (*models.ListenersResponse, error) {
		listeners := s.backend.Listeners()
		if listeners == nil {
			listeners = []models.ListenerData{}
		}
		return &models.ListenersResponse{
			Body: models.ListenersData{Listeners: listeners},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-log-level",
		Method:      http.MethodPut,
		Path:        "/api/workers/log-level",
		Summary:     "Set Log Level",
		Description: "Change the log level of the master and broadcast it to every worker",
		Tags:        []string{"workers"},
		Errors:      []int{422, 503},
	}, func(ctx context.Context, input *models.LogLevelRequest) (*models.LogLevelResponse, error) {
		sent, err := s.backend.SetLogLevel(ctx, input.Body.Level)
		if err != nil {
			return nil, huma.Error503ServiceUnavailable("broadcast failed", err)
		}
		s.logger.Info("Log level changed", "level", input.Body.Level, "workers", sent)
		return &models.LogLevelResponse{
			Body: models.LogLevelData{Level: input.Body.Level, Workers: sent},
		}, nil
	})
}
