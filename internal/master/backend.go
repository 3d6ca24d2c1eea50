package master

import (
	"context"

	"github.com/smazurov/thriftpool/internal/api/models"
)

// apiBackend exposes the app to the admin API.
type apiBackend struct {
	app *App
}

func (b apiBackend) MasterID() string { return b.app.id }

func (b apiBackend) Workers(ctx context.Context) ([]models.WorkerData, error) {
	infos, err := b.app.processes.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.WorkerData, 0, len(infos))
	for _, w := range infos {
		out = append(out, models.WorkerData{
			ID:        w.ID,
			PID:       w.PID,
			Title:     w.Title,
			SpawnedAt: w.SpawnedAt,
			Healthy:   w.Healthy,
		})
	}
	return out, nil
}

func (b apiBackend) Listeners() []models.ListenerData {
	infos := b.app.pool.Listeners()
	out := make([]models.ListenerData, 0, len(infos))
	for _, l := range infos {
		out = append(out, models.ListenerData{
			Index:   l.Index,
			Name:    l.Name,
			Service: l.Service,
			Address: l.Address,
			Active:  l.Active,
		})
	}
	return out
}

func (b apiBackend) SetLogLevel(ctx context.Context, level string) (int, error) {
	return b.app.SetLogLevel(ctx, level)
}
