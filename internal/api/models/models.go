// Package models holds the request and response bodies of the admin API.
package models

import "time"

// Health check models
type HealthData struct {
	Status   string `json:"status" example:"ok" doc:"Service status"`
	MasterID string `json:"master_id" doc:"Identifier of this master instance"`
	Workers  int    `json:"workers" example:"2" doc:"Workers with a live control channel"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"1.0.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc123" doc:"Git commit hash"`
	BuildDate string `json:"build_date" doc:"Build timestamp"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go runtime version"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Target platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Worker models
type WorkerData struct {
	ID        int       `json:"id" example:"0" doc:"Stable worker index"`
	PID       int       `json:"pid" example:"4242" doc:"Process id"`
	Title     string    `json:"title" example:"[thriftpool-worker-0]" doc:"Process display name"`
	SpawnedAt time.Time `json:"spawned_at" doc:"When the master saw the spawn"`
	Healthy   bool      `json:"healthy" doc:"Whether the control channel is usable"`
}

type WorkersData struct {
	Workers []WorkerData `json:"workers" doc:"Tracked workers ordered by id"`
	Count   int          `json:"count" example:"2" doc:"Number of tracked workers"`
}

type WorkersResponse struct {
	Body WorkersData
}

// Listener models
type ListenerData struct {
	Index   int    `json:"index" example:"0" doc:"Descriptor index inherited by workers"`
	Name    string `json:"name" example:"front" doc:"Slot name"`
	Service string `json:"service" example:"echo" doc:"Service kind"`
	Address string `json:"address" example:"127.0.0.1:9090" doc:"Bound address"`
	Active  bool   `json:"active" doc:"Whether the socket is open"`
}

type ListenersData struct {
	Listeners []ListenerData `json:"listeners" doc:"Listeners in descriptor order"`
}

type ListenersResponse struct {
	Body ListenersData
}

// Log level models
type LogLevelRequestData struct {
	Level string `json:"level" enum:"debug,info,warn,error,critical" example:"debug" doc:"Level applied to master and workers"`
}

type LogLevelRequest struct {
	Body LogLevelRequestData
}

type LogLevelData struct {
	Level   string `json:"level" example:"debug" doc:"Level now in effect"`
	Workers int    `json:"workers" example:"2" doc:"Workers the change was sent to"`
}

type LogLevelResponse struct {
	Body LogLevelData
}
