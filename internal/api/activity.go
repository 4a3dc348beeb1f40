package api

import (
	"github.com/google/uuid"
	"github.com/hbomb79/Harmony/internal/access"
	"github.com/hbomb79/Harmony/internal/api/jobs"
	"github.com/hbomb79/Harmony/internal/http/websocket"
)

const (
	TITLE_JOB_UPDATE       = "JOB_UPDATE"
	TITLE_ALLOWLIST_UPDATE = "ALLOWLIST_UPDATE"
)

type (
	// JobUpdate is broadcast whenever a job changes. Job is nil
	// if the job is no longer retained by the service.
	JobUpdate struct {
		JobID uuid.UUID `json:"job_id"`
		Job   *jobs.Dto `json:"job"`
	}

	AllowListUpdate struct {
		UserID string `json:"user_id"`
	}

	broadcaster struct {
		socketHub  *websocket.SocketHub
		jobService jobs.Service
	}
)

func newBroadcaster(socketHub *websocket.SocketHub, jobService jobs.Service) *broadcaster {
	return &broadcaster{socketHub, jobService}
}

func (hub *broadcaster) BroadcastJobUpdate(id uuid.UUID) error {
	update := JobUpdate{JobID: id}
	if j, ok := hub.jobService.Job(id); ok {
		dto := jobs.NewDto(j)
		update.Job = &dto
	}

	hub.broadcast(TITLE_JOB_UPDATE, update)
	return nil
}

func (hub *broadcaster) BroadcastAllowListUpdate(userID access.UserID) error {
	hub.broadcast(TITLE_ALLOWLIST_UPDATE, AllowListUpdate{UserID: string(userID)})
	return nil
}

func (hub *broadcaster) broadcast(title string, update any) {
	hub.socketHub.Send(&websocket.SocketMessage{
		Title: title,
		Body:  map[string]interface{}{"payload": update},
		Type:  websocket.Update,
	})
}
