package api

import (
	"errors"

	"github.com/hbomb79/Harmony/internal/api/jobs"
	"github.com/hbomb79/Harmony/internal/api/util"
	"github.com/hbomb79/Harmony/internal/http/websocket"
)

var errJobNotFound = errors.New("job not found")

// wsGateway exposes read-only job commands over the activity socket
type wsGateway struct {
	jobService jobs.Service
}

func (gateway *wsGateway) bind(hub *websocket.SocketHub) {
	hub.BindCommand("JOB_INDEX", gateway.wsJobIndex)
	hub.BindCommand("JOB_DETAILS", gateway.wsJobDetails)
	hub.WithConnectionCallback(func() map[string]interface{} {
		return map[string]interface{}{"jobs": gateway.index()}
	})
}

func (gateway *wsGateway) wsJobIndex(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
	hub.Send(message.Reply(gateway.index()))
	return nil
}

func (gateway *wsGateway) wsJobDetails(hub *websocket.SocketHub, message *websocket.SocketMessage) error {
	id, err := message.JobIDArgument()
	if err != nil {
		return err
	}

	j, ok := gateway.jobService.Job(id)
	if !ok {
		return errJobNotFound
	}

	hub.Send(message.Reply(jobs.NewDto(j)))
	return nil
}

func (gateway *wsGateway) index() []jobs.Dto {
	return util.ApplyConversion(gateway.jobService.Jobs(), jobs.NewDto)
}
