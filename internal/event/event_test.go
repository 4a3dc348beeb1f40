package event_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Harmony/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_ChannelAndFunctionHandlers(t *testing.T) {
	bus := event.New()
	ch := make(event.HandlerChannel, 4)
	bus.RegisterHandlerChannel(ch, event.JOB_UPDATE, event.JOB_COMPLETE)

	var received []event.Event
	bus.RegisterHandlerFunction(event.JOB_COMPLETE, func(e event.Event, p event.Payload) {
		received = append(received, e)
	})

	id := uuid.New()
	bus.Dispatch(event.JOB_UPDATE, id)
	bus.Dispatch(event.JOB_COMPLETE, id)

	require.Len(t, ch, 2)
	first := <-ch
	assert.Equal(t, event.JOB_UPDATE, first.Event)
	assert.Equal(t, id, first.Payload)
	assert.Equal(t, event.JOB_COMPLETE, (<-ch).Event)
	assert.Equal(t, []event.Event{event.JOB_COMPLETE}, received)
}

func TestDispatch_InvalidPayloadIsDropped(t *testing.T) {
	bus := event.New()
	ch := make(event.HandlerChannel, 1)
	bus.RegisterHandlerChannel(ch, event.JOB_UPDATE)

	bus.Dispatch(event.JOB_UPDATE, "not-a-uuid")
	bus.Dispatch(event.Event("unknown"), uuid.New())
	assert.Empty(t, ch)
}

func TestDispatch_AsyncHandler(t *testing.T) {
	bus := event.New()
	done := make(chan string, 1)
	bus.RegisterAsyncHandlerFunction(event.ALLOWLIST_UPDATE, func(e event.Event, p event.Payload) {
		done <- p.(string)
	})

	bus.Dispatch(event.ALLOWLIST_UPDATE, "user-1")
	select {
	case v := <-done:
		assert.Equal(t, "user-1", v)
	case <-time.After(time.Second):
		t.Fatal("async handler was not invoked")
	}
}
