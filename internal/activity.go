package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Harmony/internal/access"
	"github.com/hbomb79/Harmony/internal/event"
	"github.com/hbomb79/Harmony/pkg/logger"
)

const (
	DEBOUNCE_DURATION  time.Duration = time.Second * 2
	MAX_TIMER_DURATION time.Duration = time.Second * 5

	RAPID_EVENT_DEBOUNCE_DURATION  time.Duration = time.Millisecond * 500
	RAPID_EVENT_MAX_TIMER_DURATION time.Duration = time.Second * 2
)

type (
	broadcastHandler func() error

	broadcaster interface {
		BroadcastJobUpdate(uuid.UUID) error
		BroadcastAllowListUpdate(access.UserID) error
	}

	eventKey struct {
		ev event.Event
		id string
	}

	// activityService listens for events on the bus and relays them to
	// the broadcaster. Bursts of events for the same resource are
	// debounced in to a single broadcast.
	activityService struct {
		*sync.Mutex
		broadcaster
		eventBus       event.EventHandler
		debounceTimers map[eventKey]*time.Timer
		maxTimers      map[eventKey]*time.Timer
	}
)

func newActivityService(broadcaster broadcaster, event event.EventHandler) *activityService {
	return &activityService{
		Mutex:          &sync.Mutex{},
		broadcaster:    broadcaster,
		eventBus:       event,
		debounceTimers: make(map[eventKey]*time.Timer),
		maxTimers:      make(map[eventKey]*time.Timer),
	}
}

func (service *activityService) Run(ctx context.Context) error {
	messageChan := make(chan event.HandlerEvent, 100)
	service.eventBus.RegisterHandlerChannel(messageChan, event.JOB_UPDATE, event.JOB_COMPLETE, event.ALLOWLIST_UPDATE)

	log.Emit(logger.NEW, "Activity service started\n")
	for {
		select {
		case ev := <-messageChan:
			if err := service.handleEvent(ev); err != nil {
				log.Emit(logger.ERROR, "Handling of event %v failed: %v\n", ev, err)
			}
		case <-ctx.Done():
			service.stopTimers()
			log.Emit(logger.STOP, "Activity service closed\n")
			return nil
		}
	}
}

func (service *activityService) handleEvent(ev event.HandlerEvent) error {
	switch ev.Event {
	case event.JOB_UPDATE, event.JOB_COMPLETE:
		jobID, ok := ev.Payload.(uuid.UUID)
		if !ok {
			return fmt.Errorf("illegal payload %T (expected UUID)", ev.Payload)
		}

		// A completion is just the final update, so both share a key
		key := eventKey{ev: event.JOB_UPDATE, id: jobID.String()}
		handler := func() error { return service.BroadcastJobUpdate(jobID) }
		if ev.Event == event.JOB_COMPLETE {
			service.broadcast(key, handler)
		} else {
			service.scheduleRapidEventBroadcast(key, handler)
		}
	case event.ALLOWLIST_UPDATE:
		var userID access.UserID
		switch p := ev.Payload.(type) {
		case access.UserID:
			userID = p
		case string:
			userID = access.UserID(p)
		default:
			return fmt.Errorf("illegal payload %T (expected user ID)", ev.Payload)
		}

		key := eventKey{ev: ev.Event, id: string(userID)}
		service.scheduleEventBroadcast(key, func() error { return service.BroadcastAllowListUpdate(userID) })
	default:
		return fmt.Errorf("unknown event type %s", ev.Event)
	}

	return nil
}

func (service *activityService) scheduleEventBroadcast(resourceKey eventKey, handler broadcastHandler) {
	service._scheduleEventBroadcast(resourceKey, handler, DEBOUNCE_DURATION, MAX_TIMER_DURATION)
}

func (service *activityService) scheduleRapidEventBroadcast(resourceKey eventKey, handler broadcastHandler) {
	service._scheduleEventBroadcast(resourceKey, handler, RAPID_EVENT_DEBOUNCE_DURATION, RAPID_EVENT_MAX_TIMER_DURATION)
}

func (service *activityService) _scheduleEventBroadcast(resourceKey eventKey, handler broadcastHandler, debounceTime time.Duration, maxTime time.Duration) {
	service.Lock()
	defer service.Unlock()

	broadcaster := func() { service.broadcast(resourceKey, handler) }

	// Cancel and re-set a debounce timer
	if t, ok := service.debounceTimers[resourceKey]; ok {
		t.Stop()
	}
	service.debounceTimers[resourceKey] = time.AfterFunc(debounceTime, broadcaster)

	// Set a max timer if not already set
	if _, ok := service.maxTimers[resourceKey]; !ok {
		service.maxTimers[resourceKey] = time.AfterFunc(maxTime, broadcaster)
	}
}

// broadcast clears any pending timers for the resource and
// immediately invokes the handler.
func (service *activityService) broadcast(resourceKey eventKey, handler broadcastHandler) {
	service.Lock()
	if t, ok := service.debounceTimers[resourceKey]; ok {
		t.Stop()
		delete(service.debounceTimers, resourceKey)
	}

	if t, ok := service.maxTimers[resourceKey]; ok {
		t.Stop()
		delete(service.maxTimers, resourceKey)
	}
	service.Unlock()

	if err := handler(); err != nil {
		log.Warnf("Broadcast for %s %s failed: %v\n", resourceKey.ev, resourceKey.id, err)
	}
}

func (service *activityService) stopTimers() {
	service.Lock()
	defer service.Unlock()

	for key, t := range service.debounceTimers {
		t.Stop()
		delete(service.debounceTimers, key)
	}
	for key, t := range service.maxTimers {
		t.Stop()
		delete(service.maxTimers, key)
	}
}
