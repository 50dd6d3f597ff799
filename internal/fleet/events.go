package fleet

import (
	"errors"
	"time"

	"github.com/aetherdock/backend/internal/models"
)

type EventType string

const (
	EventFleetSnapshot EventType = "fleet.snapshot"
	EventLogChunk      EventType = "log.chunk"
	EventLogError      EventType = "log.error"
	EventStatsSample   EventType = "stats.sample"
	EventActionResult  EventType = "action.result"
	EventError         EventType = "error"
)

// Snapshot is one reconciled view of the fleet. Versions strictly increase
// with every successful reconciliation; the container slice is never mutated
// after publication.
type Snapshot struct {
	Version    uint64
	TakenAt    time.Time
	Containers []models.ContainerSummary
}

// Event is a single outbound message for one session. Which fields are set
// depends on Type.
type Event struct {
	Type        EventType
	ContainerID string
	Snapshot    Snapshot
	Data        []byte
	Stats       models.StatsSnapshot
	Verb        models.ActionVerb
	OK          bool
	Reason      string

	seq uint64
}

func snapshotEvent(snap Snapshot) Event {
	return Event{Type: EventFleetSnapshot, Snapshot: snap}
}

func logChunkEvent(id string, data []byte) Event {
	return Event{Type: EventLogChunk, ContainerID: id, Data: data}
}

func logErrorEvent(id, reason string) Event {
	return Event{Type: EventLogError, ContainerID: id, Reason: reason}
}

func statsEvent(s models.StatsSnapshot) Event {
	return Event{Type: EventStatsSample, ContainerID: s.ContainerID, Stats: s}
}

func actionResultEvent(req models.ActionRequest, err error) Event {
	ev := Event{Type: EventActionResult, ContainerID: req.ContainerID, Verb: req.Verb, OK: err == nil}
	if err != nil {
		ev.Reason = err.Error()
		var ae *ActionError
		if errors.As(err, &ae) && ae.Kind == ActionRejected {
			ev.Reason = ae.Reason
		}
	}
	return ev
}

func errorEvent(reason string) Event {
	return Event{Type: EventError, Reason: reason}
}
