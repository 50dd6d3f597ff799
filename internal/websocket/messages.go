package websocket

import (
	"time"

	"github.com/aetherdock/backend/internal/fleet"
	"github.com/aetherdock/backend/internal/models"
)

// Message is the JSON frame sent to viewers. Only the fields relevant to
// Type are populated.
type Message struct {
	Type       string                     `json:"type"`
	ID         string                     `json:"id,omitempty"`
	Version    uint64                     `json:"version,omitempty"`
	TakenAt    *time.Time                 `json:"takenAt,omitempty"`
	Containers *[]models.ContainerSummary `json:"containers,omitempty"`
	Data       []byte                     `json:"data,omitempty"`
	Stats      *models.StatsSnapshot      `json:"stats,omitempty"`
	Verb       models.ActionVerb          `json:"verb,omitempty"`
	OK         *bool                      `json:"ok,omitempty"`
	Reason     string                     `json:"reason,omitempty"`
}

// NewMessage converts an engine event into its wire frame.
func NewMessage(ev fleet.Event) Message {
	switch ev.Type {
	case fleet.EventFleetSnapshot:
		return NewSnapshotMessage(ev.Snapshot)
	case fleet.EventLogChunk:
		return NewLogChunkMessage(ev.ContainerID, ev.Data)
	case fleet.EventLogError:
		return NewLogErrorMessage(ev.ContainerID, ev.Reason)
	case fleet.EventStatsSample:
		return NewStatsMessage(ev.Stats)
	case fleet.EventActionResult:
		return NewActionResultMessage(ev.ContainerID, ev.Verb, ev.OK, ev.Reason)
	default:
		return NewErrorMessage(ev.Reason)
	}
}

func NewSnapshotMessage(snap fleet.Snapshot) Message {
	containers := snap.Containers
	if containers == nil {
		containers = []models.ContainerSummary{}
	}
	takenAt := snap.TakenAt
	return Message{
		Type:       string(fleet.EventFleetSnapshot),
		Version:    snap.Version,
		TakenAt:    &takenAt,
		Containers: &containers,
	}
}

// NewLogChunkMessage carries data as base64 so chunk boundaries that split a
// UTF-8 sequence, or output that is not UTF-8 at all, survive intact.
func NewLogChunkMessage(id string, data []byte) Message {
	return Message{
		Type: string(fleet.EventLogChunk),
		ID:   id,
		Data: data,
	}
}

func NewLogErrorMessage(id, reason string) Message {
	return Message{
		Type:   string(fleet.EventLogError),
		ID:     id,
		Reason: reason,
	}
}

func NewStatsMessage(stats models.StatsSnapshot) Message {
	return Message{
		Type:  string(fleet.EventStatsSample),
		ID:    stats.ContainerID,
		Stats: &stats,
	}
}

func NewActionResultMessage(id string, verb models.ActionVerb, ok bool, reason string) Message {
	return Message{
		Type:   string(fleet.EventActionResult),
		ID:     id,
		Verb:   verb,
		OK:     &ok,
		Reason: reason,
	}
}

func NewErrorMessage(reason string) Message {
	return Message{
		Type:   string(fleet.EventError),
		Reason: reason,
	}
}
