package models

import "time"

type ContainerState string

const (
	StateCreated    ContainerState = "created"
	StateRunning    ContainerState = "running"
	StatePaused     ContainerState = "paused"
	StateRestarting ContainerState = "restarting"
	StateExited     ContainerState = "exited"
	StateDead       ContainerState = "dead"
	StateUnknown    ContainerState = "unknown"
)

// ParseContainerState maps a runtime state string onto the known states.
// Anything unrecognised (including "removing") is reported as unknown.
func ParseContainerState(s string) ContainerState {
	switch st := ContainerState(s); st {
	case StateCreated, StateRunning, StatePaused, StateRestarting, StateExited, StateDead:
		return st
	default:
		return StateUnknown
	}
}

type Port struct {
	IP          string `json:"ip,omitempty"`
	PrivatePort uint16 `json:"privatePort"`
	PublicPort  uint16 `json:"publicPort,omitempty"`
	Type        string `json:"type"`
}

type ContainerSummary struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Image     string         `json:"image"`
	State     ContainerState `json:"state"`
	Status    string         `json:"status"`
	Ports     []Port         `json:"ports"`
	CreatedAt time.Time      `json:"createdAt"`
}

type StatsSnapshot struct {
	ContainerID        string    `json:"containerId"`
	CPUPercent         float64   `json:"cpuPercent"`
	MemoryBytes        uint64    `json:"memoryBytes"`
	MemoryLimitBytes   uint64    `json:"memoryLimitBytes"`
	NetworkBytesPerSec float64   `json:"networkBytesPerSec"`
	SampledAt          time.Time `json:"sampledAt"`
}

// LogOptions selects the shape of a log feed. A negative Tail means the whole
// history.
type LogOptions struct {
	Follow bool
	Tail   int
}

// LogStream is a cancellable feed of raw log bytes. Chunks is closed when the
// feed ends; Err then yields the terminal error, or nil on a clean end of
// stream. The feed is cancelled through the context it was opened with.
type LogStream struct {
	Chunks <-chan []byte
	Err    <-chan error
}

type ActionVerb string

const (
	VerbStart   ActionVerb = "start"
	VerbStop    ActionVerb = "stop"
	VerbRestart ActionVerb = "restart"
)

func (v ActionVerb) Valid() bool {
	switch v {
	case VerbStart, VerbStop, VerbRestart:
		return true
	}
	return false
}

type ActionRequest struct {
	ContainerID string     `json:"containerId"`
	Verb        ActionVerb `json:"verb"`
	SessionID   string     `json:"-"`
}

type ActionEvent struct {
	ID          string     `json:"id"`
	Timestamp   int64      `json:"timestamp"`
	ContainerID string     `json:"containerId"`
	Verb        ActionVerb `json:"verb"`
	OK          bool       `json:"ok"`
	Reason      string     `json:"reason,omitempty"`
	SessionID   string     `json:"sessionId,omitempty"`
}

type ContainerListResponse struct {
	Version    uint64             `json:"version"`
	TakenAt    time.Time          `json:"takenAt"`
	Containers []ContainerSummary `json:"containers"`
}

type ActionResponse struct {
	ContainerID string     `json:"containerId"`
	Verb        ActionVerb `json:"verb"`
	Success     bool       `json:"success"`
	Message     string     `json:"message,omitempty"`
}

type EventListResponse struct {
	Events []ActionEvent `json:"events"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
