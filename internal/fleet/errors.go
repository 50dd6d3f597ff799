package fleet

import (
	"errors"
	"fmt"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrUnknownVerb   = errors.New("unknown action verb")
	ErrNoSnapshot    = errors.New("no fleet snapshot yet")
	ErrStreamEnded   = errors.New("log stream ended")
	ErrNoContainerID = errors.New("container id is required")
)

type ActionErrorKind int

const (
	// ActionBusy means another action for the same container was in flight
	// and the dispatcher runs the reject policy.
	ActionBusy ActionErrorKind = iota + 1
	// ActionRejected means the runtime refused or failed the action.
	ActionRejected
)

func (k ActionErrorKind) String() string {
	switch k {
	case ActionBusy:
		return "busy"
	case ActionRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type ActionError struct {
	Kind        ActionErrorKind
	ContainerID string
	Reason      string
}

func (e *ActionError) Error() string {
	if e.Kind == ActionBusy {
		return fmt.Sprintf("action already in flight for container %s", e.ContainerID)
	}
	return fmt.Sprintf("runtime rejected action on container %s: %s", e.ContainerID, e.Reason)
}

// IsBusy reports whether err is an ActionError of kind ActionBusy.
func IsBusy(err error) bool {
	var ae *ActionError
	return errors.As(err, &ae) && ae.Kind == ActionBusy
}

// IsRejected reports whether err is an ActionError of kind ActionRejected.
func IsRejected(err error) bool {
	var ae *ActionError
	return errors.As(err, &ae) && ae.Kind == ActionRejected
}
