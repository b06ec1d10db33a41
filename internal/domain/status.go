package domain

import "fmt"

type Status string

// remember to add new statuses to the transitions map
const (
	StatusCreated   Status = "created"
	StatusOpen      Status = "open"
	StatusLocked    Status = "locked"
	StatusFinalized Status = "finalized"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// transitions lists the forward edges of the session lifecycle.
var transitions = map[Status][]Status{
	StatusCreated:   {StatusOpen},
	StatusOpen:      {StatusLocked, StatusExpired, StatusCancelled},
	StatusLocked:    {StatusFinalized, StatusExpired, StatusCancelled},
	StatusFinalized: nil,
	StatusExpired:   nil,
	StatusCancelled: nil,
}

func ToStatus(s string) (Status, error) {
	status := Status(s)
	if _, ok := transitions[status]; ok {
		return status, nil
	}
	return "", fmt.Errorf("%w: invalid status %q", ErrInvalidRequest, s)
}

// IsTerminal reports whether no further mutation is accepted in this status.
func (s Status) IsTerminal() bool {
	return s == StatusFinalized || s == StatusExpired || s == StatusCancelled
}

// IsResolvable reports whether an invite code pointing at a session in this
// status may still be resolved.
func (s Status) IsResolvable() bool {
	return s == StatusCreated || s == StatusOpen
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}
