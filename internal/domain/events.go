package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventGroupOrderCreated       EventType = "group_order.created"
	EventParticipantJoined       EventType = "participant.joined"
	EventParticipantLeft         EventType = "participant.left"
	EventItemAdded               EventType = "item.added"
	EventItemRemoved             EventType = "item.removed"
	EventSpendingLimitsUpdated   EventType = "spending_limits.updated"
	EventPaymentStructureUpdated EventType = "payment_structure.updated"
	EventGroupOrderLocked        EventType = "group_order.locked"
	EventGroupOrderFinalized     EventType = "group_order.finalized"
	EventGroupOrderExpired       EventType = "group_order.expired"
	EventGroupOrderCancelled     EventType = "group_order.cancelled"
)

// StatusEvent returns the lifecycle event published when an order enters status.
func StatusEvent(status Status) (EventType, bool) {
	switch status {
	case StatusLocked:
		return EventGroupOrderLocked, true
	case StatusFinalized:
		return EventGroupOrderFinalized, true
	case StatusExpired:
		return EventGroupOrderExpired, true
	case StatusCancelled:
		return EventGroupOrderCancelled, true
	}
	return "", false
}

// Event is the envelope published for every committed mutation. Version is the
// aggregate version after the mutation and orders events of one group order.
type Event struct {
	Type         EventType       `json:"type"`
	GroupOrderID string          `json:"groupOrderId"`
	Version      int64           `json:"version"`
	Status       Status          `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}
