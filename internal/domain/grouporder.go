package domain

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

type PaymentStructure string

const (
	PaymentPayOwn     PaymentStructure = "pay_own"
	PaymentEqualSplit PaymentStructure = "equal_split"
	PaymentPayAll     PaymentStructure = "pay_all"
	PaymentCustom     PaymentStructure = "custom"
)

var validPaymentStructures = map[PaymentStructure]struct{}{
	PaymentPayOwn:     {},
	PaymentEqualSplit: {},
	PaymentPayAll:     {},
	PaymentCustom:     {},
}

func ToPaymentStructure(s string) (PaymentStructure, error) {
	structure := PaymentStructure(s)
	if _, ok := validPaymentStructures[structure]; ok {
		return structure, nil
	}
	return "", fmt.Errorf("%w: unknown payment structure %q", ErrInvalidRequest, s)
}

type Settings struct {
	MaxParticipants int    `json:"maxParticipants"`
	AllowAnonymous  bool   `json:"allowAnonymous"`
	Currency        string `json:"currency"`
}

// SpendingLimits caps what each participant may add. A nil DefaultLimit means
// participants without an override are unlimited.
type SpendingLimits struct {
	Enabled           bool                       `json:"enabled"`
	DefaultLimit      *decimal.Decimal           `json:"defaultLimit,omitempty"`
	ParticipantLimits map[string]decimal.Decimal `json:"participantLimits,omitempty"`
}

func (l SpendingLimits) Clone() SpendingLimits {
	out := SpendingLimits{Enabled: l.Enabled}
	if l.DefaultLimit != nil {
		d := *l.DefaultLimit
		out.DefaultLimit = &d
	}
	if l.ParticipantLimits != nil {
		out.ParticipantLimits = maps.Clone(l.ParticipantLimits)
	}
	return out
}

type Participant struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Email       string          `json:"email,omitempty"`
	JoinedAt    time.Time       `json:"joinedAt"`
	SpentAmount decimal.Decimal `json:"spentAmount"`
}

// Item is one order line attributed to a single participant.
type Item struct {
	ID            string          `json:"id"`
	ParticipantID string          `json:"participantId"`
	MenuItemID    string          `json:"menuItemId"`
	Name          string          `json:"name"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	Amount        decimal.Decimal `json:"amount"`
	AddedAt       time.Time       `json:"addedAt"`
}

type GroupOrder struct {
	ID               string                     `json:"id"`
	RestaurantID     string                     `json:"restaurantId"`
	TableID          string                     `json:"tableId"`
	InviteCode       string                     `json:"inviteCode"`
	Status           Status                     `json:"status"`
	Settings         Settings                   `json:"settings"`
	SpendingLimits   SpendingLimits             `json:"spendingLimits"`
	PaymentStructure PaymentStructure           `json:"paymentStructure"`
	CustomSplits     map[string]decimal.Decimal `json:"customSplits,omitempty"`
	PayerID          string                     `json:"payerId,omitempty"`
	Participants     []Participant              `json:"participants"`
	Items            []Item                     `json:"items"`
	Version          int64                      `json:"version"`
	CreatedAt        time.Time                  `json:"createdAt"`
	UpdatedAt        time.Time                  `json:"updatedAt"`
	ExpiresAt        time.Time                  `json:"expiresAt"`
}

// Clone returns a deep copy so a mutation can be staged without touching the
// committed aggregate.
func (o *GroupOrder) Clone() *GroupOrder {
	out := *o
	out.SpendingLimits = o.SpendingLimits.Clone()
	if o.CustomSplits != nil {
		out.CustomSplits = maps.Clone(o.CustomSplits)
	}
	out.Participants = slices.Clone(o.Participants)
	out.Items = slices.Clone(o.Items)
	return &out
}

// Participant returns the index of the participant with the given id, or -1.
func (o *GroupOrder) Participant(id string) int {
	return slices.IndexFunc(o.Participants, func(p Participant) bool { return p.ID == id })
}

func (o *GroupOrder) Item(id string) int {
	return slices.IndexFunc(o.Items, func(i Item) bool { return i.ID == id })
}

func (o *GroupOrder) ItemsOf(participantID string) []Item {
	return lo.Filter(o.Items, func(item Item, _ int) bool {
		return item.ParticipantID == participantID
	})
}

// Total is the grand total of every item in the order.
func (o *GroupOrder) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Amount)
	}
	return total
}

// IsDue reports whether the TTL has elapsed for a session that is not yet terminal.
func (o *GroupOrder) IsDue(now time.Time) bool {
	return !o.Status.IsTerminal() && !now.Before(o.ExpiresAt)
}

// Transition moves the order forward through the lifecycle graph.
func (o *GroupOrder) Transition(next Status, now time.Time) error {
	if o.Status.IsTerminal() {
		return fmt.Errorf("%w: order is %s", ErrSessionClosed, o.Status)
	}
	if !o.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = now
	return nil
}

// RequireOpen returns the error a mutation should fail with when the order is
// not accepting changes.
func (o *GroupOrder) RequireOpen() error {
	switch {
	case o.Status.IsTerminal():
		return fmt.Errorf("%w: order is %s", ErrSessionClosed, o.Status)
	case o.Status == StatusLocked:
		return fmt.Errorf("%w: checkout has started", ErrSessionLocked)
	case o.Status != StatusOpen:
		return fmt.Errorf("%w: order is %s", ErrSessionNotJoinable, o.Status)
	}
	return nil
}
