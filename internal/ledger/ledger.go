// Package ledger owns the participant set of a group order and the spend
// attributed to each participant. Callers must hold the session critical
// section; nothing here synchronises.
package ledger

import (
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/grouporders/internal/domain"
	"github.com/joao-fontenele/grouporders/internal/spending"
)

const (
	MaxNameLength       = 100
	MaxEmailLength      = 254
	MaxMenuItemIDLength = 64
	MaxItemNameLength   = 200
	MaxQuantity         = 99
)

var (
	// MaxUnitPrice bounds a single unit so quantity times price stays well
	// inside the stored NUMERIC(12,2) amounts.
	MaxUnitPrice = decimal.NewFromInt(10_000)
	// MaxParticipantSpend caps the running spend of one participant.
	MaxParticipantSpend = decimal.NewFromInt(1_000_000)
)

type Identity struct {
	Name  string
	Email string
}

func (i Identity) normalized() Identity {
	return Identity{
		Name:  strings.TrimSpace(i.Name),
		Email: strings.ToLower(strings.TrimSpace(i.Email)),
	}
}

type NewItem struct {
	ParticipantID string
	MenuItemID    string
	Name          string
	Quantity      int
	UnitPrice     decimal.Decimal
}

// Join admits a participant. A participant whose email is already in the order
// is returned as is without taking another seat.
func Join(order *domain.GroupOrder, identity Identity, now time.Time) (domain.Participant, error) {
	if err := order.RequireOpen(); err != nil {
		return domain.Participant{}, err
	}

	identity = identity.normalized()
	if err := validateIdentity(identity, order.Settings.AllowAnonymous); err != nil {
		return domain.Participant{}, err
	}

	if identity.Email != "" {
		for _, p := range order.Participants {
			if p.Email == identity.Email {
				return p, nil
			}
		}
	}

	if len(order.Participants) >= order.Settings.MaxParticipants {
		return domain.Participant{}, fmt.Errorf("%w: order is full with %d participants",
			domain.ErrCapacityExceeded, order.Settings.MaxParticipants)
	}

	name := identity.Name
	if name == "" {
		name = fmt.Sprintf("Guest %d", len(order.Participants)+1)
	}

	p := domain.Participant{
		ID:          uuid.NewString(),
		Name:        name,
		Email:       identity.Email,
		JoinedAt:    nextJoinedAt(order, now),
		SpentAmount: decimal.Zero,
	}
	order.Participants = append(order.Participants, p)
	if order.PaymentStructure == domain.PaymentCustom {
		if order.CustomSplits == nil {
			order.CustomSplits = make(map[string]decimal.Decimal)
		}
		order.CustomSplits[p.ID] = decimal.Zero
	}
	order.UpdatedAt = now
	return p, nil
}

func validateIdentity(identity Identity, allowAnonymous bool) error {
	if !allowAnonymous && (identity.Name == "" || identity.Email == "") {
		return fmt.Errorf("%w: name and email are required", domain.ErrIdentityRequired)
	}
	if len(identity.Name) > MaxNameLength {
		return fmt.Errorf("%w: name longer than %d characters", domain.ErrInvalidRequest, MaxNameLength)
	}
	if len(identity.Email) > MaxEmailLength {
		return fmt.Errorf("%w: email longer than %d characters", domain.ErrInvalidRequest, MaxEmailLength)
	}
	if identity.Email != "" {
		addr, err := mail.ParseAddress(identity.Email)
		if err != nil || addr.Address != identity.Email {
			return fmt.Errorf("%w: malformed email %q", domain.ErrInvalidRequest, identity.Email)
		}
	}
	return nil
}

// nextJoinedAt keeps join timestamps strictly increasing even when the clock
// repeats or goes backwards.
func nextJoinedAt(order *domain.GroupOrder, now time.Time) time.Time {
	t := now.UTC().Truncate(time.Microsecond)
	if n := len(order.Participants); n > 0 {
		if last := order.Participants[n-1].JoinedAt; !t.After(last) {
			t = last.Add(time.Microsecond)
		}
	}
	return t
}

// Leave removes a participant who has no items attributed to them.
func Leave(order *domain.GroupOrder, participantID string, now time.Time) error {
	if err := order.RequireOpen(); err != nil {
		return err
	}

	idx := order.Participant(participantID)
	if idx < 0 {
		return fmt.Errorf("%w: participant %s", domain.ErrNotFound, participantID)
	}
	if items := order.ItemsOf(participantID); len(items) > 0 {
		return fmt.Errorf("%w: %d items still attributed to participant %s",
			domain.ErrHasPendingItems, len(items), participantID)
	}

	order.Participants = slices.Delete(order.Participants, idx, idx+1)
	delete(order.SpendingLimits.ParticipantLimits, participantID)

	if order.PayerID == participantID {
		order.PayerID = ""
	}
	if order.PaymentStructure == domain.PaymentCustom {
		share := order.CustomSplits[participantID]
		delete(order.CustomSplits, participantID)
		if len(order.Participants) == 0 {
			order.PaymentStructure = domain.PaymentPayOwn
			order.CustomSplits = nil
		} else {
			first := order.Participants[0].ID
			order.CustomSplits[first] = order.CustomSplits[first].Add(share)
		}
	}
	order.UpdatedAt = now
	return nil
}

// AddItem attributes a new line to a participant after checking their
// spending limit.
func AddItem(order *domain.GroupOrder, in NewItem, now time.Time) (domain.Item, error) {
	if err := order.RequireOpen(); err != nil {
		return domain.Item{}, err
	}

	idx := order.Participant(in.ParticipantID)
	if idx < 0 {
		return domain.Item{}, fmt.Errorf("%w: participant %s", domain.ErrNotFound, in.ParticipantID)
	}
	if err := validateItem(in); err != nil {
		return domain.Item{}, err
	}

	amount := in.UnitPrice.Mul(decimal.NewFromInt(int64(in.Quantity)))
	participant := order.Participants[idx]
	if participant.SpentAmount.Add(amount).GreaterThan(MaxParticipantSpend) {
		return domain.Item{}, fmt.Errorf("%w: spend per participant is capped at %s", domain.ErrInvalidRequest, MaxParticipantSpend.StringFixed(2))
	}
	if d := spending.CheckAddition(order.SpendingLimits, participant, amount); !d.Allowed {
		return domain.Item{}, fmt.Errorf("%w: %s", domain.ErrLimitExceeded, d.Reason)
	}

	item := domain.Item{
		ID:            uuid.NewString(),
		ParticipantID: participant.ID,
		MenuItemID:    in.MenuItemID,
		Name:          strings.TrimSpace(in.Name),
		Quantity:      in.Quantity,
		UnitPrice:     in.UnitPrice,
		Amount:        amount,
		AddedAt:       now.UTC(),
	}
	order.Items = append(order.Items, item)
	order.Participants[idx].SpentAmount = participant.SpentAmount.Add(amount)
	order.UpdatedAt = now
	return item, nil
}

func validateItem(in NewItem) error {
	switch {
	case strings.TrimSpace(in.MenuItemID) == "":
		return fmt.Errorf("%w: menuItemId is required", domain.ErrInvalidRequest)
	case utf8.RuneCountInString(in.MenuItemID) > MaxMenuItemIDLength:
		return fmt.Errorf("%w: menuItemId longer than %d characters", domain.ErrInvalidRequest, MaxMenuItemIDLength)
	case strings.TrimSpace(in.Name) == "":
		return fmt.Errorf("%w: item name is required", domain.ErrInvalidRequest)
	case utf8.RuneCountInString(strings.TrimSpace(in.Name)) > MaxItemNameLength:
		return fmt.Errorf("%w: item name longer than %d characters", domain.ErrInvalidRequest, MaxItemNameLength)
	case in.Quantity <= 0 || in.Quantity > MaxQuantity:
		return fmt.Errorf("%w: quantity must be between 1 and %d", domain.ErrInvalidRequest, MaxQuantity)
	case !in.UnitPrice.IsPositive():
		return fmt.Errorf("%w: unitPrice must be positive", domain.ErrInvalidRequest)
	case in.UnitPrice.GreaterThan(MaxUnitPrice):
		return fmt.Errorf("%w: unitPrice above %s", domain.ErrInvalidRequest, MaxUnitPrice.StringFixed(2))
	case in.UnitPrice.Exponent() < -2 && !in.UnitPrice.Equal(in.UnitPrice.Truncate(2)):
		return fmt.Errorf("%w: unitPrice has more than two decimal places", domain.ErrInvalidRequest)
	}
	return nil
}

// RemoveItem deletes a line and gives the spend back to its participant.
func RemoveItem(order *domain.GroupOrder, itemID string, now time.Time) (domain.Item, error) {
	if err := order.RequireOpen(); err != nil {
		return domain.Item{}, err
	}

	idx := order.Item(itemID)
	if idx < 0 {
		return domain.Item{}, fmt.Errorf("%w: item %s", domain.ErrNotFound, itemID)
	}
	item := order.Items[idx]
	order.Items = slices.Delete(order.Items, idx, idx+1)

	if p := order.Participant(item.ParticipantID); p >= 0 {
		order.Participants[p].SpentAmount = order.Participants[p].SpentAmount.Sub(item.Amount)
	}
	order.UpdatedAt = now
	return item, nil
}
