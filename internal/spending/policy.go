// Package spending evaluates per-participant spending limits. Every function
// is pure; callers hold the session critical section so a check and the spend
// it authorises commit together.
package spending

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/grouporders/internal/domain"
)

type Decision struct {
	Allowed bool
	Reason  string
	// Limit is the effective limit that was applied; zero when unlimited.
	Limit     decimal.Decimal
	Unlimited bool
}

// EffectiveLimit returns the cap for a participant. The boolean is false when
// the participant is unlimited.
func EffectiveLimit(limits domain.SpendingLimits, participantID string) (decimal.Decimal, bool) {
	if !limits.Enabled {
		return decimal.Zero, false
	}
	if limit, ok := limits.ParticipantLimits[participantID]; ok {
		return limit, true
	}
	if limits.DefaultLimit != nil {
		return *limits.DefaultLimit, true
	}
	return decimal.Zero, false
}

func CheckAddition(limits domain.SpendingLimits, participant domain.Participant, amount decimal.Decimal) Decision {
	limit, limited := EffectiveLimit(limits, participant.ID)
	if !limited {
		return Decision{Allowed: true, Unlimited: true}
	}

	next := participant.SpentAmount.Add(amount)
	if next.GreaterThan(limit) {
		return Decision{
			Allowed: false,
			Limit:   limit,
			Reason: fmt.Sprintf("adding %s would bring spend to %s, above the limit of %s",
				amount.StringFixed(2), next.StringFixed(2), limit.StringFixed(2)),
		}
	}
	return Decision{Allowed: true, Limit: limit}
}

// Validate checks a replacement limit configuration. It deliberately ignores
// current spend: limits apply at write time only.
func Validate(limits domain.SpendingLimits, order *domain.GroupOrder) error {
	if limits.DefaultLimit != nil && limits.DefaultLimit.IsNegative() {
		return fmt.Errorf("%w: defaultLimit must be >= 0", domain.ErrInvalidRequest)
	}
	for id, limit := range limits.ParticipantLimits {
		if limit.IsNegative() {
			return fmt.Errorf("%w: limit for participant %s must be >= 0", domain.ErrInvalidRequest, id)
		}
		if order.Participant(id) < 0 {
			return fmt.Errorf("%w: participant %s is not part of this order", domain.ErrInvalidRequest, id)
		}
	}
	return nil
}

// Apply validates and replaces the limit configuration wholesale.
func Apply(order *domain.GroupOrder, limits domain.SpendingLimits) error {
	if err := order.RequireOpen(); err != nil {
		return err
	}
	if err := Validate(limits, order); err != nil {
		return err
	}
	order.SpendingLimits = limits.Clone()
	return nil
}
