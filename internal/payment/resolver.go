// Package payment applies payment-splitting rules to a group order and
// computes what each participant owes at checkout.
package payment

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/grouporders/internal/domain"
)

var (
	hundred = decimal.NewFromInt(100)
	// SplitEpsilon is the tolerance on custom split percentages summing to 100.
	SplitEpsilon = decimal.RequireFromString("0.01")
)

// Apply switches the payment structure. Structures other than custom clear any
// custom splits.
func Apply(order *domain.GroupOrder, structure domain.PaymentStructure, splits map[string]decimal.Decimal, payerID string) error {
	if err := order.RequireOpen(); err != nil {
		return err
	}

	switch structure {
	case domain.PaymentPayOwn, domain.PaymentEqualSplit:
		order.CustomSplits = nil
		order.PayerID = ""
	case domain.PaymentPayAll:
		if payerID != "" && order.Participant(payerID) < 0 {
			return fmt.Errorf("%w: payer %s is not part of this order", domain.ErrInvalidSplit, payerID)
		}
		order.CustomSplits = nil
		order.PayerID = payerID
	case domain.PaymentCustom:
		if err := ValidateCustomSplits(splits, order.Participants); err != nil {
			return err
		}
		order.CustomSplits = make(map[string]decimal.Decimal, len(splits))
		for id, share := range splits {
			order.CustomSplits[id] = share
		}
		order.PayerID = ""
	default:
		return fmt.Errorf("%w: unknown payment structure %q", domain.ErrInvalidRequest, structure)
	}

	order.PaymentStructure = structure
	return nil
}

// ValidateCustomSplits requires one percentage per current participant, each
// within [0, 100], summing to 100 within SplitEpsilon.
func ValidateCustomSplits(splits map[string]decimal.Decimal, participants []domain.Participant) error {
	if len(participants) == 0 {
		return fmt.Errorf("%w: custom splits need at least one participant", domain.ErrInvalidSplit)
	}
	if len(splits) != len(participants) {
		return fmt.Errorf("%w: expected %d splits, got %d", domain.ErrInvalidSplit, len(participants), len(splits))
	}

	sum := decimal.Zero
	for _, p := range participants {
		share, ok := splits[p.ID]
		if !ok {
			return fmt.Errorf("%w: missing split for participant %s", domain.ErrInvalidSplit, p.ID)
		}
		if share.IsNegative() || share.GreaterThan(hundred) {
			return fmt.Errorf("%w: split for participant %s must be between 0 and 100", domain.ErrInvalidSplit, p.ID)
		}
		sum = sum.Add(share)
	}

	if sum.Sub(hundred).Abs().GreaterThan(SplitEpsilon) {
		return fmt.Errorf("%w: splits sum to %s, want 100", domain.ErrInvalidSplit, sum.String())
	}
	return nil
}
