package payment

import (
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/grouporders/internal/domain"
)

type Line struct {
	ParticipantID string          `json:"participantId"`
	Name          string          `json:"name,omitempty"`
	Email         string          `json:"email,omitempty"`
	ItemsTotal    decimal.Decimal `json:"itemsTotal"`
	AmountDue     decimal.Decimal `json:"amountDue"`
}

type Settlement struct {
	GroupOrderID     string                  `json:"groupOrderId"`
	Status           domain.Status           `json:"status"`
	Currency         string                  `json:"currency"`
	PaymentStructure domain.PaymentStructure `json:"paymentStructure"`
	Total            decimal.Decimal         `json:"total"`
	Lines            []Line                  `json:"lines"`
}

// AmountDue returns the amount owed by one participant, or zero.
func (s Settlement) AmountDue(participantID string) decimal.Decimal {
	for _, line := range s.Lines {
		if line.ParticipantID == participantID {
			return line.AmountDue
		}
	}
	return decimal.Zero
}

// ComputeSettlement divides the grand total among participants in join order.
// Amounts are truncated to cents and the remainder goes to the first joiner, so
// the lines always sum to the total.
func ComputeSettlement(order *domain.GroupOrder) Settlement {
	total := order.Total()
	settlement := Settlement{
		GroupOrderID:     order.ID,
		Status:           order.Status,
		Currency:         order.Settings.Currency,
		PaymentStructure: order.PaymentStructure,
		Total:            total,
		Lines:            make([]Line, 0, len(order.Participants)),
	}
	if len(order.Participants) == 0 {
		return settlement
	}

	itemsTotal := make(map[string]decimal.Decimal, len(order.Participants))
	for _, item := range order.Items {
		itemsTotal[item.ParticipantID] = itemsTotal[item.ParticipantID].Add(item.Amount)
	}

	due := make([]decimal.Decimal, len(order.Participants))
	switch order.PaymentStructure {
	case domain.PaymentEqualSplit:
		share := total.Div(decimal.NewFromInt(int64(len(order.Participants)))).Truncate(2)
		for i := range due {
			due[i] = share
		}
	case domain.PaymentPayAll:
		payer := order.Participant(order.PayerID)
		if payer < 0 {
			payer = 0
		}
		due[payer] = total
	case domain.PaymentCustom:
		sum := decimal.Zero
		for _, share := range order.CustomSplits {
			sum = sum.Add(share)
		}
		if sum.IsPositive() {
			for i, p := range order.Participants {
				due[i] = total.Mul(order.CustomSplits[p.ID]).Div(sum).Truncate(2)
			}
		}
	default:
		for i, p := range order.Participants {
			due[i] = itemsTotal[p.ID]
		}
	}

	assigned := decimal.Zero
	for _, amount := range due {
		assigned = assigned.Add(amount)
	}
	due[0] = due[0].Add(total.Sub(assigned))

	for i, p := range order.Participants {
		settlement.Lines = append(settlement.Lines, Line{
			ParticipantID: p.ID,
			Name:          p.Name,
			Email:         p.Email,
			ItemsTotal:    itemsTotal[p.ID],
			AmountDue:     due[i],
		})
	}
	return settlement
}
