// Package worker reacts to group order lifecycle events by notifying
// participants through the email service.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/grouporders/internal/domain"
	"github.com/joao-fontenele/grouporders/internal/payment"
)

type NotificationHandler struct {
	emailServiceURL       string
	groupOrdersServiceURL string
	httpClient            *http.Client
	logger                *slog.Logger
}

func NewNotificationHandler(emailServiceURL, groupOrdersServiceURL string, client *http.Client, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		emailServiceURL:       emailServiceURL,
		groupOrdersServiceURL: groupOrdersServiceURL,
		httpClient:            client,
		logger:                logger,
	}
}

type emailMessage struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Message string `json:"message"`
}

// Handle ignores every event except the terminal ones.
func (h *NotificationHandler) Handle(ctx context.Context, event domain.Event) error {
	switch event.Type {
	case domain.EventGroupOrderFinalized:
		return h.sendReceipts(ctx, event)
	case domain.EventGroupOrderExpired, domain.EventGroupOrderCancelled:
		return h.sendClosureNotices(ctx, event)
	}
	return nil
}

func (h *NotificationHandler) sendReceipts(ctx context.Context, event domain.Event) error {
	var settlement payment.Settlement
	if err := json.Unmarshal(event.Payload, &settlement); err != nil {
		return fmt.Errorf("unmarshal settlement: %w", err)
	}

	h.logger.Info("sending receipts", "group_order_id", event.GroupOrderID, "participants", len(settlement.Lines))

	var errs []error
	for _, line := range settlement.Lines {
		if line.Email == "" {
			continue
		}
		msg := emailMessage{
			To:      line.Email,
			Subject: "Group order receipt: " + event.GroupOrderID,
			Body: fmt.Sprintf("Hi %s, the group order is finalized. Your items came to %s %s and your share is %s %s.",
				line.Name, line.ItemsTotal.StringFixed(2), settlement.Currency, line.AmountDue.StringFixed(2), settlement.Currency),
		}
		if err := h.sendEmail(ctx, msg); err != nil {
			h.logger.Error("failed to send receipt", "error", err, "group_order_id", event.GroupOrderID, "participant_id", line.ParticipantID)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *NotificationHandler) sendClosureNotices(ctx context.Context, event domain.Event) error {
	order, err := h.fetchGroupOrder(ctx, event.GroupOrderID)
	if err != nil {
		return fmt.Errorf("fetch group order: %w", err)
	}

	reason := "was cancelled by the host"
	if event.Type == domain.EventGroupOrderExpired {
		reason = "expired before checkout"
	}

	var errs []error
	for _, p := range order.Participants {
		if p.Email == "" {
			continue
		}
		msg := emailMessage{
			To:      p.Email,
			Subject: "Group order closed: " + event.GroupOrderID,
			Body:    fmt.Sprintf("Hi %s, the group order at %s %s. Nothing was charged.", p.Name, order.RestaurantID, reason),
		}
		if err := h.sendEmail(ctx, msg); err != nil {
			h.logger.Error("failed to send closure notice", "error", err, "group_order_id", event.GroupOrderID, "participant_id", p.ID)
			errs = append(errs, err)
		}
	}

	h.logger.Info("closure notices processed", "group_order_id", event.GroupOrderID, "status", event.Status)
	return errors.Join(errs...)
}

func (h *NotificationHandler) fetchGroupOrder(ctx context.Context, id string) (*domain.GroupOrder, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.groupOrdersServiceURL+"/group-orders/"+id, nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("group orders service returned status %d", resp.StatusCode)
	}

	var body envelope[domain.GroupOrder]
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode group order: %w", err)
	}
	return &body.Data, nil
}

func (h *NotificationHandler) sendEmail(ctx context.Context, msg emailMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.emailServiceURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("email service returned status %d", resp.StatusCode)
	}

	return nil
}
