package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/grouporders/internal/domain"
	"github.com/joao-fontenele/grouporders/internal/payment"
)

type outbox struct {
	mu       sync.Mutex
	messages []emailMessage
	status   int
}

func (o *outbox) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg emailMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		o.mu.Lock()
		o.messages = append(o.messages, msg)
		status := o.status
		o.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}
}

func newHandler(t *testing.T, mail *outbox, orders http.HandlerFunc) *NotificationHandler {
	t.Helper()
	emailServer := httptest.NewServer(mail.handler(t))
	t.Cleanup(emailServer.Close)

	if orders == nil {
		orders = func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("unexpected group orders call: %s", r.URL.Path)
		}
	}
	ordersServer := httptest.NewServer(orders)
	t.Cleanup(ordersServer.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewNotificationHandler(emailServer.URL, ordersServer.URL, http.DefaultClient, logger)
}

func finalizedEvent(t *testing.T) domain.Event {
	t.Helper()
	settlement := payment.Settlement{
		GroupOrderID: "go-1",
		Currency:     "USD",
		Total:        decimal.RequireFromString("32.33"),
		Lines: []payment.Line{
			{ParticipantID: "p1", Name: "Ana", Email: "ana@example.com", AmountDue: decimal.RequireFromString("16.17")},
			{ParticipantID: "p2", Name: "Guest 2", AmountDue: decimal.RequireFromString("16.16")},
		},
	}
	payload, err := json.Marshal(settlement)
	require.NoError(t, err)
	return domain.Event{Type: domain.EventGroupOrderFinalized, GroupOrderID: "go-1", Status: domain.StatusFinalized, Payload: payload}
}

func TestHandle_FinalizedSendsReceipts(t *testing.T) {
	mail := &outbox{}
	h := newHandler(t, mail, nil)

	require.NoError(t, h.Handle(context.Background(), finalizedEvent(t)))

	require.Len(t, mail.messages, 1, "participants without email get nothing")
	assert.Equal(t, "ana@example.com", mail.messages[0].To)
	assert.Contains(t, mail.messages[0].Body, "16.17 USD")
	assert.Contains(t, mail.messages[0].Subject, "go-1")
}

func TestHandle_ClosureNotices(t *testing.T) {
	for _, eventType := range []domain.EventType{domain.EventGroupOrderExpired, domain.EventGroupOrderCancelled} {
		t.Run(string(eventType), func(t *testing.T) {
			mail := &outbox{}
			h := newHandler(t, mail, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/group-orders/go-9", r.URL.Path)
				order := domain.GroupOrder{
					ID:           "go-9",
					RestaurantID: "trattoria",
					Participants: []domain.Participant{
						{ID: "p1", Name: "Ana", Email: "ana@example.com"},
						{ID: "p2", Name: "Bo", Email: "bo@example.com"},
						{ID: "p3", Name: "Guest 3"},
					},
				}
				_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": order})
			})

			err := h.Handle(context.Background(), domain.Event{Type: eventType, GroupOrderID: "go-9"})
			require.NoError(t, err)
			require.Len(t, mail.messages, 2)
			assert.Contains(t, mail.messages[0].Body, "trattoria")
		})
	}
}

func TestHandle_IgnoresOtherEvents(t *testing.T) {
	mail := &outbox{}
	h := newHandler(t, mail, nil)

	for _, eventType := range []domain.EventType{domain.EventParticipantJoined, domain.EventItemAdded, domain.EventGroupOrderLocked} {
		require.NoError(t, h.Handle(context.Background(), domain.Event{Type: eventType, GroupOrderID: "go-1"}))
	}
	assert.Empty(t, mail.messages)
}

func TestHandle_Failures(t *testing.T) {
	t.Run("email service errors surface", func(t *testing.T) {
		mail := &outbox{status: http.StatusInternalServerError}
		h := newHandler(t, mail, nil)

		err := h.Handle(context.Background(), finalizedEvent(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "500")
	})

	t.Run("malformed settlement payload", func(t *testing.T) {
		h := newHandler(t, &outbox{}, nil)
		err := h.Handle(context.Background(), domain.Event{
			Type:         domain.EventGroupOrderFinalized,
			GroupOrderID: "go-1",
			Payload:      json.RawMessage(`"nope"`),
		})
		require.Error(t, err)
	})

	t.Run("group order lookup fails", func(t *testing.T) {
		h := newHandler(t, &outbox{}, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		err := h.Handle(context.Background(), domain.Event{Type: domain.EventGroupOrderCancelled, GroupOrderID: "gone"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
	})
}
