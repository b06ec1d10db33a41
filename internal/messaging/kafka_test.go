//go:build integration

package messaging_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/grouporders/internal/domain"
	"github.com/joao-fontenele/grouporders/internal/grouporders"
	"github.com/joao-fontenele/grouporders/internal/ledger"
	"github.com/joao-fontenele/grouporders/internal/messaging"
	"github.com/joao-fontenele/grouporders/internal/testsupport"
	"github.com/joao-fontenele/grouporders/internal/worker"
)

type emailCapture struct {
	mu     sync.Mutex
	emails []map[string]string
}

func (e *emailCapture) handler(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	e.mu.Lock()
	e.emails = append(e.emails, req)
	e.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (e *emailCapture) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.emails)
}

func TestGroupOrderEventsReachTheWorker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	brokers := testsupport.SetupKafka(ctx, t)
	topic := "group-order.events.test"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	require.NoError(t, err)
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 3, ReplicationFactor: 1}))
	_ = conn.Close()

	producer := messaging.NewProducer(brokers, topic)
	defer func() { _ = producer.Close() }()

	registry, err := grouporders.NewRegistry(grouporders.NewMemoryStore(), producer, logger)
	require.NoError(t, err)

	mux := http.NewServeMux()
	grouporders.NewHandler(registry, logger).Register(mux)
	ordersServer := httptest.NewServer(mux)
	defer ordersServer.Close()

	emails := &emailCapture{}
	emailServer := httptest.NewServer(http.HandlerFunc(emails.handler))
	defer emailServer.Close()

	notifications := worker.NewNotificationHandler(emailServer.URL, ordersServer.URL, &http.Client{Timeout: 10 * time.Second}, logger)

	order, err := registry.Create(ctx, grouporders.CreateInput{
		RestaurantID: "resto-1",
		TableID:      "table-4",
		TTLMinutes:   60,
		Settings:     domain.Settings{MaxParticipants: 4},
	})
	require.NoError(t, err)

	ana, _, err := registry.Join(ctx, order.InviteCode, ledger.Identity{Name: "Ana", Email: "ana@example.com"})
	require.NoError(t, err)
	bo, _, err := registry.Join(ctx, order.InviteCode, ledger.Identity{Name: "Bo", Email: "bo@example.com"})
	require.NoError(t, err)

	for _, in := range []ledger.NewItem{
		{ParticipantID: ana.ID, MenuItemID: "m1", Name: "Pizza", Quantity: 1, UnitPrice: decimal.RequireFromString("18.50")},
		{ParticipantID: bo.ID, MenuItemID: "m2", Name: "Salad", Quantity: 1, UnitPrice: decimal.RequireFromString("9.25")},
	} {
		_, _, err := registry.AddItem(ctx, order.ID, in)
		require.NoError(t, err)
	}
	_, err = registry.Lock(ctx, order.ID)
	require.NoError(t, err)
	_, err = registry.Finalize(ctx, order.ID)
	require.NoError(t, err)

	consumer := messaging.NewConsumer(brokers, topic, "worker-test", messaging.WithStartOffset(kafka.FirstOffset))
	defer func() { _ = consumer.Close() }()

	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		mu      sync.Mutex
		seen    []domain.EventType
		version int64
	)
	done := make(chan error, 1)
	go func() {
		done <- consumer.Consume(consumeCtx, func(ctx context.Context, event domain.Event) error {
			mu.Lock()
			seen = append(seen, event.Type)
			assert.Greater(t, event.Version, version, "events of one order arrive in version order")
			version = event.Version
			mu.Unlock()
			return notifications.Handle(ctx, event)
		})
	}()

	require.Eventually(t, func() bool { return emails.count() == 2 }, time.Minute, 200*time.Millisecond)
	stop()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.EventType{
		domain.EventGroupOrderCreated,
		domain.EventParticipantJoined,
		domain.EventParticipantJoined,
		domain.EventItemAdded,
		domain.EventItemAdded,
		domain.EventGroupOrderLocked,
		domain.EventGroupOrderFinalized,
	}, seen)
}
